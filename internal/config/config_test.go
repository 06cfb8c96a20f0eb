package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Cache.Driver)
	assert.Equal(t, 14, cfg.Cache.TextTTLDays)
	assert.Equal(t, 30, cfg.Cache.ReverseTTLDays)
	assert.Equal(t, 5, cfg.Cache.ReverseDecimals)
	assert.InDelta(t, 2000, cfg.Billing.MonthlyCapCents, 0.001)
	assert.False(t, cfg.Billing.CommercialEnabled)
	assert.InDelta(t, 3.2, cfg.Billing.PerCallCents["google_text"], 0.001)
	assert.InDelta(t, 0.5, cfg.Billing.PerCallCents["google_reverse"], 0.001)
	assert.Len(t, cfg.Providers.Overpass.Mirrors, 3)
	assert.Equal(t, 2, cfg.Providers.Overpass.AttemptsPerMirror)
	assert.Equal(t, 1500, cfg.Providers.Overpass.BaseDelayMs)
	assert.Equal(t, 400, cfg.Import.MaxCreates)
	assert.Equal(t, 540, cfg.Import.LeaseTTLSecs)
	assert.Equal(t, 5, cfg.Import.DedupDecimals)
	assert.Equal(t, []string{"basketball", "tennis", "pickleball"}, cfg.Import.Sports)
	assert.InDelta(t, 0.7, cfg.Coverage.Threshold, 0.001)
	assert.Equal(t, 8, cfg.Coverage.TopCities)
	assert.Equal(t, "conservative", cfg.Repair.Mode)
	assert.Equal(t, 240, cfg.Repair.TimeBudgetSecs)
	assert.Equal(t, 2000, cfg.Dedup.Window)
	assert.Equal(t, 200, cfg.Dedup.MaxFixes)
	assert.Equal(t, 30, cfg.Queue.StaleDays)
	assert.Equal(t, "postgres", cfg.Lease.Backend)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
cache:
  driver: sqlite
  sqlite_path: /tmp/cache.db
log:
  level: debug
  format: console
import:
  max_creates: 150
providers:
  overpass:
    mirrors:
      - https://mirror.example/api/interpreter
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Cache.Driver)
	assert.Equal(t, "/tmp/cache.db", cfg.Cache.SQLitePath)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 150, cfg.Import.MaxCreates)
	assert.Equal(t, []string{"https://mirror.example/api/interpreter"}, cfg.Providers.Overpass.Mirrors)
	// Defaults still apply for unset values
	assert.Equal(t, 14, cfg.Cache.TextTTLDays)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
cache:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("GEOCURATOR_CACHE_DRIVER", "postgres")
	t.Setenv("GEOCURATOR_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Cache.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("GEOCURATOR_PROVIDERS_GOOGLE_KEY=from-dotenv\n"), 0600))
	t.Cleanup(func() { os.Unsetenv("GEOCURATOR_PROVIDERS_GOOGLE_KEY") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Providers.Google.Key)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("GEOCURATOR_SERVER_PORT", "3000")
	t.Setenv("GEOCURATOR_BILLING_COMMERCIAL_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.True(t, cfg.Billing.CommercialEnabled)
}

func TestClampedMaxCreates(t *testing.T) {
	assert.Equal(t, 1, ImportConfig{MaxCreates: 0}.ClampedMaxCreates())
	assert.Equal(t, 1, ImportConfig{MaxCreates: -5}.ClampedMaxCreates())
	assert.Equal(t, 400, ImportConfig{MaxCreates: 400}.ClampedMaxCreates())
	assert.Equal(t, 2000, ImportConfig{MaxCreates: 9000}.ClampedMaxCreates())
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.DatabaseURL = "postgres://localhost/geocurator"
	cfg.Providers.Overpass.Mirrors = []string{"https://overpass-api.de/api/interpreter"}
	cfg.Import.LeaseTTLSecs = 540
	cfg.Coverage.Threshold = 0.7
	cfg.Repair.Mode = "balanced"
	cfg.Server.Port = 8080
	cfg.Auth.JWTSecret = "secret"
	cfg.Cache.Driver = "postgres"
	return cfg
}

func TestValidateImport_AllPresent(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("import"))
}

func TestValidateImport_MissingFields(t *testing.T) {
	cfg := &Config{}

	err := cfg.Validate("import")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
	assert.Contains(t, err.Error(), "providers.overpass.mirrors must not be empty")
	assert.Contains(t, err.Error(), "coverage.threshold")
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateServe_MissingSecret(t *testing.T) {
	cfg := validDefaults()
	cfg.Auth.JWTSecret = ""

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.jwt_secret is required")
}

func TestValidateRepairMode(t *testing.T) {
	cfg := validDefaults()
	cfg.Repair.Mode = "aggressive"

	err := cfg.Validate("repair")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repair.mode")

	cfg.Repair.Mode = "full"
	assert.NoError(t, cfg.Validate("repair"))
}

func TestValidateCacheDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Cache.Driver = "sqlite"

	err := cfg.Validate("sweep")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache.sqlite_path")

	cfg.Cache.SQLitePath = "cache.db"
	assert.NoError(t, cfg.Validate("sweep"))

	cfg.Cache.Driver = "mongo"
	assert.Error(t, cfg.Validate("sweep"))
}

func TestValidateRedisLease(t *testing.T) {
	cfg := validDefaults()
	cfg.Lease.Backend = "redis"

	err := cfg.Validate("import")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lease.redis_url")
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
