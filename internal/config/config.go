package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Cache      CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Billing    BillingConfig    `yaml:"billing" mapstructure:"billing"`
	Providers  ProvidersConfig  `yaml:"providers" mapstructure:"providers"`
	Import     ImportConfig     `yaml:"import" mapstructure:"import"`
	Lease      LeaseConfig      `yaml:"lease" mapstructure:"lease"`
	Coverage   CoverageConfig   `yaml:"coverage" mapstructure:"coverage"`
	Repair     RepairConfig     `yaml:"repair" mapstructure:"repair"`
	Dedup      DedupConfig      `yaml:"dedup" mapstructure:"dedup"`
	Queue      QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Auth       AuthConfig       `yaml:"auth" mapstructure:"auth"`
	Schedule   ScheduleConfig   `yaml:"schedule" mapstructure:"schedule"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the Postgres connection.
type StoreConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// CacheConfig configures the geo response cache tiers and TTLs.
type CacheConfig struct {
	Driver          string `yaml:"driver" mapstructure:"driver"`
	SQLitePath      string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	RedisURL        string `yaml:"redis_url" mapstructure:"redis_url"`
	TextTTLDays     int    `yaml:"text_ttl_days" mapstructure:"text_ttl_days"`
	ReverseTTLDays  int    `yaml:"reverse_ttl_days" mapstructure:"reverse_ttl_days"`
	ReverseDecimals int    `yaml:"reverse_decimals" mapstructure:"reverse_decimals"`
	SweepBatch      int    `yaml:"sweep_batch" mapstructure:"sweep_batch"`
}

// BillingConfig configures the commercial provider spend cap.
type BillingConfig struct {
	MonthlyCapCents   float64            `yaml:"monthly_cap_cents" mapstructure:"monthly_cap_cents"`
	CommercialEnabled bool               `yaml:"commercial_enabled" mapstructure:"commercial_enabled"`
	PerCallCents      map[string]float64 `yaml:"per_call_cents" mapstructure:"per_call_cents"`
	MaxPages          int                `yaml:"max_pages" mapstructure:"max_pages"`
}

// ProvidersConfig groups the outbound provider settings.
type ProvidersConfig struct {
	Overpass   OverpassConfig   `yaml:"overpass" mapstructure:"overpass"`
	LocationIQ LocationIQConfig `yaml:"locationiq" mapstructure:"locationiq"`
	Google     GoogleConfig     `yaml:"google" mapstructure:"google"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Breaker    BreakerConfig    `yaml:"breaker" mapstructure:"breaker"`
}

// OverpassConfig configures the mirrored open map-query client.
type OverpassConfig struct {
	Mirrors           []string `yaml:"mirrors" mapstructure:"mirrors"`
	AttemptsPerMirror int      `yaml:"attempts_per_mirror" mapstructure:"attempts_per_mirror"`
	BaseDelayMs       int      `yaml:"base_delay_ms" mapstructure:"base_delay_ms"`
	TimeoutSecs       int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// LocationIQConfig configures the low-cost geocoding provider.
type LocationIQConfig struct {
	Key         string  `yaml:"key" mapstructure:"key"`
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	RPS         float64 `yaml:"rps" mapstructure:"rps"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// GoogleConfig configures the commercial places/geocoding provider.
type GoogleConfig struct {
	Key            string  `yaml:"key" mapstructure:"key"`
	PlacesBaseURL  string  `yaml:"places_base_url" mapstructure:"places_base_url"`
	GeocodeBaseURL string  `yaml:"geocode_base_url" mapstructure:"geocode_base_url"`
	RPS            float64 `yaml:"rps" mapstructure:"rps"`
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// RetryConfig configures retries for metered provider calls.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// BreakerConfig configures per-provider circuit breakers.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	CooldownSecs     int `yaml:"cooldown_secs" mapstructure:"cooldown_secs"`
}

// ImportConfig configures the region rotation import.
type ImportConfig struct {
	MaxCreates    int      `yaml:"max_creates" mapstructure:"max_creates"`
	LeaseTTLSecs  int      `yaml:"lease_ttl_secs" mapstructure:"lease_ttl_secs"`
	DedupDecimals int      `yaml:"dedup_decimals" mapstructure:"dedup_decimals"`
	RegionsFile   string   `yaml:"regions_file" mapstructure:"regions_file"`
	Sports        []string `yaml:"sports" mapstructure:"sports"`
}

// Import batch bounds.
const (
	MinCreates = 1
	MaxCreates = 2000
)

// ClampedMaxCreates returns MaxCreates bounded to [MinCreates, MaxCreates].
func (c ImportConfig) ClampedMaxCreates() int {
	switch {
	case c.MaxCreates < MinCreates:
		return MinCreates
	case c.MaxCreates > MaxCreates:
		return MaxCreates
	default:
		return c.MaxCreates
	}
}

// LeaseConfig selects the lease backend.
type LeaseConfig struct {
	Backend  string `yaml:"backend" mapstructure:"backend"`
	RedisURL string `yaml:"redis_url" mapstructure:"redis_url"`
}

// CoverageConfig configures the coverage auditor.
type CoverageConfig struct {
	Threshold    float64 `yaml:"threshold" mapstructure:"threshold"`
	TopCities    int     `yaml:"top_cities" mapstructure:"top_cities"`
	LaggingCount int     `yaml:"lagging_count" mapstructure:"lagging_count"`
	MaxAttempts  int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	Concurrency  int     `yaml:"concurrency" mapstructure:"concurrency"`
}

// RepairConfig configures the record repair batch.
type RepairConfig struct {
	Mode             string `yaml:"mode" mapstructure:"mode"`
	CapPerRun        int    `yaml:"cap_per_run" mapstructure:"cap_per_run"`
	ClusterDecimals  int    `yaml:"cluster_decimals" mapstructure:"cluster_decimals"`
	ParseAddressOnly bool   `yaml:"parse_address_only" mapstructure:"parse_address_only"`
	PageSize         int    `yaml:"page_size" mapstructure:"page_size"`
	TimeBudgetSecs   int    `yaml:"time_budget_secs" mapstructure:"time_budget_secs"`
}

// DedupConfig bounds the periodic re-dedup sweep.
type DedupConfig struct {
	Window   int `yaml:"window" mapstructure:"window"`
	MaxFixes int `yaml:"max_fixes" mapstructure:"max_fixes"`
}

// QueueConfig configures facility submission queue pruning.
type QueueConfig struct {
	StaleDays int `yaml:"stale_days" mapstructure:"stale_days"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	JWTSecret       string `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	OperatorSubject string `yaml:"operator_subject" mapstructure:"operator_subject"`
	OperatorTTLSecs int    `yaml:"operator_ttl_secs" mapstructure:"operator_ttl_secs"`
}

// ScheduleConfig holds cron specs for the scheduled jobs. An empty spec
// disables the job.
type ScheduleConfig struct {
	ImportTick string `yaml:"import_tick" mapstructure:"import_tick"`
	Audit      string `yaml:"audit" mapstructure:"audit"`
	Backfill   string `yaml:"backfill" mapstructure:"backfill"`
	CacheSweep string `yaml:"cache_sweep" mapstructure:"cache_sweep"`
	DedupSweep string `yaml:"dedup_sweep" mapstructure:"dedup_sweep"`
	QueuePrune string `yaml:"queue_prune" mapstructure:"queue_prune"`
	Repair     string `yaml:"repair" mapstructure:"repair"`
	Monitor    string `yaml:"monitor" mapstructure:"monitor"`
}

// MonitoringConfig configures health alerts. Alerts are only delivered when
// WebhookURL is set.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	BudgetAlertRatio     float64 `yaml:"budget_alert_ratio" mapstructure:"budget_alert_ratio"`
	StallHours           int     `yaml:"stall_hours" mapstructure:"stall_hours"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, config.yaml and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("GEOCURATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Keys without a default are invisible to AutomaticEnv during Unmarshal.
	for _, key := range []string{
		"store.database_url", "cache.redis_url", "lease.redis_url",
		"providers.locationiq.key", "providers.google.key",
		"auth.jwt_secret", "auth.operator_subject", "import.regions_file",
		"schedule.repair", "monitoring.webhook_url",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("repair.parse_address_only", false)

	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)

	v.SetDefault("cache.driver", "postgres")
	v.SetDefault("cache.sqlite_path", "geocache.db")
	v.SetDefault("cache.text_ttl_days", 14)
	v.SetDefault("cache.reverse_ttl_days", 30)
	v.SetDefault("cache.reverse_decimals", 5)
	v.SetDefault("cache.sweep_batch", 500)

	v.SetDefault("billing.monthly_cap_cents", 2000)
	v.SetDefault("billing.commercial_enabled", false)
	v.SetDefault("billing.per_call_cents", map[string]float64{
		"google_text":    3.2,
		"google_details": 1.7,
		"google_reverse": 0.5,
	})
	v.SetDefault("billing.max_pages", 3)

	v.SetDefault("providers.overpass.mirrors", []string{
		"https://overpass-api.de/api/interpreter",
		"https://overpass.kumi.systems/api/interpreter",
		"https://overpass.private.coffee/api/interpreter",
	})
	v.SetDefault("providers.overpass.attempts_per_mirror", 2)
	v.SetDefault("providers.overpass.base_delay_ms", 1500)
	v.SetDefault("providers.overpass.timeout_secs", 60)
	v.SetDefault("providers.locationiq.base_url", "https://us1.locationiq.com/v1")
	v.SetDefault("providers.locationiq.rps", 2)
	v.SetDefault("providers.locationiq.timeout_secs", 10)
	v.SetDefault("providers.google.places_base_url", "https://places.googleapis.com/v1")
	v.SetDefault("providers.google.geocode_base_url", "https://maps.googleapis.com/maps/api/geocode/json")
	v.SetDefault("providers.google.rps", 10)
	v.SetDefault("providers.google.timeout_secs", 10)
	v.SetDefault("providers.retry.max_attempts", 3)
	v.SetDefault("providers.retry.initial_backoff_ms", 500)
	v.SetDefault("providers.retry.max_backoff_ms", 10000)
	v.SetDefault("providers.breaker.failure_threshold", 5)
	v.SetDefault("providers.breaker.cooldown_secs", 30)

	v.SetDefault("import.max_creates", 400)
	v.SetDefault("import.lease_ttl_secs", 540)
	v.SetDefault("import.dedup_decimals", 5)
	v.SetDefault("import.sports", []string{"basketball", "tennis", "pickleball"})

	v.SetDefault("lease.backend", "postgres")

	v.SetDefault("coverage.threshold", 0.7)
	v.SetDefault("coverage.top_cities", 8)
	v.SetDefault("coverage.lagging_count", 10)
	v.SetDefault("coverage.max_attempts", 5)
	v.SetDefault("coverage.concurrency", 4)

	v.SetDefault("repair.mode", "conservative")
	v.SetDefault("repair.cap_per_run", 50)
	v.SetDefault("repair.cluster_decimals", 3)
	v.SetDefault("repair.page_size", 200)
	v.SetDefault("repair.time_budget_secs", 240)

	v.SetDefault("dedup.window", 2000)
	v.SetDefault("dedup.max_fixes", 200)
	v.SetDefault("queue.stale_days", 30)

	v.SetDefault("auth.operator_ttl_secs", 300)

	v.SetDefault("schedule.import_tick", "*/10 * * * *")
	v.SetDefault("schedule.audit", "0 4 * * *")
	v.SetDefault("schedule.backfill", "*/15 * * * *")
	v.SetDefault("schedule.cache_sweep", "30 3 * * *")
	v.SetDefault("schedule.dedup_sweep", "0 5 * * *")
	v.SetDefault("schedule.queue_prune", "0 6 * * 0")
	v.SetDefault("schedule.monitor", "*/30 * * * *")

	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.budget_alert_ratio", 0.8)
	v.SetDefault("monitoring.stall_hours", 6)
	v.SetDefault("monitoring.lookback_window_hours", 24)

	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
