package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Validate checks the settings a command mode depends on. Modes: "serve",
// "import", "backfill", "audit", "repair", "sweep", "migrate", "schedule".
func (c *Config) Validate(mode string) error {
	var errs []string
	requireDB := func() {
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	}

	switch mode {
	case "migrate", "sweep":
		requireDB()
	case "import", "backfill", "audit", "schedule":
		requireDB()
		if len(c.Providers.Overpass.Mirrors) == 0 {
			errs = append(errs, "providers.overpass.mirrors must not be empty")
		}
		if c.Import.LeaseTTLSecs <= 0 {
			errs = append(errs, "import.lease_ttl_secs must be > 0")
		}
		if c.Coverage.Threshold <= 0 || c.Coverage.Threshold > 1 {
			errs = append(errs, "coverage.threshold must be in (0, 1]")
		}
	case "repair":
		requireDB()
		switch c.Repair.Mode {
		case "conservative", "balanced", "full":
		default:
			errs = append(errs, fmt.Sprintf("repair.mode %q must be conservative, balanced or full", c.Repair.Mode))
		}
	case "serve":
		requireDB()
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		if c.Auth.JWTSecret == "" {
			errs = append(errs, "auth.jwt_secret is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Billing.MonthlyCapCents < 0 {
		errs = append(errs, "billing.monthly_cap_cents must be >= 0")
	}
	switch c.Cache.Driver {
	case "", "postgres":
	case "sqlite":
		if c.Cache.SQLitePath == "" {
			errs = append(errs, "cache.sqlite_path is required when cache.driver is sqlite")
		}
	default:
		errs = append(errs, fmt.Sprintf("cache.driver %q must be postgres or sqlite", c.Cache.Driver))
	}
	if c.Lease.Backend == "redis" && c.Lease.RedisURL == "" {
		errs = append(errs, "lease.redis_url is required when lease.backend is redis")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
