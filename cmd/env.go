package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/courtatlas/geocurator/internal/billing"
	"github.com/courtatlas/geocurator/internal/config"
	"github.com/courtatlas/geocurator/internal/coverage"
	"github.com/courtatlas/geocurator/internal/db"
	"github.com/courtatlas/geocurator/internal/dedup"
	"github.com/courtatlas/geocurator/internal/facility"
	"github.com/courtatlas/geocurator/internal/geocache"
	"github.com/courtatlas/geocurator/internal/importer"
	"github.com/courtatlas/geocurator/internal/lease"
	"github.com/courtatlas/geocurator/internal/memo"
	"github.com/courtatlas/geocurator/internal/monitoring"
	"github.com/courtatlas/geocurator/internal/regions"
	"github.com/courtatlas/geocurator/internal/repair"
	"github.com/courtatlas/geocurator/internal/resilience"
	"github.com/courtatlas/geocurator/internal/runlog"
	"github.com/courtatlas/geocurator/internal/server"
	"github.com/courtatlas/geocurator/pkg/geocode"
	"github.com/courtatlas/geocurator/pkg/google"
	"github.com/courtatlas/geocurator/pkg/locationiq"
	"github.com/courtatlas/geocurator/pkg/overpass"
)

// appEnv holds every wired component the commands need.
type appEnv struct {
	Pool       *pgxpool.Pool
	Runs       *runlog.Log
	Facilities *facility.Store
	Submission *facility.Queue
	Deduper    *dedup.Deduper
	Governor   *billing.Governor
	Cache      *geocache.Cache
	Gateway    *geocode.Cascade
	Overpass   overpass.Client
	Leases     lease.Manager
	Status     *importer.PostgresStatusStore
	Runner     *importer.Runner
	Coverage   *coverage.PostgresStore
	Auditor    *coverage.Auditor
	Backfill   *coverage.Backfill
	Repairer   *repair.Repairer
	Monitor    *monitoring.Checker
	Order      []regions.Region

	// leaseBound is the scheduler timeout of lease-holding jobs.
	leaseBound time.Duration
	closers    []func()
}

// Close releases resources in reverse order of acquisition.
func (e *appEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

// initEnv validates config for mode, opens the database, and builds every
// component. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	pool, err := db.Open(ctx, cfg.Store.DatabaseURL, db.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
	if err != nil {
		return nil, err
	}
	env := &appEnv{Pool: pool}
	env.closers = append(env.closers, pool.Close)

	if err := env.build(ctx); err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

func (e *appEnv) build(ctx context.Context) error {
	order, err := regions.LoadOrder(cfg.Import.RegionsFile)
	if err != nil {
		return err
	}
	e.Order = order

	e.Runs = runlog.New(e.Pool)
	e.Facilities = facility.NewStore(e.Pool)
	e.Submission = facility.NewQueue(e.Pool)
	e.Deduper = dedup.New(e.Facilities, facility.NewIndex(e.Pool), dedup.PoolTx(e.Pool),
		dedup.WithDecimals(cfg.Import.DedupDecimals))
	e.Governor = billing.New(billing.NewPostgresLedger(e.Pool), billing.Config{
		MonthlyCapCents:   cfg.Billing.MonthlyCapCents,
		CommercialEnabled: cfg.Billing.CommercialEnabled,
		PerCallCents:      cfg.Billing.PerCallCents,
	})

	if e.Cache, err = e.openCache(ctx); err != nil {
		return err
	}
	if e.Leases, err = e.openLeases(ctx); err != nil {
		return err
	}

	e.Overpass = newOverpassClient(cfg.Providers.Overpass)
	e.Gateway = newGateway(cfg, e.Cache, e.Governor)

	leaseTTL := secondsOr(cfg.Import.LeaseTTLSecs, 540)
	e.leaseBound = lease.Bound(leaseTTL)
	e.Status = importer.NewPostgresStatusStore(e.Pool)
	e.Runner = importer.NewRunner(e.Status, e.Leases, e.Overpass, e.Deduper, order,
		importer.WithMaxCreates(cfg.Import.ClampedMaxCreates()),
		importer.WithLeaseTTL(leaseTTL),
		importer.WithSports(cfg.Import.Sports),
	)

	e.Coverage = coverage.NewPostgresStore(e.Pool)
	e.Auditor = coverage.NewAuditor(e.Overpass, e.Facilities, e.Coverage, order,
		coverage.WithThreshold(cfg.Coverage.Threshold),
		coverage.WithTopCities(cfg.Coverage.TopCities),
		coverage.WithLaggingCount(cfg.Coverage.LaggingCount),
		coverage.WithConcurrency(cfg.Coverage.Concurrency),
		coverage.WithAuditSports(cfg.Import.Sports),
	)
	e.Backfill = coverage.NewBackfill(e.Coverage, e.Leases, e.Overpass, e.Deduper,
		coverage.WithMaxAttempts(cfg.Coverage.MaxAttempts),
		coverage.WithBackfillCreates(cfg.Import.ClampedMaxCreates()),
		coverage.WithBackfillSports(cfg.Import.Sports),
		coverage.WithBackfillLeaseTTL(leaseTTL),
	)

	e.Repairer = repair.New(e.Facilities, e.Gateway, repair.NewPostgresCursor(e.Pool), e.Leases)
	e.Monitor = monitoring.NewChecker(
		monitoring.NewCollector(e.Runs, e.Governor, e.Status, e.Coverage),
		monitoring.NewAlerter(cfg.Monitoring),
		cfg.Monitoring,
	)
	return nil
}

func (e *appEnv) openCache(ctx context.Context) (*geocache.Cache, error) {
	var durable geocache.Store
	switch cfg.Cache.Driver {
	case "sqlite":
		st, err := geocache.OpenSQLite(ctx, cfg.Cache.SQLitePath)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, func() { _ = st.Close() })
		durable = st
	default:
		durable = geocache.NewPostgresStore(e.Pool)
	}

	opts := []geocache.Option{geocache.WithPolicy(cachePolicy(cfg.Cache))}
	if cfg.Cache.RedisURL != "" {
		client, err := e.openRedis(cfg.Cache.RedisURL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, geocache.WithFront(geocache.NewRedisStore(client, "geocache:")))
	}
	return geocache.New(durable, opts...), nil
}

func (e *appEnv) openLeases(ctx context.Context) (lease.Manager, error) {
	if cfg.Lease.Backend != "redis" {
		return lease.NewPostgresManager(e.Pool), nil
	}
	client, err := e.openRedis(cfg.Lease.RedisURL)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, eris.Wrap(err, "lease: ping redis")
	}
	return lease.NewRedisManager(client), nil
}

func (e *appEnv) openRedis(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, eris.Wrap(err, "redis: parse url")
	}
	client := redis.NewClient(opts)
	e.closers = append(e.closers, func() { _ = client.Close() })
	return client, nil
}

func cachePolicy(c config.CacheConfig) geocache.Policy {
	p := geocache.DefaultPolicy()
	if c.TextTTLDays > 0 {
		p.TextTTL = time.Duration(c.TextTTLDays) * 24 * time.Hour
	}
	if c.ReverseTTLDays > 0 {
		p.ReverseTTL = time.Duration(c.ReverseTTLDays) * 24 * time.Hour
	}
	return p
}

func newOverpassClient(c config.OverpassConfig) overpass.Client {
	opts := []overpass.Option{overpass.WithMirrors(c.Mirrors)}
	if c.AttemptsPerMirror > 0 {
		opts = append(opts, overpass.WithAttemptsPerMirror(c.AttemptsPerMirror))
	}
	if c.BaseDelayMs > 0 {
		opts = append(opts, overpass.WithBaseDelay(time.Duration(c.BaseDelayMs)*time.Millisecond))
	}
	if c.TimeoutSecs > 0 {
		opts = append(opts, overpass.WithTimeout(time.Duration(c.TimeoutSecs)*time.Second))
	}
	return overpass.NewClient(opts...)
}

// newGateway assembles the cascade. A provider without a key is left out and
// every lookup that would reach it is a miss.
func newGateway(c *config.Config, cache *geocache.Cache, budget geocode.Budget) *geocode.Cascade {
	pc := c.Providers
	opts := []geocode.CascadeOption{
		geocode.WithBreakers(resilience.NewBreakers(
			resilience.BreakerFromConfig(pc.Breaker.FailureThreshold, pc.Breaker.CooldownSecs))),
		geocode.WithReverseDecimals(c.Cache.ReverseDecimals),
		geocode.WithMaxPages(c.Billing.MaxPages),
	}
	if cache != nil {
		opts = append(opts, geocode.WithCache(cache))
	}

	if pc.LocationIQ.Key != "" {
		client := locationiq.NewClient(pc.LocationIQ.Key,
			locationiq.WithBaseURL(pc.LocationIQ.BaseURL),
			locationiq.WithRateLimit(pc.LocationIQ.RPS),
			locationiq.WithHTTPClient(&http.Client{Timeout: secondsOr(pc.LocationIQ.TimeoutSecs, 10)}),
			locationiq.WithRetry(resilience.RetryFromConfig(pc.Retry.MaxAttempts, pc.Retry.InitialBackoffMs, pc.Retry.MaxBackoffMs)),
		)
		opts = append(opts, geocode.WithLowCost(geocode.NewLocationIQProvider(client)))
	} else {
		zap.L().Warn("providers.locationiq.key not set; low-cost geocoding disabled")
	}

	if pc.Google.Key != "" {
		client := google.NewClient(pc.Google.Key,
			google.WithBaseURL(pc.Google.PlacesBaseURL),
			google.WithGeocodeURL(pc.Google.GeocodeBaseURL),
			google.WithRateLimit(pc.Google.RPS),
			google.WithHTTPClient(&http.Client{Timeout: secondsOr(pc.Google.TimeoutSecs, 10)}),
		)
		opts = append(opts, geocode.WithCommercial(geocode.NewGoogleProvider(client), budget))
	}

	return geocode.NewCascade(opts...)
}

func secondsOr(secs, def int) time.Duration {
	if secs <= 0 {
		secs = def
	}
	return time.Duration(secs) * time.Second
}

// repairDefaults converts the repair section into batch options.
func repairDefaults(c config.RepairConfig) repair.Options {
	return repair.Options{
		Mode:             repair.Mode(c.Mode),
		CapPerRun:        c.CapPerRun,
		ClusterDecimals:  c.ClusterDecimals,
		ParseAddressOnly: c.ParseAddressOnly,
		PageSize:         c.PageSize,
		TimeBudget:       time.Duration(c.TimeBudgetSecs) * time.Second,
	}
}

// operatorSubject memoizes the operator identity. The loader re-reads the
// environment and config file so a rotated operator takes effect within ttl.
func operatorSubject(c config.AuthConfig) *memo.Value[string] {
	ttl := time.Duration(c.OperatorTTLSecs) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return memo.New(ttl, func(context.Context) (string, error) {
		if v := os.Getenv("GEOCURATOR_AUTH_OPERATOR_SUBJECT"); v != "" {
			return v, nil
		}
		fresh, err := config.Load()
		if err != nil {
			return "", err
		}
		if fresh.Auth.OperatorSubject == "" {
			return "", eris.New("auth: no operator configured")
		}
		return fresh.Auth.OperatorSubject, nil
	})
}

// newServer builds the HTTP server over env.
func newServer(e *appEnv) *server.Server {
	auth := server.NewAuthenticator(cfg.Auth.JWTSecret, operatorSubject(cfg.Auth))
	return server.New(e.Gateway, auth,
		server.WithImporter(e.Runner),
		server.WithBackfill(e.Backfill),
		server.WithRepair(e.Repairer, repairDefaults(cfg.Repair)),
		server.WithTracker(e.Runs),
	)
}
