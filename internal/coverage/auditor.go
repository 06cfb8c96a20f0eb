package coverage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/courtatlas/geocurator/internal/regions"
	"github.com/courtatlas/geocurator/pkg/overpass"
)

// Provider supplies cheap counts and population centers. overpass.Client
// satisfies it.
type Provider interface {
	FetchCount(ctx context.Context, isoCode string, sports []string) (int, error)
	FetchCities(ctx context.Context, isoCode string, topK int) ([]overpass.City, error)
}

// LocalCounter counts non-duplicate local records per region.
type LocalCounter interface {
	CountActive(ctx context.Context, region string) (int, error)
}

// Report summarizes one audit pass.
type Report struct {
	Audited  int      `json:"audited"`
	Failed   []string `json:"failed,omitempty"`
	Lagging  []Stat   `json:"lagging"`
	Enqueued int      `json:"enqueued"`
	Removed  int64    `json:"removed"`
}

// Metadata flattens the report for run logs.
func (r Report) Metadata() map[string]any {
	lagging := make([]string, 0, len(r.Lagging))
	for _, s := range r.Lagging {
		lagging = append(lagging, s.Region)
	}
	return map[string]any{
		"audited":  r.Audited,
		"failed":   r.Failed,
		"lagging":  lagging,
		"enqueued": r.Enqueued,
		"removed":  r.Removed,
	}
}

// Auditor runs coverage audits.
type Auditor struct {
	provider     Provider
	local        LocalCounter
	store        Store
	order        []regions.Region
	sports       []string
	threshold    float64
	topCities    int
	laggingCount int
	concurrency  int
	nowFunc      func() time.Time
	log          *zap.Logger
}

// AuditorOption configures an Auditor.
type AuditorOption func(*Auditor)

// WithThreshold sets the lagging threshold.
func WithThreshold(t float64) AuditorOption {
	return func(a *Auditor) {
		if t > 0 && t <= 1 {
			a.threshold = t
		}
	}
}

// WithTopCities sets how many population centers are queued per lagging region.
func WithTopCities(k int) AuditorOption {
	return func(a *Auditor) {
		if k > 0 {
			a.topCities = k
		}
	}
}

// WithLaggingCount sets the size of the published lagging list.
func WithLaggingCount(n int) AuditorOption {
	return func(a *Auditor) {
		if n > 0 {
			a.laggingCount = n
		}
	}
}

// WithConcurrency bounds parallel count queries.
func WithConcurrency(n int) AuditorOption {
	return func(a *Auditor) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

// WithAuditSports sets the sport filter for provider counts.
func WithAuditSports(sports []string) AuditorOption {
	return func(a *Auditor) {
		if len(sports) > 0 {
			a.sports = sports
		}
	}
}

// WithAuditClock injects the clock.
func WithAuditClock(now func() time.Time) AuditorOption {
	return func(a *Auditor) { a.nowFunc = now }
}

// NewAuditor creates an Auditor.
func NewAuditor(provider Provider, local LocalCounter, store Store, order []regions.Region, opts ...AuditorOption) *Auditor {
	a := &Auditor{
		provider:     provider,
		local:        local,
		store:        store,
		order:        order,
		sports:       overpass.DefaultSports,
		threshold:    DefaultThreshold,
		topCities:    8,
		laggingCount: 10,
		concurrency:  3,
		nowFunc:      time.Now,
		log:          zap.L().With(zap.String("component", "coverage")),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Audit measures every region, queues backfill for lagging ones, drops
// pending work for recovered ones and publishes the lagging summary. A
// region whose counts cannot be obtained is skipped and keeps its backlog.
func (a *Auditor) Audit(ctx context.Context) (Report, error) {
	now := a.nowFunc().UTC()

	var (
		mu     sync.Mutex
		stats  []Stat
		failed []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for _, region := range a.order {
		g.Go(func() error {
			st, err := a.measure(gctx, region, now)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				a.log.Warn("coverage count failed", zap.String("region", region.Code), zap.Error(err))
				failed = append(failed, region.Code)
				return nil
			}
			stats = append(stats, st)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, eris.Wrap(err, "coverage: audit")
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Region < stats[j].Region })
	sort.Strings(failed)

	rep := Report{Audited: len(stats), Failed: failed}

	byCode := make(map[string]regions.Region, len(a.order))
	for _, r := range a.order {
		byCode[r.Code] = r
	}

	keep := append([]string{}, failed...)
	var tasks []Task
	for _, st := range stats {
		if !st.Lagging(a.threshold) {
			continue
		}
		keep = append(keep, st.Region)
		cities, err := a.provider.FetchCities(ctx, byCode[st.Region].ISOCode(), a.topCities)
		if err != nil {
			a.log.Warn("city discovery failed", zap.String("region", st.Region), zap.Error(err))
			continue
		}
		for _, c := range cities {
			tasks = append(tasks, Task{
				Region:     st.Region,
				City:       c.Name,
				Lat:        c.Lat,
				Lon:        c.Lon,
				RadiusM:    RadiusFor(c.Population),
				Population: c.Population,
			})
		}
	}

	removed, err := a.store.Reconcile(ctx, keep)
	if err != nil {
		return rep, err
	}
	rep.Removed = removed

	added, err := a.store.Enqueue(ctx, tasks)
	rep.Enqueued = added
	if err != nil {
		return rep, err
	}

	if err := a.store.SaveStats(ctx, stats); err != nil {
		return rep, err
	}
	rep.Lagging = Worst(stats, a.laggingCount)
	if err := a.store.SaveSummary(ctx, rep.Lagging, now); err != nil {
		return rep, err
	}

	a.log.Info("coverage audit complete",
		zap.Int("audited", rep.Audited),
		zap.Int("failed", len(rep.Failed)),
		zap.Int("enqueued", rep.Enqueued),
		zap.Int64("removed", rep.Removed),
	)
	return rep, nil
}

func (a *Auditor) measure(ctx context.Context, region regions.Region, now time.Time) (Stat, error) {
	local, err := a.local.CountActive(ctx, region.Code)
	if err != nil {
		return Stat{}, err
	}
	provider, err := a.provider.FetchCount(ctx, region.ISOCode(), a.sports)
	if err != nil {
		return Stat{}, err
	}
	return Stat{
		Region:    region.Code,
		Local:     local,
		Provider:  provider,
		Coverage:  Ratio(local, provider),
		AuditedAt: now,
	}, nil
}
