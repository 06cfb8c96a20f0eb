package importer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/courtatlas/geocurator/internal/lease"
	"github.com/courtatlas/geocurator/internal/regions"
	"github.com/courtatlas/geocurator/pkg/overpass"
)

// Fetcher pulls candidate elements for a region.
type Fetcher interface {
	FetchCandidates(ctx context.Context, isoCode string, sports []string, phase overpass.Phase) ([]overpass.Element, error)
}

// Report describes one tick.
type Report struct {
	Region     string     `json:"region"`
	Phase      int        `json:"phase"`
	NextIndex  int        `json:"next_index"`
	CycleCount int        `json:"cycle_count"`
	LeaseHeld  bool       `json:"lease_held,omitempty"`
	HeldBy     string     `json:"held_by,omitempty"`
	HeldUntil  *time.Time `json:"held_until,omitempty"`
	// More is true when the create cap was reached. The rotation still
	// advances; the region's remainder waits for its next turn.
	More bool `json:"more"`
	Counts
}

// Metadata flattens the report for run logs.
func (r Report) Metadata() map[string]any {
	return map[string]any{
		"region":           r.Region,
		"phase":            r.Phase,
		"next_index":       r.NextIndex,
		"cycle_count":      r.CycleCount,
		"lease_held":       r.LeaseHeld,
		"more":             r.More,
		"fetched":          r.Fetched,
		"created":          r.Created,
		"merged":           r.Merged,
		"skipped_existing": r.SkippedExisting,
		"invalid":          r.Invalid,
	}
}

// Runner executes import ticks.
type Runner struct {
	status     StatusStore
	leases     lease.Manager
	fetcher    Fetcher
	ingester   Ingester
	order      []regions.Region
	sports     []string
	maxCreates int
	leaseTTL   time.Duration
	newOwner   func() string
	log        *zap.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithMaxCreates caps records created per tick.
func WithMaxCreates(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.maxCreates = n
		}
	}
}

// WithLeaseTTL sets the rotation lease lifetime.
func WithLeaseTTL(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.leaseTTL = d
		}
	}
}

// WithSports sets the sport filter passed to the fetcher.
func WithSports(sports []string) Option {
	return func(r *Runner) {
		if len(sports) > 0 {
			r.sports = sports
		}
	}
}

// WithOwner overrides lease owner id generation.
func WithOwner(fn func() string) Option {
	return func(r *Runner) {
		r.newOwner = fn
	}
}

// NewRunner creates a Runner over the given region order.
func NewRunner(status StatusStore, leases lease.Manager, fetcher Fetcher, ingester Ingester, order []regions.Region, opts ...Option) *Runner {
	r := &Runner{
		status:     status,
		leases:     leases,
		fetcher:    fetcher,
		ingester:   ingester,
		order:      order,
		sports:     overpass.DefaultSports,
		maxCreates: 400,
		leaseTTL:   540 * time.Second,
		newOwner:   uuid.NewString,
		log:        zap.L().With(zap.String("component", "importer")),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Order returns the region processing order.
func (r *Runner) Order() []regions.Region {
	out := make([]regions.Region, len(r.order))
	copy(out, r.order)
	return out
}

// Tick processes the current region and advances the rotation. A held lease
// is reported, not returned as an error. Fetch or store failures are
// recorded on the status row and returned; the position is left unchanged.
func (r *Runner) Tick(ctx context.Context) (Report, error) {
	if len(r.order) == 0 {
		return Report{}, eris.New("importer: no regions configured")
	}

	owner := r.newOwner()
	held, err := lease.Acquire(ctx, r.leases, lease.RegionRotation, owner, r.leaseTTL)
	if errors.Is(err, lease.ErrHeld) {
		r.log.Info("rotation lease held, skipping tick",
			zap.String("held_by", held.HeldBy),
			zap.Time("held_until", held.HeldUntil),
		)
		until := held.HeldUntil
		return Report{LeaseHeld: true, HeldBy: held.HeldBy, HeldUntil: &until}, nil
	}
	if err != nil {
		return Report{}, eris.Wrap(err, "importer: acquire lease")
	}
	defer func() {
		if err := r.leases.Release(context.WithoutCancel(ctx), lease.RegionRotation, owner); err != nil {
			r.log.Warn("lease release failed, it will expire", zap.Error(err))
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, lease.Bound(r.leaseTTL))
	defer cancel()

	st, err := r.status.Load(ctx)
	if err != nil {
		return Report{}, err
	}

	n := len(r.order)
	idx := st.CurrentRegionIndex % n
	if idx < 0 {
		idx = 0
	}
	st.CurrentRegionIndex = idx
	region := r.order[idx]
	phase := st.QueryPhase()

	rep := Report{Region: region.Code, Phase: int(phase)}
	log := r.log.With(zap.String("region", region.Code), zap.Int("phase", int(phase)))

	elements, err := r.fetcher.FetchCandidates(ctx, region.ISOCode(), r.sports, phase)
	if err != nil {
		return rep, r.fail(ctx, log, eris.Wrapf(err, "importer: fetch %s", region.Code), 0)
	}

	counts, err := IngestElements(ctx, r.ingester, elements, region.Code, r.maxCreates)
	rep.Counts = counts
	if err != nil {
		return rep, r.fail(ctx, log, eris.Wrapf(err, "importer: ingest %s", region.Code), counts.Created)
	}
	rep.More = counts.Created >= r.maxCreates

	next := Advance(st, n)
	if err := r.status.Commit(ctx, next, counts.Created); err != nil {
		return rep, r.fail(ctx, log, err, counts.Created)
	}
	rep.NextIndex = next.CurrentRegionIndex
	rep.CycleCount = next.CycleCount

	log.Info("import tick complete",
		zap.Int("fetched", counts.Fetched),
		zap.Int("created", counts.Created),
		zap.Int("merged", counts.Merged),
		zap.Int("skipped_existing", counts.SkippedExisting),
		zap.Int("invalid", counts.Invalid),
		zap.Bool("more", rep.More),
	)
	return rep, nil
}

// fail records err on the status row. Records created before the failure
// stay written, so created still counts toward the total.
func (r *Runner) fail(ctx context.Context, log *zap.Logger, err error, created int) error {
	log.Error("import tick failed", zap.Error(err), zap.Int("created", created))
	if rerr := r.status.RecordError(context.WithoutCancel(ctx), err.Error(), created); rerr != nil {
		log.Warn("could not record import error", zap.Error(rerr))
	}
	return err
}
