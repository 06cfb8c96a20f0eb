package coverage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/courtatlas/geocurator/internal/importer"
	"github.com/courtatlas/geocurator/internal/lease"
	"github.com/courtatlas/geocurator/pkg/overpass"
)

// AroundFetcher runs a radius-bounded candidate query.
type AroundFetcher interface {
	FetchAround(ctx context.Context, lat, lon, radiusM float64, sports []string) ([]overpass.Element, error)
}

// BackfillReport describes one backfill invocation.
type BackfillReport struct {
	TaskID    string `json:"task_id,omitempty"`
	Region    string `json:"region,omitempty"`
	City      string `json:"city,omitempty"`
	Reclaimed int64  `json:"reclaimed,omitempty"`
	Idle      bool   `json:"idle,omitempty"`
	LeaseHeld bool   `json:"lease_held,omitempty"`
	HeldBy    string `json:"held_by,omitempty"`
	importer.Counts
}

// Metadata flattens the report for run logs.
func (r BackfillReport) Metadata() map[string]any {
	return map[string]any{
		"task_id":          r.TaskID,
		"region":           r.Region,
		"city":             r.City,
		"reclaimed":        r.Reclaimed,
		"idle":             r.Idle,
		"lease_held":       r.LeaseHeld,
		"fetched":          r.Fetched,
		"created":          r.Created,
		"merged":           r.Merged,
		"skipped_existing": r.SkippedExisting,
		"invalid":          r.Invalid,
	}
}

// Backfill consumes the backlog.
type Backfill struct {
	queue       Queue
	leases      lease.Manager
	fetcher     AroundFetcher
	ingester    importer.Ingester
	sports      []string
	maxCreates  int
	maxAttempts int
	leaseTTL    time.Duration
	newOwner    func() string
	now         func() time.Time
	log         *zap.Logger
}

// BackfillOption configures a Backfill.
type BackfillOption func(*Backfill)

// WithMaxAttempts sets how many failed attempts retire a task.
func WithMaxAttempts(n int) BackfillOption {
	return func(b *Backfill) {
		if n > 0 {
			b.maxAttempts = n
		}
	}
}

// WithBackfillCreates caps records created per task.
func WithBackfillCreates(n int) BackfillOption {
	return func(b *Backfill) {
		if n > 0 {
			b.maxCreates = n
		}
	}
}

// WithBackfillSports sets the sport filter.
func WithBackfillSports(sports []string) BackfillOption {
	return func(b *Backfill) {
		if len(sports) > 0 {
			b.sports = sports
		}
	}
}

// WithBackfillLeaseTTL sets the backfill lease lifetime.
func WithBackfillLeaseTTL(d time.Duration) BackfillOption {
	return func(b *Backfill) {
		if d > 0 {
			b.leaseTTL = d
		}
	}
}

// WithBackfillOwner overrides lease owner generation.
func WithBackfillOwner(fn func() string) BackfillOption {
	return func(b *Backfill) { b.newOwner = fn }
}

// WithBackfillClock overrides the clock used to find abandoned tasks.
func WithBackfillClock(now func() time.Time) BackfillOption {
	return func(b *Backfill) { b.now = now }
}

// NewBackfill creates a Backfill.
func NewBackfill(queue Queue, leases lease.Manager, fetcher AroundFetcher, ingester importer.Ingester, opts ...BackfillOption) *Backfill {
	b := &Backfill{
		queue:       queue,
		leases:      leases,
		fetcher:     fetcher,
		ingester:    ingester,
		sports:      overpass.DefaultSports,
		maxCreates:  400,
		maxAttempts: 5,
		leaseTTL:    540 * time.Second,
		newOwner:    uuid.NewString,
		now:         time.Now,
		log:         zap.L().With(zap.String("component", "backfill")),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Run processes exactly one pending task, oldest first. A failed task goes
// back to pending with its attempt counter incremented and the error is
// returned.
func (b *Backfill) Run(ctx context.Context) (BackfillReport, error) {
	owner := b.newOwner()
	held, err := lease.Acquire(ctx, b.leases, lease.CityBackfill, owner, b.leaseTTL)
	if errors.Is(err, lease.ErrHeld) {
		b.log.Info("backfill lease held, skipping", zap.String("held_by", held.HeldBy))
		return BackfillReport{LeaseHeld: true, HeldBy: held.HeldBy}, nil
	}
	if err != nil {
		return BackfillReport{}, eris.Wrap(err, "coverage: acquire backfill lease")
	}
	defer func() {
		if err := b.leases.Release(context.WithoutCancel(ctx), lease.CityBackfill, owner); err != nil {
			b.log.Warn("lease release failed, it will expire", zap.Error(err))
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, lease.Bound(b.leaseTTL))
	defer cancel()

	// Only the lease holder claims tasks, so a task running for longer than
	// one lease lifetime belongs to a holder that is gone.
	reclaimed, err := b.queue.Reclaim(ctx, b.now().Add(-b.leaseTTL))
	if err != nil {
		return BackfillReport{}, err
	}
	if reclaimed > 0 {
		b.log.Warn("reclaimed abandoned backfill tasks", zap.Int64("count", reclaimed))
	}

	task, err := b.queue.Claim(ctx, b.maxAttempts)
	if err != nil {
		return BackfillReport{Reclaimed: reclaimed}, err
	}
	if task == nil {
		b.log.Debug("backlog empty")
		return BackfillReport{Reclaimed: reclaimed, Idle: true}, nil
	}

	rep := BackfillReport{TaskID: task.ID, Region: task.Region, City: task.City, Reclaimed: reclaimed}
	log := b.log.With(zap.String("region", task.Region), zap.String("city", task.City))

	elements, err := b.fetcher.FetchAround(ctx, task.Lat, task.Lon, float64(task.RadiusM), b.sports)
	if err != nil {
		return rep, b.retry(ctx, log, task, eris.Wrapf(err, "coverage: fetch around %s", task.City))
	}

	counts, err := importer.IngestElements(ctx, b.ingester, elements, task.Region, b.maxCreates)
	rep.Counts = counts
	if err != nil {
		return rep, b.retry(ctx, log, task, eris.Wrapf(err, "coverage: ingest %s", task.City))
	}

	if err := b.queue.Complete(ctx, task.ID); err != nil {
		return rep, err
	}
	log.Info("backfill task complete",
		zap.Int("fetched", counts.Fetched),
		zap.Int("created", counts.Created),
		zap.Int("merged", counts.Merged),
	)
	return rep, nil
}

func (b *Backfill) retry(ctx context.Context, log *zap.Logger, task *Task, err error) error {
	log.Error("backfill task failed", zap.Int("attempt", task.Attempts+1), zap.Error(err))
	if rerr := b.queue.Retry(context.WithoutCancel(ctx), task.ID, err.Error()); rerr != nil {
		log.Warn("could not requeue task", zap.Error(rerr))
	}
	return err
}
