// Package dedup decides how imported candidates enter the catalog and heals
// near-duplicates that slipped past ingestion.
package dedup

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/courtatlas/geocurator/internal/db"
	"github.com/courtatlas/geocurator/internal/facility"
)

// Outcome is the ingestion decision for one candidate.
type Outcome int

// Ingestion outcomes.
const (
	Invalid Outcome = iota
	SkippedExisting
	Merged
	Created
)

func (o Outcome) String() string {
	switch o {
	case SkippedExisting:
		return "skipped_existing"
	case Merged:
		return "merged"
	case Created:
		return "created"
	default:
		return "invalid"
	}
}

// Records is the facility store surface dedup needs.
type Records interface {
	Exists(ctx context.Context, id string) (bool, error)
	Insert(ctx context.Context, q db.Querier, rec facility.Record) (bool, error)
	MergeAltSources(ctx context.Context, primaryID string, srcs ...facility.AltSource) (bool, error)
	Recent(ctx context.Context, limit int) ([]facility.Record, error)
	MarkDuplicate(ctx context.Context, q db.Querier, id, primaryID string) error
	SetAltSources(ctx context.Context, q db.Querier, id string, alt facility.AltSources) error
}

// Index is the location index surface dedup needs.
type Index interface {
	FindPrimary(ctx context.Context, cellKey string) (string, bool, error)
	Register(ctx context.Context, q db.Querier, e facility.IndexEntry) (string, error)
	SetPrimary(ctx context.Context, q db.Querier, e facility.IndexEntry) error
}

// TxFunc runs fn inside a transaction.
type TxFunc func(ctx context.Context, fn func(q db.Querier) error) error

// PoolTx returns a TxFunc backed by db.WithTx.
func PoolTx(pool db.Pool) TxFunc {
	return func(ctx context.Context, fn func(q db.Querier) error) error {
		return db.WithTx(ctx, pool, func(tx pgx.Tx) error { return fn(tx) })
	}
}

// Deduper applies the ingestion decision and runs the re-dedup sweep.
type Deduper struct {
	records  Records
	index    Index
	tx       TxFunc
	decimals int
	nowFunc  func() time.Time
}

// Option configures a Deduper.
type Option func(*Deduper)

// WithDecimals sets the cell key precision. Default 5.
func WithDecimals(d int) Option {
	return func(x *Deduper) {
		if d > 0 {
			x.decimals = d
		}
	}
}

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(x *Deduper) { x.nowFunc = now }
}

// New creates a Deduper.
func New(records Records, index Index, tx TxFunc, opts ...Option) *Deduper {
	d := &Deduper{records: records, index: index, tx: tx, decimals: 5, nowFunc: time.Now}
	for _, o := range opts {
		o(d)
	}
	return d
}

type cellTakenError struct{ owner string }

func (e *cellTakenError) Error() string { return "dedup: cell already owned by " + e.owner }

// Ingest decides what to do with one candidate: skip it when its derived id
// is already stored, merge its provenance into the primary at its cell, or
// create it as the cell's new primary. Invalid candidates return Invalid with
// an error describing the problem; callers skip them and continue.
func (d *Deduper) Ingest(ctx context.Context, c facility.Candidate, region string) (Outcome, error) {
	rec, err := facility.FromCandidate(c, region, d.decimals, d.nowFunc().UTC())
	if err != nil {
		return Invalid, err
	}

	exists, err := d.records.Exists(ctx, rec.ID)
	if err != nil {
		return Invalid, err
	}
	if exists {
		return SkippedExisting, nil
	}

	if primary, ok, err := d.index.FindPrimary(ctx, rec.CellKey); err != nil {
		return Invalid, err
	} else if ok {
		return d.merge(ctx, primary, c)
	}

	created := false
	err = d.tx(ctx, func(q db.Querier) error {
		inserted, err := d.records.Insert(ctx, q, rec)
		if err != nil || !inserted {
			return err
		}
		owner, err := d.index.Register(ctx, q, facility.IndexEntry{
			CellKey:   rec.CellKey,
			PrimaryID: rec.ID,
			Lat:       rec.Lat,
			Lon:       rec.Lon,
			Region:    region,
		})
		if err != nil {
			return err
		}
		if owner != rec.ID {
			return &cellTakenError{owner: owner}
		}
		created = true
		return nil
	})

	var taken *cellTakenError
	switch {
	case errors.As(err, &taken):
		return d.merge(ctx, taken.owner, c)
	case err != nil:
		return Invalid, eris.Wrapf(err, "dedup: create %s", rec.ID)
	case !created:
		return SkippedExisting, nil
	}
	return Created, nil
}

func (d *Deduper) merge(ctx context.Context, primaryID string, c facility.Candidate) (Outcome, error) {
	if _, err := d.records.MergeAltSources(ctx, primaryID, c.AltSource()); err != nil {
		return Invalid, err
	}
	return Merged, nil
}

// SweepResult summarizes one re-dedup sweep.
type SweepResult struct {
	Scanned int `json:"scanned"`
	Groups  int `json:"groups"`
	Fixed   int `json:"fixed"`
}

// Sweep scans the most recent window records, groups them by cell key, and
// demotes every non-primary in a group to a duplicate of the primary chosen
// by PickPrimary. At most maxFixes records are demoted.
func (d *Deduper) Sweep(ctx context.Context, window, maxFixes int) (SweepResult, error) {
	log := zap.L().With(zap.String("component", "dedup.sweep"))

	recs, err := d.records.Recent(ctx, window)
	if err != nil {
		return SweepResult{}, err
	}
	res := SweepResult{Scanned: len(recs)}

	groups := make(map[string][]facility.Record)
	for _, r := range recs {
		groups[r.CellKey] = append(groups[r.CellKey], r)
	}
	keys := make([]string, 0, len(groups))
	for k, g := range groups {
		if len(g) >= 2 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		if res.Fixed >= maxFixes {
			log.Info("fix cap reached", zap.Int("max_fixes", maxFixes))
			break
		}
		primary, dups := PickPrimary(groups[key])
		if room := maxFixes - res.Fixed; len(dups) > room {
			dups = dups[:room]
		}

		alt := primary.AltSources
		for _, dup := range dups {
			alt = alt.Merge(dup.Provenance())
			alt = alt.Merge(dup.AltSources...)
		}

		err := d.tx(ctx, func(q db.Querier) error {
			for _, dup := range dups {
				if err := d.records.MarkDuplicate(ctx, q, dup.ID, primary.ID); err != nil {
					return err
				}
			}
			if err := d.records.SetAltSources(ctx, q, primary.ID, alt); err != nil {
				return err
			}
			return d.index.SetPrimary(ctx, q, facility.IndexEntry{
				CellKey:   key,
				PrimaryID: primary.ID,
				Lat:       primary.Lat,
				Lon:       primary.Lon,
				Region:    primary.Region,
			})
		})
		if err != nil {
			log.Warn("cell fix failed", zap.String("cell_key", key), zap.Error(err))
			continue
		}
		res.Groups++
		res.Fixed += len(dups)
	}

	return res, nil
}

// PickPrimary orders a same-cell group: user-submitted records beat imported
// ones, then the earliest created wins, then the smallest id. It returns the
// winner and the rest in that order.
func PickPrimary(group []facility.Record) (facility.Record, []facility.Record) {
	sorted := make([]facility.Record, len(group))
	copy(sorted, group)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Imported() != b.Imported() {
			return !a.Imported()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return sorted[0], sorted[1:]
}
