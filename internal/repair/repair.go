// Package repair fills missing or generic descriptive fields on facility
// records: name, address, city and state. It pages through records by id,
// persists its cursor and stops on a wall-clock budget.
package repair

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/courtatlas/geocurator/internal/db"
	"github.com/courtatlas/geocurator/internal/facility"
	"github.com/courtatlas/geocurator/internal/lease"
	"github.com/courtatlas/geocurator/internal/regions"
	"github.com/courtatlas/geocurator/pkg/geocode"
)

// Mode selects how far a repair run may go for missing data.
type Mode string

// Repair modes.
const (
	// Conservative only parses the stored address.
	Conservative Mode = "conservative"
	// Balanced adds one reverse geocode per unique cell.
	Balanced Mode = "balanced"
	// Full reverse-geocodes every record that lacks address data.
	Full Mode = "full"
)

// ParseMode validates a mode name. Empty means Conservative.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return Conservative, nil
	case Conservative, Balanced, Full:
		return m, nil
	default:
		return "", eris.Errorf("repair: unknown mode %q", s)
	}
}

// Options tunes one run.
type Options struct {
	Mode             Mode          `json:"mode"`
	CapPerRun        int           `json:"cap_per_run"`
	ClusterDecimals  int           `json:"cluster_decimals"`
	ParseAddressOnly bool          `json:"parse_address_only"`
	PageSize         int           `json:"page_size"`
	TimeBudget       time.Duration `json:"time_budget"`
}

func (o Options) withDefaults() Options {
	if o.Mode == "" {
		o.Mode = Conservative
	}
	if o.CapPerRun <= 0 {
		o.CapPerRun = 200
	}
	if o.ClusterDecimals <= 0 {
		o.ClusterDecimals = 3
	}
	if o.PageSize <= 0 {
		o.PageSize = 200
	}
	o.PageSize = min(o.PageSize, 1000)
	if o.TimeBudget <= 0 {
		o.TimeBudget = 240 * time.Second
	}
	return o
}

// Records is the facility store surface repair needs.
type Records interface {
	PageAfter(ctx context.Context, afterID string, limit int) ([]facility.Record, error)
	ApplyPatch(ctx context.Context, id string, p facility.Patch) error
}

// Reverser resolves coordinates to an address. geocode.Gateway satisfies it.
type Reverser interface {
	Reverse(ctx context.Context, lat, lon float64) (geocode.ReverseResult, error)
}

// Cursor persists the last processed record id.
type Cursor interface {
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, id string) error
}

// Report summarizes a run.
type Report struct {
	Mode         Mode   `json:"mode"`
	Scanned      int    `json:"scanned"`
	Updated      int    `json:"updated"`
	Failed       int    `json:"failed"`
	ReverseCalls int    `json:"reverse_calls"`
	MemoHits     int    `json:"memo_hits"`
	Cursor       string `json:"cursor"`
	// Wrapped is true when the run reached the last record and reset the cursor.
	Wrapped   bool   `json:"wrapped"`
	TimedOut  bool   `json:"timed_out"`
	LeaseHeld bool   `json:"lease_held,omitempty"`
	HeldBy    string `json:"held_by,omitempty"`
}

// Metadata flattens the report for run logs.
func (r Report) Metadata() map[string]any {
	return map[string]any{
		"mode":          string(r.Mode),
		"scanned":       r.Scanned,
		"updated":       r.Updated,
		"failed":        r.Failed,
		"reverse_calls": r.ReverseCalls,
		"memo_hits":     r.MemoHits,
		"cursor":        r.Cursor,
		"wrapped":       r.Wrapped,
		"timed_out":     r.TimedOut,
		"lease_held":    r.LeaseHeld,
	}
}

// Repairer runs repair batches.
type Repairer struct {
	records  Records
	reverser Reverser
	cursor   Cursor
	leases   lease.Manager
	leaseTTL time.Duration
	newOwner func() string
	nowFunc  func() time.Time
	log      *zap.Logger
}

// Option configures a Repairer.
type Option func(*Repairer)

// WithClock injects the clock used for the time budget.
func WithClock(now func() time.Time) Option {
	return func(r *Repairer) { r.nowFunc = now }
}

// WithOwner overrides lease owner generation.
func WithOwner(fn func() string) Option {
	return func(r *Repairer) { r.newOwner = fn }
}

// WithLeaseTTL sets the repair lease lifetime.
func WithLeaseTTL(d time.Duration) Option {
	return func(r *Repairer) {
		if d > 0 {
			r.leaseTTL = d
		}
	}
}

// New creates a Repairer. reverser may be nil, which limits every run to
// address parsing.
func New(records Records, reverser Reverser, cursor Cursor, leases lease.Manager, opts ...Option) *Repairer {
	r := &Repairer{
		records:  records,
		reverser: reverser,
		cursor:   cursor,
		leases:   leases,
		leaseTTL: 300 * time.Second,
		newOwner: uuid.NewString,
		nowFunc:  time.Now,
		log:      zap.L().With(zap.String("component", "repair")),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// run holds per-invocation memo state.
type run struct {
	opts     Options
	reverse  map[string]geocode.ReverseResult
	lastGood map[string]string
	report   *Report
}

// Run repairs records from the saved cursor until the pages run out or the
// time budget is spent.
func (r *Repairer) Run(ctx context.Context, opts Options) (Report, error) {
	opts = opts.withDefaults()
	rep := Report{Mode: opts.Mode}

	owner := r.newOwner()
	held, err := lease.Acquire(ctx, r.leases, lease.RecordRepair, owner, max(r.leaseTTL, opts.TimeBudget+time.Minute))
	if errors.Is(err, lease.ErrHeld) {
		r.log.Info("repair lease held, skipping", zap.String("held_by", held.HeldBy))
		rep.LeaseHeld, rep.HeldBy = true, held.HeldBy
		return rep, nil
	}
	if err != nil {
		return rep, eris.Wrap(err, "repair: acquire lease")
	}
	defer func() {
		if err := r.leases.Release(context.WithoutCancel(ctx), lease.RecordRepair, owner); err != nil {
			r.log.Warn("lease release failed, it will expire", zap.Error(err))
		}
	}()

	after, err := r.cursor.Load(ctx)
	if err != nil {
		return rep, err
	}
	deadline := r.nowFunc().Add(opts.TimeBudget)
	st := &run{
		opts:     opts,
		reverse:  map[string]geocode.ReverseResult{},
		lastGood: map[string]string{},
		report:   &rep,
	}

	for {
		if r.nowFunc().After(deadline) {
			rep.TimedOut = true
			break
		}
		if err := ctx.Err(); err != nil {
			rep.Cursor = after
			return rep, r.saveCursor(ctx, after, err)
		}
		page, err := r.records.PageAfter(ctx, after, opts.PageSize)
		if err != nil {
			rep.Cursor = after
			return rep, err
		}
		if len(page) == 0 {
			after = ""
			rep.Wrapped = true
			break
		}

		timedOut := false
		for _, rec := range page {
			if r.nowFunc().After(deadline) {
				timedOut = true
				break
			}
			rep.Scanned++
			patch := r.fix(ctx, st, rec)
			after = rec.ID
			if patch.Empty() {
				continue
			}
			if err := r.records.ApplyPatch(ctx, rec.ID, patch); err != nil {
				r.log.Warn("patch failed", zap.String("id", rec.ID), zap.Error(err))
				rep.Failed++
				continue
			}
			rep.Updated++
		}
		if err := r.cursor.Save(ctx, after); err != nil {
			rep.Cursor = after
			return rep, err
		}
		if timedOut {
			rep.TimedOut = true
			break
		}
		if len(page) < opts.PageSize {
			after = ""
			rep.Wrapped = true
			break
		}
	}

	rep.Cursor = after
	if err := r.cursor.Save(ctx, after); err != nil {
		return rep, err
	}
	r.log.Info("repair run complete",
		zap.String("mode", string(opts.Mode)),
		zap.Int("scanned", rep.Scanned),
		zap.Int("updated", rep.Updated),
		zap.Int("reverse_calls", rep.ReverseCalls),
		zap.Bool("wrapped", rep.Wrapped),
		zap.Bool("timed_out", rep.TimedOut),
	)
	return rep, nil
}

func (r *Repairer) saveCursor(ctx context.Context, id string, cause error) error {
	if err := r.cursor.Save(context.WithoutCancel(ctx), id); err != nil {
		r.log.Warn("could not save repair cursor", zap.Error(err))
	}
	return cause
}

// fix computes the patch for one record. Only fields whose value changes
// are set.
func (r *Repairer) fix(ctx context.Context, st *run, rec facility.Record) facility.Patch {
	name, address, city, state := rec.Name, rec.Address, rec.City, rec.State

	parsed := ParseAddress(address)
	if strings.TrimSpace(city) == "" {
		city = parsed.City
	}
	if strings.TrimSpace(state) == "" {
		state = parsed.State
	}

	cell := facility.CellKey(rec.Lat, rec.Lon, st.opts.ClusterDecimals)
	if r.needsReverse(st.opts, address, city, state) {
		if res, ok := r.lookup(ctx, st, cell, rec); ok {
			if strings.TrimSpace(address) == "" {
				address = res.Address
			}
			if strings.TrimSpace(city) == "" {
				city = res.City
			}
			if strings.TrimSpace(state) == "" {
				state = res.State
			}
		}
	}

	if code, ok := regions.StateCode(state); ok {
		state = code
	}

	if IsGenericName(name) {
		if good, ok := st.lastGood[cell]; ok && st.opts.Mode == Balanced {
			name = good
		} else if fb := FallbackName(streetOf(address), city, firstSport(rec.Sports)); fb != "" {
			name = fb
		}
	} else if st.opts.Mode == Balanced {
		st.lastGood[cell] = name
	}

	var p facility.Patch
	p.Name = changed(rec.Name, name, strings.EqualFold)
	p.Address = changed(rec.Address, address, strings.EqualFold)
	p.City = changed(rec.City, city, strings.EqualFold)
	p.State = changed(rec.State, state, func(a, b string) bool { return a == b })
	return p
}

func (r *Repairer) needsReverse(opts Options, address, city, state string) bool {
	if r.reverser == nil || opts.Mode == Conservative || opts.ParseAddressOnly {
		return false
	}
	return strings.TrimSpace(address) == "" || strings.TrimSpace(city) == "" || strings.TrimSpace(state) == ""
}

// lookup reverse-geocodes rec. Balanced mode answers repeat cells from the
// run memo; both modes stop calling out once the per-run cap is reached.
func (r *Repairer) lookup(ctx context.Context, st *run, cell string, rec facility.Record) (geocode.ReverseResult, bool) {
	if st.opts.Mode == Balanced {
		if res, ok := st.reverse[cell]; ok {
			st.report.MemoHits++
			return res, !res.Empty()
		}
	}
	if st.report.ReverseCalls >= st.opts.CapPerRun {
		return geocode.ReverseResult{}, false
	}
	st.report.ReverseCalls++
	res, err := r.reverser.Reverse(ctx, rec.Lat, rec.Lon)
	if err != nil {
		r.log.Debug("reverse geocode failed", zap.String("id", rec.ID), zap.Error(err))
		return geocode.ReverseResult{}, false
	}
	if st.opts.Mode == Balanced {
		st.reverse[cell] = res
	}
	return res, !res.Empty()
}

func changed(orig, next string, equal func(a, b string) bool) *string {
	next = strings.TrimSpace(next)
	if next == "" || equal(strings.TrimSpace(orig), next) {
		return nil
	}
	return &next
}

func streetOf(address string) string {
	if p := ParseAddress(address); p.Street != "" {
		return p.Street
	}
	return ""
}

func firstSport(sports []string) string {
	if len(sports) == 0 {
		return ""
	}
	return sports[0]
}

// PostgresCursor keeps the cursor on the record_repair job_status row.
type PostgresCursor struct {
	pool db.Pool
}

// NewPostgresCursor creates a PostgresCursor.
func NewPostgresCursor(pool db.Pool) *PostgresCursor {
	return &PostgresCursor{pool: pool}
}

// Load implements Cursor.
func (c *PostgresCursor) Load(ctx context.Context) (string, error) {
	var cur string
	err := c.pool.QueryRow(ctx, `SELECT cursor FROM job_status WHERE id = $1`, lease.RecordRepair).Scan(&cur)
	if db.IsNoRows(err) {
		return "", nil
	}
	return cur, eris.Wrap(err, "repair: load cursor")
}

// Save implements Cursor.
func (c *PostgresCursor) Save(ctx context.Context, id string) error {
	_, err := c.pool.Exec(ctx,
		`UPDATE job_status SET cursor = $2, last_run_at = now(), updated_at = now() WHERE id = $1`,
		lease.RecordRepair, id)
	return eris.Wrap(err, "repair: save cursor")
}
