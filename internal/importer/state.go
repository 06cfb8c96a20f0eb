// Package importer runs the region-rotation import: one region per tick,
// cheap point-only pass everywhere first, then full geometry passes.
package importer

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/courtatlas/geocurator/internal/db"
	"github.com/courtatlas/geocurator/internal/lease"
	"github.com/courtatlas/geocurator/pkg/overpass"
)

// Status is the persisted progress of the region rotation.
type Status struct {
	CurrentRegionIndex int        `json:"current_region_index"`
	Phase              int        `json:"phase"`
	CycleCount         int        `json:"cycle_count"`
	TotalCreated       int64      `json:"total_created"`
	LeaseOwner         string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt     *time.Time `json:"lease_expires_at,omitempty"`
	LastRunAt          *time.Time `json:"last_run_at,omitempty"`
	LastErrorAt        *time.Time `json:"last_error_at,omitempty"`
	LastError          string     `json:"last_error,omitempty"`
}

// QueryPhase maps the stored phase onto the Overpass query tier.
func (s Status) QueryPhase() overpass.Phase {
	if s.Phase >= int(overpass.PhaseFull) {
		return overpass.PhaseFull
	}
	return overpass.PhaseCoarse
}

// Advance moves the rotation one region forward over n regions. Wrapping to
// index 0 completes a cycle and promotes phase 1 to phase 2.
func Advance(s Status, n int) Status {
	if n <= 0 {
		return s
	}
	if s.Phase < 1 {
		s.Phase = 1
	}
	s.CurrentRegionIndex = (s.CurrentRegionIndex%n + 1) % n
	if s.CurrentRegionIndex == 0 {
		s.CycleCount++
		if s.Phase == 1 {
			s.Phase = 2
		}
	}
	return s
}

// StatusStore persists Status.
type StatusStore interface {
	Load(ctx context.Context) (Status, error)
	// Commit stores the advanced position and adds created to the running total.
	Commit(ctx context.Context, next Status, created int) error
	// RecordError stores a failure without moving the position. created
	// counts records written before the failure and joins the running total.
	RecordError(ctx context.Context, msg string, created int) error
}

// PostgresStatusStore keeps Status on the region_rotation job_status row.
type PostgresStatusStore struct {
	pool db.Pool
	id   string
}

// NewPostgresStatusStore creates a PostgresStatusStore.
func NewPostgresStatusStore(pool db.Pool) *PostgresStatusStore {
	return &PostgresStatusStore{pool: pool, id: lease.RegionRotation}
}

// Load implements StatusStore. A missing row reads as the initial state.
func (s *PostgresStatusStore) Load(ctx context.Context) (Status, error) {
	st := Status{Phase: 1}
	err := s.pool.QueryRow(ctx,
		`SELECT current_region_index, phase, cycle_count, total_created, lease_owner, lease_expires_at, last_run_at, last_error_at, last_error FROM job_status WHERE id = $1`,
		s.id,
	).Scan(&st.CurrentRegionIndex, &st.Phase, &st.CycleCount, &st.TotalCreated,
		&st.LeaseOwner, &st.LeaseExpiresAt, &st.LastRunAt, &st.LastErrorAt, &st.LastError)
	if db.IsNoRows(err) {
		return Status{Phase: 1}, nil
	}
	if err != nil {
		return Status{}, eris.Wrap(err, "importer: load status")
	}
	return st, nil
}

// Commit implements StatusStore.
func (s *PostgresStatusStore) Commit(ctx context.Context, next Status, created int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE job_status SET current_region_index = $2, phase = $3, cycle_count = $4, total_created = total_created + $5, last_run_at = now(), updated_at = now() WHERE id = $1`,
		s.id, next.CurrentRegionIndex, next.Phase, next.CycleCount, created,
	)
	return eris.Wrap(err, "importer: commit status")
}

// RecordError implements StatusStore.
func (s *PostgresStatusStore) RecordError(ctx context.Context, msg string, created int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE job_status SET last_error = $2, last_error_at = now(), total_created = total_created + $3, updated_at = now() WHERE id = $1`,
		s.id, msg, created,
	)
	return eris.Wrap(err, "importer: record error")
}
