// Package lease provides short-TTL exclusive execution tokens that keep
// overlapping scheduled runs of the same job from working concurrently.
package lease

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/courtatlas/geocurator/internal/db"
)

// ErrHeld is returned by Acquire when another owner holds an unexpired lease.
var ErrHeld = eris.New("lease: held by another owner")

// Leased resources.
const (
	RegionRotation = "region_rotation"
	CityBackfill   = "city_backfill"
	RecordRepair   = "record_repair"
)

// Result describes the outcome of TryAcquire. When Acquired is false, HeldBy
// and HeldUntil identify the current holder.
type Result struct {
	Acquired  bool      `json:"acquired"`
	HeldBy    string    `json:"held_by,omitempty"`
	HeldUntil time.Time `json:"held_until"`
}

// Manager grants and releases leases.
type Manager interface {
	TryAcquire(ctx context.Context, resource, owner string, ttl time.Duration) (Result, error)
	Release(ctx context.Context, resource, owner string) error
}

// Acquire wraps TryAcquire and converts contention into ErrHeld.
func Acquire(ctx context.Context, m Manager, resource, owner string, ttl time.Duration) (Result, error) {
	res, err := m.TryAcquire(ctx, resource, owner, ttl)
	if err != nil {
		return res, err
	}
	if !res.Acquired {
		return res, eris.Wrapf(ErrHeld, "lease: %s held by %s until %s",
			resource, res.HeldBy, res.HeldUntil.Format(time.RFC3339))
	}
	return res, nil
}

// Bound is the longest a holder may keep working under a lease of ttl, so
// that its work ends before the lease can be taken over.
func Bound(ttl time.Duration) time.Duration {
	if ttl <= time.Minute {
		return ttl / 2
	}
	return ttl - 30*time.Second
}

// PostgresManager keeps the lease on the job_status row of each resource.
type PostgresManager struct {
	pool    db.Pool
	nowFunc func() time.Time
}

// NewPostgresManager creates a PostgresManager.
func NewPostgresManager(pool db.Pool) *PostgresManager {
	return &PostgresManager{pool: pool, nowFunc: time.Now}
}

// TryAcquire reads the current holder under a row lock and takes the lease
// only if it is free or expired, all in one transaction.
func (m *PostgresManager) TryAcquire(ctx context.Context, resource, owner string, ttl time.Duration) (Result, error) {
	var res Result
	err := db.WithTx(ctx, m.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO job_status (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, resource,
		); err != nil {
			return eris.Wrapf(err, "lease: ensure %s", resource)
		}

		var (
			holder  string
			expires *time.Time
		)
		if err := tx.QueryRow(ctx,
			`SELECT lease_owner, lease_expires_at FROM job_status WHERE id = $1 FOR UPDATE`, resource,
		).Scan(&holder, &expires); err != nil {
			return eris.Wrapf(err, "lease: read %s", resource)
		}

		now := m.nowFunc().UTC()
		if expires != nil && expires.After(now) && holder != "" {
			res = Result{HeldBy: holder, HeldUntil: *expires}
			return nil
		}

		until := now.Add(ttl)
		if _, err := tx.Exec(ctx,
			`UPDATE job_status SET lease_owner = $2, lease_expires_at = $3, updated_at = now() WHERE id = $1`,
			resource, owner, until,
		); err != nil {
			return eris.Wrapf(err, "lease: write %s", resource)
		}
		res = Result{Acquired: true, HeldBy: owner, HeldUntil: until}
		return nil
	})
	return res, err
}

// Release clears the lease if owner still holds it.
func (m *PostgresManager) Release(ctx context.Context, resource, owner string) error {
	_, err := m.pool.Exec(ctx,
		`UPDATE job_status SET lease_owner = '', lease_expires_at = NULL, updated_at = now()
		 WHERE id = $1 AND lease_owner = $2`,
		resource, owner,
	)
	return eris.Wrapf(err, "lease: release %s", resource)
}
