package coverage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/courtatlas/geocurator/internal/db"
)

// Store persists audit results and the backlog queue.
type Store interface {
	SaveStats(ctx context.Context, stats []Stat) error
	SaveSummary(ctx context.Context, lagging []Stat, at time.Time) error
	Enqueue(ctx context.Context, tasks []Task) (int, error)
	// Reconcile drops pending tasks whose region is not in keep.
	Reconcile(ctx context.Context, keep []string) (int64, error)
}

// Queue is the consumer side of the backlog.
type Queue interface {
	// Claim marks the oldest pending task with fewer than maxAttempts
	// attempts as running and returns it. It returns nil when none is left.
	Claim(ctx context.Context, maxAttempts int) (*Task, error)
	Complete(ctx context.Context, id string) error
	// Retry puts a task back to pending with one more attempt recorded.
	Retry(ctx context.Context, id, msg string) error
	// Reclaim returns tasks left running since before cutoff to pending,
	// counting the abandoned run as an attempt.
	Reclaim(ctx context.Context, cutoff time.Time) (int64, error)
}

// PostgresStore implements Store and Queue.
type PostgresStore struct {
	pool  db.Pool
	newID func() string
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, newID: uuid.NewString}
}

var statsUpsert = db.Upsert{
	Table:   "coverage_stats",
	Columns: []string{"region", "local_count", "provider_count", "coverage", "audited_at"},
	Keys:    []string{"region"},
}

// SaveStats upserts one row per region.
func (s *PostgresStore) SaveStats(ctx context.Context, stats []Stat) error {
	rows := make([][]any, 0, len(stats))
	for _, st := range stats {
		rows = append(rows, []any{st.Region, st.Local, st.Provider, st.Coverage, st.AuditedAt})
	}
	_, err := db.BulkUpsert(ctx, s.pool, statsUpsert, rows)
	return eris.Wrap(err, "coverage: save stats")
}

// SaveSummary replaces the lagging-regions singleton.
func (s *PostgresStore) SaveSummary(ctx context.Context, lagging []Stat, at time.Time) error {
	if lagging == nil {
		lagging = []Stat{}
	}
	payload, err := json.Marshal(lagging)
	if err != nil {
		return eris.Wrap(err, "coverage: marshal summary")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO coverage_summary (id, lagging, audited_at) VALUES (1, $1, $2) ON CONFLICT (id) DO UPDATE SET lagging = EXCLUDED.lagging, audited_at = EXCLUDED.audited_at`,
		payload, at,
	)
	return eris.Wrap(err, "coverage: save summary")
}

// Summary returns the last published lagging list.
func (s *PostgresStore) Summary(ctx context.Context) ([]Stat, *time.Time, error) {
	var (
		payload []byte
		at      time.Time
	)
	err := s.pool.QueryRow(ctx, `SELECT lagging, audited_at FROM coverage_summary WHERE id = 1`).Scan(&payload, &at)
	if db.IsNoRows(err) {
		return []Stat{}, nil, nil
	}
	if err != nil {
		return nil, nil, eris.Wrap(err, "coverage: load summary")
	}
	var out []Stat
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, nil, eris.Wrap(err, "coverage: decode summary")
	}
	return out, &at, nil
}

// Enqueue inserts tasks, skipping any (region, city) already queued.
func (s *PostgresStore) Enqueue(ctx context.Context, tasks []Task) (int, error) {
	added := 0
	for _, t := range tasks {
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO backlog_tasks (id, region, city, lat, lon, radius_m, population) VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (region, city) DO NOTHING`,
			s.newID(), t.Region, t.City, t.Lat, t.Lon, t.RadiusM, t.Population,
		)
		if err != nil {
			return added, eris.Wrapf(err, "coverage: enqueue %s/%s", t.Region, t.City)
		}
		added += int(tag.RowsAffected())
	}
	return added, nil
}

// Reconcile implements Store.
func (s *PostgresStore) Reconcile(ctx context.Context, keep []string) (int64, error) {
	if keep == nil {
		keep = []string{}
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM backlog_tasks WHERE status = 'pending' AND NOT (region = ANY($1))`, keep)
	if err != nil {
		return 0, eris.Wrap(err, "coverage: reconcile backlog")
	}
	return tag.RowsAffected(), nil
}

// Claim implements Queue.
func (s *PostgresStore) Claim(ctx context.Context, maxAttempts int) (*Task, error) {
	var t Task
	err := s.pool.QueryRow(ctx,
		`UPDATE backlog_tasks SET status = 'running', updated_at = now() WHERE id = (SELECT id FROM backlog_tasks WHERE status = 'pending' AND attempts < $1 ORDER BY created_at LIMIT 1 FOR UPDATE SKIP LOCKED) RETURNING id::text, region, city, lat, lon, radius_m, population, status, attempts, last_error, created_at`,
		maxAttempts,
	).Scan(&t.ID, &t.Region, &t.City, &t.Lat, &t.Lon, &t.RadiusM, &t.Population, &t.Status, &t.Attempts, &t.LastError, &t.CreatedAt)
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "coverage: claim task")
	}
	return &t, nil
}

// Complete implements Queue.
func (s *PostgresStore) Complete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE backlog_tasks SET status = 'done', last_error = '', updated_at = now() WHERE id = $1`, id)
	return eris.Wrapf(err, "coverage: complete task %s", id)
}

// Retry implements Queue.
func (s *PostgresStore) Retry(ctx context.Context, id, msg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE backlog_tasks SET status = 'pending', attempts = attempts + 1, last_error = $2, updated_at = now() WHERE id = $1`,
		id, msg)
	return eris.Wrapf(err, "coverage: requeue task %s", id)
}

// Reclaim implements Queue.
func (s *PostgresStore) Reclaim(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE backlog_tasks SET status = 'pending', attempts = attempts + 1, last_error = 'abandoned while running', updated_at = now() WHERE status = 'running' AND updated_at < $1`,
		cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "coverage: reclaim stale tasks")
	}
	return tag.RowsAffected(), nil
}

// PendingCount returns the number of pending tasks.
func (s *PostgresStore) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM backlog_tasks WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "coverage: count pending")
	}
	return n, nil
}

// PruneDone deletes finished tasks last touched before cutoff.
func (s *PostgresStore) PruneDone(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM backlog_tasks WHERE status = 'done' AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, eris.Wrap(err, "coverage: prune done tasks")
	}
	return tag.RowsAffected(), nil
}
