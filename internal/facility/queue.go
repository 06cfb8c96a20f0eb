package facility

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/courtatlas/geocurator/internal/db"
)

// Queue is the facility submission queue fed by operators and users.
type Queue struct {
	pool db.Pool
}

// NewQueue creates a Queue backed by pool.
func NewQueue(pool db.Pool) *Queue {
	return &Queue{pool: pool}
}

// PruneStale deletes pending submissions created before cutoff and returns
// how many were removed.
func (q *Queue) PruneStale(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := q.pool.Exec(ctx,
		`DELETE FROM facility_queue WHERE status = 'pending' AND created_at < $1`, cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "facility queue: prune stale")
	}
	return tag.RowsAffected(), nil
}

// PendingCount returns the number of pending submissions.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	var n int
	if err := q.pool.QueryRow(ctx,
		`SELECT count(*) FROM facility_queue WHERE status = 'pending'`,
	).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "facility queue: pending count")
	}
	return n, nil
}
