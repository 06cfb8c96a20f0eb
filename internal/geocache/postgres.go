package geocache

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/courtatlas/geocurator/internal/db"
)

// PostgresStore is the durable tier backed by the geo_cache table.
type PostgresStore struct {
	pool db.Pool
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, key string) (*Entry, error) {
	var (
		e       Entry
		kind    string
		payload []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT key, kind, payload, created_at, expires_at FROM geo_cache WHERE key = $1`, key,
	).Scan(&e.Key, &kind, &payload, &e.CreatedAt, &e.ExpiresAt)
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "geocache: get %s", key)
	}
	e.Kind = Kind(kind)
	e.Payload = payload
	return &e, nil
}

// Put implements Store.
func (s *PostgresStore) Put(ctx context.Context, e Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO geo_cache (key, kind, payload, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET
			kind = EXCLUDED.kind,
			payload = EXCLUDED.payload,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at`,
		e.Key, string(e.Kind), []byte(e.Payload), e.CreatedAt, e.ExpiresAt,
	)
	return eris.Wrapf(err, "geocache: put %s", e.Key)
}

// DeleteExpired implements Store.
func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM geo_cache WHERE key IN (
			SELECT key FROM geo_cache WHERE expires_at < $1 LIMIT $2
		)`, now, limit,
	)
	if err != nil {
		return 0, eris.Wrap(err, "geocache: delete expired")
	}
	return tag.RowsAffected(), nil
}
