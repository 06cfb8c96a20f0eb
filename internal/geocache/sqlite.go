package geocache

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a durable tier for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) a cache database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "geocache: sqlite open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "geocache: sqlite exec %s", pragma)
		}
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS geo_cache (
			key        TEXT PRIMARY KEY,
			kind       TEXT NOT NULL,
			payload    BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_geo_cache_expires ON geo_cache(expires_at);`,
	); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "geocache: sqlite migrate")
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*Entry, error) {
	var (
		e                  Entry
		kind               string
		payload            []byte
		created, expiresAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, kind, payload, created_at, expires_at FROM geo_cache WHERE key = ?`, key,
	).Scan(&e.Key, &kind, &payload, &created, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "geocache: sqlite get %s", key)
	}
	e.Kind = Kind(kind)
	e.Payload = payload
	e.CreatedAt = time.UnixMilli(created).UTC()
	e.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	return &e, nil
}

// Put implements Store.
func (s *SQLiteStore) Put(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO geo_cache (key, kind, payload, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			kind = excluded.kind,
			payload = excluded.payload,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		e.Key, string(e.Kind), []byte(e.Payload), e.CreatedAt.UnixMilli(), e.ExpiresAt.UnixMilli(),
	)
	return eris.Wrapf(err, "geocache: sqlite put %s", e.Key)
}

// DeleteExpired implements Store.
func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM geo_cache WHERE key IN (
			SELECT key FROM geo_cache WHERE expires_at < ? LIMIT ?
		)`, now.UnixMilli(), limit,
	)
	if err != nil {
		return 0, eris.Wrap(err, "geocache: sqlite delete expired")
	}
	return res.RowsAffected()
}
