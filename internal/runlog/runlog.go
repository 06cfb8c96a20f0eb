// Package runlog records one row per scheduled or administrative invocation
// so operators can see what ran, how it ended, and what it did.
package runlog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/courtatlas/geocurator/internal/db"
)

// Run statuses.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Entry is a row in run_log.
type Entry struct {
	ID          string         `json:"id"`
	Job         string         `json:"job"`
	Status      string         `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Log reads and writes run_log.
type Log struct {
	pool  db.Pool
	newID func() string
}

// New creates a Log backed by pool.
func New(pool db.Pool) *Log {
	return &Log{pool: pool, newID: func() string { return uuid.NewString() }}
}

// Start records the beginning of a run and returns its id.
func (l *Log) Start(ctx context.Context, job string) (string, error) {
	id := l.newID()
	_, err := l.pool.Exec(ctx,
		`INSERT INTO run_log (id, job, status, started_at) VALUES ($1, $2, 'running', now())`,
		id, job,
	)
	if err != nil {
		return "", eris.Wrapf(err, "runlog: start %s", job)
	}
	return id, nil
}

// Complete marks a run as finished.
func (l *Log) Complete(ctx context.Context, id string, metadata map[string]any) error {
	meta, err := marshalMeta(metadata)
	if err != nil {
		return err
	}
	_, err = l.pool.Exec(ctx,
		`UPDATE run_log SET status = 'complete', completed_at = now(), metadata = $1 WHERE id = $2`,
		meta, id,
	)
	return eris.Wrapf(err, "runlog: complete %s", id)
}

// Fail marks a run as failed with msg.
func (l *Log) Fail(ctx context.Context, id, msg string, metadata map[string]any) error {
	meta, err := marshalMeta(metadata)
	if err != nil {
		return err
	}
	_, err = l.pool.Exec(ctx,
		`UPDATE run_log SET status = 'failed', completed_at = now(), error = $1, metadata = $2 WHERE id = $3`,
		msg, meta, id,
	)
	return eris.Wrapf(err, "runlog: fail %s", id)
}

// Recent returns up to limit entries, newest first. An empty job lists all jobs.
func (l *Log) Recent(ctx context.Context, job string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.pool.Query(ctx,
		`SELECT id::text, job, status, started_at, completed_at, error, metadata FROM run_log WHERE ($1 = '' OR job = $1) ORDER BY started_at DESC LIMIT $2`,
		job, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: list recent")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var errStr *string
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.Job, &e.Status, &e.StartedAt, &e.CompletedAt, &errStr, &metaJSON); err != nil {
			return nil, eris.Wrap(err, "runlog: scan entry")
		}
		if errStr != nil {
			e.Error = *errStr
		}
		if metaJSON != nil {
			_ = json.Unmarshal(metaJSON, &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Track runs fn inside a run row: Start before, then Complete or Fail with
// the metadata fn returns. Bookkeeping failures are logged and never mask
// fn's own result.
func (l *Log) Track(ctx context.Context, job string, fn func(ctx context.Context) (map[string]any, error)) error {
	log := zap.L().With(zap.String("component", "runlog"), zap.String("job", job))

	id, startErr := l.Start(ctx, job)
	if startErr != nil {
		log.Warn("could not record run start", zap.Error(startErr))
	}

	meta, err := fn(ctx)

	if id == "" {
		return err
	}
	// Record the outcome even when ctx was cancelled mid-run.
	bg := context.WithoutCancel(ctx)
	if err != nil {
		if ferr := l.Fail(bg, id, err.Error(), meta); ferr != nil {
			log.Warn("could not record run failure", zap.Error(ferr))
		}
		return err
	}
	if cerr := l.Complete(bg, id, meta); cerr != nil {
		log.Warn("could not record run completion", zap.Error(cerr))
	}
	return nil
}

func marshalMeta(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		return nil, nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: marshal metadata")
	}
	return b, nil
}
