package facility

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/courtatlas/geocurator/internal/db"
)

const recordColumns = `id, name, address, city, state, lat, lon, cell_key, region, sports, courts,
	source, source_type, source_id, license, alt_sources, approved, review_status,
	COALESCE(duplicate_of, ''), created_at, updated_at`

// Store reads and writes facility records.
type Store struct {
	pool db.Pool
}

// NewStore creates a Store backed by pool.
func NewStore(pool db.Pool) *Store {
	return &Store{pool: pool}
}

// Exists reports whether a record with id is stored.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM facilities WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "facility: exists %s", id)
	}
	return exists, nil
}

// Get returns the record with id, or nil when absent.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM facilities WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "facility: get %s", id)
	}
	return &rec, nil
}

// Insert writes rec unless a record with the same id exists. It reports
// whether a row was created.
func (s *Store) Insert(ctx context.Context, q db.Querier, rec Record) (bool, error) {
	courts, err := json.Marshal(rec.Courts)
	if err != nil {
		return false, eris.Wrap(err, "facility: marshal courts")
	}
	alt, err := json.Marshal(rec.AltSources)
	if err != nil {
		return false, eris.Wrap(err, "facility: marshal alt sources")
	}
	sports := rec.Sports
	if sports == nil {
		sports = []string{}
	}

	tag, err := q.Exec(ctx, `
		INSERT INTO facilities (id, name, address, city, state, lat, lon, cell_key, region, sports, courts,
			source, source_type, source_id, license, alt_sources, approved, review_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.Name, rec.Address, rec.City, rec.State, rec.Lat, rec.Lon, rec.CellKey, rec.Region,
		sports, courts, rec.Source, rec.SourceType, rec.SourceID, rec.License, alt,
		rec.Approved, rec.ReviewStatus, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return false, eris.Wrapf(err, "facility: insert %s", rec.ID)
	}
	return tag.RowsAffected() == 1, nil
}

// MergeAltSources appends srcs to the primary's provenance list under a row
// lock. It reports whether the list changed.
func (s *Store) MergeAltSources(ctx context.Context, primaryID string, srcs ...AltSource) (bool, error) {
	changed := false
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var raw []byte
		err := tx.QueryRow(ctx, `SELECT alt_sources FROM facilities WHERE id = $1 FOR UPDATE`, primaryID).Scan(&raw)
		if err != nil {
			return eris.Wrapf(err, "facility: lock %s", primaryID)
		}
		var current AltSources
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &current); err != nil {
				return eris.Wrapf(err, "facility: decode alt sources of %s", primaryID)
			}
		}
		merged := current.Merge(srcs...)
		if len(merged) == len(current) {
			return nil
		}
		out, err := json.Marshal(merged)
		if err != nil {
			return eris.Wrap(err, "facility: marshal alt sources")
		}
		if _, err := tx.Exec(ctx,
			`UPDATE facilities SET alt_sources = $2, updated_at = now() WHERE id = $1`,
			primaryID, out,
		); err != nil {
			return eris.Wrapf(err, "facility: update alt sources of %s", primaryID)
		}
		changed = true
		return nil
	})
	return changed, err
}

// MarkDuplicate flags id as a duplicate of primaryID.
func (s *Store) MarkDuplicate(ctx context.Context, q db.Querier, id, primaryID string) error {
	_, err := q.Exec(ctx,
		`UPDATE facilities SET duplicate_of = $2, updated_at = now() WHERE id = $1`,
		id, primaryID,
	)
	return eris.Wrapf(err, "facility: mark %s duplicate of %s", id, primaryID)
}

// SetAltSources replaces the provenance list of id.
func (s *Store) SetAltSources(ctx context.Context, q db.Querier, id string, alt AltSources) error {
	out, err := json.Marshal(alt)
	if err != nil {
		return eris.Wrap(err, "facility: marshal alt sources")
	}
	_, err = q.Exec(ctx, `UPDATE facilities SET alt_sources = $2, updated_at = now() WHERE id = $1`, id, out)
	return eris.Wrapf(err, "facility: set alt sources of %s", id)
}

// Recent returns up to limit of the most recently created non-duplicate records.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	return s.list(ctx, `SELECT `+recordColumns+` FROM facilities
		WHERE duplicate_of IS NULL
		ORDER BY created_at DESC LIMIT $1`, limit)
}

// ListActive returns non-duplicate records in a region, ordered by name.
func (s *Store) ListActive(ctx context.Context, region string, limit, offset int) ([]Record, error) {
	return s.list(ctx, `SELECT `+recordColumns+` FROM facilities
		WHERE duplicate_of IS NULL AND region = $1
		ORDER BY name, id LIMIT $2 OFFSET $3`, region, limit, offset)
}

// PageAfter returns up to limit non-duplicate records with id > afterID in id order.
func (s *Store) PageAfter(ctx context.Context, afterID string, limit int) ([]Record, error) {
	return s.list(ctx, `SELECT `+recordColumns+` FROM facilities
		WHERE duplicate_of IS NULL AND id > $1
		ORDER BY id LIMIT $2`, afterID, limit)
}

// CountActive returns the number of non-duplicate records in region.
func (s *Store) CountActive(ctx context.Context, region string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM facilities WHERE region = $1 AND duplicate_of IS NULL`, region,
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "facility: count %s", region)
	}
	return n, nil
}

// Patch holds the descriptive fields a repair may overwrite. Nil fields are
// left untouched.
type Patch struct {
	Name    *string
	Address *string
	City    *string
	State   *string
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Name == nil && p.Address == nil && p.City == nil && p.State == nil
}

// ApplyPatch writes the non-nil fields of p to id.
func (s *Store) ApplyPatch(ctx context.Context, id string, p Patch) error {
	if p.Empty() {
		return nil
	}
	var (
		sets []string
		args = []any{id}
	)
	add := func(col string, v *string) {
		if v == nil {
			return
		}
		args = append(args, *v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("name", p.Name)
	add("address", p.Address)
	add("city", p.City)
	add("state", p.State)

	sql := `UPDATE facilities SET ` + strings.Join(sets, ", ") + `, updated_at = now() WHERE id = $1`
	if _, err := s.pool.Exec(ctx, sql, args...); err != nil {
		return eris.Wrapf(err, "facility: patch %s", id)
	}
	return nil
}

func (s *Store) list(ctx context.Context, sql string, args ...any) ([]Record, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "facility: query records")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "facility: scan record")
		}
		out = append(out, rec)
	}
	return out, eris.Wrap(rows.Err(), "facility: iterate records")
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		r           Record
		courts, alt []byte
	)
	err := row.Scan(&r.ID, &r.Name, &r.Address, &r.City, &r.State, &r.Lat, &r.Lon, &r.CellKey, &r.Region,
		&r.Sports, &courts, &r.Source, &r.SourceType, &r.SourceID, &r.License, &alt,
		&r.Approved, &r.ReviewStatus, &r.DuplicateOf, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	if len(courts) > 0 {
		if err := json.Unmarshal(courts, &r.Courts); err != nil {
			return r, eris.Wrapf(err, "facility: decode courts of %s", r.ID)
		}
	}
	r.AltSources = AltSources{}
	if len(alt) > 0 {
		if err := json.Unmarshal(alt, &r.AltSources); err != nil {
			return r, eris.Wrapf(err, "facility: decode alt sources of %s", r.ID)
		}
	}
	return r, nil
}
