package facility

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/courtatlas/geocurator/internal/db"
)

// IndexEntry maps a cell key to the primary record at that cell.
type IndexEntry struct {
	CellKey   string  `json:"cell_key"`
	PrimaryID string  `json:"primary_id"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Region    string  `json:"region"`
}

// Index is the location index: at most one primary per cell key.
type Index struct {
	pool db.Pool
}

// NewIndex creates an Index backed by pool.
func NewIndex(pool db.Pool) *Index {
	return &Index{pool: pool}
}

// FindPrimary returns the primary record id registered for cellKey.
func (ix *Index) FindPrimary(ctx context.Context, cellKey string) (string, bool, error) {
	var id string
	err := ix.pool.QueryRow(ctx, `SELECT primary_id FROM location_index WHERE cell_key = $1`, cellKey).Scan(&id)
	if db.IsNoRows(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrapf(err, "location index: find %s", cellKey)
	}
	return id, true, nil
}

// Register claims the cell for e.PrimaryID unless another primary already
// holds it, and returns whichever primary id owns the cell afterwards. The
// first writer wins.
func (ix *Index) Register(ctx context.Context, q db.Querier, e IndexEntry) (string, error) {
	var owner string
	err := q.QueryRow(ctx, `
		INSERT INTO location_index (cell_key, primary_id, lat, lon, region, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (cell_key) DO UPDATE SET cell_key = EXCLUDED.cell_key
		RETURNING primary_id`,
		e.CellKey, e.PrimaryID, e.Lat, e.Lon, e.Region,
	).Scan(&owner)
	if err != nil {
		return "", eris.Wrapf(err, "location index: register %s", e.CellKey)
	}
	return owner, nil
}

// SetPrimary points an existing cell at a new primary, creating the entry if
// the cell was never indexed.
func (ix *Index) SetPrimary(ctx context.Context, q db.Querier, e IndexEntry) error {
	_, err := q.Exec(ctx, `
		INSERT INTO location_index (cell_key, primary_id, lat, lon, region, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (cell_key) DO UPDATE SET
			primary_id = EXCLUDED.primary_id,
			lat = EXCLUDED.lat,
			lon = EXCLUDED.lon,
			region = EXCLUDED.region,
			updated_at = now()`,
		e.CellKey, e.PrimaryID, e.Lat, e.Lon, e.Region,
	)
	return eris.Wrapf(err, "location index: set primary %s", e.CellKey)
}
