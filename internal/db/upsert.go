package db

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Upsert describes a keyed bulk write into Table.
type Upsert struct {
	Table   string   // optionally schema-qualified
	Columns []string // column order of every row
	Keys    []string // unique constraint the rows conflict on
	Update  []string // columns overwritten on conflict; nil means every non-key column
}

func (u Upsert) validate() error {
	if u.Table == "" {
		return eris.New("db: upsert: no table specified")
	}
	if len(u.Columns) == 0 {
		return eris.New("db: upsert: no columns specified")
	}
	if len(u.Keys) == 0 {
		return eris.New("db: upsert: no conflict keys specified")
	}
	return nil
}

func (u Upsert) updateColumns() []string {
	if u.Update != nil {
		return u.Update
	}
	keys := make(map[string]bool, len(u.Keys))
	for _, k := range u.Keys {
		keys[k] = true
	}
	var out []string
	for _, c := range u.Columns {
		if !keys[c] {
			out = append(out, c)
		}
	}
	return out
}

// staging names the per-transaction temp table rows are copied into.
func (u Upsert) staging() string {
	return "stage_" + strings.ReplaceAll(u.Table, ".", "_")
}

func (u Upsert) createStagingSQL() string {
	return "CREATE TEMP TABLE " + pgx.Identifier{u.staging()}.Sanitize() +
		" (LIKE " + tableIdent(u.Table) + " INCLUDING DEFAULTS) ON COMMIT DROP"
}

// mergeSQL moves staged rows into the target. With nothing to update the
// existing rows win.
func (u Upsert) mergeSQL() string {
	cols := identList(u.Columns)
	var b strings.Builder
	b.WriteString("INSERT INTO " + tableIdent(u.Table) + " (" + cols + ") SELECT " + cols +
		" FROM " + pgx.Identifier{u.staging()}.Sanitize() + " ON CONFLICT (" + identList(u.Keys) + ")")

	update := u.updateColumns()
	if len(update) == 0 {
		b.WriteString(" DO NOTHING")
		return b.String()
	}
	b.WriteString(" DO UPDATE SET ")
	for i, c := range update {
		if i > 0 {
			b.WriteString(", ")
		}
		id := pgx.Identifier{c}.Sanitize()
		b.WriteString(id + " = EXCLUDED." + id)
	}
	return b.String()
}

// BulkUpsert writes rows in one transaction: COPY into a temp table, then a
// single INSERT ... SELECT ... ON CONFLICT into the target. It returns the
// number of rows inserted or updated.
func BulkUpsert(ctx context.Context, pool Pool, u Upsert, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := u.validate(); err != nil {
		return 0, err
	}

	var affected int64
	err := WithTx(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, u.createStagingSQL()); err != nil {
			return eris.Wrapf(err, "db: upsert: stage %s", u.Table)
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{u.staging()}, u.Columns, pgx.CopyFromRows(rows)); err != nil {
			return eris.Wrapf(err, "db: upsert: copy %d rows for %s", len(rows), u.Table)
		}
		tag, err := tx.Exec(ctx, u.mergeSQL())
		if err != nil {
			return eris.Wrapf(err, "db: upsert: merge into %s", u.Table)
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

func tableIdent(table string) string {
	return pgx.Identifier(strings.SplitN(table, ".", 2)).Sanitize()
}

func identList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
