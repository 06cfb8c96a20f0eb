package billing

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/courtatlas/geocurator/internal/db"
)

// PostgresLedger stores spend in billing_ledger rows keyed by (month, provider).
type PostgresLedger struct {
	pool db.Pool
}

// NewPostgresLedger creates a PostgresLedger.
func NewPostgresLedger(pool db.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

// Spent implements Ledger.
func (l *PostgresLedger) Spent(ctx context.Context, month, provider string) (int, decimal.Decimal, error) {
	var (
		calls int
		cost  string
	)
	err := l.pool.QueryRow(ctx,
		`SELECT calls_made, cost_cents::text FROM billing_ledger WHERE month = $1 AND provider = $2`,
		month, provider,
	).Scan(&calls, &cost)
	if db.IsNoRows(err) {
		return 0, decimal.Zero, nil
	}
	if err != nil {
		return 0, decimal.Zero, eris.Wrapf(err, "billing: read ledger %s/%s", month, provider)
	}
	d, err := decimal.NewFromString(cost)
	if err != nil {
		return 0, decimal.Zero, eris.Wrapf(err, "billing: parse cost %q", cost)
	}
	return calls, d, nil
}

// Charge implements Ledger with a locked read-modify-write of the month row.
func (l *PostgresLedger) Charge(ctx context.Context, month, provider string, calls int, cost decimal.Decimal) error {
	return db.WithTx(ctx, l.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO billing_ledger (month, provider) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			month, provider,
		); err != nil {
			return eris.Wrap(err, "billing: ensure ledger row")
		}

		var (
			made int
			raw  string
		)
		if err := tx.QueryRow(ctx,
			`SELECT calls_made, cost_cents::text FROM billing_ledger
			 WHERE month = $1 AND provider = $2 FOR UPDATE`,
			month, provider,
		).Scan(&made, &raw); err != nil {
			return eris.Wrap(err, "billing: lock ledger row")
		}
		spent, err := decimal.NewFromString(raw)
		if err != nil {
			return eris.Wrapf(err, "billing: parse cost %q", raw)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE billing_ledger SET calls_made = $3, cost_cents = $4::numeric, updated_at = now()
			 WHERE month = $1 AND provider = $2`,
			month, provider, made+calls, spent.Add(cost).String(),
		); err != nil {
			return eris.Wrap(err, "billing: update ledger row")
		}
		return nil
	})
}
