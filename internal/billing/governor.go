// Package billing gates commercial provider calls behind a monthly spend cap
// and a kill switch, and records what was spent.
package billing

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrCommercialDisabled means the kill switch is off.
	ErrCommercialDisabled = eris.New("billing: commercial provider disabled")
	// ErrBudgetExhausted means the month's cap leaves no room for another call.
	ErrBudgetExhausted = eris.New("billing: monthly budget exhausted")
)

// Priced operations. The ledger is kept per Provider; prices are per operation.
const (
	Provider         = "google"
	OpTextSearch     = "google_text"
	OpPlaceDetails   = "google_details"
	OpReverseGeocode = "google_reverse"
)

// Ledger persists monthly spend per provider.
type Ledger interface {
	// Spent returns the calls made and cents accrued for month/provider.
	Spent(ctx context.Context, month, provider string) (int, decimal.Decimal, error)
	// Charge adds calls and cost to month/provider atomically.
	Charge(ctx context.Context, month, provider string, calls int, cost decimal.Decimal) error
}

// Config holds governor settings.
type Config struct {
	MonthlyCapCents   float64
	CommercialEnabled bool
	PerCallCents      map[string]float64
}

// Governor decides whether a commercial call may be made.
type Governor struct {
	ledger  Ledger
	cap     decimal.Decimal
	enabled bool
	prices  map[string]decimal.Decimal
	nowFunc func() time.Time
}

// New creates a Governor.
func New(ledger Ledger, cfg Config) *Governor {
	prices := make(map[string]decimal.Decimal, len(cfg.PerCallCents))
	for op, cents := range cfg.PerCallCents {
		prices[op] = decimal.NewFromFloat(cents)
	}
	return &Governor{
		ledger:  ledger,
		cap:     decimal.NewFromFloat(cfg.MonthlyCapCents),
		enabled: cfg.CommercialEnabled,
		prices:  prices,
		nowFunc: time.Now,
	}
}

// Month returns the ledger key for t, e.g. "2026-03".
func Month(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// CommercialEnabled reports the kill switch state.
func (g *Governor) CommercialEnabled() bool {
	return g.enabled
}

// PerCall returns the price of op in cents.
func (g *Governor) PerCall(op string) (decimal.Decimal, error) {
	p, ok := g.prices[op]
	if !ok || !p.IsPositive() {
		return decimal.Zero, eris.Errorf("billing: no price configured for %s", op)
	}
	return p, nil
}

// RemainingCalls returns floor((cap - spent) / perCall) for op in the
// current month, never negative. The kill switch does not affect it.
func (g *Governor) RemainingCalls(ctx context.Context, op string) (int, error) {
	price, err := g.PerCall(op)
	if err != nil {
		return 0, err
	}
	_, spent, err := g.ledger.Spent(ctx, Month(g.nowFunc()), Provider)
	if err != nil {
		return 0, err
	}
	left := g.cap.Sub(spent)
	if !left.IsPositive() {
		return 0, nil
	}
	return int(left.Div(price).Floor().IntPart()), nil
}

// Admit returns how many calls of op may be made now, or
// ErrCommercialDisabled / ErrBudgetExhausted. Both are deliberate skips.
func (g *Governor) Admit(ctx context.Context, op string) (int, error) {
	if !g.enabled {
		return 0, ErrCommercialDisabled
	}
	n, err := g.RemainingCalls(ctx, op)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		zap.L().Info("billing: budget exhausted, skipping commercial call",
			zap.String("op", op),
			zap.String("month", Month(g.nowFunc())),
		)
		return 0, ErrBudgetExhausted
	}
	return n, nil
}

// Charge records n calls of op against the current month.
func (g *Governor) Charge(ctx context.Context, op string, n int) error {
	if n <= 0 {
		return nil
	}
	price, err := g.PerCall(op)
	if err != nil {
		return err
	}
	cost := price.Mul(decimal.NewFromInt(int64(n)))
	return g.ledger.Charge(ctx, Month(g.nowFunc()), Provider, n, cost)
}

// Usage summarizes the current month for operators.
type Usage struct {
	Month      string `json:"month"`
	Calls      int    `json:"calls"`
	SpentCents string `json:"spent_cents"`
	CapCents   string `json:"cap_cents"`
	Enabled    bool   `json:"commercial_enabled"`
}

// Usage returns the current month's spend.
func (g *Governor) Usage(ctx context.Context) (Usage, error) {
	month := Month(g.nowFunc())
	calls, spent, err := g.ledger.Spent(ctx, month, Provider)
	if err != nil {
		return Usage{}, err
	}
	return Usage{
		Month:      month,
		Calls:      calls,
		SpentCents: spent.StringFixed(2),
		CapCents:   g.cap.StringFixed(2),
		Enabled:    g.enabled,
	}, nil
}
