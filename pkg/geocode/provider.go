package geocode

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/courtatlas/geocurator/internal/billing"
	"github.com/courtatlas/geocurator/internal/geocache"
	"github.com/courtatlas/geocurator/internal/resilience"
)

// Provider is one places/geocoding backend.
type Provider interface {
	Name() string

	// Search returns up to maxPages pages of results and the number of
	// billable requests it made, which is meaningful even alongside an error.
	Search(ctx context.Context, text string, bias *Bias, maxPages int) ([]StandardPlace, int, error)

	Reverse(ctx context.Context, lat, lon float64) (ReverseResult, error)

	// Details returns nil when the provider does not know placeID.
	Details(ctx context.Context, placeID string) (*StandardPlace, error)

	// Handles reports whether placeID belongs to this provider.
	Handles(placeID string) bool
}

// Budget admits and charges commercial calls. *billing.Governor satisfies it.
type Budget interface {
	Admit(ctx context.Context, op string) (int, error)
	Charge(ctx context.Context, op string, n int) error
}

// Cascade implements Gateway over an optional cache, a low-cost provider, and
// a commercial provider. Any of them may be nil. Provider and cache failures
// degrade to misses; errors are returned only when ctx is done.
type Cascade struct {
	cache           *geocache.Cache
	lowCost         Provider
	commercial      Provider
	budget          Budget
	breakers        *resilience.Breakers
	reverseDecimals int
	maxPages        int
	log             *zap.Logger
}

// CascadeOption configures the Cascade.
type CascadeOption func(*Cascade)

// WithCache sets the response cache.
func WithCache(c *geocache.Cache) CascadeOption {
	return func(g *Cascade) {
		g.cache = c
	}
}

// WithLowCost sets the first-choice provider.
func WithLowCost(p Provider) CascadeOption {
	return func(g *Cascade) {
		g.lowCost = p
	}
}

// WithCommercial sets the paid provider and the budget that gates it.
func WithCommercial(p Provider, b Budget) CascadeOption {
	return func(g *Cascade) {
		g.commercial = p
		g.budget = b
	}
}

// WithBreakers sets per-provider circuit breakers.
func WithBreakers(b *resilience.Breakers) CascadeOption {
	return func(g *Cascade) {
		g.breakers = b
	}
}

// WithReverseDecimals sets the coordinate rounding used for reverse cache keys.
func WithReverseDecimals(n int) CascadeOption {
	return func(g *Cascade) {
		if n > 0 {
			g.reverseDecimals = n
		}
	}
}

// WithMaxPages caps commercial search pagination.
func WithMaxPages(n int) CascadeOption {
	return func(g *Cascade) {
		if n > 0 {
			g.maxPages = n
		}
	}
}

// NewCascade creates a Cascade.
func NewCascade(opts ...CascadeOption) *Cascade {
	g := &Cascade{
		breakers:        resilience.NewBreakers(resilience.DefaultBreakerConfig()),
		reverseDecimals: 5,
		maxPages:        3,
		log:             zap.L().With(zap.String("component", "geocode")),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

var _ Gateway = (*Cascade)(nil)

// Search implements Gateway.
func (g *Cascade) Search(ctx context.Context, text string, bias *Bias) (SearchResult, error) {
	text = strings.TrimSpace(text)
	if tooShort(text) {
		return EmptySearch(), nil
	}

	key := searchKey(text, bias)
	if cached, ok := lookup[SearchResult](ctx, g, key); ok {
		if cached.Places == nil {
			cached.Places = []StandardPlace{}
		}
		return cached, nil
	}

	if places := g.searchLowCost(ctx, text, bias); len(places) > 0 {
		res := SearchResult{Places: places}
		g.store(ctx, geocache.KindText, key, res)
		return res, nil
	}

	places := g.searchCommercial(ctx, text, bias)
	if err := ctx.Err(); err != nil {
		return EmptySearch(), err
	}
	if len(places) == 0 {
		return EmptySearch(), nil
	}
	res := SearchResult{Places: places}
	g.store(ctx, geocache.KindText, key, res)
	return res, nil
}

func (g *Cascade) searchLowCost(ctx context.Context, text string, bias *Bias) []StandardPlace {
	if g.lowCost == nil {
		return nil
	}
	var places []StandardPlace
	err := g.guard(g.lowCost, func() error {
		var err error
		places, _, err = g.lowCost.Search(ctx, text, bias, 1)
		return err
	})
	if err != nil {
		g.log.Debug("low-cost search failed, falling through", zap.String("provider", g.lowCost.Name()), zap.Error(err))
		return nil
	}
	return places
}

func (g *Cascade) searchCommercial(ctx context.Context, text string, bias *Bias) []StandardPlace {
	allowed, ok := g.admit(ctx, billing.OpTextSearch)
	if !ok {
		return nil
	}
	pages := min(allowed, g.maxPages)

	var places []StandardPlace
	var calls int
	err := g.guard(g.commercial, func() error {
		var err error
		places, calls, err = g.commercial.Search(ctx, text, bias, pages)
		return err
	})
	g.charge(ctx, billing.OpTextSearch, min(calls, pages))
	if err != nil {
		g.log.Warn("commercial search failed", zap.String("provider", g.commercial.Name()), zap.Error(err))
	}
	return places
}

// admit reports whether the commercial provider may be called and how many
// requests the budget allows.
func (g *Cascade) admit(ctx context.Context, op string) (int, bool) {
	if g.commercial == nil || g.budget == nil {
		return 0, false
	}
	n, err := g.budget.Admit(ctx, op)
	switch {
	case errors.Is(err, billing.ErrCommercialDisabled):
		g.log.Debug("commercial provider disabled", zap.String("op", op))
		return 0, false
	case errors.Is(err, billing.ErrBudgetExhausted):
		return 0, false
	case err != nil:
		g.log.Warn("budget check failed, skipping commercial provider", zap.String("op", op), zap.Error(err))
		return 0, false
	}
	return n, n > 0
}

func (g *Cascade) charge(ctx context.Context, op string, n int) {
	if n <= 0 || g.budget == nil {
		return
	}
	if err := g.budget.Charge(context.WithoutCancel(ctx), op, n); err != nil {
		g.log.Error("failed to record commercial charge", zap.String("op", op), zap.Int("calls", n), zap.Error(err))
	}
}

// guard runs fn behind p's circuit breaker.
func (g *Cascade) guard(p Provider, fn func() error) error {
	if g.breakers == nil {
		return fn()
	}
	b := g.breakers.Get(p.Name())
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	b.Record(err)
	return err
}
