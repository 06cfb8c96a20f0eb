package geocode

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/courtatlas/geocurator/internal/billing"
	"github.com/courtatlas/geocurator/internal/facility"
	"github.com/courtatlas/geocurator/internal/geocache"
	"github.com/courtatlas/geocurator/internal/regions"
)

// Reverse implements Gateway. An unanswerable coordinate yields an empty
// ReverseResult, not an error.
func (g *Cascade) Reverse(ctx context.Context, lat, lon float64) (ReverseResult, error) {
	if !facility.ValidCoordinates(lat, lon) {
		return ReverseResult{}, nil
	}

	key := reverseKey(lat, lon, g.reverseDecimals)
	if cached, ok := lookup[ReverseResult](ctx, g, key); ok {
		return cached, nil
	}

	res := g.reverseLowCost(ctx, lat, lon)
	if res.Empty() {
		res = g.reverseCommercial(ctx, lat, lon)
	}
	if err := ctx.Err(); err != nil {
		return ReverseResult{}, err
	}
	if res.Empty() {
		return ReverseResult{}, nil
	}

	res = NormalizeReverse(res)
	g.store(ctx, geocache.KindReverse, key, res)
	return res, nil
}

func (g *Cascade) reverseLowCost(ctx context.Context, lat, lon float64) ReverseResult {
	if g.lowCost == nil {
		return ReverseResult{}
	}
	var res ReverseResult
	err := g.guard(g.lowCost, func() error {
		var err error
		res, err = g.lowCost.Reverse(ctx, lat, lon)
		return err
	})
	if err != nil {
		g.log.Debug("low-cost reverse failed, falling through", zap.String("provider", g.lowCost.Name()), zap.Error(err))
		return ReverseResult{}
	}
	return res
}

func (g *Cascade) reverseCommercial(ctx context.Context, lat, lon float64) ReverseResult {
	if _, ok := g.admit(ctx, billing.OpReverseGeocode); !ok {
		return ReverseResult{}
	}
	var res ReverseResult
	err := g.guard(g.commercial, func() error {
		var err error
		res, err = g.commercial.Reverse(ctx, lat, lon)
		return err
	})
	if err != nil {
		g.log.Warn("commercial reverse failed", zap.String("provider", g.commercial.Name()), zap.Error(err))
		return ReverseResult{}
	}
	g.charge(ctx, billing.OpReverseGeocode, 1)
	return res
}

// NormalizeReverse trims fields and canonicalizes State to its two-letter
// code when it is a recognized state name or code.
func NormalizeReverse(r ReverseResult) ReverseResult {
	r.Address = strings.TrimSpace(r.Address)
	r.City = strings.TrimSpace(r.City)
	r.State = strings.TrimSpace(r.State)
	if code, ok := regions.StateCode(r.State); ok {
		r.State = code
	}
	return r
}
