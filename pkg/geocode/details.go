package geocode

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/courtatlas/geocurator/internal/billing"
	"github.com/courtatlas/geocurator/internal/geocache"
)

// Details implements Gateway. The id decides which provider is asked; a
// commercial id goes through the budget like any other paid call.
func (g *Cascade) Details(ctx context.Context, placeID string) (*StandardPlace, error) {
	placeID = strings.TrimSpace(placeID)
	if placeID == "" {
		return nil, nil
	}

	key := detailsKey(placeID)
	if cached, ok := lookup[StandardPlace](ctx, g, key); ok {
		return &cached, nil
	}

	var place *StandardPlace
	switch {
	case g.lowCost != nil && g.lowCost.Handles(placeID):
		err := g.guard(g.lowCost, func() error {
			var err error
			place, err = g.lowCost.Details(ctx, placeID)
			return err
		})
		if err != nil {
			g.log.Debug("low-cost details failed", zap.String("place_id", placeID), zap.Error(err))
			place = nil
		}
	case g.commercial != nil && g.commercial.Handles(placeID):
		if _, ok := g.admit(ctx, billing.OpPlaceDetails); !ok {
			break
		}
		err := g.guard(g.commercial, func() error {
			var err error
			place, err = g.commercial.Details(ctx, placeID)
			return err
		})
		if err != nil {
			g.log.Warn("commercial details failed", zap.String("place_id", placeID), zap.Error(err))
			place = nil
			break
		}
		g.charge(ctx, billing.OpPlaceDetails, 1)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if place == nil {
		return nil, nil
	}
	g.store(ctx, geocache.KindDetails, key, place)
	return place, nil
}
