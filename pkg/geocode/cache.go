package geocode

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/courtatlas/geocurator/internal/geocache"
)

func searchKey(text string, bias *Bias) string {
	params := map[string]any{"text": text}
	if bias != nil {
		params["bias"] = map[string]any{
			"lat":    bias.Lat,
			"lon":    bias.Lon,
			"radius": bias.RadiusM,
		}
	}
	return geocache.Key(geocache.KindText, params)
}

func reverseKey(lat, lon float64, decimals int) string {
	return geocache.Key(geocache.KindReverse, map[string]any{
		"lat": RoundTo(lat, decimals),
		"lon": RoundTo(lon, decimals),
	})
}

func detailsKey(placeID string) string {
	return geocache.Key(geocache.KindDetails, map[string]any{"placeId": placeID})
}

// RoundTo rounds v to the given number of decimal places.
func RoundTo(v float64, decimals int) float64 {
	p := math.Pow10(decimals)
	r := math.Round(v*p) / p
	if r == 0 {
		return 0
	}
	return r
}

// lookup reads key from the cache. Read failures are misses.
func lookup[T any](ctx context.Context, g *Cascade, key string) (T, bool) {
	var zero T
	if g.cache == nil {
		return zero, false
	}
	v, ok, err := geocache.Lookup[T](ctx, g.cache, key)
	if err != nil {
		g.log.Debug("cache read failed, treating as miss", zap.String("key", key), zap.Error(err))
		return zero, false
	}
	return v, ok
}

// store writes a non-empty answer. Write failures are logged only.
func (g *Cascade) store(ctx context.Context, kind geocache.Kind, key string, payload any) {
	if g.cache == nil {
		return
	}
	if err := g.cache.Set(ctx, kind, key, payload); err != nil {
		g.log.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}
