package geocode

import (
	"context"
	"regexp"
	"strings"

	"github.com/courtatlas/geocurator/pkg/locationiq"
)

// osmIDPattern matches the LocationIQ lookup id form ("N123", "W45", "R6").
var osmIDPattern = regexp.MustCompile(`^[NWR][0-9]+$`)

// LocationIQProvider adapts a locationiq.Client to Provider.
type LocationIQProvider struct {
	client locationiq.Client
}

// NewLocationIQProvider wraps client.
func NewLocationIQProvider(client locationiq.Client) *LocationIQProvider {
	return &LocationIQProvider{client: client}
}

// Name implements Provider.
func (p *LocationIQProvider) Name() string { return "locationiq" }

// Handles implements Provider.
func (p *LocationIQProvider) Handles(placeID string) bool {
	return osmIDPattern.MatchString(placeID)
}

// Search implements Provider. LocationIQ does not paginate, so maxPages is
// ignored and one request is made.
func (p *LocationIQProvider) Search(ctx context.Context, text string, bias *Bias, _ int) ([]StandardPlace, int, error) {
	req := locationiq.SearchRequest{Query: text}
	if bias != nil {
		req.Bias = &locationiq.Bias{Lat: bias.Lat, Lon: bias.Lon, RadiusM: bias.RadiusM}
	}
	results, err := p.client.Search(ctx, req)
	if err != nil {
		return nil, 1, err
	}
	places := make([]StandardPlace, 0, len(results))
	for _, r := range results {
		if sp, ok := FromLocationIQ(r); ok {
			places = append(places, sp)
		}
	}
	return places, 1, nil
}

// Reverse implements Provider.
func (p *LocationIQProvider) Reverse(ctx context.Context, lat, lon float64) (ReverseResult, error) {
	place, err := p.client.Reverse(ctx, lat, lon)
	if err != nil || place == nil {
		return ReverseResult{}, err
	}
	return ReverseResult{
		Address: place.Address.Street(),
		City:    place.Address.Locality(),
		State:   place.Address.State,
	}, nil
}

// Details implements Provider.
func (p *LocationIQProvider) Details(ctx context.Context, placeID string) (*StandardPlace, error) {
	place, err := p.client.Lookup(ctx, placeID)
	if err != nil || place == nil {
		return nil, err
	}
	sp, ok := FromLocationIQ(*place)
	if !ok {
		return nil, nil
	}
	return &sp, nil
}

// FromLocationIQ standardizes a LocationIQ result. ok is false when the
// result has no usable coordinates.
func FromLocationIQ(p locationiq.Place) (StandardPlace, bool) {
	lat, lon, ok := p.Coordinates()
	if !ok {
		return StandardPlace{}, false
	}
	id := p.LookupID()
	if id == "" {
		id = p.PlaceID
	}
	name := p.Name
	if name == "" {
		name = p.Address.Name
	}
	if name == "" {
		name, _, _ = strings.Cut(p.DisplayName, ",")
	}
	return StandardPlace{
		ID:               id,
		DisplayName:      strings.TrimSpace(name),
		FormattedAddress: p.DisplayName,
		Location:         Location{Lat: lat, Lon: lon},
		Provider:         "locationiq",
	}, true
}
