package geocode

import (
	"context"
	"strings"

	"github.com/courtatlas/geocurator/pkg/google"
)

// GoogleProvider adapts a google.Client to Provider.
type GoogleProvider struct {
	client google.Client
}

// NewGoogleProvider wraps client.
func NewGoogleProvider(client google.Client) *GoogleProvider {
	return &GoogleProvider{client: client}
}

// Name implements Provider.
func (p *GoogleProvider) Name() string { return "google" }

// Handles implements Provider. Anything that is not an OSM lookup id is
// treated as a Google place id.
func (p *GoogleProvider) Handles(placeID string) bool {
	return placeID != "" && !osmIDPattern.MatchString(placeID)
}

// Search implements Provider, following nextPageToken for up to maxPages
// requests. Only successful requests are counted.
func (p *GoogleProvider) Search(ctx context.Context, text string, bias *Bias, maxPages int) ([]StandardPlace, int, error) {
	if maxPages <= 0 {
		maxPages = 1
	}
	req := google.TextSearchRequest{Query: text}
	if bias != nil {
		req.Bias = &google.Circle{Lat: bias.Lat, Lon: bias.Lon, RadiusM: bias.RadiusM}
	}

	var places []StandardPlace
	calls := 0
	for calls < maxPages {
		resp, err := p.client.TextSearch(ctx, req)
		if err != nil {
			return places, calls, err
		}
		calls++
		for _, gp := range resp.Places {
			if sp, ok := FromGoogle(gp); ok {
				places = append(places, sp)
			}
		}
		if resp.NextPageToken == "" {
			break
		}
		req.PageToken = resp.NextPageToken
	}
	return places, calls, nil
}

// Reverse implements Provider.
func (p *GoogleProvider) Reverse(ctx context.Context, lat, lon float64) (ReverseResult, error) {
	resp, err := p.client.Reverse(ctx, lat, lon)
	if err != nil || resp == nil {
		return ReverseResult{}, err
	}
	addr := resp.Street
	if addr == "" {
		addr, _, _ = strings.Cut(resp.FormattedAddress, ",")
	}
	return ReverseResult{Address: addr, City: resp.City, State: resp.State}, nil
}

// Details implements Provider.
func (p *GoogleProvider) Details(ctx context.Context, placeID string) (*StandardPlace, error) {
	gp, err := p.client.PlaceDetails(ctx, placeID)
	if err != nil || gp == nil {
		return nil, err
	}
	sp, ok := FromGoogle(*gp)
	if !ok {
		return nil, nil
	}
	return &sp, nil
}

// FromGoogle standardizes a Places API result. ok is false when the place has
// no location.
func FromGoogle(p google.Place) (StandardPlace, bool) {
	if p.Location == nil {
		return StandardPlace{}, false
	}
	return StandardPlace{
		ID:               p.ID,
		DisplayName:      p.DisplayName.Text,
		FormattedAddress: p.FormattedAddress,
		Location:         Location{Lat: p.Location.Latitude, Lon: p.Location.Longitude},
		Provider:         "google",
	}, true
}
