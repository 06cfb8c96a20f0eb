// Package geocode is the provider-agnostic read path for place search,
// reverse geocoding, and place details: response cache first, then the
// low-cost provider, then the commercial provider under the spend governor.
package geocode

import (
	"context"
	"unicode/utf8"
)

// MinQueryLength is the shortest text query that reaches a provider.
const MinQueryLength = 3

// Gateway is the read path served to callers.
type Gateway interface {
	// Search returns standardized places for text, optionally biased toward
	// an area.
	Search(ctx context.Context, text string, bias *Bias) (SearchResult, error)

	// Reverse resolves a coordinate to a street address, city, and state.
	Reverse(ctx context.Context, lat, lon float64) (ReverseResult, error)

	// Details returns one place by provider id, or nil when unknown.
	Details(ctx context.Context, placeID string) (*StandardPlace, error)
}

// Location is a WGS84 coordinate.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// StandardPlace is a place normalized across providers.
type StandardPlace struct {
	ID               string   `json:"id"`
	DisplayName      string   `json:"displayName"`
	FormattedAddress string   `json:"formattedAddress"`
	Location         Location `json:"location"`
	Provider         string   `json:"provider"`
}

// SearchResult wraps places so an empty answer still encodes as
// {"places": []}.
type SearchResult struct {
	Places []StandardPlace `json:"places"`
}

// EmptySearch is the answer for short queries and total failures.
func EmptySearch() SearchResult {
	return SearchResult{Places: []StandardPlace{}}
}

// ReverseResult is a reverse-geocoded address. All fields are empty when no
// provider could answer.
type ReverseResult struct {
	Address string `json:"address"`
	City    string `json:"city"`
	State   string `json:"state"`
}

// Empty reports whether no field was resolved.
func (r ReverseResult) Empty() bool {
	return r.Address == "" && r.City == "" && r.State == ""
}

// Bias prefers results near a point.
type Bias struct {
	Lat     float64 `json:"lat" validate:"latitude"`
	Lon     float64 `json:"lng" validate:"longitude"`
	RadiusM float64 `json:"radius" validate:"gte=0,lte=50000"`
}

func tooShort(text string) bool {
	return utf8.RuneCountInString(text) < MinQueryLength
}
