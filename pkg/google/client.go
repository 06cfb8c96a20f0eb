// Package google wraps the commercial Google Places API (New) and the
// Geocoding API reverse lookup.
package google

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/courtatlas/geocurator/internal/resilience"
)

const (
	defaultBaseURL    = "https://places.googleapis.com/v1"
	defaultGeocodeURL = "https://maps.googleapis.com/maps/api/geocode/json"

	placeFieldMask  = "id,displayName,formattedAddress,location"
	searchFieldMask = "places.id,places.displayName,places.formattedAddress,places.location,nextPageToken"
)

// Client performs Google Places and Geocoding API operations.
type Client interface {
	TextSearch(ctx context.Context, req TextSearchRequest) (*TextSearchResponse, error)
	PlaceDetails(ctx context.Context, placeID string) (*Place, error)
	Reverse(ctx context.Context, lat, lon float64) (*ReverseResponse, error)
}

// Circle biases a text search toward an area.
type Circle struct {
	Lat     float64
	Lon     float64
	RadiusM float64
}

// TextSearchRequest is one page of a Places text search.
type TextSearchRequest struct {
	Query     string
	Bias      *Circle
	PageToken string
	PageSize  int
}

// TextSearchResponse is the response from Places Text Search.
type TextSearchResponse struct {
	Places        []Place `json:"places"`
	NextPageToken string  `json:"nextPageToken"`
}

// Place represents a place returned by the API.
type Place struct {
	ID               string      `json:"id"`
	DisplayName      DisplayName `json:"displayName"`
	FormattedAddress string      `json:"formattedAddress"`
	Location         *LatLng     `json:"location,omitempty"`
}

// DisplayName holds the place's display name.
type DisplayName struct {
	Text string `json:"text"`
}

// LatLng is a Places API coordinate pair.
type LatLng struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// ReverseResponse is the first Geocoding API result for a coordinate. Empty
// fields mean the API had no answer.
type ReverseResponse struct {
	FormattedAddress string
	Street           string
	City             string
	State            string
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default Places API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithGeocodeURL overrides the Geocoding API endpoint.
func WithGeocodeURL(url string) Option {
	return func(c *httpClient) {
		c.geocodeURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit caps outbound requests per second.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

type httpClient struct {
	apiKey     string
	baseURL    string
	geocodeURL string
	http       *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a Google API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		geocodeURL: defaultGeocodeURL,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		limiter: rate.NewLimiter(10, 10),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type textSearchBody struct {
	TextQuery    string        `json:"textQuery"`
	PageSize     int           `json:"pageSize,omitempty"`
	PageToken    string        `json:"pageToken,omitempty"`
	LocationBias *locationBias `json:"locationBias,omitempty"`
}

type locationBias struct {
	Circle circleBody `json:"circle"`
}

type circleBody struct {
	Center LatLng  `json:"center"`
	Radius float64 `json:"radius"`
}

func (c *httpClient) TextSearch(ctx context.Context, in TextSearchRequest) (*TextSearchResponse, error) {
	reqBody := textSearchBody{
		TextQuery: in.Query,
		PageSize:  in.PageSize,
		PageToken: in.PageToken,
	}
	if in.Bias != nil {
		reqBody.LocationBias = &locationBias{Circle: circleBody{
			Center: LatLng{Latitude: in.Bias.Lat, Longitude: in.Bias.Lon},
			Radius: in.Bias.RadiusM,
		}}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, eris.Wrap(err, "google: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/places:searchText", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "google: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-FieldMask", searchFieldMask)

	var result TextSearchResponse
	if err := c.do(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *httpClient) PlaceDetails(ctx context.Context, placeID string) (*Place, error) {
	if strings.TrimSpace(placeID) == "" {
		return nil, eris.New("google: empty place id")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/places/"+url.PathEscape(placeID), nil)
	if err != nil {
		return nil, eris.Wrap(err, "google: create request")
	}
	req.Header.Set("X-Goog-FieldMask", placeFieldMask)

	var place Place
	if err := c.do(req, &place); err != nil {
		return nil, err
	}
	return &place, nil
}

type geocodeResponse struct {
	Status       string          `json:"status"`
	ErrorMessage string          `json:"error_message"`
	Results      []geocodeResult `json:"results"`
}

type geocodeResult struct {
	FormattedAddress  string             `json:"formatted_address"`
	AddressComponents []addressComponent `json:"address_components"`
}

type addressComponent struct {
	LongName  string   `json:"long_name"`
	ShortName string   `json:"short_name"`
	Types     []string `json:"types"`
}

func (a addressComponent) is(t string) bool {
	for _, have := range a.Types {
		if have == t {
			return true
		}
	}
	return false
}

func (c *httpClient) Reverse(ctx context.Context, lat, lon float64) (*ReverseResponse, error) {
	params := url.Values{
		"latlng": {fmt.Sprintf("%f,%f", lat, lon)},
		"key":    {c.apiKey},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.geocodeURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "google: create request")
	}

	var gr geocodeResponse
	if err := c.do(req, &gr); err != nil {
		return nil, err
	}

	switch gr.Status {
	case "OK":
	case "ZERO_RESULTS":
		return &ReverseResponse{}, nil
	case "OVER_QUERY_LIMIT", "UNKNOWN_ERROR":
		return nil, resilience.NewTransientError(eris.Errorf("google: geocode status %s", gr.Status), http.StatusTooManyRequests)
	default:
		return nil, eris.Errorf("google: geocode status %s: %s", gr.Status, gr.ErrorMessage)
	}
	if len(gr.Results) == 0 {
		return &ReverseResponse{}, nil
	}

	first := gr.Results[0]
	out := &ReverseResponse{FormattedAddress: first.FormattedAddress}
	var number, route string
	for _, comp := range first.AddressComponents {
		switch {
		case comp.is("street_number"):
			number = comp.LongName
		case comp.is("route"):
			route = comp.LongName
		case comp.is("locality"):
			out.City = comp.LongName
		case comp.is("postal_town") && out.City == "":
			out.City = comp.LongName
		case comp.is("administrative_area_level_1"):
			out.State = comp.ShortName
		}
	}
	out.Street = strings.TrimSpace(number + " " + route)
	return out, nil
}

// do waits on the limiter, sends req with the API key header, and decodes a
// 2xx JSON body into dst.
func (c *httpClient) do(req *http.Request, dst any) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return eris.Wrap(err, "google: rate limit")
	}
	req.Header.Set("X-Goog-Api-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "google: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "google: read response")
	}

	if err := resilience.CheckStatus("google", resp.StatusCode, respBody); err != nil {
		return err
	}

	if err := json.Unmarshal(respBody, dst); err != nil {
		return eris.Wrap(err, "google: unmarshal response")
	}
	return nil
}
