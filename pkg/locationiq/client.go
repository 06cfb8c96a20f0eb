// Package locationiq is a client for the LocationIQ search, reverse, and
// lookup endpoints (the low-cost geocoding tier).
package locationiq

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/courtatlas/geocurator/internal/resilience"
)

const defaultBaseURL = "https://us1.locationiq.com/v1"

// Client performs LocationIQ operations. A query with no match returns an
// empty result and a nil error.
type Client interface {
	Search(ctx context.Context, req SearchRequest) ([]Place, error)
	Reverse(ctx context.Context, lat, lon float64) (*Place, error)
	Lookup(ctx context.Context, osmID string) (*Place, error)
}

// Bias prefers results inside a circle around a point.
type Bias struct {
	Lat     float64
	Lon     float64
	RadiusM float64
}

// SearchRequest is a free-text forward geocode.
type SearchRequest struct {
	Query string
	Bias  *Bias
	Limit int
}

// Place is a LocationIQ result. Coordinates arrive as strings.
type Place struct {
	PlaceID     string  `json:"place_id"`
	OSMType     string  `json:"osm_type"`
	OSMID       string  `json:"osm_id"`
	Lat         string  `json:"lat"`
	Lon         string  `json:"lon"`
	Name        string  `json:"name"`
	DisplayName string  `json:"display_name"`
	Address     Address `json:"address"`
}

// Address is the addressdetails breakdown.
type Address struct {
	Name        string `json:"name"`
	HouseNumber string `json:"house_number"`
	Road        string `json:"road"`
	City        string `json:"city"`
	Town        string `json:"town"`
	Village     string `json:"village"`
	Hamlet      string `json:"hamlet"`
	State       string `json:"state"`
	Postcode    string `json:"postcode"`
	CountryCode string `json:"country_code"`
}

// Street joins the house number and road.
func (a Address) Street() string {
	return strings.TrimSpace(a.HouseNumber + " " + a.Road)
}

// Locality returns the most specific populated settlement name.
func (a Address) Locality() string {
	for _, s := range []string{a.City, a.Town, a.Village, a.Hamlet} {
		if s != "" {
			return s
		}
	}
	return ""
}

// Coordinates parses Lat/Lon. ok is false when either is missing or invalid.
func (p Place) Coordinates() (lat, lon float64, ok bool) {
	lat, err := strconv.ParseFloat(p.Lat, 64)
	if err != nil {
		return 0, 0, false
	}
	lon, err = strconv.ParseFloat(p.Lon, 64)
	if err != nil {
		return 0, 0, false
	}
	return lat, lon, true
}

// LookupID is the osm_ids form ("W123") used by Lookup, or "" when the place
// carries no OSM reference.
func (p Place) LookupID() string {
	if p.OSMType == "" || p.OSMID == "" {
		return ""
	}
	return strings.ToUpper(p.OSMType[:1]) + p.OSMID
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the API base URL (regional endpoints or tests).
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit sets the requests-per-second limit. Zero disables limiting.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))
	}
}

// WithRetry overrides the retry policy for transient failures.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(c *httpClient) {
		c.retry = cfg
	}
}

type httpClient struct {
	key     string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig
}

// NewClient creates a LocationIQ client. The free plan allows 2 req/s.
func NewClient(key string, opts ...Option) Client {
	c := &httpClient{
		key:     key,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(2, 2),
		retry:   resilience.DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.retry.OnRetry == nil {
		c.retry.OnRetry = resilience.RetryLogger("locationiq", "request")
	}
	return c
}

func (c *httpClient) Search(ctx context.Context, req SearchRequest) ([]Place, error) {
	q := strings.TrimSpace(req.Query)
	if q == "" {
		return nil, nil
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	params := url.Values{
		"q":              {q},
		"limit":          {strconv.Itoa(limit)},
		"addressdetails": {"1"},
		"countrycodes":   {"us"},
	}
	if req.Bias != nil {
		params.Set("viewbox", viewbox(*req.Bias))
		params.Set("bounded", "0")
	}

	var places []Place
	found, err := c.get(ctx, "/search", params, &places)
	if err != nil || !found {
		return nil, err
	}
	return places, nil
}

func (c *httpClient) Reverse(ctx context.Context, lat, lon float64) (*Place, error) {
	params := url.Values{
		"lat":            {strconv.FormatFloat(lat, 'f', -1, 64)},
		"lon":            {strconv.FormatFloat(lon, 'f', -1, 64)},
		"addressdetails": {"1"},
	}
	var place Place
	found, err := c.get(ctx, "/reverse", params, &place)
	if err != nil || !found {
		return nil, err
	}
	return &place, nil
}

func (c *httpClient) Lookup(ctx context.Context, osmID string) (*Place, error) {
	if osmID == "" {
		return nil, eris.New("locationiq: empty osm id")
	}
	params := url.Values{
		"osm_ids":        {osmID},
		"addressdetails": {"1"},
	}
	var places []Place
	found, err := c.get(ctx, "/lookup", params, &places)
	if err != nil || !found || len(places) == 0 {
		return nil, err
	}
	return &places[0], nil
}

// get issues a GET with retries. found is false for LocationIQ's 404
// "Unable to geocode" answer.
func (c *httpClient) get(ctx context.Context, path string, params url.Values, dst any) (bool, error) {
	params.Set("key", c.key)
	params.Set("format", "json")
	reqURL := c.baseURL + path + "?" + params.Encode()

	body, err := resilience.Do(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "locationiq: rate limit")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "locationiq: create request")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, eris.Wrap(err, "locationiq: send request")
		}
		defer resp.Body.Close() //nolint:errcheck

		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, eris.Wrap(err, "locationiq: read response")
		}
		if resp.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		if err := resilience.CheckStatus("locationiq", resp.StatusCode, b); err != nil {
			return nil, err
		}
		return b, nil
	})
	if err != nil {
		return false, err
	}
	if body == nil {
		return false, nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return false, eris.Wrap(err, "locationiq: unmarshal response")
	}
	return true, nil
}

// viewbox converts a bias circle to the "lon1,lat1,lon2,lat2" box LocationIQ
// expects.
func viewbox(b Bias) string {
	const metersPerDegree = 111320.0
	dLat := b.RadiusM / metersPerDegree
	dLon := dLat
	if c := math.Cos(b.Lat * math.Pi / 180); c > 0.01 {
		dLon = dLat / c
	}
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 5, 64) }
	return strings.Join([]string{f(b.Lon - dLon), f(b.Lat + dLat), f(b.Lon + dLon), f(b.Lat - dLat)}, ",")
}
