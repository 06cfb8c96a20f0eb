// Package overpass queries OpenStreetMap data through the Overpass API,
// rotating across mirror endpoints.
package overpass

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/xy"
	"go.uber.org/zap"

	"github.com/courtatlas/geocurator/internal/resilience"
)

// ErrAllMirrorsFailed is returned alongside an empty result when every mirror
// failed to answer.
var ErrAllMirrorsFailed = eris.New("overpass: all mirrors failed")

// DefaultMirrors is the public mirror list.
var DefaultMirrors = []string{
	"https://overpass-api.de/api/interpreter",
	"https://overpass.kumi.systems/api/interpreter",
	"https://overpass.private.coffee/api/interpreter",
}

// Client fetches facility candidates, counts, and populated places.
type Client interface {
	FetchCandidates(ctx context.Context, isoCode string, sports []string, phase Phase) ([]Element, error)
	FetchCount(ctx context.Context, isoCode string, sports []string) (int, error)
	FetchCities(ctx context.Context, isoCode string, topK int) ([]City, error)
	FetchAround(ctx context.Context, lat, lon, radiusM float64, sports []string) ([]Element, error)
}

// Point is a lat/lon pair as Overpass encodes it.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Element is one OSM feature from an Overpass response.
type Element struct {
	Type     string            `json:"type"`
	ID       int64             `json:"id"`
	Lat      float64           `json:"lat"`
	Lon      float64           `json:"lon"`
	Center   *Point            `json:"center,omitempty"`
	Geometry []Point           `json:"geometry,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// Position returns the element's representative coordinate: the node itself,
// the server-computed center, or the centroid of its geometry. ok is false
// when none is available.
func (e Element) Position() (lat, lon float64, ok bool) {
	if e.Type == "node" {
		return e.Lat, e.Lon, true
	}
	if e.Center != nil {
		return e.Center.Lat, e.Center.Lon, true
	}
	return centroid(e.Geometry)
}

func centroid(pts []Point) (lat, lon float64, ok bool) {
	if len(pts) == 0 {
		return 0, 0, false
	}
	flat := make([]float64, 0, len(pts)*2)
	for _, p := range pts {
		flat = append(flat, p.Lon, p.Lat)
	}

	var g geom.T
	closed := len(pts) >= 4 && pts[0] == pts[len(pts)-1]
	switch {
	case len(pts) == 1:
		return pts[0].Lat, pts[0].Lon, true
	case closed:
		g = geom.NewPolygonFlat(geom.XY, flat, []int{len(flat)})
	default:
		g = geom.NewLineStringFlat(geom.XY, flat)
	}

	c, err := xy.Centroid(g)
	if err != nil || len(c) < 2 {
		return 0, 0, false
	}
	return c[1], c[0], true
}

// City is a populated place used to seed backfill tasks.
type City struct {
	Name       string
	Lat        float64
	Lon        float64
	Population int
}

type response struct {
	Remark   string    `json:"remark"`
	Elements []Element `json:"elements"`
}

// Option configures the client.
type Option func(*httpClient)

// WithMirrors replaces the mirror list.
func WithMirrors(mirrors []string) Option {
	return func(c *httpClient) {
		if len(mirrors) > 0 {
			c.rotation.Candidates = mirrors
		}
	}
}

// WithAttemptsPerMirror sets how many tries each mirror gets.
func WithAttemptsPerMirror(n int) Option {
	return func(c *httpClient) {
		c.rotation.AttemptsPerCandidate = n
	}
}

// WithBaseDelay sets the linear backoff step after a retryable status.
func WithBaseDelay(d time.Duration) Option {
	return func(c *httpClient) {
		c.rotation.Backoff = resilience.LinearJitterBackoff(d, d/2)
	}
}

// WithTimeout sets both the server-side query timeout and the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.timeoutSecs = int(d / time.Second)
		c.http.Timeout = d + 5*time.Second
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRotation replaces the mirror rotation strategy wholesale.
func WithRotation(r resilience.Rotation) Option {
	return func(c *httpClient) {
		c.rotation = r
	}
}

type httpClient struct {
	http        *http.Client
	rotation    resilience.Rotation
	timeoutSecs int
}

// NewClient creates an Overpass client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		http: &http.Client{Timeout: 65 * time.Second},
		rotation: resilience.Rotation{
			Candidates:           DefaultMirrors,
			AttemptsPerCandidate: 2,
			Backoff:              resilience.LinearJitterBackoff(1500*time.Millisecond, 750*time.Millisecond),
			Retryable:            resilience.MirrorRetryableStatus,
		},
		timeoutSecs: 60,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) FetchCandidates(ctx context.Context, isoCode string, sports []string, phase Phase) ([]Element, error) {
	return c.elements(ctx, CandidatesQuery(isoCode, sports, phase, c.timeoutSecs))
}

func (c *httpClient) FetchAround(ctx context.Context, lat, lon, radiusM float64, sports []string) ([]Element, error) {
	return c.elements(ctx, AroundQuery(lat, lon, radiusM, sports, c.timeoutSecs))
}

func (c *httpClient) FetchCount(ctx context.Context, isoCode string, sports []string) (int, error) {
	resp, err := c.query(ctx, CountQuery(isoCode, sports, c.timeoutSecs))
	if err != nil {
		return 0, err
	}
	for _, el := range resp.Elements {
		if el.Type != "count" {
			continue
		}
		total, err := strconv.Atoi(el.Tags["total"])
		if err != nil {
			return 0, eris.Wrapf(err, "overpass: parse count %q", el.Tags["total"])
		}
		return total, nil
	}
	return 0, eris.New("overpass: count element missing")
}

func (c *httpClient) FetchCities(ctx context.Context, isoCode string, topK int) ([]City, error) {
	resp, err := c.query(ctx, CitiesQuery(isoCode, c.timeoutSecs))
	if err != nil {
		return []City{}, err
	}

	cities := make([]City, 0, len(resp.Elements))
	for _, el := range resp.Elements {
		name := el.Tags["name"]
		pop, ok := ParsePopulation(el.Tags["population"])
		lat, lon, hasPos := el.Position()
		if name == "" || !ok || !hasPos {
			continue
		}
		cities = append(cities, City{Name: name, Lat: lat, Lon: lon, Population: pop})
	}
	sort.SliceStable(cities, func(i, j int) bool {
		if cities[i].Population != cities[j].Population {
			return cities[i].Population > cities[j].Population
		}
		return cities[i].Name < cities[j].Name
	})
	if topK > 0 && len(cities) > topK {
		cities = cities[:topK]
	}
	return cities, nil
}

// ParsePopulation reads an OSM population tag, tolerating thousands
// separators ("1,234,567" or "1 234").
func ParsePopulation(s string) (int, bool) {
	s = strings.NewReplacer(",", "", " ", "", "_", "").Replace(strings.TrimSpace(s))
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (c *httpClient) elements(ctx context.Context, q string) ([]Element, error) {
	resp, err := c.query(ctx, q)
	if err != nil {
		return []Element{}, err
	}
	if resp.Elements == nil {
		return []Element{}, nil
	}
	return resp.Elements, nil
}

// query runs q through the mirror rotation.
func (c *httpClient) query(ctx context.Context, q string) (*response, error) {
	var out response
	mirror, err := c.rotation.Run(ctx, func(ctx context.Context, mirror string) error {
		r, err := c.post(ctx, mirror, q)
		if err != nil {
			return err
		}
		out = *r
		return nil
	})
	if err != nil {
		if errors.Is(err, resilience.ErrAllCandidatesFailed) {
			zap.L().Warn("overpass: all mirrors failed", zap.Error(err))
			return nil, eris.Wrap(ErrAllMirrorsFailed, err.Error())
		}
		return nil, eris.Wrap(err, "overpass: query")
	}
	zap.L().Debug("overpass: query served", zap.String("mirror", mirror), zap.Int("elements", len(out.Elements)))
	return &out, nil
}

func (c *httpClient) post(ctx context.Context, mirror, q string) (*response, error) {
	form := url.Values{"data": {q}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, mirror, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, eris.Wrap(err, "overpass: create request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "overpass: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "overpass: read response")
	}
	if err := resilience.CheckStatus("overpass", resp.StatusCode, body); err != nil {
		return nil, err
	}

	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, eris.Wrap(err, "overpass: unmarshal response")
	}
	// Timeouts and memory exhaustion come back as 200 with a remark.
	if strings.Contains(r.Remark, "error") {
		return nil, eris.Errorf("overpass: %s", r.Remark)
	}
	return &r, nil
}
