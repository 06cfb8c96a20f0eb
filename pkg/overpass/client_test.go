package overpass

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courtatlas/geocurator/internal/resilience"
)

func noSleep(context.Context, time.Duration) error { return nil }

// testRotation keeps mirror order fixed and skips real backoff.
func testRotation(mirrors ...string) resilience.Rotation {
	return resilience.Rotation{
		Candidates:           mirrors,
		AttemptsPerCandidate: 2,
		Backoff:              resilience.LinearJitterBackoff(time.Millisecond, 0),
		Retryable:            resilience.MirrorRetryableStatus,
		Shuffle:              func([]string) {},
		Sleep:                noSleep,
	}
}

type hitCounter struct {
	mu   sync.Mutex
	hits map[string]int
}

func (h *hitCounter) add(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.hits == nil {
		h.hits = map[string]int{}
	}
	h.hits[name]++
	return h.hits[name]
}

func (h *hitCounter) get(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hits[name]
}

func TestFetchCandidates_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		q := r.PostForm.Get("data")
		assert.Contains(t, q, `area["ISO3166-2"="US-TX"]`)
		assert.Contains(t, q, `node["sport"~"basketball|tennis|pickleball",i](area.a);`)
		assert.Contains(t, q, `way["name"~"basketball|tennis|pickleball",i](area.a);`)

		_, _ = w.Write([]byte(`{"elements":[
			{"type":"node","id":1,"lat":30.1,"lon":-97.1,"tags":{"sport":"tennis"}},
			{"type":"way","id":2,"center":{"lat":30.2,"lon":-97.2},"tags":{"sport":"basketball"}}
		]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient(WithRotation(testRotation(srv.URL)))
	els, err := c.FetchCandidates(context.Background(), "US-TX", nil, PhaseFull)
	require.NoError(t, err)
	require.Len(t, els, 2)

	lat, lon, ok := els[1].Position()
	require.True(t, ok)
	assert.InDelta(t, 30.2, lat, 1e-9)
	assert.InDelta(t, -97.2, lon, 1e-9)
}

func TestFetchCandidates_RotatesPastFailingMirror(t *testing.T) {
	var hits hitCounter
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.add("bad")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer bad.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.add("broken")
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer broken.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.add("good")
		_, _ = w.Write([]byte(`{"elements":[{"type":"node","id":7,"lat":1,"lon":2}]}`)) //nolint:errcheck
	}))
	defer good.Close()

	c := NewClient(WithRotation(testRotation(bad.URL, broken.URL, good.URL)))
	els, err := c.FetchCandidates(context.Background(), "US-CA", nil, PhaseCoarse)
	require.NoError(t, err)
	require.Len(t, els, 1)

	assert.Equal(t, 2, hits.get("bad"), "retryable status gets both attempts")
	assert.Equal(t, 1, hits.get("broken"), "non-retryable status moves on immediately")
	assert.Equal(t, 1, hits.get("good"))
}

func TestFetchCandidates_AllMirrorsFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(WithRotation(testRotation(srv.URL, srv.URL)))
	els, err := c.FetchCandidates(context.Background(), "US-CA", nil, PhaseCoarse)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAllMirrorsFailed))
	assert.NotNil(t, els)
	assert.Empty(t, els)
}

func TestFetchCandidates_RuntimeRemarkIsFailure(t *testing.T) {
	var hits hitCounter
	timedOut := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.add("timeout")
		_, _ = w.Write([]byte(`{"elements":[],"remark":"runtime error: Query timed out in \"query\" at line 3"}`)) //nolint:errcheck
	}))
	defer timedOut.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"elements":[{"type":"node","id":1,"lat":1,"lon":1}]}`)) //nolint:errcheck
	}))
	defer good.Close()

	c := NewClient(WithRotation(testRotation(timedOut.URL, good.URL)))
	els, err := c.FetchCandidates(context.Background(), "US-NY", nil, PhaseCoarse)
	require.NoError(t, err)
	assert.Len(t, els, 1)
	assert.Equal(t, 1, hits.get("timeout"))
}

func TestFetchCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Contains(t, r.PostForm.Get("data"), "out count;")
		_, _ = w.Write([]byte(`{"elements":[{"type":"count","id":0,"tags":{"nodes":"10","ways":"5","relations":"0","total":"15"}}]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	n, err := NewClient(WithRotation(testRotation(srv.URL))).FetchCount(context.Background(), "US-WA", nil)
	require.NoError(t, err)
	assert.Equal(t, 15, n)
}

func TestFetchCount_MissingElement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"elements":[]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := NewClient(WithRotation(testRotation(srv.URL))).FetchCount(context.Background(), "US-WA", nil)
	assert.Error(t, err)
}

func TestFetchCities_SortsAndTrims(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"elements":[
			{"type":"node","id":1,"lat":47.25,"lon":-122.44,"tags":{"name":"Tacoma","population":"219,346"}},
			{"type":"node","id":2,"lat":47.61,"lon":-122.33,"tags":{"name":"Seattle","population":"737015"}},
			{"type":"node","id":3,"lat":47.66,"lon":-117.42,"tags":{"name":"Spokane","population":"228989"}},
			{"type":"node","id":4,"lat":47.0,"lon":-120.0,"tags":{"name":"Nowhere","population":"unknown"}}
		]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	cities, err := NewClient(WithRotation(testRotation(srv.URL))).FetchCities(context.Background(), "US-WA", 2)
	require.NoError(t, err)
	require.Len(t, cities, 2)
	assert.Equal(t, "Seattle", cities[0].Name)
	assert.Equal(t, "Spokane", cities[1].Name)
	assert.Equal(t, 737015, cities[0].Population)
}

func TestFetchAround(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Contains(t, r.PostForm.Get("data"), "(around:5000,47.610000,-122.330000)")
		_, _ = w.Write([]byte(`{"elements":[]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	els, err := NewClient(WithRotation(testRotation(srv.URL))).FetchAround(context.Background(), 47.61, -122.33, 5000, []string{"tennis"})
	require.NoError(t, err)
	assert.Empty(t, els)
}

func TestPosition_GeometryCentroid(t *testing.T) {
	square := Element{Type: "way", Geometry: []Point{
		{Lat: 0, Lon: 0}, {Lat: 0, Lon: 2}, {Lat: 2, Lon: 2}, {Lat: 2, Lon: 0}, {Lat: 0, Lon: 0},
	}}
	lat, lon, ok := square.Position()
	require.True(t, ok)
	assert.InDelta(t, 1.0, lat, 1e-9)
	assert.InDelta(t, 1.0, lon, 1e-9)

	line := Element{Type: "way", Geometry: []Point{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 4}}}
	lat, lon, ok = line.Position()
	require.True(t, ok)
	assert.InDelta(t, 0.0, lat, 1e-9)
	assert.InDelta(t, 2.0, lon, 1e-9)

	_, _, ok = Element{Type: "relation"}.Position()
	assert.False(t, ok)
}

func TestParsePopulation(t *testing.T) {
	n, ok := ParsePopulation("1,234,567")
	assert.True(t, ok)
	assert.Equal(t, 1234567, n)

	n, ok = ParsePopulation(" 12 000 ")
	assert.True(t, ok)
	assert.Equal(t, 12000, n)

	_, ok = ParsePopulation("approx 5k")
	assert.False(t, ok)
	_, ok = ParsePopulation("")
	assert.False(t, ok)
}
