package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courtatlas/geocurator/internal/resilience"
)

func newTestClient(srvURL string) Client {
	return NewClient("test-key",
		WithBaseURL(srvURL),
		WithGeocodeURL(srvURL+"/geocode/json"),
		WithRateLimit(0),
	)
}

func TestTextSearch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/places:searchText", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Goog-Api-Key"))
		assert.Contains(t, r.Header.Get("X-Goog-FieldMask"), "places.location")
		assert.Contains(t, r.Header.Get("X-Goog-FieldMask"), "nextPageToken")

		var body textSearchBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "tennis courts austin", body.TextQuery)
		require.NotNil(t, body.LocationBias)
		assert.InDelta(t, 30.27, body.LocationBias.Circle.Center.Latitude, 0.001)
		assert.InDelta(t, 5000, body.LocationBias.Circle.Radius, 0.001)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(TextSearchResponse{
			Places: []Place{{
				ID:               "ChIJ-court",
				DisplayName:      DisplayName{Text: "Zilker Park Tennis"},
				FormattedAddress: "2220 Barton Springs Rd, Austin, TX 78746",
				Location:         &LatLng{Latitude: 30.266, Longitude: -97.77},
			}},
			NextPageToken: "tok-2",
		})
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)
	resp, err := client.TextSearch(context.Background(), TextSearchRequest{
		Query: "tennis courts austin",
		Bias:  &Circle{Lat: 30.27, Lon: -97.74, RadiusM: 5000},
	})

	require.NoError(t, err)
	require.Len(t, resp.Places, 1)
	assert.Equal(t, "ChIJ-court", resp.Places[0].ID)
	assert.Equal(t, "Zilker Park Tennis", resp.Places[0].DisplayName.Text)
	require.NotNil(t, resp.Places[0].Location)
	assert.InDelta(t, -97.77, resp.Places[0].Location.Longitude, 0.001)
	assert.Equal(t, "tok-2", resp.NextPageToken)
}

func TestTextSearch_Pagination(t *testing.T) {
	callCount := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		var body textSearchBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		if body.PageToken == "" {
			_ = json.NewEncoder(w).Encode(TextSearchResponse{
				Places:        []Place{{ID: "place-1"}},
				NextPageToken: "page-2-token",
			})
			return
		}
		assert.Equal(t, "page-2-token", body.PageToken)
		_ = json.NewEncoder(w).Encode(TextSearchResponse{Places: []Place{{ID: "place-2"}}})
	}))
	defer srv.Close()

	client := newTestClient(srv.URL)

	resp, err := client.TextSearch(context.Background(), TextSearchRequest{Query: "courts"})
	require.NoError(t, err)
	assert.Equal(t, "page-2-token", resp.NextPageToken)

	resp, err = client.TextSearch(context.Background(), TextSearchRequest{Query: "courts", PageToken: resp.NextPageToken})
	require.NoError(t, err)
	require.Len(t, resp.Places, 1)
	assert.Equal(t, "place-2", resp.Places[0].ID)
	assert.Empty(t, resp.NextPageToken)
	assert.Equal(t, 2, callCount)
}

func TestTextSearch_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error": "invalid API key"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL).TextSearch(context.Background(), TextSearchRequest{Query: "test query"})

	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Contains(t, err.Error(), "403")
	assert.Equal(t, http.StatusForbidden, resilience.StatusCode(err))
	assert.False(t, resilience.IsTransient(err))
}

func TestTextSearch_RateLimitedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).TextSearch(context.Background(), TextSearchRequest{Query: "test"})
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestTextSearch_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := newTestClient(srv.URL).TextSearch(ctx, TextSearchRequest{Query: "test"})
	assert.Error(t, err)
	assert.Nil(t, resp)
}

func TestPlaceDetails_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/places/ChIJ-abc", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Goog-Api-Key"))
		assert.Equal(t, placeFieldMask, r.Header.Get("X-Goog-FieldMask"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Place{
			ID:               "ChIJ-abc",
			DisplayName:      DisplayName{Text: "Rucker Park"},
			FormattedAddress: "155th St & Frederick Douglass Blvd, New York, NY",
			Location:         &LatLng{Latitude: 40.8296, Longitude: -73.9362},
		})
	}))
	defer srv.Close()

	place, err := newTestClient(srv.URL).PlaceDetails(context.Background(), "ChIJ-abc")
	require.NoError(t, err)
	assert.Equal(t, "Rucker Park", place.DisplayName.Text)
	require.NotNil(t, place.Location)
	assert.InDelta(t, 40.8296, place.Location.Latitude, 0.0001)
}

func TestPlaceDetails_EmptyID(t *testing.T) {
	_, err := NewClient("k").PlaceDetails(context.Background(), "  ")
	assert.Error(t, err)
}

func TestReverse_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/geocode/json", r.URL.Path)
		assert.Equal(t, "34.052200,-118.243700", r.URL.Query().Get("latlng"))
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))

		_, _ = w.Write([]byte(`{
			"status": "OK",
			"results": [{
				"formatted_address": "200 N Spring St, Los Angeles, CA 90012, USA",
				"address_components": [
					{"long_name": "200", "short_name": "200", "types": ["street_number"]},
					{"long_name": "North Spring Street", "short_name": "N Spring St", "types": ["route"]},
					{"long_name": "Los Angeles", "short_name": "Los Angeles", "types": ["locality", "political"]},
					{"long_name": "California", "short_name": "CA", "types": ["administrative_area_level_1", "political"]}
				]
			}]
		}`)) //nolint:errcheck
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Reverse(context.Background(), 34.0522, -118.2437)
	require.NoError(t, err)
	assert.Equal(t, "200 North Spring Street", res.Street)
	assert.Equal(t, "Los Angeles", res.City)
	assert.Equal(t, "CA", res.State)
	assert.Contains(t, res.FormattedAddress, "Spring St")
}

func TestReverse_ZeroResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status": "ZERO_RESULTS", "results": []}`)) //nolint:errcheck
	}))
	defer srv.Close()

	res, err := newTestClient(srv.URL).Reverse(context.Background(), 0.5, 0.5)
	require.NoError(t, err)
	assert.Equal(t, ReverseResponse{}, *res)
}

func TestReverse_DeniedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status": "REQUEST_DENIED", "error_message": "bad key"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Reverse(context.Background(), 1, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REQUEST_DENIED")
	assert.False(t, resilience.IsTransient(err))
}

func TestReverse_OverQueryLimitIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status": "OVER_QUERY_LIMIT"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Reverse(context.Background(), 1, 1)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}
