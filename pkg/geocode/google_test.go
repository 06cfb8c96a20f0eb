package geocode

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/courtatlas/geocurator/pkg/google"
	"github.com/courtatlas/geocurator/pkg/google/mocks"
	"github.com/courtatlas/geocurator/pkg/locationiq"
)

func TestGoogleProvider_SearchFollowsPagesAndDropsUnlocated(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("TextSearch", mock.Anything, mock.MatchedBy(func(r google.TextSearchRequest) bool {
		return r.PageToken == "" && r.Bias != nil && r.Bias.RadiusM == 2000
	})).Return(&google.TextSearchResponse{
		Places: []google.Place{
			{ID: "a", DisplayName: google.DisplayName{Text: "A"}, Location: &google.LatLng{Latitude: 1, Longitude: 2}},
			{ID: "no-location", DisplayName: google.DisplayName{Text: "B"}},
		},
		NextPageToken: "p2",
	}, nil).Once()
	client.On("TextSearch", mock.Anything, mock.MatchedBy(func(r google.TextSearchRequest) bool {
		return r.PageToken == "p2"
	})).Return(&google.TextSearchResponse{
		Places:        []google.Place{{ID: "c", Location: &google.LatLng{Latitude: 3, Longitude: 4}}},
		NextPageToken: "p3",
	}, nil).Once()

	p := NewGoogleProvider(client)
	places, calls, err := p.Search(context.Background(), "courts", &Bias{Lat: 1, Lon: 2, RadiusM: 2000}, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "stops at maxPages even with a next token")
	require.Len(t, places, 2)
	assert.Equal(t, "a", places[0].ID)
	assert.Equal(t, "google", places[0].Provider)
	assert.Equal(t, "c", places[1].ID)
}

func TestGoogleProvider_SearchErrorReportsConsumedCalls(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("TextSearch", mock.Anything, mock.MatchedBy(func(r google.TextSearchRequest) bool {
		return r.PageToken == ""
	})).Return(&google.TextSearchResponse{
		Places:        []google.Place{{ID: "a", Location: &google.LatLng{Latitude: 1, Longitude: 1}}},
		NextPageToken: "p2",
	}, nil).Once()
	client.On("TextSearch", mock.Anything, mock.Anything).Return(nil, errors.New("503")).Once()

	places, calls, err := NewGoogleProvider(client).Search(context.Background(), "courts", nil, 3)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Len(t, places, 1)
}

func TestGoogleProvider_Reverse(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("Reverse", mock.Anything, 40.0, -75.0).Return(&google.ReverseResponse{
		FormattedAddress: "Market St, Philadelphia, PA 19106, USA",
		City:             "Philadelphia",
		State:            "PA",
	}, nil)

	res, err := NewGoogleProvider(client).Reverse(context.Background(), 40.0, -75.0)
	require.NoError(t, err)
	assert.Equal(t, ReverseResult{Address: "Market St", City: "Philadelphia", State: "PA"}, res)
}

func TestGoogleProvider_Details(t *testing.T) {
	client := mocks.NewMockClient(t)
	client.On("PlaceDetails", mock.Anything, "ChIJx").Return(&google.Place{
		ID: "ChIJx", DisplayName: google.DisplayName{Text: "X"}, Location: &google.LatLng{Latitude: 5, Longitude: 6},
	}, nil)

	p := NewGoogleProvider(client)
	assert.True(t, p.Handles("ChIJx"))
	assert.False(t, p.Handles("N12"))

	place, err := p.Details(context.Background(), "ChIJx")
	require.NoError(t, err)
	require.NotNil(t, place)
	assert.InDelta(t, 6.0, place.Location.Lon, 1e-9)
}

func TestLocationIQProvider_Search(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[
			{"osm_type":"node","osm_id":"5","lat":"10.5","lon":"20.5","display_name":"Hoops Court, Main St, Springfield"},
			{"osm_type":"way","osm_id":"6","lat":"","lon":"","display_name":"Broken"}
		]`)) //nolint:errcheck
	}))
	defer srv.Close()

	client := locationiq.NewClient("k", locationiq.WithBaseURL(srv.URL), locationiq.WithRateLimit(0))
	p := NewLocationIQProvider(client)

	places, calls, err := p.Search(context.Background(), "hoops", nil, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	require.Len(t, places, 1)
	assert.Equal(t, "N5", places[0].ID)
	assert.Equal(t, "Hoops Court", places[0].DisplayName)
	assert.Equal(t, "locationiq", places[0].Provider)
	assert.True(t, p.Handles("N5"))
	assert.False(t, p.Handles("ChIJ5"))
}

func TestLocationIQProvider_ReverseNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := locationiq.NewClient("k", locationiq.WithBaseURL(srv.URL), locationiq.WithRateLimit(0))
	res, err := NewLocationIQProvider(client).Reverse(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.True(t, res.Empty())
}

func TestFromGoogle_NoLocation(t *testing.T) {
	_, ok := FromGoogle(google.Place{ID: "x"})
	assert.False(t, ok)
}
