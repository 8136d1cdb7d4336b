package google

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospector/internal/resilience"
)

// pagedPlaces serves pages in order, keyed by the page token that requests them.
func pagedPlaces(t *testing.T, pages map[string]DiscoverySearchResponse, seen *[]DiscoverySearchRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/places:searchText", r.URL.Path)
		assert.Equal(t, "places-key", r.Header.Get("X-Goog-Api-Key"))
		assert.Equal(t, discoveryFieldMask, r.Header.Get("X-Goog-FieldMask"))

		var in DiscoverySearchRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		*seen = append(*seen, in)

		page, ok := pages[in.PageToken]
		if !ok {
			http.Error(w, "unknown page token", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(page)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDiscoverySearch_WalksPages(t *testing.T) {
	var seen []DiscoverySearchRequest
	srv := pagedPlaces(t, map[string]DiscoverySearchResponse{
		"": {
			Places: []DiscoveryPlace{{
				ID:                     "p-lakeline",
				DisplayName:            DisplayName{Text: "Lakeline Dental"},
				WebsiteURI:             "https://lakelinedental.example",
				FormattedAddress:       "1400 Lakeline Blvd, Cedar Park, TX",
				PrimaryTypeDisplayName: &DisplayName{Text: "Dentist"},
				Location:               &LatLng{Latitude: 30.48, Longitude: -97.79},
			}},
			NextPageToken: "tok-2",
		},
		"tok-2": {
			Places: []DiscoveryPlace{{ID: "p-brushy", DisplayName: DisplayName{Text: "Brushy Creek Smiles"}}},
		},
	}, &seen)

	c := NewClient("places-key", WithBaseURL(srv.URL))
	req := DiscoverySearchRequest{
		TextQuery: "dental practices in Cedar Park, TX",
		PageSize:  10,
		LocationRestriction: &LocationRect{Rectangle: Rectangle{
			Low:  LatLng{Latitude: 30.3, Longitude: -98.0},
			High: LatLng{Latitude: 30.6, Longitude: -97.6},
		}},
	}

	var ids []string
	for {
		resp, err := c.DiscoverySearch(context.Background(), req)
		require.NoError(t, err)
		for _, p := range resp.Places {
			ids = append(ids, p.ID)
		}
		if resp.NextPageToken == "" {
			break
		}
		req.PageToken = resp.NextPageToken
	}

	assert.Equal(t, []string{"p-lakeline", "p-brushy"}, ids)
	require.Len(t, seen, 2)
	assert.Empty(t, seen[0].PageToken)
	assert.Equal(t, "tok-2", seen[1].PageToken)
	assert.Equal(t, 10, seen[1].PageSize)
	require.NotNil(t, seen[0].LocationRestriction)
	assert.InDelta(t, -97.6, seen[0].LocationRestriction.Rectangle.High.Longitude, 1e-9)
}

func TestDiscoverySearch_DecodesOptionalFields(t *testing.T) {
	var seen []DiscoverySearchRequest
	srv := pagedPlaces(t, map[string]DiscoverySearchResponse{
		"": {Places: []DiscoveryPlace{
			{ID: "full", DisplayName: DisplayName{Text: "Full"}, PrimaryTypeDisplayName: &DisplayName{Text: "Orthodontist"}, Location: &LatLng{Latitude: 1, Longitude: 2}},
			{ID: "bare", DisplayName: DisplayName{Text: "Bare"}},
		}},
	}, &seen)

	resp, err := NewClient("places-key", WithBaseURL(srv.URL)).DiscoverySearch(context.Background(), DiscoverySearchRequest{TextQuery: "orthodontists"})
	require.NoError(t, err)
	require.Len(t, resp.Places, 2)

	assert.Equal(t, "Orthodontist", resp.Places[0].PrimaryTypeDisplayName.Text)
	assert.Equal(t, 2.0, resp.Places[0].Location.Longitude)
	assert.Nil(t, resp.Places[1].PrimaryTypeDisplayName)
	assert.Nil(t, resp.Places[1].Location)
	assert.Empty(t, resp.Places[1].WebsiteURI)
}

func TestDiscoverySearch_EmptyPage(t *testing.T) {
	var seen []DiscoverySearchRequest
	srv := pagedPlaces(t, map[string]DiscoverySearchResponse{"": {}}, &seen)

	resp, err := NewClient("places-key", WithBaseURL(srv.URL)).DiscoverySearch(context.Background(), DiscoverySearchRequest{TextQuery: "llama dentists"})
	require.NoError(t, err)
	assert.Empty(t, resp.Places)
	assert.Empty(t, resp.NextPageToken)
}

func TestDiscoverySearch_StatusErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		check      func(t *testing.T, err error)
	}{
		{"throttled", http.StatusTooManyRequests, "4", func(t *testing.T, err error) {
			var rl *resilience.RateLimitError
			require.ErrorAs(t, err, &rl)
			assert.Equal(t, 4*time.Second, rl.RetryAfter)
		}},
		{"throttled without hint", http.StatusTooManyRequests, "soon", func(t *testing.T, err error) {
			var rl *resilience.RateLimitError
			require.ErrorAs(t, err, &rl)
			assert.Zero(t, rl.RetryAfter)
		}},
		{"forbidden", http.StatusForbidden, "", func(t *testing.T, err error) {
			assert.True(t, resilience.IsUnavailable(err))
		}},
		{"unavailable", http.StatusServiceUnavailable, "", func(t *testing.T, err error) {
			assert.True(t, resilience.IsTransient(err))
			assert.False(t, resilience.IsRateLimited(err))
		}},
		{"bad request", http.StatusBadRequest, "", func(t *testing.T, err error) {
			assert.Equal(t, "permanent", resilience.ClassifyError(err))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"status":"FAILED"}}`))
			}))
			defer srv.Close()

			resp, err := NewClient("places-key", WithBaseURL(srv.URL)).DiscoverySearch(context.Background(), DiscoverySearchRequest{TextQuery: "x"})
			require.Error(t, err)
			assert.Nil(t, resp)
			tt.check(t, err)
		})
	}
}

func TestDiscoverySearch_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewClient("k", WithBaseURL(srv.URL)).DiscoverySearch(ctx, DiscoverySearchRequest{TextQuery: "x"})
	require.Error(t, err)
}
