// Package google provides a client for Google Places Text Search, used for
// business discovery.
package google

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospector/internal/resilience"
)

const defaultBaseURL = "https://places.googleapis.com/v1"

// discoveryFieldMask selects the place fields discovery persists.
var discoveryFieldMask = strings.Join([]string{
	"places.id",
	"places.displayName",
	"places.formattedAddress",
	"places.websiteUri",
	"places.primaryTypeDisplayName",
	"places.location",
	"nextPageToken",
}, ",")

// Client performs Google Places API operations.
type Client interface {
	DiscoverySearch(ctx context.Context, req DiscoverySearchRequest) (*DiscoverySearchResponse, error)
}

// DiscoverySearchRequest is the body for a paginated text search.
type DiscoverySearchRequest struct {
	TextQuery           string        `json:"textQuery"`
	PageSize            int           `json:"pageSize,omitempty"`
	PageToken           string        `json:"pageToken,omitempty"`
	LocationRestriction *LocationRect `json:"locationRestriction,omitempty"`
}

// LocationRect restricts results to a bounding box.
type LocationRect struct {
	Rectangle Rectangle `json:"rectangle"`
}

// Rectangle is a low/high corner pair.
type Rectangle struct {
	Low  LatLng `json:"low"`
	High LatLng `json:"high"`
}

// LatLng is a coordinate pair.
type LatLng struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// DiscoverySearchResponse is one page of text search results.
type DiscoverySearchResponse struct {
	Places        []DiscoveryPlace `json:"places"`
	NextPageToken string           `json:"nextPageToken,omitempty"`
}

// DiscoveryPlace is a place returned by a discovery search.
type DiscoveryPlace struct {
	ID                     string       `json:"id"`
	DisplayName            DisplayName  `json:"displayName"`
	FormattedAddress       string       `json:"formattedAddress,omitempty"`
	WebsiteURI             string       `json:"websiteUri,omitempty"`
	PrimaryTypeDisplayName *DisplayName `json:"primaryTypeDisplayName,omitempty"`
	Location               *LatLng      `json:"location,omitempty"`
}

// DisplayName holds a localized display string.
type DisplayName struct {
	Text string `json:"text"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a Google Places API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) DiscoverySearch(ctx context.Context, in DiscoverySearchRequest) (*DiscoverySearchResponse, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, eris.Wrap(err, "google: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/places:searchText", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "google: create request")
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Api-Key", c.apiKey)
	req.Header.Set("X-Goog-FieldMask", discoveryFieldMask)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "google: send request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "google: read response")
	}

	if resp.StatusCode != http.StatusOK {
		var retryAfter time.Duration
		if secs, convErr := strconv.Atoi(resp.Header.Get("Retry-After")); convErr == nil && secs > 0 {
			retryAfter = time.Duration(secs) * time.Second
		}
		return nil, resilience.FromHTTPStatus(
			eris.Errorf("google: unexpected status %d: %s", resp.StatusCode, string(respBody)),
			resp.StatusCode, retryAfter)
	}

	var result DiscoverySearchResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "google: unmarshal response")
	}

	return &result, nil
}
