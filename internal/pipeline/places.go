package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/prospector/internal/cache"
	"github.com/sells-group/prospector/internal/model"
	"github.com/sells-group/prospector/pkg/google"
)

const (
	placesPageSize = 20
	placesMaxPages = 3
)

// PlacesFinder discovers businesses with Google Places text search.
type PlacesFinder struct {
	client  google.Client
	limiter *rate.Limiter
	cache   *cache.Cache
	ttl     time.Duration
}

// NewPlacesFinder creates a finder. limiter and c may be nil.
func NewPlacesFinder(client google.Client, limiter *rate.Limiter, c *cache.Cache, ttl time.Duration) *PlacesFinder {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &PlacesFinder{client: client, limiter: limiter, cache: c, ttl: ttl}
}

// FindBusinesses implements BusinessFinder. It follows page tokens until
// limit places are collected or results run out.
func (f *PlacesFinder) FindBusinesses(ctx context.Context, query string, search model.SearchContext, limit int) ([]model.Entity, error) {
	if limit <= 0 {
		limit = placesPageSize
	}

	var out []model.Entity
	token := ""
	for page := 0; page < placesMaxPages && len(out) < limit; page++ {
		resp, err := f.page(ctx, query, token)
		if err != nil {
			return out, err
		}
		for _, p := range resp.Places {
			out = append(out, placeToEntity(p, search))
			if len(out) == limit {
				break
			}
		}
		if resp.NextPageToken == "" {
			break
		}
		token = resp.NextPageToken
	}
	return out, nil
}

func (f *PlacesFinder) page(ctx context.Context, query, token string) (*google.DiscoverySearchResponse, error) {
	call := func(ctx context.Context) (*google.DiscoverySearchResponse, error) {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "places: rate limiter")
		}
		return f.client.DiscoverySearch(ctx, google.DiscoverySearchRequest{
			TextQuery: query,
			PageSize:  placesPageSize,
			PageToken: token,
		})
	}
	if f.cache == nil {
		return call(ctx)
	}
	return cache.Fetch(ctx, f.cache, cache.Key("google-places", query+"|"+token), f.ttl, call)
}

func placeToEntity(p google.DiscoveryPlace, search model.SearchContext) model.Entity {
	e := model.Entity{
		Kind:      model.EntityKindBusiness,
		Name:      p.DisplayName.Text,
		Industry:  search.Industry,
		Website:   p.WebsiteURI,
		Source:    "google_places",
		SourceRef: p.ID,
	}
	if p.PrimaryTypeDisplayName != nil && p.PrimaryTypeDisplayName.Text != "" {
		e.Description = p.PrimaryTypeDisplayName.Text
	}
	e.City, e.State = splitAddress(p.FormattedAddress)
	return e
}

// splitAddress extracts city and state from a US formatted address such as
// "123 Main St, Austin, TX 78701, USA".
func splitAddress(addr string) (city, state string) {
	parts := strings.Split(addr, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if n := len(parts); n > 0 && strings.EqualFold(parts[n-1], "USA") {
		parts = parts[:n-1]
	}
	if len(parts) < 2 {
		return "", ""
	}
	city = parts[len(parts)-2]
	if fields := strings.Fields(parts[len(parts)-1]); len(fields) > 0 {
		state = fields[0]
	}
	return city, state
}
