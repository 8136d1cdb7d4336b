package pipeline

import (
	"context"

	"github.com/sells-group/prospector/internal/model"
)

// PersonaGenerator produces the target segment profiles for a search.
type PersonaGenerator interface {
	GeneratePersonas(ctx context.Context, search model.SearchContext, count int) ([]model.SegmentProfile, error)
}

// BusinessFinder discovers businesses for one search query. Returned
// entities carry no run id; the orchestrator assigns it.
type BusinessFinder interface {
	FindBusinesses(ctx context.Context, query string, search model.SearchContext, limit int) ([]model.Entity, error)
}

// ContactFinder discovers decision makers at a business.
type ContactFinder interface {
	FindContacts(ctx context.Context, business model.Entity, search model.SearchContext, limit int) ([]model.Entity, error)
}

// MarketAnalyst summarizes the market for a search.
type MarketAnalyst interface {
	AnalyzeMarket(ctx context.Context, search model.SearchContext) (*model.Insights, error)
}

// Collaborators bundles the outbound dependencies of the stages.
type Collaborators struct {
	Personas PersonaGenerator
	Finder   BusinessFinder
	Contacts ContactFinder
	Analyst  MarketAnalyst
}
