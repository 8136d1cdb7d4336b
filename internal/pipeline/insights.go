package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospector/internal/cache"
	"github.com/sells-group/prospector/internal/model"
	"github.com/sells-group/prospector/internal/resilience"
	"github.com/sells-group/prospector/pkg/anthropic"
	"github.com/sells-group/prospector/pkg/jina"
)

const (
	insightsSystem = `You are a market analyst. Summarize the market for the given industry and location.
Respond with JSON only: {"summary": "", "trends": [""]}. Keep the summary under 120 words.`

	maxInsightSources = 5
)

// ClaudeAnalyst produces market insights with a Claude model, grounded on
// web search results when a search client is configured.
type ClaudeAnalyst struct {
	client    anthropic.Client
	search    jina.Client
	model     string
	maxTokens int64
	cache     *cache.Cache
	ttl       time.Duration
}

// NewClaudeAnalyst creates an analyst. search and c may be nil.
func NewClaudeAnalyst(client anthropic.Client, search jina.Client, modelName string, maxTokens int64, c *cache.Cache, ttl time.Duration) *ClaudeAnalyst {
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &ClaudeAnalyst{client: client, search: search, model: modelName, maxTokens: maxTokens, cache: c, ttl: ttl}
}

type insightsReply struct {
	Summary string   `json:"summary"`
	Trends  []string `json:"trends"`
}

// AnalyzeMarket implements MarketAnalyst.
func (a *ClaudeAnalyst) AnalyzeMarket(ctx context.Context, search model.SearchContext) (*model.Insights, error) {
	key := cache.Key("anthropic-insights", a.model+"|"+search.Industry+"|"+search.Location+"|"+strings.Join(search.Keywords, ","))
	call := func(ctx context.Context) (*model.Insights, error) {
		return a.analyze(ctx, search)
	}
	if a.cache == nil {
		return call(ctx)
	}
	return cache.Fetch(ctx, a.cache, key, a.ttl, call)
}

func (a *ClaudeAnalyst) analyze(ctx context.Context, search model.SearchContext) (*model.Insights, error) {
	results := a.webContext(ctx, search)

	var b strings.Builder
	fmt.Fprintf(&b, "Industry: %s\nLocation: %s\n", search.Industry, search.Location)
	if len(search.Keywords) > 0 {
		fmt.Fprintf(&b, "Keywords: %s\n", strings.Join(search.Keywords, ", "))
	}
	var sources []string
	if len(results) > 0 {
		b.WriteString("\nSources:\n")
		for _, r := range results {
			fmt.Fprintf(&b, "- %s (%s): %s\n", r.Title, r.URL, r.Description)
			sources = append(sources, r.URL)
		}
	}

	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System:    anthropic.CachedSystem(insightsSystem),
		Messages:  []anthropic.Message{{Role: "user", Content: b.String()}},
	})
	if err != nil {
		return nil, eris.Wrap(err, "insights: create message")
	}
	resp.Usage.LogCost(a.model, "insights")

	var reply insightsReply
	if err := json.Unmarshal([]byte(anthropic.ExtractJSON(resp.Text())), &reply); err != nil {
		return nil, resilience.NewValidationError(eris.Wrap(err, "insights: parse reply"))
	}
	if strings.TrimSpace(reply.Summary) == "" {
		return nil, resilience.NewValidationError(eris.New("insights: empty summary"))
	}
	return &model.Insights{Summary: reply.Summary, Trends: reply.Trends, Sources: sources}, nil
}

// webContext returns search results to ground the analysis. Search failures
// are logged and the analysis proceeds ungrounded.
func (a *ClaudeAnalyst) webContext(ctx context.Context, search model.SearchContext) []jina.SearchResult {
	if a.search == nil {
		return nil
	}
	query := fmt.Sprintf("%s industry trends %s", search.Industry, search.Location)
	resp, err := a.search.Search(ctx, query)
	if err != nil {
		zap.L().Warn("insights: web search failed", zap.String("query", query), zap.Error(err))
		return nil
	}
	if len(resp.Data) > maxInsightSources {
		return resp.Data[:maxInsightSources]
	}
	return resp.Data
}
