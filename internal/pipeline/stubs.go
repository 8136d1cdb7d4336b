package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/sells-group/prospector/internal/matching"
	"github.com/sells-group/prospector/pkg/anthropic"
	"github.com/sells-group/prospector/pkg/google"
	"github.com/sells-group/prospector/pkg/jina"
	"github.com/sells-group/prospector/pkg/perplexity"
)

// Compile-time interface checks.
var (
	_ anthropic.Client  = (*StubAnthropicClient)(nil)
	_ google.Client     = (*StubGoogleClient)(nil)
	_ jina.Client       = (*StubJinaClient)(nil)
	_ perplexity.Client = (*StubPerplexityClient)(nil)
)

// --- Anthropic Stub ---

// StubAnthropicClient implements anthropic.Client with canned responses
// chosen by the system prompt.
type StubAnthropicClient struct{}

var (
	stubIndustryRe  = regexp.MustCompile(`selling to (.+?) businesses in`)
	stubCandidateRe = regexp.MustCompile(`- id: (\S+)`)
)

// CreateMessage implements anthropic.Client.
func (s *StubAnthropicClient) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	system := ""
	for _, b := range req.System {
		system += b.Text
	}
	content := ""
	for _, m := range req.Messages {
		content += m.Content
	}

	var text string
	switch {
	case strings.Contains(system, "target personas"):
		text = stubPersonas(content)
	case strings.Contains(system, "market analyst"):
		text = `{"summary": "Stable demand with steady consolidation among independent operators.", "trends": ["consolidation", "software adoption"]}`
	case strings.Contains(system, "best-fitting target persona"):
		id := ""
		if m := stubCandidateRe.FindStringSubmatch(content); m != nil {
			id = m[1]
		}
		text = fmt.Sprintf(`{"profile_id": %q, "score": 75}`, id)
	default:
		text = `{}`
	}

	return &anthropic.MessageResponse{
		ID:         "stub-msg-001",
		Model:      req.Model,
		Content:    []anthropic.ContentBlock{{Type: "text", Text: text}},
		StopReason: "end_turn",
		Usage: anthropic.TokenUsage{
			InputTokens:  150,
			OutputTokens: 50,
		},
	}, nil
}

func stubPersonas(prompt string) string {
	industry := "general"
	if m := stubIndustryRe.FindStringSubmatch(prompt); m != nil {
		industry = m[1]
	}
	personas := []map[string]any{
		{"title": "Owner", "description": "Independent " + industry + " owner", "industries": []string{industry},
			"company_sizes": []string{"micro", "small"}, "departments": []string{"executive"}, "seniorities": []string{"owner"}, "keywords": []string{"owner"}},
		{"title": "Operations Manager", "description": "Runs day-to-day " + industry + " operations", "industries": []string{industry},
			"company_sizes": []string{"small", "medium"}, "departments": []string{"operations"}, "seniorities": []string{"manager"}, "keywords": []string{"operations"}},
		{"title": "Regional Director", "description": "Leads a multi-site " + industry + " group", "industries": []string{industry},
			"company_sizes": []string{"large", "enterprise"}, "departments": []string{"executive"}, "seniorities": []string{"director"}, "keywords": []string{"regional"}},
	}
	data, _ := json.Marshal(map[string]any{"personas": personas})
	return string(data)
}

// --- Google Stub ---

// StubGoogleClient implements google.Client, returning five places per
// query. Place ids are stable for a given query.
type StubGoogleClient struct{}

// DiscoverySearch implements google.Client.
func (s *StubGoogleClient) DiscoverySearch(_ context.Context, req google.DiscoverySearchRequest) (*google.DiscoverySearchResponse, error) {
	if req.PageToken != "" {
		return &google.DiscoverySearchResponse{}, nil
	}
	h := xxhash.Sum64String(req.TextQuery)
	resp := &google.DiscoverySearchResponse{}
	for i := 1; i <= 5; i++ {
		resp.Places = append(resp.Places, google.DiscoveryPlace{
			ID:               fmt.Sprintf("stub-%x-%d", h, i),
			DisplayName:      google.DisplayName{Text: fmt.Sprintf("Stub Business %d", i)},
			FormattedAddress: fmt.Sprintf("%d Main St, Austin, TX 78701, USA", 100+i),
			WebsiteURI:       fmt.Sprintf("https://stub-business-%d.example.com", i),
		})
	}
	return resp, nil
}

// --- Perplexity Stub ---

// StubPerplexityClient implements perplexity.Client with two contacts per
// request.
type StubPerplexityClient struct{}

// ChatCompletion implements perplexity.Client.
func (s *StubPerplexityClient) ChatCompletion(_ context.Context, _ perplexity.ChatCompletionRequest) (*perplexity.ChatCompletionResponse, error) {
	return &perplexity.ChatCompletionResponse{
		ID: "stub-pplx-001",
		Choices: []perplexity.Choice{{
			Message: perplexity.Message{
				Role:    "assistant",
				Content: `{"contacts": [{"name": "Jordan Reyes", "title": "Owner", "department": "Executive", "seniority": "Owner"}, {"name": "Sam Patel", "title": "Office Manager", "department": "Operations", "seniority": "Manager"}]}`,
			},
		}},
		Citations: []string{"https://stub.example.com/team"},
	}, nil
}

// --- Jina Stub ---

// StubJinaClient implements jina.Client. Embeddings come from the local
// hashing embedder.
type StubJinaClient struct{}

// Search implements jina.Client.
func (s *StubJinaClient) Search(_ context.Context, query string, _ ...jina.SearchOption) (*jina.SearchResponse, error) {
	return &jina.SearchResponse{
		Code: 200,
		Data: []jina.SearchResult{
			{Title: "Industry report", URL: "https://stub.example.com/report", Description: "Overview for " + query},
			{Title: "Local news", URL: "https://stub.example.com/news", Description: "Recent developments"},
		},
	}, nil
}

// Embed implements jina.Client.
func (s *StubJinaClient) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	return matching.NewLocalEmbedder(0).Embed(ctx, inputs)
}
