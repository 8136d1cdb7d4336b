package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospector/internal/cache"
	"github.com/sells-group/prospector/internal/model"
	"github.com/sells-group/prospector/internal/resilience"
	"github.com/sells-group/prospector/pkg/anthropic"
)

const personasSystem = `You design B2B target personas for a lead generation campaign.
Respond with JSON only, shaped as:
{"personas": [{"title": "", "description": "", "industries": [], "company_sizes": [], "departments": [], "seniorities": [], "keywords": []}]}
company_sizes use: micro, small, medium, large, enterprise.`

// ClaudePersonas generates profiles with a Claude model.
type ClaudePersonas struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	cache     *cache.Cache
	ttl       time.Duration
}

// NewClaudePersonas creates a persona generator. c may be nil.
func NewClaudePersonas(client anthropic.Client, modelName string, maxTokens int64, c *cache.Cache, ttl time.Duration) *ClaudePersonas {
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	return &ClaudePersonas{client: client, model: modelName, maxTokens: maxTokens, cache: c, ttl: ttl}
}

type personasReply struct {
	Personas []model.SegmentProfile `json:"personas"`
}

// GeneratePersonas implements PersonaGenerator.
func (g *ClaudePersonas) GeneratePersonas(ctx context.Context, search model.SearchContext, count int) ([]model.SegmentProfile, error) {
	prompt := personasPrompt(search, count)
	call := func(ctx context.Context) ([]model.SegmentProfile, error) {
		return g.ask(ctx, prompt, count)
	}
	if g.cache == nil {
		return call(ctx)
	}
	return cache.Fetch(ctx, g.cache, cache.Key("anthropic-personas", g.model+"|"+prompt), g.ttl, call)
}

func (g *ClaudePersonas) ask(ctx context.Context, prompt string, count int) ([]model.SegmentProfile, error) {
	resp, err := g.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     g.model,
		MaxTokens: g.maxTokens,
		System:    anthropic.CachedSystem(personasSystem),
		Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, eris.Wrap(err, "personas: create message")
	}
	resp.Usage.LogCost(g.model, "personas")

	var reply personasReply
	if err := json.Unmarshal([]byte(anthropic.ExtractJSON(resp.Text())), &reply); err != nil {
		return nil, resilience.NewValidationError(eris.Wrap(err, "personas: parse reply"))
	}

	var out []model.SegmentProfile
	for _, p := range reply.Personas {
		if strings.TrimSpace(p.Title) == "" {
			continue
		}
		p.Rank = len(out) + 1
		out = append(out, p)
		if len(out) == count {
			break
		}
	}
	if len(out) == 0 {
		return nil, resilience.NewValidationError(eris.New("personas: reply contained no personas"))
	}
	return out, nil
}

func personasPrompt(search model.SearchContext, count int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Create %d distinct personas for selling to %s businesses in %s.", count, search.Industry, search.Location)
	if search.CompanySize != "" {
		fmt.Fprintf(&b, "\nPreferred company size: %s.", search.CompanySize)
	}
	if len(search.Keywords) > 0 {
		fmt.Fprintf(&b, "\nFocus keywords: %s.", strings.Join(search.Keywords, ", "))
	}
	b.WriteString("\nOrder them from most to least promising.")
	return b.String()
}
