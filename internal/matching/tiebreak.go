package matching

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospector/internal/cache"
	"github.com/sells-group/prospector/internal/model"
	"github.com/sells-group/prospector/internal/resilience"
	"github.com/sells-group/prospector/pkg/anthropic"
)

// Choice is a tie-breaker's pick.
type Choice struct {
	ProfileID string `json:"profile_id"`
	Score     int    `json:"score"`
}

// TieBreaker picks the best profile for an entity description. A nil choice
// with a nil error means the collaborator declined to choose.
type TieBreaker interface {
	ChooseBest(ctx context.Context, candidates []model.SegmentProfile, description string) (*Choice, error)
}

const tieBreakSystem = `You assign a business or contact to the single best-fitting target persona.
Respond with JSON only: {"profile_id": "<id from the list>", "score": <0-100 confidence>}.
If none fit, respond {"profile_id": "", "score": 0}.`

// AnthropicTieBreaker asks a Claude model to choose. Calls go through a
// circuit breaker and the result cache.
type AnthropicTieBreaker struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	cache     *cache.Cache
	ttl       time.Duration
	breaker   *resilience.CircuitBreaker
}

// NewAnthropicTieBreaker creates a generative tie-breaker. c may be nil.
func NewAnthropicTieBreaker(client anthropic.Client, modelName string, c *cache.Cache, ttl time.Duration) *AnthropicTieBreaker {
	return &AnthropicTieBreaker{
		client:    client,
		model:     modelName,
		maxTokens: 256,
		cache:     c,
		ttl:       ttl,
		breaker:   resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("anthropic-tiebreak")),
	}
}

// ChooseBest implements TieBreaker.
func (t *AnthropicTieBreaker) ChooseBest(ctx context.Context, candidates []model.SegmentProfile, description string) (*Choice, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	call := func(ctx context.Context) (*Choice, error) {
		return resilience.ExecuteVal(ctx, t.breaker, func(ctx context.Context) (*Choice, error) {
			return t.ask(ctx, candidates, description)
		})
	}
	if t.cache == nil {
		return call(ctx)
	}
	return cache.Fetch(ctx, t.cache, tieBreakKey(candidates, description), t.ttl, call)
}

func (t *AnthropicTieBreaker) ask(ctx context.Context, candidates []model.SegmentProfile, description string) (*Choice, error) {
	var b strings.Builder
	b.WriteString("Personas:\n")
	for _, p := range candidates {
		fmt.Fprintf(&b, "- id: %s\n  %s\n", p.ID, strings.ReplaceAll(p.Describe(), "\n", "\n  "))
	}
	b.WriteString("\nRecord:\n")
	b.WriteString(description)

	temp := 0.0
	resp, err := t.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       t.model,
		MaxTokens:   t.maxTokens,
		System:      anthropic.CachedSystem(tieBreakSystem),
		Messages:    []anthropic.Message{{Role: "user", Content: b.String()}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, eris.Wrap(err, "matching: tie-break request")
	}
	resp.Usage.LogCost(t.model, "tie_break")

	var choice Choice
	if err := json.Unmarshal([]byte(anthropic.ExtractJSON(resp.Text())), &choice); err != nil {
		return nil, eris.Wrap(err, "matching: malformed tie-break response")
	}
	if choice.ProfileID == "" {
		return nil, nil
	}
	return &choice, nil
}

// tieBreakKey is stable across candidate order.
func tieBreakKey(candidates []model.SegmentProfile, description string) string {
	ids := make([]string, len(candidates))
	for i, p := range candidates {
		ids[i] = p.ID
	}
	sort.Strings(ids)
	return cache.Key("anthropic-tiebreak", strings.Join(ids, ",")+"\n"+description)
}
