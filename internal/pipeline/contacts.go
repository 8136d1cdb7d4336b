package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/prospector/internal/cache"
	"github.com/sells-group/prospector/internal/model"
	"github.com/sells-group/prospector/internal/resilience"
	"github.com/sells-group/prospector/pkg/anthropic"
	"github.com/sells-group/prospector/pkg/perplexity"
)

const contactsSystem = `You find publicly listed decision makers at a company.
Respond with JSON only: {"contacts": [{"name": "", "title": "", "department": "", "seniority": "", "email": ""}]}.
Only include people you found in sources. Leave unknown fields empty.`

// PerplexityContacts discovers decision makers with Perplexity search.
type PerplexityContacts struct {
	client  perplexity.Client
	model   string
	limiter *rate.Limiter
	cache   *cache.Cache
	ttl     time.Duration
}

// NewPerplexityContacts creates a contact finder. limiter and c may be nil.
func NewPerplexityContacts(client perplexity.Client, modelName string, limiter *rate.Limiter, c *cache.Cache, ttl time.Duration) *PerplexityContacts {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &PerplexityContacts{client: client, model: modelName, limiter: limiter, cache: c, ttl: ttl}
}

type contactReply struct {
	Contacts []struct {
		Name       string `json:"name"`
		Title      string `json:"title"`
		Department string `json:"department"`
		Seniority  string `json:"seniority"`
		Email      string `json:"email"`
	} `json:"contacts"`
}

// FindContacts implements ContactFinder.
func (f *PerplexityContacts) FindContacts(ctx context.Context, business model.Entity, search model.SearchContext, limit int) ([]model.Entity, error) {
	prompt := contactsPrompt(business, search, limit)
	call := func(ctx context.Context) ([]model.Entity, error) {
		return f.ask(ctx, prompt)
	}

	var (
		contacts []model.Entity
		err      error
	)
	if f.cache == nil {
		contacts, err = call(ctx)
	} else {
		contacts, err = cache.Fetch(ctx, f.cache, cache.Key("perplexity-contacts", f.model+"|"+prompt), f.ttl, call)
	}
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(contacts) > limit {
		contacts = contacts[:limit]
	}
	return contacts, nil
}

func (f *PerplexityContacts) ask(ctx context.Context, prompt string) ([]model.Entity, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "contacts: rate limiter")
	}
	temp := 0.0
	resp, err := f.client.ChatCompletion(ctx, perplexity.ChatCompletionRequest{
		Model: f.model,
		Messages: []perplexity.Message{
			{Role: "system", Content: contactsSystem},
			{Role: "user", Content: prompt},
		},
		Temperature: &temp,
	})
	if err != nil {
		return nil, eris.Wrap(err, "contacts: chat completion")
	}

	var reply contactReply
	if err := json.Unmarshal([]byte(anthropic.ExtractJSON(resp.Text())), &reply); err != nil {
		return nil, resilience.NewValidationError(eris.Wrap(err, "contacts: parse reply"))
	}

	source := ""
	if len(resp.Citations) > 0 {
		source = resp.Citations[0]
	}
	var out []model.Entity
	for _, c := range reply.Contacts {
		if strings.TrimSpace(c.Name) == "" {
			continue
		}
		out = append(out, model.Entity{
			Kind:       model.EntityKindContact,
			Name:       c.Name,
			Title:      c.Title,
			Department: strings.ToLower(c.Department),
			Seniority:  strings.ToLower(c.Seniority),
			Email:      c.Email,
			Source:     "perplexity",
			SourceRef:  source,
		})
	}
	return out, nil
}

func contactsPrompt(business model.Entity, search model.SearchContext, limit int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Company: %s", business.Name)
	if business.Website != "" {
		fmt.Fprintf(&b, " (%s)", business.Website)
	}
	loc := strings.Trim(business.City+", "+business.State, ", ")
	if loc == "" {
		loc = search.Location
	}
	fmt.Fprintf(&b, "\nLocation: %s\nIndustry: %s\n", loc, search.Industry)
	fmt.Fprintf(&b, "List up to %d owners, executives or managers who decide on vendor purchases.", limit)
	return b.String()
}
