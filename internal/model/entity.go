package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// EntityKind distinguishes business records from contact records.
type EntityKind string

const (
	EntityKindBusiness EntityKind = "business"
	EntityKindContact  EntityKind = "contact"
)

// MatchTier identifies which matching strategy assigned a persona.
type MatchTier string

const (
	MatchTierSimilarity MatchTier = "similarity"
	MatchTierGenerative MatchTier = "generative"
	MatchTierHeuristic  MatchTier = "heuristic"
)

// Entity is a discovered business or contact.
type Entity struct {
	ID            string     `json:"id"`
	RunID         string     `json:"run_id"`
	Kind          EntityKind `json:"kind"`
	ParentID      string     `json:"parent_id,omitempty"`
	Name          string     `json:"name"`
	Industry      string     `json:"industry,omitempty"`
	EmployeeCount int        `json:"employee_count,omitempty"`
	Title         string     `json:"title,omitempty"`
	Department    string     `json:"department,omitempty"`
	Seniority     string     `json:"seniority,omitempty"`
	Email         string     `json:"email,omitempty"`
	Website       string     `json:"website,omitempty"`
	City          string     `json:"city,omitempty"`
	State         string     `json:"state,omitempty"`
	Description   string     `json:"description,omitempty"`
	Source        string     `json:"source"`
	SourceRef     string     `json:"source_ref,omitempty"`
	Embedding     []float32  `json:"embedding,omitempty"`
	PersonaID     *string    `json:"persona_id,omitempty"`
	MatchScore    int        `json:"match_score"`
	MatchTier     MatchTier  `json:"match_tier,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Validate rejects entities missing required fields. Invalid entities are
// never coerced into shape.
func (e *Entity) Validate() error {
	if e.RunID == "" {
		return eris.New("entity: run_id is required")
	}
	if strings.TrimSpace(e.Name) == "" {
		return eris.New("entity: name is required")
	}
	switch e.Kind {
	case EntityKindBusiness:
	case EntityKindContact:
		if e.ParentID == "" {
			return eris.New("entity: contact requires parent_id")
		}
	default:
		return eris.Errorf("entity: unknown kind %q", e.Kind)
	}
	if e.MatchScore < 0 || e.MatchScore > 100 {
		return eris.Errorf("entity: match_score %d out of range", e.MatchScore)
	}
	return nil
}

// Describe renders the entity as text for embedding and prompts.
func (e *Entity) Describe() string {
	var parts []string
	add := func(label, v string) {
		if v != "" {
			parts = append(parts, label+": "+v)
		}
	}
	add("name", e.Name)
	add("kind", string(e.Kind))
	add("industry", e.Industry)
	add("title", e.Title)
	add("department", e.Department)
	add("seniority", e.Seniority)
	add("size", SizeBand(e.EmployeeCount))
	add("location", strings.Trim(e.City+", "+e.State, ", "))
	add("about", e.Description)
	return strings.Join(parts, "\n")
}

// SizeBand buckets an employee count into the bands used by profiles.
func SizeBand(employees int) string {
	switch {
	case employees <= 0:
		return ""
	case employees < 10:
		return "micro"
	case employees < 50:
		return "small"
	case employees < 250:
		return "medium"
	case employees < 1000:
		return "large"
	default:
		return "enterprise"
	}
}

// SegmentProfile is a target-audience archetype ("persona") for a run.
type SegmentProfile struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	Rank         int       `json:"rank"`
	Title        string    `json:"title" yaml:"title"`
	Description  string    `json:"description" yaml:"description"`
	Industries   []string  `json:"industries,omitempty" yaml:"industries"`
	CompanySizes []string  `json:"company_sizes,omitempty" yaml:"company_sizes"`
	Departments  []string  `json:"departments,omitempty" yaml:"departments"`
	Seniorities  []string  `json:"seniorities,omitempty" yaml:"seniorities"`
	Keywords     []string  `json:"keywords,omitempty" yaml:"keywords"`
	Embedding    []float32 `json:"embedding,omitempty" yaml:"-"`
	CreatedAt    time.Time `json:"created_at" yaml:"-"`
}

// Describe renders the profile as text for embedding and prompts.
func (p *SegmentProfile) Describe() string {
	var b strings.Builder
	b.WriteString(p.Title)
	if p.Description != "" {
		b.WriteString("\n" + p.Description)
	}
	lists := []struct {
		label string
		vals  []string
	}{
		{"industries", p.Industries},
		{"sizes", p.CompanySizes},
		{"departments", p.Departments},
		{"seniority", p.Seniorities},
		{"keywords", p.Keywords},
	}
	for _, l := range lists {
		if len(l.vals) > 0 {
			b.WriteString("\n" + l.label + ": " + strings.Join(l.vals, ", "))
		}
	}
	return b.String()
}

// ProfileScore pairs a profile id with its cosine similarity to an entity.
type ProfileScore struct {
	ProfileID string  `json:"profile_id"`
	Score     float64 `json:"score"`
}

// CacheEntry is a durable cached payload for an outbound query.
type CacheEntry struct {
	Key       string    `json:"key"`
	Payload   []byte    `json:"payload"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}
