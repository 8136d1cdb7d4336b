package matching

import (
	"strings"

	"github.com/sells-group/prospector/internal/model"
)

// Heuristic score components.
const (
	heuristicBase     = 50
	industryBonus     = 20
	sizeBonus         = 10
	departmentBonus   = 10
	seniorityBonus    = 10
	keywordBonus      = 5
	maxKeywordBonus   = 15
	maxHeuristicScore = 100
	minConfidentScore = 60
	maxConfidentScore = 100
)

// EntityTraits are the entity attributes the heuristic tier looks at.
type EntityTraits struct {
	Industry   string
	SizeBand   string
	Department string
	Seniority  string
	// Text is free text searched for profile keywords.
	Text string
}

// ProfileTraits are the profile attributes the heuristic tier looks at.
type ProfileTraits struct {
	Industries   []string
	CompanySizes []string
	Departments  []string
	Seniorities  []string
	Keywords     []string
}

// EntityTraitsOf extracts heuristic inputs from an entity.
func EntityTraitsOf(e *model.Entity) EntityTraits {
	return EntityTraits{
		Industry:   e.Industry,
		SizeBand:   model.SizeBand(e.EmployeeCount),
		Department: e.Department,
		Seniority:  e.Seniority,
		Text:       strings.Join([]string{e.Name, e.Industry, e.Title, e.Description}, " "),
	}
}

// ProfileTraitsOf extracts heuristic inputs from a profile.
func ProfileTraitsOf(p *model.SegmentProfile) ProfileTraits {
	return ProfileTraits{
		Industries:   p.Industries,
		CompanySizes: p.CompanySizes,
		Departments:  p.Departments,
		Seniorities:  p.Seniorities,
		Keywords:     p.Keywords,
	}
}

// HeuristicScore scores an entity against a profile. It is pure and always
// returns a value in [50, 100].
func HeuristicScore(e EntityTraits, p ProfileTraits) int {
	score := heuristicBase
	if overlaps(e.Industry, p.Industries) {
		score += industryBonus
	}
	if e.SizeBand != "" && containsFold(p.CompanySizes, e.SizeBand) {
		score += sizeBonus
	}
	if overlaps(e.Department, p.Departments) {
		score += departmentBonus
	}
	if overlaps(e.Seniority, p.Seniorities) {
		score += seniorityBonus
	}

	text := strings.ToLower(e.Text)
	kw := 0
	for _, k := range p.Keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" && strings.Contains(text, k) {
			kw += keywordBonus
		}
	}
	score += min(kw, maxKeywordBonus)

	return min(score, maxHeuristicScore)
}

// bestHeuristic picks the highest scoring profile. Ties go to the lowest
// rank. profiles must be non-empty.
func bestHeuristic(e *model.Entity, profiles []model.SegmentProfile) (model.SegmentProfile, int) {
	traits := EntityTraitsOf(e)
	best, bestScore := profiles[0], -1
	for _, p := range profiles {
		s := HeuristicScore(traits, ProfileTraitsOf(&p))
		if s > bestScore || (s == bestScore && p.Rank < best.Rank) {
			best, bestScore = p, s
		}
	}
	return best, bestScore
}

// clampConfident bounds tier 1 and tier 2 scores.
func clampConfident(score int) int {
	return max(minConfidentScore, min(score, maxConfidentScore))
}

// overlaps reports whether v and any candidate contain one another,
// case-insensitively.
func overlaps(v string, candidates []string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return false
	}
	for _, c := range candidates {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if strings.Contains(v, c) || strings.Contains(c, v) {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(strings.TrimSpace(s), v) {
			return true
		}
	}
	return false
}
