package pipeline

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/prospector/internal/model"
)

//go:embed fallback_personas.yaml
var fallbackPersonasYAML []byte

func loadPersonaTemplates() ([]model.SegmentProfile, error) {
	var templates []model.SegmentProfile
	if err := yaml.Unmarshal(fallbackPersonasYAML, &templates); err != nil {
		return nil, eris.Wrap(err, "pipeline: parse fallback personas")
	}
	if len(templates) == 0 {
		return nil, eris.New("pipeline: no fallback personas")
	}
	return templates, nil
}

// FallbackPersonas builds deterministic placeholder profiles from the
// embedded templates, specialized to the search. The result depends only on
// the search and count.
func FallbackPersonas(search model.SearchContext, count int) ([]model.SegmentProfile, error) {
	templates, err := loadPersonaTemplates()
	if err != nil {
		return nil, err
	}
	if count <= 0 || count > len(templates) {
		count = len(templates)
	}

	industry := strings.TrimSpace(search.Industry)
	out := make([]model.SegmentProfile, 0, count)
	for i := 0; i < count; i++ {
		t := templates[i]
		p := model.SegmentProfile{
			Rank:         i + 1,
			Title:        strings.ReplaceAll(t.Title, "{industry}", cases.Title(language.English).String(industry)),
			Description:  strings.ReplaceAll(t.Description, "{industry}", industry),
			Industries:   []string{industry},
			CompanySizes: t.CompanySizes,
			Departments:  t.Departments,
			Seniorities:  t.Seniorities,
			Keywords:     append(append([]string{}, t.Keywords...), search.Keywords...),
		}
		if search.CompanySize != "" {
			p.CompanySizes = []string{search.CompanySize}
		}
		out = append(out, p)
	}
	return out, nil
}

// FallbackInsights returns placeholder market insights for the search.
func FallbackInsights(search model.SearchContext) *model.Insights {
	return &model.Insights{
		Summary: fmt.Sprintf("Market analysis for %s in %s is not available yet.",
			search.Industry, search.Location),
		Trends:   []string{},
		Degraded: true,
	}
}
