package store

import (
	"math"
	"sort"

	"github.com/sells-group/prospector/internal/model"
)

// Cosine returns the cosine similarity of a and b. Vectors of different
// length or zero magnitude score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// rankProfiles scores profiles against embedding and returns the top k.
// Equal scores keep rank order.
func rankProfiles(embedding []float32, profiles []model.SegmentProfile, k int) []model.ProfileScore {
	if len(embedding) == 0 || k <= 0 {
		return nil
	}
	var scored []model.ProfileScore
	for _, p := range profiles {
		if len(p.Embedding) == 0 {
			continue
		}
		scored = append(scored, model.ProfileScore{ProfileID: p.ID, Score: Cosine(embedding, p.Embedding)})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}
