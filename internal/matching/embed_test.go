package matching

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospector/internal/cache"
	"github.com/sells-group/prospector/internal/store"
	"github.com/sells-group/prospector/pkg/jina"
)

func TestLocalEmbedder_DeterministicAndNormalized(t *testing.T) {
	e := NewLocalEmbedder(64)
	vecs, err := e.Embed(context.Background(), []string{"Dental clinic in Austin", "Dental clinic in Austin", ""})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Len(t, vecs[0], 64)
	assert.Equal(t, vecs[0], vecs[1])

	var norm float64
	for _, x := range vecs[0] {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
	assert.Zero(t, store.Cosine(vecs[0], vecs[2]), "empty text embeds to the zero vector")
}

func TestLocalEmbedder_SharedVocabularyIsCloser(t *testing.T) {
	e := NewLocalEmbedder(256)
	vecs, err := e.Embed(context.Background(), []string{
		"independent dental practice owner implants",
		"dental practice owner cosmetic implants",
		"commercial trucking logistics fleet manager",
	})
	require.NoError(t, err)
	assert.Greater(t, store.Cosine(vecs[0], vecs[1]), store.Cosine(vecs[0], vecs[2]))
}

type fakeJina struct {
	mu     sync.Mutex
	inputs [][]string
}

func (f *fakeJina) Search(context.Context, string, ...jina.SearchOption) (*jina.SearchResponse, error) {
	return &jina.SearchResponse{}, nil
}

func (f *fakeJina) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, inputs)
	f.mu.Unlock()
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		out[i] = []float32{float32(len(in)), 1}
	}
	return out, nil
}

func TestJinaEmbedder_CachesVectors(t *testing.T) {
	client := &fakeJina{}
	e := NewJinaEmbedder(client, cache.New(nil, cache.DefaultOptions()), 0)
	ctx := context.Background()

	first, err := e.Embed(ctx, []string{"abc", "de"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{3, 1}, {2, 1}}, first)

	second, err := e.Embed(ctx, []string{"de", "fghi"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{2, 1}, {4, 1}}, second)

	require.Len(t, client.inputs, 2)
	assert.Equal(t, []string{"fghi"}, client.inputs[1], "cached input is not re-fetched")

	_, err = e.Embed(ctx, []string{"abc"})
	require.NoError(t, err)
	assert.Len(t, client.inputs, 2)
}
