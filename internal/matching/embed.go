package matching

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospector/internal/cache"
	"github.com/sells-group/prospector/pkg/jina"
)

// Embedder turns texts into vectors, one per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// LocalEmbedder is a deterministic feature-hashing embedder. It needs no
// network and produces comparable vectors for texts sharing vocabulary.
type LocalEmbedder struct {
	dims int
}

// NewLocalEmbedder creates a local embedder with dims dimensions.
func NewLocalEmbedder(dims int) *LocalEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &LocalEmbedder{dims: dims}
}

// Embed implements Embedder.
func (e *LocalEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *LocalEmbedder) vector(text string) []float32 {
	v := make([]float64, e.dims)
	tokens := tokenize(text)
	add := func(feature string, weight float64) {
		h := xxhash.Sum64String(feature)
		idx := int(h % uint64(e.dims))
		if h&(1<<63) != 0 {
			weight = -weight
		}
		v[idx] += weight
	}
	for i, tok := range tokens {
		add(tok, 1)
		if i > 0 {
			add(tokens[i-1]+" "+tok, 0.5)
		}
	}

	var norm float64
	for _, x := range v {
		norm += x * x
	}
	out := make([]float32, e.dims)
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i, x := range v {
		out[i] = float32(x / norm)
	}
	return out
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// JinaEmbedder calls the Jina embeddings API through the result cache.
type JinaEmbedder struct {
	client jina.Client
	cache  *cache.Cache
	ttl    time.Duration
}

// NewJinaEmbedder creates a remote embedder. c may be nil to disable caching.
func NewJinaEmbedder(client jina.Client, c *cache.Cache, ttl time.Duration) *JinaEmbedder {
	return &JinaEmbedder{client: client, cache: c, ttl: ttl}
}

// Embed implements Embedder. Cached vectors are reused; the rest are fetched
// in one request.
func (e *JinaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	keys := make([]string, len(texts))
	var missing []int

	for i, t := range texts {
		keys[i] = cache.Key("jina-embed", t)
		if e.cache != nil {
			if payload, ok := e.cache.Get(ctx, keys[i]); ok {
				var vec []float32
				if err := json.Unmarshal(payload, &vec); err == nil && len(vec) > 0 {
					out[i] = vec
					continue
				}
			}
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	batch := make([]string, len(missing))
	for j, i := range missing {
		batch[j] = texts[i]
	}
	vecs, err := e.client.Embed(ctx, batch)
	if err != nil {
		return nil, eris.Wrap(err, "matching: jina embed")
	}

	for j, i := range missing {
		out[i] = vecs[j]
		if e.cache == nil {
			continue
		}
		payload, err := json.Marshal(vecs[j])
		if err != nil {
			zap.L().Warn("matching: marshal embedding", zap.Error(err))
			continue
		}
		e.cache.Set(ctx, keys[i], payload, e.ttl)
	}
	return out, nil
}
