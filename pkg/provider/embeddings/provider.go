// Package embeddings defines the Provider interface for text embedding
// backends and the vector helpers used to compare their output.
//
// mnemo embeds every memory record description lazily and compares it with
// query or reference embeddings by cosine similarity. A provider must be
// deterministic for a given model and text, since memory stores cache the
// vectors they receive.
//
// Implementations must be safe for concurrent use.
package embeddings

import (
	"context"
	"fmt"
	"math"
)

// Provider is the abstraction over any text embedding backend.
type Provider interface {
	// Embed computes the embedding vector of a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes the embeddings of several texts. The result is
	// aligned with texts. On error no partial result is returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length produced by the model.
	Dimensions() int

	// ModelID returns the provider-specific model identifier.
	ModelID() string
}

// Cosine returns the cosine similarity of a and b in [-1, 1]. It returns NaN
// when the vectors differ in length or either has zero magnitude, so callers
// can treat the pair as having no defined similarity.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return math.NaN()
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return math.NaN()
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// MaxCosine returns the highest cosine similarity between v and any of refs.
// NaN similarities are ignored; if none is defined the result is NaN.
func MaxCosine(v []float32, refs [][]float32) float64 {
	best := math.NaN()
	for _, r := range refs {
		s := Cosine(v, r)
		if math.IsNaN(s) {
			continue
		}
		if math.IsNaN(best) || s > best {
			best = s
		}
	}
	return best
}

// Chunked calls fn for consecutive slices of at most size texts and
// concatenates the results. Backends with a per-request input limit use it
// to implement EmbedBatch.
func Chunked(ctx context.Context, texts []string, size int, fn func(context.Context, []string) ([][]float32, error)) ([][]float32, error) {
	if size <= 0 || len(texts) <= size {
		return fn(ctx, texts)
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		vecs, err := fn(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		if len(vecs) != end-start {
			return nil, fmt.Errorf("embeddings: chunk [%d:%d] returned %d vectors", start, end, len(vecs))
		}
		out = append(out, vecs...)
	}
	return out, nil
}
