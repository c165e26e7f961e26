// Package mock provides a deterministic test double for embeddings.Provider.
//
// Vectors are looked up by exact text in [Provider.Vectors]. Texts without an
// entry receive [Provider.Default] when set, otherwise a stable vector derived
// from the text's bytes so distinct texts usually embed differently.
//
//	p := &mock.Provider{Vectors: map[string][]float32{"sword": {1, 0}}}
//	v, _ := p.Embed(ctx, "sword") // [1 0]
package mock

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/MrWong99/mnemo/pkg/provider/embeddings"
)

var _ embeddings.Provider = (*Provider)(nil)

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// Vectors maps a text to the vector returned for it.
	Vectors map[string][]float32

	// Default is returned for texts missing from Vectors when non-nil.
	Default []float32

	// Dims is the length of derived vectors and the value of Dimensions.
	// Zero means 8.
	Dims int

	// Model is returned by ModelID.
	Model string

	// Err, if non-nil, is returned by Embed and EmbedBatch.
	Err error

	// EmbedCalls records the text of every Embed call.
	EmbedCalls []string

	// EmbedBatchCalls records the texts of every EmbedBatch call.
	EmbedBatchCalls [][]string
}

// Embed records the call and returns the vector for text.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, text)
	if p.Err != nil {
		return nil, p.Err
	}
	return p.vector(text), nil
}

// EmbedBatch records the call and returns one vector per text.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedBatchCalls = append(p.EmbedBatchCalls, append([]string(nil), texts...))
	if p.Err != nil {
		return nil, p.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vector(t)
	}
	return out, nil
}

// Dimensions returns Dims, or 8 when unset.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dims()
}

// ModelID returns Model.
func (p *Provider) ModelID() string { return p.Model }

// EmbeddedTexts returns every text embedded so far across both methods.
func (p *Provider) EmbeddedTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := append([]string(nil), p.EmbedCalls...)
	for _, b := range p.EmbedBatchCalls {
		out = append(out, b...)
	}
	return out
}

func (p *Provider) dims() int {
	if p.Dims > 0 {
		return p.Dims
	}
	return 8
}

func (p *Provider) vector(text string) []float32 {
	if v, ok := p.Vectors[text]; ok {
		return append([]float32(nil), v...)
	}
	if p.Default != nil {
		return append([]float32(nil), p.Default...)
	}
	v := make([]float32, p.dims())
	h := fnv.New64a()
	for i := range v {
		h.Write([]byte(text))
		v[i] = float32(h.Sum64()%1000)/1000 + 0.001
	}
	return v
}
