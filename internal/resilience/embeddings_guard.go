package resilience

import (
	"context"

	"github.com/MrWong99/mnemo/pkg/provider/embeddings"
)

// GuardedEmbeddings puts a [CircuitBreaker] in front of an embeddings backend.
//
// It has no failover: vectors from different models live in
// different spaces and must not be mixed in one memory store. While the
// breaker is open calls fail fast with [ErrCircuitOpen] and callers treat
// relevance as unknown.
type GuardedEmbeddings struct {
	inner   embeddings.Provider
	breaker *CircuitBreaker
}

var _ embeddings.Provider = (*GuardedEmbeddings)(nil)

// NewGuardedEmbeddings wraps inner. An empty cfg.Name defaults to the model ID.
func NewGuardedEmbeddings(inner embeddings.Provider, cfg CircuitBreakerConfig) *GuardedEmbeddings {
	if cfg.Name == "" {
		cfg.Name = inner.ModelID()
	}
	return &GuardedEmbeddings{inner: inner, breaker: NewCircuitBreaker(cfg)}
}

// Embed implements [embeddings.Provider].
func (g *GuardedEmbeddings) Embed(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := g.breaker.Execute(func() error {
		var err error
		out, err = g.inner.Embed(ctx, text)
		return err
	})
	return out, err
}

// EmbedBatch implements [embeddings.Provider].
func (g *GuardedEmbeddings) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := g.breaker.Execute(func() error {
		var err error
		out, err = g.inner.EmbedBatch(ctx, texts)
		return err
	})
	return out, err
}

// Dimensions implements [embeddings.Provider].
func (g *GuardedEmbeddings) Dimensions() int { return g.inner.Dimensions() }

// ModelID implements [embeddings.Provider].
func (g *GuardedEmbeddings) ModelID() string { return g.inner.ModelID() }

// State reports the breaker state.
func (g *GuardedEmbeddings) State() State { return g.breaker.State() }
