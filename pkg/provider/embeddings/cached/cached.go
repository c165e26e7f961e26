// Package cached wraps an embeddings.Provider with a bounded in-process cache
// keyed by model and text.
//
// Retrieval embeds the same probe questions and persona/goal texts many times
// per consolidation cycle; the cache turns those repeats into local lookups.
// Admission and eviction are delegated to ristretto, so a cache hit is likely
// but never guaranteed.
package cached

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/MrWong99/mnemo/pkg/provider/embeddings"
)

// DefaultMaxBytes bounds the cache to roughly 64 MiB of float32 data.
const DefaultMaxBytes = 64 << 20

var _ embeddings.Provider = (*Provider)(nil)

// Provider is a caching decorator around another embeddings.Provider.
type Provider struct {
	inner   embeddings.Provider
	cache   *ristretto.Cache
	observe func(hit bool)
}

type config struct {
	maxBytes int64
	observe  func(hit bool)
}

// Option configures a cached Provider.
type Option func(*config)

// WithMaxBytes sets the approximate memory budget of the cache.
func WithMaxBytes(n int64) Option {
	return func(c *config) { c.maxBytes = n }
}

// WithObserver registers a callback invoked once per looked-up text with
// whether it was served from the cache.
func WithObserver(fn func(hit bool)) Option {
	return func(c *config) { c.observe = fn }
}

// New wraps inner.
func New(inner embeddings.Provider, opts ...Option) (*Provider, error) {
	if inner == nil {
		return nil, fmt.Errorf("cached embeddings: inner provider must not be nil")
	}
	cfg := &config{maxBytes: DefaultMaxBytes}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.maxBytes <= 0 {
		return nil, fmt.Errorf("cached embeddings: max bytes must be positive, got %d", cfg.maxBytes)
	}

	// Ten counters per expected entry, assuming ~6 KiB vectors.
	counters := max(cfg.maxBytes/6144*10, 1000)
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: counters,
		MaxCost:     cfg.maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("cached embeddings: create cache: %w", err)
	}
	return &Provider{inner: inner, cache: cache, observe: cfg.observe}, nil
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := p.lookup(text); ok {
		return v, nil
	}
	v, err := p.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	p.store(text, v)
	return v, nil
}

// EmbedBatch implements embeddings.Provider. Only the texts missing from the
// cache are forwarded to the inner provider, in a single batch.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missTexts []string
	var missPos []int
	for i, t := range texts {
		if v, ok := p.lookup(t); ok {
			out[i] = v
			continue
		}
		missTexts = append(missTexts, t)
		missPos = append(missPos, i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := p.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("cached embeddings: inner returned %d vectors for %d texts", len(vecs), len(missTexts))
	}
	for i, v := range vecs {
		out[missPos[i]] = v
		p.store(missTexts[i], v)
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.inner.Dimensions() }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return p.inner.ModelID() }

// Wait blocks until pending cache writes are applied. Useful in tests.
func (p *Provider) Wait() { p.cache.Wait() }

// Close releases the cache's background goroutines.
func (p *Provider) Close() { p.cache.Close() }

func (p *Provider) key(text string) string {
	return p.inner.ModelID() + "\x00" + text
}

func (p *Provider) lookup(text string) ([]float32, bool) {
	raw, ok := p.cache.Get(p.key(text))
	var v []float32
	if ok {
		v, ok = raw.([]float32)
	}
	if p.observe != nil {
		p.observe(ok)
	}
	return v, ok
}

func (p *Provider) store(text string, v []float32) {
	p.cache.Set(p.key(text), v, int64(4*len(v)+len(text)))
}
