// Package retrieval ranks an agent's memories against a query.
//
// Retrieval is two-staged. Keywords extracted from recent context, the
// agent's goals and the query select candidate ids through the store's
// keyword index; only those candidates are scored. A record that shares no
// keyword with the search context is never returned, however similar its
// embedding may be.
//
// Each candidate gets three sub-scores: recency, importance and relevance.
// Every dimension is min-max normalised into [0,1] across the candidates of
// the current call only, so the same record can receive different scores in
// different calls depending on what else is being ranked. A dimension with
// zero range contributes 0.5 to every candidate. Undefined values (a record
// that could not be embedded, or no query and no references) are replaced by
// the midpoint of the dimension before normalising.
//
// Ranked results are sorted ascending by total score, best last. A limit
// keeps the tail of that order.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/MrWong99/mnemo/pkg/memory"
	"github.com/MrWong99/mnemo/pkg/provider/embeddings"
)

// DefaultDecay is the per-id recency discount.
const DefaultDecay = 0.95

// Weights scale the normalised sub-scores before they are summed.
type Weights struct {
	Recency    float64
	Importance float64
	Relevance  float64
}

// DefaultWeights weighs every dimension equally.
func DefaultWeights() Weights {
	return Weights{Recency: 1, Importance: 1, Relevance: 1}
}

// Score is the ranking of one candidate. Sub-scores are normalised.
type Score struct {
	ID         int
	Recency    float64
	Importance float64
	Relevance  float64
	Total      float64
}

// Source is the read side of a memory store used for scoring.
type Source interface {
	Size() int
	Get(id int) (memory.Record, error)
	Embeddings(ctx context.Context, ids []int) ([][]float32, error)
}

var _ Source = (*memory.Store)(nil)

// Scorer computes composite scores for candidate ids.
type Scorer struct {
	// Decay is the recency base in (0,1). Zero means [DefaultDecay].
	Decay float64

	// Weights scale the sub-scores. The zero value means [DefaultWeights].
	Weights Weights

	// Embedder embeds the query text. Without one, relevance is undefined
	// whenever a query is given.
	Embedder embeddings.Provider

	// Log receives best-effort failures. Nil means [slog.Default].
	Log *slog.Logger
}

// Score returns one [Score] per id, aligned with ids. When query is
// non-empty, relevance is the cosine similarity to the query embedding.
// Otherwise it is the best cosine similarity to any of refs. Embedding
// failures are logged and leave relevance undefined instead of failing the
// call. Unknown ids yield [memory.ErrNotFound].
func (s *Scorer) Score(ctx context.Context, src Source, ids []int, query string, refs [][]float32) ([]Score, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	decay := s.Decay
	if decay <= 0 || decay >= 1 {
		decay = DefaultDecay
	}
	w := s.Weights
	if w == (Weights{}) {
		w = DefaultWeights()
	}

	size := src.Size()
	recency := make([]float64, len(ids))
	importance := make([]float64, len(ids))
	for i, id := range ids {
		r, err := src.Get(id)
		if err != nil {
			return nil, fmt.Errorf("retrieval: score: %w", err)
		}
		recency[i] = math.Pow(decay, float64(size-id))
		importance[i] = r.Importance
	}

	relevance := s.relevance(ctx, log, src, ids, query, refs)

	recency = MinMax(recency)
	importance = MinMax(importance)
	relevance = MinMax(relevance)

	out := make([]Score, len(ids))
	for i, id := range ids {
		out[i] = Score{
			ID:         id,
			Recency:    recency[i],
			Importance: importance[i],
			Relevance:  relevance[i],
			Total:      w.Recency*recency[i] + w.Importance*importance[i] + w.Relevance*relevance[i],
		}
	}
	return out, nil
}

func (s *Scorer) relevance(ctx context.Context, log *slog.Logger, src Source, ids []int, query string, refs [][]float32) []float64 {
	out := make([]float64, len(ids))
	for i := range out {
		out[i] = math.NaN()
	}

	var queryVec []float32
	switch {
	case query != "":
		if s.Embedder == nil {
			log.Warn("retrieval: no embedder, relevance undefined")
			return out
		}
		v, err := s.Embedder.Embed(ctx, query)
		if err != nil {
			log.Warn("retrieval: embed query failed, relevance undefined", "err", err)
			return out
		}
		queryVec = v
	case len(refs) == 0:
		return out
	}

	vecs, err := src.Embeddings(ctx, ids)
	if err != nil {
		log.Warn("retrieval: embed candidates failed, relevance undefined", "candidates", len(ids), "err", err)
		return out
	}
	for i, v := range vecs {
		if queryVec != nil {
			out[i] = embeddings.Cosine(v, queryVec)
		} else {
			out[i] = embeddings.MaxCosine(v, refs)
		}
	}
	return out
}

// MinMax rescales values into [0,1]. NaN and infinite entries are treated as
// missing and replaced by the midpoint of the finite minimum and maximum. If
// the finite values have zero range, or there are none, every entry becomes
// 0.5. The input is not modified.
func MinMax(values []float64) []float64 {
	out := make([]float64, len(values))
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		lo = min(lo, v)
		hi = max(hi, v)
	}
	span := hi - lo
	if math.IsInf(lo, 1) || span == 0 {
		for i := range out {
			out[i] = 0.5
		}
		return out
	}
	mid := (lo + hi) / 2
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = mid
		}
		out[i] = (v - lo) / span
	}
	return out
}
