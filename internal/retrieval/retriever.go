package retrieval

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/mnemo/internal/keywords"
	"github.com/MrWong99/mnemo/internal/observe"
	"github.com/MrWong99/mnemo/pkg/memory"
	"github.com/MrWong99/mnemo/pkg/provider/embeddings"
)

// DefaultLookback is the number of most recent records whose text seeds the
// keyword search.
const DefaultLookback = 5

// GoalsProvider exposes an agent's goals for a round as a single text. An
// empty string means the agent has no goals for that round.
type GoalsProvider interface {
	Goals(round int) string
}

// ReferenceProvider supplies the embeddings relevance is measured against
// when a request carries no query, typically the agent's persona and goals.
type ReferenceProvider interface {
	References(ctx context.Context) [][]float32
}

// Store is the memory surface a [Retriever] reads from.
type Store interface {
	Source
	LookupByKeyword(category, word string) []int
	Recent(n int) []memory.Record
}

var _ Store = (*memory.Store)(nil)

// Request describes one retrieval.
type Request struct {
	// Query is the free-text retrieval seed. Empty means rank by the
	// agent's reference embeddings.
	Query string

	// Limit keeps only the Limit best candidates when positive.
	Limit int

	// IncludeIDs renders results as "<id>. <description>".
	IncludeIDs bool

	// Round is the current round. Goals of the previous round feed the
	// keyword search.
	Round int
}

// Tuning holds the parameters that may change while the process runs.
type Tuning struct {
	Lookback int
	Decay    float64
	Weights  Weights
}

// DefaultTuning returns the stock parameters.
func DefaultTuning() Tuning {
	return Tuning{Lookback: DefaultLookback, Decay: DefaultDecay, Weights: DefaultWeights()}
}

// Option configures a [Retriever].
type Option func(*Retriever)

// WithGoals sets the goals source. Without one, goals contribute no keywords.
func WithGoals(g GoalsProvider) Option {
	return func(r *Retriever) { r.goals = g }
}

// WithReferences sets the source of reference embeddings used when no query
// is given.
func WithReferences(p ReferenceProvider) Option {
	return func(r *Retriever) { r.refs = p }
}

// WithEmbedder sets the provider that embeds query text.
func WithEmbedder(e embeddings.Provider) Option {
	return func(r *Retriever) { r.embedder = e }
}

// WithTuning overrides [DefaultTuning].
func WithTuning(t Tuning) Option {
	return func(r *Retriever) { r.Tune(t) }
}

// WithMetrics records retrieval metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Retriever) { r.metrics = m }
}

// WithLogger overrides the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(r *Retriever) {
		if l != nil {
			r.log = l
		}
	}
}

// Retriever ranks the memories of one agent. It is safe for concurrent use.
type Retriever struct {
	agent     string
	store     Store
	extractor keywords.Extractor
	goals     GoalsProvider
	refs      ReferenceProvider
	embedder  embeddings.Provider
	tuning    atomic.Pointer[Tuning]
	metrics   *observe.Metrics
	log       *slog.Logger
}

// New creates a Retriever for the agent with id agent over store, using
// extractor to derive search keywords.
func New(agent string, store Store, extractor keywords.Extractor, opts ...Option) *Retriever {
	r := &Retriever{
		agent:     agent,
		store:     store,
		extractor: extractor,
		log:       slog.Default(),
	}
	def := DefaultTuning()
	r.tuning.Store(&def)
	for _, o := range opts {
		o(r)
	}
	return r
}

// Tune replaces the tuning parameters for subsequent calls. Non-positive
// lookback and zero weights fall back to the defaults.
func (r *Retriever) Tune(t Tuning) {
	if t.Lookback <= 0 {
		t.Lookback = DefaultLookback
	}
	if t.Decay <= 0 || t.Decay >= 1 {
		t.Decay = DefaultDecay
	}
	if t.Weights == (Weights{}) {
		t.Weights = DefaultWeights()
	}
	r.tuning.Store(&t)
}

// Tuning returns the parameters currently in effect.
func (r *Retriever) Tuning() Tuning { return *r.tuning.Load() }

// Retrieve returns the descriptions of the ranked candidates, best last. No
// candidate is not an error: the result is empty.
func (r *Retriever) Retrieve(ctx context.Context, req Request) ([]string, error) {
	ranked, err := r.Rank(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ranked))
	for _, s := range ranked {
		rec, err := r.store.Get(s.ID)
		if err != nil {
			return nil, fmt.Errorf("retrieval: render: %w", err)
		}
		if req.IncludeIDs {
			out = append(out, rec.Enumerated())
		} else {
			out = append(out, rec.Description)
		}
	}
	return out, nil
}

// Rank returns the scored candidates sorted ascending by total, ties in
// ascending id order. With a positive limit only the last Limit entries, the
// best ones, are kept.
func (r *Retriever) Rank(ctx context.Context, req Request) ([]Score, error) {
	ctx, span := observe.StartAgentSpan(ctx, "retrieval.Rank", r.agent, req.Round,
		attribute.Int("limit", req.Limit))
	defer span.End()

	start := time.Now()
	tuning := r.Tuning()

	kw := r.searchKeywords(req, tuning.Lookback)
	ids := r.candidates(kw)
	span.SetAttributes(attribute.Int("candidates", len(ids)))

	if len(ids) == 0 {
		r.record(ctx, "empty", start, 0)
		return nil, nil
	}

	var refs [][]float32
	if req.Query == "" && r.refs != nil {
		refs = r.refs.References(ctx)
	}

	scorer := Scorer{Decay: tuning.Decay, Weights: tuning.Weights, Embedder: r.embedder, Log: r.log}
	scores, err := scorer.Score(ctx, r.store, ids, req.Query, refs)
	if err != nil {
		observe.Fail(span, err)
		r.record(ctx, "error", start, len(ids))
		return nil, err
	}

	// ids are ascending, so a stable sort leaves equal totals in id order.
	slices.SortStableFunc(scores, func(a, b Score) int { return cmp.Compare(a.Total, b.Total) })

	// Ascending order puts the best candidates last: the limit keeps the
	// tail, not the head.
	if req.Limit > 0 && len(scores) > req.Limit {
		scores = scores[len(scores)-req.Limit:]
	}

	r.record(ctx, "ok", start, len(ids))
	return scores, nil
}

// searchKeywords unions the keywords of the recent records, the goals of the
// previous round and the query.
func (r *Retriever) searchKeywords(req Request, lookback int) memory.Keywords {
	kw := make(memory.Keywords)
	for _, rec := range r.store.Recent(lookback) {
		kw.Merge(r.extractor.Extract(rec.Description))
	}
	if r.goals != nil {
		if g := r.goals.Goals(max(0, req.Round-1)); g != "" {
			kw.Merge(r.extractor.Extract(g))
		}
	}
	if req.Query != "" {
		kw.Merge(r.extractor.Extract(req.Query))
	}
	return kw
}

// candidates resolves kw through the keyword index into sorted unique ids.
func (r *Retriever) candidates(kw memory.Keywords) []int {
	seen := make(map[int]struct{})
	var ids []int
	for cat, words := range kw {
		for _, w := range words {
			for _, id := range r.store.LookupByKeyword(cat, w) {
				if _, ok := seen[id]; ok {
					continue
				}
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	slices.Sort(ids)
	return ids
}

func (r *Retriever) record(ctx context.Context, status string, start time.Time, candidates int) {
	r.log.Debug("retrieval: ranked", "agent", r.agent, "status", status, "candidates", candidates, "took", time.Since(start))
	if r.metrics != nil {
		r.metrics.RecordRetrieval(ctx, r.agent, status, time.Since(start).Seconds(), candidates)
	}
}
