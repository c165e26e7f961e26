package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/mnemo/internal/appraise"
	"github.com/MrWong99/mnemo/internal/keywords"
	"github.com/MrWong99/mnemo/internal/observe"
	"github.com/MrWong99/mnemo/internal/reflection"
	"github.com/MrWong99/mnemo/internal/retrieval"
	"github.com/MrWong99/mnemo/pkg/memory"
	"github.com/MrWong99/mnemo/pkg/provider/embeddings"
	"github.com/MrWong99/mnemo/pkg/provider/llm"
	"github.com/MrWong99/mnemo/pkg/tokenizer"
)

// Loader creates [Agent] instances by wiring together their dependencies.
//
// A Loader is constructed once per process with the shared infrastructure
// (providers, journal, tuning) and then used to create individual agents
// via [Loader.Load]. Loader is safe for concurrent use after construction;
// its fields are immutable.
type Loader struct {
	summarizer reflection.Summarizer
	counter    tokenizer.Counter
	rating     llm.Provider
	embedder   embeddings.Provider
	journal    memory.Journal
	tuning     retrieval.Tuning
	reflection reflection.Config
	round      func() int
	metrics    *observe.Metrics
	log        *slog.Logger
}

// LoaderOption is a functional option for [NewLoader].
type LoaderOption func(*Loader)

// WithEmbedder enables relevance scoring and reference embeddings.
func WithEmbedder(p embeddings.Provider) LoaderOption {
	return func(l *Loader) { l.embedder = p }
}

// WithJournal persists every agent's memory and restores it on load.
func WithJournal(j memory.Journal) LoaderOption {
	return func(l *Loader) { l.journal = j }
}

// WithRatingLLM sets the model that rates the importance of new memories.
// Without one, every memory gets [appraise.DefaultImportance] unless the
// caller supplies a value.
func WithRatingLLM(p llm.Provider) LoaderOption {
	return func(l *Loader) { l.rating = p }
}

// WithTuning sets the initial retrieval tuning of every agent.
func WithTuning(t retrieval.Tuning) LoaderOption {
	return func(l *Loader) { l.tuning = t }
}

// WithReflectionConfig sets the reflection configuration of every agent.
func WithReflectionConfig(c reflection.Config) LoaderOption {
	return func(l *Loader) { l.reflection = c }
}

// WithRound sets the source of the current round. Agents embed the goals of
// that round as references when loaded and when those goals change. Without
// one, agents assume round 0.
func WithRound(round func() int) LoaderOption {
	return func(l *Loader) { l.round = round }
}

// WithMetrics records metrics for every component of every agent.
func WithMetrics(m *observe.Metrics) LoaderOption {
	return func(l *Loader) { l.metrics = m }
}

// WithLogger overrides the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) LoaderOption {
	return func(l *Loader) {
		if log != nil {
			l.log = log
		}
	}
}

// NewLoader creates a [Loader]. summarizer and counter are required.
func NewLoader(summarizer reflection.Summarizer, counter tokenizer.Counter, opts ...LoaderOption) *Loader {
	l := &Loader{
		summarizer: summarizer,
		counter:    counter,
		tuning:     retrieval.DefaultTuning(),
		reflection: reflection.DefaultConfig(),
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Load creates the agent described by id. When the loader has a journal the
// agent's persisted memory is restored first.
//
// Errors are prefixed with "agent: ".
func (l *Loader) Load(ctx context.Context, id Identity) (*Agent, error) {
	if id.ID == "" {
		return nil, errors.New("agent: identity has empty ID")
	}
	if l.summarizer == nil {
		return nil, errors.New("agent: Loader has nil Summarizer")
	}
	if l.counter == nil {
		return nil, errors.New("agent: Loader has nil Counter")
	}
	if id.Name == "" {
		id.Name = id.ID
	}
	log := l.log.With("agent", id.ID)

	roster := append([]string{id.Name}, id.Characters...)
	extractor := keywords.New(keywords.WithCharacters(roster...))

	storeOpts := []memory.Option{memory.WithLogger(log)}
	if l.embedder != nil {
		storeOpts = append(storeOpts, memory.WithEmbedder(l.embedder))
	}
	if l.journal != nil {
		storeOpts = append(storeOpts, memory.WithJournal(l.journal))
	}
	store := memory.NewStore(id.ID, storeOpts...)
	if l.journal != nil {
		entries, err := l.journal.Load(ctx, id.ID)
		if err != nil {
			return nil, fmt.Errorf("agent: load %s: %w", id.ID, err)
		}
		if err := store.Restore(entries); err != nil {
			return nil, fmt.Errorf("agent: restore %s: %w", id.ID, err)
		}
		log.Info("agent: memory restored", "records", len(entries))
	}

	apOpts := []appraise.Option{appraise.WithLogger(log)}
	if l.metrics != nil {
		apOpts = append(apOpts, appraise.WithMetrics(l.metrics))
	}
	appraiser := appraise.New(l.rating, extractor, apOpts...)

	a := &Agent{
		identity:  id,
		store:     store,
		rater:     appraiser,
		extractor: extractor,
		goals:     NewGoalBook(id.Goals),
		embedder:  l.embedder,
		round:     l.round,
		log:       log,
	}
	a.identity.Goals = nil

	retOpts := []retrieval.Option{
		retrieval.WithGoals(a.goals),
		retrieval.WithReferences(a),
		retrieval.WithTuning(l.tuning),
		retrieval.WithLogger(log),
	}
	if l.embedder != nil {
		retOpts = append(retOpts, retrieval.WithEmbedder(l.embedder))
	}
	if l.metrics != nil {
		retOpts = append(retOpts, retrieval.WithMetrics(l.metrics))
	}
	a.retriever = retrieval.New(id.ID, store, extractor, retOpts...)

	refOpts := []reflection.Option{reflection.WithLogger(log)}
	if l.metrics != nil {
		refOpts = append(refOpts, reflection.WithMetrics(l.metrics))
	}
	r, err := reflection.New(l.reflection, store, a.retriever, l.summarizer, appraiser, l.counter, refOpts...)
	if err != nil {
		return nil, fmt.Errorf("agent: %s: %w", id.ID, err)
	}
	a.reflector = r

	a.RefreshReferences(ctx, a.currentRound())
	if l.metrics != nil {
		l.metrics.ActiveAgents.Add(ctx, 1)
	}
	return a, nil
}
