// Package app wires the mnemo subsystems into a running memory server.
//
// The App struct owns the full lifecycle: New opens the journal, builds the
// shared summarizer and token counter and loads every configured agent; Run
// drives the reflection scheduler until the context is cancelled; Apply
// hot-reloads the parts of a changed config that can change at runtime; and
// Shutdown tears everything down in order.
//
// For testing, inject a journal or token counter via functional options
// (WithJournal, WithCounter). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/mnemo/internal/agent"
	"github.com/MrWong99/mnemo/internal/config"
	"github.com/MrWong99/mnemo/internal/observe"
	"github.com/MrWong99/mnemo/internal/reflection"
	"github.com/MrWong99/mnemo/internal/retrieval"
	"github.com/MrWong99/mnemo/pkg/memory"
	"github.com/MrWong99/mnemo/pkg/memory/postgres"
	"github.com/MrWong99/mnemo/pkg/memory/sqlite"
	"github.com/MrWong99/mnemo/pkg/provider/embeddings"
	"github.com/MrWong99/mnemo/pkg/provider/llm"
	"github.com/MrWong99/mnemo/pkg/tokenizer"
)

// defaultMaxConcurrent bounds parallel reflection passes when the config
// leaves reflection.max_concurrent unset.
const defaultMaxConcurrent = 4

// ErrUnknownAgent is returned for agent ids that are not loaded.
var ErrUnknownAgent = errors.New("app: unknown agent")

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	// LLM runs reflection. Required.
	LLM llm.Provider

	// Rating scores observation importance. Defaults to LLM.
	Rating llm.Provider

	// Embeddings computes memory and query embeddings. Optional; without it
	// relevance is neutral.
	Embeddings embeddings.Provider
}

// Clock is the simulation time new reflections are stamped with.
type Clock struct {
	Round int `json:"round"`
	Tick  int `json:"tick"`
}

// AgentReport is the outcome of one agent's reflection pass.
type AgentReport struct {
	AgentID string
	Report  reflection.Report

	// Busy is set when the agent was already reflecting and was skipped.
	Busy bool
	Err  error
}

// App owns all subsystem lifetimes.
type App struct {
	providers *Providers
	journal   memory.Journal
	counter   tokenizer.Counter
	metrics   *observe.Metrics
	log       *slog.Logger
	level     *slog.LevelVar
	loader    *agent.Loader
	scheduler *Scheduler

	mu     sync.RWMutex
	cfg    *config.Config
	agents map[string]*agent.Agent
	clock  Clock

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithJournal injects a journal instead of opening the configured backend.
func WithJournal(j memory.Journal) Option {
	return func(a *App) { a.journal = j }
}

// WithCounter injects a token counter instead of the configured tokenizer.
func WithCounter(c tokenizer.Counter) Option {
	return func(a *App) { a.counter = c }
}

// WithMetrics records metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets [App.Apply] change the log level of the handler that
// reads v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: an LLM provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
		agents:    make(map[string]*agent.Agent),
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}

	// ── 1. Journal ───────────────────────────────────────────────────────
	if err := a.initJournal(ctx); err != nil {
		return nil, fmt.Errorf("app: init journal: %w", err)
	}

	// ── 2. Token counter ─────────────────────────────────────────────────
	if a.counter == nil {
		a.counter = newCounter(cfg.Providers.Tokenizer, providers.LLM.ModelID())
	}

	// ── 3. Agent loader ──────────────────────────────────────────────────
	a.loader = a.newLoader(cfg)

	// ── 4. Agents ────────────────────────────────────────────────────────
	for _, ac := range cfg.Agents {
		if err := a.addAgent(ctx, ac, cfg.Memory.Tuning()); err != nil {
			_ = a.Shutdown(ctx)
			return nil, fmt.Errorf("app: %w", err)
		}
	}

	// ── 5. Scheduler ─────────────────────────────────────────────────────
	a.scheduler = NewScheduler(a, cfg.Reflection.Interval)

	a.log.Info("app: ready", "agents", len(a.agents), "journal", string(cfg.Journal.Backend))
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initJournal opens the configured journal backend unless one was injected.
func (a *App) initJournal(ctx context.Context) error {
	if a.journal != nil {
		return nil
	}
	jc := a.cfg.Journal
	switch jc.Backend {
	case config.JournalNone:
		return nil
	case config.JournalPostgres:
		j, err := postgres.Open(ctx, jc.DSN, jc.EmbeddingDimensions)
		if err != nil {
			return err
		}
		a.journal = j
		a.closers = append(a.closers, j.Close)
	case config.JournalSQLite:
		j, err := sqlite.Open(ctx, jc.DSN)
		if err != nil {
			return err
		}
		a.journal = j
		a.closers = append(a.closers, j.Close)
	default:
		return fmt.Errorf("unknown backend %q", jc.Backend)
	}
	return nil
}

// newCounter picks the prompt token counter: a fixed character ratio when
// configured, otherwise tiktoken for the configured or reflection model.
func newCounter(tc config.TokenizerConfig, llmModel string) tokenizer.Counter {
	if tc.CharsPerToken > 0 {
		return tokenizer.Heuristic{CharsPerToken: tc.CharsPerToken}
	}
	return tokenizer.ForModel(cmp.Or(tc.Model, llmModel))
}

func (a *App) newLoader(cfg *config.Config) *agent.Loader {
	sumOpts := []reflection.SummarizerOption{}
	if cfg.Reflection.RequestRetries > 0 {
		sumOpts = append(sumOpts, reflection.WithRequestRetries(cfg.Reflection.RequestRetries))
	}
	if a.metrics != nil {
		sumOpts = append(sumOpts, reflection.WithSummarizerMetrics(a.metrics))
	}
	summarizer := reflection.NewLLMSummarizer(a.providers.LLM, sumOpts...)

	opts := []agent.LoaderOption{
		agent.WithRatingLLM(cmp.Or[llm.Provider](a.providers.Rating, a.providers.LLM)),
		agent.WithTuning(cfg.Memory.Tuning()),
		agent.WithReflectionConfig(cfg.Reflection.Settings()),
		agent.WithRound(func() int { return a.Clock().Round }),
		agent.WithLogger(a.log),
	}
	if a.providers.Embeddings != nil {
		opts = append(opts, agent.WithEmbedder(a.providers.Embeddings))
	}
	if a.journal != nil {
		opts = append(opts, agent.WithJournal(a.journal))
	}
	if a.metrics != nil {
		opts = append(opts, agent.WithMetrics(a.metrics))
	}
	return agent.NewLoader(summarizer, a.counter, opts...)
}

// addAgent loads ac and applies tuning, which may be newer than the tuning
// the loader was built with.
func (a *App) addAgent(ctx context.Context, ac config.AgentConfig, tuning retrieval.Tuning) error {
	ag, err := a.loader.Load(ctx, ac.Identity())
	if err != nil {
		return err
	}
	ag.Retriever().Tune(tuning)
	a.mu.Lock()
	a.agents[ag.ID()] = ag
	a.mu.Unlock()
	return nil
}

func (a *App) removeAgent(id string) {
	a.mu.Lock()
	_, ok := a.agents[id]
	delete(a.agents, id)
	a.mu.Unlock()
	if ok && a.metrics != nil {
		a.metrics.ActiveAgents.Add(context.Background(), -1)
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Agent returns the loaded agent with the given id.
func (a *App) Agent(id string) (*agent.Agent, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ag, ok := a.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, id)
	}
	return ag, nil
}

// Agents returns every loaded agent ordered by id.
func (a *App) Agents() []*agent.Agent {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*agent.Agent, 0, len(a.agents))
	for _, id := range slices.Sorted(maps.Keys(a.agents)) {
		out = append(out, a.agents[id])
	}
	return out
}

// Clock returns the current simulation time.
func (a *App) Clock() Clock {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.clock
}

// SetClock advances the simulation time used by scheduled reflection. Goals
// of agents whose round changed are refreshed for the new round.
func (a *App) SetClock(ctx context.Context, c Clock) error {
	if c.Round < 0 || c.Tick < 0 {
		return fmt.Errorf("app: clock must not be negative, got round %d tick %d", c.Round, c.Tick)
	}
	a.mu.Lock()
	prev := a.clock
	a.clock = c
	a.mu.Unlock()

	if prev.Round != c.Round {
		for _, ag := range a.Agents() {
			ag.RefreshReferences(ctx, c.Round)
		}
	}
	return nil
}

// Journal returns the journal in use, or nil.
func (a *App) Journal() memory.Journal { return a.journal }

// Scheduler returns the reflection scheduler.
func (a *App) Scheduler() *Scheduler { return a.scheduler }

// ─── Reflection ──────────────────────────────────────────────────────────────

// ReflectAll runs one reflection pass for every agent, at most
// reflection.max_concurrent at a time, stamped with the current clock.
func (a *App) ReflectAll(ctx context.Context) []AgentReport {
	return a.reflect(ctx, a.Agents())
}

func (a *App) reflect(ctx context.Context, agents []*agent.Agent) []AgentReport {
	clock := a.Clock()
	a.mu.RLock()
	limit := cmp.Or(a.cfg.Reflection.MaxConcurrent, defaultMaxConcurrent)
	a.mu.RUnlock()

	reports := make([]AgentReport, len(agents))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, ag := range agents {
		g.Go(func() error {
			rep, err := ag.Reflect(ctx, agent.ReflectRequest{Round: clock.Round, Tick: clock.Tick})
			reports[i] = AgentReport{AgentID: ag.ID(), Report: rep}
			switch {
			case errors.Is(err, agent.ErrBusy):
				reports[i].Busy = true
			case err != nil:
				reports[i].Err = err
				a.log.Error("app: reflection failed", "agent", ag.ID(), "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// Apply hot-reloads next. Log level, retrieval tuning and per-round goals take
// effect at once; agents added to the config are loaded and removed agents are
// unloaded (their journal records are kept). Persona changes need a restart
// and are only logged.
func (a *App) Apply(ctx context.Context, next *config.Config) error {
	a.mu.RLock()
	prev := a.cfg
	a.mu.RUnlock()

	d := config.Diff(prev, next)
	var errs []error

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		a.log.Info("app: log level changed", "level", string(d.NewLogLevel))
	}
	if d.TuningChanged {
		t := next.Memory.Tuning()
		for _, ag := range a.Agents() {
			ag.Retriever().Tune(t)
		}
		a.log.Info("app: retrieval tuning changed", "lookback", t.Lookback, "decay", t.Decay)
	}

	byID := make(map[string]config.AgentConfig, len(next.Agents))
	for _, ac := range next.Agents {
		byID[ac.ID] = ac
	}
	for _, ch := range d.AgentChanges {
		switch {
		case ch.Added:
			if err := a.addAgent(ctx, byID[ch.ID], next.Memory.Tuning()); err != nil {
				errs = append(errs, err)
				continue
			}
			a.log.Info("app: agent added", "agent", ch.ID)
		case ch.Removed:
			a.removeAgent(ch.ID)
			a.scheduler.Forget(ch.ID)
			a.log.Info("app: agent removed", "agent", ch.ID)
		default:
			ag, err := a.Agent(ch.ID)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			goals := byID[ch.ID].Goals
			for _, round := range ch.GoalsChanged {
				ag.SetGoals(ctx, round, goals[round])
			}
			if ch.PersonaChanged {
				a.log.Warn("app: persona changes take effect after restart", "agent", ch.ID)
			}
		}
	}

	a.mu.Lock()
	a.cfg = next
	a.mu.Unlock()
	return errors.Join(errs...)
}

// ─── Run / Shutdown ──────────────────────────────────────────────────────────

// Run starts the reflection scheduler and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.scheduler.Start(ctx)
	<-ctx.Done()
	a.scheduler.Stop()
	return ctx.Err()
}

// Shutdown stops the scheduler and tears down all subsystems in order. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("app: shutting down", "closers", len(a.closers))
		if a.scheduler != nil {
			a.scheduler.Stop()
		}
		for _, ag := range a.Agents() {
			if ag.Store().Degraded() {
				a.log.Warn("app: agent journal was degraded during this run", "agent", ag.ID())
			}
			a.removeAgent(ag.ID())
		}
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("app: closer error", "index", i, "err", err)
			}
		}
		a.log.Info("app: shutdown complete")
	})
	return shutdownErr
}
