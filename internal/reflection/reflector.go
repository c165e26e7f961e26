// Package reflection consolidates an agent's memories into higher-level
// reflections.
//
// A cycle ([Reflector.Reflect]) gathers a pool of relevant memories with a
// fixed set of probe questions, then feeds the pool to a [Summarizer] in
// batches that fit a token budget computed once per cycle. Each reply
// proposes new reflections and revisions of existing ones; revisions that do
// not target a reflection are stored as new reflections instead. Processed
// batches leave the pool, so a cycle ends after at most one iteration per
// pooled memory, or earlier when even the shortest remaining memory does not
// fit the budget.
//
// Everything written before a failure stays written.
package reflection

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/mnemo/internal/observe"
	"github.com/MrWong99/mnemo/internal/retrieval"
	"github.com/MrWong99/mnemo/pkg/memory"
	"github.com/MrWong99/mnemo/pkg/provider/llm"
	"github.com/MrWong99/mnemo/pkg/tokenizer"
)

// Memory is the store surface a [Reflector] reads and writes.
type Memory interface {
	Owner() string
	Get(id int) (memory.Record, error)
	Add(ctx context.Context, r memory.Record) int
	Revise(ctx context.Context, id, round, tick int, description string, kw memory.Keywords) (int, error)
}

var _ Memory = (*memory.Store)(nil)

// Ranker ranks memories for a probe question.
type Ranker interface {
	Rank(ctx context.Context, req retrieval.Request) ([]retrieval.Score, error)
}

var _ Ranker = (*retrieval.Retriever)(nil)

// Appraisal is the importance and keywords assigned to a new reflection.
type Appraisal struct {
	Importance float64
	Keywords   memory.Keywords
}

// Appraiser scores and indexes the text of a new reflection. It is
// best-effort and never fails; implementations fall back to defaults.
type Appraiser interface {
	Appraise(ctx context.Context, text string) Appraisal
}

// Cycle carries the per-cycle inputs that come from the agent.
type Cycle struct {
	Round    int
	Tick     int
	Location string

	// Preamble describes the agent, its persona and goals. It opens the
	// system prompt.
	Preamble string

	// Impressions are the agent's current views of other agents, sent
	// verbatim at the start of the user prompt.
	Impressions []string
}

// Report summarises a finished cycle.
type Report struct {
	CycleID string

	// Pool is the number of distinct memories gathered by the probes.
	Pool int

	// Batches counts summarizer replies that were applied.
	Batches int

	// Created and Updated list the ids of reflections written.
	Created []int
	Updated []int

	// Skipped counts proposals dropped for lack of a statement.
	Skipped int

	// Aborted is set when the cycle stopped because nothing left in the pool
	// fit the budget. AbortReason then wraps [llm.ErrBudgetExceeded].
	Aborted     bool
	AbortReason error
}

// Option configures a [Reflector].
type Option func(*Reflector)

// WithMetrics records reflection metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Reflector) { r.metrics = m }
}

// WithLogger overrides the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(r *Reflector) {
		if l != nil {
			r.log = l
		}
	}
}

// Reflector runs consolidation cycles for one agent. Cycles of the same
// Reflector must not overlap.
type Reflector struct {
	cfg        Config
	mem        Memory
	ranker     Ranker
	summarizer Summarizer
	appraiser  Appraiser
	counter    tokenizer.Counter
	metrics    *observe.Metrics
	log        *slog.Logger
}

// New creates a Reflector. A zero cfg.ContextWindow is taken from the
// summarizer when it exposes ContextWindow() int; it is an error if neither
// provides one.
func New(cfg Config, mem Memory, ranker Ranker, s Summarizer, a Appraiser, c tokenizer.Counter, opts ...Option) (*Reflector, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ContextWindow == 0 {
		if cw, ok := s.(interface{ ContextWindow() int }); ok {
			cfg.ContextWindow = cw.ContextWindow()
		}
	}
	if cfg.ContextWindow <= 0 {
		return nil, errors.New("reflection: context window unknown")
	}
	r := &Reflector{
		cfg:        cfg,
		mem:        mem,
		ranker:     ranker,
		summarizer: s,
		appraiser:  a,
		counter:    c,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Config returns the effective configuration.
func (r *Reflector) Config() Config { return r.cfg }

// entry is one pooled memory as it appears in the user prompt.
type entry struct {
	id         int
	reflection bool
	line       string
	tokens     int
}

// Reflect runs one consolidation cycle. Running out of budget is reported in
// the [Report], not as an error. Errors from retrieval, from the summarizer
// after its own retries, or from replies that stay malformed after
// ParseRetries attempts end the cycle; the returned Report still describes
// the work done before.
func (r *Reflector) Reflect(ctx context.Context, c Cycle) (Report, error) {
	report := Report{CycleID: uuid.NewString()}
	log := r.log.With("agent", r.mem.Owner(), "cycle", report.CycleID)

	ctx, span := observe.StartAgentSpan(ctx, "reflection.Reflect", r.mem.Owner(), c.Round)
	defer span.End()
	ctx = observe.WithCycle(ctx, report.CycleID)
	start := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.ReflectionDuration.Record(ctx, time.Since(start).Seconds())
			r.metrics.RecordReflectionWrite(ctx, r.mem.Owner(), "created", len(report.Created))
			r.metrics.RecordReflectionWrite(ctx, r.mem.Owner(), "updated", len(report.Updated))
		}
	}()

	system := systemPrompt(c.Preamble)
	budget := r.budget(system, c.Impressions)

	pool, err := r.gather(ctx, c.Round)
	if err != nil {
		observe.Fail(span, err)
		return report, err
	}
	report.Pool = len(pool)
	log.Debug("reflection: pool gathered", "memories", len(pool), "budget", budget)

	for len(pool) > 0 {
		batch := fill(pool, budget)
		if len(batch) == 0 {
			report.Aborted = true
			report.AbortReason = &llm.BudgetError{
				Limit:     budget,
				Requested: pool[0].tokens,
				Excess:    pool[0].tokens - budget,
			}
			log.Warn("reflection: no memory fits the budget, aborting cycle",
				"budget", budget, "shortest", pool[0].tokens, "remaining", len(pool))
			if r.metrics != nil {
				r.metrics.ReflectionAborts.Add(ctx, 1)
			}
			break
		}

		user := userPrompt(c.Impressions, batch, r.cfg.InsightQuestion)
		resp, err := r.summarize(ctx, system, user)

		if errors.Is(err, llm.ErrBudgetExceeded) {
			// The service counts differently; shrink and refill.
			shrink := 0
			var be *llm.BudgetError
			if errors.As(err, &be) {
				shrink = be.Excess
			}
			if shrink <= 0 {
				shrink = max(1, budget/4)
			}
			budget -= shrink
			log.Warn("reflection: summarizer rejected batch size, shrinking budget",
				"shrink", shrink, "budget", budget)
			continue
		}
		if err != nil {
			observe.Fail(span, err)
			return report, fmt.Errorf("reflection: batch %d: %w", report.Batches+1, err)
		}

		r.apply(ctx, log, c, resp, &report)
		report.Batches++
		if r.metrics != nil {
			r.metrics.ReflectionBatches.Add(ctx, 1)
		}

		done := make(map[int]struct{}, len(batch))
		for _, e := range batch {
			done[e.id] = struct{}{}
		}
		pool = slices.DeleteFunc(pool, func(e entry) bool {
			_, ok := done[e.id]
			return ok
		})
	}

	span.SetAttributes(
		attribute.Int("batches", report.Batches),
		attribute.Int("created", len(report.Created)),
		attribute.Int("updated", len(report.Updated)),
		attribute.Bool("aborted", report.Aborted),
	)
	log.Info("reflection: cycle finished",
		"pool", report.Pool,
		"batches", report.Batches,
		"created", len(report.Created),
		"updated", len(report.Updated),
		"skipped", report.Skipped,
		"aborted", report.Aborted,
	)
	return report, nil
}

// budget returns the tokens left for pooled memories in one request.
func (r *Reflector) budget(system string, impressions []string) int {
	b := r.cfg.ContextWindow - r.cfg.MaxOutputTokens
	b -= tokenizer.Prompt(r.counter, llm.RoleSystem, false, system)
	b -= tokenizer.Prompt(r.counter, llm.RoleUser, true, impressions...)
	b -= tokenizer.Sum(r.counter, primers())
	b -= r.counter.Count("\n" + r.cfg.InsightQuestion)
	return b
}

// gather runs every probe question and returns the distinct memories found,
// shortest first.
func (r *Reflector) gather(ctx context.Context, round int) ([]entry, error) {
	seen := make(map[int]struct{})
	var pool []entry
	for _, q := range r.cfg.ProbeQuestions {
		scores, err := r.ranker.Rank(ctx, retrieval.Request{
			Query:      q,
			Limit:      r.cfg.MemoriesPerProbe,
			IncludeIDs: true,
			Round:      round,
		})
		if err != nil {
			return nil, fmt.Errorf("reflection: probe %q: %w", q, err)
		}
		for _, s := range scores {
			if _, ok := seen[s.ID]; ok {
				continue
			}
			seen[s.ID] = struct{}{}
			rec, err := r.mem.Get(s.ID)
			if err != nil {
				return nil, fmt.Errorf("reflection: probe %q: %w", q, err)
			}
			e := entry{id: rec.ID, reflection: rec.Kind == memory.KindReflection}
			if e.reflection {
				e.line = rec.Enumerated() + "\n"
			} else {
				e.line = rec.Description + "\n"
			}
			e.tokens = r.counter.Count(e.line)
			pool = append(pool, e)
		}
	}
	slices.SortStableFunc(pool, func(a, b entry) int {
		return cmp.Or(cmp.Compare(len(a.line), len(b.line)), cmp.Compare(a.id, b.id))
	})
	return pool, nil
}

// fill takes entries from the front of pool while their running token total
// stays within budget. It stops at the first entry that does not fit.
func fill(pool []entry, budget int) []entry {
	used := 0
	for i, e := range pool {
		if used+e.tokens > budget {
			return pool[:i]
		}
		used += e.tokens
	}
	return pool
}

// summarize sends one batch, re-sending it while the reply is malformed.
func (r *Reflector) summarize(ctx context.Context, system, user string) (Response, error) {
	req := SummaryRequest{
		System:      system,
		User:        user,
		MaxTokens:   r.cfg.MaxOutputTokens,
		Temperature: *r.cfg.Temperature,
	}
	var lastErr error
	for attempt := 0; attempt <= *r.cfg.ParseRetries; attempt++ {
		raw, err := r.summarizer.Summarize(ctx, req)
		if err != nil {
			r.recordAttempt(ctx, "error")
			return Response{}, err
		}
		resp, err := ParseResponse(raw)
		if err == nil {
			r.recordAttempt(ctx, "ok")
			return resp, nil
		}
		r.recordAttempt(ctx, "malformed")
		r.log.Warn("reflection: malformed reply, retrying batch",
			"agent", r.mem.Owner(), "attempt", attempt+1, "err", err)
		lastErr = err
	}
	return Response{}, fmt.Errorf("reflection: gave up after %d malformed replies: %w", *r.cfg.ParseRetries+1, lastErr)
}

func (r *Reflector) recordAttempt(ctx context.Context, status string) {
	if r.metrics != nil {
		r.metrics.RecordSummarizerAttempt(ctx, status)
	}
}

// apply writes the proposals of one reply: new reflections first, then
// revisions. A revision with no usable index, or one that targets anything
// but an existing reflection, is stored as a new reflection.
func (r *Reflector) apply(ctx context.Context, log *slog.Logger, c Cycle, resp Response, report *Report) {
	for _, n := range resp.New {
		if !n.HasStatement {
			report.Skipped++
			continue
		}
		report.Created = append(report.Created, r.create(ctx, c, n.Statement))
	}

	for _, u := range resp.Updated {
		if !u.HasStatement {
			report.Skipped++
			continue
		}
		if !u.HasIndex {
			report.Created = append(report.Created, r.create(ctx, c, u.Statement))
			continue
		}
		target, err := r.mem.Get(u.Index)
		if err != nil || target.Kind != memory.KindReflection {
			log.Debug("reflection: revision target is not a reflection, storing as new",
				"index", u.Index, "err", err)
			report.Created = append(report.Created, r.create(ctx, c, u.Statement))
			continue
		}
		kw := r.appraiser.Appraise(ctx, u.Statement).Keywords
		id, err := r.mem.Revise(ctx, u.Index, c.Round, c.Tick, u.Statement, kw)
		if err != nil {
			log.Warn("reflection: revision failed, storing as new", "index", u.Index, "err", err)
			report.Created = append(report.Created, r.create(ctx, c, u.Statement))
			continue
		}
		report.Updated = append(report.Updated, id)
	}
}

func (r *Reflector) create(ctx context.Context, c Cycle, statement string) int {
	a := r.appraiser.Appraise(ctx, statement)
	return r.mem.Add(ctx, memory.Record{
		Round:       c.Round,
		Tick:        c.Tick,
		Description: statement,
		Keywords:    a.Keywords,
		Location:    c.Location,
		Success:     true,
		Importance:  a.Importance,
		Kind:        memory.KindReflection,
		ActorID:     r.mem.Owner(),
	})
}
