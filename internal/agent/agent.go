// Package agent binds one agent's memory store, retriever and reflector to
// its identity and goals.
//
// An [Agent] is the unit the rest of mnemo works with: observations go in
// through [Agent.Observe], retrieval and reflection run against the agent's
// own store, and the agent supplies the per-cycle inputs (preamble, goals,
// impressions, reference embeddings) those components ask for.
//
// Agents are created by a [Loader], which holds the infrastructure shared by
// every agent of a process.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/mnemo/internal/keywords"
	"github.com/MrWong99/mnemo/internal/reflection"
	"github.com/MrWong99/mnemo/internal/retrieval"
	"github.com/MrWong99/mnemo/pkg/memory"
	"github.com/MrWong99/mnemo/pkg/provider/embeddings"
)

// ErrBusy is returned by [Agent.Reflect] while another cycle of the same
// agent is still running.
var ErrBusy = errors.New("agent: reflection already running")

// Identity describes an agent's static persona.
type Identity struct {
	// ID is the stable identifier used as the memory owner. Must not be empty.
	ID string

	// Name is the in-world name of the agent.
	Name string

	// Persona is a free-text description of who the agent is. It opens the
	// reflection preamble and seeds a reference embedding.
	Persona string

	// WorldInfo is optional shared context about the environment.
	WorldInfo string

	// Characters lists names of other characters the agent knows. Keyword
	// extraction files matches under the characters category.
	Characters []string

	// Goals maps a round to the agent's goals for that round.
	Goals map[int]string
}

// Observation is a new memory reported to an agent.
type Observation struct {
	Round       int
	Tick        int
	Description string
	Location    string
	Success     bool
	ActorID     string

	// Importance is rated by the appraiser when zero.
	Importance float64

	// Keywords are extracted from Description when nil.
	Keywords memory.Keywords

	// Kind defaults to [memory.KindObservation].
	Kind memory.Kind
}

// Rater assigns an importance score to text.
type Rater interface {
	Rate(ctx context.Context, text string) float64
}

// Agent is a single agent with its own memory.
type Agent struct {
	identity  Identity
	store     *memory.Store
	retriever *retrieval.Retriever
	reflector *reflection.Reflector
	rater     Rater
	extractor keywords.Extractor
	goals     *GoalBook
	embedder  embeddings.Provider
	round     func() int
	log       *slog.Logger

	mu          sync.RWMutex
	refs        [][]float32
	impressions map[string]string

	reflecting sync.Mutex
}

var (
	_ retrieval.ReferenceProvider = (*Agent)(nil)
	_ retrieval.GoalsProvider     = (*GoalBook)(nil)
)

// ID returns the agent's identifier.
func (a *Agent) ID() string { return a.identity.ID }

// Name returns the agent's in-world name.
func (a *Agent) Name() string { return a.identity.Name }

// Identity returns a copy of the agent's persona.
func (a *Agent) Identity() Identity {
	id := a.identity
	id.Characters = slices.Clone(id.Characters)
	id.Goals = a.goals.All()
	return id
}

// Store returns the agent's memory store.
func (a *Agent) Store() *memory.Store { return a.store }

// Retriever returns the agent's retriever.
func (a *Agent) Retriever() *retrieval.Retriever { return a.retriever }

// Goals returns the agent's goal book.
func (a *Agent) Goals() *GoalBook { return a.goals }

// Observe appends o to the agent's memory and returns its id.
func (a *Agent) Observe(ctx context.Context, o Observation) int {
	if o.Kind == 0 {
		o.Kind = memory.KindObservation
	}
	if o.Importance == 0 && a.rater != nil {
		o.Importance = a.rater.Rate(ctx, o.Description)
	}
	if o.Keywords == nil && a.extractor != nil {
		o.Keywords = a.extractor.Extract(o.Description)
	}
	return a.store.Add(ctx, memory.Record{
		Round:       o.Round,
		Tick:        o.Tick,
		Description: o.Description,
		Keywords:    o.Keywords,
		Location:    o.Location,
		Success:     o.Success,
		Importance:  o.Importance,
		Kind:        o.Kind,
		ActorID:     o.ActorID,
	})
}

// Retrieve ranks the agent's memories for req.
func (a *Agent) Retrieve(ctx context.Context, req retrieval.Request) ([]string, error) {
	out, err := a.retriever.Retrieve(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("agent %s: retrieve: %w", a.identity.ID, err)
	}
	return out, nil
}

// Revise rewrites the reflection with the given id and re-extracts its
// keywords from description. Revising any other kind fails with
// [memory.ErrTypeMismatch].
func (a *Agent) Revise(ctx context.Context, id, round, tick int, description string) (int, error) {
	var kw memory.Keywords
	if a.extractor != nil {
		kw = a.extractor.Extract(description)
	}
	if kw == nil {
		kw = memory.Keywords{}
	}
	return a.store.Revise(ctx, id, round, tick, description, kw)
}

// ReflectRequest stamps the reflections written by one cycle.
type ReflectRequest struct {
	Round    int
	Tick     int
	Location string
}

// Reflect runs one reflection cycle. It returns [ErrBusy] if a cycle of this
// agent is already running.
func (a *Agent) Reflect(ctx context.Context, req ReflectRequest) (reflection.Report, error) {
	if !a.reflecting.TryLock() {
		return reflection.Report{}, ErrBusy
	}
	defer a.reflecting.Unlock()

	report, err := a.reflector.Reflect(ctx, reflection.Cycle{
		Round:       req.Round,
		Tick:        req.Tick,
		Location:    req.Location,
		Preamble:    a.Preamble(req.Round),
		Impressions: a.Impressions(),
	})
	if err != nil {
		return report, fmt.Errorf("agent %s: %w", a.identity.ID, err)
	}
	return report, nil
}

// Preamble describes the agent for the reflection system prompt.
func (a *Agent) Preamble(round int) string {
	var b strings.Builder
	if a.identity.WorldInfo != "" {
		fmt.Fprintf(&b, "WORLD INFO: %s\n", a.identity.WorldInfo)
	}
	fmt.Fprintf(&b, "You are %s.", a.identity.Name)
	if a.identity.Persona != "" {
		b.WriteString(" ")
		b.WriteString(a.identity.Persona)
	}
	b.WriteString("\n")
	if g := a.goals.Goals(round); g != "" {
		fmt.Fprintf(&b, "Your goals are: %s\n", g)
	}
	return b.String()
}

// SetImpression records the agent's current view of another character.
// An empty text removes it.
func (a *Agent) SetImpression(name, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if text == "" {
		delete(a.impressions, name)
		return
	}
	if a.impressions == nil {
		a.impressions = make(map[string]string)
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	a.impressions[name] = text
}

// Impressions returns the recorded impressions ordered by character name.
func (a *Agent) Impressions() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.impressions))
	for _, name := range slices.Sorted(maps.Keys(a.impressions)) {
		out = append(out, a.impressions[name])
	}
	return out
}

// SetGoals replaces the goals of round. The reference embeddings are
// refreshed only when round is the current round; goals of other rounds take
// effect when the clock reaches them.
func (a *Agent) SetGoals(ctx context.Context, round int, goals string) {
	a.goals.Set(round, goals)
	if round == a.currentRound() {
		a.RefreshReferences(ctx, round)
	}
}

// currentRound reports the round of the agent's clock, or 0 without one.
func (a *Agent) currentRound() int {
	if a.round == nil {
		return 0
	}
	return a.round()
}

// References returns the reference embeddings used to score relevance when
// a retrieval carries no query.
func (a *Agent) References(context.Context) [][]float32 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.refs)
}

// RefreshReferences embeds the persona and the goals of round. Texts that
// are empty or fail to embed are left out.
func (a *Agent) RefreshReferences(ctx context.Context, round int) {
	if a.embedder == nil {
		return
	}
	var texts []string
	if a.identity.Persona != "" {
		texts = append(texts, a.identity.Persona)
	}
	if g := a.goals.Goals(round); g != "" {
		texts = append(texts, g)
	}
	var refs [][]float32
	for _, t := range texts {
		v, err := a.embedder.Embed(ctx, t)
		if err != nil {
			a.log.Warn("agent: reference embedding failed", "agent", a.identity.ID, "err", err)
			continue
		}
		refs = append(refs, v)
	}
	a.mu.Lock()
	a.refs = refs
	a.mu.Unlock()
}
