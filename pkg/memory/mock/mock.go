// Package mock provides an in-memory test double for [memory.Journal].
//
// The mock records every method call for assertion in tests and keeps the
// persisted entries per owner, so a store written through it can be restored
// from it. Exported *Err fields make the matching method fail. The mock is
// safe for concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	j := &mock.Journal{}
//	s := memory.NewStore("alice", memory.WithJournal(j))
//	s.Add(ctx, memory.Record{Description: "hello", Kind: memory.KindObservation})
//
//	if got := j.CallCount("Append"); got != 1 {
//	    t.Errorf("expected 1 Append call, got %d", got)
//	}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/mnemo/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// ─────────────────────────────────────────────────────────────────────────────
// Journal mock
// ─────────────────────────────────────────────────────────────────────────────

// Journal is a configurable test double for [memory.Journal].
type Journal struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	// entries holds the persisted state per owner, indexed by record id.
	entries map[string][]memory.Entry

	// AppendErr is returned by [Journal.Append] when non-nil. The record is
	// not persisted.
	AppendErr error

	// ReviseErr is returned by [Journal.Revise] when non-nil.
	ReviseErr error

	// SaveEmbeddingErr is returned by [Journal.SaveEmbedding] when non-nil.
	SaveEmbeddingErr error

	// LoadErr is returned by [Journal.Load] when non-nil.
	LoadErr error
}

var _ memory.Journal = (*Journal)(nil)

// Seed stores entries for owner as if they had been appended earlier.
func (m *Journal) Seed(owner string, entries ...memory.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[string][]memory.Entry)
	}
	m.entries[owner] = append(m.entries[owner], entries...)
}

// Entries returns a copy of what is persisted for owner.
func (m *Journal) Entries(owner string) []memory.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.entries[owner])
}

// Calls returns a copy of all recorded method invocations.
func (m *Journal) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Journal) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering persisted entries or
// response configuration.
func (m *Journal) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Append implements [memory.Journal].
func (m *Journal) Append(_ context.Context, owner string, r memory.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Append", Args: []any{owner, r}})
	if m.AppendErr != nil {
		return m.AppendErr
	}
	if m.entries == nil {
		m.entries = make(map[string][]memory.Entry)
	}
	m.entries[owner] = append(m.entries[owner], memory.Entry{Record: r})
	return nil
}

// Revise implements [memory.Journal].
func (m *Journal) Revise(_ context.Context, owner string, r memory.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Revise", Args: []any{owner, r}})
	if m.ReviseErr != nil {
		return m.ReviseErr
	}
	if es := m.entries[owner]; r.ID >= 0 && r.ID < len(es) {
		es[r.ID] = memory.Entry{Record: r}
	}
	return nil
}

// SaveEmbedding implements [memory.Journal].
func (m *Journal) SaveEmbedding(_ context.Context, owner string, id int, vec []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "SaveEmbedding", Args: []any{owner, id, vec}})
	if m.SaveEmbeddingErr != nil {
		return m.SaveEmbeddingErr
	}
	if es := m.entries[owner]; id >= 0 && id < len(es) {
		es[id].Embedding = slices.Clone(vec)
	}
	return nil
}

// Load implements [memory.Journal].
func (m *Journal) Load(_ context.Context, owner string) ([]memory.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Load", Args: []any{owner}})
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	return slices.Clone(m.entries[owner]), nil
}
