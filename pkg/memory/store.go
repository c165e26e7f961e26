// Package memory holds the per-agent memory log used by mnemo.
//
// A [Store] owns an append-only sequence of [Record] values together with the
// indexes derived from them:
//
//   - a [KeywordIndex] from (category, word) to record ids, used as a cheap
//     candidate pre-filter before similarity scoring;
//   - kind and round indexes for consolidation and round-based queries;
//   - a lazily filled embedding cache keyed by record id.
//
// Record ids are dense and ascending from zero, so [Store.Size] is both the
// record count and the id the next [Store.Add] will assign. Records are never
// deleted; reflections may be revised in place, which invalidates their cached
// embedding.
//
// A store may write through to a [Journal] for durability. Journal failures
// never fail the in-memory operation: they are logged and flip the store into
// a degraded state reported by [Store.Degraded].
//
// All methods are safe for concurrent use.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/mnemo/pkg/provider/embeddings"
)

// Journal persists a store's records outside the process. Implementations
// live in sub-packages (postgres, sqlite) and must be safe for concurrent use.
type Journal interface {
	// Append stores a newly added record for owner.
	Append(ctx context.Context, owner string, r Record) error

	// Revise overwrites the mutable fields of an existing record and drops
	// its stored embedding, which no longer matches the description.
	Revise(ctx context.Context, owner string, r Record) error

	// SaveEmbedding stores the embedding computed for record id. A nil vector
	// clears a previously stored one.
	SaveEmbedding(ctx context.Context, owner string, id int, vec []float32) error

	// Load returns every persisted record for owner ordered by id.
	Load(ctx context.Context, owner string) ([]Entry, error)
}

// Entry is a persisted record plus its stored embedding, if any.
type Entry struct {
	Record    Record
	Embedding []float32
}

// Option configures a [Store].
type Option func(*Store)

// WithEmbedder sets the provider used to compute record embeddings on demand.
func WithEmbedder(p embeddings.Provider) Option {
	return func(s *Store) { s.embedder = p }
}

// WithJournal enables write-through persistence.
func WithJournal(j Journal) Option {
	return func(s *Store) { s.journal = j }
}

// WithLogger overrides the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// Store is the memory log of a single agent.
type Store struct {
	owner string

	mu        sync.RWMutex
	records   []Record
	revisions []int
	index     *KeywordIndex
	byKind    map[Kind][]int
	byRound   map[int][]int
	cache     map[int][]float32

	embedder embeddings.Provider
	journal  Journal
	log      *slog.Logger
	degraded atomic.Bool

	// Journal writes run in the order their tickets were taken under mu.
	jmu   sync.Mutex
	jcond *sync.Cond
	jnext uint64
	jturn uint64
}

// NewStore creates an empty store owned by the agent with id owner.
func NewStore(owner string, opts ...Option) *Store {
	s := &Store{
		owner:   owner,
		index:   NewKeywordIndex(),
		byKind:  make(map[Kind][]int),
		byRound: make(map[int][]int),
		cache:   make(map[int][]float32),
		log:     slog.Default(),
	}
	s.jcond = sync.NewCond(&s.jmu)
	for _, o := range opts {
		o(s)
	}
	return s
}

// Owner returns the id of the agent owning this store.
func (s *Store) Owner() string { return s.owner }

// Add appends r to the log and returns its id. The caller's ID field is
// ignored. Malformed keyword entries are logged and skipped; the record is
// still created. Records with an invalid kind are stored as observations.
func (s *Store) Add(ctx context.Context, r Record) int {
	kw, dropped := r.Keywords.Normalize()
	if dropped > 0 {
		s.log.Warn("memory: skipped malformed keywords", "owner", s.owner, "dropped", dropped)
	}
	r.Keywords = kw
	if !r.Kind.Valid() {
		s.log.Warn("memory: invalid record kind, storing as observation", "owner", s.owner, "kind", int(r.Kind))
		r.Kind = KindObservation
	}

	s.mu.Lock()
	r.ID = len(s.records)
	s.records = append(s.records, r)
	s.revisions = append(s.revisions, 0)
	s.index.Add(r.ID, r.Keywords)
	s.byKind[r.Kind] = append(s.byKind[r.Kind], r.ID)
	s.byRound[r.Round] = append(s.byRound[r.Round], r.ID)
	stored := r.clone()
	ticket := s.ticket()
	s.mu.Unlock()

	if s.journal != nil {
		s.inTurn(ticket, func() {
			if err := s.journal.Append(ctx, s.owner, stored); err != nil {
				s.markDegraded("append", r.ID, err)
			}
		})
	}
	return r.ID
}

// Get returns a copy of the record with the given id.
func (s *Store) Get(id int) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id < 0 || id >= len(s.records) {
		return Record{}, fmt.Errorf("memory: get %d: %w", id, ErrNotFound)
	}
	return s.records[id].clone(), nil
}

// Update revises the time stamp and description of the reflection with the
// given id and returns the id. Keywords are left as they are. The cached
// embedding is dropped and recomputed on next use.
func (s *Store) Update(ctx context.Context, id, round, tick int, description string) (int, error) {
	return s.revise(ctx, id, round, tick, description, nil)
}

// Revise behaves like [Store.Update] but also replaces the record's keywords,
// removing the stale keyword index entries of the old set.
func (s *Store) Revise(ctx context.Context, id, round, tick int, description string, kw Keywords) (int, error) {
	norm, dropped := kw.Normalize()
	if dropped > 0 {
		s.log.Warn("memory: skipped malformed keywords", "owner", s.owner, "id", id, "dropped", dropped)
	}
	return s.revise(ctx, id, round, tick, description, norm)
}

func (s *Store) revise(ctx context.Context, id, round, tick int, description string, kw Keywords) (int, error) {
	s.mu.Lock()
	if id < 0 || id >= len(s.records) {
		s.mu.Unlock()
		return 0, fmt.Errorf("memory: update %d: %w", id, ErrNotFound)
	}
	rec := &s.records[id]
	if rec.Kind != KindReflection {
		kind := rec.Kind
		s.mu.Unlock()
		return 0, fmt.Errorf("memory: update %d (%s): %w", id, kind, ErrTypeMismatch)
	}

	if rec.Round != round {
		s.byRound[rec.Round] = removeID(s.byRound[rec.Round], id)
		if len(s.byRound[rec.Round]) == 0 {
			delete(s.byRound, rec.Round)
		}
		s.byRound[round] = insertID(s.byRound[round], id)
	}
	if kw != nil {
		s.index.Remove(id, rec.Keywords)
		rec.Keywords = kw
		s.index.Add(id, kw)
	}
	rec.Round = round
	rec.Tick = tick
	rec.Description = description
	s.revisions[id]++
	delete(s.cache, id)
	stored := rec.clone()
	ticket := s.ticket()
	s.mu.Unlock()

	if s.journal != nil {
		s.inTurn(ticket, func() {
			if err := s.journal.Revise(ctx, s.owner, stored); err != nil {
				s.markDegraded("revise", id, err)
			}
		})
	}
	return id, nil
}

// LookupByKeyword returns the ids indexed under (category, word) in ascending
// order. An unknown pair yields an empty result, not an error.
func (s *Store) LookupByKeyword(category, word string) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Lookup(category, word)
}

// Size returns the number of records, which is also the next id to assign.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// IsSelf reports whether the record with the given id was produced by the
// store's owner.
func (s *Store) IsSelf(id int) (bool, error) {
	r, err := s.Get(id)
	if err != nil {
		return false, err
	}
	return r.ActorID == s.owner, nil
}

// ByKind returns the ids of all records of kind k in ascending order.
func (s *Store) ByKind(k Kind) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]int(nil), s.byKind[k]...)
}

// ByRound returns the ids of all records stamped with round in ascending order.
func (s *Store) ByRound(round int) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]int(nil), s.byRound[round]...)
}

// AfterRound returns the ids of all records stamped with a round greater than
// round (or equal, when inclusive is set), in ascending id order.
func (s *Store) AfterRound(round int, inclusive bool) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int
	for r, ids := range s.byRound {
		if r > round || (inclusive && r == round) {
			out = append(out, ids...)
		}
	}
	sortIDs(out)
	return out
}

// Recent returns copies of the last n records in log order.
func (s *Store) Recent(n int) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 {
		return nil
	}
	start := max(len(s.records)-n, 0)
	out := make([]Record, 0, len(s.records)-start)
	for _, r := range s.records[start:] {
		out = append(out, r.clone())
	}
	return out
}

// RecentSummary renders the last n records as a numbered list suitable for
// inclusion in a prompt.
func (s *Store) RecentSummary(n int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The last %d observations in chronological order you have made are:", n)
	for i, r := range s.Recent(n) {
		fmt.Fprintf(&b, "\n%d. %s", i, r.Description)
	}
	return b.String()
}

// Embedding returns the embedding of record id, computing and caching it on
// first use.
func (s *Store) Embedding(ctx context.Context, id int) ([]float32, error) {
	vecs, err := s.Embeddings(ctx, []int{id})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Embeddings returns the embeddings of the given records, aligned with ids.
// Missing entries are computed in a single batch call and cached. A record
// revised while its embedding was being computed is not cached with the stale
// vector.
func (s *Store) Embeddings(ctx context.Context, ids []int) ([][]float32, error) {
	out := make([][]float32, len(ids))

	type pending struct {
		pos      []int
		id       int
		revision int
		text     string
	}
	var missing []*pending
	byID := make(map[int]*pending)

	s.mu.RLock()
	for i, id := range ids {
		if id < 0 || id >= len(s.records) {
			s.mu.RUnlock()
			return nil, fmt.Errorf("memory: embedding %d: %w", id, ErrNotFound)
		}
		if vec, ok := s.cache[id]; ok {
			out[i] = vec
			continue
		}
		if p, ok := byID[id]; ok {
			p.pos = append(p.pos, i)
			continue
		}
		p := &pending{pos: []int{i}, id: id, revision: s.revisions[id], text: s.records[id].Description}
		byID[id] = p
		missing = append(missing, p)
	}
	s.mu.RUnlock()

	if len(missing) == 0 {
		return out, nil
	}
	if s.embedder == nil {
		return nil, ErrNoEmbedder
	}

	texts := make([]string, len(missing))
	for i, p := range missing {
		texts[i] = p.text
	}
	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("memory: embed %d records: %w", len(texts), err)
	}
	if len(vecs) != len(missing) {
		return nil, fmt.Errorf("memory: embed returned %d vectors for %d texts", len(vecs), len(missing))
	}

	var fresh []*pending
	s.mu.Lock()
	for i, p := range missing {
		for _, pos := range p.pos {
			out[pos] = vecs[i]
		}
		if s.revisions[p.id] == p.revision {
			s.cache[p.id] = vecs[i]
			fresh = append(fresh, p)
		}
	}
	var ticket uint64
	if len(fresh) > 0 {
		ticket = s.ticket()
	}
	s.mu.Unlock()

	if s.journal != nil && len(fresh) > 0 {
		s.inTurn(ticket, func() {
			for _, p := range fresh {
				if err := s.journal.SaveEmbedding(ctx, s.owner, p.id, out[p.pos[0]]); err != nil {
					s.markDegraded("save embedding", p.id, err)
				}
			}
		})
	}
	return out, nil
}

// Restore rebuilds an empty store from persisted entries. Entries must carry
// ids 0..n-1 in order. Stored embeddings are loaded into the cache.
func (s *Store) Restore(entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) != 0 {
		return fmt.Errorf("memory: restore into non-empty store (%d records)", len(s.records))
	}
	for i, e := range entries {
		if e.Record.ID != i {
			s.reset()
			return fmt.Errorf("memory: restore: entry %d has id %d", i, e.Record.ID)
		}
		r := e.Record.clone()
		if !r.Kind.Valid() {
			s.reset()
			return fmt.Errorf("memory: restore: entry %d has invalid kind %d", i, int(r.Kind))
		}
		s.records = append(s.records, r)
		s.revisions = append(s.revisions, 0)
		s.index.Add(r.ID, r.Keywords)
		s.byKind[r.Kind] = append(s.byKind[r.Kind], r.ID)
		s.byRound[r.Round] = append(s.byRound[r.Round], r.ID)
		if len(e.Embedding) > 0 {
			s.cache[r.ID] = e.Embedding
		}
	}
	return nil
}

// Degraded reports whether a journal write has failed since the store was
// created. The in-memory state stays authoritative in that case.
func (s *Store) Degraded() bool { return s.degraded.Load() }

// ticket reserves the next journal write slot. Must be called with mu held
// so that slots follow the order of in-memory changes.
func (s *Store) ticket() uint64 {
	if s.journal == nil {
		return 0
	}
	t := s.jnext
	s.jnext++
	return t
}

// inTurn waits until every journal write with an earlier ticket has
// finished, then runs write.
func (s *Store) inTurn(ticket uint64, write func()) {
	s.jmu.Lock()
	for s.jturn != ticket {
		s.jcond.Wait()
	}
	s.jmu.Unlock()

	defer func() {
		s.jmu.Lock()
		s.jturn++
		s.jcond.Broadcast()
		s.jmu.Unlock()
	}()
	write()
}

func (s *Store) reset() {
	s.records = nil
	s.revisions = nil
	s.index = NewKeywordIndex()
	s.byKind = make(map[Kind][]int)
	s.byRound = make(map[int][]int)
	s.cache = make(map[int][]float32)
}

func (s *Store) markDegraded(op string, id int, err error) {
	if !s.degraded.Swap(true) {
		s.log.Warn("memory: journal degraded", "owner", s.owner)
	}
	s.log.Error("memory: journal write failed", "owner", s.owner, "op", op, "id", id, "err", err)
}

func insertID(ids []int, id int) []int {
	i, found := slices.BinarySearch(ids, id)
	if found {
		return ids
	}
	return slices.Insert(ids, i, id)
}

func removeID(ids []int, id int) []int {
	i, found := slices.BinarySearch(ids, id)
	if !found {
		return ids
	}
	return slices.Delete(ids, i, i+1)
}

func sortIDs(ids []int) { slices.Sort(ids) }
