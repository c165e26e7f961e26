package reflection

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/mnemo/internal/retrieval"
	"github.com/MrWong99/mnemo/pkg/memory"
	"github.com/MrWong99/mnemo/pkg/provider/llm"
	"github.com/MrWong99/mnemo/pkg/tokenizer"
)

// fixedRanker returns ids for every probe question, in order.
type fixedRanker struct {
	mu    sync.Mutex
	ids   []int
	calls []retrieval.Request
}

func (f *fixedRanker) Rank(_ context.Context, req retrieval.Request) ([]retrieval.Score, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	out := make([]retrieval.Score, len(f.ids))
	for i, id := range f.ids {
		out[i] = retrieval.Score{ID: id}
	}
	return out, nil
}

// scripted replays replies in order and repeats the last one.
type scripted struct {
	mu      sync.Mutex
	replies []reply
	reqs    []SummaryRequest
}

type reply struct {
	text string
	err  error
}

func (s *scripted) Summarize(_ context.Context, req SummaryRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.reqs)
	s.reqs = append(s.reqs, req)
	r := s.replies[min(n, len(s.replies)-1)]
	return r.text, r.err
}

func (s *scripted) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reqs)
}

type constAppraiser struct{}

func (constAppraiser) Appraise(_ context.Context, text string) Appraisal {
	return Appraisal{Importance: 7, Keywords: memory.Keywords{memory.CategoryMisc: {"insight"}}}
}

// oneRunePerToken makes token arithmetic in tests easy to follow.
var oneRunePerToken = tokenizer.Heuristic{CharsPerToken: 1}

// newTestReflector returns a Reflector whose per-batch budget for memories
// is exactly budget tokens for cycles with an empty preamble and no
// impressions.
func newTestReflector(t *testing.T, mem Memory, ranker Ranker, s Summarizer, budget int, cfg Config) *Reflector {
	t.Helper()
	cfg.ContextWindow = 1_000_000
	r, err := New(cfg, mem, ranker, s, constAppraiser{}, oneRunePerToken)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	overhead := cfg.ContextWindow - r.budget(systemPrompt(""), nil)
	r.cfg.ContextWindow = overhead + budget
	if got := r.budget(systemPrompt(""), nil); got != budget {
		t.Fatalf("budget = %d, want %d", got, budget)
	}
	return r
}

func addObservations(s *memory.Store, descs ...string) {
	for _, d := range descs {
		s.Add(context.Background(), memory.Record{Description: d, Importance: 3, Kind: memory.KindObservation})
	}
}

func TestReflect_AbortsWhenNothingFits(t *testing.T) {
	t.Parallel()

	s := memory.NewStore("alice")
	addObservations(s, "aaaaaaaa", "aaaa")
	sum := &scripted{replies: []reply{{text: `{"new": [{"statement": "never"}]}`}}}
	r := newTestReflector(t, s, &fixedRanker{ids: []int{0, 1}}, sum, 4, Config{})

	report, err := r.Reflect(context.Background(), Cycle{Round: 1})
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if !report.Aborted {
		t.Error("report.Aborted = false, want true")
	}
	if !errors.Is(report.AbortReason, llm.ErrBudgetExceeded) {
		t.Errorf("report.AbortReason = %v, want ErrBudgetExceeded", report.AbortReason)
	}
	if report.Batches != 0 {
		t.Errorf("report.Batches = %d, want 0", report.Batches)
	}
	if n := sum.calls(); n != 0 {
		t.Errorf("summarizer calls = %d, want 0", n)
	}
	if got := s.Size(); got != 2 {
		t.Errorf("store size = %d, want 2 (unchanged)", got)
	}
}

func TestReflect_UpdateOfObservationBecomesNewReflection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := memory.NewStore("alice")
	addObservations(s, "obs 0", "obs 1", "obs 2", "obs 3", "obs 4", "obs 5")
	sum := &scripted{replies: []reply{{text: `{"updated": [{"index": 5, "statement": "X"}]}`}}}
	r := newTestReflector(t, s, &fixedRanker{ids: []int{5}}, sum, 1000, Config{})

	report, err := r.Reflect(ctx, Cycle{Round: 2, Tick: 9, Location: "tavern"})
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if !slices.Equal(report.Created, []int{6}) || len(report.Updated) != 0 {
		t.Errorf("report created=%v updated=%v, want created=[6] updated=[]", report.Created, report.Updated)
	}

	obs, err := s.Get(5)
	if err != nil {
		t.Fatalf("Get(5): %v", err)
	}
	if obs.Description != "obs 5" || obs.Kind != memory.KindObservation {
		t.Errorf("record 5 = %+v, want untouched observation", obs)
	}

	ref, err := s.Get(6)
	if err != nil {
		t.Fatalf("Get(6): %v", err)
	}
	if ref.Kind != memory.KindReflection || ref.Description != "X" {
		t.Errorf("record 6 = %+v, want reflection %q", ref, "X")
	}
	if ref.Round != 2 || ref.Tick != 9 || ref.Location != "tavern" || ref.ActorID != "alice" || !ref.Success {
		t.Errorf("record 6 stamps = %+v, want round 2 tick 9 at tavern by alice", ref)
	}
	if ref.Importance != 7 || !ref.Keywords.Has(memory.CategoryMisc, "insight") {
		t.Errorf("record 6 appraisal = %v %v, want importance 7 and keyword insight", ref.Importance, ref.Keywords)
	}
}

func TestReflect_RevisesReflections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	s := memory.NewStore("alice")
	addObservations(s, "saw a door")
	s.Add(ctx, memory.Record{
		Description: "old insight",
		Kind:        memory.KindReflection,
		Importance:  5,
		Keywords:    memory.Keywords{memory.CategoryObjects: {"door"}},
	})

	sum := &scripted{replies: []reply{{text: `{
		"new": [{"statement": "  "}, {"foo": 1}, "bare string"],
		"updated": [{"index": "1", "statement": "new insight"}, {"index": 1}]
	}`}}}
	r := newTestReflector(t, s, &fixedRanker{ids: []int{0, 1}}, sum, 1000, Config{})

	report, err := r.Reflect(ctx, Cycle{Round: 4, Tick: 2})
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if !slices.Equal(report.Updated, []int{1}) {
		t.Errorf("report.Updated = %v, want [1]", report.Updated)
	}
	if len(report.Created) != 0 {
		t.Errorf("report.Created = %v, want none", report.Created)
	}
	if report.Skipped != 4 {
		t.Errorf("report.Skipped = %d, want 4", report.Skipped)
	}

	got, err := s.Get(1)
	if err != nil {
		t.Fatalf("Get(1): %v", err)
	}
	if got.Description != "new insight" || got.Round != 4 || got.Tick != 2 {
		t.Errorf("record 1 = %+v, want revised description at round 4 tick 2", got)
	}
	if s.Size() != 2 {
		t.Errorf("store size = %d, want 2", s.Size())
	}
	if ids := s.LookupByKeyword(memory.CategoryObjects, "door"); len(ids) != 0 {
		t.Errorf("LookupByKeyword(door) = %v, want the old keyword purged", ids)
	}
	if ids := s.LookupByKeyword(memory.CategoryMisc, "insight"); !slices.Equal(ids, []int{1}) {
		t.Errorf("LookupByKeyword(insight) = %v, want [1]", ids)
	}
}

func TestReflect_UnknownIndexBecomesNewReflection(t *testing.T) {
	t.Parallel()

	s := memory.NewStore("alice")
	addObservations(s, "obs")
	sum := &scripted{replies: []reply{{text: `{"updated": [
		{"index": 99, "statement": "a"},
		{"index": "first", "statement": "b"},
		{"statement": "c"}
	]}`}}}
	r := newTestReflector(t, s, &fixedRanker{ids: []int{0}}, sum, 1000, Config{})

	report, err := r.Reflect(context.Background(), Cycle{})
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if !slices.Equal(report.Created, []int{1, 2, 3}) {
		t.Errorf("report.Created = %v, want [1 2 3]", report.Created)
	}
	for id, want := range map[int]string{1: "a", 2: "b", 3: "c"} {
		rec, _ := s.Get(id)
		if rec.Description != want || rec.Kind != memory.KindReflection {
			t.Errorf("record %d = %+v, want reflection %q", id, rec, want)
		}
	}
}

func TestReflect_BatchesShortestFirst(t *testing.T) {
	t.Parallel()

	s := memory.NewStore("alice")
	// Line tokens with the trailing newline: 6, 3, 5, 4.
	addObservations(s, "ddddd", "aa", "cccc", "bbb")
	sum := &scripted{replies: []reply{{text: `{"new": []}`}}}
	ranker := &fixedRanker{ids: []int{0, 1, 2, 3}}
	r := newTestReflector(t, s, ranker, sum, 8, Config{})

	report, err := r.Reflect(context.Background(), Cycle{Round: 3})
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if report.Pool != 4 {
		t.Errorf("report.Pool = %d, want 4 (deduplicated across probes)", report.Pool)
	}
	if report.Batches != 3 || sum.calls() != 3 {
		t.Fatalf("batches=%d calls=%d, want 3 and 3", report.Batches, sum.calls())
	}

	wantBatches := [][]string{{"aa", "bbb"}, {"cccc"}, {"ddddd"}}
	for i, want := range wantBatches {
		body := memorySection(sum.reqs[i].User)
		if got := strings.Fields(body); !slices.Equal(got, want) {
			t.Errorf("batch %d memories = %v, want %v", i, got, want)
		}
	}

	if len(ranker.calls) != len(DefaultProbeQuestions) {
		t.Fatalf("probe calls = %d, want %d", len(ranker.calls), len(DefaultProbeQuestions))
	}
	for i, req := range ranker.calls {
		if req.Query != DefaultProbeQuestions[i] || req.Limit != DefaultMemoriesPerProbe || !req.IncludeIDs || req.Round != 3 {
			t.Errorf("probe %d = %+v", i, req)
		}
	}
}

// memorySection returns the text between the memories header and the
// closing question.
func memorySection(user string) string {
	_, after, _ := strings.Cut(user, memoriesHeader)
	before, _, _ := strings.Cut(after, "\n"+DefaultInsightQuestion)
	return before
}

func TestReflect_PromptSentinels(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("no reflections", func(t *testing.T) {
		s := memory.NewStore("alice")
		addObservations(s, "opened the gate")
		sum := &scripted{replies: []reply{{text: `{}`}}}
		r := newTestReflector(t, s, &fixedRanker{ids: []int{0}}, sum, 1000, Config{})
		if _, err := r.Reflect(ctx, Cycle{}); err != nil {
			t.Fatalf("Reflect: %v", err)
		}
		want := reflectionsHeader + noneLine + memoriesHeader + "opened the gate\n\n" + DefaultInsightQuestion
		if got := sum.reqs[0].User; got != want {
			t.Errorf("user prompt = %q, want %q", got, want)
		}
	})

	t.Run("no observations", func(t *testing.T) {
		s := memory.NewStore("alice")
		s.Add(ctx, memory.Record{Description: "gates open at dawn", Kind: memory.KindReflection})
		sum := &scripted{replies: []reply{{text: `{}`}}}
		r := newTestReflector(t, s, &fixedRanker{ids: []int{0}}, sum, 1000, Config{})
		if _, err := r.Reflect(ctx, Cycle{Impressions: []string{"Bob is friendly.\n"}}); err != nil {
			t.Fatalf("Reflect: %v", err)
		}
		want := "Bob is friendly.\n" + reflectionsHeader + "0. gates open at dawn\n" + memoriesHeader + noneLine + "\n" + DefaultInsightQuestion
		if got := sum.reqs[0].User; got != want {
			t.Errorf("user prompt = %q, want %q", got, want)
		}
	})
}

func TestReflect_SystemPromptAndRequest(t *testing.T) {
	t.Parallel()

	s := memory.NewStore("alice")
	addObservations(s, "obs")
	sum := &scripted{replies: []reply{{text: `{}`}}}
	r := newTestReflector(t, s, &fixedRanker{ids: []int{0}}, sum, 1000, Config{})

	if _, err := r.Reflect(context.Background(), Cycle{Preamble: "You are Alice."}); err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	req := sum.reqs[0]
	if !strings.HasPrefix(req.System, "You are Alice.") || !strings.Contains(req.System, `"updated"`) {
		t.Errorf("system prompt = %q", req.System)
	}
	if req.MaxTokens != DefaultMaxOutputTokens || req.Temperature != DefaultTemperature {
		t.Errorf("request max_tokens=%d temperature=%v", req.MaxTokens, req.Temperature)
	}
}

func TestReflect_RetriesMalformedReplies(t *testing.T) {
	t.Parallel()

	s := memory.NewStore("alice")
	addObservations(s, "obs")
	sum := &scripted{replies: []reply{
		{text: "I think the following"},
		{text: `[{"statement": "list"}]`},
		{text: `{"new": [{"statement": "ok"}]}`},
	}}
	r := newTestReflector(t, s, &fixedRanker{ids: []int{0}}, sum, 1000, Config{})

	report, err := r.Reflect(context.Background(), Cycle{})
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if sum.calls() != 3 {
		t.Errorf("summarizer calls = %d, want 3", sum.calls())
	}
	if len(report.Created) != 1 || report.Batches != 1 {
		t.Errorf("report = %+v, want one batch creating one reflection", report)
	}
}

func TestReflect_MalformedRetriesExhausted(t *testing.T) {
	t.Parallel()

	s := memory.NewStore("alice")
	addObservations(s, "obs")
	sum := &scripted{replies: []reply{{text: "nope"}}}
	r := newTestReflector(t, s, &fixedRanker{ids: []int{0}}, sum, 1000, Config{ParseRetries: Int(1)})

	_, err := r.Reflect(context.Background(), Cycle{})
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("Reflect err = %v, want ErrMalformedResponse", err)
	}
	if sum.calls() != 2 {
		t.Errorf("summarizer calls = %d, want 2", sum.calls())
	}
	if s.Size() != 1 {
		t.Errorf("store size = %d, want 1", s.Size())
	}
}

func TestReflect_RequestErrorKeepsPartialProgress(t *testing.T) {
	t.Parallel()

	s := memory.NewStore("alice")
	addObservations(s, "aa", "bbbbbbb")
	sum := &scripted{replies: []reply{
		{text: `{"new": [{"statement": "first"}]}`},
		{err: fmt.Errorf("%w: connection reset", llm.ErrRequest)},
	}}
	r := newTestReflector(t, s, &fixedRanker{ids: []int{0, 1}}, sum, 8, Config{})

	report, err := r.Reflect(context.Background(), Cycle{})
	if !errors.Is(err, llm.ErrRequest) {
		t.Fatalf("Reflect err = %v, want ErrRequest", err)
	}
	if report.Batches != 1 || !slices.Equal(report.Created, []int{2}) {
		t.Errorf("report = %+v, want one applied batch creating id 2", report)
	}
	if rec, _ := s.Get(2); rec.Description != "first" {
		t.Errorf("record 2 = %+v, want the first batch's reflection", rec)
	}
}

func TestReflect_ShrinksBudgetOnServiceRejection(t *testing.T) {
	t.Parallel()

	s := memory.NewStore("alice")
	addObservations(s, "aa", "bbb") // 3 and 4 tokens
	sum := &scripted{replies: []reply{
		{err: fmt.Errorf("reflection: summarize: %w", &llm.BudgetError{Limit: 10, Requested: 14, Excess: 4})},
		{text: `{}`},
	}}
	r := newTestReflector(t, s, &fixedRanker{ids: []int{0, 1}}, sum, 10, Config{})

	report, err := r.Reflect(context.Background(), Cycle{})
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if report.Aborted {
		t.Error("report.Aborted = true, want false")
	}
	if report.Batches != 2 || sum.calls() != 3 {
		t.Errorf("batches=%d calls=%d, want 2 and 3", report.Batches, sum.calls())
	}
	if got := strings.Fields(memorySection(sum.reqs[1].User)); !slices.Equal(got, []string{"aa"}) {
		t.Errorf("batch after shrink = %v, want [aa]", got)
	}
}

func TestReflect_EmptyPool(t *testing.T) {
	t.Parallel()

	sum := &scripted{replies: []reply{{text: `{}`}}}
	r := newTestReflector(t, memory.NewStore("alice"), &fixedRanker{}, sum, 100, Config{})
	report, err := r.Reflect(context.Background(), Cycle{})
	if err != nil {
		t.Fatalf("Reflect: %v", err)
	}
	if report.Pool != 0 || report.Batches != 0 || report.Aborted || sum.calls() != 0 {
		t.Errorf("report = %+v calls=%d, want a no-op", report, sum.calls())
	}
	if report.CycleID == "" {
		t.Error("report.CycleID is empty")
	}
}

type windowed struct {
	scripted
	window int
}

func (w *windowed) ContextWindow() int { return w.window }

func TestNew_ContextWindow(t *testing.T) {
	t.Parallel()

	s := memory.NewStore("alice")

	r, err := New(Config{}, s, &fixedRanker{}, &windowed{window: 8192}, constAppraiser{}, oneRunePerToken)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := r.Config().ContextWindow; got != 8192 {
		t.Errorf("ContextWindow = %d, want 8192 from summarizer", got)
	}

	if _, err := New(Config{}, s, &fixedRanker{}, &scripted{}, constAppraiser{}, oneRunePerToken); err == nil {
		t.Error("New without any context window: err = nil, want error")
	}

	if _, err := New(Config{ContextWindow: 100, Temperature: Float(3)}, s, &fixedRanker{}, &scripted{}, constAppraiser{}, oneRunePerToken); err == nil {
		t.Error("New with temperature 3: err = nil, want validation error")
	}
}

func TestReflect_ExplicitZeroSettings(t *testing.T) {
	t.Parallel()

	s := memory.NewStore("alice")
	addObservations(s, "obs")
	sum := &scripted{replies: []reply{{text: "nope"}}}
	r := newTestReflector(t, s, &fixedRanker{ids: []int{0}}, sum, 1000,
		Config{Temperature: Float(0), ParseRetries: Int(0)})

	_, err := r.Reflect(context.Background(), Cycle{})
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("Reflect err = %v, want ErrMalformedResponse", err)
	}
	if sum.calls() != 1 {
		t.Errorf("summarizer calls = %d, want 1", sum.calls())
	}
	if got := sum.reqs[0].Temperature; got != 0 {
		t.Errorf("temperature = %v, want 0", got)
	}
	if got := r.Config(); *got.Temperature != 0 || *got.ParseRetries != 0 {
		t.Errorf("Config() temperature=%v parse_retries=%d, want 0 and 0", *got.Temperature, *got.ParseRetries)
	}
}
