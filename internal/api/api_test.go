package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/MrWong99/mnemo/internal/agent"
	"github.com/MrWong99/mnemo/internal/api"
	"github.com/MrWong99/mnemo/internal/app"
	"github.com/MrWong99/mnemo/internal/config"
	"github.com/MrWong99/mnemo/pkg/memory"
	memorymock "github.com/MrWong99/mnemo/pkg/memory/mock"
	"github.com/MrWong99/mnemo/pkg/memory/postgres"
	embmock "github.com/MrWong99/mnemo/pkg/provider/embeddings/mock"
	"github.com/MrWong99/mnemo/pkg/provider/llm"
	llmmock "github.com/MrWong99/mnemo/pkg/provider/llm/mock"
	"github.com/MrWong99/mnemo/pkg/tokenizer"
)

func newApp(t *testing.T) *app.App {
	t.Helper()
	cfg := &config.Config{
		Reflection: config.ReflectionConfig{ContextWindow: 4096, MaxOutputTokens: 256},
		Agents: []config.AgentConfig{
			{ID: "alice", Name: "Alice", Persona: "A careful farmer."},
		},
	}
	providers := &app.Providers{LLM: &llmmock.Provider{
		Script: []llmmock.Step{{Content: `{"new": [{"statement": "Fences matter."}], "updated": []}`}},
		Caps:   llm.ModelCapabilities{ContextWindow: 4096},
	}}
	a, err := app.New(context.Background(), cfg, providers,
		app.WithJournal(&memorymock.Journal{}),
		app.WithCounter(tokenizer.Heuristic{CharsPerToken: 4}),
	)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestObserveAndRetrieve(t *testing.T) {
	t.Parallel()

	a := newApp(t)
	h := api.New(a).Handler(nil)

	rec := do(t, h, "POST", "/agents/alice/observations",
		`{"round": 1, "tick": 2, "description": "Alice fixed the broken fence.", "importance": 6}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("observe status = %d, body %s", rec.Code, rec.Body)
	}
	if got := decodeBody[map[string]int](t, rec)["id"]; got != 0 {
		t.Errorf("id = %d, want 0", got)
	}

	rec = do(t, h, "GET", "/agents/alice/memories?query=fence&limit=5&ids=true", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("retrieve status = %d, body %s", rec.Code, rec.Body)
	}
	mems := decodeBody[map[string][]string](t, rec)["memories"]
	if len(mems) != 1 || mems[0] != "0. Alice fixed the broken fence." {
		t.Errorf("memories = %q", mems)
	}

	rec = do(t, h, "GET", "/agents/alice/memories/0", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	r := decodeBody[map[string]any](t, rec)
	if r["kind"] != "observation" || r["tick"] != float64(2) {
		t.Errorf("record = %v", r)
	}
}

func TestObserve_Validation(t *testing.T) {
	t.Parallel()

	h := api.New(newApp(t)).Handler(nil)
	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown agent", "/agents/zed/observations", `{"description": "x"}`, http.StatusNotFound},
		{"bad json", "/agents/alice/observations", `{`, http.StatusBadRequest},
		{"unknown field", "/agents/alice/observations", `{"description": "x", "mood": 3}`, http.StatusBadRequest},
		{"empty description", "/agents/alice/observations", `{"round": 1}`, http.StatusBadRequest},
		{"negative round", "/agents/alice/observations", `{"description": "x", "round": -1}`, http.StatusBadRequest},
		{"bad kind", "/agents/alice/observations", `{"description": "x", "kind": "dream"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, h, "POST", tt.path, tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestGetMemory_Errors(t *testing.T) {
	t.Parallel()

	h := api.New(newApp(t)).Handler(nil)
	if rec := do(t, h, "GET", "/agents/alice/memories/abc", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("non-numeric id status = %d", rec.Code)
	}
	if rec := do(t, h, "GET", "/agents/alice/memories/7", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing id status = %d", rec.Code)
	}
	if rec := do(t, h, "GET", "/agents/alice/memories?limit=many", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rec.Code)
	}
}

func TestUpdateMemory(t *testing.T) {
	t.Parallel()

	a := newApp(t)
	h := api.New(a).Handler(nil)
	alice, _ := a.Agent("alice")
	ctx := context.Background()
	obs := alice.Observe(ctx, agent.Observation{Description: "Saw a crow.", Importance: 2})
	refl := alice.Observe(ctx, agent.Observation{Description: "Crows are clever.", Importance: 4, Kind: memory.KindReflection})

	rec := do(t, h, "PUT", "/agents/alice/memories/"+strconv.Itoa(refl), `{"round": 3, "tick": 1, "description": "Crows are very clever."}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update reflection status = %d, body %s", rec.Code, rec.Body)
	}
	got, _ := alice.Store().Get(refl)
	if got.Description != "Crows are very clever." || got.Round != 3 {
		t.Errorf("revised record = %+v", got)
	}

	rec = do(t, h, "PUT", "/agents/alice/memories/"+strconv.Itoa(obs), `{"description": "Saw two crows."}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("update observation status = %d, want 409", rec.Code)
	}
}

func TestReflect(t *testing.T) {
	t.Parallel()

	a := newApp(t)
	h := api.New(a).Handler(nil)
	alice, _ := a.Agent("alice")
	alice.Observe(context.Background(), agent.Observation{Round: 1, Description: "Alice fixed the broken fence.", Importance: 5})

	rec := do(t, h, "POST", "/agents/alice/reflect", `{"round": 1, "tick": 9}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("reflect status = %d, body %s", rec.Code, rec.Body)
	}
	rep := decodeBody[map[string]any](t, rec)
	if created, _ := rep["created"].([]any); len(created) != 1 {
		t.Errorf("report = %v, want one created reflection", rep)
	}

	rec = do(t, h, "POST", "/reflect", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reflect all status = %d", rec.Code)
	}
	if reps := decodeBody[[]map[string]any](t, rec); len(reps) != 1 || reps[0]["agent_id"] != "alice" {
		t.Errorf("reflect all = %v", reps)
	}
}

func TestGoalsImpressionsClock(t *testing.T) {
	t.Parallel()

	a := newApp(t)
	h := api.New(a).Handler(nil)

	if rec := do(t, h, "PUT", "/agents/alice/goals/2", `{"goals": "Buy seeds."}`); rec.Code != http.StatusNoContent {
		t.Fatalf("goals status = %d", rec.Code)
	}
	if rec := do(t, h, "PUT", "/agents/alice/goals/x", `{"goals": "Buy seeds."}`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad round status = %d", rec.Code)
	}
	if rec := do(t, h, "PUT", "/agents/alice/impressions/Bob", `{"text": "Bob is friendly."}`); rec.Code != http.StatusNoContent {
		t.Fatalf("impression status = %d", rec.Code)
	}

	rec := do(t, h, "GET", "/agents/alice", "")
	detail := decodeBody[map[string]any](t, rec)
	goals, _ := detail["goals"].(map[string]any)
	if goals["2"] != "Buy seeds." {
		t.Errorf("goals = %v", detail["goals"])
	}
	if imps, _ := detail["impressions"].([]any); len(imps) != 1 {
		t.Errorf("impressions = %v", detail["impressions"])
	}

	if rec := do(t, h, "PUT", "/clock", `{"round": 4, "tick": 2}`); rec.Code != http.StatusOK {
		t.Fatalf("set clock status = %d", rec.Code)
	}
	if got := a.Clock(); got != (app.Clock{Round: 4, Tick: 2}) {
		t.Errorf("clock = %+v", got)
	}
	if rec := do(t, h, "PUT", "/clock", `{"round": -4}`); rec.Code != http.StatusBadRequest {
		t.Errorf("negative clock status = %d", rec.Code)
	}
	if c := decodeBody[app.Clock](t, do(t, h, "GET", "/clock", "")); c.Round != 4 {
		t.Errorf("GET /clock = %+v", c)
	}
}

func TestListAgents(t *testing.T) {
	t.Parallel()

	h := api.New(newApp(t)).Handler(nil)
	list := decodeBody[[]map[string]any](t, do(t, h, "GET", "/agents", ""))
	if len(list) != 1 || list[0]["id"] != "alice" || list[0]["name"] != "Alice" {
		t.Errorf("agents = %v", list)
	}
}

type fakeIndex struct {
	matches []postgres.Match
	err     error
	owner   string
}

func (f *fakeIndex) Nearest(_ context.Context, owner string, _ []float32, _ int) ([]postgres.Match, error) {
	f.owner = owner
	return f.matches, f.err
}

func TestSimilar(t *testing.T) {
	t.Parallel()

	a := newApp(t)
	alice, _ := a.Agent("alice")
	alice.Observe(context.Background(), agent.Observation{Description: "Alice fixed the broken fence.", Importance: 5})

	t.Run("not configured", func(t *testing.T) {
		h := api.New(a).Handler(nil)
		if rec := do(t, h, "GET", "/agents/alice/similar?query=fence", ""); rec.Code != http.StatusNotImplemented {
			t.Errorf("status = %d, want 501", rec.Code)
		}
	})

	t.Run("matches", func(t *testing.T) {
		idx := &fakeIndex{matches: []postgres.Match{{ID: 0, Distance: 0.1}, {ID: 42, Distance: 0.5}}}
		h := api.New(a, api.WithVectorIndex(idx, &embmock.Provider{})).Handler(nil)
		rec := do(t, h, "GET", "/agents/alice/similar?query=fence&k=2", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
		}
		got := decodeBody[[]map[string]any](t, rec)
		if len(got) != 1 || got[0]["distance"] != 0.1 {
			t.Errorf("matches = %v, want only the loaded record", got)
		}
		if idx.owner != "alice" {
			t.Errorf("owner = %q", idx.owner)
		}
	})

	t.Run("no vectors", func(t *testing.T) {
		idx := &fakeIndex{err: postgres.ErrNoVectors}
		h := api.New(a, api.WithVectorIndex(idx, &embmock.Provider{})).Handler(nil)
		if rec := do(t, h, "GET", "/agents/alice/similar?query=fence", ""); rec.Code != http.StatusNotImplemented {
			t.Errorf("status = %d, want 501", rec.Code)
		}
	})

	t.Run("embed fails", func(t *testing.T) {
		h := api.New(a, api.WithVectorIndex(&fakeIndex{}, &embmock.Provider{Err: errors.New("down")})).Handler(nil)
		if rec := do(t, h, "GET", "/agents/alice/similar?query=fence", ""); rec.Code != http.StatusBadGateway {
			t.Errorf("status = %d, want 502", rec.Code)
		}
	})

	t.Run("bad k", func(t *testing.T) {
		h := api.New(a, api.WithVectorIndex(&fakeIndex{}, &embmock.Provider{})).Handler(nil)
		if rec := do(t, h, "GET", "/agents/alice/similar?query=fence&k=0", ""); rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}
