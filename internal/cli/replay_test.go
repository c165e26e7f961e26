package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/MrWong99/mnemo/internal/app"
	"github.com/MrWong99/mnemo/internal/config"
	"github.com/MrWong99/mnemo/pkg/memory"
	memorymock "github.com/MrWong99/mnemo/pkg/memory/mock"
	"github.com/MrWong99/mnemo/pkg/provider/llm"
	llmmock "github.com/MrWong99/mnemo/pkg/provider/llm/mock"
	"github.com/MrWong99/mnemo/pkg/tokenizer"
)

func TestReadEvents(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    int
		wantErr string
	}{
		{
			name: "valid with comments and blanks",
			input: `# day one
{"agent": "alice", "round": 1, "description": "Woke up."}

{"agent": "alice", "round": 1, "tick": 2, "description": "Fed the goats.", "kind": "observation"}`,
			want: 2,
		},
		{name: "empty", input: "", want: 0},
		{name: "bad json", input: `{"agent": `, wantErr: "line 1"},
		{name: "unknown field", input: `{"agent": "a", "description": "x", "mood": 1}`, wantErr: "line 1"},
		{name: "missing agent", input: `{"description": "x"}`, wantErr: "agent is required"},
		{name: "missing description", input: "\n" + `{"agent": "a"}`, wantErr: "line 2: description is required"},
		{name: "negative tick", input: `{"agent": "a", "description": "x", "tick": -1}`, wantErr: "must not be negative"},
		{name: "bad kind", input: `{"agent": "a", "description": "x", "kind": "dream"}`, wantErr: "unknown kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := readEvents(strings.NewReader(tt.input))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("readEvents() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("readEvents() error = %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d events, want %d", len(got), tt.want)
			}
		})
	}
}

func TestEventObservation(t *testing.T) {
	t.Parallel()

	ev := event{Agent: "a", Round: 2, Tick: 3, Description: "x", Kind: "reflection", Importance: 4}
	o := ev.observation()
	if o.Kind != memory.KindReflection || o.Round != 2 || o.Tick != 3 || o.Importance != 4 {
		t.Errorf("observation() = %+v", o)
	}
	if o := (event{Description: "y"}).observation(); o.Kind != 0 {
		t.Errorf("empty kind = %v, want zero so the agent picks the default", o.Kind)
	}
}

func newReplayApp(t *testing.T) *app.App {
	t.Helper()
	cfg := &config.Config{
		Reflection: config.ReflectionConfig{ContextWindow: 4096, MaxOutputTokens: 256},
		Agents:     []config.AgentConfig{{ID: "alice", Name: "Alice"}},
	}
	providers := &app.Providers{LLM: &llmmock.Provider{
		Script: []llmmock.Step{{Content: `{"new": [{"statement": "Goats like mornings."}]}`}},
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

func TestReplay(t *testing.T) {
	t.Parallel()

	a := newReplayApp(t)
	events := []event{
		{Agent: "alice", Round: 1, Tick: 0, Description: "Alice fed the goats.", Importance: 3},
		{Agent: "alice", Round: 1, Tick: 4, Description: "Alice milked the goats.", Importance: 3},
		{Agent: "alice", Round: 2, Tick: 0, Description: "Alice sold the milk.", Importance: 5},
	}
	var out bytes.Buffer
	if err := replay(context.Background(), a, events, &out, replayOptions{Rounds: true, Final: true}); err != nil {
		t.Fatalf("replay: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d report lines, want 2 (round change + final):\n%s", len(lines), out.String())
	}
	var first reportLine
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.Agent != "alice" || first.Round != 1 || first.Tick != 4 || len(first.Created) != 1 {
		t.Errorf("first report = %+v", first)
	}
	if got := a.Clock(); got != (app.Clock{Round: 2, Tick: 0}) {
		t.Errorf("clock = %+v", got)
	}
}

func TestReplay_Errors(t *testing.T) {
	t.Parallel()

	a := newReplayApp(t)
	var out bytes.Buffer
	if err := replay(context.Background(), a, nil, &out, replayOptions{}); err == nil {
		t.Error("expected error for no events")
	}
	err := replay(context.Background(), a, []event{{Agent: "zed", Description: "x"}}, &out, replayOptions{})
	if err == nil {
		t.Error("expected error for an unknown agent")
	}
}

func TestReplay_NoReflection(t *testing.T) {
	t.Parallel()

	a := newReplayApp(t)
	var out bytes.Buffer
	events := []event{
		{Agent: "alice", Round: 1, Description: "Alice fed the goats."},
		{Agent: "alice", Round: 2, Description: "Alice sold the milk."},
	}
	if err := replay(context.Background(), a, events, &out, replayOptions{}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("expected no reports, got %q", out.String())
	}
	alice, _ := a.Agent("alice")
	if alice.Store().Size() != 2 {
		t.Errorf("size = %d, want 2", alice.Store().Size())
	}
}
