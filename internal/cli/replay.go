package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MrWong99/mnemo/internal/agent"
	"github.com/MrWong99/mnemo/internal/app"
	"github.com/MrWong99/mnemo/internal/config"
	"github.com/MrWong99/mnemo/internal/observe"
	"github.com/MrWong99/mnemo/pkg/memory"
)

var (
	replayFile    string
	reflectRounds bool
	reflectFinal  bool
)

func init() {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Feed recorded observations to agents",
		Long: "Replay reads observations as JSON lines (stdin or --file) and appends them to the " +
			"named agents in order. Reflection runs for every agent when the round advances " +
			"and once more at the end. Each reflection report is printed as a JSON line.",
		Args: cobra.NoArgs,
		RunE: runReplay,
	}
	cmd.Flags().StringVar(&replayFile, "file", "", "JSON lines file to read (default: stdin)")
	cmd.Flags().BoolVar(&reflectRounds, "reflect-rounds", true, "reflect when the round advances")
	cmd.Flags().BoolVar(&reflectFinal, "reflect-final", true, "reflect after the last observation")
	RootCmd.AddCommand(cmd)
}

// event is one replayed observation.
type event struct {
	Agent       string          `json:"agent"`
	Round       int             `json:"round"`
	Tick        int             `json:"tick"`
	Description string          `json:"description"`
	Location    string          `json:"location"`
	Success     bool            `json:"success"`
	ActorID     string          `json:"actor_id"`
	Importance  float64         `json:"importance"`
	Keywords    memory.Keywords `json:"keywords"`
	Kind        string          `json:"kind"`
}

// readEvents decodes one event per line. Blank lines and lines starting
// with '#' are skipped.
func readEvents(r io.Reader) ([]event, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var out []event
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		dec := json.NewDecoder(strings.NewReader(text))
		dec.DisallowUnknownFields()
		var ev event
		if err := dec.Decode(&ev); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		switch {
		case ev.Agent == "":
			return nil, fmt.Errorf("line %d: agent is required", line)
		case ev.Description == "":
			return nil, fmt.Errorf("line %d: description is required", line)
		case ev.Round < 0 || ev.Tick < 0:
			return nil, fmt.Errorf("line %d: round and tick must not be negative", line)
		}
		if ev.Kind != "" {
			if _, err := memory.ParseKind(ev.Kind); err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return out, nil
}

func (ev event) observation() agent.Observation {
	o := agent.Observation{
		Round:       ev.Round,
		Tick:        ev.Tick,
		Description: ev.Description,
		Location:    ev.Location,
		Success:     ev.Success,
		ActorID:     ev.ActorID,
		Importance:  ev.Importance,
		Keywords:    ev.Keywords,
	}
	o.Kind, _ = memory.ParseKind(ev.Kind)
	return o
}

// reportLine is one line of replay output.
type reportLine struct {
	Agent   string `json:"agent"`
	Round   int    `json:"round"`
	Tick    int    `json:"tick"`
	Pool    int    `json:"pool"`
	Created []int  `json:"created"`
	Updated []int  `json:"updated"`
	Aborted bool   `json:"aborted,omitempty"`
	Error   string `json:"error,omitempty"`
}

func runReplay(cmd *cobra.Command, _ []string) error {
	cfg, level, err := loadConfig()
	if err != nil {
		return err
	}

	in := cmd.InOrStdin()
	if replayFile != "" {
		f, err := os.Open(replayFile)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	events, err := readEvents(in)
	if err != nil {
		return err
	}

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	metrics := observe.DefaultMetrics()
	providers, _, err := buildProviders(cfg, reg, metrics)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	application, err := app.New(ctx, cfg, providers,
		app.WithMetrics(metrics),
		app.WithLevelVar(level),
	)
	if err != nil {
		return err
	}
	defer func() { _ = application.Shutdown(ctx) }()

	return replay(ctx, application, events, cmd.OutOrStdout(), replayOptions{Rounds: reflectRounds, Final: reflectFinal})
}

// replayOptions selects when replay reflects.
type replayOptions struct {
	Rounds bool
	Final  bool
}

// replay observes events in order and reflects between rounds.
func replay(ctx context.Context, a *app.App, events []event, out io.Writer, opts replayOptions) error {
	if len(events) == 0 {
		return errors.New("no observations to replay")
	}
	enc := json.NewEncoder(out)
	reflect := func() error {
		clock := a.Clock()
		for _, rep := range a.ReflectAll(ctx) {
			line := reportLine{
				Agent:   rep.AgentID,
				Round:   clock.Round,
				Tick:    clock.Tick,
				Pool:    rep.Report.Pool,
				Created: nonNil(rep.Report.Created),
				Updated: nonNil(rep.Report.Updated),
				Aborted: rep.Report.Aborted,
			}
			if rep.Err != nil {
				line.Error = rep.Err.Error()
			}
			if err := enc.Encode(line); err != nil {
				return err
			}
		}
		return nil
	}

	observed := 0
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		ag, err := a.Agent(ev.Agent)
		if err != nil {
			return err
		}
		clock := a.Clock()
		if ev.Round > clock.Round && observed > 0 && opts.Rounds {
			if err := reflect(); err != nil {
				return err
			}
		}
		if ev.Round != clock.Round || ev.Tick != clock.Tick {
			if err := a.SetClock(ctx, app.Clock{Round: ev.Round, Tick: ev.Tick}); err != nil {
				return err
			}
		}
		ag.Observe(ctx, ev.observation())
		observed++
	}
	if opts.Final {
		if err := reflect(); err != nil {
			return err
		}
	}
	slog.Info("replay complete", "observations", observed)
	return nil
}

func nonNil(s []int) []int {
	if s == nil {
		return []int{}
	}
	return s
}
