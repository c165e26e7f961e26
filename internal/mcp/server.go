// Package mcp exposes agent memory as Model Context Protocol tools, so that
// an LLM host can record observations, recall memories and trigger
// reflection for the agents it drives.
//
// Four tools are registered by [NewServer]:
//   - "list_agents": the loaded agents and their memory sizes.
//   - "add_observation": append an observation to an agent's memory.
//   - "retrieve_memories": rank an agent's memories for a query.
//   - "reflect": run one reflection cycle for an agent.
//
// Round and tick arguments default to the server clock when omitted.
package mcp

import (
	"context"
	"errors"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/mnemo/internal/agent"
	"github.com/MrWong99/mnemo/internal/app"
	"github.com/MrWong99/mnemo/internal/retrieval"
)

// defaultLimit caps retrieve_memories results when no limit is given.
const defaultLimit = 10

// Service is the part of the application the tools drive.
type Service interface {
	Agent(id string) (*agent.Agent, error)
	Agents() []*agent.Agent
	Clock() app.Clock
}

var _ Service = (*app.App)(nil)

type listAgentsArgs struct{}

type agentInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Memories int    `json:"memories"`
}

type listAgentsResult struct {
	Agents []agentInfo `json:"agents"`
}

type addObservationArgs struct {
	Agent       string  `json:"agent" jsonschema:"id of the agent that made the observation"`
	Description string  `json:"description" jsonschema:"what the agent observed"`
	Location    string  `json:"location,omitempty" jsonschema:"where it happened"`
	Success     bool    `json:"success,omitempty" jsonschema:"whether the observed action succeeded"`
	Importance  float64 `json:"importance,omitempty" jsonschema:"importance from 1 to 10; rated by the model when omitted"`
	Round       *int    `json:"round,omitempty" jsonschema:"round of the observation; defaults to the server clock"`
	Tick        *int    `json:"tick,omitempty" jsonschema:"tick of the observation; defaults to the server clock"`
}

type addObservationResult struct {
	ID int `json:"id"`
}

type retrieveArgs struct {
	Agent string `json:"agent" jsonschema:"id of the agent whose memory is searched"`
	Query string `json:"query,omitempty" jsonschema:"retrieval query; empty ranks by persona and goals"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of memories returned"`
	Round *int   `json:"round,omitempty" jsonschema:"current round; defaults to the server clock"`
}

type retrieveResult struct {
	Memories []string `json:"memories"`
}

type reflectArgs struct {
	Agent    string `json:"agent" jsonschema:"id of the agent that reflects"`
	Location string `json:"location,omitempty" jsonschema:"location stamped on new reflections"`
	Round    *int   `json:"round,omitempty" jsonschema:"round stamped on new reflections; defaults to the server clock"`
	Tick     *int   `json:"tick,omitempty" jsonschema:"tick stamped on new reflections; defaults to the server clock"`
}

type reflectResult struct {
	CycleID string `json:"cycle_id"`
	Pool    int    `json:"pool"`
	Batches int    `json:"batches"`
	Created []int  `json:"created"`
	Updated []int  `json:"updated"`
	Skipped int    `json:"skipped"`
	Aborted bool   `json:"aborted"`
}

// NewServer returns an MCP server with the memory tools registered.
func NewServer(svc Service, version string) *mcpsdk.Server {
	s := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "mnemo", Version: version}, nil)
	t := &tools{svc: svc}

	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name:        "list_agents",
		Description: "List the agents whose memory this server manages.",
	}, t.listAgents)
	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name:        "add_observation",
		Description: "Record something an agent observed. Returns the new memory id.",
	}, t.addObservation)
	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name:        "retrieve_memories",
		Description: "Return an agent's most relevant memories for a query, least relevant first, each prefixed with its id.",
	}, t.retrieve)
	mcpsdk.AddTool(s, &mcpsdk.Tool{
		Name:        "reflect",
		Description: "Consolidate an agent's recent memories into higher-level reflections.",
	}, t.reflect)
	return s
}

// Serve runs the memory tools over stdin and stdout until ctx is cancelled
// or the client disconnects.
func Serve(ctx context.Context, svc Service, version string) error {
	if err := NewServer(svc, version).Run(ctx, &mcpsdk.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp: serve: %w", err)
	}
	return nil
}

type tools struct {
	svc Service
}

func (t *tools) listAgents(_ context.Context, _ *mcpsdk.CallToolRequest, _ listAgentsArgs) (*mcpsdk.CallToolResult, listAgentsResult, error) {
	out := listAgentsResult{Agents: []agentInfo{}}
	for _, ag := range t.svc.Agents() {
		out.Agents = append(out.Agents, agentInfo{ID: ag.ID(), Name: ag.Name(), Memories: ag.Store().Size()})
	}
	return nil, out, nil
}

func (t *tools) addObservation(ctx context.Context, _ *mcpsdk.CallToolRequest, in addObservationArgs) (*mcpsdk.CallToolResult, addObservationResult, error) {
	ag, err := t.svc.Agent(in.Agent)
	if err != nil {
		return nil, addObservationResult{}, fmt.Errorf("add_observation: %w", err)
	}
	if in.Description == "" {
		return nil, addObservationResult{}, errors.New("add_observation: description must not be empty")
	}
	if in.Importance < 0 || in.Importance > 10 {
		return nil, addObservationResult{}, fmt.Errorf("add_observation: importance must be within [0, 10], got %g", in.Importance)
	}
	clock := t.svc.Clock()
	id := ag.Observe(ctx, agent.Observation{
		Round:       orDefault(in.Round, clock.Round),
		Tick:        orDefault(in.Tick, clock.Tick),
		Description: in.Description,
		Location:    in.Location,
		Success:     in.Success,
		Importance:  in.Importance,
		ActorID:     ag.ID(),
	})
	return nil, addObservationResult{ID: id}, nil
}

func (t *tools) retrieve(ctx context.Context, _ *mcpsdk.CallToolRequest, in retrieveArgs) (*mcpsdk.CallToolResult, retrieveResult, error) {
	ag, err := t.svc.Agent(in.Agent)
	if err != nil {
		return nil, retrieveResult{}, fmt.Errorf("retrieve_memories: %w", err)
	}
	limit := in.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	mems, err := ag.Retrieve(ctx, retrieval.Request{
		Query:      in.Query,
		Limit:      limit,
		IncludeIDs: true,
		Round:      orDefault(in.Round, t.svc.Clock().Round),
	})
	if err != nil {
		return nil, retrieveResult{}, fmt.Errorf("retrieve_memories: %w", err)
	}
	if mems == nil {
		mems = []string{}
	}
	return nil, retrieveResult{Memories: mems}, nil
}

func (t *tools) reflect(ctx context.Context, _ *mcpsdk.CallToolRequest, in reflectArgs) (*mcpsdk.CallToolResult, reflectResult, error) {
	ag, err := t.svc.Agent(in.Agent)
	if err != nil {
		return nil, reflectResult{}, fmt.Errorf("reflect: %w", err)
	}
	clock := t.svc.Clock()
	rep, err := ag.Reflect(ctx, agent.ReflectRequest{
		Round:    orDefault(in.Round, clock.Round),
		Tick:     orDefault(in.Tick, clock.Tick),
		Location: in.Location,
	})
	if err != nil {
		return nil, reflectResult{}, fmt.Errorf("reflect: %w", err)
	}
	out := reflectResult{
		CycleID: rep.CycleID,
		Pool:    rep.Pool,
		Batches: rep.Batches,
		Created: rep.Created,
		Updated: rep.Updated,
		Skipped: rep.Skipped,
		Aborted: rep.Aborted,
	}
	if out.Created == nil {
		out.Created = []int{}
	}
	if out.Updated == nil {
		out.Updated = []int{}
	}
	return nil, out, nil
}

func orDefault(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}
