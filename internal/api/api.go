// Package api serves the agent memory operations over HTTP.
//
// Routes use [http.ServeMux] method and wildcard patterns:
//
//	GET  /agents                              list loaded agents
//	GET  /agents/{agent}                      agent persona, goals and memory size
//	POST /agents/{agent}/observations         append an observation
//	GET  /agents/{agent}/memories             ranked retrieval (?query=&limit=&round=&ids=)
//	GET  /agents/{agent}/memories/{id}        a single record
//	PUT  /agents/{agent}/memories/{id}        revise a reflection
//	GET  /agents/{agent}/similar              nearest stored embeddings (?query=&k=)
//	POST /agents/{agent}/reflect              run a reflection cycle
//	PUT  /agents/{agent}/goals/{round}        replace the goals of a round
//	PUT  /agents/{agent}/impressions/{name}   set the view of another character
//	POST /reflect                             reflect every agent
//	GET  /clock, PUT /clock                   simulation time
//
// Request and response bodies are JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/MrWong99/mnemo/internal/agent"
	"github.com/MrWong99/mnemo/internal/app"
	"github.com/MrWong99/mnemo/internal/observe"
	"github.com/MrWong99/mnemo/internal/reflection"
	"github.com/MrWong99/mnemo/internal/retrieval"
	"github.com/MrWong99/mnemo/pkg/memory"
	"github.com/MrWong99/mnemo/pkg/memory/postgres"
	"github.com/MrWong99/mnemo/pkg/provider/embeddings"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// defaultSimilar is the result count of /similar when k is not given.
const defaultSimilar = 10

// Service is the application surface the handlers drive. [app.App]
// implements it.
type Service interface {
	Agent(id string) (*agent.Agent, error)
	Agents() []*agent.Agent
	Clock() app.Clock
	SetClock(ctx context.Context, c app.Clock) error
	ReflectAll(ctx context.Context) []app.AgentReport
}

var _ Service = (*app.App)(nil)

// VectorIndex finds records by embedding similarity. The PostgreSQL journal
// implements it.
type VectorIndex interface {
	Nearest(ctx context.Context, owner string, vec []float32, k int) ([]postgres.Match, error)
}

var _ VectorIndex = (*postgres.Journal)(nil)

// Server holds the HTTP handlers.
type Server struct {
	svc      Service
	index    VectorIndex
	embedder embeddings.Provider
}

// Option configures a [Server].
type Option func(*Server)

// WithVectorIndex enables GET /agents/{agent}/similar. Queries are embedded
// with e, which must be the provider the stored vectors came from.
func WithVectorIndex(idx VectorIndex, e embeddings.Provider) Option {
	return func(s *Server) {
		s.index = idx
		s.embedder = e
	}
}

// New creates a Server for svc.
func New(svc Service, opts ...Option) *Server {
	s := &Server{svc: svc}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /agents", s.handleListAgents)
	mux.HandleFunc("GET /agents/{agent}", s.handleGetAgent)
	mux.HandleFunc("POST /agents/{agent}/observations", s.handleObserve)
	mux.HandleFunc("GET /agents/{agent}/memories", s.handleRetrieve)
	mux.HandleFunc("GET /agents/{agent}/memories/{id}", s.handleGetMemory)
	mux.HandleFunc("PUT /agents/{agent}/memories/{id}", s.handleUpdateMemory)
	mux.HandleFunc("GET /agents/{agent}/similar", s.handleSimilar)
	mux.HandleFunc("POST /agents/{agent}/reflect", s.handleReflect)
	mux.HandleFunc("PUT /agents/{agent}/goals/{round}", s.handleSetGoals)
	mux.HandleFunc("PUT /agents/{agent}/impressions/{name}", s.handleSetImpression)
	mux.HandleFunc("POST /reflect", s.handleReflectAll)
	mux.HandleFunc("GET /clock", s.handleGetClock)
	mux.HandleFunc("PUT /clock", s.handleSetClock)
}

// Handler returns a mux with the API routes wrapped in the observe
// middleware. A nil m records on [observe.DefaultMetrics].
func (s *Server) Handler(m *observe.Metrics) http.Handler {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	mux := http.NewServeMux()
	s.Register(mux)
	return observe.Middleware(m)(mux)
}

// ─── DTOs ────────────────────────────────────────────────────────────────────

type agentSummary struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Memories int    `json:"memories"`
	Degraded bool   `json:"degraded,omitempty"`
}

type agentDetail struct {
	agentSummary
	Persona     string         `json:"persona,omitempty"`
	WorldInfo   string         `json:"world_info,omitempty"`
	Characters  []string       `json:"characters,omitempty"`
	Goals       map[int]string `json:"goals,omitempty"`
	Impressions []string       `json:"impressions,omitempty"`
}

type recordJSON struct {
	ID          int             `json:"id"`
	Round       int             `json:"round"`
	Tick        int             `json:"tick"`
	Description string          `json:"description"`
	Keywords    memory.Keywords `json:"keywords,omitempty"`
	Location    string          `json:"location,omitempty"`
	Success     bool            `json:"success"`
	Importance  float64         `json:"importance"`
	Kind        string          `json:"kind"`
	ActorID     string          `json:"actor_id,omitempty"`
}

func toRecordJSON(r memory.Record) recordJSON {
	return recordJSON{
		ID:          r.ID,
		Round:       r.Round,
		Tick:        r.Tick,
		Description: r.Description,
		Keywords:    r.Keywords,
		Location:    r.Location,
		Success:     r.Success,
		Importance:  r.Importance,
		Kind:        r.Kind.String(),
		ActorID:     r.ActorID,
	}
}

type observeRequest struct {
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

type idResponse struct {
	ID int `json:"id"`
}

type updateRequest struct {
	Round       int    `json:"round"`
	Tick        int    `json:"tick"`
	Description string `json:"description"`
}

type reflectRequest struct {
	Round    *int   `json:"round"`
	Tick     *int   `json:"tick"`
	Location string `json:"location"`
}

type reportJSON struct {
	AgentID     string `json:"agent_id"`
	CycleID     string `json:"cycle_id,omitempty"`
	Pool        int    `json:"pool"`
	Batches     int    `json:"batches"`
	Created     []int  `json:"created"`
	Updated     []int  `json:"updated"`
	Skipped     int    `json:"skipped"`
	Aborted     bool   `json:"aborted,omitempty"`
	AbortReason string `json:"abort_reason,omitempty"`
	Busy        bool   `json:"busy,omitempty"`
	Error       string `json:"error,omitempty"`
}

func toReportJSON(agentID string, r reflection.Report) reportJSON {
	out := reportJSON{
		AgentID: agentID,
		CycleID: r.CycleID,
		Pool:    r.Pool,
		Batches: r.Batches,
		Created: nonNil(r.Created),
		Updated: nonNil(r.Updated),
		Skipped: r.Skipped,
		Aborted: r.Aborted,
	}
	if r.AbortReason != nil {
		out.AbortReason = r.AbortReason.Error()
	}
	return out
}

type similarMatch struct {
	recordJSON
	Distance float64 `json:"distance"`
}

// ─── Handlers ────────────────────────────────────────────────────────────────

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	agents := s.svc.Agents()
	out := make([]agentSummary, 0, len(agents))
	for _, ag := range agents {
		out = append(out, summarize(ag))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	ag, ok := s.agent(w, r)
	if !ok {
		return
	}
	id := ag.Identity()
	writeJSON(w, http.StatusOK, agentDetail{
		agentSummary: summarize(ag),
		Persona:      id.Persona,
		WorldInfo:    id.WorldInfo,
		Characters:   id.Characters,
		Goals:        id.Goals,
		Impressions:  ag.Impressions(),
	})
}

// handleObserve handles POST /agents/{agent}/observations.
func (s *Server) handleObserve(w http.ResponseWriter, r *http.Request) {
	ag, ok := s.agent(w, r)
	if !ok {
		return
	}
	var req observeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Description == "" {
		http.Error(w, "description is required", http.StatusBadRequest)
		return
	}
	if req.Round < 0 || req.Tick < 0 {
		http.Error(w, "round and tick must not be negative", http.StatusBadRequest)
		return
	}
	obs := agent.Observation{
		Round:       req.Round,
		Tick:        req.Tick,
		Description: req.Description,
		Location:    req.Location,
		Success:     req.Success,
		ActorID:     req.ActorID,
		Importance:  req.Importance,
		Keywords:    req.Keywords,
	}
	if req.Kind != "" {
		k, err := memory.ParseKind(req.Kind)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		obs.Kind = k
	}
	id := ag.Observe(r.Context(), obs)
	writeJSON(w, http.StatusCreated, idResponse{ID: id})
}

// handleRetrieve handles GET /agents/{agent}/memories.
func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	ag, ok := s.agent(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	req := retrieval.Request{Query: q.Get("query"), Round: s.svc.Clock().Round}
	var err error
	if req.Limit, err = intParam(q.Get("limit"), 0); err != nil {
		http.Error(w, "limit: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Round, err = intParam(q.Get("round"), req.Round); err != nil {
		http.Error(w, "round: "+err.Error(), http.StatusBadRequest)
		return
	}
	if v := q.Get("ids"); v != "" {
		if req.IncludeIDs, err = strconv.ParseBool(v); err != nil {
			http.Error(w, "ids: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	out, err := ag.Retrieve(r.Context(), req)
	if err != nil {
		observe.Logger(r.Context()).Error("api: retrieve failed", "agent", ag.ID(), "err", err)
		http.Error(w, "retrieval failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"memories": nonNil(out)})
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	ag, ok := s.agent(w, r)
	if !ok {
		return
	}
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid record id", http.StatusBadRequest)
		return
	}
	rec, err := ag.Store().Get(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordJSON(rec))
}

// handleUpdateMemory handles PUT /agents/{agent}/memories/{id}. Only
// reflections can be revised; other kinds answer 409.
func (s *Server) handleUpdateMemory(w http.ResponseWriter, r *http.Request) {
	ag, ok := s.agent(w, r)
	if !ok {
		return
	}
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid record id", http.StatusBadRequest)
		return
	}
	var req updateRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Description == "" {
		http.Error(w, "description is required", http.StatusBadRequest)
		return
	}
	if _, err := ag.Revise(r.Context(), id, req.Round, req.Tick, req.Description); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, idResponse{ID: id})
}

// handleSimilar handles GET /agents/{agent}/similar.
func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	if s.index == nil || s.embedder == nil {
		http.Error(w, "similarity search is not configured", http.StatusNotImplemented)
		return
	}
	ag, ok := s.agent(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	query := q.Get("query")
	if query == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}
	k, err := intParam(q.Get("k"), defaultSimilar)
	if err != nil || k <= 0 {
		http.Error(w, "k must be a positive integer", http.StatusBadRequest)
		return
	}

	vec, err := s.embedder.Embed(r.Context(), query)
	if err != nil {
		observe.Logger(r.Context()).Warn("api: embed query failed", "agent", ag.ID(), "err", err)
		http.Error(w, "embedding failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	matches, err := s.index.Nearest(r.Context(), ag.ID(), vec, k)
	if err != nil {
		if errors.Is(err, postgres.ErrNoVectors) {
			http.Error(w, err.Error(), http.StatusNotImplemented)
			return
		}
		observe.Logger(r.Context()).Error("api: nearest failed", "agent", ag.ID(), "err", err)
		http.Error(w, "search failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	out := make([]similarMatch, 0, len(matches))
	for _, m := range matches {
		rec, err := ag.Store().Get(m.ID)
		if err != nil {
			// Persisted by another process after this one loaded the agent.
			continue
		}
		out = append(out, similarMatch{recordJSON: toRecordJSON(rec), Distance: m.Distance})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleReflect handles POST /agents/{agent}/reflect. Round and tick default
// to the current clock. A cycle already running for the agent answers 409.
func (s *Server) handleReflect(w http.ResponseWriter, r *http.Request) {
	ag, ok := s.agent(w, r)
	if !ok {
		return
	}
	var req reflectRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	clock := s.svc.Clock()
	rr := agent.ReflectRequest{Round: clock.Round, Tick: clock.Tick, Location: req.Location}
	if req.Round != nil {
		rr.Round = *req.Round
	}
	if req.Tick != nil {
		rr.Tick = *req.Tick
	}
	if rr.Round < 0 || rr.Tick < 0 {
		http.Error(w, "round and tick must not be negative", http.StatusBadRequest)
		return
	}

	rep, err := ag.Reflect(r.Context(), rr)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportJSON(ag.ID(), rep))
}

func (s *Server) handleReflectAll(w http.ResponseWriter, r *http.Request) {
	reports := s.svc.ReflectAll(r.Context())
	out := make([]reportJSON, 0, len(reports))
	for _, rep := range reports {
		j := toReportJSON(rep.AgentID, rep.Report)
		j.Busy = rep.Busy
		if rep.Err != nil {
			j.Error = rep.Err.Error()
		}
		out = append(out, j)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSetGoals handles PUT /agents/{agent}/goals/{round}. An empty goals
// text removes the round's goals.
func (s *Server) handleSetGoals(w http.ResponseWriter, r *http.Request) {
	ag, ok := s.agent(w, r)
	if !ok {
		return
	}
	round, err := strconv.Atoi(r.PathValue("round"))
	if err != nil || round < 0 {
		http.Error(w, "invalid round", http.StatusBadRequest)
		return
	}
	var req struct {
		Goals string `json:"goals"`
	}
	if !decode(w, r, &req) {
		return
	}
	ag.SetGoals(r.Context(), round, req.Goals)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetImpression(w http.ResponseWriter, r *http.Request) {
	ag, ok := s.agent(w, r)
	if !ok {
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if !decode(w, r, &req) {
		return
	}
	ag.SetImpression(r.PathValue("name"), req.Text)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetClock(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Clock())
}

func (s *Server) handleSetClock(w http.ResponseWriter, r *http.Request) {
	var c app.Clock
	if !decode(w, r, &c) {
		return
	}
	if err := s.svc.SetClock(r.Context(), c); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Clock())
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// agent resolves the {agent} wildcard, answering 404 when it is unknown.
func (s *Server) agent(w http.ResponseWriter, r *http.Request) (*agent.Agent, bool) {
	ag, err := s.svc.Agent(r.PathValue("agent"))
	if err != nil {
		http.Error(w, "agent not found", http.StatusNotFound)
		return nil, false
	}
	return ag, true
}

func summarize(ag *agent.Agent) agentSummary {
	return agentSummary{
		ID:       ag.ID(),
		Name:     ag.Name(),
		Memories: ag.Store().Size(),
		Degraded: ag.Store().Degraded(),
	}
}

// decode reads a JSON body into v. It writes a 400 and reports false on
// failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// writeError maps domain errors to status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, memory.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, memory.ErrTypeMismatch), errors.Is(err, agent.ErrBusy):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
	default:
		observe.Logger(r.Context()).Error("api: request failed", "path", r.URL.Path, "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func intParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
