package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ssd-technologies/chainops/internal/agent"
	"github.com/ssd-technologies/chainops/internal/catalog"
	"github.com/ssd-technologies/chainops/internal/events"
	"github.com/ssd-technologies/chainops/internal/metrics"
	"github.com/ssd-technologies/chainops/internal/operation"
	"github.com/ssd-technologies/chainops/internal/ratelimit"
	"github.com/ssd-technologies/chainops/internal/scheduler"
)

// AgentStore persists agent profiles.
type AgentStore interface {
	SaveAgent(a agent.Agent) error
	ListAgents() ([]agent.Agent, error)
	DeleteAgent(paw string) error
}

// Options wires a Server to the engine.
type Options struct {
	Operations *operation.Manager
	Agents     *agent.Registry
	Catalog    *catalog.Catalog
	Dispatcher *scheduler.Dispatcher
	Bus        *events.Bus
	Metrics    *metrics.Metrics
	Store      AgentStore
	Secret     string
	// BeaconRate is the number of beacons allowed per agent per minute.
	BeaconRate int
	// ReportDir receives operation reports. Empty disables writing.
	ReportDir string
	Logger    *zap.Logger
}

// Server is the HTTP API for the operation engine.
type Server struct {
	ops       *operation.Manager
	agents    *agent.Registry
	cat       *catalog.Catalog
	dispatch  *scheduler.Dispatcher
	bus       *events.Bus
	metrics   *metrics.Metrics
	store     AgentStore
	secret    string
	reportDir string
	beacons   *ratelimit.Keyed
	log       *zap.Logger
	mux       *http.ServeMux
}

// New creates a new Server with all routes registered.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.BeaconRate <= 0 {
		opts.BeaconRate = 120
	}
	s := &Server{
		ops:       opts.Operations,
		agents:    opts.Agents,
		cat:       opts.Catalog,
		dispatch:  opts.Dispatcher,
		bus:       opts.Bus,
		metrics:   opts.Metrics,
		store:     opts.Store,
		secret:    opts.Secret,
		reportDir: opts.ReportDir,
		beacons:   newBeaconLimiter(opts.BeaconRate),
		log:       opts.Logger,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// routes registers all HTTP routes on the server mux.
func (s *Server) routes() {
	// Health
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// Operations
	s.mux.HandleFunc("POST /plugin/chain/full", s.admin(s.handleFull))
	s.mux.HandleFunc("GET /plugin/chain/operation/{id}", s.admin(s.handleGetOperation))
	s.mux.HandleFunc("POST /plugin/chain/operation", s.admin(s.handleStartOperation))
	s.mux.HandleFunc("GET /plugin/chain/operations", s.admin(s.handleListOperations))
	s.mux.HandleFunc("PUT /plugin/chain/operation/state", s.admin(s.handleOperationState))
	s.mux.HandleFunc("PATCH /plugin/chain/operation/{id}", s.admin(s.handleAutonomous))
	s.mux.HandleFunc("PUT /plugin/chain/rest", s.admin(s.handleLinkAction))
	s.mux.HandleFunc("POST /plugin/chain/rest", s.admin(s.handleReport))
	s.mux.HandleFunc("POST /plugin/chain/potential-links", s.admin(s.handlePotentialLinks))
	s.mux.HandleFunc("PUT /plugin/chain/potential-links", s.admin(s.handlePromoteLink))
	if s.bus != nil {
		s.mux.HandleFunc("GET /plugin/chain/stream", s.admin(events.Stream(s.bus, s.log)))
	}

	// Agents
	s.mux.HandleFunc("POST /api/agent/beacon", s.handleBeacon)
	s.mux.HandleFunc("GET /api/agents", s.admin(s.handleListAgents))
	s.mux.HandleFunc("GET /api/agents/{paw}", s.admin(s.handleGetAgent))
	s.mux.HandleFunc("PUT /api/agents/{paw}", s.admin(s.handleUpdateAgent))
	s.mux.HandleFunc("DELETE /api/agents/{paw}", s.admin(s.handleDeleteAgent))

	// Catalog
	s.mux.HandleFunc("GET /api/abilities", s.admin(s.handleListAbilities))
	s.mux.HandleFunc("POST /api/abilities", s.admin(s.handlePutAbility))
	s.mux.HandleFunc("GET /api/adversaries", s.admin(s.handleListAdversaries))
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ops := make(map[string]int)
	for state, n := range s.ops.Counts() {
		ops[string(state)] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"service":    "chainops",
		"agents":     s.agents.Stats(),
		"operations": ops,
	})
}

// admin wraps h with the X-Admin-Secret check.
func (s *Server) admin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Admin-Secret") != s.secret {
			writeError(w, http.StatusUnauthorized, "invalid admin secret")
			return
		}
		h(w, r)
	}
}

// actor names the operator behind a request for the audit trail.
func actor(r *http.Request) string {
	if a := r.Header.Get("X-Operator"); a != "" {
		return a
	}
	return "operator"
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps engine error kinds to HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, operation.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, operation.ErrNotFound), errors.Is(err, agent.ErrNotFound), errors.Is(err, catalog.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, operation.ErrConflict), errors.Is(err, operation.ErrInvalidTransition), errors.Is(err, agent.ErrInUse):
		status = http.StatusConflict
	}
	writeError(w, status, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}
