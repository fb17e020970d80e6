// Package api serves the orchestrator's control-plane HTTP surface.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/rendis/voxflow/internal/flow"
	"github.com/rendis/voxflow/internal/orchestrator"
	"github.com/rendis/voxflow/internal/scheduler"
	"github.com/rendis/voxflow/internal/store"
	"github.com/rendis/voxflow/internal/streaming"
)

// Sessions is the orchestrator surface the API exposes.
type Sessions interface {
	CreateSession(ctx context.Context, req orchestrator.CreateRequest) (*orchestrator.CreateResult, error)
	DeleteSession(ctx context.Context, room string) (*orchestrator.DeleteResult, error)
	ReclaimProcess(ctx context.Context, room string) (*orchestrator.ReclaimResult, error)
	ListSessions(ctx context.Context) []orchestrator.SessionInfo
}

// FlowCatalog lists and builds the flows workers can run.
type FlowCatalog interface {
	Names() []string
	Build(name string, opts ...flow.Option) (*flow.Graph, error)
}

// Replayer folds a session's stored events into its progress.
type Replayer interface {
	Replay(ctx context.Context, sessionID string) (*store.Replay, error)
}

// JobLister reports the daemon's maintenance jobs.
type JobLister interface {
	Jobs() []scheduler.JobStatus
}

// Deps holds the dependencies for the API server. Store, Replayer, Hub,
// Flows and Jobs are optional; their routes answer 404 or 503 without them.
type Deps struct {
	Sessions Sessions
	Store    store.Store
	Replayer Replayer
	Hub      streaming.EventHub
	Flows    FlowCatalog
	Jobs     JobLister
	Logger   *slog.Logger
	Version  string
}

// Server serves the control-plane routes.
type Server struct {
	deps Deps
}

// NewServer creates a new Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Session lifecycle.
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("DELETE /sessions/{id}/process", s.handleReclaimProcess)
	mux.HandleFunc("GET /sessions/{id}/events", s.handleSessionEvents)

	// Flows.
	mux.HandleFunc("GET /flows", s.handleListFlows)
	mux.HandleFunc("GET /flows/{name}/diagram", s.handleFlowDiagram)

	// SSE stream.
	mux.HandleFunc("GET /events", s.handleSSE)

	return s.logRequests(mux)
}

// logRequests logs each request at debug level.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.deps.Logger.DebugContext(r.Context(), "http request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
