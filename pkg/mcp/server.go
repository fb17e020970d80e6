package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/voxflow/internal/flow"
	"github.com/rendis/voxflow/internal/orchestrator"
	"github.com/rendis/voxflow/internal/store"
	"github.com/rendis/voxflow/internal/streaming"
)

// Sessions is the orchestrator surface exposed as tools.
type Sessions interface {
	CreateSession(ctx context.Context, req orchestrator.CreateRequest) (*orchestrator.CreateResult, error)
	DeleteSession(ctx context.Context, room string) (*orchestrator.DeleteResult, error)
	ReclaimProcess(ctx context.Context, room string) (*orchestrator.ReclaimResult, error)
	ListSessions(ctx context.Context) []orchestrator.SessionInfo
}

// FlowCatalog lists and builds flows.
type FlowCatalog interface {
	Names() []string
	Build(name string, opts ...flow.Option) (*flow.Graph, error)
}

// Replayer folds a session's stored events into its progress.
type Replayer interface {
	Replay(ctx context.Context, sessionID string) (*store.Replay, error)
}

// VoxflowServerDeps holds the dependencies for creating a VoxflowServer.
type VoxflowServerDeps struct {
	Sessions Sessions
	Store    store.Store
	Replayer Replayer
	Flows    FlowCatalog
	Hub      streaming.EventHub
	Logger   *slog.Logger
	Version  string
}

// VoxflowServer wraps an MCP server with the session lifecycle tools.
type VoxflowServer struct {
	sessions  Sessions
	store     store.Store
	replayer  Replayer
	flows     FlowCatalog
	hub       streaming.EventHub
	logger    *slog.Logger
	watches   *WatchRegistry
	notifier  *MCPNotifier
	mcpServer *server.MCPServer
}

// NewVoxflowServer creates a new VoxflowServer with all tools registered.
func NewVoxflowServer(deps VoxflowServerDeps) *VoxflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &VoxflowServer{
		sessions: deps.Sessions,
		store:    deps.Store,
		replayer: deps.Replayer,
		flows:    deps.Flows,
		hub:      deps.Hub,
		logger:   logger,
		watches:  NewWatchRegistry(),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.watches.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"voxflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Voxflow runs voice bot sessions, one meeting room and one worker process per call. Use voxflow.create_session to provision a room, voxflow.list_sessions to see live workers, voxflow.delete_session to tear a session down, voxflow.reclaim_process to stop only the worker, voxflow.session_events to read a session's history and voxflow.diagram to render a flow."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.watches, logger)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. Lifecycle events for watched rooms are pushed to clients
// while it runs.
func (s *VoxflowServer) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.hub != nil {
		go s.notifier.Forward(ctx, s.hub)
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *VoxflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *VoxflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: createSessionTool(), Handler: s.handleCreateSession},
		{Tool: deleteSessionTool(), Handler: s.handleDeleteSession},
		{Tool: listSessionsTool(), Handler: s.handleListSessions},
		{Tool: reclaimProcessTool(), Handler: s.handleReclaimProcess},
		{Tool: sessionEventsTool(), Handler: s.handleSessionEvents},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}
