// Package worker runs one live conversation: it binds a flow engine to the
// media bridge and the model, escalates on caller silence, and tears the
// session down through a single idempotent shutdown path.
package worker

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/voxflow/internal/engine"
	"github.com/rendis/voxflow/internal/flow"
	"github.com/rendis/voxflow/internal/llm"
	"github.com/rendis/voxflow/internal/logging"
	"github.com/rendis/voxflow/internal/rooms"
	"github.com/rendis/voxflow/internal/transport"
	"github.com/rendis/voxflow/pkg/schema"
)

// Shutdown reasons.
const (
	ReasonFlowCompleted   = "flow_completed"
	ReasonParticipantLeft = "participant_left"
	ReasonSignal          = "signal"
	ReasonIdleTimeout     = "idle_timeout"
	ReasonTransportClosed = "transport_closed"
)

const (
	DefaultIdleTimeout   = 5 * time.Second
	DefaultIdleRetries   = 2
	DefaultMaxToolRounds = 4
	DefaultDeleteTimeout = 10 * time.Second
	DefaultGoodbye       = "Thank you for calling. Goodbye!"
)

// DefaultIdlePrompts are injected as system messages on successive idle timeouts.
var DefaultIdlePrompts = []string{
	"The user has been quiet. Politely and briefly ask if they're still there.",
	"The user has been quiet for a while. Ask if they'd like to continue.",
}

// Config holds per-session worker settings.
type Config struct {
	SessionID     string
	RoomName      string
	RoomURL       string
	IdleTimeout   time.Duration
	IdleRetries   int // reminders before hanging up; zero hangs up on the first timeout
	IdlePrompts   []string
	Goodbye       string
	MaxToolRounds int
	DeleteTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.IdleRetries < 0 {
		c.IdleRetries = 0
	}
	if len(c.IdlePrompts) == 0 {
		c.IdlePrompts = DefaultIdlePrompts
	}
	if c.Goodbye == "" {
		c.Goodbye = DefaultGoodbye
	}
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = DefaultMaxToolRounds
	}
	if c.DeleteTimeout <= 0 {
		c.DeleteTimeout = DefaultDeleteTimeout
	}
}

// Deps are the collaborators a worker drives.
type Deps struct {
	Graph         *flow.Graph
	Transport     transport.Transport
	Driver        llm.Driver
	Rooms         rooms.Provisioner // nil skips room deletion
	Logger        *slog.Logger
	Exit          func(code int) // defaults to os.Exit
	EngineOptions []engine.Option
}

// Worker owns one session for its lifetime.
type Worker struct {
	cfg       Config
	engine    *engine.Engine
	transport transport.Transport
	driver    llm.Driver
	rooms     rooms.Provisioner
	logger    *slog.Logger
	exit      func(int)

	initialized bool
	idleCount   int
	endPending  atomic.Bool

	shutdown     atomic.Bool
	shutdownDone chan struct{}
	reasonMu     sync.Mutex
	reason       string
}

// New builds a worker and its flow engine.
func New(cfg Config, deps Deps) (*Worker, error) {
	if deps.Graph == nil || deps.Transport == nil || deps.Driver == nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "worker requires a flow graph, transport and model driver")
	}
	cfg.applyDefaults()

	w := &Worker{
		cfg:          cfg,
		transport:    deps.Transport,
		driver:       deps.Driver,
		rooms:        deps.Rooms,
		logger:       deps.Logger,
		exit:         deps.Exit,
		shutdownDone: make(chan struct{}),
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.exit == nil {
		w.exit = os.Exit
	}

	appender := engine.MultiAppender{
		engine.NewLogAppender(w.logger),
		&bridgeAppender{transport: deps.Transport},
	}
	opts := []engine.Option{
		engine.WithSessionID(cfg.SessionID),
		engine.WithSessionData(map[string]any{"room": cfg.RoomName, "room_url": cfg.RoomURL}),
		engine.WithEventAppender(appender),
		engine.WithLogger(w.logger),
	}
	opts = append(opts, deps.EngineOptions...)
	w.engine = engine.New(deps.Graph, &conversation{w: w}, opts...)
	return w, nil
}

// Engine returns the worker's flow engine.
func (w *Worker) Engine() *engine.Engine { return w.engine }

// Run processes bridge events until the session ends. Cancelling ctx (for
// example on SIGTERM) runs the shutdown path.
func (w *Worker) Run(ctx context.Context) error {
	ctx = logging.WithIDs(ctx, w.cfg.RoomName, w.cfg.SessionID)
	w.engine.OnTransition(func(_, to string) error {
		w.logger.DebugContext(logging.WithNode(ctx, to), "node active")
		return nil
	})

	idle := time.NewTimer(w.cfg.IdleTimeout)
	stopTimer(idle)
	defer idle.Stop()

	events := w.transport.Events()
	for {
		select {
		case <-ctx.Done():
			w.Shutdown(ctx, ReasonSignal)
			return nil

		case ev, ok := <-events:
			if !ok {
				w.Shutdown(ctx, ReasonTransportClosed)
				return nil
			}
			if w.handleEvent(ctx, ev, idle) {
				return nil
			}

		case <-idle.C:
			if w.onIdle(ctx) {
				return nil
			}
			idle.Reset(w.cfg.IdleTimeout)
		}

		if w.engine.Terminated() {
			w.complete(ctx)
			return nil
		}
	}
}

// handleEvent applies one bridge event. It returns true once the worker has
// shut down.
func (w *Worker) handleEvent(ctx context.Context, ev transport.Event, idle *time.Timer) bool {
	switch ev.Type {
	case transport.EventParticipantJoined:
		if w.initialized {
			w.logger.InfoContext(ctx, "additional participant joined", "participant", ev.ParticipantID)
			return false
		}
		w.initialized = true
		if err := w.transport.StartTranscription(ctx, ev.ParticipantID); err != nil {
			w.logger.WarnContext(ctx, "start transcription failed", "participant", ev.ParticipantID, "error", err)
		}
		if err := w.engine.Initialize(ctx); err != nil {
			w.logger.ErrorContext(ctx, "initialize flow", "error", err)
			return false
		}
		w.respond(ctx)
		idle.Reset(w.cfg.IdleTimeout)

	case transport.EventParticipantLeft:
		w.logger.InfoContext(ctx, "participant left", "participant", ev.ParticipantID, "reason", ev.Reason)
		w.Shutdown(ctx, ReasonParticipantLeft)
		return true

	case transport.EventTranscription:
		if !ev.Final || ev.Text == "" || !w.initialized {
			return false
		}
		w.idleCount = 0
		stopTimer(idle)
		w.engine.Transcript().AppendUser(ev.Text)
		w.respond(ctx)
		idle.Reset(w.cfg.IdleTimeout)

	case transport.EventCallState:
		if ev.State == "left" || ev.State == "ended" || ev.State == "error" {
			w.Shutdown(ctx, ReasonTransportClosed)
			return true
		}

	case transport.EventError:
		w.logger.WarnContext(ctx, "bridge error", "message", ev.Message)

	default:
		w.logger.DebugContext(ctx, "bridge event", "type", ev.Type)
	}
	return false
}

// respond runs model turns until the model stops calling tools or the round
// budget is spent.
func (w *Worker) respond(ctx context.Context) {
	for round := 0; round < w.cfg.MaxToolRounds; round++ {
		turn, err := w.driver.Complete(ctx, w.engine.Snapshot(), w.engine.Tools())
		if err != nil {
			w.logger.ErrorContext(ctx, "model turn failed", "error", err)
			return
		}

		w.engine.Transcript().AppendAssistant(turn.Text, turn.ToolCalls)
		if turn.Text != "" {
			if err := w.transport.Say(ctx, turn.Text); err != nil {
				w.logger.WarnContext(ctx, "speak failed", "error", err)
			}
		}
		if len(turn.ToolCalls) == 0 {
			return
		}

		for _, call := range turn.ToolCalls {
			w.handleToolCall(ctx, call)
		}
	}
	w.logger.WarnContext(ctx, "tool round limit reached", "rounds", w.cfg.MaxToolRounds)
}

func (w *Worker) handleToolCall(ctx context.Context, call schema.ToolCall) {
	_, err := w.engine.HandleToolCall(ctx, call)
	if err == nil {
		return
	}
	if schema.Recoverable(err) {
		w.logger.WarnContext(ctx, "function call rejected", "function", call.Name, "code", schema.CodeOf(err), "error", err)
	} else {
		w.logger.ErrorContext(ctx, "function call failed", "function", call.Name, "error", err)
	}
	w.engine.Transcript().AppendToolError(call.ID, call.Name, err)
}

// onIdle escalates one step. It returns true once the worker has shut down.
func (w *Worker) onIdle(ctx context.Context) bool {
	if !w.initialized || w.engine.Terminated() {
		return false
	}
	w.idleCount++
	if w.idleCount <= w.cfg.IdleRetries {
		prompt := w.cfg.IdlePrompts[min(w.idleCount, len(w.cfg.IdlePrompts))-1]
		w.logger.InfoContext(ctx, "caller idle", "attempt", w.idleCount)
		w.engine.Transcript().Append(schema.Message{Role: schema.RoleSystem, Content: prompt})
		w.respond(ctx)
		return false
	}

	w.logger.InfoContext(ctx, "caller idle, ending call", "attempts", w.idleCount)
	if err := w.transport.Say(ctx, w.cfg.Goodbye); err != nil {
		w.logger.WarnContext(ctx, "speak goodbye failed", "error", err)
	}
	if err := w.transport.EndConversation(ctx); err != nil {
		w.logger.WarnContext(ctx, "end conversation failed", "error", err)
	}
	w.Shutdown(ctx, ReasonIdleTimeout)
	return true
}

// complete finishes a session whose flow reached a terminal node.
func (w *Worker) complete(ctx context.Context) {
	if w.endPending.Load() {
		if err := w.transport.EndConversation(ctx); err != nil {
			w.logger.WarnContext(ctx, "end conversation failed", "error", err)
		}
	}
	w.Shutdown(ctx, ReasonFlowCompleted)
}

// Shutdown deletes the room (best effort, bounded), closes the transport and
// exits the process. Only the first call has effect.
func (w *Worker) Shutdown(ctx context.Context, reason string) {
	if !w.shutdown.CompareAndSwap(false, true) {
		w.logger.DebugContext(ctx, "shutdown already in progress", "reason", reason)
		return
	}
	defer close(w.shutdownDone)

	w.reasonMu.Lock()
	w.reason = reason
	w.reasonMu.Unlock()
	w.logger.InfoContext(ctx, "shutting down session", "reason", reason)

	DeleteRoom(ctx, w.rooms, w.cfg.RoomName, w.cfg.DeleteTimeout, w.logger)

	if err := w.transport.Close(); err != nil {
		w.logger.WarnContext(ctx, "close transport", "error", err)
	}
	w.exit(0)
}

// DeleteRoom deletes room on a context detached from ctx's cancellation and
// bounded by timeout. Failures are logged. A nil provisioner or empty room
// name is a no-op.
func DeleteRoom(ctx context.Context, p rooms.Provisioner, room string, timeout time.Duration, logger *slog.Logger) {
	if p == nil || room == "" {
		return
	}
	if timeout <= 0 {
		timeout = DefaultDeleteTimeout
	}
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := p.DeleteRoom(delCtx, room); err != nil {
		logger.WarnContext(ctx, "room delete failed", "error", err)
		return
	}
	logger.InfoContext(ctx, "room deleted")
}

// ShutdownReason returns the reason of the shutdown that ran, or "".
func (w *Worker) ShutdownReason() string {
	w.reasonMu.Lock()
	defer w.reasonMu.Unlock()
	return w.reason
}

// ShutdownDone is closed once the shutdown routine has finished.
func (w *Worker) ShutdownDone() <-chan struct{} { return w.shutdownDone }

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
