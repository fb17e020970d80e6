// Package engine drives one session's cursor through a flow graph in
// response to model-issued function calls, sequencing pre/post actions and
// maintaining the transcript the model sees.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/voxflow/internal/actions"
	"github.com/rendis/voxflow/internal/flow"
	"github.com/rendis/voxflow/pkg/schema"
)

type engineState int

const (
	stateNew engineState = iota
	stateActive
	stateTerminated
)

// Engine owns the cursor for one session. All methods are safe for
// concurrent use; function calls are serialized.
type Engine struct {
	mu sync.Mutex

	graph      *flow.Graph
	conv       actions.Conversation
	appender   EventAppender
	logger     *slog.Logger
	sessionID  string
	session    map[string]any
	hooks      []TransitionHook
	transcript *Transcript

	state   engineState
	current string
	done    chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithSessionID tags events and action inputs with the session ID.
func WithSessionID(id string) Option {
	return func(e *Engine) { e.sessionID = id }
}

// WithSessionData exposes metadata to handlers as the session scope.
func WithSessionData(data map[string]any) Option {
	return func(e *Engine) { e.session = data }
}

// WithEventAppender sets the event destination.
func WithEventAppender(a EventAppender) Option {
	return func(e *Engine) { e.appender = a }
}

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithTranscript shares an existing transcript.
func WithTranscript(t *Transcript) Option {
	return func(e *Engine) { e.transcript = t }
}

// New creates an engine for graph. conv receives speech and end-of-call
// requests from actions.
func New(graph *flow.Graph, conv actions.Conversation, opts ...Option) *Engine {
	e := &Engine{
		graph: graph,
		conv:  conv,
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.appender == nil {
		e.appender = NewLogAppender(e.logger)
	}
	if e.transcript == nil {
		e.transcript = NewTranscript()
	}
	return e
}

// OnTransition registers a hook run after every cursor move. Hook errors
// are logged.
func (e *Engine) OnTransition(hook TransitionHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, hook)
}

// Initialize enters the initial node. It may be called once.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateNew {
		return schema.NewError(schema.ErrCodeAlreadyInitialized, "engine already initialized")
	}
	e.state = stateActive

	initial, _ := e.graph.Node(e.graph.Initial())
	e.transcript.SetRole(initial.RoleMessages)
	e.enter(ctx, "", initial)
	return nil
}

// HandleFunctionCall runs the named function on the current node with raw
// JSON arguments.
func (e *Engine) HandleFunctionCall(ctx context.Context, name string, raw []byte) (flow.Result, error) {
	return e.handle(ctx, "", name, raw)
}

// HandleToolCall is HandleFunctionCall for a model tool call; the result is
// recorded against the call's ID.
func (e *Engine) HandleToolCall(ctx context.Context, call schema.ToolCall) (flow.Result, error) {
	return e.handle(ctx, call.ID, call.Name, []byte(call.Arguments))
}

func (e *Engine) handle(ctx context.Context, callID, name string, raw []byte) (flow.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case stateNew:
		return nil, schema.NewError(schema.ErrCodeNotInitialized, "engine not initialized")
	case stateTerminated:
		e.emit(ctx, schema.EventFunctionRejected, e.current, name, map[string]any{"code": schema.ErrCodeSessionTerminated})
		return nil, schema.NewErrorf(schema.ErrCodeSessionTerminated, "session ended; function %q rejected", name).
			WithNode(e.current)
	}

	node, _ := e.graph.Node(e.current)
	fn, ok := node.Function(name)
	if !ok {
		e.emit(ctx, schema.EventFunctionRejected, e.current, name, map[string]any{"code": schema.ErrCodeUnknownFunction})
		return nil, schema.NewErrorf(schema.ErrCodeUnknownFunction, "function %q is not available", name).
			WithNode(e.current).
			WithDetails(map[string]any{"available": node.FunctionNames()})
	}

	args, err := fn.ParseArguments(raw)
	if err != nil {
		e.emit(ctx, schema.EventFunctionRejected, e.current, name, map[string]any{"code": schema.CodeOf(err), "error": err.Error()})
		return nil, withNode(err, e.current)
	}

	result, next, err := fn.Invoke(ctx, flow.Call{Args: args, Vars: e.graph.Vars(), Session: e.sessionScope()})
	if err != nil {
		e.emit(ctx, schema.EventFunctionRejected, e.current, name, map[string]any{"code": schema.CodeOf(err), "error": err.Error()})
		return nil, withNode(err, e.current)
	}

	// Undeclared targets are caught by Invoke; this guards graphs mutated
	// outside Build.
	target, ok := e.graph.Node(next)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "function %q returned unknown node %q", name, next).
			WithNode(e.current)
	}

	e.emit(ctx, schema.EventFunctionCalled, e.current, name, map[string]any{"args": args, "next": next})

	if result != nil {
		if err := e.transcript.AppendToolResult(callID, name, result); err != nil {
			e.logger.WarnContext(ctx, "dropping function result", "function", name, "error", err)
		}
	}

	from := e.current
	e.runActions(ctx, node, node.PostActions, result)
	e.emit(ctx, schema.EventNodeExited, from, name, nil)

	e.enter(ctx, from, target)
	return result, nil
}

// enter moves the cursor to n, replays its pre-actions and task messages,
// and completes the session when n is terminal. Caller holds e.mu.
func (e *Engine) enter(ctx context.Context, from string, n *flow.Node) {
	e.current = n.ID
	e.emit(ctx, schema.EventNodeEntered, n.ID, "", map[string]any{"from": from})
	e.logger.InfoContext(ctx, "entered node", "from", from, "node", n.ID)

	e.runActions(ctx, n, n.PreActions, nil)
	e.transcript.Append(n.TaskMessages...)

	for _, hook := range e.hooks {
		if err := hook(from, n.ID); err != nil {
			e.logger.WarnContext(ctx, "transition hook failed", "from", from, "to", n.ID, "error", err)
		}
	}

	if n.Terminal() {
		e.runActions(ctx, n, n.PostActions, nil)
		e.state = stateTerminated
		close(e.done)
		e.emit(ctx, schema.EventSessionCompleted, n.ID, "", nil)
		e.logger.InfoContext(ctx, "session completed", "node", n.ID)
	}
}

func (e *Engine) runActions(ctx context.Context, n *flow.Node, refs []flow.ActionRef, result flow.Result) {
	for _, ref := range refs {
		input := actions.ActionInput{
			Params:       ref.Params,
			SessionID:    e.sessionID,
			NodeID:       n.ID,
			Result:       result,
			Conversation: e.conv,
			Logger:       e.logger,
		}
		if err := ref.Action.Execute(ctx, input); err != nil {
			e.logger.WarnContext(ctx, "action failed", "node", n.ID, "action", ref.Type, "error", err)
			e.emit(ctx, schema.EventActionFailed, n.ID, "", map[string]any{"action": ref.Type, "error": err.Error()})
		}
	}
}

func (e *Engine) emit(ctx context.Context, eventType, nodeID, function string, payload map[string]any) {
	event := &schema.SessionEvent{
		SessionID: e.sessionID,
		Type:      eventType,
		NodeID:    nodeID,
		Function:  function,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	if err := e.appender.AppendEvent(ctx, event); err != nil {
		e.logger.WarnContext(ctx, "emit flow event", "event", eventType, "error", err)
	}
}

func (e *Engine) sessionScope() map[string]any {
	scope := make(map[string]any, len(e.session)+2)
	for k, v := range e.session {
		scope[k] = v
	}
	scope["node"] = e.current
	if e.sessionID != "" {
		scope["id"] = e.sessionID
	}
	return scope
}

func withNode(err error, nodeID string) error {
	if ve, ok := err.(*schema.VoxError); ok && ve.NodeID == "" {
		return ve.WithNode(nodeID)
	}
	return err
}

// Current returns the current node ID, or "" before initialization.
func (e *Engine) Current() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Terminated reports whether a terminal node has been reached.
func (e *Engine) Terminated() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == stateTerminated
}

// Done is closed when the session reaches a terminal node.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Tools describes the current node's functions. Empty before
// initialization and after termination.
func (e *Engine) Tools() []schema.ToolSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateActive {
		return nil
	}
	n, _ := e.graph.Node(e.current)
	return n.Tools()
}

// Transcript returns the session transcript.
func (e *Engine) Transcript() *Transcript { return e.transcript }

// Snapshot returns a copy of the transcript for the next model turn.
func (e *Engine) Snapshot() []schema.Message { return e.transcript.Snapshot() }

// Graph returns the flow graph the engine interprets.
func (e *Engine) Graph() *flow.Graph { return e.graph }
