package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/voxflow/internal/flow"
	"github.com/rendis/voxflow/internal/llm"
	"github.com/rendis/voxflow/internal/rooms"
	"github.com/rendis/voxflow/internal/transport"
	"github.com/rendis/voxflow/pkg/schema"
)

const greetingYAML = `
name: greeting
initial_node: greet
nodes:
  greet:
    role_messages:
      - role: system
        content: You are a receptionist.
    task_messages:
      - role: system
        content: Greet the caller and ask if they are done.
    functions:
      - name: finish
        description: Caller is done.
        next: done
  done:
    task_messages:
      - role: system
        content: Say goodbye.
    post_actions:
      - type: end_conversation
`

type fakeTransport struct {
	events chan transport.Event

	mu           sync.Mutex
	said         []string
	ended        int
	closed       int
	transcribing []string
	appMessages  int
}

func newFakeTransport(events ...transport.Event) *fakeTransport {
	ch := make(chan transport.Event, 16)
	for _, ev := range events {
		ch <- ev
	}
	return &fakeTransport{events: ch}
}

func (f *fakeTransport) Events() <-chan transport.Event { return f.events }

func (f *fakeTransport) StartTranscription(_ context.Context, participantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transcribing = append(f.transcribing, participantID)
	return nil
}

func (f *fakeTransport) Say(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.said = append(f.said, text)
	return nil
}

func (f *fakeTransport) EndConversation(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended++
	return nil
}

func (f *fakeTransport) SendAppMessage(context.Context, any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appMessages++
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) Said() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.said...)
}

// scriptedDriver replays turns in order, then answers with fallback text.
type scriptedDriver struct {
	mu       sync.Mutex
	turns    []*llm.Turn
	fallback string
	calls    int
}

func (d *scriptedDriver) Complete(context.Context, []schema.Message, []schema.ToolSpec) (*llm.Turn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.turns) == 0 {
		return &llm.Turn{Text: d.fallback}, nil
	}
	turn := d.turns[0]
	d.turns = d.turns[1:]
	return turn, nil
}

func (d *scriptedDriver) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakeRooms struct {
	mu        sync.Mutex
	deleted   []string
	ctxAlive  []bool
	deleteErr error
}

func (r *fakeRooms) CreateRoom(context.Context, rooms.CreateRequest) (*rooms.Room, error) {
	return nil, errors.New("not implemented")
}

func (r *fakeRooms) DeleteRoom(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, name)
	r.ctxAlive = append(r.ctxAlive, ctx.Err() == nil)
	return r.deleteErr
}

type exitRecorder struct {
	mu    sync.Mutex
	codes []int
}

func (e *exitRecorder) exit(code int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.codes = append(e.codes, code)
}

func (e *exitRecorder) Codes() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.codes...)
}

type harness struct {
	worker    *Worker
	transport *fakeTransport
	driver    *scriptedDriver
	rooms     *fakeRooms
	exits     *exitRecorder
}

func newHarness(t *testing.T, cfg Config, driver *scriptedDriver, events ...transport.Event) *harness {
	t.Helper()
	def, err := flow.Parse([]byte(greetingYAML))
	require.NoError(t, err)
	graph, err := flow.Build(def)
	require.NoError(t, err)

	h := &harness{
		transport: newFakeTransport(events...),
		driver:    driver,
		rooms:     &fakeRooms{},
		exits:     &exitRecorder{},
	}
	if cfg.RoomName == "" {
		cfg.RoomName = "room-1"
	}
	h.worker, err = New(cfg, Deps{
		Graph:     graph,
		Transport: h.transport,
		Driver:    driver,
		Rooms:     h.rooms,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Exit:      h.exits.exit,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) run(t *testing.T, ctx context.Context) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func joined() transport.Event {
	return transport.Event{Type: transport.EventParticipantJoined, ParticipantID: "caller"}
}

func said(text string) transport.Event {
	return transport.Event{Type: transport.EventTranscription, ParticipantID: "caller", Text: text, Final: true}
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Config{}, Deps{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))
}

func TestWorker_FlowCompletionEndsCall(t *testing.T) {
	driver := &scriptedDriver{turns: []*llm.Turn{
		{Text: "Hello, how can I help?"},
		{ToolCalls: []schema.ToolCall{{ID: "call_1", Name: "finish", Arguments: "{}"}}},
		{Text: "Goodbye!"},
	}}
	h := newHarness(t, Config{IdleTimeout: time.Hour}, driver, joined(), said("that's all"))

	h.run(t, context.Background())

	assert.Equal(t, []string{"caller"}, h.transport.transcribing)
	assert.Equal(t, []string{"Hello, how can I help?", "Goodbye!"}, h.transport.Said())
	assert.Equal(t, 1, h.transport.ended)
	assert.Equal(t, 1, h.transport.closed)
	assert.Equal(t, []string{"room-1"}, h.rooms.deleted)
	assert.Equal(t, []int{0}, h.exits.Codes())
	assert.Equal(t, ReasonFlowCompleted, h.worker.ShutdownReason())
	assert.True(t, h.worker.Engine().Terminated())
	assert.Equal(t, "done", h.worker.Engine().Current())
	assert.Positive(t, h.transport.appMessages)
}

func TestWorker_IgnoresInterimTranscripts(t *testing.T) {
	driver := &scriptedDriver{fallback: "hi"}
	h := newHarness(t, Config{IdleTimeout: time.Hour}, driver,
		joined(),
		transport.Event{Type: transport.EventTranscription, Text: "that's", Final: false},
		said(""),
		transport.Event{Type: transport.EventParticipantLeft, ParticipantID: "caller"},
	)

	h.run(t, context.Background())

	assert.Equal(t, 1, driver.Calls())
	assert.Equal(t, ReasonParticipantLeft, h.worker.ShutdownReason())
}

func TestWorker_RejectedToolCallIsReportedToModel(t *testing.T) {
	driver := &scriptedDriver{turns: []*llm.Turn{
		{ToolCalls: []schema.ToolCall{{ID: "call_1", Name: "transfer", Arguments: "{}"}}},
		{Text: "Sorry, I can't do that."},
	}}
	h := newHarness(t, Config{IdleTimeout: time.Hour}, driver,
		joined(),
		transport.Event{Type: transport.EventParticipantLeft, ParticipantID: "caller"},
	)

	h.run(t, context.Background())

	assert.Equal(t, "greet", h.worker.Engine().Current())
	var toolMsg *schema.Message
	for _, m := range h.worker.Engine().Snapshot() {
		if m.Role == schema.RoleTool {
			toolMsg = &m
		}
	}
	require.NotNil(t, toolMsg)
	assert.Equal(t, "call_1", toolMsg.ToolCallID)
	assert.Contains(t, toolMsg.Content, schema.ErrCodeUnknownFunction)
	assert.Equal(t, []string{"Sorry, I can't do that."}, h.transport.Said())
}

func TestWorker_ToolRoundLimit(t *testing.T) {
	loop := &llm.Turn{ToolCalls: []schema.ToolCall{{ID: "c", Name: "nope", Arguments: "{}"}}}
	driver := &scriptedDriver{turns: []*llm.Turn{loop, loop, loop, loop, loop}}
	h := newHarness(t, Config{IdleTimeout: time.Hour, MaxToolRounds: 3}, driver,
		joined(),
		transport.Event{Type: transport.EventParticipantLeft},
	)

	h.run(t, context.Background())

	assert.Equal(t, 3, driver.Calls())
}

func TestWorker_IdleEscalation(t *testing.T) {
	driver := &scriptedDriver{fallback: "Are you still there?"}
	h := newHarness(t, Config{IdleTimeout: 10 * time.Millisecond, IdleRetries: 2}, driver, joined())

	h.run(t, context.Background())

	// greeting plus one turn per reminder
	assert.Equal(t, 3, driver.Calls())
	said := h.transport.Said()
	require.NotEmpty(t, said)
	assert.Equal(t, DefaultGoodbye, said[len(said)-1])
	assert.Equal(t, 1, h.transport.ended)
	assert.Equal(t, ReasonIdleTimeout, h.worker.ShutdownReason())

	var reminders []string
	for _, m := range h.worker.Engine().Snapshot() {
		if m.Role == schema.RoleSystem && strings.Contains(m.Content, "quiet") {
			reminders = append(reminders, m.Content)
		}
	}
	assert.Equal(t, DefaultIdlePrompts, reminders)
}

func TestWorker_IdleWithoutRetriesEndsImmediately(t *testing.T) {
	driver := &scriptedDriver{fallback: "Hello"}
	h := newHarness(t, Config{IdleTimeout: 10 * time.Millisecond, IdleRetries: 0}, driver, joined())

	h.run(t, context.Background())

	assert.Equal(t, 1, driver.Calls())
	assert.Equal(t, []string{"Hello", DefaultGoodbye}, h.transport.Said())
	assert.Equal(t, ReasonIdleTimeout, h.worker.ShutdownReason())
}

func TestWorker_SignalDeletesRoomWithLiveContext(t *testing.T) {
	driver := &scriptedDriver{fallback: "Hello"}
	h := newHarness(t, Config{IdleTimeout: time.Hour}, driver, joined())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	h.run(t, ctx)

	assert.Equal(t, ReasonSignal, h.worker.ShutdownReason())
	assert.Equal(t, []string{"room-1"}, h.rooms.deleted)
	assert.Equal(t, []bool{true}, h.rooms.ctxAlive)
	assert.Equal(t, []int{0}, h.exits.Codes())
}

func TestWorker_TransportClosed(t *testing.T) {
	driver := &scriptedDriver{fallback: "Hello"}
	h := newHarness(t, Config{IdleTimeout: time.Hour}, driver)
	close(h.transport.events)

	h.run(t, context.Background())

	assert.Equal(t, ReasonTransportClosed, h.worker.ShutdownReason())
	assert.Zero(t, driver.Calls())
}

func TestWorker_CallStateEnded(t *testing.T) {
	driver := &scriptedDriver{fallback: "Hello"}
	h := newHarness(t, Config{IdleTimeout: time.Hour}, driver,
		joined(),
		transport.Event{Type: transport.EventCallState, State: "ended"},
	)

	h.run(t, context.Background())

	assert.Equal(t, ReasonTransportClosed, h.worker.ShutdownReason())
}

func TestShutdown_RunsOnce(t *testing.T) {
	h := newHarness(t, Config{}, &scriptedDriver{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, reason := range []string{ReasonIdleTimeout, ReasonFlowCompleted, ReasonSignal} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.worker.Shutdown(ctx, reason)
		}()
	}
	wg.Wait()
	<-h.worker.ShutdownDone()

	assert.Len(t, h.rooms.deleted, 1)
	assert.Equal(t, 1, h.transport.closed)
	assert.Equal(t, []int{0}, h.exits.Codes())
	assert.NotEmpty(t, h.worker.ShutdownReason())
}

func TestShutdown_RoomDeleteFailureStillExits(t *testing.T) {
	h := newHarness(t, Config{}, &scriptedDriver{})
	h.rooms.deleteErr = errors.New("provider unavailable")

	h.worker.Shutdown(context.Background(), ReasonSignal)

	assert.Equal(t, 1, h.transport.closed)
	assert.Equal(t, []int{0}, h.exits.Codes())
}

func TestDeleteRoom(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rm := &fakeRooms{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	DeleteRoom(ctx, rm, "vox-a", time.Second, logger)
	assert.Equal(t, []string{"vox-a"}, rm.deleted)
	assert.Equal(t, []bool{true}, rm.ctxAlive, "deletes on a detached context")

	DeleteRoom(context.Background(), rm, "", time.Second, logger)
	DeleteRoom(context.Background(), nil, "vox-b", time.Second, logger)
	assert.Len(t, rm.deleted, 1)
}
