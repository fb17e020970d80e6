package orchestrator

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rendis/voxflow/internal/rooms"
	"github.com/rendis/voxflow/pkg/schema"
)

type fakeRooms struct {
	mu        sync.Mutex
	created   []string
	deleted   []string
	createErr error
	deleteErr error
	exp       time.Duration
}

func (f *fakeRooms) CreateRoom(_ context.Context, req rooms.CreateRequest) (*rooms.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, req.Name)
	return &rooms.Room{
		Name:   req.Name,
		URL:    "https://voxflow.daily.co/" + req.Name,
		Config: req.Properties,
	}, nil
}

func (f *fakeRooms) DeleteRoom(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, name)
	return f.deleteErr
}

func (f *fakeRooms) deletedRooms() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type fakeHandle struct {
	pid        int
	ignoreTerm bool
	done       chan struct{}
	once       sync.Once
	terms      atomic.Int32
	kills      atomic.Int32
	exitErr    error
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{pid: pid, done: make(chan struct{})}
}

func (h *fakeHandle) exit() { h.once.Do(func() { close(h.done) }) }

func (h *fakeHandle) PID() int { return h.pid }

func (h *fakeHandle) Signal(sig os.Signal) error {
	if sig == syscall.SIGTERM {
		h.terms.Add(1)
		if !h.ignoreTerm {
			h.exit()
		}
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.kills.Add(1)
	h.exit()
	return nil
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *fakeHandle) ExitErr() error { return h.exitErr }

type fakeSpawner struct {
	mu       sync.Mutex
	nextPID  int
	err      error
	requests []SpawnRequest
	handles  []*fakeHandle
	// before runs inside Spawn, before the handle is returned.
	before    func(req SpawnRequest)
	newHandle func(pid int) *fakeHandle
}

func (s *fakeSpawner) Spawn(_ context.Context, req SpawnRequest) (ProcessHandle, error) {
	if s.before != nil {
		s.before(req)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	s.nextPID++
	mk := s.newHandle
	if mk == nil {
		mk = newFakeHandle
	}
	h := mk(1000 + s.nextPID)
	s.handles = append(s.handles, h)
	return h, nil
}

func (s *fakeSpawner) handle(i int) *fakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[i]
}

type recordingAppender struct {
	mu     sync.Mutex
	events []*schema.SessionEvent
}

func (a *recordingAppender) AppendEvent(_ context.Context, e *schema.SessionEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return nil
}

func (a *recordingAppender) types(sessionID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, e := range a.events {
		if e.SessionID == sessionID {
			out = append(out, e.Type)
		}
	}
	return out
}

type staticFlows map[string]bool

func (f staticFlows) Has(name string) bool { return f[name] }

var errBoom = errors.New("boom")
