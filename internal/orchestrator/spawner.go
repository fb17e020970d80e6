package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rendis/voxflow/internal/isolation"
	"github.com/rendis/voxflow/pkg/schema"
)

// ProcessHandle is the orchestrator's view of a running worker.
type ProcessHandle interface {
	PID() int
	Signal(sig os.Signal) error
	Kill() error
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
	// Alive probes the OS; it is false once the process has exited even if
	// nobody has reclaimed it.
	Alive() bool
	// ExitErr is the Wait result; only meaningful after Done is closed.
	ExitErr() error
}

// SpawnRequest parameterizes one worker process.
type SpawnRequest struct {
	SessionID string
	RoomURL   string
	RoomName  string
	Voice     string
	Flow      string
	Persona   string
	Lifetime  time.Duration
}

// Spawner starts session workers.
type Spawner interface {
	// Spawn starts the worker and returns once the process exists. It never
	// waits for the worker to finish.
	Spawn(ctx context.Context, req SpawnRequest) (ProcessHandle, error)
}

// ExecSpawner runs the worker binary as a child process.
type ExecSpawner struct {
	Binary   string
	Args     []string // prepended to the per-session flags
	Env      []string // appended to the daemon's environment
	DBPath   string   // passed to workers so they can record flow events
	Isolator isolation.Isolator
	Limits   isolation.Limits
	Stdout   io.Writer
	Stderr   io.Writer
	Logger   *slog.Logger
}

// Spawn starts the worker under the isolator.
func (s *ExecSpawner) Spawn(ctx context.Context, req SpawnRequest) (ProcessHandle, error) {
	if s.Binary == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "worker binary not configured")
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	iso := s.Isolator
	if iso == nil {
		iso = isolation.NewFallbackIsolator()
	}

	cmd := exec.Command(s.Binary, append(append([]string{}, s.Args...), s.flags(req)...)...)
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	limits := s.Limits
	if req.Lifetime > 0 {
		limits.Lifetime = req.Lifetime
	}

	// The worker outlives the request that created it.
	wrapped, cleanup, err := iso.Wrap(context.WithoutCancel(ctx), cmd, limits)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeProcessSpawn, "isolate worker: %v", err).WithCause(err)
	}
	if err := wrapped.Start(); err != nil {
		cleanup()
		return nil, schema.NewErrorf(schema.ErrCodeProcessSpawn, "start worker: %v", err).WithCause(err)
	}

	h := &execHandle{cmd: wrapped, done: make(chan struct{})}
	go h.wait(cleanup)

	logger.Info("worker started", "pid", h.PID(), "room", req.RoomName, "session_id", req.SessionID)
	return h, nil
}

func (s *ExecSpawner) flags(req SpawnRequest) []string {
	args := []string{
		"--url", req.RoomURL,
		"--room", req.RoomName,
		"--session", req.SessionID,
		"--voice", req.Voice,
		"--flow", req.Flow,
	}
	if req.Persona != "" {
		args = append(args, "--persona", req.Persona)
	}
	if s.DBPath != "" {
		args = append(args, "--db", s.DBPath)
	}
	return args
}

type execHandle struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu      sync.Mutex
	exitErr error
}

func (h *execHandle) wait(cleanup func()) {
	err := h.cmd.Wait()
	cleanup()
	h.mu.Lock()
	h.exitErr = err
	h.mu.Unlock()
	close(h.done)
}

func (h *execHandle) PID() int { return h.cmd.Process.Pid }
func (h *execHandle) Signal(sig os.Signal) error { return h.cmd.Process.Signal(sig) }
func (h *execHandle) Kill() error { return h.cmd.Process.Kill() }
func (h *execHandle) Done() <-chan struct{} { return h.done }

func (h *execHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
	}
	return h.cmd.Process.Signal(syscall.Signal(0)) == nil
}

func (h *execHandle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}
