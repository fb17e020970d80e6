// Package isolation wraps session worker processes with a lifetime backstop
// and, where the kernel allows it, cgroup v2 resource limits.
package isolation

import (
	"context"
	"os/exec"
	"syscall"
	"time"
)

// DefaultStopGrace is how long a worker has to exit after SIGTERM before it
// is killed.
const DefaultStopGrace = 5 * time.Second

// Limits constrain one worker process.
type Limits struct {
	MaxMemoryBytes int64         `json:"max_memory_bytes,omitempty"`
	MaxCPUPercent  int           `json:"max_cpu_percent,omitempty"`
	Lifetime       time.Duration `json:"lifetime,omitempty"`   // zero: no backstop
	StopGrace      time.Duration `json:"stop_grace,omitempty"` // zero: DefaultStopGrace
}

// Caps describes what a platform's isolator can enforce.
type Caps struct {
	CanLimitMemory bool `json:"can_limit_memory"`
	CanLimitCPU    bool `json:"can_limit_cpu"`
}

// Isolator wraps a worker command.
// Implementations are auto-detected at startup: Linux → cgroups v2, otherwise
// lifetime enforcement only.
type Isolator interface {
	Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error)
	Capabilities() Caps
}

// clone copies cmd onto an exec.CommandContext bound to ctx, bounded by the
// lifetime limit. Cancellation sends SIGTERM so the worker can run its own
// teardown; the process is killed if it is still alive after the stop grace.
func clone(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, context.CancelFunc) {
	execCtx := ctx
	var cancel context.CancelFunc
	if limits.Lifetime > 0 {
		execCtx, cancel = context.WithTimeout(ctx, limits.Lifetime)
	}

	// exec.Cmd.Cancel is only honored for cmds created via exec.CommandContext.
	wrapped := exec.CommandContext(execCtx, cmd.Path, cmd.Args[1:]...)
	wrapped.Args = cmd.Args
	wrapped.Dir = cmd.Dir
	wrapped.Env = cmd.Env
	wrapped.Stdin = cmd.Stdin
	wrapped.Stdout = cmd.Stdout
	wrapped.Stderr = cmd.Stderr
	wrapped.SysProcAttr = cmd.SysProcAttr

	wrapped.Cancel = func() error {
		if wrapped.Process != nil {
			return wrapped.Process.Signal(syscall.SIGTERM)
		}
		return nil
	}
	wrapped.WaitDelay = limits.StopGrace
	if wrapped.WaitDelay <= 0 {
		wrapped.WaitDelay = DefaultStopGrace
	}
	return wrapped, cancel
}
