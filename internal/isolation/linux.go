//go:build linux

package isolation

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	cgroupRoot     = "/sys/fs/cgroup"
	cgroupPrefix   = "voxflow"
	cgroupPeriod   = 100000 // 100ms in microseconds (standard cpu.max period)
	cleanupDelay   = 50 * time.Millisecond
	cleanupRetries = 10
)

var _ Isolator = (*LinuxIsolator)(nil)

// LinuxIsolator places each worker in its own cgroup v2 with memory and CPU
// ceilings. Workers keep the host network: they must reach the media bridge
// and the model API.
type LinuxIsolator struct {
	cgroupBase string // e.g. /sys/fs/cgroup/voxflow
	caps       Caps
	logger     *slog.Logger
}

// NewLinuxIsolator creates a LinuxIsolator backed by cgroups v2.
// Returns error if cgroups v2 is not available or not writable.
func NewLinuxIsolator(logger *slog.Logger) (*LinuxIsolator, error) {
	return newLinuxIsolator(cgroupRoot, logger)
}

func newLinuxIsolator(root string, logger *slog.Logger) (*LinuxIsolator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := os.ReadFile(filepath.Join(root, "cgroup.controllers"))
	if err != nil {
		return nil, fmt.Errorf("cgroups v2 not available: %w", err)
	}

	available := parseControllers(string(data))
	base := filepath.Join(root, cgroupPrefix)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create cgroup base %s: %w", base, err)
	}
	if err := enableControllers(base, available); err != nil {
		return nil, fmt.Errorf("enable cgroup controllers: %w", err)
	}

	return &LinuxIsolator{
		cgroupBase: base,
		caps:       Caps{CanLimitMemory: available["memory"], CanLimitCPU: available["cpu"]},
		logger:     logger,
	}, nil
}

// Capabilities returns the detected controller support.
func (l *LinuxIsolator) Capabilities() Caps {
	return l.caps
}

// Wrap starts cmd inside a fresh cgroup. The returned cleanup kills anything
// left in the cgroup and removes it; it must be called after the process
// exits. The caller must use the returned *exec.Cmd, not the original.
func (l *LinuxIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	cgPath := filepath.Join(l.cgroupBase, uuid.New().String())
	if err := os.Mkdir(cgPath, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create cgroup %s: %w", cgPath, err)
	}

	cgFD := -1
	success := false
	defer func() {
		if !success {
			if cgFD >= 0 {
				syscall.Close(cgFD)
			}
			removeCgroup(cgPath, l.logger)
		}
	}()

	if err := l.writeLimits(cgPath, limits); err != nil {
		return nil, nil, err
	}

	var err error
	cgFD, err = syscall.Open(cgPath, syscall.O_DIRECTORY|syscall.O_RDONLY, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("open cgroup fd: %w", err)
	}

	wrapped, cancel := clone(ctx, cmd, limits)
	attr := &syscall.SysProcAttr{}
	if wrapped.SysProcAttr != nil {
		copied := *wrapped.SysProcAttr
		attr = &copied
	}
	attr.UseCgroupFD = true
	attr.CgroupFD = cgFD
	wrapped.SysProcAttr = attr

	cleanup := l.buildCleanup(cgFD, cgPath, cancel)
	success = true
	return wrapped, cleanup, nil
}

func (l *LinuxIsolator) buildCleanup(cgFD int, cgPath string, cancel context.CancelFunc) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			syscall.Close(cgFD)
			if cancel != nil {
				cancel()
			}
			removeCgroup(cgPath, l.logger)
		})
	}
}

func (l *LinuxIsolator) writeLimits(cgPath string, limits Limits) error {
	if limits.MaxMemoryBytes > 0 && l.caps.CanLimitMemory {
		val := strconv.FormatInt(limits.MaxMemoryBytes, 10)
		if err := writeLimit(cgPath, "memory.max", val); err != nil {
			return fmt.Errorf("set memory.max: %w", err)
		}
		// Without this the worker can spill into swap and avoid OOM.
		_ = writeLimit(cgPath, "memory.swap.max", "0")
	}

	if limits.MaxCPUPercent > 0 && l.caps.CanLimitCPU {
		if err := writeLimit(cgPath, "cpu.max", formatCPUMax(limits.MaxCPUPercent)); err != nil {
			return fmt.Errorf("set cpu.max: %w", err)
		}
	}
	return nil
}

func writeLimit(cgPath, file, value string) error {
	return os.WriteFile(filepath.Join(cgPath, file), []byte(value), 0o644)
}

// formatCPUMax converts a CPU percentage (1-100) to the cpu.max "QUOTA PERIOD" format.
func formatCPUMax(percent int) string {
	if percent <= 0 || percent > 100 {
		return fmt.Sprintf("max %d", cgroupPeriod)
	}
	return fmt.Sprintf("%d %d", cgroupPeriod*percent/100, cgroupPeriod)
}

// removeCgroup kills all processes in the cgroup and removes the directory.
func removeCgroup(cgPath string, logger *slog.Logger) {
	if err := os.WriteFile(filepath.Join(cgPath, "cgroup.kill"), []byte("1"), 0o644); err != nil {
		killCgroupProcesses(cgPath, logger)
	}
	for range cleanupRetries {
		if err := os.Remove(cgPath); err == nil || os.IsNotExist(err) {
			return
		}
		time.Sleep(cleanupDelay)
	}
	logger.Warn("isolation: failed to remove cgroup after retries", "path", cgPath)
}

// killCgroupProcesses reads cgroup.procs and sends SIGKILL to each PID.
func killCgroupProcesses(cgPath string, logger *slog.Logger) {
	procsPath := filepath.Join(cgPath, "cgroup.procs")
	f, err := os.Open(procsPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		pid, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
		if err != nil || pid <= 0 {
			continue
		}
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
			logger.Warn("isolation: failed to kill process in cgroup", "pid", pid, "error", err)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("isolation: error reading cgroup.procs", "path", procsPath, "error", err)
	}
}

func parseControllers(data string) map[string]bool {
	m := make(map[string]bool)
	for _, c := range strings.Fields(strings.TrimSpace(data)) {
		m[c] = true
	}
	return m
}

// enableControllers writes +controller entries to cgroup.subtree_control so
// child cgroups can use them.
func enableControllers(basePath string, controllers map[string]bool) error {
	var enable []string
	for _, c := range []string{"memory", "cpu"} {
		if controllers[c] {
			enable = append(enable, "+"+c)
		}
	}
	if len(enable) == 0 {
		return nil
	}
	return os.WriteFile(filepath.Join(basePath, "cgroup.subtree_control"), []byte(strings.Join(enable, " ")), 0o644)
}
