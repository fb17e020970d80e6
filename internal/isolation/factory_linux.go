//go:build linux

package isolation

import "log/slog"

// NewIsolator returns a cgroups v2 isolator when the hierarchy is writable,
// otherwise the fallback.
func NewIsolator(logger *slog.Logger) Isolator {
	if logger == nil {
		logger = slog.Default()
	}
	iso, err := NewLinuxIsolator(logger)
	if err != nil {
		logger.Warn("isolation: cgroups v2 unavailable, using lifetime backstop only", "error", err)
		return NewFallbackIsolator()
	}
	return iso
}
