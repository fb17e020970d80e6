//go:build !linux

package isolation

import "log/slog"

// NewIsolator returns the platform-appropriate Isolator.
// On non-Linux platforms only the lifetime backstop is enforced.
func NewIsolator(logger *slog.Logger) Isolator {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("isolation: no kernel isolation available, using lifetime backstop only")
	return NewFallbackIsolator()
}
