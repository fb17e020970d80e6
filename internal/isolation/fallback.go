package isolation

import (
	"context"
	"os/exec"
)

var _ Isolator = (*FallbackIsolator)(nil)

// FallbackIsolator enforces only the lifetime backstop.
type FallbackIsolator struct{}

// NewFallbackIsolator creates a FallbackIsolator.
func NewFallbackIsolator() *FallbackIsolator {
	return &FallbackIsolator{}
}

// Wrap clones cmd onto a context-aware exec.Cmd. The returned cleanup must
// be called once the process has exited. The caller must use the returned
// *exec.Cmd, not the original.
func (f *FallbackIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	wrapped, cancel := clone(ctx, cmd, limits)
	cleanup := func() {
		if cancel != nil {
			cancel()
		}
	}
	return wrapped, cleanup, nil
}

// Capabilities reports no kernel enforcement.
func (f *FallbackIsolator) Capabilities() Caps {
	return Caps{}
}
