package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/voxflow/pkg/schema"
)

// TransitionHook is called after the cursor moves from one node to another.
// from is empty on initialization.
type TransitionHook func(from, to string) error

// EventAppender receives engine events. The orchestrator's store and the
// worker's bridge forwarder both satisfy it.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *schema.SessionEvent) error
}

// LogAppender writes events to a structured logger.
type LogAppender struct {
	logger *slog.Logger
}

// NewLogAppender creates a LogAppender. A nil logger falls back to slog.Default.
func NewLogAppender(logger *slog.Logger) *LogAppender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAppender{logger: logger}
}

func (a *LogAppender) AppendEvent(ctx context.Context, event *schema.SessionEvent) error {
	attrs := []any{"event", event.Type, "node", event.NodeID}
	if event.Function != "" {
		attrs = append(attrs, "function", event.Function)
	}
	if len(event.Payload) > 0 {
		attrs = append(attrs, "payload", event.Payload)
	}
	a.logger.DebugContext(ctx, "flow event", attrs...)
	return nil
}

// MultiAppender fans an event out to several appenders. The first error is
// returned after every appender has been tried.
type MultiAppender []EventAppender

func (m MultiAppender) AppendEvent(ctx context.Context, event *schema.SessionEvent) error {
	var first error
	for _, a := range m {
		if err := a.AppendEvent(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
