package store

import (
	"context"
	"fmt"

	"github.com/rendis/voxflow/pkg/schema"
)

// EventLog appends session events to a LibSQLStore that may be shared with
// other processes: the daemon records lifecycle events while each worker
// records its flow events into the same database file.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-session
// sequence. The write lock is taken before the sequence is read so writers
// in other processes cannot interleave.
func (el *EventLog) AppendEvent(ctx context.Context, event *schema.SessionEvent) error {
	tx, err := el.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx starts a deferred transaction; a write forces the lock.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a session with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, sessionID string, since int64) ([]*schema.SessionEvent, error) {
	return el.store.GetEvents(ctx, sessionID, since)
}

// Replay folds a session's events into a summary of where its conversation
// went. Returns an error if sequence gaps are detected.
func (el *EventLog) Replay(ctx context.Context, sessionID string) (*Replay, error) {
	events, err := el.store.GetEvents(ctx, sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	r := &Replay{SessionID: sessionID, Status: schema.SessionStatusSpawning}
	for i, e := range events {
		if e.Sequence != int64(i+1) {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in session %s: expected %d, got %d", sessionID, i+1, e.Sequence)
		}

		switch e.Type {
		case schema.EventNodeEntered:
			r.Path = append(r.Path, e.NodeID)
			r.CurrentNode = e.NodeID
		case schema.EventFunctionCalled:
			r.FunctionCalls++
		case schema.EventFunctionRejected:
			r.Rejections++
		case schema.EventActionFailed:
			r.ActionFailures++
		case schema.EventSessionCompleted:
			r.Completed = true
		case schema.EventWorkerSpawned:
			r.Status = schema.SessionStatusRunning
		case schema.EventWorkerSpawnFailed:
			r.Status = schema.SessionStatusFailed
		case schema.EventWorkerExited:
			r.Status = schema.SessionStatusExited
		case schema.EventWorkerReclaimed:
			r.Status = schema.SessionStatusReclaimed
		case schema.EventSessionDeleted:
			r.Status = schema.SessionStatusDeleted
		}
	}
	return r, nil
}

// Replay summarizes a session's event log.
type Replay struct {
	SessionID      string               `json:"session_id"`
	Status         schema.SessionStatus `json:"status"`
	Path           []string             `json:"path,omitempty"`
	CurrentNode    string               `json:"current_node,omitempty"`
	FunctionCalls  int                  `json:"function_calls"`
	Rejections     int                  `json:"rejections"`
	ActionFailures int                  `json:"action_failures"`
	Completed      bool                 `json:"completed"`
}
