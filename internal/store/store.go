package store

import (
	"context"

	"github.com/rendis/voxflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	GetSessionByRoom(ctx context.Context, roomName string) (*Session, error)
	UpdateSession(ctx context.Context, id string, update SessionUpdate) error
	ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error)

	// Events (append-only)
	AppendEvent(ctx context.Context, event *schema.SessionEvent) error
	GetEvents(ctx context.Context, sessionID string, since int64) ([]*schema.SessionEvent, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*schema.SessionEvent, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
