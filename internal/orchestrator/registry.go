package orchestrator

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rendis/voxflow/pkg/schema"
)

// Entry is one room's registration. Handle is nil while the worker is
// still being spawned.
type Entry struct {
	SessionID string
	RoomName  string
	RoomURL   string
	Voice     string
	VoiceID   string
	Flow      string
	CreatedAt time.Time
	ExpiresAt time.Time
	Handle    ProcessHandle
}

// Registry maps room names to their worker. It holds at most one entry per
// room, and every entry is removed exactly once: whichever of reclaim,
// the exit watcher or a failed spawn removes it owns the follow-up.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Reserve registers a not-yet-spawned entry.
func (r *Registry) Reserve(e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.RoomName]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "room %q already has a session", e.RoomName)
	}
	r.entries[e.RoomName] = e
	return nil
}

// Attach records the spawned worker on e. It returns false if e was
// removed while the worker was starting; the caller then owns the handle.
func (r *Registry) Attach(e *Entry, h ProcessHandle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[e.RoomName] != e {
		return false
	}
	e.Handle = h
	return true
}

// Remove deletes and returns the entry for room.
func (r *Registry) Remove(room string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[room]
	if ok {
		delete(r.entries, room)
	}
	return e, ok
}

// RemoveEntry deletes e only if it is still the registered entry for its room.
func (r *Registry) RemoveEntry(e *Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[e.RoomName] != e {
		return false
	}
	delete(r.entries, e.RoomName)
	return true
}

// Get returns a copy of the entry for room.
func (r *Registry) Get(room string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[room]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// FindSession returns a copy of the entry whose session id is id.
func (r *Registry) FindSession(id string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.SessionID == id {
			return *e, true
		}
	}
	return Entry{}, false
}

// List returns copies of all entries, oldest first.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b Entry) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.RoomName, b.RoomName)
	})
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

