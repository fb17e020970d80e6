package mcp

import (
	"slices"
	"sync"
)

// WatchRegistry maps room names to the MCP client sessions that want its
// lifecycle notifications. Populated when a client creates a session or
// asks to watch one.
type WatchRegistry struct {
	mu    sync.RWMutex
	rooms map[string][]string // room → client session IDs
}

// NewWatchRegistry creates a new empty WatchRegistry.
func NewWatchRegistry() *WatchRegistry {
	return &WatchRegistry{rooms: make(map[string][]string)}
}

// Watch subscribes a client session to a room. Repeated calls are no-ops.
func (r *WatchRegistry) Watch(room, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !slices.Contains(r.rooms[room], clientID) {
		r.rooms[room] = append(r.rooms[room], clientID)
	}
}

// Watchers returns the client sessions watching room.
func (r *WatchRegistry) Watchers(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.rooms[room])
}

// Forget drops every watch on room.
func (r *WatchRegistry) Forget(room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms, room)
}

// Remove deletes all watches held by the given client session.
// Called when a session disconnects.
func (r *WatchRegistry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for room, ids := range r.rooms {
		ids = slices.DeleteFunc(ids, func(id string) bool { return id == clientID })
		if len(ids) == 0 {
			delete(r.rooms, room)
		} else {
			r.rooms[room] = ids
		}
	}
}
