package actions

import (
	"slices"
	"sync"

	"github.com/rendis/voxflow/pkg/schema"
)

// Registry maps action types (the `type` of a pre/post action in a flow
// definition) to their implementations. Flows are validated and built
// against one; it satisfies validation.ActionLookup.
type Registry struct {
	mu     sync.RWMutex
	byType map[string]Action
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byType: make(map[string]Action)}
}

// Register adds actions under their Name. Registration stops at the first
// invalid or duplicate action; earlier ones stay registered.
func (r *Registry) Register(acts ...Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range acts {
		if a == nil || a.Name() == "" {
			return schema.NewError(schema.ErrCodeValidation, "action must have a type name")
		}
		if _, dup := r.byType[a.Name()]; dup {
			return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", a.Name())
		}
		r.byType[a.Name()] = a
	}
	return nil
}

// Get returns the action for a type.
func (r *Registry) Get(actionType string) (Action, error) {
	r.mu.RLock()
	a, ok := r.byType[actionType]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "action %q not registered", actionType).
			WithDetails(map[string]any{"known": r.Types()})
	}
	return a, nil
}

func (r *Registry) Has(actionType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byType[actionType]
	return ok
}

// ValidateParams checks a flow's params for an action type. Missing params
// validate as an empty object.
func (r *Registry) ValidateParams(actionType string, params map[string]any) error {
	a, err := r.Get(actionType)
	if err != nil {
		return err
	}
	if params == nil {
		params = map[string]any{}
	}
	return a.Validate(params)
}

// Types returns the registered action types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Describe returns each registered type's description, keyed by type.
func (r *Registry) Describe() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.byType))
	for t, a := range r.byType {
		out[t] = a.Schema().Description
	}
	return out
}
