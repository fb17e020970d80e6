package actions

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rendis/voxflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAction is a minimal Action for registry tests.
type stubAction struct {
	name string
	desc string
}

func (s *stubAction) Name() string { return s.name }
func (s *stubAction) Schema() ActionSchema {
	return ActionSchema{Description: s.desc}
}
func (s *stubAction) Execute(_ context.Context, _ ActionInput) error { return nil }
func (s *stubAction) Validate(params map[string]any) error {
	if _, bad := params["bad"]; bad {
		return errors.New("bad param")
	}
	return nil
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(
		&stubAction{name: "check_kitchen", desc: "Check kitchen status"},
		&stubAction{name: "notify"},
	))
	assert.True(t, reg.Has("check_kitchen"))
	assert.Equal(t, []string{"check_kitchen", "notify"}, reg.Types())
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{name: "dup"}))

	err := reg.Register(&stubAction{name: "other"}, &stubAction{name: "dup"})
	require.Error(t, err)

	var voxErr *schema.VoxError
	require.True(t, errors.As(err, &voxErr))
	assert.Equal(t, schema.ErrCodeConflict, voxErr.Code)
	assert.True(t, reg.Has("other"), "actions before the duplicate stay registered")
}

func TestRegistry_Register_Invalid(t *testing.T) {
	reg := NewRegistry()
	assert.True(t, schema.IsCode(reg.Register(nil), schema.ErrCodeValidation))
	assert.True(t, schema.IsCode(reg.Register(&stubAction{name: ""}), schema.ErrCodeValidation))
}

func TestRegistry_Get(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{name: "fetch"}))

	got, err := reg.Get("fetch")
	require.NoError(t, err)
	assert.Equal(t, "fetch", got.Name())

	_, err = reg.Get("missing")
	require.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	var voxErr *schema.VoxError
	require.True(t, errors.As(err, &voxErr))
	assert.Equal(t, []string{"fetch"}, voxErr.Details["known"])
}

func TestRegistry_ValidateParams(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubAction{name: "a"}))

	assert.NoError(t, reg.ValidateParams("a", nil))
	assert.EqualError(t, reg.ValidateParams("a", map[string]any{"bad": 1}), "bad param")
	assert.Error(t, reg.ValidateParams("missing", nil))
}

func TestRegistry_Describe(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(
		&stubAction{name: "say", desc: "speak"},
		&stubAction{name: "log"},
	))
	assert.Equal(t, map[string]string{"say": "speak", "log": ""}, reg.Describe())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = reg.Register(&stubAction{name: string(rune('a' + i%26))})
			_ = reg.Has("a")
			_ = reg.Types()
		}(i)
	}
	wg.Wait()
	assert.Len(t, reg.Types(), 26)
}
