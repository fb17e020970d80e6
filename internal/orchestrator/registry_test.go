package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/voxflow/pkg/schema"
)

func TestRegistry_ReserveAttachRemove(t *testing.T) {
	r := NewRegistry()
	e := &Entry{RoomName: "vox-a", SessionID: "s1"}

	require.NoError(t, r.Reserve(e))
	err := r.Reserve(&Entry{RoomName: "vox-a"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	got, ok := r.Get("vox-a")
	require.True(t, ok)
	assert.Nil(t, got.Handle)

	h := newFakeHandle(7)
	assert.True(t, r.Attach(e, h))
	got, _ = r.Get("vox-a")
	assert.Equal(t, 7, got.Handle.PID())

	removed, ok := r.Remove("vox-a")
	require.True(t, ok)
	assert.Same(t, e, removed)
	assert.False(t, r.RemoveEntry(e), "an entry is removed only once")

	_, ok = r.Remove("vox-a")
	assert.False(t, ok)
}

func TestRegistry_AttachAfterRemove(t *testing.T) {
	r := NewRegistry()
	e := &Entry{RoomName: "vox-a"}
	require.NoError(t, r.Reserve(e))
	r.Remove("vox-a")

	assert.False(t, r.Attach(e, newFakeHandle(1)))
	assert.Zero(t, r.Len())
}

func TestRegistry_RemoveEntryIgnoresReplacement(t *testing.T) {
	r := NewRegistry()
	old := &Entry{RoomName: "vox-a"}
	require.NoError(t, r.Reserve(old))
	r.Remove("vox-a")

	fresh := &Entry{RoomName: "vox-a"}
	require.NoError(t, r.Reserve(fresh))
	assert.False(t, r.RemoveEntry(old))
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_FindSession(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Reserve(&Entry{RoomName: "vox-a", SessionID: "s1"}))
	require.NoError(t, r.Reserve(&Entry{RoomName: "vox-b", SessionID: "s2"}))

	got, ok := r.FindSession("s2")
	require.True(t, ok)
	assert.Equal(t, "vox-b", got.RoomName)

	_, ok = r.FindSession("vox-a")
	assert.False(t, ok, "room names are not session ids")
}

func TestRegistry_ListOrder(t *testing.T) {
	r := NewRegistry()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, r.Reserve(&Entry{RoomName: "vox-c", CreatedAt: base.Add(time.Second)}))
	require.NoError(t, r.Reserve(&Entry{RoomName: "vox-b", CreatedAt: base}))
	require.NoError(t, r.Reserve(&Entry{RoomName: "vox-a", CreatedAt: base}))

	var names []string
	for _, e := range r.List() {
		names = append(names, e.RoomName)
	}
	assert.Equal(t, []string{"vox-a", "vox-b", "vox-c"}, names)
}

func TestResolveVoice(t *testing.T) {
	name, id, err := ResolveVoice("")
	require.NoError(t, err)
	assert.Equal(t, "female", name)
	assert.Equal(t, "OYTbf65OHHFELVut7v2H", id)

	_, id, err = ResolveVoice("male")
	require.NoError(t, err)
	assert.Equal(t, "pwMBn0SsmN1220Aorv15", id)

	_, _, err = ResolveVoice("robot")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "robot")
	assert.Equal(t, []string{"female", "male"}, VoiceNames())
}
