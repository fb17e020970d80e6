package engine

import (
	"encoding/json"
	"slices"
	"sync"

	"github.com/rendis/voxflow/pkg/schema"
)

// Transcript is the model context for one session: role messages fixed at
// initialization followed by every appended entry in order.
type Transcript struct {
	mu      sync.Mutex
	role    []schema.Message
	roleSet bool
	entries []schema.Message
}

// NewTranscript creates an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{}
}

// SetRole installs the role messages. Only the first call has effect.
func (t *Transcript) SetRole(msgs []schema.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.roleSet {
		return false
	}
	t.role = slices.Clone(msgs)
	t.roleSet = true
	return true
}

// Append adds messages to the end of the transcript.
func (t *Transcript) Append(msgs ...schema.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, msgs...)
}

// AppendUser records participant speech.
func (t *Transcript) AppendUser(text string) {
	t.Append(schema.Message{Role: schema.RoleUser, Content: text})
}

// AppendAssistant records a model turn, including any tool calls it issued.
func (t *Transcript) AppendAssistant(text string, calls []schema.ToolCall) {
	t.Append(schema.Message{Role: schema.RoleAssistant, Content: text, ToolCalls: slices.Clone(calls)})
}

// AppendToolResult records structured function output for callID.
func (t *Transcript) AppendToolResult(callID, name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeHandler, "function %q returned a non-serializable result", name).WithCause(err)
	}
	t.Append(schema.Message{Role: schema.RoleTool, Content: string(b), ToolCallID: callID, Name: name})
	return nil
}

// AppendToolError records a failed call so the model can correct itself.
func (t *Transcript) AppendToolError(callID, name string, err error) {
	body := map[string]any{"error": err.Error()}
	if code := schema.CodeOf(err); code != "" {
		body["code"] = code
	}
	b, _ := json.Marshal(body)
	t.Append(schema.Message{Role: schema.RoleTool, Content: string(b), ToolCallID: callID, Name: name})
}

// Snapshot returns a copy of role messages followed by all entries.
func (t *Transcript) Snapshot() []schema.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]schema.Message, 0, len(t.role)+len(t.entries))
	out = append(out, t.role...)
	out = append(out, t.entries...)
	return out
}

// Len returns the number of appended entries, excluding role messages.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
