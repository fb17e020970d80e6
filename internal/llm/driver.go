// Package llm adapts chat-completion backends to the turn-based interface
// the session worker drives.
package llm

import (
	"context"
	"fmt"

	"github.com/rendis/voxflow/pkg/schema"
)

// Turn is one model response: optional speech text plus tool calls.
type Turn struct {
	Text      string
	ToolCalls []schema.ToolCall
}

// Driver completes one model turn for a transcript and the current node's
// tools.
type Driver interface {
	Complete(ctx context.Context, msgs []schema.Message, tools []schema.ToolSpec) (*Turn, error)
}

// acknowledged is the tool output sent for calls whose function produced no
// result; chat APIs require every tool call to be answered.
const acknowledged = `{"status":"acknowledged"}`

// Normalize reorders msgs so every assistant tool call is immediately
// followed by its tool message, synthesizing acknowledgements for calls that
// were never answered. Other messages keep their relative order.
func Normalize(msgs []schema.Message) []schema.Message {
	out := make([]schema.Message, 0, len(msgs))
	used := make([]bool, len(msgs))

	for i, m := range msgs {
		if used[i] {
			continue
		}
		if m.Role == schema.RoleTool {
			// No preceding assistant call claims it.
			out = append(out, schema.Message{
				Role:    schema.RoleSystem,
				Content: fmt.Sprintf("Function %s returned: %s", m.Name, m.Content),
			})
			used[i] = true
			continue
		}
		out = append(out, m)
		used[i] = true

		if m.Role != schema.RoleAssistant || len(m.ToolCalls) == 0 {
			continue
		}
		for _, call := range m.ToolCalls {
			j := answerIndex(msgs, used, i+1, call.ID)
			if j >= 0 {
				out = append(out, msgs[j])
				used[j] = true
				continue
			}
			out = append(out, schema.Message{
				Role:       schema.RoleTool,
				Content:    acknowledged,
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}
	}
	return out
}

// answerIndex finds the tool message for callID after start, stopping at the
// next assistant message.
func answerIndex(msgs []schema.Message, used []bool, start int, callID string) int {
	for j := start; j < len(msgs); j++ {
		m := msgs[j]
		if m.Role == schema.RoleAssistant {
			return -1
		}
		if !used[j] && m.Role == schema.RoleTool && m.ToolCallID == callID {
			return j
		}
	}
	return -1
}
