package actions

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/voxflow/internal/validation"
	"github.com/rendis/voxflow/pkg/schema"
)

// RegisterBuiltins registers all built-in actions in the given registry.
func RegisterBuiltins(reg *Registry, logger *slog.Logger, httpCfg HTTPConfig) error {
	return reg.Register(
		NewEndConversationAction(),
		NewSayAction(),
		NewLogAction(logger),
		NewWebhookAction(httpCfg),
	)
}

// NewBuiltinRegistry returns a registry holding the built-in actions.
func NewBuiltinRegistry(logger *slog.Logger, httpCfg HTTPConfig) (*Registry, error) {
	reg := NewRegistry()
	if err := RegisterBuiltins(reg, logger, httpCfg); err != nil {
		return nil, err
	}
	return reg, nil
}

// paramSpec validates action params with the same JSON Schema machinery
// used for transition function arguments.
type paramSpec struct {
	params    []schema.ParameterDefinition
	validator *validation.ArgumentValidator
}

func newParamSpec(action string, params ...schema.ParameterDefinition) paramSpec {
	v, err := validation.CompileArguments("action/"+action, params)
	if err != nil {
		panic(err) // built-in parameter schemas are static
	}
	return paramSpec{params: params, validator: v}
}

func (p paramSpec) validate(params map[string]any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "params are not serializable").WithCause(err)
	}
	_, err = p.validator.Validate(raw)
	return err
}

func (p paramSpec) schema() map[string]any {
	return validation.ParameterSchema(p.params)
}

// --- end_conversation ---

// EndConversationAction asks the conversation to end once the current
// model turn has been spoken. An optional text is spoken first.
type EndConversationAction struct {
	spec paramSpec
}

// NewEndConversationAction creates the end_conversation action.
func NewEndConversationAction() *EndConversationAction {
	return &EndConversationAction{spec: newParamSpec(schema.ActionEndConversation,
		schema.ParameterDefinition{Name: "text", Type: schema.ParamString, Description: "Farewell spoken before hanging up"},
	)}
}

func (a *EndConversationAction) Name() string { return schema.ActionEndConversation }

func (a *EndConversationAction) Schema() ActionSchema {
	return ActionSchema{Description: "End the conversation after the current turn.", Params: a.spec.schema()}
}

func (a *EndConversationAction) Validate(params map[string]any) error { return a.spec.validate(params) }

func (a *EndConversationAction) Execute(ctx context.Context, input ActionInput) error {
	if input.Conversation == nil {
		return schema.NewError(schema.ErrCodeConfiguration, "end_conversation: no conversation attached")
	}
	if text := stringParam(input.Params, "text", ""); text != "" {
		if err := input.Conversation.Say(ctx, text); err != nil {
			input.logger().WarnContext(ctx, "farewell not spoken", "error", err)
		}
	}
	return input.Conversation.EndConversation(ctx)
}

// --- tts_say ---

// SayAction speaks a fixed utterance, e.g. "Let me check on that".
type SayAction struct {
	spec paramSpec
}

// NewSayAction creates the tts_say action.
func NewSayAction() *SayAction {
	return &SayAction{spec: newParamSpec(schema.ActionTTSSay,
		schema.ParameterDefinition{Name: "text", Type: schema.ParamString, Required: true},
	)}
}

func (a *SayAction) Name() string { return schema.ActionTTSSay }

func (a *SayAction) Schema() ActionSchema {
	return ActionSchema{Description: "Speak a fixed text through text-to-speech.", Params: a.spec.schema()}
}

func (a *SayAction) Validate(params map[string]any) error { return a.spec.validate(params) }

func (a *SayAction) Execute(ctx context.Context, input ActionInput) error {
	if input.Conversation == nil {
		return schema.NewError(schema.ErrCodeConfiguration, "tts_say: no conversation attached")
	}
	return input.Conversation.Say(ctx, stringParam(input.Params, "text", ""))
}

// --- log ---

// LogAction writes a structured log line, e.g. a kitchen status check.
type LogAction struct {
	spec   paramSpec
	logger *slog.Logger
}

// NewLogAction creates the log action. A nil logger falls back to slog.Default.
func NewLogAction(logger *slog.Logger) *LogAction {
	spec := newParamSpec(schema.ActionLog,
		schema.ParameterDefinition{Name: "message", Type: schema.ParamString, Required: true},
		schema.ParameterDefinition{Name: "level", Type: schema.ParamString, Enum: []string{"debug", "info", "warn", "error"}},
	)
	return &LogAction{spec: spec, logger: logger}
}

func (a *LogAction) Name() string { return schema.ActionLog }

func (a *LogAction) Schema() ActionSchema {
	return ActionSchema{Description: "Write a structured log entry.", Params: a.spec.schema()}
}

func (a *LogAction) Validate(params map[string]any) error { return a.spec.validate(params) }

func (a *LogAction) Execute(ctx context.Context, input ActionInput) error {
	logger := a.logger
	if logger == nil {
		logger = input.logger()
	}

	level := slog.LevelInfo
	switch stringParam(input.Params, "level", "info") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	attrs := []any{"node", input.NodeID}
	if input.SessionID != "" {
		attrs = append(attrs, "session_id", input.SessionID)
	}
	if len(input.Result) > 0 {
		attrs = append(attrs, "result", input.Result)
	}
	logger.Log(ctx, level, stringParam(input.Params, "message", ""), attrs...)
	return nil
}

func stringParam(m map[string]any, key, defaultVal string) string {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	s, ok := v.(string)
	if !ok {
		return defaultVal
	}
	return s
}
