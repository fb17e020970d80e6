package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	einoschema "github.com/cloudwego/eino/schema"

	"github.com/rendis/voxflow/pkg/schema"
)

// Config configures the OpenAI-compatible chat model.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature *float32
	MaxTokens   *int
	Timeout     time.Duration
}

// EinoDriver implements Driver on an eino tool-calling chat model.
type EinoDriver struct {
	model  model.ToolCallingChatModel
	logger *slog.Logger
}

// NewEinoDriver wraps an existing eino chat model.
func NewEinoDriver(m model.ToolCallingChatModel, logger *slog.Logger) *EinoDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &EinoDriver{model: m, logger: logger}
}

// NewOpenAIDriver creates a driver backed by an OpenAI-compatible endpoint.
func NewOpenAIDriver(ctx context.Context, cfg Config, logger *slog.Logger) (*EinoDriver, error) {
	if cfg.APIKey == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "llm: api key is required")
	}
	m, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:      cfg.APIKey,
		BaseURL:     cfg.BaseURL,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Timeout:     cfg.Timeout,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "llm: create chat model: %v", err).WithCause(err)
	}
	return NewEinoDriver(m, logger), nil
}

// Complete runs one generation with the node's tools bound.
func (d *EinoDriver) Complete(ctx context.Context, msgs []schema.Message, tools []schema.ToolSpec) (*Turn, error) {
	cm := d.model
	if len(tools) > 0 {
		bound, err := d.model.WithTools(ToolInfos(tools))
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExternalService, "llm: bind tools: %v", err).WithCause(err)
		}
		cm = bound
	}

	start := time.Now()
	out, err := cm.Generate(ctx, toEino(Normalize(msgs)))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExternalService, "llm: generate: %v", err).WithCause(err)
	}
	d.logger.DebugContext(ctx, "llm turn",
		"duration_ms", time.Since(start).Milliseconds(),
		"tool_calls", len(out.ToolCalls),
		"tools", len(tools),
	)

	turn := &Turn{Text: out.Content}
	for _, tc := range out.ToolCalls {
		turn.ToolCalls = append(turn.ToolCalls, schema.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return turn, nil
}

// ToolInfos converts node tool specs to eino tool descriptions.
func ToolInfos(tools []schema.ToolSpec) []*einoschema.ToolInfo {
	infos := make([]*einoschema.ToolInfo, 0, len(tools))
	for _, t := range tools {
		params := make(map[string]*einoschema.ParameterInfo, len(t.Parameters))
		for _, p := range t.Parameters {
			params[p.Name] = &einoschema.ParameterInfo{
				Type:     dataType(p.Type),
				Desc:     p.Description,
				Enum:     p.Enum,
				Required: p.Required,
			}
		}
		infos = append(infos, &einoschema.ToolInfo{
			Name:        t.Name,
			Desc:        t.Description,
			ParamsOneOf: einoschema.NewParamsOneOfByParams(params),
		})
	}
	return infos
}

func dataType(t schema.ParameterType) einoschema.DataType {
	switch t {
	case schema.ParamInteger:
		return einoschema.Integer
	case schema.ParamNumber:
		return einoschema.Number
	case schema.ParamBoolean:
		return einoschema.Boolean
	default:
		return einoschema.String
	}
}

func toEino(msgs []schema.Message) []*einoschema.Message {
	out := make([]*einoschema.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case schema.RoleSystem:
			out = append(out, einoschema.SystemMessage(m.Content))
		case schema.RoleUser:
			out = append(out, einoschema.UserMessage(m.Content))
		case schema.RoleAssistant:
			var calls []einoschema.ToolCall
			for _, tc := range m.ToolCalls {
				calls = append(calls, einoschema.ToolCall{
					ID:       tc.ID,
					Type:     "function",
					Function: einoschema.FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
				})
			}
			out = append(out, einoschema.AssistantMessage(m.Content, calls))
		case schema.RoleTool:
			out = append(out, einoschema.ToolMessage(m.Content, m.ToolCallID))
		}
	}
	return out
}
