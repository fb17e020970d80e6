package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/components/model"
	einoschema "github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/voxflow/pkg/schema"
)

type fakeChatModel struct {
	tools []*einoschema.ToolInfo
	input []*einoschema.Message
	reply *einoschema.Message
	err   error
}

func (f *fakeChatModel) Generate(_ context.Context, input []*einoschema.Message, _ ...model.Option) (*einoschema.Message, error) {
	f.input = input
	return f.reply, f.err
}

func (f *fakeChatModel) Stream(context.Context, []*einoschema.Message, ...model.Option) (*einoschema.StreamReader[*einoschema.Message], error) {
	return nil, errors.New("not supported")
}

func (f *fakeChatModel) WithTools(tools []*einoschema.ToolInfo) (model.ToolCallingChatModel, error) {
	f.tools = tools
	return f, nil
}

func TestEinoDriver_Complete(t *testing.T) {
	fake := &fakeChatModel{reply: &einoschema.Message{
		Role:    einoschema.Assistant,
		Content: "Great choice!",
		ToolCalls: []einoschema.ToolCall{{
			ID:       "call-1",
			Function: einoschema.FunctionCall{Name: "select_size", Arguments: `{"size":"large"}`},
		}},
	}}
	d := NewEinoDriver(fake, nil)

	tools := []schema.ToolSpec{{
		Name:        "select_size",
		Description: "Record the size",
		Parameters: []schema.ParameterDefinition{
			{Name: "size", Type: schema.ParamString, Enum: []string{"small", "large"}, Required: true},
		},
	}}
	msgs := []schema.Message{
		{Role: schema.RoleSystem, Content: "role"},
		{Role: schema.RoleUser, Content: "large please"},
	}

	turn, err := d.Complete(context.Background(), msgs, tools)
	require.NoError(t, err)
	assert.Equal(t, "Great choice!", turn.Text)
	require.Len(t, turn.ToolCalls, 1)
	assert.Equal(t, schema.ToolCall{ID: "call-1", Name: "select_size", Arguments: `{"size":"large"}`}, turn.ToolCalls[0])

	require.Len(t, fake.tools, 1)
	assert.Equal(t, "select_size", fake.tools[0].Name)
	require.Len(t, fake.input, 2)
	assert.Equal(t, einoschema.System, fake.input[0].Role)
	assert.Equal(t, einoschema.User, fake.input[1].Role)
}

func TestEinoDriver_NoToolsSkipsBinding(t *testing.T) {
	fake := &fakeChatModel{reply: &einoschema.Message{Role: einoschema.Assistant, Content: "Bye!"}}
	d := NewEinoDriver(fake, nil)

	turn, err := d.Complete(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "Bye!", turn.Text)
	assert.Nil(t, fake.tools)
}

func TestEinoDriver_GenerateError(t *testing.T) {
	d := NewEinoDriver(&fakeChatModel{err: errors.New("rate limited")}, nil)
	_, err := d.Complete(context.Background(), nil, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExternalService))
}

func TestToolInfos_ParameterTypes(t *testing.T) {
	infos := ToolInfos([]schema.ToolSpec{{
		Name: "select_sushi_order",
		Parameters: []schema.ParameterDefinition{
			{Name: "count", Type: schema.ParamInteger, Required: true},
			{Name: "spicy", Type: schema.ParamBoolean},
		},
	}})
	require.Len(t, infos, 1)
	assert.NotNil(t, infos[0].ParamsOneOf)
	assert.Equal(t, einoschema.Integer, dataType(schema.ParamInteger))
	assert.Equal(t, einoschema.String, dataType(""))
}

func TestNewOpenAIDriver_RequiresKey(t *testing.T) {
	_, err := NewOpenAIDriver(context.Background(), Config{Model: "gpt-4o"}, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))
}
