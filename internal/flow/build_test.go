package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/rendis/voxflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pizzaYAML = `
name: pizza
vars:
  persona: Mario
initial_node: start
nodes:
  start:
    role_messages:
      - role: system
        content: "You are ${{ vars.persona }}, a pizza order taker."
    task_messages:
      - role: system
        content: Greet the caller.
    functions:
      - name: A
        description: Begin the order.
        next: choose_pizza_type
  choose_pizza_type:
    pre_actions:
      - type: log
        params:
          message: "choosing pizza for ${{ vars.persona }}"
    functions:
      - name: B
        parameters:
          - name: pizza_type
            type: string
            required: true
        result: "{pizza_type: args.pizza_type}"
        next: choose_size
  choose_size:
    functions:
      - name: C
        parameters:
          - name: size
            type: string
            enum: [small, medium, large]
            required: true
        routes:
          - when: args.size == "large"
            to: upsell
        next: end
  upsell:
    functions:
      - name: done
        next: end
  end:
    task_messages:
      - role: system
        content: Thank the caller.
    post_actions:
      - type: end_conversation
`

func buildPizza(t *testing.T, opts ...Option) *Graph {
	t.Helper()
	def, err := Parse([]byte(pizzaYAML))
	require.NoError(t, err)
	g, err := Build(def, opts...)
	require.NoError(t, err)
	return g
}

func TestBuild_Pizza(t *testing.T) {
	g := buildPizza(t)

	assert.Equal(t, "pizza", g.Name())
	assert.Equal(t, "start", g.Initial())
	assert.Equal(t, []string{"choose_pizza_type", "choose_size", "end", "start", "upsell"}, g.NodeIDs())
	assert.Empty(t, g.Warnings())

	start, ok := g.Node("start")
	require.True(t, ok)
	assert.Equal(t, "You are Mario, a pizza order taker.", start.RoleMessages[0].Content)
	assert.Equal(t, []string{"A"}, start.FunctionNames())
	assert.False(t, start.Terminal())

	cpt, _ := g.Node("choose_pizza_type")
	require.Len(t, cpt.PreActions, 1)
	assert.Equal(t, "choosing pizza for Mario", cpt.PreActions[0].Params["message"])

	end, _ := g.Node("end")
	assert.True(t, end.Terminal())
	assert.Empty(t, end.Tools())
	require.Len(t, end.PostActions, 1)
	assert.Equal(t, schema.ActionEndConversation, end.PostActions[0].Action.Name())
}

func TestBuild_VarsOverride(t *testing.T) {
	g := buildPizza(t, WithVars(map[string]any{"persona": "Luigi"}))
	start, _ := g.Node("start")
	assert.Equal(t, "You are Luigi, a pizza order taker.", start.RoleMessages[0].Content)
	assert.Equal(t, "Luigi", g.Vars()["persona"])
}

func TestFunction_RecordAndRoute(t *testing.T) {
	g := buildPizza(t)
	ctx := context.Background()

	cpt, _ := g.Node("choose_pizza_type")
	b, ok := cpt.Function("B")
	require.True(t, ok)
	args, err := b.ParseArguments([]byte(`{"pizza_type":"margherita"}`))
	require.NoError(t, err)
	result, next, err := b.Invoke(ctx, Call{Args: args})
	require.NoError(t, err)
	assert.Equal(t, "choose_size", next)
	assert.Equal(t, Result{"pizza_type": "margherita"}, result)

	cs, _ := g.Node("choose_size")
	c, _ := cs.Function("C")
	assert.ElementsMatch(t, []string{"end", "upsell"}, c.Targets())

	_, next, err = c.Invoke(ctx, Call{Args: map[string]any{"size": "large"}})
	require.NoError(t, err)
	assert.Equal(t, "upsell", next)

	result, next, err = c.Invoke(ctx, Call{Args: map[string]any{"size": "small"}})
	require.NoError(t, err)
	assert.Equal(t, "end", next)
	assert.Nil(t, result)
}

func TestFunction_ParseArgumentsRejectsEnum(t *testing.T) {
	g := buildPizza(t)
	cs, _ := g.Node("choose_size")
	c, _ := cs.Function("C")

	_, err := c.ParseArguments([]byte(`{"size":"huge"}`))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestBuild_CustomHandler(t *testing.T) {
	h := NewHandler(func(_ context.Context, call Call) (Result, string, error) {
		if call.Args["size"] == "small" {
			return Result{"discount": true}, "end", nil
		}
		return nil, "upsell", nil
	}, "end", "upsell")

	g := buildPizza(t, WithHandler("choose_size", "C", h))
	cs, _ := g.Node("choose_size")
	c, _ := cs.Function("C")

	result, next, err := c.Invoke(context.Background(), Call{Args: map[string]any{"size": "small"}})
	require.NoError(t, err)
	assert.Equal(t, "end", next)
	assert.Equal(t, Result{"discount": true}, result)
}

func TestFunction_UndeclaredTarget(t *testing.T) {
	h := NewHandler(func(context.Context, Call) (Result, string, error) {
		return nil, "start", nil
	}, "end")

	g := buildPizza(t, WithHandler("upsell", "done", h))
	up, _ := g.Node("upsell")
	fn, _ := up.Function("done")

	_, _, err := fn.Invoke(context.Background(), Call{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))
}

func TestFunction_HandlerErrorWrapped(t *testing.T) {
	h := NewHandler(func(context.Context, Call) (Result, string, error) {
		return nil, "", errors.New("kitchen offline")
	}, "end")

	g := buildPizza(t, WithHandler("upsell", "done", h))
	up, _ := g.Node("upsell")
	fn, _ := up.Function("done")

	_, _, err := fn.Invoke(context.Background(), Call{})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeHandler))
	assert.Contains(t, err.Error(), "kitchen offline")
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(def *schema.FlowDefinition)
		opts   []Option
		want   string
	}{
		{
			name:   "missing initial node",
			mutate: func(def *schema.FlowDefinition) { def.InitialNode = "nowhere" },
			want:   `initial node "nowhere" not found`,
		},
		{
			name: "dangling target",
			mutate: func(def *schema.FlowDefinition) {
				n := def.Nodes["upsell"]
				n.Functions[0].Next = "dessert"
				def.Nodes["upsell"] = n
			},
			want: "dessert",
		},
		{
			name: "non-terminal without functions",
			mutate: func(def *schema.FlowDefinition) {
				def.Nodes["upsell"] = schema.NodeDefinition{}
			},
			want: "not terminal",
		},
		{
			name: "bad route expression",
			mutate: func(def *schema.FlowDefinition) {
				n := def.Nodes["choose_size"]
				n.Functions[0].Routes[0].When = "args.size =="
				def.Nodes["choose_size"] = n
			},
			want: "choose_size",
		},
		{
			name: "undefined template var",
			mutate: func(def *schema.FlowDefinition) {
				n := def.Nodes["start"]
				n.TaskMessages[0].Content = "Hello ${{ vars.missing }}"
				def.Nodes["start"] = n
			},
			want: "start",
		},
		{
			name:   "handler bound to unknown function",
			mutate: func(*schema.FlowDefinition) {},
			opts:   []Option{WithHandler("start", "Z", Advance("end"))},
			want:   `unknown function "Z"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, err := Parse([]byte(pizzaYAML))
			require.NoError(t, err)
			tt.mutate(def)

			_, err = Build(def, tt.opts...)
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeConfiguration))

			var ve *schema.VoxError
			require.True(t, errors.As(err, &ve))
			assert.Contains(t, issuesText(ve), tt.want)
		})
	}
}

func TestBuild_UnreachableWarns(t *testing.T) {
	def, err := Parse([]byte(pizzaYAML))
	require.NoError(t, err)
	def.Nodes["orphan"] = schema.NodeDefinition{
		Functions: []schema.FunctionDefinition{{Name: "go", Next: "end"}},
	}

	g, err := Build(def)
	require.NoError(t, err)
	require.Len(t, g.Warnings(), 1)
	assert.Contains(t, g.Warnings()[0].Message, "orphan")
}

func issuesText(ve *schema.VoxError) string {
	text := ve.Message
	issues, _ := ve.Details["errors"].([]schema.ValidationIssue)
	for _, i := range issues {
		text += "\n" + i.Path + ": " + i.Message
	}
	return text
}
