package schema

// FlowDefinition is the YAML/JSON document describing a conversation graph.
type FlowDefinition struct {
	Name        string                    `json:"name" yaml:"name"`
	Description string                    `json:"description,omitempty" yaml:"description,omitempty"`
	Vars        map[string]any            `json:"vars,omitempty" yaml:"vars,omitempty"`
	InitialNode string                    `json:"initial_node" yaml:"initial_node"`
	Nodes       map[string]NodeDefinition `json:"nodes" yaml:"nodes"`
}

// NodeDefinition describes one conversation state.
type NodeDefinition struct {
	RoleMessages []Message            `json:"role_messages,omitempty" yaml:"role_messages,omitempty"`
	TaskMessages []Message            `json:"task_messages,omitempty" yaml:"task_messages,omitempty"`
	PreActions   []ActionDefinition   `json:"pre_actions,omitempty" yaml:"pre_actions,omitempty"`
	PostActions  []ActionDefinition   `json:"post_actions,omitempty" yaml:"post_actions,omitempty"`
	Functions    []FunctionDefinition `json:"functions,omitempty" yaml:"functions,omitempty"`
}

// ActionDefinition references a registered pre/post action.
type ActionDefinition struct {
	Type   string         `json:"type" yaml:"type"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// FunctionDefinition is a model-invocable transition function.
//
// Next is the default target. Routes are CEL guards evaluated in order
// against {args, vars}; the first match wins. Result is an expr expression
// producing the structured payload appended to the transcript.
type FunctionDefinition struct {
	Name        string                `json:"name" yaml:"name"`
	Description string                `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  []ParameterDefinition `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Next        string                `json:"next,omitempty" yaml:"next,omitempty"`
	Routes      []RouteDefinition     `json:"routes,omitempty" yaml:"routes,omitempty"`
	Result      string                `json:"result,omitempty" yaml:"result,omitempty"`
}

// RouteDefinition is a conditional transition target.
type RouteDefinition struct {
	When string `json:"when" yaml:"when"`
	To   string `json:"to" yaml:"to"`
}

// ParameterType enumerates the argument types a transition function accepts.
type ParameterType string

const (
	ParamString  ParameterType = "string"
	ParamInteger ParameterType = "integer"
	ParamNumber  ParameterType = "number"
	ParamBoolean ParameterType = "boolean"
)

// ParameterDefinition declares one named argument.
type ParameterDefinition struct {
	Name        string        `json:"name" yaml:"name"`
	Type        ParameterType `json:"type" yaml:"type"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Enum        []string      `json:"enum,omitempty" yaml:"enum,omitempty"`
	Minimum     *float64      `json:"minimum,omitempty" yaml:"minimum,omitempty"`
	Maximum     *float64      `json:"maximum,omitempty" yaml:"maximum,omitempty"`
	Required    bool          `json:"required,omitempty" yaml:"required,omitempty"`
}

// Built-in action types.
const (
	ActionEndConversation = "end_conversation"
	ActionTTSSay          = "tts_say"
	ActionLog             = "log"
)
