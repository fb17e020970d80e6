package validation

import "github.com/rendis/voxflow/pkg/schema"

// FlowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (node refs, function names, terminal contract, actions)
// 3. Graph (reachability)
type FlowValidator struct {
	schema  *FlowSchema
	actions ActionLookup
}

// NewFlowValidator creates a FlowValidator.
// actions may be nil to skip action type checks.
func NewFlowValidator(actions ActionLookup) (*FlowValidator, error) {
	fs, err := NewFlowSchema()
	if err != nil {
		return nil, err
	}
	return &FlowValidator{schema: fs, actions: actions}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and graph stages are skipped.
// handlers may be nil.
func (fv *FlowValidator) Validate(def *schema.FlowDefinition, handlers HandlerLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", schema.ErrCodeConfiguration, "flow definition is nil")
		return result
	}

	if err := fv.schema.Validate(def); err != nil {
		addStructural(result, err)
		return result
	}

	result.Merge(validateSemantic(def, fv.actions, handlers))

	// Reachability is meaningless when targets dangle.
	if result.Valid() {
		result.Merge(validateGraph(def, handlers))
	}

	return result
}

func addStructural(result *schema.ValidationResult, err error) {
	ve, ok := err.(*schema.VoxError)
	if !ok {
		result.AddError("/", schema.ErrCodeConfiguration, err.Error())
		return
	}
	violations, _ := ve.Details["violations"].([]string)
	if len(violations) == 0 {
		result.AddError("/", schema.ErrCodeConfiguration, ve.Message)
		return
	}
	for _, v := range violations {
		result.AddError("/", schema.ErrCodeConfiguration, v)
	}
}
