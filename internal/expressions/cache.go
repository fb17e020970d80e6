package expressions

import (
	"sync"

	"github.com/rendis/voxflow/pkg/schema"
)

// programCache memoizes compiled programs by source text. Flows reuse the
// same handful of guards and templates on every turn, so each source is
// compiled once per engine.
type programCache[P any] struct {
	mu      sync.RWMutex
	byExpr  map[string]P
	compile func(expression string) (P, error)
}

func newProgramCache[P any](compile func(string) (P, error)) *programCache[P] {
	return &programCache[P]{byExpr: make(map[string]P), compile: compile}
}

func (c *programCache[P]) get(expression string) (P, error) {
	c.mu.RLock()
	p, ok := c.byExpr[expression]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.byExpr[expression]; ok {
		return p, nil
	}
	p, err := c.compile(expression)
	if err != nil {
		return p, err
	}
	c.byExpr[expression] = p
	return p, nil
}

func (c *programCache[P]) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byExpr)
}

// exprError builds the error for a failed compile (CONFIGURATION_ERROR, a
// flow authoring bug) or a failed evaluation (HANDLER_ERROR, fed back to the
// model).
func exprError(code, what, expression string, err error) *schema.VoxError {
	return schema.NewErrorf(code, "%s %q: %v", what, expression, err).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

func emptyExpression(engine string) *schema.VoxError {
	return schema.NewErrorf(schema.ErrCodeConfiguration, "empty %s expression", engine)
}
