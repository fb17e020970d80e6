package expressions

import "encoding/json"

// Scope holds the names visible to flow expressions and templates.
type Scope struct {
	Args    map[string]any
	Vars    map[string]any
	Session map[string]any
}

// Data returns the scope as a JSON-compatible map with args, vars and
// session always present. Values are deep-copied through JSON so that typed
// slices and structs become plain []any / map[string]any.
func (s Scope) Data() (map[string]any, error) {
	data := map[string]any{
		"args":    orEmpty(s.Args),
		"vars":    orEmpty(s.Vars),
		"session": orEmpty(s.Session),
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MergeVars overlays overrides on base without mutating either.
func MergeVars(base, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// activation fills in missing scope names so compiled programs never see
// an undefined top-level variable.
func activation(data map[string]any) map[string]any {
	act := make(map[string]any, 3)
	for _, key := range []string{"args", "vars", "session"} {
		if v, ok := data[key]; ok && v != nil {
			act[key] = v
		} else {
			act[key] = map[string]any{}
		}
	}
	return act
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
