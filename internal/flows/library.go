// Package flows bundles the built-in conversation flow definitions and
// resolves flow names to definitions, preferring files in an override
// directory when one is configured.
package flows

import (
	"embed"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rendis/voxflow/internal/flow"
	"github.com/rendis/voxflow/pkg/schema"
)

//go:embed *.yaml
var builtin embed.FS

// Library looks up flow definitions by name.
type Library struct {
	dir string
}

// NewLibrary returns a library backed by the embedded flows. A non-empty dir
// is searched first for <name>.yaml, <name>.yml or <name>.json.
func NewLibrary(dir string) *Library {
	return &Library{dir: dir}
}

// Names lists every resolvable flow name, sorted.
func (l *Library) Names() []string {
	seen := make(map[string]bool)
	entries, _ := fs.ReadDir(builtin, ".")
	for _, e := range entries {
		seen[trimExt(e.Name())] = true
	}
	if l.dir != "" {
		if entries, err := os.ReadDir(l.dir); err == nil {
			for _, e := range entries {
				if !e.IsDir() && isFlowFile(e.Name()) {
					seen[trimExt(e.Name())] = true
				}
			}
		}
	}

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name resolves to a definition.
func (l *Library) Has(name string) bool {
	_, err := l.Definition(name)
	return err == nil
}

// Definition returns the parsed definition for name.
func (l *Library) Definition(name string) (*schema.FlowDefinition, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid flow name %q", name)
	}

	if l.dir != "" {
		for _, ext := range []string{".yaml", ".yml", ".json"} {
			path := filepath.Join(l.dir, name+ext)
			if _, err := os.Stat(path); err == nil {
				return flow.LoadFile(path)
			}
		}
	}

	data, err := builtin.ReadFile(name + ".yaml")
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "flow %q not found", name)
	}
	def, err := flow.Parse(data)
	if err != nil {
		return nil, err
	}
	if def.Name == "" {
		def.Name = name
	}
	return def, nil
}

// Build resolves name and constructs its graph.
func (l *Library) Build(name string, opts ...flow.Option) (*flow.Graph, error) {
	def, err := l.Definition(name)
	if err != nil {
		return nil, err
	}
	return flow.Build(def, opts...)
}

func isFlowFile(name string) bool {
	switch filepath.Ext(name) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

func trimExt(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}
