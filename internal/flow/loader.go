package flow

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/rendis/voxflow/pkg/schema"
)

// Parse decodes a flow definition from YAML or JSON. Unknown fields are
// rejected.
func Parse(data []byte) (*schema.FlowDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def schema.FlowDefinition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, schema.NewError(schema.ErrCodeConfiguration, "flow definition is empty")
		}
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "invalid flow definition: %v", err).WithCause(err)
	}
	return &def, nil
}

// LoadFile reads and parses a flow definition file.
func LoadFile(path string) (*schema.FlowDefinition, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "read flow file %s: %v", path, err).WithCause(err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if def.Name == "" {
		def.Name = nameFromPath(path)
	}
	return def, nil
}

func nameFromPath(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}
