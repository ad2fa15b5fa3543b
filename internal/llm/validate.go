package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaValidator checks raw JSON documents against one schema. The schema
// is compiled on first use and reused afterwards.
type SchemaValidator struct {
	name   string
	build  func() map[string]any
	once   sync.Once
	schema *jsonschema.Schema
	err    error
}

// NewSchemaValidator returns a validator for the schema produced by build.
func NewSchemaValidator(name string, build func() map[string]any) *SchemaValidator {
	return &SchemaValidator{name: name + ".json", build: build}
}

func (v *SchemaValidator) compile() {
	b, err := json.Marshal(v.build())
	if err != nil {
		v.err = fmt.Errorf("marshal schema %s: %w", v.name, err)
		return
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(v.name, bytes.NewReader(b)); err != nil {
		v.err = fmt.Errorf("add schema %s: %w", v.name, err)
		return
	}
	v.schema, v.err = compiler.Compile(v.name)
	if v.err != nil {
		v.err = fmt.Errorf("compile schema %s: %w", v.name, v.err)
	}
}

// Validate reports whether data is JSON that matches the schema.
func (v *SchemaValidator) Validate(data []byte) error {
	v.once.Do(v.compile)
	if v.err != nil {
		return v.err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("response is not json: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return fmt.Errorf("json does not match %s: %w", v.name, err)
	}
	return nil
}

// ChatResponse validates chat/completions responses.
var ChatResponse = NewSchemaValidator("chat_response", ChatResponseSchema)
