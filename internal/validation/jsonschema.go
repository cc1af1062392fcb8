// Package validation checks run documents against JSON Schemas and checks
// workflow definitions for structural integrity before a run starts.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/weftflow/weft/pkg/schema"
)

// SchemaValidator validates documents against JSON Schema Draft 2020-12.
// Compiled schemas are cached by their raw text. Safe for concurrent use.
type SchemaValidator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewSchemaValidator creates an empty SchemaValidator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{cache: make(map[string]*jsonschema.Schema)}
}

// ValidateValue validates a document against a raw JSON Schema. The returned
// result lists violations; the error is non-nil only when the schema itself
// cannot be compiled.
func (v *SchemaValidator) ValidateValue(value any, schemaRaw json.RawMessage) (*schema.ValidationResult, error) {
	result := &schema.ValidationResult{}
	if len(schemaRaw) == 0 {
		return result, nil
	}

	compiled, err := v.getOrCompile(schemaRaw)
	if err != nil {
		return nil, err
	}

	doc, err := toJSONValue(value)
	if err != nil {
		return nil, fmt.Errorf("serialize document: %w", err)
	}

	if verr := compiled.Validate(doc); verr != nil {
		for _, violation := range violations(verr) {
			result.AddError(violation.loc, "schema_violation", violation.msg)
		}
	}
	return result, nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *SchemaValidator) getOrCompile(schemaRaw []byte) (*jsonschema.Schema, error) {
	key := string(schemaRaw)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("weft://schema/%d", len(v.cache))

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

type violation struct {
	loc string
	msg string
}

// violations walks a ValidationError tree and collects leaf messages with
// their instance locations.
func violations(err error) []violation {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []violation{{loc: "/", msg: err.Error()}}
	}
	return collectViolations(verr)
}

func collectViolations(verr *jsonschema.ValidationError) []violation {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []violation{{loc: loc, msg: verr.Error()}}
	}

	var out []violation
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
