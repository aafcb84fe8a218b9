package schema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed start_request.json
var startRequestSchema []byte

var (
	startOnce     sync.Once
	startCompiled *jsonschema.Schema
	startErr      error
)

// ValidationError is a schema violation with a short caller-facing detail.
type ValidationError struct {
	Detail string
	Err    error
}

func (e *ValidationError) Error() string { return "schema validation failed: " + e.Detail }
func (e *ValidationError) Unwrap() error { return e.Err }

// Compile compiles a JSON schema document registered under id.
func Compile(id string, schema []byte) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, fmt.Errorf("schema is empty")
	}
	resourceID := schemaID(id)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceID, bytes.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(resourceID)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// ValidateStartRequest checks a raw job-start body against the embedded schema.
func ValidateStartRequest(body []byte) error {
	startOnce.Do(func() {
		startCompiled, startErr = Compile("start_request.json", startRequestSchema)
	})
	if startErr != nil {
		return startErr
	}
	return validate(startCompiled, body)
}

func validate(compiled *jsonschema.Schema, value any) error {
	payload, err := normalizeValue(value)
	if err != nil {
		return &ValidationError{Detail: "body is not valid JSON", Err: err}
	}
	if err := compiled.Validate(payload); err != nil {
		return &ValidationError{Detail: describe(err), Err: err}
	}
	return nil
}

// describe reduces a validation error tree to its first leaf.
func describe(err error) string {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err.Error()
	}
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	loc := strings.TrimPrefix(verr.InstanceLocation, "/")
	if loc == "" {
		return verr.Message
	}
	return loc + ": " + verr.Message
}

func normalizeValue(value any) (any, error) {
	var raw []byte
	switch v := value.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		return value, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

func schemaID(id string) string {
	if id == "" {
		id = "schema"
	}
	return "inmemory://" + id
}
