package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource []byte

// FieldError is one schema violation.
type FieldError struct {
	Path    string
	Message string
}

// ValidationError lists every schema violation of a configuration.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = fmt.Sprintf("%s: %s", f.Path, f.Message)
	}
	return "invalid config: " + strings.Join(parts, "; ")
}

// Validate checks cfg against the embedded schema.
func Validate(cfg *Config) error {
	ctx := cuecontext.New()

	schema := ctx.CompileBytes(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	// JSON is valid CUE; durations encode as integer nanoseconds.
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	value := ctx.CompileBytes(data, cue.Filename("config"))
	if err := value.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return toValidationError(err)
	}
	return nil
}

func toValidationError(err error) *ValidationError {
	verr := &ValidationError{}
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		verr.Fields = append(verr.Fields, FieldError{
			Path:    strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		})
	}
	if len(verr.Fields) == 0 {
		verr.Fields = append(verr.Fields, FieldError{Message: err.Error()})
	}
	return verr
}
