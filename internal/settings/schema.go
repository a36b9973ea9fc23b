package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Validator checks raw settings documents against the schema generated from
// the Settings struct before they are merged and sanitized.
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator reflects the Settings schema and compiles it.
func NewValidator() (*Validator, error) {
	reflector := &invopop.Reflector{
		// Updates are partial documents merged over the current settings,
		// so no field is required and unknown fields pass through.
		RequiredFromJSONSchemaTags: true,
		AllowAdditionalProperties:  true,
		DoNotReference:             true,
	}
	generated := reflector.Reflect(&Settings{})

	schemaJSON, err := json.Marshal(generated)
	if err != nil {
		return nil, fmt.Errorf("marshaling settings schema: %w", err)
	}
	var schemaValue any
	if err := json.Unmarshal(schemaJSON, &schemaValue); err != nil {
		return nil, fmt.Errorf("unmarshaling settings schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("settings.json", schemaValue); err != nil {
		return nil, fmt.Errorf("adding settings schema resource: %w", err)
	}
	compiled, err := compiler.Compile("settings.json")
	if err != nil {
		return nil, fmt.Errorf("compiling settings schema: %w", err)
	}

	return &Validator{schema: compiled}, nil
}

// Validate parses and validates a raw settings document. A nil error slice
// means the document is acceptable.
func (v *Validator) Validate(data []byte) []string {
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return []string{fmt.Sprintf("invalid JSON: %s", err)}
	}

	err := v.schema.Validate(value)
	if err == nil {
		return nil
	}

	var validationErr *jsonschema.ValidationError
	if errors.As(err, &validationErr) {
		return collectLeafErrors(validationErr)
	}
	return []string{err.Error()}
}

// printer renders schema violations as English messages.
var printer = message.NewPrinter(language.English)

// collectLeafErrors flattens a ValidationError tree into per-path messages.
func collectLeafErrors(err *jsonschema.ValidationError) []string {
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if e.ErrorKind != nil && len(e.Causes) == 0 {
			msg := e.ErrorKind.LocalizedString(printer)
			if path := instancePath(e); path != "" {
				msg = path + ": " + msg
			}
			out = append(out, msg)
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(err)
	if len(out) == 0 {
		out = append(out, err.Error())
	}
	return out
}

func instancePath(e *jsonschema.ValidationError) string {
	if len(e.InstanceLocation) == 0 {
		return ""
	}
	return "/" + strings.Join(e.InstanceLocation, "/")
}
