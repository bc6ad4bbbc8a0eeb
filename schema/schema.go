// Package schema holds the transcript data model, stream events, the error
// taxonomy and a small builder for the JSON Schema objects advertised to the
// model as tool parameters.
package schema

// Primitive JSON Schema types accepted for tool parameters.
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeObject  = "object"
)

// Prop is a named property with optional required flag.
type Prop struct {
	name     string
	schema   map[string]any
	required bool
}

// Property creates a named schema property.
func Property(name string, s map[string]any) Prop {
	return Prop{name: name, schema: s}
}

// Required marks this property as required.
func (p Prop) Required() Prop {
	p.required = true
	return p
}

// Object builds a JSON Schema object from the given properties. Properties
// listed as required keep their declaration order.
func Object(props ...Prop) map[string]any {
	properties := make(map[string]any, len(props))
	required := make([]string, 0, len(props))
	for _, p := range props {
		properties[p.name] = p.schema
		if p.required {
			required = append(required, p.name)
		}
	}
	return map[string]any{
		"type":                 TypeObject,
		"properties":           properties,
		"required":             required,
		"additionalProperties": false,
	}
}

// Typed returns a primitive schema of the given type.
func Typed(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}
