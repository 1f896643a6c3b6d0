package registry

import (
	"fmt"
	"regexp"
)

// FieldType enumerates the types a payload schema field may declare.
type FieldType string

// Payload schema field types.
const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldBoolean FieldType = "boolean"
	FieldArray   FieldType = "array"
	FieldObject  FieldType = "object"
)

// PayloadSchema maps field names to their declarations. Unknown fields in a
// payload are allowed; declared required fields must be present.
type PayloadSchema map[string]FieldSpec

// FieldSpec declares one payload field: its type and optional constraints.
type FieldSpec struct {
	Type      FieldType  `yaml:"type" json:"type"`
	Required  bool       `yaml:"required,omitempty" json:"required,omitempty"`
	Min       *float64   `yaml:"min,omitempty" json:"min,omitempty"`
	Max       *float64   `yaml:"max,omitempty" json:"max,omitempty"`
	MinLength *int       `yaml:"min_length,omitempty" json:"min_length,omitempty"`
	MaxLength *int       `yaml:"max_length,omitempty" json:"max_length,omitempty"`
	Pattern   string     `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Enum      []any      `yaml:"enum,omitempty" json:"enum,omitempty"`
	Items     *FieldType `yaml:"items,omitempty" json:"items,omitempty"` // element type for arrays
}

func (t FieldType) valid() bool {
	switch t {
	case FieldString, FieldNumber, FieldBoolean, FieldArray, FieldObject:
		return true
	}
	return false
}

// validate checks the schema declaration itself (not a payload).
func (s PayloadSchema) validate() error {
	for name, spec := range s {
		if name == "" {
			return fmt.Errorf("field name must not be empty")
		}
		if !spec.Type.valid() {
			return fmt.Errorf("field %q: unknown type %q", name, spec.Type)
		}
		if spec.Pattern != "" {
			if _, err := regexp.Compile(spec.Pattern); err != nil {
				return fmt.Errorf("field %q: invalid pattern: %w", name, err)
			}
		}
		if spec.Items != nil && !spec.Items.valid() {
			return fmt.Errorf("field %q: unknown item type %q", name, *spec.Items)
		}
		if spec.Items != nil && spec.Type != FieldArray {
			return fmt.Errorf("field %q: items is only valid for array fields", name)
		}
		if spec.Min != nil && spec.Max != nil && *spec.Min > *spec.Max {
			return fmt.Errorf("field %q: min %v exceeds max %v", name, *spec.Min, *spec.Max)
		}
	}
	return nil
}

// Check validates a payload object against the schema. Required missing
// fields fail; unknown fields are ignored.
func (s PayloadSchema) Check(payload map[string]any) error {
	for name, spec := range s {
		value, present := payload[name]
		if !present {
			if spec.Required {
				return fmt.Errorf("required field %q is missing", name)
			}
			continue
		}
		if err := spec.check(name, value); err != nil {
			return err
		}
	}
	return nil
}

func (f FieldSpec) check(name string, value any) error {
	switch f.Type {
	case FieldString:
		str, ok := value.(string)
		if !ok {
			return fmt.Errorf("field %q must be a string", name)
		}
		if f.MinLength != nil && len(str) < *f.MinLength {
			return fmt.Errorf("field %q length %d is below minimum %d", name, len(str), *f.MinLength)
		}
		if f.MaxLength != nil && len(str) > *f.MaxLength {
			return fmt.Errorf("field %q length %d exceeds maximum %d", name, len(str), *f.MaxLength)
		}
		if f.Pattern != "" {
			re, err := regexp.Compile(f.Pattern)
			if err != nil {
				return fmt.Errorf("field %q: invalid pattern: %w", name, err)
			}
			if !re.MatchString(str) {
				return fmt.Errorf("field %q value %q does not match pattern %s", name, str, f.Pattern)
			}
		}
	case FieldNumber:
		n, ok := toFloat(value)
		if !ok {
			return fmt.Errorf("field %q must be a number", name)
		}
		if f.Min != nil && n < *f.Min {
			return fmt.Errorf("field %q value %v is below minimum %v", name, n, *f.Min)
		}
		if f.Max != nil && n > *f.Max {
			return fmt.Errorf("field %q value %v exceeds maximum %v", name, n, *f.Max)
		}
	case FieldBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("field %q must be a boolean", name)
		}
	case FieldArray:
		arr, ok := value.([]any)
		if !ok {
			return fmt.Errorf("field %q must be an array", name)
		}
		if f.MinLength != nil && len(arr) < *f.MinLength {
			return fmt.Errorf("field %q length %d is below minimum %d", name, len(arr), *f.MinLength)
		}
		if f.MaxLength != nil && len(arr) > *f.MaxLength {
			return fmt.Errorf("field %q length %d exceeds maximum %d", name, len(arr), *f.MaxLength)
		}
		if f.Items != nil {
			elem := FieldSpec{Type: *f.Items}
			for i, v := range arr {
				if err := elem.check(fmt.Sprintf("%s[%d]", name, i), v); err != nil {
					return err
				}
			}
		}
	case FieldObject:
		if _, ok := value.(map[string]any); !ok {
			return fmt.Errorf("field %q must be an object", name)
		}
	}
	if len(f.Enum) > 0 {
		for _, allowed := range f.Enum {
			if equalScalar(value, allowed) {
				return nil
			}
		}
		return fmt.Errorf("field %q value %v is not one of the allowed values", name, value)
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// equalScalar compares payload values against enum entries, treating all
// numeric types as float64 (the JSON decoding default).
func equalScalar(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return a == b
}
