package token

import (
	"fmt"
	"sort"
	"strings"
)

// FieldType constrains the sanitized type of an input field.
type FieldType string

const (
	FieldString FieldType = "string"
	FieldInt    FieldType = "int"
	FieldBool   FieldType = "bool"
	FieldMap    FieldType = "map"
)

// Field declares one input field for ValidateFields.
type Field struct {
	Value    any
	Type     FieldType
	Required bool

	// Default is applied when the field is absent and not required.
	Default any
}

// FieldError reports a missing or mistyped input field. Messages are stable:
// they surface verbatim through the facade and the RPC layer.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return e.Message
}

func missingField(name string) *FieldError {
	return &FieldError{Field: name, Message: name + " is required"}
}

func mistypedField(name string, t FieldType) *FieldError {
	var kind string
	switch t {
	case FieldInt:
		kind = "an integer"
	case FieldBool:
		kind = "a boolean"
	case FieldMap:
		kind = "an object"
	default:
		kind = "a string"
	}
	return &FieldError{Field: name, Message: name + " must be " + kind}
}

// ValidateFields sanitizes a bag of named inputs. Strings are trimmed,
// integers accept any integral numeric encoding, and absent optional fields
// take their declared default. The first violation aborts validation; fields
// are checked in lexicographic name order so failures are deterministic.
func ValidateFields(fields map[string]Field) (map[string]any, error) {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]any, len(fields))
	for _, name := range names {
		f := fields[name]
		if isAbsent(f.Value) {
			if f.Required {
				return nil, missingField(name)
			}
			if f.Default != nil {
				out[name] = f.Default
			}
			continue
		}

		v, ok := coerceField(f.Value, f.Type)
		if !ok {
			return nil, mistypedField(name, f.Type)
		}
		if f.Required && isAbsent(v) {
			return nil, missingField(name)
		}
		out[name] = v
	}
	return out, nil
}

// isAbsent treats nil and blank strings as not provided.
func isAbsent(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

// coerceField converts a raw input value into the declared field type.
func coerceField(v any, t FieldType) (any, bool) {
	switch t {
	case FieldString:
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		return strings.TrimSpace(s), true
	case FieldInt:
		return coerceInt(v)
	case FieldBool:
		b, ok := v.(bool)
		if !ok {
			return nil, false
		}
		return b, true
	case FieldMap:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		return m, true
	}
	return nil, false
}

// coerceInt accepts the integer encodings produced by JSON decoding and the
// row codec. Floats are accepted only when integral.
func coerceInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case float32:
		if float64(n) != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

// normalizeFieldError maps validator messages onto the stable public codes.
// Identity failures collapse to the generic payload error; amount failures
// keep their dedicated code.
func normalizeFieldError(err error) error {
	fe, ok := err.(*FieldError)
	if !ok {
		return err
	}
	switch fe.Field {
	case "amount":
		return ErrInvalidAmount
	case "beneficiaryId":
		return ErrMissingBeneficiary
	case "expiresAfter", "extendBySeconds":
		return ErrInvalidTimeout
	default:
		return NewError(ErrInvalidPayload.Code, fmt.Sprintf("%s: %s", ErrInvalidPayload.Message, fe.Message))
	}
}
