// Package validate checks raw capability payloads against a task's
// output policy. Validation is pure: the same payload and policy always
// produce the same verdict.
package validate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// FieldType names the JSON shape a field must decode to.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeNumber FieldType = "number"
	TypeBool   FieldType = "bool"
	TypeList   FieldType = "list"
	TypeObject FieldType = "object"
)

// FieldRule constrains a single output field.
type FieldRule struct {
	Type FieldType `yaml:"type,omitempty"`

	// Strict marks a field that must come from a genuine capability
	// result or an explicit fallback source; the synthesizer refuses to
	// derive it.
	Strict bool `yaml:"strict,omitempty"`

	Min *float64 `yaml:"min,omitempty"`
	Max *float64 `yaml:"max,omitempty"`
}

// Policy is the schema and content contract for one task's output.
type Policy struct {
	Required           []string             `yaml:"required,omitempty"`
	Fields             map[string]FieldRule `yaml:"fields,omitempty"`
	RejectPlaceholders bool                 `yaml:"reject_placeholders,omitempty"`
}

// Output is a decoded, policy-conformant payload.
type Output map[string]any

// Error reports a content or schema violation in a payload.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid payload: %s", e.Reason)
	}
	return fmt.Sprintf("invalid payload: field %q: %s", e.Field, e.Reason)
}

// placeholderPatterns are the known stand-in values that disqualify an
// otherwise well-formed payload. Generic entity names ("Company A",
// "Stock B") and templated markers are never acceptable output.
var placeholderPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:company|stock|ticker|corp)\s+[A-Z]\b`),
	regexp.MustCompile(`(?i)\b(?:placeholder|lorem ipsum|to be determined)\b`),
	regexp.MustCompile(`(?i)^(?:tbd|n/?a|none|unknown|x{3,})$`),
	regexp.MustCompile(`\{\{[^}]*\}\}`),
	regexp.MustCompile(`<[A-Za-z][A-Za-z_ -]*>`),
	regexp.MustCompile(`^TICKER\d*$`),
}

// Validate decodes raw into an Output and checks it against p.
// It returns a *Error on any schema or content violation.
func Validate(raw []byte, p Policy) (Output, error) {
	if len(raw) == 0 {
		return nil, &Error{Reason: "empty payload"}
	}

	var out Output
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &Error{Reason: fmt.Sprintf("not a JSON object: %v", err)}
	}
	if out == nil {
		return nil, &Error{Reason: "payload is null"}
	}

	for _, field := range p.Required {
		v, ok := out[field]
		if !ok {
			return nil, &Error{Field: field, Reason: "required field missing"}
		}
		if isEmpty(v) {
			return nil, &Error{Field: field, Reason: "required field empty"}
		}
	}

	for field, rule := range p.Fields {
		v, ok := out[field]
		if !ok {
			continue // absence is the required list's concern
		}
		if err := checkRule(field, v, rule); err != nil {
			return nil, err
		}
	}

	if p.RejectPlaceholders {
		if field, hit := findPlaceholder("", map[string]any(out)); hit != "" {
			return nil, &Error{Field: field, Reason: fmt.Sprintf("placeholder value %q", hit)}
		}
	}

	return out, nil
}

// CheckValue reports whether a single string trips the placeholder
// filter. Exposed so the fallback synthesizer can avoid manufacturing
// values the validator would reject.
func CheckValue(s string) bool {
	return matchPlaceholder(s) != ""
}

func checkRule(field string, v any, rule FieldRule) error {
	switch rule.Type {
	case TypeString:
		if _, ok := v.(string); !ok {
			return &Error{Field: field, Reason: "expected string"}
		}
	case TypeNumber:
		n, ok := v.(float64)
		if !ok {
			return &Error{Field: field, Reason: "expected number"}
		}
		if rule.Min != nil && n < *rule.Min {
			return &Error{Field: field, Reason: fmt.Sprintf("value %v below minimum %v", n, *rule.Min)}
		}
		if rule.Max != nil && n > *rule.Max {
			return &Error{Field: field, Reason: fmt.Sprintf("value %v above maximum %v", n, *rule.Max)}
		}
	case TypeBool:
		if _, ok := v.(bool); !ok {
			return &Error{Field: field, Reason: "expected bool"}
		}
	case TypeList:
		if _, ok := v.([]any); !ok {
			return &Error{Field: field, Reason: "expected list"}
		}
	case TypeObject:
		if _, ok := v.(map[string]any); !ok {
			return &Error{Field: field, Reason: "expected object"}
		}
	case "":
		// untyped rule: only Strict/bounds semantics apply elsewhere
	default:
		return &Error{Field: field, Reason: fmt.Sprintf("unknown field type %q in policy", rule.Type)}
	}
	return nil
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}

// findPlaceholder walks the payload depth-first in no particular order;
// any hit fails validation, so ordering does not affect the verdict.
func findPlaceholder(path string, v any) (string, string) {
	switch t := v.(type) {
	case string:
		if hit := matchPlaceholder(t); hit != "" {
			return path, hit
		}
	case []any:
		for _, item := range t {
			if field, hit := findPlaceholder(path, item); hit != "" {
				return field, hit
			}
		}
	case map[string]any:
		for key, item := range t {
			childPath := key
			if path != "" {
				childPath = path + "." + key
			}
			if field, hit := findPlaceholder(childPath, item); hit != "" {
				return field, hit
			}
		}
	}
	return "", ""
}

func matchPlaceholder(s string) string {
	trimmed := strings.TrimSpace(s)
	for _, re := range placeholderPatterns {
		if loc := re.FindString(trimmed); loc != "" {
			return loc
		}
	}
	return ""
}
