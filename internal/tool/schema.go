package tool

import (
	"encoding/json"
	"fmt"
)

// schema builds the JSON Schema object a tool advertises as its input.
type schema struct {
	props    map[string]any
	required []string
}

func objectSchema() *schema {
	return &schema{props: make(map[string]any)}
}

// must adds a required property.
func (s *schema) must(name, typ, desc string) *schema {
	s.required = append(s.required, name)
	return s.opt(name, typ, desc)
}

// opt adds an optional property.
func (s *schema) opt(name, typ, desc string) *schema {
	s.props[name] = map[string]any{"type": typ, "description": desc}
	return s
}

func (s *schema) build() map[string]any {
	out := map[string]any{"type": "object", "properties": s.props}
	if len(s.required) > 0 {
		out["required"] = s.required
	}
	return out
}

// ArgsString reads a string argument. Other JSON values are returned in their
// encoded form; a missing key yields "".
func ArgsString(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// ArgsInt reads a numeric argument; JSON numbers decode as float64.
func ArgsInt(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

// ArgsBool reads a boolean argument.
func ArgsBool(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}
