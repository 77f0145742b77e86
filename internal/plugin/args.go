package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Value is one bound argument ready for marshaling into a call.
type Value struct {
	Name string
	Type cty.Type
	Raw  json.RawMessage
}

// NativeString renders the value for a char* parameter: strings are passed
// unquoted, every other scalar as its JSON text.
func (v Value) NativeString() string {
	if v.Type == cty.String {
		var s string
		if err := json.Unmarshal(v.Raw, &s); err == nil {
			return s
		}
	}
	return string(v.Raw)
}

func declaredType(name string) (cty.Type, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "string", "str":
		return cty.String, nil
	case "number", "int", "integer", "float", "double":
		return cty.Number, nil
	case "bool", "boolean":
		return cty.Bool, nil
	case "", "any", "null", "none":
		return cty.DynamicPseudoType, nil
	default:
		return cty.NilType, fmt.Errorf("unsupported type %q", name)
	}
}

// Bind matches supplied arguments against fn's declared list. raw may be
// absent, a positional array, an array of single-key {name: value} objects,
// or one object keyed by argument name.
func Bind(fn Func, raw json.RawMessage) ([]Value, error) {
	supplied, err := splitArgs(fn, raw)
	if err != nil {
		return nil, err
	}
	if len(supplied) != fn.Arity() {
		return nil, fmt.Errorf("%w: want %d args, got %d", ErrArity, fn.Arity(), len(supplied))
	}
	out := make([]Value, 0, len(supplied))
	for i, a := range fn.Args {
		want, err := declaredType(a.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrArgType, a.Name, err)
		}
		got, err := ctyjson.ImpliedType(supplied[i])
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrArgType, a.Name, err)
		}
		if got != cty.DynamicPseudoType && !got.IsPrimitiveType() {
			return nil, fmt.Errorf("%w: %s: only scalar values are supported", ErrArgType, a.Name)
		}
		if want != cty.DynamicPseudoType && got != cty.DynamicPseudoType && !got.Equals(want) {
			return nil, fmt.Errorf("%w: %s: want %s, got %s", ErrArgType, a.Name, want.FriendlyName(), got.FriendlyName())
		}
		typ := want
		if typ == cty.DynamicPseudoType {
			typ = got
		}
		out = append(out, Value{Name: a.Name, Type: typ, Raw: supplied[i]})
	}
	return out, nil
}

func splitArgs(fn Func, raw json.RawMessage) ([]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	switch raw[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrArgType, err)
		}
		for i, item := range items {
			if i >= fn.Arity() {
				break
			}
			if v, ok := unwrapNamed(item, fn.Args[i].Name); ok {
				items[i] = v
			}
		}
		return items, nil
	case '{':
		var named map[string]json.RawMessage
		if err := json.Unmarshal(raw, &named); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrArgType, err)
		}
		if len(named) != fn.Arity() {
			return nil, fmt.Errorf("%w: want %d args, got %d", ErrArity, fn.Arity(), len(named))
		}
		out := make([]json.RawMessage, 0, len(named))
		for _, a := range fn.Args {
			v, ok := named[a.Name]
			if !ok {
				return nil, fmt.Errorf("%w: missing %q", ErrArity, a.Name)
			}
			out = append(out, v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: args must be an array or object", ErrArgType)
	}
}

func unwrapNamed(item json.RawMessage, name string) (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(item)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &m); err != nil || len(m) != 1 {
		return nil, false
	}
	v, ok := m[name]
	return v, ok
}
