package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ErrUnsupportedValue is returned when a Go value has no JSON value
// representation.
var ErrUnsupportedValue = errors.New("unsupported value type")

// Kind identifies the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindInt
	KindDouble
	KindString
	KindBool
	KindArray
	KindObject
)

// String returns a lowercase name for logging.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindDouble:
		return "double"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// Value is a tagged JSON value used for tool arguments and other
// free-form JSON-RPC payloads. The zero Value is null.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
	b    bool
	arr  []Value
	obj  map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// Int returns an integer value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Double returns a floating-point value.
func Double(f float64) Value { return Value{kind: KindDouble, f: f} }

// Str returns a string value.
func Str(s string) Value { return Value{kind: KindString, s: s} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Array returns an array value.
func Array(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindArray, arr: items}
}

// Object returns an object value.
func Object(fields map[string]Value) Value {
	if fields == nil {
		fields = map[string]Value{}
	}
	return Value{kind: KindObject, obj: fields}
}

// Kind returns the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsInt returns the integer held by v.
func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInt }

// AsDouble returns v as a float. Integers convert.
func (v Value) AsDouble() (float64, bool) {
	switch v.kind {
	case KindDouble:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	}
	return 0, false
}

// AsString returns the string held by v.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsBool returns the boolean held by v.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsArray returns the elements held by v.
func (v Value) AsArray() ([]Value, bool) { return v.arr, v.kind == KindArray }

// AsObject returns the fields held by v.
func (v Value) AsObject() (map[string]Value, bool) { return v.obj, v.kind == KindObject }

// Interface converts v back to plain Go values: nil, int64, float64,
// string, bool, []any or map[string]any.
func (v Value) Interface() any {
	switch v.kind {
	case KindInt:
		return v.i
	case KindDouble:
		return v.f
	case KindString:
		return v.s
	case KindBool:
		return v.b
	case KindArray:
		out := make([]any, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.Interface()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for k, e := range v.obj {
			out[k] = e.Interface()
		}
		return out
	default:
		return nil
	}
}

// String renders v as compact JSON.
func (v Value) String() string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<invalid %s>", v.kind)
	}
	return string(data)
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindInt:
		return json.Marshal(v.i)
	case KindDouble:
		return json.Marshal(v.f)
	case KindString:
		return json.Marshal(v.s)
	case KindBool:
		return json.Marshal(v.b)
	case KindArray:
		if v.arr == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.arr)
	case KindObject:
		if v.obj == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.obj)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes permissively, trying int, double, string, bool,
// array, object and finally null, in that order. Servers disagree on
// whether 3 and 3.0 are the same thing; the first variant that accepts
// the input wins.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)

	// encoding/json accepts null into every type, so it is checked up
	// front rather than last.
	if bytes.Equal(data, []byte("null")) {
		*v = Null()
		return nil
	}

	var i int64
	if err := json.Unmarshal(data, &i); err == nil {
		*v = Int(i)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*v = Double(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = Str(s)
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*v = Bool(b)
		return nil
	}
	var arr []Value
	if err := json.Unmarshal(data, &arr); err == nil {
		*v = Array(arr...)
		return nil
	}
	var obj map[string]Value
	if err := json.Unmarshal(data, &obj); err == nil {
		*v = Object(obj)
		return nil
	}
	return fmt.Errorf("%w: cannot decode %.40s", ErrUnsupportedValue, data)
}

// FromAny converts a plain Go value to a Value. Numbers, strings, bools,
// nil, slices of any and maps keyed by string are accepted; anything
// else fails with ErrUnsupportedValue.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case string:
		return Str(t), nil
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case float32:
		return fromFloat(float64(t))
	case float64:
		return fromFloat(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: number %q", ErrUnsupportedValue, t)
		}
		return Double(f), nil
	case []any:
		items := make([]Value, len(t))
		for i, e := range t {
			ev, err := FromAny(e)
			if err != nil {
				return Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			items[i] = ev
		}
		return Array(items...), nil
	case []string:
		items := make([]Value, len(t))
		for i, e := range t {
			items[i] = Str(e)
		}
		return Array(items...), nil
	case []map[string]any:
		items := make([]Value, len(t))
		for i, e := range t {
			ev, err := FromAny(e)
			if err != nil {
				return Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			items[i] = ev
		}
		return Array(items...), nil
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for _, k := range sortedKeys(t) {
			fv, err := FromAny(t[k])
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", k, err)
			}
			fields[k] = fv
		}
		return Object(fields), nil
	case map[string]string:
		fields := make(map[string]Value, len(t))
		for k, s := range t {
			fields[k] = Str(s)
		}
		return Object(fields), nil
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedValue, x)
	}
}

// fromFloat keeps whole numbers as integers so a value decoded through
// map[string]any keeps its integer identity.
func fromFloat(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, fmt.Errorf("%w: non-finite number", ErrUnsupportedValue)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return Int(int64(f)), nil
	}
	return Double(f), nil
}

// ArgumentsFromJSON converts a tool call's argument string into MCP
// arguments. Empty input means no arguments. Anything other than a
// JSON object is rejected.
func ArgumentsFromJSON(raw string) (map[string]Value, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]Value{}, nil
	}
	if raw[0] != '{' {
		return nil, fmt.Errorf("tool arguments must be a JSON object")
	}
	var args map[string]Value
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("parse tool arguments: %w", err)
	}
	if args == nil {
		args = map[string]Value{}
	}
	return args, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
