package mcp

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestValue_PermissiveDecode(t *testing.T) {
	tests := []struct {
		in   string
		kind Kind
		out  string
	}{
		{`42`, KindInt, `42`},
		{`-7`, KindInt, `-7`},
		{`3.5`, KindDouble, `3.5`},
		{`1e3`, KindDouble, `1000`},
		{`3.0`, KindDouble, `3`},
		{`"hi"`, KindString, `"hi"`},
		{`true`, KindBool, `true`},
		{`[1,"a",null]`, KindArray, `[1,"a",null]`},
		{`{"b":{"c":[false]},"a":1}`, KindObject, `{"a":1,"b":{"c":[false]}}`},
		{`null`, KindNull, `null`},
		{` null `, KindNull, `null`},
		{`[]`, KindArray, `[]`},
		{`{}`, KindObject, `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var v Value
			if err := json.Unmarshal([]byte(tt.in), &v); err != nil {
				t.Fatal(err)
			}
			if v.Kind() != tt.kind {
				t.Errorf("kind = %v, want %v", v.Kind(), tt.kind)
			}
			if got := v.String(); got != tt.out {
				t.Errorf("String() = %s, want %s", got, tt.out)
			}
		})
	}
}

func TestValue_Accessors(t *testing.T) {
	v := Object(map[string]Value{
		"n":    Int(2),
		"list": Array(Str("x"), Double(0.5)),
	})

	obj, ok := v.AsObject()
	if !ok {
		t.Fatal("not an object")
	}
	if n, ok := obj["n"].AsInt(); !ok || n != 2 {
		t.Errorf("n = %d, %v", n, ok)
	}
	if f, ok := obj["n"].AsDouble(); !ok || f != 2 {
		t.Errorf("n as double = %v, %v", f, ok)
	}
	if _, ok := obj["n"].AsString(); ok {
		t.Error("int reported as string")
	}

	want := map[string]any{"n": int64(2), "list": []any{"x", 0.5}}
	if got := v.Interface(); !reflect.DeepEqual(got, want) {
		t.Errorf("Interface() = %#v, want %#v", got, want)
	}

	if !(Value{}).IsNull() {
		t.Error("zero Value is not null")
	}
}

func TestFromAny(t *testing.T) {
	v, err := FromAny(map[string]any{
		"prompt":   "hello",
		"count":    float64(3),
		"ratio":    0.25,
		"flags":    []string{"a"},
		"messages": []map[string]any{{"role": "user", "content": "hi"}},
		"nothing":  nil,
	})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"count":3,"flags":["a"],"messages":[{"content":"hi","role":"user"}],"nothing":null,"prompt":"hello","ratio":0.25}`
	if got := v.String(); got != want {
		t.Errorf("String() = %s, want %s", got, want)
	}
	obj, _ := v.AsObject()
	if obj["count"].Kind() != KindInt {
		t.Errorf("whole float64 kind = %v, want int", obj["count"].Kind())
	}

	_, err = FromAny(map[string]any{"ch": make(chan int)})
	if !errors.Is(err, ErrUnsupportedValue) {
		t.Errorf("err = %v, want ErrUnsupportedValue", err)
	}
}

func TestArgumentsFromJSON(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantLen int
		wantErr bool
	}{
		{"empty", "", 0, false},
		{"blank", "  ", 0, false},
		{"object", `{"location":"Boston","days":3}`, 2, false},
		{"null object", `{}`, 0, false},
		{"array", `[1,2]`, 0, true},
		{"scalar", `"Boston"`, 0, true},
		{"truncated", `{"loc`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, err := ArgumentsFromJSON(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", args)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if args == nil || len(args) != tt.wantLen {
				t.Errorf("args = %v, want %d entries", args, tt.wantLen)
			}
		})
	}

	args, _ := ArgumentsFromJSON(`{"days":3}`)
	if n, ok := args["days"].AsInt(); !ok || n != 3 {
		t.Errorf("days = %v", args["days"])
	}
}
