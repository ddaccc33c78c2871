package template

import (
	"errors"
	"testing"
)

func TestResolver_ResolveVariable_Env(t *testing.T) {
	ctx := NewVariableContext()
	ctx.Env["apiKey"] = "secret-123"
	r := NewResolver(ctx, DefaultOptions())

	value, err := r.ResolveVariable("env", "apiKey")
	if err != nil {
		t.Fatalf("ResolveVariable() error = %v", err)
	}
	if value != "secret-123" {
		t.Errorf("got %v, want secret-123", value)
	}
}

func TestResolver_ResolveVariable_EnvMissing(t *testing.T) {
	ctx := NewVariableContext()
	r := NewResolver(ctx, DefaultOptions())

	_, err := r.ResolveVariable("env", "missing")
	if !errors.Is(err, ErrVariableNotFound) {
		t.Errorf("expected ErrVariableNotFound, got %v", err)
	}
}

func TestResolver_ResolveVariable_TriggerAndInputAlias(t *testing.T) {
	ctx := NewVariableContext()
	ctx.Trigger["greeting"] = "Hello"
	r := NewResolver(ctx, DefaultOptions())

	for _, varType := range []string{"trigger", "input"} {
		value, err := r.ResolveVariable(varType, "greeting")
		if err != nil {
			t.Fatalf("ResolveVariable(%q) error = %v", varType, err)
		}
		if value != "Hello" {
			t.Errorf("ResolveVariable(%q) = %v, want Hello", varType, value)
		}
	}
}

func TestResolver_ResolveVariable_NestedPath(t *testing.T) {
	ctx := NewVariableContext()
	ctx.Trigger["user"] = map[string]interface{}{
		"profile": map[string]interface{}{
			"email": "john@example.com",
		},
	}
	r := NewResolver(ctx, DefaultOptions())

	value, err := r.ResolveVariable("trigger", "user.profile.email")
	if err != nil {
		t.Fatalf("ResolveVariable() error = %v", err)
	}
	if value != "john@example.com" {
		t.Errorf("got %v, want john@example.com", value)
	}
}

func TestResolver_ResolveVariable_ArrayIndex(t *testing.T) {
	ctx := NewVariableContext()
	ctx.Trigger["items"] = []interface{}{"a", "b", "c"}
	r := NewResolver(ctx, DefaultOptions())

	value, err := r.ResolveVariable("trigger", "items[1]")
	if err != nil {
		t.Fatalf("ResolveVariable() error = %v", err)
	}
	if value != "b" {
		t.Errorf("got %v, want b", value)
	}
}

func TestResolver_ResolveVariable_ArrayOutOfBounds(t *testing.T) {
	ctx := NewVariableContext()
	ctx.Trigger["items"] = []interface{}{"a"}
	r := NewResolver(ctx, DefaultOptions())

	_, err := r.ResolveVariable("trigger", "items[5]")
	if err == nil {
		t.Fatal("expected an out-of-bounds error")
	}
}

func TestResolver_ResolveVariable_NodeOutput(t *testing.T) {
	ctx := NewVariableContext()
	ctx.NodeOutputs["fetchUser"] = map[string]interface{}{
		"id": "u1",
		"address": map[string]interface{}{
			"city": "Metropolis",
		},
		"tags": []interface{}{"x", "y"},
	}
	r := NewResolver(ctx, DefaultOptions())

	cases := []struct {
		path string
		want interface{}
	}{
		{"fetchUser.id", "u1"},
		{"fetchUser.address.city", "Metropolis"},
		{"fetchUser.tags[0]", "x"},
	}

	for _, tc := range cases {
		got, err := r.ResolveVariable("node", tc.path)
		if err != nil {
			t.Fatalf("ResolveVariable(node, %q) error = %v", tc.path, err)
		}
		if got != tc.want {
			t.Errorf("ResolveVariable(node, %q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestResolver_ResolveVariable_NodeOutputMissing(t *testing.T) {
	ctx := NewVariableContext()
	r := NewResolver(ctx, DefaultOptions())

	_, err := r.ResolveVariable("node", "neverRan.field")
	if !errors.Is(err, ErrVariableNotFound) {
		t.Errorf("expected ErrVariableNotFound, got %v", err)
	}
}

func TestResolver_ResolveVariable_UnknownType(t *testing.T) {
	ctx := NewVariableContext()
	r := NewResolver(ctx, DefaultOptions())

	_, err := r.ResolveVariable("bogus", "x")
	if !errors.Is(err, ErrInvalidTemplate) {
		t.Errorf("expected ErrInvalidTemplate, got %v", err)
	}
}

func TestSplitPath(t *testing.T) {
	got := splitPath("user.profile.items[0].name")
	want := []string{"user", "profile", "items[0]", "name"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("part %d = %q, want %q", i, got[i], want[i])
		}
	}
}
