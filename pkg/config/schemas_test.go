package config

import (
	"testing"

	"cuelang.org/go/cue/cuecontext"
)

func TestSchemaRegistry_BuiltinManifest(t *testing.T) {
	sr, err := NewSchemaRegistry(cuecontext.New())
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}

	schema, ok := sr.GetSchema("manifest")
	if !ok {
		t.Fatal("Expected manifest schema to be registered")
	}
	if schema.Err() != nil {
		t.Fatalf("Expected valid schema, got: %v", schema.Err())
	}
}

func TestSchemaRegistry_RegisterCustom(t *testing.T) {
	ctx := cuecontext.New()
	sr, err := NewSchemaRegistry(ctx)
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}

	if err := sr.RegisterSchema("release", `#Release: { version: string & =~"^v" }`, "#Release"); err != nil {
		t.Fatalf("Failed to register schema: %v", err)
	}

	if _, err := sr.Apply("release", ctx.CompileString(`version: "v1.2.0"`)); err != nil {
		t.Errorf("Expected valid release, got: %v", err)
	}
	if _, err := sr.Apply("release", ctx.CompileString(`version: "1.2.0"`)); err == nil {
		t.Error("Expected pattern violation")
	}
	if _, err := sr.Apply("release", ctx.CompileString(`version: "v1", extra: 1`)); err == nil {
		t.Error("Expected closed definition to reject unknown field")
	}
}

func TestSchemaRegistry_RegisterErrors(t *testing.T) {
	sr, err := NewSchemaRegistry(cuecontext.New())
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}

	if err := sr.RegisterSchema("broken", `#A: {`, "#A"); err == nil {
		t.Error("Expected compile error")
	}
	if err := sr.RegisterSchema("missing", `#A: {x: int}`, "#B"); err == nil {
		t.Error("Expected missing definition error")
	}
	if _, err := sr.Apply("nope", cuecontext.New().CompileString(`x: 1`)); err == nil {
		t.Error("Expected unknown schema error")
	}
}

func TestSchemaRegistry_ManifestRules(t *testing.T) {
	ctx := cuecontext.New()
	sr, err := NewSchemaRegistry(ctx)
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}

	tests := []struct {
		name    string
		src     string
		wantErr bool
	}{
		{
			name: "minimal",
			src:  `name: "web", servers: [{name: "a"}]`,
		},
		{
			name:    "no servers",
			src:     `name: "web", servers: []`,
			wantErr: true,
		},
		{
			name:    "empty name",
			src:     `name: "", servers: [{name: "a"}]`,
			wantErr: true,
		},
		{
			name:    "bad suspend mode",
			src:     `name: "web", servers: [{name: "a"}], settings: suspend_mode: "later"`,
			wantErr: true,
		},
		{
			name:    "unknown field",
			src:     `name: "web", servers: [{name: "a"}], hosts: []`,
			wantErr: true,
		},
		{
			name: "nested steps",
			src: `name: "web", servers: [{name: "a"}], remote: [{
				only_if: "True"
				steps: [{name: "x", kind: "command", params: {command: "true"}}]
			}]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sr.Apply("manifest", ctx.CompileString(tt.src))
			if (err != nil) != tt.wantErr {
				t.Errorf("Apply() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
