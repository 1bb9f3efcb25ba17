package schemavalidation

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type schemaCase struct {
	name         string
	schemaPath   string
	instancePath string
}

func TestSchemaValidation(t *testing.T) {
	repoRoot := repoRoot(t)
	cases := []schemaCase{
		{
			name:         "auth-template",
			schemaPath:   filepath.Join(repoRoot, "internal", "credentials", "auth.schema.json"),
			instancePath: filepath.Join(repoRoot, "auth.template.json"),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			schema := compile(t, tc.schemaPath)
			instanceData, err := os.ReadFile(tc.instancePath)
			if err != nil {
				t.Fatalf("read instance: %v", err)
			}
			if err := validate(schema, instanceData); err != nil {
				t.Fatalf("schema validation failed for %s: %v", filepath.Base(tc.instancePath), err)
			}
		})
	}
}

func TestAuthSchemaRejects(t *testing.T) {
	schema := compile(t, filepath.Join(repoRoot(t), "internal", "credentials", "auth.schema.json"))

	bad := map[string]string{
		"no token":      `{"apiKey": "AIzaSyExample"}`,
		"short token":   `{"nestRefreshToken": "abc"}`,
		"whitespace":    `{"legacyAccessToken": "b.token with spaces"}`,
		"unknown field": `{"nestRefreshToken": "1//0abcdefghij", "password": "x"}`,
		"wrong type":    `{"nestRefreshToken": "1//0abcdefghij", "fieldTest": "yes"}`,
	}
	for name, doc := range bad {
		t.Run(name, func(t *testing.T) {
			if err := validate(schema, []byte(doc)); err == nil {
				t.Fatalf("expected %s to be rejected", doc)
			}
		})
	}
}

func compile(t *testing.T, schemaPath string) *jsonschema.Schema {
	t.Helper()
	schemaData, err := os.ReadFile(schemaPath)
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaPath, bytes.NewReader(schemaData)); err != nil {
		t.Fatalf("add schema resource: %v", err)
	}
	schema, err := compiler.Compile(schemaPath)
	if err != nil {
		t.Fatalf("compile schema: %v", err)
	}
	return schema
}

func validate(schema *jsonschema.Schema, data []byte) error {
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return err
	}
	return schema.Validate(instance)
}

func repoRoot(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("unable to resolve caller path")
	}
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))
}
