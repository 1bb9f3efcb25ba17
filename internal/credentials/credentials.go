// Package credentials loads the account tokens from auth.json and keeps
// them current when the file is replaced.
package credentials

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// FileName is the credentials file looked up in each search path.
const FileName = "auth.json"

//go:embed auth.schema.json
var schemaJSON []byte

// ErrNotFound is returned when no search path holds a credentials file.
var ErrNotFound = errors.New("credentials file not found")

// File is the decoded auth.json.
type File struct {
	RefreshToken string `json:"nestRefreshToken,omitempty"`
	LegacyToken  string `json:"legacyAccessToken,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	FieldTest    bool   `json:"fieldTest,omitempty"`

	// Path is where the file was read from.
	Path string `json:"-"`
}

// RefreshFlow reports whether the file carries a refresh token.
func (f *File) RefreshFlow() bool { return f.RefreshToken != "" }

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		const url = "https://nestobserve.local/schema/auth-v1.schema.json"
		if err := compiler.AddResource(url, bytes.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile(url)
	})
	return schema, schemaErr
}

// Find returns the first path/auth.json that exists.
func Find(paths []string) (string, error) {
	for _, dir := range paths {
		candidate := filepath.Join(dir, FileName)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w in %v", ErrNotFound, paths)
}

// Load finds and reads the credentials file.
func Load(paths []string) (*File, error) {
	path, err := Find(paths)
	if err != nil {
		return nil, err
	}
	return ReadFile(path)
}

// ReadFile reads and validates one credentials file.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.Path = path
	return f, nil
}

// Parse validates data against the credentials schema and decodes it.
func Parse(data []byte) (*File, error) {
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	s, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	if err := s.Validate(instance); err != nil {
		return nil, fmt.Errorf("invalid credentials: %w", err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return &f, nil
}
