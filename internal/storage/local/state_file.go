package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/searchguard/internal/state"
)

// StateFile keeps the configuration document in a single JSON file.
type StateFile struct {
	path string
}

// NewStateFile returns a backend for path, creating its directory if needed.
func NewStateFile(path string) (*StateFile, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("state file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &StateFile{path: path}, nil
}

// Path returns the file location.
func (f *StateFile) Path() string {
	return f.path
}

// Load reads the file. A missing or empty file reports state.ErrNotFound.
func (f *StateFile) Load(context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, state.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, state.ErrNotFound
	}
	return data, nil
}

// Save replaces the file atomically.
func (f *StateFile) Save(_ context.Context, doc []byte) error {
	return writeAtomic(f.path, doc)
}
