// Package store persists small JSON documents (derived UPS state, metric
// history) to local files with atomic replacement.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// WriteFileAtomic writes data to a temp file next to path and renames it
// over path, creating parent directories as needed.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmpName, err)
	}
	return nil
}

// WriteJSON encodes v as indented JSON and writes it atomically to path.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return WriteFileAtomic(path, append(data, '\n'), 0o600)
}

// ReadJSON decodes the JSON document at path into v. A missing file yields
// an error matching os.ErrNotExist.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// JSONFile is a typed JSON document on disk. Load and Save are serialized.
type JSONFile[T any] struct {
	path string
	mu   sync.Mutex
}

// NewJSONFile returns a JSONFile backed by path.
func NewJSONFile[T any](path string) *JSONFile[T] {
	return &JSONFile[T]{path: path}
}

// Path returns the backing file path.
func (f *JSONFile[T]) Path() string { return f.path }

// Load reads the document. On any error the zero T is returned alongside it.
func (f *JSONFile[T]) Load() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var v T
	if err := ReadJSON(f.path, &v); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}

// Save replaces the document with v.
func (f *JSONFile[T]) Save(v T) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return WriteJSON(f.path, v)
}
