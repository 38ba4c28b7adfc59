package tokenstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileBackend stores markers as a JSON object in a single file.
// The file is re-read on every Get and rewritten atomically on every change,
// so separate processes sharing the path always observe the latest write.
// Changes are serialized across processes by an advisory lock on
// "<path>.lock".
type FileBackend struct {
	path string
}

// NewFileBackend returns a backend rooted at path. The file and its parent
// directory are created on first write.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Path returns the file location.
func (f *FileBackend) Path() string { return f.path }

func (f *FileBackend) Name() string { return "file" }

func (f *FileBackend) Get(key Key) (string, bool, error) {
	values, err := f.load()
	if err != nil {
		return "", false, err
	}
	v, ok := values[string(key)]
	return v, ok, nil
}

func (f *FileBackend) Set(key Key, value string) error {
	return f.update(func(values map[string]string) bool {
		values[string(key)] = value
		return true
	})
}

func (f *FileBackend) Delete(key Key) error {
	values, err := f.load()
	if err != nil {
		return err
	}
	if _, ok := values[string(key)]; !ok {
		return nil
	}
	return f.update(func(values map[string]string) bool {
		if _, ok := values[string(key)]; !ok {
			return false
		}
		delete(values, string(key))
		return true
	})
}

// update runs a read-modify-write of the document while holding an
// exclusive lock on the sidecar lock file, so processes sharing the path
// do not lose each other's changes. fn reports whether anything changed.
func (f *FileBackend) update(fn func(values map[string]string) bool) error {
	unlock, err := lockFile(f.path + ".lock")
	if err != nil {
		return err
	}
	defer unlock()

	values, err := f.load()
	if err != nil {
		return err
	}
	if !fn(values) {
		return nil
	}
	return f.save(values)
}

func (f *FileBackend) load() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	values := make(map[string]string)
	if len(data) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}
	return values, nil
}

// save writes values to a temp file in the same directory and renames it
// over the target so readers never see a partial document.
func (f *FileBackend) save(values map[string]string) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}

	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode token file: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tokens-*")
	if err != nil {
		return fmt.Errorf("failed to create temp token file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to set token file permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close token file: %w", err)
	}

	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("failed to replace token file: %w", err)
	}
	return nil
}
