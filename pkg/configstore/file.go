package configstore

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileBackend persists config entries as JSON files under a base directory.
// Entry names map to relative paths, so "drivers/auth/ecobee_1" lands at
// <base>/drivers/auth/ecobee_1.json.
type FileBackend struct {
	baseDir string
}

// NewFileBackend creates a file backend rooted at baseDir. An empty baseDir
// defaults to ~/.gridbus/config.
func NewFileBackend(baseDir string) (*FileBackend, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".gridbus", "config")
	}

	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}
	return &FileBackend{baseDir: baseDir}, nil
}

// Load reads every .json file under the base directory into a name-keyed
// map. Unreadable or non-JSON files fail the load rather than being
// silently skipped.
func (f *FileBackend) Load() (map[string]json.RawMessage, error) {
	entries := make(map[string]json.RawMessage)

	err := filepath.WalkDir(f.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}

		data, err := os.ReadFile(path) // #nosec G304 -- walked from our own base dir
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if !json.Valid(data) {
			return fmt.Errorf("config file %s is not valid JSON", path)
		}

		rel, err := filepath.Rel(f.baseDir, path)
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(filepath.ToSlash(rel), ".json")
		entries[name] = json.RawMessage(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Save writes one entry to disk.
func (f *FileBackend) Save(name string, contents json.RawMessage) error {
	path, err := f.entryPath(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create entry directory: %w", err)
	}
	if err := os.WriteFile(path, contents, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Remove deletes one entry from disk. Missing files are not an error.
func (f *FileBackend) Remove(name string) error {
	path, err := f.entryPath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

func (f *FileBackend) entryPath(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	return filepath.Join(f.baseDir, filepath.FromSlash(name)+".json"), nil
}
