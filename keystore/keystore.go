// Package keystore persists the client-held credential in a small local
// key-value file, the terminal equivalent of the browser's local storage.
// The credential never leaves the machine except as the apiKey field of a
// turn request.
package keystore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
)

// CredentialKey is the fixed name the API key is stored under.
const CredentialKey = "gemini_api_key"

const fileName = "keystore.json"

// Store is a file-backed string map.
type Store struct {
	path string
}

// Open locates the keystore under the user config dir, creating nothing
// until the first write.
func Open() (*Store, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("no user config dir: %w", err)
	}
	return &Store{path: filepath.Join(dir, "lingua-live", fileName)}, nil
}

// OpenAt uses an explicit path (tests).
func OpenAt(path string) *Store {
	return &Store{path: path}
}

func (s *Store) load() (map[string]string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	values := map[string]string{}
	if err := sonic.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("corrupt keystore %s: %w", s.path, err)
	}
	return values, nil
}

// Get returns the value stored under key, "" if absent.
func (s *Store) Get(key string) (string, error) {
	values, err := s.load()
	if err != nil {
		return "", err
	}
	return values[key], nil
}

// Set writes key=value, creating the keystore with owner-only permissions.
func (s *Store) Set(key, value string) error {
	values, err := s.load()
	if err != nil {
		return err
	}
	values[key] = value

	data, err := sonic.Marshal(values)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

// Credential returns the stored API key, "" if none saved yet.
func (s *Store) Credential() (string, error) {
	return s.Get(CredentialKey)
}

// SetCredential saves the API key under the fixed name.
func (s *Store) SetCredential(apiKey string) error {
	return s.Set(CredentialKey, apiKey)
}
