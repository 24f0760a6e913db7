package bridge

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// TokenStore persists the long-lived refresh token between bridge restarts.
type TokenStore interface {
	Load() string
	Save(refresh string) error
	Clear() error
}

type tokenFile struct {
	RefreshToken string `json:"refresh_token"`
}

// FileTokenStore keeps the refresh token in a JSON file under the user's
// config directory.
type FileTokenStore struct {
	mu   sync.Mutex
	path string
}

// NewFileTokenStore builds a store at dir/token.json, creating dir as needed.
func NewFileTokenStore(dir string) *FileTokenStore {
	_ = os.MkdirAll(dir, 0o700)
	return &FileTokenStore{path: filepath.Join(dir, "token.json")}
}

// DefaultTokenDir returns the bridge's config directory.
func DefaultTokenDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "auxhub")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "auxhub")
}

// Load returns the stored refresh token, or "" when none is usable.
func (s *FileTokenStore) Load() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.path)
	if err != nil {
		return ""
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return ""
	}
	return tf.RefreshToken
}

// Save writes the refresh token with owner-only permissions.
func (s *FileTokenStore) Save(refresh string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(tokenFile{RefreshToken: refresh})
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, b, 0o600)
}

// Clear removes the stored token.
func (s *FileTokenStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// MemTokenStore is an in-memory TokenStore for tests.
type MemTokenStore struct {
	mu      sync.Mutex
	refresh string
}

func (s *MemTokenStore) Load() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refresh
}

func (s *MemTokenStore) Save(refresh string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh = refresh
	return nil
}

func (s *MemTokenStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh = ""
	return nil
}
