// Package usersession holds the logged-in user's session: the bearer token
// and who it belongs to. The session is stored as one JSON document under a
// single file and handed to the components that need it, which never read
// the file themselves.
package usersession

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNoSession is returned by Load when nothing is stored.
var ErrNoSession = errors.New("usersession: no stored session")

// User is the identity attached to a token.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// Session is what a successful login produces.
type Session struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// Valid reports whether the session carries a token and a user id.
func (s *Session) Valid() bool {
	return s != nil && s.Token != "" && s.User.ID != ""
}

// Store persists a Session in a single file.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore returns a store backed by path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the stored session. It returns ErrNoSession when the file does
// not exist or holds an incomplete session.
func (s *Store) Load() (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("usersession: read: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("usersession: decode: %w", err)
	}
	if !sess.Valid() {
		return nil, ErrNoSession
	}
	return &sess, nil
}

// Save replaces the stored session. The file is written to a temp file and
// renamed so a crash never leaves half a token behind.
func (s *Store) Save(sess *Session) error {
	if !sess.Valid() {
		return fmt.Errorf("usersession: refusing to save a session without token or user id")
	}

	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("usersession: encode: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("usersession: mkdir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("usersession: write: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("usersession: rename: %w", err)
	}
	return nil
}

// Clear removes the stored session (logout). Clearing twice is fine.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("usersession: clear: %w", err)
	}
	return nil
}
