package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Directory errors surfaced to the HTTP collaborator endpoints.
var (
	ErrUsernameTaken      = errors.New("auth: username already exists")
	ErrUsernameTooShort   = errors.New("auth: username must be at least 3 characters")
	ErrPasswordTooShort   = errors.New("auth: password must be at least 4 characters")
	ErrInvalidCredentials = errors.New("auth: invalid username or password")
	ErrUserNotFound       = errors.New("auth: user not found")
)

type userRecord struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"password"`
	Nickname     string    `json:"nickname"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Store is the durable user directory. Users are keyed by lowercase username
// and persisted to a JSON file after every mutation; the file is loaded once
// at construction. All operations are safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	path  string
	users map[string]*userRecord
}

// NewStore opens the user directory persisted at path, creating the parent
// directory if needed. A missing file starts an empty directory.
func NewStore(path string) (*Store, error) {
	s := &Store{path: path, users: make(map[string]*userRecord)}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading users file: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.users); err != nil {
			return nil, fmt.Errorf("parsing users file: %w", err)
		}
	}
	return s, nil
}

func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.users, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding users: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("writing users file: %w", err)
	}
	return nil
}

func hashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

func verifyPassword(password, hash string) bool {
	computed := hashPassword(password)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}

// Register creates a new user. The username is normalized to lowercase; an
// empty nickname defaults to the username.
func (s *Store) Register(username, password, nickname string) (Identity, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if len(username) < 3 {
		return Identity{}, ErrUsernameTooShort
	}
	if len(password) < 4 {
		return Identity{}, ErrPasswordTooShort
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[username]; exists {
		return Identity{}, ErrUsernameTaken
	}

	nickname = strings.TrimSpace(nickname)
	if nickname == "" {
		nickname = username
	}

	record := &userRecord{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hashPassword(password),
		Nickname:     nickname,
		CreatedAt:    time.Now().UTC(),
	}
	s.users[username] = record

	if err := s.persist(); err != nil {
		delete(s.users, username)
		return Identity{}, err
	}
	return Identity{ID: record.ID, Username: record.Username, Nickname: record.Nickname}, nil
}

// Authenticate checks a username/password pair. Unknown users and wrong
// passwords return the same error so the response does not reveal which
// half failed.
func (s *Store) Authenticate(username, password string) (Identity, error) {
	username = strings.ToLower(strings.TrimSpace(username))

	s.mu.Lock()
	defer s.mu.Unlock()

	record, exists := s.users[username]
	if !exists {
		return Identity{}, ErrInvalidCredentials
	}
	if !verifyPassword(password, record.PasswordHash) {
		return Identity{}, ErrInvalidCredentials
	}
	return Identity{ID: record.ID, Username: record.Username, Nickname: record.Nickname}, nil
}

// Lookup returns the identity for a user id.
func (s *Store) Lookup(userID string) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range s.users {
		if record.ID == userID {
			return Identity{ID: record.ID, Username: record.Username, Nickname: record.Nickname}, nil
		}
	}
	return Identity{}, ErrUserNotFound
}

// Rename updates the stored nickname for a user id and persists the change.
func (s *Store) Rename(userID, nickname string) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range s.users {
		if record.ID == userID {
			previous := record.Nickname
			record.Nickname = strings.TrimSpace(nickname)
			if err := s.persist(); err != nil {
				record.Nickname = previous
				return Identity{}, err
			}
			return Identity{ID: record.ID, Username: record.Username, Nickname: record.Nickname}, nil
		}
	}
	return Identity{}, ErrUserNotFound
}
