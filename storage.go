package chatual

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ============================================================================
// Storage contract
// ============================================================================

const (
	// QueueStorageKey is the durable key holding the serialized offline queue.
	QueueStorageKey = "chatual_offline_queue"

	// SessionStorageKey is the durable key holding the last authenticated user.
	SessionStorageKey = "chatual_user"
)

// ErrNotFound is returned by Storage.Get when the key has never been written.
var ErrNotFound = errors.New("chatual: key not found")

// Storage is durable local key/value storage.
//
// Values are opaque bytes; callers own the encoding. Implementations must be
// safe for concurrent use.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// ============================================================================
// MemoryStorage
// ============================================================================

// MemoryStorage is a goroutine-safe in-memory storage backend. Contents do
// not survive the process; useful for tests and ephemeral clients.
type MemoryStorage struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: make(map[string][]byte)}
}

func (s *MemoryStorage) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStorage) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStorage) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *MemoryStorage) Close() error { return nil }

// ============================================================================
// Session
// ============================================================================

// Session is the authenticated user payload written by the login flow.
type Session struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// SaveSession stores the session under SessionStorageKey.
func SaveSession(ctx context.Context, s Storage, sess Session) error {
	if sess.UserID == "" {
		return ErrMissingUserID
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.Set(ctx, SessionStorageKey, data)
}

// LoadSession returns the stored session, or ErrNotFound.
func LoadSession(ctx context.Context, s Storage) (*Session, error) {
	data, err := s.Get(ctx, SessionStorageKey)
	if err != nil {
		return nil, err
	}
	sess, err := decodeJSON[Session](data)
	if err != nil {
		return nil, err
	}
	if sess.UserID == "" {
		return nil, ErrNotFound
	}
	return sess, nil
}

// ClearSession removes the stored session.
func ClearSession(ctx context.Context, s Storage) error {
	return s.Delete(ctx, SessionStorageKey)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal: %w", err)
	}
	return &result, nil
}
