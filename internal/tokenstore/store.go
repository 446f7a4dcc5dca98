// Package tokenstore holds the single bearer token shared by the session
// manager, the API client and the realtime channel. All implementations
// expose the same slot semantics: at most one token is current at a time,
// and Set replaces it wholesale.
package tokenstore

import "sync"

// Store is the persistence contract for the current bearer token.
// Get returns an empty string when no token is stored.
type Store interface {
	Get() (string, error)
	Set(token string) error
	Clear() error
}

// MemoryStore keeps the token in memory. Used in tests and for runs where
// persistence is disabled.
type MemoryStore struct {
	mu    sync.RWMutex
	token string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Get() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}

func (s *MemoryStore) Set(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	return nil
}

// NullStore is a no-op store for execution contexts that have no storage
// at all. Get always reports no token; Set and Clear succeed trivially.
type NullStore struct{}

func NewNullStore() *NullStore { return &NullStore{} }

func (NullStore) Get() (string, error)  { return "", nil }
func (NullStore) Set(string) error      { return nil }
func (NullStore) Clear() error          { return nil }
