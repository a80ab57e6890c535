package sharedcam

import "sync"

// Store persists per-stream Settings.
// Implementations can be in-memory, file-based, or remote.
type Store interface {
	// Settings returns the saved settings for a stream. The ok return is
	// false when nothing has been saved yet.
	Settings(name string) (s Settings, ok bool, err error)
	SaveSettings(name string, s Settings) error
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	mu       sync.RWMutex
	settings map[string]Settings
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		settings: make(map[string]Settings),
	}
}

// Settings implements Store.Settings.
func (s *InMemoryStore) Settings(name string) (Settings, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.settings[name]
	return st, ok, nil
}

// SaveSettings implements Store.SaveSettings.
func (s *InMemoryStore) SaveSettings(name string, st Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[name] = st
	return nil
}
