package config

import "sync/atomic"

// Store holds the active configuration snapshot. Readers always see a
// complete snapshot; Swap publishes a new one without blocking readers.
type Store struct {
	current atomic.Pointer[Config]
}

func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.current.Store(cfg)
	return s
}

// Snapshot returns the active snapshot. The returned value must be treated
// as read-only.
func (s *Store) Snapshot() *Config {
	return s.current.Load()
}

// Swap publishes cfg as the active snapshot and returns the previous one.
func (s *Store) Swap(cfg *Config) *Config {
	return s.current.Swap(cfg)
}
