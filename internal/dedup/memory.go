package dedup

import (
	"context"
	"sync"
	"time"

	"flowrelay/pkg/metrics"
)

// MemoryStore keeps processed identities in a map with lazy sweeping:
// once the map grows past sweepThreshold, the next MarkProcessed drops
// every entry older than the window. Single-process only; redeliveries
// across a restart are reprocessed, which the at-least-once contract
// allows.
type MemoryStore struct {
	mu             sync.Mutex
	entries        map[string]time.Time
	window         time.Duration
	sweepThreshold int

	now func() time.Time
}

func NewMemoryStore(window time.Duration, sweepThreshold int) *MemoryStore {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if sweepThreshold <= 0 {
		sweepThreshold = 1000
	}
	return &MemoryStore{
		entries:        make(map[string]time.Time),
		window:         window,
		sweepThreshold: sweepThreshold,
		now:            time.Now,
	}
}

func (s *MemoryStore) IsDuplicate(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen, ok := s.entries[key]
	if !ok {
		return false, nil
	}
	if s.now().Sub(seen) > s.window {
		delete(s.entries, key)
		return false, nil
	}
	return true, nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) >= s.sweepThreshold {
		s.sweepLocked()
	}
	s.entries[key] = s.now()
	metrics.DedupSetSize.Set(float64(len(s.entries)))
	return nil
}

func (s *MemoryStore) sweepLocked() {
	cutoff := s.now().Add(-s.window)
	for key, seen := range s.entries {
		if seen.Before(cutoff) {
			delete(s.entries, key)
		}
	}
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Backend:       "memory",
		Size:          int64(len(s.entries)),
		WindowSeconds: int(s.window / time.Second),
	}, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
