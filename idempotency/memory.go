package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store using in-memory storage with TTL support.
//
// Limitations:
//   - Data is lost on process restart
//   - Does not work across multiple instances
//
// For distributed deployments, use RedisStore or SQLStore instead.
//
// Example:
//
//	store := idempotency.NewMemoryStore(time.Hour)
//	defer store.Close()
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]time.Time // messageID -> expiry time
	ttl     time.Duration
	now     func() time.Time
	stopCh  chan struct{}
	once    sync.Once
}

// NewMemoryStore creates a new in-memory idempotency store.
//
// A background goroutine removes expired entries every minute.
// Call Close when done to stop it.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}

	go s.cleanup(time.Minute)

	return s
}

// IsDuplicate reports whether messageID was processed and has not expired.
func (s *MemoryStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expiry, exists := s.entries[messageID]
	if !exists {
		return false, nil
	}
	return s.now().Before(expiry), nil
}

// MarkProcessed stores messageID until now + TTL.
func (s *MemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[messageID] = s.now().Add(s.ttl)
	return nil
}

// Remove removes a message ID from the store.
func (s *MemoryStore) Remove(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, messageID)
	return nil
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (s *MemoryStore) Close() {
	s.once.Do(func() { close(s.stopCh) })
}

// Len returns the number of entries currently in the store, including
// expired entries not yet cleaned up.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// cleanup periodically removes expired entries.
func (s *MemoryStore) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.purge()
		}
	}
}

func (s *MemoryStore) purge() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, expiry := range s.entries {
		if !now.Before(expiry) {
			delete(s.entries, id)
		}
	}
}

// Compile-time check that MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)
