package correlation

import (
	"context"
	"sync"
	"time"
)

// Store records issued correlation ids so each can be redeemed only once.
type Store interface {
	// Put registers id for ttl.
	Put(ctx context.Context, id string, ttl time.Duration) error
	// Consume removes id, returning ErrNotFound when it is unknown,
	// expired or already consumed.
	Consume(ctx context.Context, id string) error
}

// MemoryStore is an in-process Store with periodic cleanup of expired ids.
type MemoryStore struct {
	mu      sync.Mutex
	ids     map[string]time.Time
	cleanup *time.Ticker
	done    chan struct{}
	once    sync.Once
}

// NewMemoryStore starts a store that sweeps expired ids every interval
// (default five minutes). Close stops the sweeper.
func NewMemoryStore(interval time.Duration) *MemoryStore {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	s := &MemoryStore{
		ids:     make(map[string]time.Time),
		cleanup: time.NewTicker(interval),
		done:    make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *MemoryStore) Put(ctx context.Context, id string, ttl time.Duration) error {
	if id == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if exp, ok := s.ids[id]; ok && time.Now().Before(exp) {
		return ErrDuplicate
	}
	s.ids[id] = time.Now().Add(ttl)
	return nil
}

func (s *MemoryStore) Consume(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.ids[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.ids, id)
	if time.Now().After(exp) {
		return ErrNotFound
	}
	return nil
}

func (s *MemoryStore) cleanupLoop() {
	for {
		select {
		case <-s.cleanup.C:
			s.cleanupExpired()
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) cleanupExpired() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, exp := range s.ids {
		if now.After(exp) {
			delete(s.ids, id)
		}
	}
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (s *MemoryStore) Close() {
	s.once.Do(func() {
		s.cleanup.Stop()
		close(s.done)
	})
}

// Len returns the number of tracked ids.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
