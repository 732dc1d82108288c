package api

import (
	"sync"
	"time"
)

// nonceCleanupThreshold triggers housekeeping when the store grows past
// this many entries.
const nonceCleanupThreshold = 10000

// NonceStore remembers signature nonces for the replay window.
type NonceStore struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
	now  func() time.Time
}

// NewNonceStore creates a store with the given replay window.
func NewNonceStore(ttl time.Duration) *NonceStore {
	return &NonceStore{
		ttl:  ttl,
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// Remember records a nonce. Returns false if it was already seen inside
// the window, which means a replay.
func (s *NonceStore) Remember(nonce string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if expiry, ok := s.seen[nonce]; ok && now.Before(expiry) {
		return false
	}
	s.seen[nonce] = now.Add(s.ttl)

	if len(s.seen) > nonceCleanupThreshold {
		for n, expiry := range s.seen {
			if !now.Before(expiry) {
				delete(s.seen, n)
			}
		}
	}
	return true
}

// Len returns the number of stored nonces, expired ones included.
func (s *NonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
