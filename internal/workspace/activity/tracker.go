// Package activity tracks per-user last-touch timestamps for the idle
// reaper. Idle age is derived from the monotonic clock carried by
// time.Time, so wall-clock jumps never reap a busy user.
package activity

import (
	"sync"
	"time"
)

// Tracker maps user ids to their last-touch instant.
type Tracker struct {
	mu   sync.RWMutex
	last map[int64]time.Time
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{last: make(map[int64]time.Time)}
}

// Touch records activity for a user now.
func (t *Tracker) Touch(userID int64) {
	t.mu.Lock()
	t.last[userID] = time.Now()
	t.mu.Unlock()
}

// TouchAt records activity for a user at a specific instant.
func (t *Tracker) TouchAt(userID int64, at time.Time) {
	t.mu.Lock()
	t.last[userID] = at
	t.mu.Unlock()
}

// IdleFor returns how long the user has been idle and whether the user is
// known at all.
func (t *Tracker) IdleFor(userID int64) (time.Duration, bool) {
	t.mu.RLock()
	last, ok := t.last[userID]
	t.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return time.Since(last), true
}

// Snapshot returns the idle duration for every tracked user.
func (t *Tracker) Snapshot() map[int64]time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := make(map[int64]time.Duration, len(t.last))
	for userID, last := range t.last {
		snap[userID] = time.Since(last)
	}
	return snap
}

// Forget drops a user from the tracker (container stopped or workspace
// removed).
func (t *Tracker) Forget(userID int64) {
	t.mu.Lock()
	delete(t.last, userID)
	t.mu.Unlock()
}

// Count returns the number of tracked users.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.last)
}
