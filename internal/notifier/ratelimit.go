package notifier

import (
	"sync"
	"time"

	"fleetrun/internal/model"
)

// windowLimiter keeps, per policy id, the send times inside the policy's
// rolling window.
type windowLimiter struct {
	mu   sync.Mutex
	hits map[string][]time.Time
}

func newWindowLimiter() *windowLimiter {
	return &windowLimiter{hits: map[string][]time.Time{}}
}

// allow records a send for id at now if the policy is under quota.
func (l *windowLimiter) allow(id string, rl model.RateLimit, now time.Time) bool {
	if rl.Max <= 0 || rl.Window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-rl.Window)
	kept := l.hits[id][:0]
	for _, t := range l.hits[id] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= rl.Max {
		l.hits[id] = kept
		return false
	}
	l.hits[id] = append(kept, now)
	return true
}

// retain drops counters of policies not in keep.
func (l *windowLimiter) retain(keep map[string]struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id := range l.hits {
		if _, ok := keep[id]; !ok {
			delete(l.hits, id)
		}
	}
}

func (l *windowLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}
