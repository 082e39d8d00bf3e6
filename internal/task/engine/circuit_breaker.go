package engine

import (
	"sync"
	"time"
)

// circuitState tracks consecutive connection errors for one target.
//
// On a reachable result the failures reset and the circuit closes. Once
// failures >= trip, the circuit opens for an exponentially increasing cooldown
// and invocations short-circuit to connection_error.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitCfg struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
	enabled    bool
}

func effectiveCircuitCfg(cfg Config) circuitCfg {
	if cfg.CircuitTripFailures < 0 {
		return circuitCfg{}
	}
	trip := cfg.CircuitTripFailures
	if trip == 0 {
		trip = 5
	}
	return circuitCfg{
		trip:       trip,
		baseDelay:  cfg.CircuitBaseDelay,
		maxDelay:   cfg.CircuitMaxDelay,
		resetAfter: cfg.CircuitResetAfter,
		enabled:    true,
	}
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuitState
}

// getLocked returns the state for targetID, creating it. Call with mu held.
func (s *circuitStore) getLocked(targetID string) *circuitState {
	if s.m == nil {
		s.m = make(map[string]*circuitState)
	}
	st := s.m[targetID]
	if st == nil {
		st = &circuitState{}
		s.m[targetID] = st
	}
	return st
}

func (st *circuitState) maybeReset(now time.Time, cc circuitCfg) {
	if !st.lastFailure.IsZero() && cc.resetAfter > 0 && now.Sub(st.lastFailure) > cc.resetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

// isOpen reports whether invocations on targetID should be short-circuited.
func (s *circuitStore) isOpen(now time.Time, targetID string, cc circuitCfg) (bool, time.Time) {
	if !cc.enabled {
		return false, time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getLocked(targetID)
	st.maybeReset(now, cc)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

// record updates the breaker after an invocation. unreachable is true for connection errors.
func (s *circuitStore) record(now time.Time, targetID string, cc circuitCfg, unreachable bool) {
	if !cc.enabled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.getLocked(targetID)
	st.maybeReset(now, cc)

	if !unreachable {
		st.fails = 0
		st.openUntil = time.Time{}
		st.lastFailure = time.Time{}
		return
	}

	st.fails++
	st.lastFailure = now
	if st.fails < cc.trip {
		return
	}

	d := cc.baseDelay
	for i := 0; i < st.fails-cc.trip; i++ {
		d *= 2
		if d >= cc.maxDelay {
			break
		}
	}
	if d > cc.maxDelay {
		d = cc.maxDelay
	}
	st.openUntil = now.Add(d)
}

func (s *circuitStore) snapshot(now time.Time) (total, open int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total = len(s.m)
	for _, st := range s.m {
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
