package engine

import (
	"sync"
	"time"
)

// circuitState tracks consecutive failures for one task name.
//
// On success failures reset and the circuit closes. Once failures reach the
// trip count the circuit opens for an exponentially growing cooldown.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuitState
}

// get must be called with mu held.
func (s *circuitStore) get(name string) *circuitState {
	if s.m == nil {
		s.m = make(map[string]*circuitState)
	}
	st := s.m[name]
	if st == nil {
		st = &circuitState{}
		s.m[name] = st
	}
	return st
}

func (st *circuitState) maybeReset(now time.Time, resetAfter time.Duration) {
	if !st.lastFailure.IsZero() && resetAfter > 0 && now.Sub(st.lastFailure) > resetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

func (s *Service) circuitIsOpen(now time.Time, name string, cfg Config) (bool, time.Time) {
	if cfg.CircuitTripFailures < 0 {
		return false, time.Time{}
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	st := s.circuits.get(name)
	st.maybeReset(now, cfg.CircuitResetAfter)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

func (s *Service) circuitRecordResult(now time.Time, name string, cfg Config, err error) {
	if cfg.CircuitTripFailures < 0 {
		return
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	st := s.circuits.get(name)
	st.maybeReset(now, cfg.CircuitResetAfter)

	if err == nil {
		*st = circuitState{}
		return
	}
	st.fails++
	st.lastFailure = now
	if st.fails < cfg.CircuitTripFailures {
		return
	}

	d := cfg.CircuitBaseDelay
	for i := 0; i < st.fails-cfg.CircuitTripFailures && d < cfg.CircuitMaxDelay; i++ {
		d *= 2
	}
	st.openUntil = now.Add(min(d, cfg.CircuitMaxDelay))
}

func (s *Service) circuitSnapshot(now time.Time, cfg Config) (total, open int) {
	if cfg.CircuitTripFailures < 0 {
		return 0, 0
	}
	s.circuits.mu.Lock()
	defer s.circuits.mu.Unlock()
	total = len(s.circuits.m)
	for _, st := range s.circuits.m {
		if !st.openUntil.IsZero() && now.Before(st.openUntil) {
			open++
		}
	}
	return total, open
}
