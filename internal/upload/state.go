package upload

import (
	"sort"
	"sync"
	"time"
)

// State is the backend-selection memory shared by every upload through one
// broker: the sticky backend index and per-backend cooldowns. Concurrent
// uploads may race on it; the worst case is a redundant probe.
type State struct {
	mu          sync.Mutex
	sticky      int
	unavailable map[string]time.Time
	now         func() time.Time
}

func NewState(now func() time.Time) *State {
	if now == nil {
		now = time.Now
	}
	return &State{unavailable: map[string]time.Time{}, now: now}
}

// Sticky is the index of the last backend that succeeded.
func (s *State) Sticky() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sticky
}

func (s *State) setSticky(i int) {
	s.mu.Lock()
	s.sticky = i
	s.mu.Unlock()
}

func (s *State) markUnavailable(name string, cooldown time.Duration) {
	s.mu.Lock()
	s.unavailable[name] = s.now().Add(cooldown)
	s.mu.Unlock()
}

// Available reports whether name is out of cooldown, clearing expired marks.
func (s *State) Available(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.unavailable[name]
	if !ok {
		return true
	}
	if !s.now().Before(until) {
		delete(s.unavailable, name)
		return true
	}
	return false
}

// Unavailable lists the backends currently cooling down.
func (s *State) Unavailable() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []string
	for name, until := range s.unavailable {
		if now.Before(until) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
