package worker

import (
	"sync"
	"time"

	"tabrelay/internal/domain"
)

// Session holds state that survives an agent reload but not a process
// restart: the reload counter, the last reload time and the from-reload flag.
type Session struct {
	mu           sync.Mutex
	reloadCount  int
	lastReloadAt time.Time
	fromReload   bool
}

func NewSession() *Session {
	return &Session{}
}

// ClaimReload applies the self-heal policy at now. When a reload is allowed
// it is recorded and ClaimReload returns true.
func (s *Session) ClaimReload(now time.Time, cfg domain.WorkerConfig) bool {
	if !cfg.AutoReloadOnError {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reloadCount >= cfg.MaxReloadPerSession {
		return false
	}
	if !s.lastReloadAt.IsZero() && now.Sub(s.lastReloadAt) < cfg.ReloadCooldown() {
		return false
	}
	s.reloadCount++
	s.lastReloadAt = now
	s.fromReload = true
	return true
}

// ConsumeFromReload reports whether the current agent was started by a
// reload and clears the flag.
func (s *Session) ConsumeFromReload() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.fromReload
	s.fromReload = false
	return v
}

func (s *Session) ReloadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadCount
}

func (s *Session) LastReloadAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReloadAt
}
