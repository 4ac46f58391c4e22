package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Factory builds a fresh agent bound to session.
type Factory func(ctx context.Context, session *Session) (*Agent, error)

// Supervisor keeps one agent alive and replaces it whenever the agent asks
// to be reloaded. The replacement reuses the session, so its HELLO reports
// fromReload and the reload budget carries over.
type Supervisor struct {
	factory Factory
	session *Session
	logger  logrus.FieldLogger

	mu      sync.RWMutex
	current *Agent
	started int
}

func NewSupervisor(factory Factory, session *Session, logger logrus.FieldLogger) *Supervisor {
	if session == nil {
		session = NewSession()
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Supervisor{factory: factory, session: session, logger: logger.WithField("component", "supervisor")}
}

// Current returns the live agent, or nil between reloads.
func (s *Supervisor) Current() *Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Generations counts the agents started so far.
func (s *Supervisor) Generations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// Run blocks until ctx is done or an agent fails to start.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		agent, err := s.factory(ctx, s.session)
		if err != nil {
			return fmt.Errorf("create worker agent: %w", err)
		}
		if err := agent.Start(ctx); err != nil {
			agent.Close()
			return fmt.Errorf("start worker agent: %w", err)
		}
		s.mu.Lock()
		s.current = agent
		s.started++
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			s.retire(agent)
			return nil
		case reason := <-agent.ReloadRequested():
			s.logger.WithFields(logrus.Fields{
				"worker_id":    agent.ID(),
				"reason":       reason,
				"reload_count": s.session.ReloadCount(),
			}).Warn("reloading worker")
			s.retire(agent)
		}
	}
}

func (s *Supervisor) retire(agent *Agent) {
	s.mu.Lock()
	if s.current == agent {
		s.current = nil
	}
	s.mu.Unlock()
	agent.Close()
}
