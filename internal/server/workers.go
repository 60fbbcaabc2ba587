package server

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// AgentSyncInterval is how often the registry is written to the store.
const AgentSyncInterval = time.Minute

// StartWorkers launches all background goroutines. Call with a cancellable
// context for graceful shutdown.
func (s *Server) StartWorkers(ctx context.Context) {
	if s.store != nil {
		go s.runAgentSync(ctx)
	}
}

// --- Agent Sync Worker ---

// runAgentSync periodically persists agent profiles so last-seen times and
// trust changes made by the scheduler survive a restart. A final sync runs
// on shutdown.
func (s *Server) runAgentSync(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.syncAgents()
			return
		case <-time.After(AgentSyncInterval):
			if n := s.syncAgents(); n > 0 {
				s.log.Debug("agents synced", zap.Int("agents", n))
			}
		}
	}
}

// syncAgents writes every registered agent to the store and returns how many
// were saved.
func (s *Server) syncAgents() int {
	if s.store == nil {
		return 0
	}
	saved := 0
	for _, a := range s.agents.List() {
		if err := s.store.SaveAgent(a); err != nil {
			s.log.Warn("save agent", zap.String("paw", a.Paw), zap.Error(err))
			continue
		}
		saved++
	}
	return saved
}
