package orchestrator

import (
	"context"
	"sync"
)

// inflightSet tracks the at-most-one active turn per project and holds its
// cancellation handle. There is no queueing; a second turn is rejected while
// the first runs.
type inflightSet struct {
	mu    sync.Mutex
	turns map[string]context.CancelFunc
}

func newInflightSet() *inflightSet {
	return &inflightSet{turns: make(map[string]context.CancelFunc)}
}

// register claims the project's turn slot. Returns false when a turn is
// already in flight.
func (s *inflightSet) register(projectID string, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.turns[projectID]; busy {
		return false
	}
	s.turns[projectID] = cancel
	return true
}

// release frees the project's slot. Only the turn that registered calls it.
func (s *inflightSet) release(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.turns, projectID)
}

// cancel cancels the project's active turn, if any, and reports whether one
// was running. The slot stays claimed until the turn itself releases it.
func (s *inflightSet) cancel(projectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancelFn, ok := s.turns[projectID]
	if !ok {
		return false
	}
	cancelFn()
	return true
}
