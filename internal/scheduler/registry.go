package scheduler

import (
	"fmt"
)

// Register adds an unbound session.
func (s *Scheduler) Register(id SessionID, cfg SessionConfig, cb Callbacks) error {
	if cb == nil {
		return fmt.Errorf("register %s: %w: nil callbacks", id, ErrInvalidConfig)
	}
	if err := cfg.validate(); err != nil {
		return fmt.Errorf("register %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.lookup(id) != nil {
		return fmt.Errorf("register %s: %w", id, ErrDuplicateSession)
	}
	s.sessions = append(s.sessions, newSession(id, cfg, cb))
	s.logger.Debug("session registered", "session", id, "cores", cfg.Cores, "secure", cfg.Secure)
	s.emit(EventRegister, id, NoSlot, "")
	return nil
}

// Unregister removes a session, first purging it from the pending queue
// and tearing down its slot if it holds one.
func (s *Scheduler) Unregister(id SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	ss := s.lookup(id)
	if ss == nil {
		return fmt.Errorf("unregister %s: %w", id, ErrUnknownSession)
	}

	s.purgePending(ss)
	s.stopSession(ss)

	for i, e := range s.sessions {
		if e == ss {
			s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)
			break
		}
	}
	s.logger.Debug("session unregistered", "session", id)
	s.emit(EventUnregister, id, NoSlot, "")
	return nil
}

// Lookup returns a snapshot of a registered session.
func (s *Scheduler) Lookup(id SessionID) (SessionInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ss := s.lookup(id)
	if ss == nil {
		return SessionInfo{}, false
	}
	return ss.info(), true
}

// purgePending removes every pending-queue occurrence of ss.
func (s *Scheduler) purgePending(ss *session) {
	n := s.pending.RemoveAll(ss)
	ss.enqueues -= n
	if ss.enqueues < 0 {
		ss.enqueues = 0
	}
}
