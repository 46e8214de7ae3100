package service

import (
	"log"
	"sync"
	"time"
)

// SessionExpirer tears a user's collaborative state down once their
// reconnection window has lapsed.
type SessionExpirer interface {
	ExpireUser(userID string)
}

// RecoveryService runs the reconnection state machine. A disconnect does not
// expire a user immediately: they keep their call and project seats for a
// grace window and resume in place if they come back in time. Only when the
// window lapses is the session torn down.
type RecoveryService struct {
	mu      sync.Mutex
	pending map[string]*time.Timer

	expirer SessionExpirer
	window  time.Duration
}

// NewRecoveryService builds the observer. The window is the sum of the
// receive timeout (how long until the server notices silence) and the
// reconnect timeout (how long a noticed-absent user may stay absent).
func NewRecoveryService(expirer SessionExpirer, receiveTimeout, reconnectTimeout time.Duration) *RecoveryService {
	return &RecoveryService{
		pending: make(map[string]*time.Timer),
		expirer: expirer,
		window:  receiveTimeout + reconnectTimeout,
	}
}

// UserConnected cancels a pending expiry. A user who bounces back inside the
// window resumes with everything intact.
func (s *RecoveryService) UserConnected(userID string) {
	s.mu.Lock()
	timer, ok := s.pending[userID]
	if ok {
		delete(s.pending, userID)
	}
	s.mu.Unlock()

	if ok {
		timer.Stop()
		log.Printf("[recovery] user %s reconnected within window", userID)
	}
}

// UserDisconnected arms the expiry timer for a user who just dropped.
func (s *RecoveryService) UserDisconnected(userID string) {
	s.mu.Lock()
	if timer, ok := s.pending[userID]; ok {
		timer.Stop()
	}
	s.pending[userID] = time.AfterFunc(s.window, func() {
		s.expire(userID)
	})
	s.mu.Unlock()
}

// ExpireNow forces a user's window closed, for tests and forced teardown.
func (s *RecoveryService) ExpireNow(userID string) {
	s.mu.Lock()
	timer, ok := s.pending[userID]
	if ok {
		delete(s.pending, userID)
	}
	s.mu.Unlock()

	if ok {
		timer.Stop()
		s.expirer.ExpireUser(userID)
	}
}

// HasPendingWindow reports whether a user is inside their reconnection
// window.
func (s *RecoveryService) HasPendingWindow(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[userID]
	return ok
}

func (s *RecoveryService) expire(userID string) {
	s.mu.Lock()
	_, ok := s.pending[userID]
	if ok {
		delete(s.pending, userID)
	}
	s.mu.Unlock()

	if ok {
		log.Printf("[recovery] user %s did not reconnect, expiring session", userID)
		s.expirer.ExpireUser(userID)
	}
}
