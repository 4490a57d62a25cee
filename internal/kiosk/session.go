// Package kiosk backs the unattended self-service terminals: PIN-verified
// member sessions with an enforced lifetime. Sessions are the only mutable
// state held outside the relational store, so the store is keyed, bounded
// and swept rather than a grow-only map.
package kiosk

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when kiosks open sessions faster than allowed.
var ErrRateLimited = errors.New("kiosk: session start rate limit exceeded")

type session struct {
	memberID  int64
	expiresAt time.Time
}

// SessionStore maps opaque tokens to member identities for a bounded
// lifetime. Expired tokens fail validation immediately; a background sweep
// reclaims their memory.
type SessionStore struct {
	ttl     time.Duration
	clock   clockwork.Clock
	limiter *rate.Limiter

	mu       sync.RWMutex
	sessions map[string]session

	stop chan struct{}
	once sync.Once
}

// NewSessionStore creates a store issuing tokens valid for ttl. startsPerMin
// bounds session creation across all kiosks; zero or negative disables the
// limit.
func NewSessionStore(ttl time.Duration, startsPerMin int, clock clockwork.Clock) *SessionStore {
	limit, burst := rate.Inf, 0
	if startsPerMin > 0 {
		limit = rate.Every(time.Minute / time.Duration(startsPerMin))
		burst = startsPerMin
	}
	return &SessionStore{
		ttl:      ttl,
		clock:    clock,
		limiter:  rate.NewLimiter(limit, burst),
		sessions: make(map[string]session),
		stop:     make(chan struct{}),
	}
}

// Start issues a fresh token for the member.
func (s *SessionStore) Start(memberID int64) (string, error) {
	if !s.limiter.Allow() {
		return "", ErrRateLimited
	}

	token := uuid.NewString()
	s.mu.Lock()
	s.sessions[token] = session{
		memberID:  memberID,
		expiresAt: s.clock.Now().Add(s.ttl),
	}
	s.mu.Unlock()
	return token, nil
}

// Validate resolves a token to its member id. Expired or unknown tokens
// report false; expired entries are removed on sight.
func (s *SessionStore) Validate(token string) (int64, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[token]
	s.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if !sess.expiresAt.After(s.clock.Now()) {
		s.mu.Lock()
		delete(s.sessions, token)
		s.mu.Unlock()
		return 0, false
	}
	return sess.memberID, true
}

// End invalidates a token, e.g. when the member logs out at the kiosk.
func (s *SessionStore) End(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}

// Len reports the number of stored sessions, expired ones included until the
// next sweep.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep drops all expired sessions and returns how many were removed.
func (s *SessionStore) Sweep() int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for token, sess := range s.sessions {
		if !sess.expiresAt.After(now) {
			delete(s.sessions, token)
			removed++
		}
	}
	return removed
}

// Run sweeps expired sessions every interval until Close is called.
func (s *SessionStore) Run(interval time.Duration) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			s.Sweep()
		case <-s.stop:
			return
		}
	}
}

// Close stops the background sweep.
func (s *SessionStore) Close() {
	s.once.Do(func() { close(s.stop) })
}
