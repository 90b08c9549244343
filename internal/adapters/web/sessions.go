package web

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/based-aa/aa-minter/internal/core/service"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const sessionCookie = "aa_minter_session"

const (
	DefaultSessionTTL  = 30 * time.Minute
	DefaultMaxSessions = 10000
)

// ErrTooManySessions is returned when the session table is full of live
// sessions.
var ErrTooManySessions = errors.New("too many active sessions")

// ControllerFactory builds the controller for a new browser session.
type ControllerFactory func() *service.Controller

type session struct {
	ctrl     *service.Controller
	lastSeen time.Time
	// conns counts open websockets; a session with one is never evicted.
	conns int
}

// Sessions maps browser session cookies to controllers. Sessions are only
// created by Create; an idle one is evicted after ttl.
type Sessions struct {
	factory ControllerFactory
	ttl     time.Duration
	max     int
	now     func() time.Time
	log     zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

func NewSessions(factory ControllerFactory, ttl time.Duration, maxSessions int, log zerolog.Logger) *Sessions {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	return &Sessions{
		factory:  factory,
		ttl:      ttl,
		max:      maxSessions,
		now:      time.Now,
		log:      log,
		sessions: make(map[string]*session),
	}
}

// Get returns the controller of the request's session, or nil when the
// request carries no known session cookie.
func (s *Sessions) Get(r *http.Request) *service.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.lookupLocked(r); sess != nil {
		return sess.ctrl
	}
	return nil
}

// Create returns the request's controller, starting a new session and
// setting its cookie on w when there is none.
func (s *Sessions) Create(w http.ResponseWriter, r *http.Request) (*service.Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess := s.lookupLocked(r); sess != nil {
		return sess.ctrl, nil
	}
	if len(s.sessions) >= s.max {
		s.sweepLocked()
		if len(s.sessions) >= s.max {
			return nil, ErrTooManySessions
		}
	}

	id := uuid.NewString()
	sess := &session{ctrl: s.factory(), lastSeen: s.now()}
	s.sessions[id] = sess
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return sess.ctrl, nil
}

// Attach pins the request's session for the lifetime of a websocket. The
// returned func releases it. It returns nil, nil without a session.
func (s *Sessions) Attach(r *http.Request) (*service.Controller, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.lookupLocked(r)
	if sess == nil {
		return nil, nil
	}
	sess.conns++
	return sess.ctrl, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		sess.conns--
		sess.lastSeen = s.now()
	}
}

func (s *Sessions) lookupLocked(r *http.Request) *session {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return nil
	}
	sess, ok := s.sessions[c.Value]
	if !ok {
		return nil
	}
	sess.lastSeen = s.now()
	return sess
}

// Sweep evicts sessions unseen for longer than the ttl that have no open
// websocket and no action in flight. It returns how many were evicted.
func (s *Sessions) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked()
}

func (s *Sessions) sweepLocked() int {
	cutoff := s.now().Add(-s.ttl)
	evicted := 0
	for id, sess := range s.sessions {
		if sess.conns > 0 || sess.lastSeen.After(cutoff) || sess.ctrl.Snapshot().Busy {
			continue
		}
		delete(s.sessions, id)
		evicted++
	}
	if evicted > 0 {
		s.log.Debug().Int("evicted", evicted).Int("remaining", len(s.sessions)).Msg("swept idle sessions")
	}
	return evicted
}

// Run sweeps periodically until ctx is done.
func (s *Sessions) Run(ctx context.Context) {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
