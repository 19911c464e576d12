package session

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrNoSession      = errors.New("no session for user")
	ErrRegistryClosed = errors.New("registry closed")
)

// Registry holds the live sessions of the daemon, one per user.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	deps     Deps
}

func NewRegistry(deps Deps) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		deps:     deps,
	}
}

// SignIn returns the user's session, starting one if needed. The session is
// built without holding the registry lock; when two sign-ins for the same
// user race, the first one stored wins and the other is stopped.
func (r *Registry) SignIn(ctx context.Context, userID string) (*Session, error) {
	if s, err := r.Get(userID); err == nil {
		return s, nil
	}

	s, err := SignIn(ctx, userID, r.deps)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	existing, ok := r.sessions[userID]
	closed := r.closed
	if !ok && !closed {
		r.sessions[userID] = s
	}
	r.mu.Unlock()

	switch {
	case closed:
		s.SignOut()
		return nil, ErrRegistryClosed
	case ok:
		if err := s.SignOut(); err != nil {
			s.log.Warn("stop duplicate session", zap.Error(err))
		}
		return existing, nil
	}
	return s, nil
}

func (r *Registry) Get(userID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	if !ok {
		return nil, ErrNoSession
	}
	return s, nil
}

func (r *Registry) SignOut(userID string) error {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	delete(r.sessions, userID)
	r.mu.Unlock()
	if !ok {
		return ErrNoSession
	}
	return s.SignOut()
}

// Len is the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close signs everyone out.
func (r *Registry) Close() error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.SignOut(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
