package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned for keys with no open session.
var ErrNotFound = errors.New("session: not found")

// Registry keeps at most one Session per document key.
type Registry struct {
	base Options

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates a Registry whose sessions are opened with base; only
// the document path varies per session.
func NewRegistry(base Options) *Registry {
	return &Registry{
		base:     base,
		sessions: make(map[string]*Session),
	}
}

// Open returns the session for key, opening one for path if none exists.
// A session closed directly by its owner is replaced.
func (r *Registry) Open(ctx context.Context, key, path string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		if !s.Disposed() {
			return s, nil
		}
		delete(r.sessions, key)
	}

	opts := r.base
	opts.Conn.Path = path
	s, err := Open(ctx, opts)
	if err != nil {
		return nil, err
	}
	r.sessions[key] = s
	return s, nil
}

// Get retrieves the live session for key, or nil.
func (r *Registry) Get(key string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[key]; ok && !s.Disposed() {
		return s
	}
	return nil
}

// Len reports the number of open sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Rename moves the session at oldKey to newKey and tells the backend about
// the new path.
func (r *Registry) Rename(ctx context.Context, oldKey, newKey, newPath string) error {
	r.mu.Lock()
	s, ok := r.sessions[oldKey]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, oldKey)
	}
	if _, taken := r.sessions[newKey]; taken && newKey != oldKey {
		r.mu.Unlock()
		return fmt.Errorf("session: rename target %s already open", newKey)
	}
	delete(r.sessions, oldKey)
	r.sessions[newKey] = s
	r.mu.Unlock()

	return s.PathChanged(ctx, newPath)
}

// Close disposes of the session at key.
func (r *Registry) Close(key string) error {
	r.mu.Lock()
	s, ok := r.sessions[key]
	delete(r.sessions, key)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return s.Close()
}

// CloseIdle disposes of sessions with no activity for longer than idle and
// returns how many it closed.
func (r *Registry) CloseIdle(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)
	r.mu.Lock()
	var stale []*Session
	for key, s := range r.sessions {
		if s.LastActiveAt().Before(cutoff) {
			stale = append(stale, s)
			delete(r.sessions, key)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		s.Close()
	}
	return len(stale)
}

// CloseAll disposes of every session.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
