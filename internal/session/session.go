// Package session binds one open document to its backend connection.
//
// A Session forwards document edits as fire-and-forget messages, fetches
// completions through a request correlator, and routes inbound backend
// messages. Completion requests from the editor go through the session's
// scheduler, which throttles them before they reach FetchCompletions.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/matthewbaird/nbcopilot/internal/conn"
	"github.com/matthewbaird/nbcopilot/internal/correlate"
	"github.com/matthewbaird/nbcopilot/internal/logging"
	"github.com/matthewbaird/nbcopilot/internal/metrics"
	"github.com/matthewbaird/nbcopilot/internal/scheduler"
	"github.com/matthewbaird/nbcopilot/internal/wire"
)

// ErrSessionDisposed rejects every operation on a closed session, including
// completion requests that were pending when it closed.
var ErrSessionDisposed = errors.New("session: disposed")

// Subscription is a cell-change listener owned by the session.
type Subscription interface {
	Cancel()
}

// SubscriptionFunc adapts a plain function to Subscription.
type SubscriptionFunc func()

// Cancel calls f.
func (f SubscriptionFunc) Cancel() { f() }

// Options configures a Session.
type Options struct {
	Conn           conn.Options
	RequestTimeout time.Duration
	Scheduler      scheduler.Options

	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Session is the client side of one document's backend session.
type Session struct {
	ID        string
	CreatedAt time.Time

	conn  *conn.Manager
	corr  *correlate.Correlator
	sched *scheduler.Scheduler
	log   logrus.FieldLogger

	mu           sync.Mutex
	path         string
	sub          Subscription
	lastActiveAt time.Time
	disposed     bool

	dispatched chan struct{}
}

// Open dials the backend for opts.Conn.Path and returns immediately; the
// connection comes up in the background. The session lives until Close or
// until ctx is cancelled.
func Open(ctx context.Context, opts Options) (*Session, error) {
	log := logging.OrDiscard(opts.Logger)
	m := metrics.OrNew(opts.Metrics)
	if opts.Conn.Logger == nil {
		opts.Conn.Logger = log
	}
	if opts.Conn.Metrics == nil {
		opts.Conn.Metrics = m
	}

	cm, err := conn.Dial(ctx, opts.Conn)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	now := time.Now()
	s := &Session{
		ID:           uuid.New().String(),
		CreatedAt:    now,
		conn:         cm,
		log:          log.WithField("document", opts.Conn.Path),
		path:         opts.Conn.Path,
		lastActiveAt: now,
		dispatched:   make(chan struct{}),
	}
	s.corr = correlate.New(cm, correlate.Options{
		Timeout: opts.RequestTimeout,
		Logger:  s.log,
		Metrics: m,
	})

	schedOpts := opts.Scheduler
	if schedOpts.Logger == nil {
		schedOpts.Logger = s.log
	}
	if schedOpts.Metrics == nil {
		schedOpts.Metrics = m
	}
	s.sched = scheduler.New(s, schedOpts)

	go s.dispatch()
	return s, nil
}

// Path returns the document path the session currently reports.
func (s *Session) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Disposed reports whether Close has been called.
func (s *Session) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// State reports the underlying connection state.
func (s *Session) State() conn.State { return s.conn.State() }

// LastActiveAt is the time of the most recent operation on the session.
func (s *Session) LastActiveAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActiveAt
}

// CellUpdate reports new content for an existing cell.
func (s *Session) CellUpdate(ctx context.Context, cell int, content string) error {
	return s.send(ctx, wire.CellUpdate{CellID: cell, Content: content})
}

// CellAdd reports a cell inserted at index cell.
func (s *Session) CellAdd(ctx context.Context, cell int, content string) error {
	return s.send(ctx, wire.CellAdd{CellID: cell, Content: content})
}

// CellDelete reports the removal of the cell at index cell.
func (s *Session) CellDelete(ctx context.Context, cell int) error {
	return s.send(ctx, wire.CellDelete{CellID: cell})
}

// PathChanged reports a rename. Later reconnects use the new path.
func (s *Session) PathChanged(ctx context.Context, newPath string) error {
	if err := s.send(ctx, wire.ChangePath{NewPath: newPath}); err != nil && !errors.Is(err, conn.ErrQueueFull) {
		return err
	}
	s.mu.Lock()
	s.path = newPath
	s.mu.Unlock()
	s.conn.SetPath(newPath)
	return nil
}

// LanguageSet reports the document's language.
func (s *Session) LanguageSet(ctx context.Context, language string) error {
	return s.send(ctx, wire.SetLanguage{Language: language})
}

// RefreshBackendVersion asks the backend to bump its document version.
func (s *Session) RefreshBackendVersion(ctx context.Context) error {
	return s.send(ctx, wire.UpdateLSPVersion{})
}

// FetchCompletions performs one correlated completion round trip. The
// version refresh goes out ahead of the request so the backend completes
// against the latest text. With no open socket the request fails fast, and
// the refresh is skipped rather than queued.
func (s *Session) FetchCompletions(ctx context.Context, cell, line, column int) ([]wire.CompletionItem, error) {
	if s.conn.State() == conn.StateOpen {
		if err := s.RefreshBackendVersion(ctx); err != nil && !errors.Is(err, conn.ErrQueueFull) {
			return nil, err
		}
	}

	f, err := s.corr.Correlate(ctx, CompletionRequest{Cell: cell, Line: line, Character: column}, 0)
	if err != nil {
		return nil, s.disposedOr(err)
	}
	reply, err := f.Wait(ctx)
	if err != nil {
		return nil, s.disposedOr(err)
	}
	c, ok := reply.(*wire.Completion)
	if !ok {
		return nil, fmt.Errorf("session: unexpected reply %T", reply)
	}
	return c.Completions, nil
}

// Complete runs intent through the session's scheduler.
func (s *Session) Complete(ctx context.Context, intent scheduler.Intent) []scheduler.Item {
	return s.sched.Request(ctx, intent)
}

// BindCell makes sub the session's current-cell subscription, cancelling the
// previous one. Binding to a closed session cancels sub straight away.
func (s *Session) BindCell(sub Subscription) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		if sub != nil {
			sub.Cancel()
		}
		return
	}
	prev := s.sub
	s.sub = sub
	s.mu.Unlock()

	if prev != nil {
		prev.Cancel()
	}
}

// Close tears the session down. Pending completion requests are rejected
// with ErrSessionDisposed and no further traffic is sent. Close is
// idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	s.sched.Close()
	s.corr.Abandon(ErrSessionDisposed)
	if sub != nil {
		sub.Cancel()
	}
	err := s.conn.Close()
	<-s.dispatched
	s.log.Debug("session closed")
	return err
}

func (s *Session) send(ctx context.Context, msg wire.Message) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrSessionDisposed
	}
	s.lastActiveAt = time.Now()
	s.mu.Unlock()

	err := s.conn.Send(ctx, msg)
	if errors.Is(err, conn.ErrQueueFull) {
		s.log.WithField("type", msg.MessageType()).Warn("send queue full, dropped oldest edit")
	}
	return s.disposedOr(err)
}

// disposedOr maps errors caused by a concurrent Close to ErrSessionDisposed.
func (s *Session) disposedOr(err error) error {
	if err == nil {
		return nil
	}
	s.mu.Lock()
	disposed := s.disposed
	s.mu.Unlock()
	if disposed && !errors.Is(err, ErrSessionDisposed) {
		return fmt.Errorf("%w: %v", ErrSessionDisposed, err)
	}
	return err
}

// dispatch routes inbound messages until the connection closes.
func (s *Session) dispatch() {
	defer close(s.dispatched)
	defer s.corr.Abandon(ErrSessionDisposed)

	for msg := range s.conn.Inbound() {
		switch m := msg.(type) {
		case *wire.Completion:
			s.corr.Deliver(m)
		case *wire.SyncResponse:
			s.log.WithField("bytes", len(m.Code)).Debug("backend synced")
		case *wire.LSPUpdate:
			s.log.WithField("bytes", len(m.Code)).Debug("backend document updated")
		case *wire.ConnectionEstablished:
			s.log.Info("backend connection established")
		default:
			s.log.WithField("type", msg.MessageType()).Warn("unhandled backend message")
		}
	}
}

// CompletionRequest is a get_completion awaiting correlation.
type CompletionRequest struct {
	Cell      int
	Line      int
	Character int
}

// Key implements correlate.Request.
func (r CompletionRequest) Key() string {
	return fmt.Sprintf("%d-%d-%d", r.Cell, r.Line, r.Character)
}

// WithID implements correlate.Request.
func (r CompletionRequest) WithID(id string) wire.Message {
	return wire.GetCompletion{ReqID: id, CellID: r.Cell, Line: r.Line, Character: r.Character}
}
