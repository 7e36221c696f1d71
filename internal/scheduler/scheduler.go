// Package scheduler turns the keystroke-rate stream of completion requests
// into a low-rate stream of backend fetches.
//
// A call that arrives while a fetch is in flight, or within the throttle
// window of the previous call, is parked behind a debounce timer. Parking a
// call resolves the previously parked one to an empty result, so in a burst
// only the last call reaches the backend and every caller still gets an
// answer.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matthewbaird/nbcopilot/internal/conn"
	"github.com/matthewbaird/nbcopilot/internal/correlate"
	"github.com/matthewbaird/nbcopilot/internal/logging"
	"github.com/matthewbaird/nbcopilot/internal/metrics"
	"github.com/matthewbaird/nbcopilot/internal/wire"
)

const (
	DefaultThrottle = 150 * time.Millisecond
	DefaultDebounce = 200 * time.Millisecond
)

// Intent is a cursor position, 0-based, inside a cell.
type Intent struct {
	Cell   int
	Line   int
	Column int
}

// Item is a suggestion ready for inline rendering.
type Item struct {
	InsertText string `json:"insertText"`
}

// Fetcher performs the real backend round trip.
type Fetcher interface {
	FetchCompletions(ctx context.Context, cell, line, column int) ([]wire.CompletionItem, error)
}

// Gate is consulted on every call; a closed gate short-circuits to empty.
type Gate interface {
	CompletionsEnabled() bool
}

// Options configures a Scheduler.
type Options struct {
	Throttle time.Duration
	Debounce time.Duration
	Gate     Gate
	Clock    Clock
	Logger   logrus.FieldLogger
	Metrics  *metrics.Metrics
}

// Scheduler admits completion requests for one document.
type Scheduler struct {
	fetcher  Fetcher
	throttle time.Duration
	debounce time.Duration
	gate     Gate
	clock    Clock
	log      logrus.FieldLogger
	metrics  *metrics.Metrics

	mu            sync.Mutex
	lastRequestAt time.Time
	inFlight      bool
	fetchSeq      uint64 // identifies the fetch that owns inFlight
	pending       *waiter
	timer         Timer
	due           bool // pending's debounce elapsed while a fetch was running
	closed        bool
}

// New creates a Scheduler in front of fetcher.
func New(fetcher Fetcher, opts Options) *Scheduler {
	if opts.Throttle <= 0 {
		opts.Throttle = DefaultThrottle
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	return &Scheduler{
		fetcher:  fetcher,
		throttle: opts.Throttle,
		debounce: opts.Debounce,
		gate:     opts.Gate,
		clock:    opts.Clock,
		log:      logging.OrDiscard(opts.Logger),
		metrics:  metrics.OrNew(opts.Metrics),
	}
}

// Request returns suggestions for intent. It never returns an error: fetch
// failures, supersession, cancellation and disposal all yield an empty slice.
func (s *Scheduler) Request(ctx context.Context, intent Intent) []Item {
	s.metrics.CompletionRequests.Inc()
	if s.gate != nil && !s.gate.CompletionsEnabled() {
		return nil
	}

	now := s.clock.Now()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	rapid := s.inFlight || now.Sub(s.lastRequestAt) < s.throttle
	s.lastRequestAt = now

	if !rapid {
		seq := s.beginLocked()
		s.mu.Unlock()
		return s.fetch(ctx, intent, seq)
	}

	if s.pending != nil {
		s.pending.resolve(nil)
		s.metrics.CompletionSuperseded.Inc()
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	w := newWaiter(ctx, intent)
	s.pending = w
	s.due = false
	s.timer = s.clock.AfterFunc(s.debounce, func() { s.fire(w) })
	s.mu.Unlock()

	select {
	case items := <-w.result:
		return items
	case <-ctx.Done():
		s.release(w)
		return nil
	}
}

// Close resolves the parked call, if any, and makes every later call return
// empty immediately.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	w := s.pending
	s.pending = nil
	s.due = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	if w != nil {
		w.resolve(nil)
	}
}

// fire runs when w's debounce timer elapses without being superseded. If a
// fetch is still running, w is marked due and starts when that fetch ends.
func (s *Scheduler) fire(w *waiter) {
	s.mu.Lock()
	if s.pending != w || s.closed {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	if s.inFlight {
		s.due = true
		s.mu.Unlock()
		return
	}
	s.pending = nil
	seq := s.beginLocked()
	s.mu.Unlock()

	s.run(w, seq)
}

func (s *Scheduler) run(w *waiter, seq uint64) {
	w.resolve(s.fetch(w.ctx, w.intent, seq))
}

// beginLocked marks a fetch in flight and returns its sequence number.
func (s *Scheduler) beginLocked() uint64 {
	s.inFlight = true
	s.fetchSeq++
	s.lastRequestAt = s.clock.Now()
	return s.fetchSeq
}

// finish clears inFlight for fetch seq and starts the parked call if its
// debounce already elapsed.
func (s *Scheduler) finish(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchSeq != seq {
		return
	}
	s.inFlight = false
	if !s.due || s.pending == nil || s.closed {
		return
	}
	w := s.pending
	s.pending = nil
	s.due = false
	next := s.beginLocked()
	go s.run(w, next)
}

// release clears the parked slot if w still holds it.
func (s *Scheduler) release(w *waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != w {
		return
	}
	s.pending = nil
	s.due = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) fetch(ctx context.Context, intent Intent, seq uint64) []Item {
	defer s.finish(seq)

	s.metrics.CompletionFetches.Inc()
	start := time.Now()
	raw, err := s.fetcher.FetchCompletions(ctx, intent.Cell, intent.Line, intent.Column)
	s.metrics.FetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		reason := failureReason(err)
		s.metrics.CompletionErrors.WithLabelValues(reason).Inc()
		s.log.WithError(err).WithField("reason", reason).Debug("completion fetch failed")
		return nil
	}

	items := make([]Item, 0, len(raw))
	for _, c := range raw {
		items = append(items, Item{InsertText: wire.StripFences(c.DisplayText)})
	}
	return items
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, correlate.ErrTimedOut):
		return "timeout"
	case errors.Is(err, conn.ErrNotConnected), errors.Is(err, conn.ErrClosed):
		return "not_connected"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}

// waiter is a parked call. Its result channel holds one value, so resolve is
// a no-op after the first call.
type waiter struct {
	ctx    context.Context
	intent Intent
	result chan []Item
}

func newWaiter(ctx context.Context, intent Intent) *waiter {
	return &waiter{ctx: ctx, intent: intent, result: make(chan []Item, 1)}
}

func (w *waiter) resolve(items []Item) {
	select {
	case w.result <- items:
	default:
	}
}
