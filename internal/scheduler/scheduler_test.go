package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matthewbaird/nbcopilot/internal/correlate"
	"github.com/matthewbaird/nbcopilot/internal/metrics"
	"github.com/matthewbaird/nbcopilot/internal/wire"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves the clock forward and runs due timers on the calling
// goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

type fakeFetcher struct {
	mu      sync.Mutex
	calls   []Intent
	items   []wire.CompletionItem
	err     error
	started chan struct{}
	block   chan struct{}

	active int
	peak   int
}

func (f *fakeFetcher) FetchCompletions(ctx context.Context, cell, line, column int) ([]wire.CompletionItem, error) {
	f.mu.Lock()
	f.calls = append(f.calls, Intent{Cell: cell, Line: line, Column: column})
	f.active++
	f.peak = max(f.peak, f.active)
	block, started := f.block, f.started
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()
	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		<-block
	}
	return f.items, f.err
}

func (f *fakeFetcher) maxConcurrent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

func (f *fakeFetcher) fetched() []Intent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Intent(nil), f.calls...)
}

type gate bool

func (g gate) CompletionsEnabled() bool { return bool(g) }

// requestAsync starts a call and waits until it is parked.
func requestAsync(t *testing.T, s *Scheduler, intent Intent) <-chan []Item {
	t.Helper()
	out := make(chan []Item, 1)
	go func() { out <- s.Request(context.Background(), intent) }()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.pending != nil && s.pending.intent == intent
	}, time.Second, time.Millisecond)
	return out
}

func receive(t *testing.T, ch <-chan []Item) []Item {
	t.Helper()
	select {
	case items := <-ch:
		return items
	case <-time.After(time.Second):
		t.Fatal("call did not resolve")
		return nil
	}
}

func TestScheduler_BurstOnlyLastCallFetches(t *testing.T) {
	clock := newFakeClock()
	fetcher := &fakeFetcher{items: []wire.CompletionItem{{DisplayText: "```x=1```"}}}
	m := metrics.New()
	s := New(fetcher, Options{Clock: clock, Metrics: m})

	// An earlier keystroke puts the burst inside the throttle window.
	prime := Intent{Cell: 0, Line: 0, Column: 0}
	assert.Equal(t, []Item{{InsertText: "x=1"}}, s.Request(context.Background(), prime))
	clock.Advance(100 * time.Millisecond)

	var results []<-chan []Item
	for i := 0; i < 5; i++ {
		if i > 0 {
			clock.Advance(40 * time.Millisecond)
		}
		results = append(results, requestAsync(t, s, Intent{Cell: 0, Line: 0, Column: i + 1}))
		if i > 0 {
			assert.Empty(t, receive(t, results[i-1]), "call %d must resolve empty once superseded", i-1)
		}
	}
	assert.Len(t, fetcher.fetched(), 1, "superseded calls never reach the backend")

	clock.Advance(199 * time.Millisecond)
	assert.Len(t, fetcher.fetched(), 1)

	clock.Advance(time.Millisecond)
	assert.Equal(t, []Item{{InsertText: "x=1"}}, receive(t, results[4]))
	assert.Equal(t, []Intent{prime, {Cell: 0, Line: 0, Column: 5}}, fetcher.fetched())

	assert.Equal(t, 6.0, testutil.ToFloat64(m.CompletionRequests))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.CompletionSuperseded))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CompletionFetches))
}

func TestScheduler_SpacedCallsFetchImmediately(t *testing.T) {
	clock := newFakeClock()
	fetcher := &fakeFetcher{items: []wire.CompletionItem{{DisplayText: "a"}}}
	s := New(fetcher, Options{Clock: clock})

	for i := 0; i < 3; i++ {
		items := s.Request(context.Background(), Intent{Cell: i})
		assert.Equal(t, []Item{{InsertText: "a"}}, items)
		clock.Advance(DefaultThrottle)
	}
	assert.Len(t, fetcher.fetched(), 3)
}

func TestScheduler_InFlightFetchParksNextCall(t *testing.T) {
	clock := newFakeClock()
	fetcher := &fakeFetcher{
		items:   []wire.CompletionItem{{DisplayText: "b"}},
		started: make(chan struct{}, 4),
		block:   make(chan struct{}),
	}
	s := New(fetcher, Options{Clock: clock})

	first := make(chan []Item, 1)
	go func() { first <- s.Request(context.Background(), Intent{Line: 1}) }()
	<-fetcher.started

	// Well past the throttle window, but a fetch is still running.
	clock.Advance(time.Second)
	second := requestAsync(t, s, Intent{Line: 2})

	close(fetcher.block)
	assert.Equal(t, []Item{{InsertText: "b"}}, receive(t, first))

	clock.Advance(DefaultDebounce)
	<-fetcher.started
	assert.Equal(t, []Item{{InsertText: "b"}}, receive(t, second))
	assert.Equal(t, []Intent{{Line: 1}, {Line: 2}}, fetcher.fetched())
}

func TestScheduler_DebounceWaitsForSlowFetch(t *testing.T) {
	clock := newFakeClock()
	fetcher := &fakeFetcher{
		items:   []wire.CompletionItem{{DisplayText: "c"}},
		started: make(chan struct{}, 4),
		block:   make(chan struct{}),
	}
	s := New(fetcher, Options{Clock: clock})

	first := make(chan []Item, 1)
	go func() { first <- s.Request(context.Background(), Intent{Line: 1}) }()
	<-fetcher.started

	second := requestAsync(t, s, Intent{Line: 2})
	clock.Advance(DefaultDebounce)
	clock.Advance(time.Second)
	assert.Len(t, fetcher.fetched(), 1, "the parked call waits for the running fetch")

	// Still busy, so a spaced-out call parks too and supersedes the due one.
	third := requestAsync(t, s, Intent{Line: 3})
	assert.Empty(t, receive(t, second))
	clock.Advance(DefaultDebounce)
	assert.Len(t, fetcher.fetched(), 1)

	close(fetcher.block)
	assert.Equal(t, []Item{{InsertText: "c"}}, receive(t, first))
	<-fetcher.started
	assert.Equal(t, []Item{{InsertText: "c"}}, receive(t, third))

	assert.Equal(t, []Intent{{Line: 1}, {Line: 3}}, fetcher.fetched())
	assert.Equal(t, 1, fetcher.maxConcurrent())

	s.mu.Lock()
	assert.False(t, s.inFlight)
	assert.Nil(t, s.pending)
	s.mu.Unlock()
}

func TestScheduler_FetchErrorYieldsEmptyAndClearsInFlight(t *testing.T) {
	clock := newFakeClock()
	fetcher := &fakeFetcher{err: correlate.ErrTimedOut}
	m := metrics.New()
	s := New(fetcher, Options{Clock: clock, Metrics: m})

	assert.Empty(t, s.Request(context.Background(), Intent{}))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CompletionErrors.WithLabelValues("timeout")))

	s.mu.Lock()
	assert.False(t, s.inFlight)
	s.mu.Unlock()

	fetcher.mu.Lock()
	fetcher.err = nil
	fetcher.items = []wire.CompletionItem{{DisplayText: "ok"}}
	fetcher.mu.Unlock()

	clock.Advance(DefaultThrottle)
	assert.Equal(t, []Item{{InsertText: "ok"}}, s.Request(context.Background(), Intent{}))
}

func TestScheduler_ClosedGateShortCircuits(t *testing.T) {
	fetcher := &fakeFetcher{items: []wire.CompletionItem{{DisplayText: "x"}}}
	s := New(fetcher, Options{Clock: newFakeClock(), Gate: gate(false)})

	assert.Empty(t, s.Request(context.Background(), Intent{}))
	assert.Empty(t, fetcher.fetched())
}

func TestScheduler_CloseResolvesParkedCall(t *testing.T) {
	clock := newFakeClock()
	fetcher := &fakeFetcher{}
	s := New(fetcher, Options{Clock: clock})

	s.Request(context.Background(), Intent{})
	parked := requestAsync(t, s, Intent{Column: 9})

	s.Close()
	s.Close()
	assert.Empty(t, receive(t, parked))

	clock.Advance(time.Second)
	assert.Len(t, fetcher.fetched(), 1, "a closed scheduler never fires its timer")
	assert.Empty(t, s.Request(context.Background(), Intent{}))
	assert.Len(t, fetcher.fetched(), 1)
}

func TestScheduler_CancelledCallerReleasesSlot(t *testing.T) {
	clock := newFakeClock()
	fetcher := &fakeFetcher{}
	s := New(fetcher, Options{Clock: clock})

	s.Request(context.Background(), Intent{})

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan []Item, 1)
	go func() { out <- s.Request(ctx, Intent{Column: 3}) }()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.pending != nil
	}, time.Second, time.Millisecond)

	cancel()
	assert.Empty(t, receive(t, out))

	clock.Advance(time.Second)
	assert.Len(t, fetcher.fetched(), 1)
}

func TestFailureReason(t *testing.T) {
	assert.Equal(t, "timeout", failureReason(correlate.ErrTimedOut))
	assert.Equal(t, "canceled", failureReason(context.Canceled))
	assert.Equal(t, "other", failureReason(assert.AnError))
}
