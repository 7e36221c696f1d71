// Package correlate matches asynchronous backend replies to the requests that
// caused them.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/matthewbaird/nbcopilot/internal/logging"
	"github.com/matthewbaird/nbcopilot/internal/metrics"
	"github.com/matthewbaird/nbcopilot/internal/wire"
)

// DefaultTimeout bounds how long a request waits for its reply.
const DefaultTimeout = 10 * time.Second

var (
	// ErrTimedOut rejects a request whose reply did not arrive in time.
	ErrTimedOut = errors.New("correlate: request timed out")

	// ErrClosed is returned by Correlate after Abandon(nil).
	ErrClosed = errors.New("correlate: correlator closed")
)

// Sender writes a correlated request. It should fail fast rather than queue:
// a request sitting in a queue burns its own timeout.
type Sender interface {
	SendNow(ctx context.Context, msg wire.Message) error
}

// Request is an outbound message that expects exactly one reply.
type Request interface {
	// Key describes the request's shape; it prefixes the correlation id.
	Key() string
	// WithID returns the wire message carrying id.
	WithID(id string) wire.Message
}

// Options configures a Correlator.
type Options struct {
	Timeout time.Duration
	// Now is the clock used for correlation ids. Defaults to time.Now.
	Now     func() time.Time
	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Correlator owns the registry of pending requests for one session.
type Correlator struct {
	sender  Sender
	timeout time.Duration
	now     func() time.Time
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	mu        sync.Mutex
	pending   map[string]*Future
	lastStamp int64
	closedErr error
}

// New creates a Correlator writing through sender.
func New(sender Sender, opts Options) *Correlator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Correlator{
		sender:  sender,
		timeout: opts.Timeout,
		now:     opts.Now,
		log:     logging.OrDiscard(opts.Logger),
		metrics: metrics.OrNew(opts.Metrics),
		pending: make(map[string]*Future),
	}
}

// Correlate registers req, sends it, and returns a Future that settles
// exactly once: with the matching reply, with ErrTimedOut, or with the error
// passed to Abandon. A timeout <= 0 uses the configured default.
func (c *Correlator) Correlate(ctx context.Context, req Request, timeout time.Duration) (*Future, error) {
	if timeout <= 0 {
		timeout = c.timeout
	}

	c.mu.Lock()
	if c.closedErr != nil {
		err := c.closedErr
		c.mu.Unlock()
		return nil, err
	}
	id := c.nextIDLocked(req.Key())
	f := &Future{
		id:        id,
		createdAt: c.now(),
		done:      make(chan struct{}),
	}
	c.pending[id] = f
	f.timer = time.AfterFunc(timeout, func() {
		if c.settle(id, nil, ErrTimedOut) {
			c.log.WithField("req_id", id).Debug("request timed out")
		}
	})
	c.mu.Unlock()

	if err := c.sender.SendNow(ctx, req.WithID(id)); err != nil {
		c.settle(id, nil, err)
		return nil, fmt.Errorf("correlate: send %s: %w", id, err)
	}
	return f, nil
}

// Deliver settles the request matching reply. It reports false when no such
// request is pending, e.g. because it already timed out.
func (c *Correlator) Deliver(reply wire.Reply) bool {
	if c.settle(reply.RequestID(), reply, nil) {
		return true
	}
	c.metrics.CorrelatorLate.Inc()
	c.log.WithField("req_id", reply.RequestID()).Debug("ignoring reply with no pending request")
	return false
}

// Abandon rejects every pending request with err and refuses new ones.
// A nil err means ErrClosed.
func (c *Correlator) Abandon(err error) {
	if err == nil {
		err = ErrClosed
	}
	c.mu.Lock()
	if c.closedErr == nil {
		c.closedErr = err
	}
	pending := c.pending
	c.pending = make(map[string]*Future)
	c.mu.Unlock()

	for _, f := range pending {
		f.settle(nil, err)
	}
}

// Pending reports how many requests await a reply.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) settle(id string, reply wire.Reply, err error) bool {
	c.mu.Lock()
	f, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	f.settle(reply, err)
	return true
}

// nextIDLocked composes key with a millisecond stamp that is strictly
// increasing within this correlator.
func (c *Correlator) nextIDLocked(key string) string {
	stamp := c.now().UnixMilli()
	if stamp <= c.lastStamp {
		stamp = c.lastStamp + 1
	}
	c.lastStamp = stamp
	return fmt.Sprintf("%s-%d", key, stamp)
}

// Future is the eventual outcome of a correlated request.
type Future struct {
	id        string
	createdAt time.Time
	timer     *time.Timer
	done      chan struct{}

	reply wire.Reply
	err   error
}

// ID returns the correlation id sent on the wire.
func (f *Future) ID() string { return f.id }

// CreatedAt is when the request was registered.
func (f *Future) CreatedAt() time.Time { return f.createdAt }

// Done is closed once the future settles.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future settles or ctx ends. Abandoning the wait does
// not cancel the request; it still settles later.
func (f *Future) Wait(ctx context.Context) (wire.Reply, error) {
	select {
	case <-f.done:
		return f.reply, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// settle must be called at most once; the registry guarantees it by
// deleting the entry first.
func (f *Future) settle(reply wire.Reply, err error) {
	f.timer.Stop()
	f.reply = reply
	f.err = err
	close(f.done)
}
