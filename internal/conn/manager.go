// Package conn maintains the persistent WebSocket connection that carries one
// document's traffic to the completion backend.
//
// A Manager dials the backend, writes a sync_request as the first frame of
// every socket, and reconnects with capped exponential backoff whenever the
// socket dies. Edit messages sent while the socket is down are queued and
// flushed, in order, right after the next sync_request. Completion requests
// use SendNow, which fails fast instead of queueing.
package conn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	"github.com/matthewbaird/nbcopilot/internal/logging"
	"github.com/matthewbaird/nbcopilot/internal/metrics"
	"github.com/matthewbaird/nbcopilot/internal/wire"
)

var (
	// ErrNotConnected is returned by SendNow while no socket is open.
	ErrNotConnected = errors.New("conn: not connected")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("conn: closed")

	// ErrQueueFull is returned when queueing a message evicted the oldest
	// queued one. The new message itself is queued.
	ErrQueueFull = errors.New("conn: send queue full, oldest message dropped")
)

const (
	defaultQueueSize      = 256
	defaultInitialBackoff = 100 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
	defaultDialTimeout    = 10 * time.Second
	defaultWriteTimeout   = 5 * time.Second
	inboundBuffer         = 64
	readLimit             = 4 << 20
)

// Options configures a Manager.
type Options struct {
	// BaseURL is the backend WebSocket endpoint, e.g. ws://localhost:8888/jupyter-copilot/ws.
	BaseURL string
	// Path is the document path sent as the "path" query parameter.
	Path string

	QueueSize      int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// BackOff replaces the exponential policy built from InitialBackoff and
	// MaxBackoff. It is reset after every successful open.
	BackOff backoff.BackOff
	DialTimeout    time.Duration
	WriteTimeout   time.Duration

	HTTPClient    *http.Client
	Logger        logrus.FieldLogger
	Metrics       *metrics.Metrics
	OnStateChange func(State)
}

func (o *Options) applyDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = defaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = defaultMaxBackoff
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
}

// Manager owns the socket for one document.
type Manager struct {
	opts    Options
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	mu     sync.Mutex
	state  State
	path   string
	ws     *websocket.Conn
	queue  []wire.Message
	closed bool

	inbound chan wire.Message
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// Dial starts a Manager and returns immediately; the first connection attempt
// runs in the background. The Manager lives until Close or until ctx is
// cancelled.
func Dial(ctx context.Context, opts Options) (*Manager, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("conn: empty base URL")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("conn: parse base URL: %w", err)
	}
	opts.applyDefaults()

	runCtx, cancel := context.WithCancel(ctx)
	m := &Manager{
		opts:    opts,
		log:     logging.OrDiscard(opts.Logger).WithField("document", opts.Path),
		metrics: metrics.OrNew(opts.Metrics),
		state:   StateConnecting,
		path:    opts.Path,
		inbound: make(chan wire.Message, inboundBuffer),
		ctx:     runCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go m.run()
	return m, nil
}

// Inbound yields decoded backend messages. It is closed after Close.
func (m *Manager) Inbound() <-chan wire.Message { return m.inbound }

// State reports the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// URL returns the address the next dial will use.
func (m *Manager) URL() string {
	m.mu.Lock()
	path := m.path
	m.mu.Unlock()
	return buildURL(m.opts.BaseURL, path)
}

// SetPath changes the document path used by future reconnects.
func (m *Manager) SetPath(path string) {
	m.mu.Lock()
	m.path = path
	m.mu.Unlock()
}

// Send delivers an edit message, queueing it while the socket is down.
// Messages that are not edits are never queued; they go through SendNow.
func (m *Manager) Send(ctx context.Context, msg wire.Message) error {
	if !wire.IsEdit(msg) {
		return m.SendNow(ctx, msg)
	}
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrClosed
		}
		if m.state != StateOpen {
			err := m.enqueueLocked(msg)
			m.mu.Unlock()
			return err
		}
		ws := m.ws
		m.mu.Unlock()

		err := m.write(ctx, ws, msg)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		m.log.WithError(err).WithField("type", msg.MessageType()).Debug("write failed, retrying on next connection")
		m.dropSocket(ws)
	}
}

// SendNow writes msg only if the socket is open.
func (m *Manager) SendNow(ctx context.Context, msg wire.Message) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateOpen {
		m.mu.Unlock()
		return ErrNotConnected
	}
	ws := m.ws
	m.mu.Unlock()

	if err := m.write(ctx, ws, msg); err != nil {
		m.dropSocket(ws)
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// Close releases the socket and stops reconnecting. Queued messages are
// discarded. Close is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-m.done
		return nil
	}
	m.closed = true
	dropped := len(m.queue)
	m.queue = nil
	m.mu.Unlock()

	m.cancel()
	<-m.done
	m.setState(StateClosed)
	if dropped > 0 {
		m.log.WithField("dropped", dropped).Debug("discarded queued messages on close")
	}
	return nil
}

// enqueueLocked queues msg, folding it into the queue where that loses
// nothing: a cell_update replaces a queued update of the same cell unless a
// cell_add or cell_delete sits between them, and update_lsp_version is kept
// only once, at the tail.
func (m *Manager) enqueueLocked(msg wire.Message) error {
	switch msg.MessageType() {
	case wire.TypeCellUpdate:
		if i := m.queuedUpdateLocked(cellID(msg)); i >= 0 {
			m.queue[i] = msg
			return nil
		}
	case wire.TypeUpdateLSPVersion:
		m.queue = slices.DeleteFunc(m.queue, func(q wire.Message) bool {
			return q.MessageType() == wire.TypeUpdateLSPVersion
		})
	}

	var err error
	if len(m.queue) >= m.opts.QueueSize {
		evicted := m.queue[0]
		m.queue = m.queue[1:]
		m.metrics.QueueDropped.Inc()
		m.log.WithField("type", evicted.MessageType()).Warn("send queue full, dropping oldest message")
		err = ErrQueueFull
	}
	m.queue = append(m.queue, msg)
	return err
}

// queuedUpdateLocked returns the index of the queued cell_update for cell
// that can still be overwritten, or -1.
func (m *Manager) queuedUpdateLocked(cell int) int {
	for i := len(m.queue) - 1; i >= 0; i-- {
		switch m.queue[i].MessageType() {
		case wire.TypeCellAdd, wire.TypeCellDelete:
			return -1
		case wire.TypeCellUpdate:
			if cellID(m.queue[i]) == cell {
				return i
			}
		}
	}
	return -1
}

func cellID(msg wire.Message) int {
	switch m := msg.(type) {
	case wire.CellUpdate:
		return m.CellID
	case *wire.CellUpdate:
		return m.CellID
	}
	return -1
}

func (m *Manager) run() {
	defer close(m.done)
	defer close(m.inbound)
	defer func() {
		m.mu.Lock()
		m.closed = true
		m.ws = nil
		notify := m.setStateLocked(StateClosed)
		m.mu.Unlock()
		notify()
	}()

	b := m.opts.BackOff
	if b == nil {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = m.opts.InitialBackoff
		eb.MaxInterval = m.opts.MaxBackoff
		b = eb
	}
	b.Reset()

	for attempt := 0; ; attempt++ {
		if m.ctx.Err() != nil {
			return
		}
		if attempt > 0 {
			m.metrics.Reconnects.Inc()
		}
		m.setState(StateConnecting)

		ws, err := m.dial()
		if err == nil {
			err = m.serve(ws, b)
		}
		if m.ctx.Err() != nil {
			return
		}
		m.setState(StateClosed)

		delay := b.NextBackOff()
		m.log.WithError(err).WithField("retry_in", delay).Warn("connection lost, reconnecting")
		timer := time.NewTimer(delay)
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (m *Manager) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(m.ctx, m.opts.DialTimeout)
	defer cancel()

	u := m.URL()
	ws, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: m.opts.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("conn: dial %s: %w", u, err)
	}
	ws.SetReadLimit(readLimit)
	return ws, nil
}

// serve runs one socket from open to death: sync_request, queue flush, then
// the read loop. It returns the error that ended the socket.
func (m *Manager) serve(ws *websocket.Conn, b backoff.BackOff) error {
	defer ws.CloseNow()

	if err := m.write(m.ctx, ws, wire.SyncRequest{}); err != nil {
		return err
	}
	if err := m.flush(ws); err != nil {
		return err
	}
	b.Reset()
	m.log.Debug("connection open")

	for {
		_, data, err := ws.Read(m.ctx)
		if err != nil {
			m.dropSocket(ws)
			if status := websocket.CloseStatus(err); status != -1 {
				return fmt.Errorf("conn: closed by backend (%d)", status)
			}
			return err
		}
		msg, err := wire.Decode(data)
		if err != nil {
			m.log.WithError(err).Warn("dropping malformed message")
			continue
		}
		select {
		case m.inbound <- msg:
		case <-m.ctx.Done():
			return m.ctx.Err()
		}
	}
}

// flush drains the queue onto ws and flips the state to Open once the queue is
// empty. Sends racing with the flush land in the queue and are drained by the
// next pass, so ordering is preserved.
func (m *Manager) flush(ws *websocket.Conn) error {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.ws = ws
			notify := m.setStateLocked(StateOpen)
			m.mu.Unlock()
			notify()
			return nil
		}
		batch := m.queue
		m.queue = nil
		m.mu.Unlock()

		for i, msg := range batch {
			if err := m.write(m.ctx, ws, msg); err != nil {
				m.mu.Lock()
				m.queue = append(append([]wire.Message(nil), batch[i:]...), m.queue...)
				m.mu.Unlock()
				return err
			}
		}
	}
}

// dropSocket forgets ws if it is still current and tears it down so the read
// loop exits and the run loop reconnects.
func (m *Manager) dropSocket(ws *websocket.Conn) {
	m.mu.Lock()
	current := m.ws == ws
	if current {
		m.ws = nil
	}
	m.mu.Unlock()
	if current {
		m.setState(StateClosed)
		ws.CloseNow()
	}
}

func (m *Manager) write(ctx context.Context, ws *websocket.Conn, msg wire.Message) error {
	if ws == nil {
		return ErrNotConnected
	}
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, m.opts.WriteTimeout)
	defer cancel()
	if err := ws.Write(wctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("conn: write %s: %w", msg.MessageType(), err)
	}
	return nil
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	notify := m.setStateLocked(s)
	m.mu.Unlock()
	notify()
}

// setStateLocked records s and returns the hook invocation to run once m.mu
// is released.
func (m *Manager) setStateLocked(s State) func() {
	if m.closed && s != StateClosed {
		return func() {}
	}
	changed := m.state != s
	m.state = s
	hook := m.opts.OnStateChange
	if !changed || hook == nil {
		return func() {}
	}
	return func() { hook(s) }
}

func buildURL(base, path string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("path", path)
	u.RawQuery = q.Encode()
	return u.String()
}
