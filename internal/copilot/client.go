// Package copilot drives a stdio language server that serves inline
// completions, and exposes it to the bridge as a Completer.
//
// The client tracks every open document. When the server goes away it is
// restarted with backoff, re-initialized, and sent a didOpen for each tracked
// document so completions keep working against current text.
package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/jsonrpc2"

	"github.com/matthewbaird/nbcopilot/internal/logging"
	"github.com/matthewbaird/nbcopilot/internal/notebook"
	"github.com/matthewbaird/nbcopilot/internal/wire"
)

const (
	DefaultRequestTimeout = 10 * time.Second
	defaultMaxRestarts    = 5
	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 10 * time.Second
)

var (
	// ErrUnavailable is returned while the language server is down.
	ErrUnavailable = errors.New("copilot: language server unavailable")

	// ErrShutdown is returned after Shutdown.
	ErrShutdown = errors.New("copilot: client shut down")
)

// Options configures a Client.
type Options struct {
	Dial           Dialer
	RequestTimeout time.Duration
	// MaxRestarts bounds the attempts made after each disconnect.
	MaxRestarts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Logger logrus.FieldLogger
}

// Client is a Completer backed by a language server connection.
type Client struct {
	opts Options
	log  logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// sendMu orders notifications so a re-open after restart cannot
	// interleave with a didChange for the same document.
	sendMu sync.Mutex

	mu   sync.Mutex
	conn *jsonrpc2.Conn
	docs map[string]notebook.Document
}

// Start connects to the language server, initializes it, and supervises the
// connection until Shutdown or ctx cancellation.
func Start(ctx context.Context, opts Options) (*Client, error) {
	if opts.Dial == nil {
		return nil, errors.New("copilot: no dialer")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.MaxRestarts == 0 {
		opts.MaxRestarts = defaultMaxRestarts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := &Client{
		opts:   opts,
		log:    logging.OrDiscard(opts.Logger).WithField("component", "copilot"),
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
		docs:   make(map[string]notebook.Document),
	}

	conn, err := c.connect(runCtx)
	if err != nil {
		cancel()
		return nil, err
	}
	c.conn = conn
	go c.supervise(conn)
	return c, nil
}

// Shutdown closes the connection and stops restarting it.
func (c *Client) Shutdown() error {
	c.cancel()
	<-c.done

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Open tracks doc and announces it to the server.
func (c *Client) Open(ctx context.Context, doc notebook.Document) error {
	c.mu.Lock()
	c.docs[doc.URI] = doc
	c.mu.Unlock()
	return c.notify(ctx, methodDidOpen, openParams(doc))
}

// Update replaces the server's copy of doc with its full text.
func (c *Client) Update(ctx context.Context, doc notebook.Document) error {
	c.mu.Lock()
	c.docs[doc.URI] = doc
	c.mu.Unlock()
	return c.notify(ctx, methodDidChange, didChangeParams{
		TextDocument:   versionedDocument{URI: doc.URI, Version: doc.Version},
		ContentChanges: []contentChange{{Text: doc.Text}},
	})
}

// Close stops tracking uri.
func (c *Client) Close(ctx context.Context, uri string) error {
	c.mu.Lock()
	delete(c.docs, uri)
	c.mu.Unlock()
	return c.notify(ctx, methodDidClose, didCloseParams{TextDocument: documentIdentifier{URI: uri}})
}

// Complete asks the server for suggestions at an absolute position in doc.
func (c *Client) Complete(ctx context.Context, doc notebook.Document, line, character int) ([]wire.CompletionItem, error) {
	conn, err := c.current()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	var result getCompletionsResult
	err = conn.Call(ctx, methodGetCompletions, getCompletionsParams{
		Doc: completionDoc{
			URI:      doc.URI,
			Position: wire.Position{Line: line, Character: character},
			Version:  doc.Version,
		},
	}, &result)
	if err != nil {
		return nil, fmt.Errorf("copilot: %s: %w", methodGetCompletions, err)
	}
	return result.Completions, nil
}

// Tracked reports the documents the client would re-open after a restart.
func (c *Client) Tracked() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	uris := make([]string, 0, len(c.docs))
	for uri := range c.docs {
		uris = append(uris, uri)
	}
	return uris
}

func (c *Client) current() (*jsonrpc2.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return nil, ErrShutdown
	}
	if c.conn == nil {
		return nil, ErrUnavailable
	}
	return c.conn, nil
}

// notify sends a notification. While the server is restarting it is a
// no-op: the restart re-opens every tracked document with its latest state.
func (c *Client) notify(ctx context.Context, method string, params any) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	conn, err := c.current()
	if errors.Is(err, ErrUnavailable) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := conn.Notify(ctx, method, params); err != nil {
		return fmt.Errorf("copilot: %s: %w", method, err)
	}
	return nil
}

// connect dials and runs the initialize handshake.
func (c *Client) connect(ctx context.Context) (*jsonrpc2.Conn, error) {
	rwc, err := c.opts.Dial(ctx)
	if err != nil {
		return nil, err
	}
	conn := jsonrpc2.NewConn(c.ctx, jsonrpc2.NewBufferedStream(rwc, jsonrpc2.VSCodeObjectCodec{}),
		jsonrpc2.HandlerWithError(c.handle))

	initCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	params := initializeParams{Capabilities: clientCapabilities{Workspace: workspaceCapabilities{WorkspaceFolders: true}}}
	var result json.RawMessage
	if err := conn.Call(initCtx, methodInitialize, params, &result); err != nil {
		conn.Close()
		return nil, fmt.Errorf("copilot: %s: %w", methodInitialize, err)
	}
	if err := conn.Notify(initCtx, methodInitialized, struct{}{}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("copilot: %s: %w", methodInitialized, err)
	}
	c.log.Debug("language server initialized")
	return conn, nil
}

// handle answers server-initiated traffic. The server only sends status and
// log messages; requests get an empty result.
func (c *Client) handle(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (any, error) {
	c.log.WithField("method", req.Method).Trace("server message")
	return nil, nil
}

// supervise restarts the server each time conn drops.
func (c *Client) supervise(conn *jsonrpc2.Conn) {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-conn.DisconnectNotify():
		}
		if c.ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		c.log.Warn("language server disconnected, restarting")

		b := backoff.NewExponentialBackOff()
		b.InitialInterval = c.opts.InitialBackoff
		b.MaxInterval = c.opts.MaxBackoff
		next, err := backoff.Retry(c.ctx, func() (*jsonrpc2.Conn, error) {
			return c.connect(c.ctx)
		},
			backoff.WithBackOff(b),
			backoff.WithMaxTries(c.opts.MaxRestarts),
			backoff.WithNotify(func(err error, d time.Duration) {
				c.log.WithError(err).WithField("retry_in", d).Warn("restart failed")
			}),
		)
		if err != nil {
			c.log.WithError(err).Error("giving up on language server")
			return
		}

		c.reopen(next)
		conn = next
	}
}

// reopen publishes next and re-announces every tracked document on it.
func (c *Client) reopen(next *jsonrpc2.Conn) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	c.conn = next
	docs := make([]notebook.Document, 0, len(c.docs))
	for _, doc := range c.docs {
		docs = append(docs, doc)
	}
	c.mu.Unlock()

	for _, doc := range docs {
		if err := next.Notify(c.ctx, methodDidOpen, openParams(doc)); err != nil {
			c.log.WithError(err).WithField("uri", doc.URI).Warn("re-opening document")
		}
	}
	c.log.WithField("documents", len(docs)).Info("language server restarted")
}

func openParams(doc notebook.Document) didOpenParams {
	return didOpenParams{TextDocument: textDocumentItem{
		URI:        doc.URI,
		LanguageID: doc.Language,
		Version:    doc.Version,
		Text:       doc.Text,
	}}
}
