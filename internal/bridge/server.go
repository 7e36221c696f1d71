// Package bridge is the backend half of the protocol: a WebSocket server that
// keeps an in-memory notebook per connection and answers completion requests
// through a Completer.
package bridge

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/matthewbaird/nbcopilot/internal/logging"
	"github.com/matthewbaird/nbcopilot/internal/metrics"
	"github.com/matthewbaird/nbcopilot/internal/notebook"
	"github.com/matthewbaird/nbcopilot/internal/wire"
)

const (
	DefaultBasePath          = "/jupyter-copilot"
	defaultCompletionTimeout = 10 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultQueueSize         = 64
	readLimit                = 4 << 20
)

// Options configures a Server.
type Options struct {
	// BasePath prefixes the WebSocket route: {BasePath}/ws.
	BasePath string
	// Root is the directory notebook paths are resolved against. Empty means
	// notebooks start blank and are never read from disk.
	Root string
	// OriginPatterns is passed to websocket.Accept.
	OriginPatterns []string

	CompletionTimeout time.Duration
	WriteTimeout      time.Duration
	QueueSize         int

	Logger  logrus.FieldLogger
	Metrics *metrics.Metrics
}

// Server serves the completion protocol.
type Server struct {
	opts      Options
	completer Completer
	log       logrus.FieldLogger
	metrics   *metrics.Metrics
}

// New creates a Server answering through completer.
func New(completer Completer, opts Options) *Server {
	if opts.BasePath == "" {
		opts.BasePath = DefaultBasePath
	}
	opts.BasePath = "/" + strings.Trim(opts.BasePath, "/")
	if opts.CompletionTimeout <= 0 {
		opts.CompletionTimeout = defaultCompletionTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	return &Server{
		opts:      opts,
		completer: completer,
		log:       logging.OrDiscard(opts.Logger),
		metrics:   metrics.OrNew(opts.Metrics),
	}
}

// Routes returns the HTTP handler: the WebSocket endpoint, /healthz and
// /metrics.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.log)
	})
	r.Get("/metrics", s.metrics.Handler().ServeHTTP)

	r.Route(s.opts.BasePath, func(r chi.Router) {
		r.Get("/ws", s.serveWS)
	})
	return r
}

// Run listens on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.WithFields(logrus.Fields{"addr": addr, "ws": s.opts.BasePath + "/ws"}).Info("starting bridge")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.opts.OriginPatterns,
	})
	if err != nil {
		s.log.WithError(err).Warn("websocket accept")
		return
	}
	defer ws.CloseNow()
	ws.SetReadLimit(readLimit)

	ctx := r.Context()
	log := s.log.WithFields(logrus.Fields{
		"conn":       uuid.NewString(),
		"document":   path,
		"request_id": middleware.GetReqID(ctx),
	})
	s.metrics.BridgeConnections.Inc()
	defer s.metrics.BridgeConnections.Dec()

	doc := &document{
		ws:                ws,
		nb:                s.load(path, log),
		completer:         s.completer,
		log:               log,
		completionTimeout: s.opts.CompletionTimeout,
		writeTimeout:      s.opts.WriteTimeout,
	}
	if err := s.completer.Open(ctx, doc.nb.Snapshot()); err != nil {
		log.WithError(err).Warn("opening document")
	}
	defer func() {
		if err := s.completer.Close(context.Background(), doc.nb.URI()); err != nil {
			log.WithError(err).Warn("closing document")
		}
	}()

	if err := doc.reply(ctx, wire.ConnectionEstablished{}); err != nil {
		log.WithError(err).Warn("handshake write")
		return
	}
	log.Info("connection opened")

	q := newQueue(s.opts.QueueSize)
	q.start(ctx, doc.handle)
	defer q.stop()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				log.WithField("status", status).Info("connection closed")
			} else {
				log.WithError(err).Debug("read ended")
			}
			return
		}
		msg, err := wire.Decode(data)
		if err != nil {
			log.WithError(err).Error("received invalid message")
			continue
		}
		label := msg.MessageType()
		if _, ok := msg.(*wire.Unknown); ok {
			label = "unknown"
		}
		s.metrics.BridgeMessages.WithLabelValues(label).Inc()
		if err := q.push(ctx, msg); err != nil {
			return
		}
	}
}

// load reads the notebook for a client path, falling back to a blank one.
// The client path is kept as the document path whatever file was read.
func (s *Server) load(path string, log logrus.FieldLogger) *notebook.Notebook {
	if s.opts.Root == "" || path == "" {
		return notebook.New(path)
	}
	file := filepath.Join(s.opts.Root, filepath.FromSlash(filepath.Clean("/"+path)))
	nb, err := notebook.Load(file)
	if err != nil {
		log.WithError(err).Warn("loading notebook, starting blank")
		return notebook.New(path)
	}
	nb.SetPath(path)
	return nb
}
