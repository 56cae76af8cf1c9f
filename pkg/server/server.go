// Package server exposes the node over HTTP: webfinger discovery, actor
// profiles, signed inbox delivery and the local outbox.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"ouka/pkg/auth"
	"ouka/pkg/delivery"
	"ouka/pkg/federation"
	"ouka/pkg/utils"
)

const (
	actorPath  = "/ap/accounts/@{userpart}"
	inboxPath  = actorPath + "/inbox"
	outboxPath = actorPath + "/outbox"
)

// Directory is the part of federation.Directory the server needs.
type Directory interface {
	Node() *federation.Node
	ResolveLocalByUserpart(ctx context.Context, userpart string) (*federation.LocalActor, error)
}

// Enqueuer accepts activities for asynchronous delivery.
type Enqueuer interface {
	Enqueue(job delivery.Job) error
}

// Check reports whether a dependency is healthy.
type Check func(ctx context.Context) error

type Options struct {
	Listen       string
	OutboxToken  string
	MaxBodyBytes utils.ByteSize
	TLS          auth.TLSConfig
	// Gatherer serves /metrics; prometheus.DefaultGatherer when nil.
	Gatherer prometheus.Gatherer
	// Checks are run by /health, keyed by dependency name.
	Checks map[string]Check
}

type Server struct {
	opts      Options
	directory Directory
	verifier  *auth.Verifier
	queue     Enqueuer
	inbox     InboxHandler
	router    chi.Router
	http      *http.Server
	started   time.Time
	logger    *zap.Logger
}

// New assembles the router. Inbound Follows are answered by a
// FollowResponder until SetInboxHandler replaces it.
func New(opts Options, directory Directory, verifier *auth.Verifier, queue Enqueuer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = utils.ByteSize(utils.MebiByte)
	}

	s := &Server{
		opts:      opts,
		directory: directory,
		verifier:  verifier,
		queue:     queue,
		inbox:     NewFollowResponder(queue, logger),
		started:   time.Now(),
		logger:    logger,
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              opts.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) SetInboxHandler(h InboxHandler) {
	s.inbox = h
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.logger))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	r.Get("/.well-known/webfinger", s.handleWebfinger)

	r.With(s.localActor).Get(actorPath, s.handleProfile)
	r.With(s.localActor, s.verifier.Middleware).Post(inboxPath, s.handleInbox)
	r.With(s.localActor, auth.RequireBearer(s.opts.OutboxToken)).Post(outboxPath, s.handleOutbox)

	return r
}

// ListenAndServe serves until Shutdown, over TLS when a certificate is
// configured. It returns nil after a clean shutdown.
func (s *Server) ListenAndServe() error {
	tlsConfig, err := s.opts.TLS.BuildServerConfig()
	if err != nil {
		return err
	}

	s.http.TLSConfig = tlsConfig

	s.logger.Info("Starting HTTP server",
		zap.String("listen", s.opts.Listen),
		zap.String("host", s.directory.Node().Host),
		zap.Bool("tls", tlsConfig != nil))

	if tlsConfig != nil {
		err = s.http.ListenAndServeTLS("", "")
	} else {
		err = s.http.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("http server failed: %w", err)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
