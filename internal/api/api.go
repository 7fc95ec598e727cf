// Package api provides the HTTP server for WellnessCoach.
//
// It exposes the chat endpoint used by the mobile app, a liveness route and
// Prometheus metrics. Request handling is delegated to a ChatHandler.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/WellnessCoach/internal/models"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server defaults.
const (
	DefaultAddr            = ":8000"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultWriteTimeout    = 2 * time.Minute
	DefaultMaxBodyBytes    = 1 << 20
)

// ErrNotReady is reported when no chat handler is configured.
var ErrNotReady = errors.New("AI Manager is not initialized")

// ChatHandler answers chat requests.
type ChatHandler interface {
	HandleChat(ctx context.Context, req models.ChatRequest) (models.ChatResponse, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	Gatherer        prometheus.Gatherer
	ShutdownTimeout time.Duration
	WriteTimeout    time.Duration
	MaxBodyBytes    int64
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithGatherer sets the registry exposed on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(o *Opts) { o.Gatherer = g }
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// WithWriteTimeout bounds writing a response. It should exceed the agent timeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *Opts) { o.WriteTimeout = d }
}

// Server is the WellnessCoach HTTP server.
type Server struct {
	coach  ChatHandler
	opts   Opts
	router chi.Router
}

// NewServer creates a Server. A nil coach makes /chat answer 503.
func NewServer(coach ChatHandler, opts ...Option) *Server {
	cfg := Opts{
		Addr:            DefaultAddr,
		Gatherer:        prometheus.DefaultGatherer,
		ShutdownTimeout: DefaultShutdownTimeout,
		WriteTimeout:    DefaultWriteTimeout,
		MaxBodyBytes:    DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{coach: coach, opts: cfg}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/healthz"))

	r.Get("/", s.rootHandler)
	r.Post("/chat", s.chatHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	return r
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      s.opts.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	slog.Info("Server.Run: server stopped")
	return nil
}
