package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/trainyard/internal/events"
	"github.com/mattjoyce/trainyard/internal/lockstore"
	"github.com/mattjoyce/trainyard/internal/queue"
)

// QueueReader is the read side of the merge queue.
type QueueReader interface {
	List(ctx context.Context, f queue.ListFilter) ([]queue.Entry, error)
	Get(ctx context.Context, workspace string) (*queue.Entry, error)
	NextPending(ctx context.Context) (*queue.Entry, error)
	Position(ctx context.Context, workspace string) (int, error)
	Stats(ctx context.Context) (queue.Stats, error)
	StackStatus(ctx context.Context, workspace string) (*queue.StackStatus, error)
	Events(ctx context.Context, workspace string, limit int) ([]queue.Event, error)
}

// LockReader is the read side of the resource lock store.
type LockReader interface {
	ActiveLocks(ctx context.Context) ([]lockstore.Lock, error)
	Audit(ctx context.Context, resource string, limit int) ([]lockstore.AuditEntry, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
}

// Server is the read-only HTTP view of the yard.
type Server struct {
	config    Config
	queue     QueueReader
	locks     LockReader
	events    *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, q QueueReader, locks LockReader, hub *events.Hub, logger *slog.Logger) *Server {
	if hub == nil {
		hub = events.NewHub(0)
	}
	return &Server{
		config:    config,
		queue:     q,
		locks:     locks,
		events:    hub,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start serves until ctx is cancelled (blocking).
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: /events streams for as long as the client stays.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Route("/queue", func(r chi.Router) {
		r.Get("/", s.handleListQueue)
		r.Get("/next", s.handleNext)
		r.Get("/stats", s.handleStats)
		r.Get("/{workspace}", s.handleGetEntry)
		r.Get("/{workspace}/events", s.handleEntryEvents)
	})
	r.Get("/stack/{workspace}", s.handleStack)

	r.Get("/locks", s.handleLocks)
	r.Get("/locks/{resource}/audit", s.handleLockAudit)

	r.Get("/events", s.handleEvents)

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
