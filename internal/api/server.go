package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/seantiz/genhub/internal/backend"
	"github.com/seantiz/genhub/internal/dispatch"
	"github.com/seantiz/genhub/internal/engine"
	"github.com/seantiz/genhub/internal/store"
	"github.com/seantiz/genhub/internal/stream"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second

	defaultDeliveryTimeout = 15 * time.Minute
	defaultProbeTimeout    = 2 * time.Second
)

// Options holds the server settings that are not dependencies.
type Options struct {
	Addr string

	// PublicURL is the externally reachable base URL used to build ws_url.
	// When empty the request's own host is used.
	PublicURL string

	// OutputDir is served read-only at /outputs/.
	OutputDir string

	// DeliveryTimeout bounds how long a stream connection waits for its outcome.
	DeliveryTimeout time.Duration

	// ProbeTimeout bounds each live load probe on the admin listing.
	ProbeTimeout time.Duration
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router     *chi.Mux
	store      store.Store
	registry   *backend.Registry
	dispatcher *dispatch.Dispatcher
	engine     *engine.Engine
	streams    *stream.Registry
	validate   *validator.Validate
	logger     *slog.Logger
	opts       Options
	closing    chan struct{}
}

// NewServer creates and configures a new HTTP server.
func NewServer(opts Options, s store.Store, reg *backend.Registry, disp *dispatch.Dispatcher,
	eng *engine.Engine, streams *stream.Registry, logger *slog.Logger) *Server {
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = defaultDeliveryTimeout
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = defaultProbeTimeout
	}

	srv := &Server{
		router:     chi.NewRouter(),
		store:      s,
		registry:   reg,
		dispatcher: disp,
		engine:     eng,
		streams:    streams,
		validate:   newValidator(),
		logger:     logger,
		opts:       opts,
		closing:    make(chan struct{}),
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// newValidator reports field errors under their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Post("/mcp", s.handleMCP)
	s.router.Get("/ws/stream/{id}", s.handleStream)

	if s.opts.OutputDir != "" {
		s.router.Handle("/outputs/*", http.StripPrefix("/outputs/", http.FileServer(http.Dir(s.opts.OutputDir))))
	}

	s.router.Get("/v1/stats", s.handleGetStats)
	s.router.Get("/v1/render-types", s.handleListRenderTypes)

	s.router.Route("/v1/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
	})

	s.router.Route("/v1/backends", func(r chi.Router) {
		r.Get("/", s.handleListBackends)
		r.Post("/", s.handleRegisterBackend)
		r.Delete("/{name}", s.handleDeregisterBackend)
		r.Put("/{name}/active", s.handleSetBackendActive)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.opts.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	// Hijacked stream connections are not tracked by Shutdown.
	close(s.closing)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
