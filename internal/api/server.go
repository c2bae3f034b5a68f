// Package api is the broker's HTTP surface.  CodeGrade instances manage
// jobs under /api/v1/jobs, runners report in under /api/v1/runners and
// operators tune settings under /api/v1/settings.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/terrpan/atbroker/internal/broker"
)

// Operations is the request-level surface the handlers call into.
type Operations interface {
	RegisterJob(ctx context.Context, origin string, req broker.RegisterJob) (broker.JobSummary, error)
	DeleteJob(ctx context.Context, origin, remoteID string) error
	RemoveRunner(ctx context.Context, origin, remoteID, address string) error
	ClaimRunner(ctx context.Context, origin, remoteID, address string) error

	ReportAlive(ctx context.Context, address, secret string) (broker.RunnerSummary, error)
	PollForWork(ctx context.Context, publicID, secret string) ([]string, error)
	ConfirmStarted(ctx context.Context, publicID, secret, address, originURL string) error

	Setting(ctx context.Context, name string) (string, error)
	Settings(ctx context.Context) (map[string]string, error)
	SetSetting(ctx context.Context, name, value string) (string, error)
}

var _ Operations = (*broker.Broker)(nil)

// Instance is a CodeGrade instance authenticating with a password.
type Instance struct {
	Name     string
	Password string

	// URL is the instance's externally reachable base URL; runners are
	// sent there.
	URL string
}

// Config configures the HTTP server.
type Config struct {
	Addr string

	Instances []Instance

	// SignedIssuers lists URL prefixes of instances allowed to
	// authenticate with a signed token instead of a password.  Empty
	// disables signed authentication.
	SignedIssuers []string

	// PublicKeyPath is appended to a token issuer to fetch its key.
	PublicKeyPath string
	PublicKeyTTL  time.Duration

	// AdminToken guards the settings endpoints.  Empty disables them.
	AdminToken string

	// RunnerRate and RunnerBurst limit runner requests per address.
	// Zero disables limiting.
	RunnerRate  float64
	RunnerBurst int

	// TrustProxy takes the caller address from X-Forwarded-For and
	// X-Real-IP.
	TrustProxy bool

	// Health and Metrics are mounted at /healthz and /metrics when set.
	Health  http.Handler
	Metrics http.Handler

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the HTTP server for the broker API.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// New builds the router and server.  It does not listen yet.
func New(cfg Config, ops Operations, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}

	h := &handlers{ops: ops, logger: logger}
	auth := newInstanceAuth(cfg, logger)

	r := chi.NewRouter()
	if cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	if cfg.Health != nil {
		r.Method(http.MethodGet, "/healthz", cfg.Health)
	}
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(auth.middleware)
			r.Put("/jobs/{remoteID}", h.registerJob)
			r.Delete("/jobs/{remoteID}", h.deleteJob)
			r.Post("/jobs/{remoteID}/runners/claim", h.claimRunner)
			r.Delete("/jobs/{remoteID}/runners", h.removeRunner)
		})

		r.Group(func(r chi.Router) {
			if cfg.RunnerRate > 0 {
				r.Use(newRateLimiter(cfg.RunnerRate, cfg.RunnerBurst).middleware)
			}
			r.Post("/runners/alive", h.reportAlive)
			r.Get("/runners/{publicID}/jobs", h.pollForWork)
			r.Post("/runners/{publicID}/jobs/confirm", h.confirmStarted)
		})

		if cfg.AdminToken != "" {
			r.Group(func(r chi.Router) {
				r.Use(requireAdmin(cfg.AdminToken))
				r.Get("/settings", h.listSettings)
				r.Get("/settings/{key}", h.getSetting)
				r.Put("/settings/{key}", h.setSetting)
			})
		}
	})

	return &Server{
		handler: r,
		logger:  logger,
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		s.logger.Info("api listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
