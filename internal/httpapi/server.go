// Package httpapi is the HTTP front-end of the mail gateway: a chi
// router exposing the send and receive operations with request logging,
// per-IP rate limiting and optional bearer-token auth.
package httpapi

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/shineum/mail-gateway/internal/email"
	"github.com/shineum/mail-gateway/internal/graph"
)

// shutdownTimeout is the drain window for in-flight requests during
// graceful shutdown.
const shutdownTimeout = 30 * time.Second

// Default per-IP rate limit.
const (
	defaultRateRPS   = 5
	defaultRateBurst = 10
)

// Mailer is the gateway surface the front-end exposes. *graph.Sender
// implements it.
type Mailer interface {
	Send(ctx context.Context, msg *email.Message, opts graph.SendOptions) error
	Receive(ctx context.Context, mailbox string) ([]email.InboundMessage, error)
}

// ServerConfig holds the front-end configuration.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":8080").
	ListenAddr string

	// APIToken enables bearer-token auth on /email/* when non-empty.
	APIToken string

	// RateRPS and RateBurst tune the per-IP token bucket. Zero values
	// fall back to the defaults.
	RateRPS   float64
	RateBurst int

	// SendOptions are applied to every send accepted by the front-end.
	SendOptions graph.SendOptions

	// TLSConfig enables HTTPS when non-nil.
	TLSConfig *tls.Config

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Server is the HTTP front-end. Construct with New, run with
// ListenAndServe.
type Server struct {
	config ServerConfig
	mailer Mailer
	logger *slog.Logger
	router chi.Router
}

// New creates a Server routing requests to the given Mailer.
func New(cfg ServerConfig, mailer Mailer) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RateRPS <= 0 {
		cfg.RateRPS = defaultRateRPS
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = defaultRateBurst
	}

	s := &Server{
		config: cfg,
		mailer: mailer,
		logger: cfg.Logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(panicRecovery(s.logger))

	limiter := newIPRateLimiter(rate.Limit(s.config.RateRPS), s.config.RateBurst)
	r.Use(limiter.middleware(s.logger))

	r.Get("/healthz", s.handleHealthz)

	r.Route("/email", func(r chi.Router) {
		if s.config.APIToken != "" {
			r.Use(bearerAuth(s.config.APIToken, s.logger))
		}
		r.Post("/send", s.handleSend)
		r.Get("/unread", s.handleUnread)
	})

	return r
}

// Handler exposes the router, used by tests and embedding servers.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the front-end and blocks until the context is
// cancelled, then drains in-flight requests for up to 30 seconds.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.router,
		TLSConfig:         s.config.TLSConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("HTTP server listening",
		"addr", s.config.ListenAddr,
		"tls_enabled", s.config.TLSConfig != nil,
		"auth_enabled", s.config.APIToken != "",
	)

	errCh := make(chan error, 1)
	go func() {
		if srv.TLSConfig != nil {
			errCh <- srv.ListenAndServeTLS("", "")
		} else {
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("shutdown incomplete, closing", "error", err)
			srv.Close()
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
