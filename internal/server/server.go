// Package server is kokoro's HTTP backend. It mints realtime credentials for
// browser and terminal clients, scores finished conversations and keeps the
// saved partner list.
//
// Routes:
//
//	GET    /api/session          ephemeral realtime key
//	POST   /api/review           analysis report for a conversation log
//	GET    /api/characters       archetypes and scenarios
//	GET    /api/partners         saved partners, most recent first
//	POST   /api/partners         save a partner
//	GET    /api/partners/{id}    one partner
//	DELETE /api/partners/{id}    forget a partner
//	GET    /healthz, /readyz     health checks
//	GET    /metrics              Prometheus scrape
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/kokoro/internal/analysis"
	"github.com/MrWong99/kokoro/internal/credential"
	"github.com/MrWong99/kokoro/internal/health"
	"github.com/MrWong99/kokoro/internal/observe"
	"github.com/MrWong99/kokoro/internal/partner"
	"github.com/MrWong99/kokoro/internal/persona"
)

// shutdownTimeout bounds graceful shutdown once the serve context ends.
const shutdownTimeout = 10 * time.Second

// Server wires the API handlers. Build it with [New]; it is safe for
// concurrent use.
type Server struct {
	creds     credential.Provider
	scorer    analysis.Scorer
	partners  partner.Store
	catalogue atomic.Pointer[persona.Catalogue]
	metrics   *observe.Metrics
	origins   []string
	checkers  []health.Checker
	metricsH  http.Handler
}

// Option configures a [Server].
type Option func(*Server)

// WithCredentials sets the provider behind /api/session. Without it the
// route answers 500.
func WithCredentials(p credential.Provider) Option {
	return func(s *Server) { s.creds = p }
}

// WithScorer sets the scorer behind /api/review.
func WithScorer(sc analysis.Scorer) Option {
	return func(s *Server) { s.scorer = sc }
}

// WithPartners sets the saved partner store. Default: an in-memory store.
func WithPartners(st partner.Store) Option {
	return func(s *Server) {
		if st != nil {
			s.partners = st
		}
	}
}

// WithCatalogue sets the character catalogue. Default: [persona.Builtin].
func WithCatalogue(c *persona.Catalogue) Option {
	return func(s *Server) {
		if c != nil {
			s.catalogue.Store(c)
		}
	}
}

// WithMetrics records HTTP metrics on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithCORSOrigins allows browser calls from origins. "*" allows any.
func WithCORSOrigins(origins ...string) Option {
	return func(s *Server) { s.origins = append(s.origins, origins...) }
}

// WithCheckers adds readiness checks to /readyz.
func WithCheckers(c ...health.Checker) Option {
	return func(s *Server) { s.checkers = append(s.checkers, c...) }
}

// WithMetricsHandler overrides the /metrics handler. Default:
// promhttp.Handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsH = h }
}

// New returns a server configured by opts.
func New(opts ...Option) *Server {
	s := &Server{}
	for _, o := range opts {
		o(s)
	}
	if s.partners == nil {
		s.partners = partner.NewMemoryStore()
	}
	if s.catalogue.Load() == nil {
		s.catalogue.Store(persona.Builtin())
	}
	if s.metricsH == nil {
		s.metricsH = promhttp.Handler()
	}
	return s
}

// SetCatalogue swaps the character catalogue. Config reloads call it.
func (s *Server) SetCatalogue(c *persona.Catalogue) {
	if c != nil {
		s.catalogue.Store(c)
	}
}

// Catalogue returns the current catalogue.
func (s *Server) Catalogue() *persona.Catalogue { return s.catalogue.Load() }

// Handler returns the full route tree with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	health.New(s.checkers...).Register(mux)
	mux.Handle("GET /metrics", s.metricsH)

	mux.HandleFunc("GET /api/session", s.handleSession)
	mux.HandleFunc("POST /api/review", s.handleReview)
	mux.HandleFunc("GET /api/characters", s.handleCharacters)
	mux.HandleFunc("GET /api/partners", s.handleListPartners)
	mux.HandleFunc("POST /api/partners", s.handleSavePartner)
	mux.HandleFunc("GET /api/partners/{id}", s.handleGetPartner)
	mux.HandleFunc("DELETE /api/partners/{id}", s.handleDeletePartner)

	var h http.Handler = mux
	h = cors(s.origins)(h)
	h = recoverer(h)
	h = observe.Middleware(s.metrics)(h)
	return h
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
// certFile and keyFile enable TLS when both are set.
func (s *Server) ListenAndServe(ctx context.Context, addr, certFile, keyFile string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", addr, "tls", certFile != "")
		var err error
		if certFile != "" && keyFile != "" {
			err = srv.ListenAndServeTLS(certFile, keyFile)
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	slog.Info("http server stopped")
	return nil
}
