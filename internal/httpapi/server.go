// ABOUTME: HTTP surface for the bridge: send, status, webhook refresh, health.
// ABOUTME: chi router with auth and rate limiting; graceful shutdown via ctx.

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"log/slog"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/2389/crm-bridge/internal/bridge"
	"github.com/2389/crm-bridge/internal/config"
)

// Service is the bridge surface the HTTP layer drives.
type Service interface {
	SendMessage(ctx context.Context, opts bridge.SendOptions) (string, error)
	Status() bridge.Status
	RefreshWebhooks(ctx context.Context)
	Logout(ctx context.Context) error
}

// Server serves the bridge API over HTTP.
type Server struct {
	cfg        *config.Config
	service    Service
	metricsH   http.Handler
	logger     *slog.Logger
	httpServer *http.Server
	limiters   *limiterStore
}

// New builds the server and its router. metricsHandler may be nil when
// metrics are disabled.
func New(cfg *config.Config, svc Service, metricsHandler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		service:  svc,
		metricsH: metricsHandler,
		logger:   logger.With("component", "httpapi"),
		limiters: newLimiterStore(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	if s.metricsH != nil && s.cfg.Metrics.Enabled {
		r.Method(http.MethodGet, s.cfg.Metrics.Path, s.metricsH)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(requireAPIKey(s.cfg.Server.APIKey))
		r.Use(rateLimit(s.limiters))

		r.Post("/send", s.handleSend)
		r.Get("/status", s.handleStatus)
		r.Post("/webhooks/refresh", s.handleRefresh)
		r.Post("/logout", s.handleLogout)
	})

	return r
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is canceled, then shuts down gracefully. It also
// sweeps idle rate limiters on a slow ticker.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.cfg.Server.HTTPAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case err := <-errCh:
			return err
		case <-ticker.C:
			s.limiters.sweep(10 * time.Minute)
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http shutdown: %w", err)
			}
			return <-errCh
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sendResponse struct {
	MessageID string `json:"message_id"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var opts bridge.SendOptions
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := s.service.SendMessage(r.Context(), opts)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, bridge.ErrInvalidSend) {
			status = http.StatusBadRequest
		}
		s.logger.Error("send failed", "to", opts.To, "error", err)
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{MessageID: id})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Status())
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.service.RefreshWebhooks(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Logout(r.Context()); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
