package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"shepherd/internal/config"
	"shepherd/internal/logging"
	"shepherd/internal/pipeline"
	"shepherd/internal/services"
)

type apiServer struct {
	bind   string
	logger *slog.Logger
	daemon *Daemon

	listener net.Listener
	server   *http.Server
}

// ItemsResponse is the payload of GET /api/items.
type ItemsResponse struct {
	Items []pipeline.ItemView `json:"items"`
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) (*apiServer, error) {
	if cfg == nil || d == nil {
		return nil, nil
	}
	bind := strings.TrimSpace(cfg.API.Bind)
	if bind == "" {
		return nil, nil
	}
	srv := &apiServer{
		bind:   bind,
		logger: logging.NewComponentLogger(logger, "api-server"),
		daemon: d,
	}
	srv.server = &http.Server{
		Handler:           srv.routes(cfg.API.Token),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv, nil
}

func (s *apiServer) routes(token string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestContext)
	r.Use(middleware.Recoverer)

	if s.daemon.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.daemon.metrics.Handler())
	}
	r.Route("/api", func(r chi.Router) {
		r.Use(authMiddleware(token))
		r.Get("/status", s.handleStatus)
		r.Get("/items", s.handleItems)
		r.Get("/items/history", s.handleItemHistory)
	})
	return r
}

// requestContext carries chi's request id into the services context so
// handler logs can be correlated.
func (s *apiServer) requestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := services.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *apiServer) listen() error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener
	s.logger.Info("api server listening",
		logging.String(logging.FieldEventType, "api_listening"),
		logging.String("address", listener.Addr().String()),
	)
	return nil
}

// Addr returns the bound listener address, or "" before listen.
func (s *apiServer) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("api server error", logging.Error(err))
		return fmt.Errorf("api serve: %w", err)
	}
	return nil
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.daemon.Status(r.Context()))
}

func (s *apiServer) handleItems(w http.ResponseWriter, r *http.Request) {
	views, err := s.daemon.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, err.Error())
		return
	}

	query := r.URL.Query()
	states := make(map[pipeline.State]bool)
	for _, value := range query["state"] {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			states[pipeline.State(strings.ToLower(trimmed))] = true
		}
	}
	failedOnly := query.Get("failed") == "1" || strings.EqualFold(query.Get("failed"), "true")

	filtered := make([]pipeline.ItemView, 0, len(views))
	for _, view := range views {
		if len(states) > 0 && !states[view.State] {
			continue
		}
		if failedOnly && view.Failure == nil {
			continue
		}
		view.History = nil
		filtered = append(filtered, view)
	}
	s.writeJSON(w, r, http.StatusOK, ItemsResponse{Items: filtered})
}

func (s *apiServer) handleItemHistory(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		s.writeError(w, r, http.StatusBadRequest, "key query parameter required")
		return
	}
	views, err := s.daemon.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, err.Error())
		return
	}
	for _, view := range views {
		if view.Key == key {
			s.writeJSON(w, r, http.StatusOK, view)
			return
		}
	}
	s.writeError(w, r, http.StatusNotFound, "item not found")
}

func (s *apiServer) writeJSON(w http.ResponseWriter, r *http.Request, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		requestID, _ := services.RequestIDFromContext(r.Context())
		s.logger.Error("failed to encode response",
			logging.Error(err),
			logging.String(logging.FieldCorrelationID, requestID),
		)
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.writeJSON(w, r, status, map[string]string{"error": message})
}
