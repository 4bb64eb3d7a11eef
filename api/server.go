// Package api exposes the event layer over HTTP: health and stats
// endpoints, queryable event history, Prometheus metrics and a WebSocket
// live stream.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/0xbitsave/poolwatch-go/events"
)

// Server represents the API server
type Server struct {
	config   *Config
	logger   *zap.Logger
	bus      *events.Bus
	router   *chi.Mux
	server   *http.Server
	streamer *Streamer
}

// NewServer creates a new API server
func NewServer(config *Config, bus *events.Bus, logger *zap.Logger) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		config: config,
		logger: logger,
		bus:    bus,
		router: chi.NewRouter(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         config.Address(),
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s, nil
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	if s.config.EnableCORS {
		s.router.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				origin := r.Header.Get("Origin")
				if origin == "" {
					origin = "*"
				}

				allowed := false
				for _, allowedOrigin := range s.config.AllowedOrigins {
					if allowedOrigin == "*" || allowedOrigin == origin {
						allowed = true
						break
					}
				}

				if allowed {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Upgrade, Connection")
				}

				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusOK)
					return
				}

				next.ServeHTTP(w, r)
			})
		})
	}
}

func (s *Server) setupRoutes() {
	if s.config.EnableWebSocket {
		s.streamer = NewStreamer(s.bus, s.logger)
		s.router.Get(s.config.WebSocketPath, s.streamer.ServeHTTP)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/stats", s.handleStats)
	s.router.Get("/history", s.handleHistory)
	s.router.Handle("/metrics", promhttp.Handler())
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	Subscribers int    `json:"subscribers"`
	HistoryLen  int    `json:"history_len"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Subscribers: s.bus.SubscriberCount(),
		HistoryLen:  s.bus.HistoryLen(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.bus.Stats())
}

// HistoryResponse wraps a history query result.
type HistoryResponse struct {
	Count  int            `json:"count"`
	Events []events.Event `json:"events"`
}

// handleHistory answers GET /history. Query parameters: type and source
// (repeatable), user (hex address), since and until (RFC3339), limit.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	filter, err := parseHistoryFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result := s.bus.History(filter)
	writeJSON(w, http.StatusOK, HistoryResponse{
		Count:  len(result),
		Events: result,
	})
}

func parseHistoryFilter(r *http.Request) (*events.HistoryFilter, error) {
	query := r.URL.Query()
	filter := &events.HistoryFilter{}

	for _, t := range query["type"] {
		filter.Types = append(filter.Types, events.EventType(t))
	}
	for _, src := range query["source"] {
		filter.Sources = append(filter.Sources, events.Source(src))
	}

	if user := query.Get("user"); user != "" {
		if !common.IsHexAddress(user) {
			return nil, fmt.Errorf("invalid user address: %s", user)
		}
		filter.User = common.HexToAddress(user)
	}

	if since := query.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return nil, fmt.Errorf("invalid since timestamp: %w", err)
		}
		filter.Since = t
	}
	if until := query.Get("until"); until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return nil, fmt.Errorf("invalid until timestamp: %w", err)
		}
		filter.Until = t
	}

	if limit := query.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return nil, fmt.Errorf("invalid limit: %w", err)
		}
		filter.Limit = n
	}

	if err := filter.Validate(); err != nil {
		return nil, err
	}
	return filter, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// Start starts the API server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("starting API server",
		zap.String("address", s.config.Address()),
		zap.Bool("websocket", s.config.EnableWebSocket),
	)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the API server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping API server")

	if s.streamer != nil {
		s.streamer.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}

// Router returns the underlying chi router (for testing)
func (s *Server) Router() *chi.Mux {
	return s.router
}
