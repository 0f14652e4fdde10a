package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dcabot/internal/config"
	"dcabot/internal/store"
	"dcabot/internal/supervisor"
)

// Server runs the HTTP API and the event hub. When cfg.WSPort is set the
// WebSocket endpoint gets its own listener; otherwise it shares the main
// port.
type Server struct {
	cfg      config.ServerConfig
	hub      *Hub
	handlers *Handlers
	logger   *slog.Logger

	main *http.Server
	ws   *http.Server
}

// NewServer wires the handlers and listeners.
func NewServer(
	cfg config.ServerConfig,
	hubCfg config.HubConfig,
	sup *supervisor.Supervisor,
	st store.Store,
	streams MarketStreams,
	balances BalanceProvider,
	history KlineHistory,
	logger *slog.Logger,
) *Server {
	hub := NewHub(hubCfg, streams, balances, history, logger)
	handlers := NewHandlers(sup, st, hub, cfg.AllowedOrigins, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /bots", handlers.HandleCreateBot)
	mux.HandleFunc("GET /bots", handlers.HandleListBots)
	mux.HandleFunc("POST /bots/{id}/start", handlers.HandleStartBot)
	mux.HandleFunc("POST /bots/{id}/stop", handlers.HandleStopBot)
	mux.HandleFunc("DELETE /bots/{id}", handlers.HandleDeleteBot)
	mux.HandleFunc("GET /bot-cycles/{botId}", handlers.HandleBotCycles)
	mux.HandleFunc("GET /bot-orders/{botId}", handlers.HandleBotOrders)
	mux.HandleFunc("GET /bot-stats", handlers.HandleBotStats)
	mux.HandleFunc("GET /cycle-profits", handlers.HandleCycleProfits)

	s := &Server{
		cfg:      cfg,
		hub:      hub,
		handlers: handlers,
		logger:   logger.With("component", "api-server"),
	}

	if cfg.WSPort > 0 && cfg.WSPort != cfg.Port {
		wsMux := http.NewServeMux()
		wsMux.HandleFunc("GET /api/ws", handlers.HandleWebSocket)
		s.ws = &http.Server{
			Addr:        fmt.Sprintf(":%d", cfg.WSPort),
			Handler:     wsMux,
			IdleTimeout: 60 * time.Second,
		}
	} else {
		mux.HandleFunc("GET /api/ws", handlers.HandleWebSocket)
	}

	// No WriteTimeout on the main server: it would sever WebSocket
	// connections when they share the port.
	s.main = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Hub exposes the event hub for sink wiring.
func (s *Server) Hub() *Hub { return s.hub }

// Start runs the hub and listeners until ctx is cancelled or a listener
// fails.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	errCh := make(chan error, 2)
	go func() {
		s.logger.Info("api server starting", "addr", s.main.Addr)
		if err := s.main.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	if s.ws != nil {
		go func() {
			s.logger.Info("websocket server starting", "addr", s.ws.Addr)
			if err := s.ws.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("websocket server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Stop shuts both listeners down gracefully.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var firstErr error
	if err := s.main.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if s.ws != nil {
		if err := s.ws.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
