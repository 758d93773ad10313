// Package server wraps the HTTP listener hosting the websocket endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kysua/chat-server/config"
)

// Server is the node's client-facing HTTP server.
type Server struct {
	httpServer *http.Server
	log        *zap.Logger
}

// New builds the server with the websocket endpoint mounted at /ws.
func New(cfg *config.ServerConfig, wsHandler http.HandlerFunc, log *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      mux,
			ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
		},
		log: log,
	}
}

// Start blocks serving until Shutdown is called or the listener fails.
func (s *Server) Start() error {
	s.log.Info("server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
