// Package server is the reference chat server: a REST read side for history
// and credentials, plus a websocket push side that fans live mutations out to
// connected users.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/okch/chatsync/internal/config"
	"github.com/okch/chatsync/internal/store"
)

// Server wires the store, the token manager, the hub, and the HTTP surface.
type Server struct {
	cfg    config.Config
	store  *store.Store
	tokens *TokenManager
	hub    *Hub
	logger *slog.Logger
	http   *http.Server
}

// New assembles a server around an open store.
func New(cfg config.Config, st *store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		store:  st,
		tokens: NewTokenManager(cfg.JWTSecret, cfg.TokenTTL),
		hub:    NewHub(st, logger),
		logger: logger.With("component", "server"),
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves HTTP until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.cfg.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down")
	return s.http.Shutdown(ctx)
}
