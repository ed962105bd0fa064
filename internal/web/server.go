// Package web serves the broker's JSON status API and the websocket feed
// that keeps dashboards current without polling.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/roasbeef/revbroker/internal/notify"
	"github.com/roasbeef/revbroker/internal/review"
)

// defaultWaitTimeout bounds wait=true long-polls when the caller does not
// configure one.
const defaultWaitTimeout = 25 * time.Second

// Config holds configuration for the web server.
type Config struct {
	// Addr is the listen address, host:port.
	Addr string

	// Service is the broker service every handler dispatches to.
	Service *review.Service

	// BrokerRef is an optional actor reference for broker operations.
	// If set, operations are routed through the actor system.
	BrokerRef review.BrokerActorRef

	// Bus is the notification bus the websocket hub and long-poll
	// handlers wait on.
	Bus *notify.Bus

	// WaitTimeout bounds wait=true long-polls. Defaults to 25s.
	WaitTimeout time.Duration
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr: ":8080",
	}
}

// Server is the HTTP server for the broker status surface.
type Server struct {
	svc       *review.Service
	brokerRef review.BrokerActorRef
	bus       *notify.Bus
	hub       *Hub
	mux       *http.ServeMux
	srv       *http.Server
	addr      string

	waitTimeout time.Duration
}

// NewServer creates a new web server.
func NewServer(cfg *Config) (*Server, error) {
	waitTimeout := cfg.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = defaultWaitTimeout
	}

	s := &Server{
		svc:         cfg.Service,
		brokerRef:   cfg.BrokerRef,
		bus:         cfg.Bus,
		mux:         http.NewServeMux(),
		addr:        cfg.Addr,
		waitTimeout: waitTimeout,
	}

	// Register JSON API routes.
	s.registerAPIV1Routes()

	// Initialize and start the websocket hub.
	s.hub = NewHub(s)
	go s.hub.Run()

	s.mux.HandleFunc("/ws", s.handleWebSocket)

	return s, nil
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:         s.addr,
		Handler:      s.mux,
		ReadTimeout:  defaultWaitTimeout + 5*time.Second,
		WriteTimeout: defaultWaitTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Infof("Web server listening on %s", s.addr)
	return s.srv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Stop()
	}

	if s.srv != nil {
		return s.srv.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the route mux, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.mux
}
