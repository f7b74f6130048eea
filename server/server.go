// Package server runs the room broadcast server: clients connect over a
// websocket, join rooms and exchange document updates and presence through a
// single hub goroutine that owns every room.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"promptstudio/collab/bus"
	"promptstudio/collab/store"
)

var ErrServerRunning = errors.New("server: already running")

// Config holds server configuration.
type Config struct {
	// Host is the address to bind to (default: 0.0.0.0)
	Host string
	// Port is the port to listen on (default: 8081)
	Port int
	// AllowedOrigins restricts websocket origins. Empty allows any.
	AllowedOrigins []string

	Session SessionConfig

	GracePeriod   time.Duration
	SweepInterval time.Duration

	Bus          bus.Bus
	Store        store.SnapshotStore
	StoreTimeout time.Duration

	Logger *log.Logger
}

// DefaultSessionConfig returns the connection limits used when a Config
// leaves them unset.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		SendBuffer:      DefaultSendBuffer,
		MaxMessageBytes: 1 << 20,
		PingPeriod:      25 * time.Second,
		PongWait:        60 * time.Second,
		WriteWait:       10 * time.Second,
	}
}

// Server is the collaboration HTTP server.
type Server struct {
	cfg        Config
	hub        *Hub
	handler    http.Handler
	upgrader   websocket.Upgrader
	httpServer *http.Server
	logger     *log.Logger

	mu      sync.Mutex
	running bool
}

// New creates a Server. Call Start to serve.
func New(cfg Config) *Server {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 8081
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	def := DefaultSessionConfig()
	if cfg.Session.SendBuffer <= 0 {
		cfg.Session.SendBuffer = def.SendBuffer
	}
	if cfg.Session.MaxMessageBytes <= 0 {
		cfg.Session.MaxMessageBytes = def.MaxMessageBytes
	}
	if cfg.Session.PongWait <= 0 {
		cfg.Session.PongWait = def.PongWait
	}
	if cfg.Session.PingPeriod <= 0 || cfg.Session.PingPeriod >= cfg.Session.PongWait {
		cfg.Session.PingPeriod = cfg.Session.PongWait * 9 / 10
	}
	if cfg.Session.WriteWait <= 0 {
		cfg.Session.WriteWait = def.WriteWait
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.WithPrefix("server"),
		hub: NewHub(HubConfig{
			Bus:           cfg.Bus,
			Store:         cfg.Store,
			StoreTimeout:  cfg.StoreTimeout,
			GracePeriod:   cfg.GracePeriod,
			SweepInterval: cfg.SweepInterval,
			Logger:        cfg.Logger,
		}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.handler = s.routes()
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Addr is the listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// Handler returns the HTTP routes without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Hub returns the server's hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(s.cfg.AllowedOrigins, origin)
}

// Start runs the hub and the HTTP server. It blocks until the context is
// cancelled or the listener fails, then shuts both down.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrServerRunning
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hubErr := make(chan error, 1)
	go func() {
		hubErr <- s.hub.Run(hubCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var (
		serveErr   error
		hubStopped bool
	)
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("HTTP server error: %w", err)
		}
	case err := <-hubErr:
		hubStopped = true
		serveErr = fmt.Errorf("hub stopped: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP shutdown", "error", err)
	}
	stopHub()
	if !hubStopped {
		<-hubErr
	}
	s.logger.Info("server stopped")
	return serveErr
}
