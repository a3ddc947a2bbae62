// Package server exposes a WorldApi over websockets.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/worldstore/internal/core/ids"
	"github.com/zeusync/worldstore/internal/core/observability/log"
	"github.com/zeusync/worldstore/internal/core/observability/metrics"
	"github.com/zeusync/worldstore/internal/core/protocol"
	"github.com/zeusync/worldstore/internal/core/world"
)

type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	Path       string `yaml:"path"`
	// MetricsPath serves prometheus metrics when set.
	MetricsPath string `yaml:"metrics_path"`
	// Token, when set, is required from every connecting client.
	Token string `yaml:"token"`

	MaxClients     int   `yaml:"max_clients"`
	MaxMessageSize int64 `yaml:"max_message_size"`
	// SendQueue bounds the messages waiting for a slow client. A client
	// whose queue fills is disconnected.
	SendQueue       int           `yaml:"send_queue"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:      "127.0.0.1:7070",
		Path:            "/ws",
		MetricsPath:     "/metrics",
		MaxClients:      10_000,
		MaxMessageSize:  16 << 20,
		SendQueue:       256,
		WriteTimeout:    10 * time.Second,
		PingInterval:    30 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr: required"))
	}
	if c.Path == "" || c.Path[0] != '/' {
		errs = append(errs, fmt.Errorf("path %q: must start with /", c.Path))
	}
	if c.MaxClients <= 0 {
		errs = append(errs, errors.New("max_clients: must be positive"))
	}
	if c.SendQueue <= 0 {
		errs = append(errs, errors.New("send_queue: must be positive"))
	}
	if c.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("max_message_size: must be positive"))
	}
	return errors.Join(errs...)
}

// Server serves one WorldApi to websocket clients. Every connection gets its
// own session with a bounded send queue.
type Server struct {
	api       world.WorldApi
	allocator *ids.Allocator
	config    Config
	logger    log.Log

	upgrader websocket.Upgrader
	sessions sync.Map // map[string]*session
	count    atomic.Int64

	running atomic.Bool
	closed  atomic.Bool
	mu      sync.Mutex
	addr    net.Addr
	ready   chan struct{}
}

// New creates a server. A nil allocator disables the allocate method.
func New(api world.WorldApi, allocator *ids.Allocator, config Config, logger log.Log) *Server {
	return &Server{
		api:       api,
		allocator: allocator,
		config:    config,
		logger:    logger.With(log.String("component", "server")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		ready: make(chan struct{}),
	}
}

// Handler routes the websocket endpoint and, if configured, metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handleWebSocket)
	if s.config.MetricsPath != "" {
		mux.Handle(s.config.MetricsPath, promhttp.Handler())
	}
	return mux
}

// Run listens on ListenAddr until ctx ends, then drains every session.
func (s *Server) Run(ctx context.Context) error {
	if s.closed.Load() {
		return ErrServerClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrServerAlreadyRunning
	}
	defer s.closed.Store(true)

	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.ListenAddr, err)
	}
	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()
	close(s.ready)

	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("Server listening", log.String("addr", listener.Addr().String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		s.closeSessions()
		s.logger.Info("Server stopped")
		return err
	})
	return g.Wait()
}

// Addr is the bound listen address once Run has started listening.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-s.ready:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.addr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Sessions is the number of connected clients.
func (s *Server) Sessions() int { return int(s.count.Load()) }

func (s *Server) closeSessions() {
	s.sessions.Range(func(_, value any) bool {
		value.(*session).close(ErrServerClosed)
		return true
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if err := s.authorize(r); err != nil {
		s.logger.Warn("Rejected connection", log.String("remote_addr", r.RemoteAddr), log.Error(err))
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	if int(s.count.Load()) >= s.config.MaxClients {
		s.logger.Warn("Maximum clients reached, rejecting connection", log.String("remote_addr", r.RemoteAddr))
		http.Error(w, ErrMaxClientsReached.Error(), http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("Upgrade failed", log.String("remote_addr", r.RemoteAddr), log.Error(err))
		return
	}
	conn := protocol.NewConn(ws, protocol.ConnConfig{
		WriteTimeout:   s.config.WriteTimeout,
		PingInterval:   s.config.PingInterval,
		MaxMessageSize: s.config.MaxMessageSize,
	})
	sess := newSession(s, conn)

	s.sessions.Store(conn.ID(), sess)
	total := s.count.Add(1)
	metrics.ServerConnections.Inc()
	s.logger.Info("Client connected",
		log.String("client_id", conn.ID()),
		log.String("remote_addr", r.RemoteAddr),
		log.Int64("total_clients", total))

	err = sess.run(r.Context())

	s.sessions.Delete(conn.ID())
	total = s.count.Add(-1)
	metrics.ServerConnections.Dec()
	s.logger.Info("Client disconnected",
		log.String("client_id", conn.ID()),
		log.Int64("total_clients", total),
		log.Error(err))
}
