package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"rentwatch/internal/metrics"
)

const (
	// DefaultShutdownTimeout bounds Shutdown when draining stalls.
	DefaultShutdownTimeout = 30 * time.Second

	keepAliveTimeout = 65 * time.Second
	headersTimeout   = 66 * time.Second
)

// ErrShutdownTimeout is returned when connections outlive the shutdown bound.
var ErrShutdownTimeout = errors.New("server shutdown timeout")

type ServerOptions struct {
	Addr            string
	ShutdownTimeout time.Duration
	// OnFault receives serve errors that were not caused by Shutdown.
	OnFault func(error)
	Metrics *metrics.Metrics
}

// Server owns at most one listening socket and every connection accepted on
// it, so that Shutdown can force-close stragglers.
type Server struct {
	handler         http.Handler
	addr            string
	shutdownTimeout time.Duration
	onFault         func(error)
	metrics         *metrics.Metrics
	logger          *zap.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	boundTo  string

	connMu sync.Mutex
	conns  map[string]net.Conn
}

func NewServer(handler http.Handler, opts ServerOptions, logger *zap.Logger) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		handler:         handler,
		addr:            opts.Addr,
		shutdownTimeout: opts.ShutdownTimeout,
		onFault:         opts.OnFault,
		metrics:         opts.Metrics,
		logger:          logger.Named("server"),
		conns:           make(map[string]net.Conn),
	}
}

// Start binds the listener and returns once it is accepting. Serving
// continues in the background until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return errors.New("server already running")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		s.logger.Error("failed to start", zap.String("addr", s.addr), zap.Error(err))
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	ln = &onceCloseListener{Listener: ln}

	srv := &http.Server{
		Handler:           s.handler,
		IdleTimeout:       keepAliveTimeout,
		ReadHeaderTimeout: headersTimeout,
		ConnState:         s.trackConn,
		ErrorLog:          zap.NewStdLog(s.logger),
	}

	s.srv = srv
	s.listener = ln
	s.boundTo = ln.Addr().String()

	go func() {
		err := srv.Serve(ln)
		if err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
			return
		}
		s.logger.Error("serve failed", zap.Error(err))
		if s.onFault != nil {
			s.onFault(err)
		}
	}()

	s.logger.Info("running server", zap.String("addr", s.boundTo))
	return nil
}

// Addr is the bound address while running, or "" otherwise.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return ""
	}
	return s.boundTo
}

func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.srv != nil
}

func (s *Server) ActiveConnections() int {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return len(s.conns)
}

// Shutdown stops accepting, force-closes tracked connections and waits for
// the server to close, at most shutdownTimeout. On timeout the close keeps
// running in the background and ErrShutdownTimeout is returned.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	srv, ln := s.srv, s.listener
	s.mu.Unlock()

	if srv == nil {
		s.logger.Info("no server instance running")
		return nil
	}

	s.logger.Info("shutting down", zap.Int("connections", s.ActiveConnections()))

	_ = ln.Close()

	// Closing a connection that is already closing is a no-op.
	for _, conn := range s.trackedConns() {
		_ = conn.Close()
	}

	done := make(chan error, 1)
	go func() {
		done <- srv.Shutdown(context.Background())
	}()

	timer := time.NewTimer(s.shutdownTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			s.logger.Error("error during shutdown", zap.Error(err))
			return fmt.Errorf("close server: %w", err)
		}
		s.mu.Lock()
		if s.srv == srv {
			s.srv = nil
			s.listener = nil
			s.boundTo = ""
		}
		s.mu.Unlock()
		s.logger.Info("shutdown completed")
		return nil
	case <-timer.C:
		s.logger.Error("forced shutdown due to timeout", zap.Duration("timeout", s.shutdownTimeout))
		return ErrShutdownTimeout
	}
}

func (s *Server) trackConn(conn net.Conn, state http.ConnState) {
	key := conn.RemoteAddr().String()

	s.connMu.Lock()
	switch state {
	case http.StateNew:
		s.conns[key] = conn
	case http.StateClosed, http.StateHijacked:
		delete(s.conns, key)
	}
	n := len(s.conns)
	s.connMu.Unlock()

	if s.metrics != nil {
		s.metrics.ActiveConnections.Set(float64(n))
	}
}

func (s *Server) trackedConns() []net.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	conns := make([]net.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

// onceCloseListener lets both Shutdown paths close the listener without the
// second close reporting an error.
type onceCloseListener struct {
	net.Listener
	once sync.Once
	err  error
}

func (l *onceCloseListener) Close() error {
	l.once.Do(func() { l.err = l.Listener.Close() })
	return l.err
}
