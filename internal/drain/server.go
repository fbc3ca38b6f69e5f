package drain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"
)

const (
	defaultShutdownTimeout   = 30 * time.Second
	defaultReadHeaderTimeout = 10 * time.Second
)

// Server serves HTTP until its Limiter has drained.
type Server struct {
	handler         http.Handler
	limiter         *Limiter
	logger          *slog.Logger
	maxConnections  int
	shutdownTimeout time.Duration
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMaxConnections caps concurrent connections. Zero means no cap.
func WithMaxConnections(n int) ServerOption {
	return func(s *Server) {
		s.maxConnections = n
	}
}

// WithShutdownTimeout bounds how long a drain may take.
func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// NewServer creates a Server serving handler under limiter.
func NewServer(handler http.Handler, limiter *Limiter, opts ...ServerOption) *Server {
	s := &Server{
		handler:         handler,
		limiter:         limiter,
		shutdownTimeout: defaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Serve accepts connections on ln until the limiter starts draining or ctx
// is cancelled, then waits for open connections to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.maxConnections > 0 {
		ln = netutil.LimitListener(ln, s.maxConnections)
	}

	srv := &http.Server{
		Handler:           s.middleware(s.handler),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		ConnState: func(_ net.Conn, state http.ConnState) {
			switch state {
			case http.StateNew:
				s.limiter.OnConnectionStart()
			case http.StateClosed, http.StateHijacked:
				s.limiter.OnConnectionEnd()
			}
		},
	}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Serve(ln)
	}()

	select {
	case <-s.limiter.Started():
		s.logger.Info("request limit reached, draining", "requests", s.limiter.RequestCount())
	case <-ctx.Done():
		s.logger.Info("shutting down, draining")
		s.limiter.BeginDrain()
	case err := <-errc:
		return fmt.Errorf("server stopped: %w", err)
	}

	srv.SetKeepAlivesEnabled(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server stopped: %w", err)
	}

	select {
	case <-s.limiter.Done():
		return nil
	case <-shutdownCtx.Done():
		return fmt.Errorf("connections still open after drain: %w", shutdownCtx.Err())
	}
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dw := &drainWriter{ResponseWriter: w}
		s.limiter.OnRequestStart(dw)
		defer s.limiter.OnRequestEnd(dw)
		next.ServeHTTP(dw, r)
		// net/http writes the header itself when the handler did not.
		if !dw.wroteHeader && dw.closing.Load() {
			dw.Header().Set("Connection", "close")
		}
	})
}

// drainWriter adds "Connection: close" to a response whose request was
// asked to close before its header was written.
type drainWriter struct {
	http.ResponseWriter
	closing     atomic.Bool
	wroteHeader bool
}

func (w *drainWriter) CloseConnection() {
	w.closing.Store(true)
}

func (w *drainWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		if w.closing.Load() {
			w.Header().Set("Connection", "close")
		}
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *drainWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *drainWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
