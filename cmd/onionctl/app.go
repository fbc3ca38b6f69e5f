package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nao1215/onionctl/internal/config"
	"github.com/nao1215/onionctl/internal/control"
	"github.com/nao1215/onionctl/internal/log"
	"github.com/nao1215/onionctl/internal/metrics"
	"github.com/nao1215/onionctl/internal/session"
	"github.com/nao1215/onionctl/internal/store"
	"github.com/nao1215/onionctl/internal/tor"
	"github.com/spf13/cobra"
)

// app holds what commands need from the outside world. Tests replace the
// Tor-facing functions.
type app struct {
	getenv func(string) string

	// resolve finds the control endpoint, starting an embedded daemon when
	// configured. The returned function releases it.
	resolve func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (tor.Endpoint, func(), error)

	// dial opens an authenticated control connection.
	dial func(ctx context.Context, ep tor.Endpoint, logger *slog.Logger) (session.Transport, error)

	// publish exposes 127.0.0.1:localPort as an onion service on port 80.
	publish func(ctx context.Context, ep tor.Endpoint, localPort int) (onionService, error)
}

// onionService is a published onion service.
type onionService interface {
	URL(virtualPort int) string
	Close()
}

func defaultApp() *app {
	return &app{
		getenv:  os.Getenv,
		resolve: resolveEndpoint,
		dial: func(ctx context.Context, ep tor.Endpoint, logger *slog.Logger) (session.Transport, error) {
			return tor.Connect(ctx, ep, control.WithLogger(logger))
		},
		publish: func(ctx context.Context, ep tor.Endpoint, localPort int) (onionService, error) {
			return tor.PublishOnion(ctx, ep, 80, localPort)
		},
	}
}

func resolveEndpoint(ctx context.Context, cfg *config.Config, logger *slog.Logger) (tor.Endpoint, func(), error) {
	if !cfg.UseEmbeddedTor {
		ep := tor.Endpoint{
			Address:    cfg.ControlAddress,
			Password:   cfg.ControlPassword,
			CookiePath: cfg.CookiePath,
		}
		return ep, func() {}, nil
	}

	embedded := tor.NewEmbeddedTor(
		tor.WithStartupTimeout(cfg.TorStartupTimeout),
		tor.WithEmbeddedLogger(logger),
	)
	if err := embedded.Start(ctx); err != nil {
		return tor.Endpoint{}, nil, err
	}
	stop := func() {
		logger.Info("stopping embedded Tor daemon")
		if err := embedded.Stop(); err != nil {
			logger.Error("failed to stop embedded Tor", "error", err)
		}
	}
	ep, err := embedded.Endpoint()
	if err != nil {
		stop()
		return tor.Endpoint{}, nil, err
	}
	return ep, stop, nil
}

// loadConfig builds the effective configuration: file, environment, then
// every flag the user set explicitly.
func (a *app) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()

	path, err := flags.GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path, a.getenv)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}

	if flags.Changed("control") {
		if cfg.ControlAddress, err = flags.GetString("control"); err != nil {
			return nil, err
		}
	}
	if flags.Changed("cookie") {
		if cfg.CookiePath, err = flags.GetString("cookie"); err != nil {
			return nil, err
		}
	}
	if flags.Changed("embedded") {
		if cfg.UseEmbeddedTor, err = flags.GetBool("embedded"); err != nil {
			return nil, err
		}
	}
	if flags.Changed("timeout") {
		if cfg.CommandTimeout, err = flags.GetDuration("timeout"); err != nil {
			return nil, err
		}
	}
	if flags.Changed("metrics-addr") {
		if cfg.MetricsAddress, err = flags.GetString("metrics-addr"); err != nil {
			return nil, err
		}
	}
	if flags.Changed("db-dir") {
		if cfg.DBDir, err = flags.GetString("db-dir"); err != nil {
			return nil, err
		}
	}
	if flags.Changed("no-history") {
		noHistory, err := flags.GetBool("no-history")
		if err != nil {
			return nil, err
		}
		cfg.SaveHistory = !noHistory
	}
	if cfg.Verbose, err = flags.GetBool("verbose"); err != nil {
		return nil, err
	}
	if cfg.JSONLogs, err = flags.GetBool("json-logs"); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	if cfg.JSONLogs {
		return log.NewSecureJSONLogger(w, cfg.Verbose)
	}
	return log.NewSecureLogger(w, cfg.Verbose)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// invocation is everything one command invocation opened.
type invocation struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	session *session.Session

	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (r *invocation) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

func (r *invocation) onClose(fn func()) {
	r.closers = append(r.closers, fn)
}

// prepare loads the configuration, sets up logging and serves metrics if
// asked to. The caller must Close the invocation.
func (a *app) prepare(cmd *cobra.Command) (*invocation, error) {
	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	r := &invocation{
		cfg:     cfg,
		logger:  newLogger(cfg, cmd.ErrOrStderr()),
		metrics: metrics.New(),
	}
	if err := r.serveMetrics(); err != nil {
		return nil, err
	}
	return r, nil
}

// open prepares an invocation and starts a session on it.
func (a *app) open(ctx context.Context, cmd *cobra.Command, opts ...session.Option) (*invocation, error) {
	r, err := a.prepare(cmd)
	if err != nil {
		return nil, err
	}
	cfg, logger := r.cfg, r.logger

	base := []session.Option{
		session.WithLogger(logger),
		session.WithMetrics(r.metrics),
		session.WithWindowSize(session.WindowSize{MaxLive: cfg.MaxLive, RollUp: cfg.RollUp, Retention: cfg.Retention}),
	}
	if cfg.SaveHistory {
		db, err := store.Open(cfg.DBDir, store.DefaultOptions())
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("failed to open history database: %w", err)
		}
		r.onClose(func() {
			if err := db.Close(); err != nil {
				logger.Warn("failed to close history database", "error", err)
			}
		})
		base = append(base, session.WithHistory(db))
	}

	ep, release, err := a.resolve(ctx, cfg, logger)
	if err != nil {
		r.Close()
		return nil, err
	}
	r.onClose(release)

	tr, err := a.dial(ctx, ep, logger)
	if err != nil {
		r.Close()
		return nil, err
	}
	if c, ok := tr.(io.Closer); ok {
		r.onClose(func() { _ = c.Close() }) //nolint:errcheck // the session is already gone
	}

	sess, err := session.New(tr, append(base, opts...)...)
	if err != nil {
		r.Close()
		return nil, err
	}
	if err := sess.Start(ctx); err != nil {
		r.Close()
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	r.session = sess
	r.onClose(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sess.Close(closeCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Debug("session closed with error", "error", err)
		}
	})
	return r, nil
}

// serveMetrics exposes the collectors while the command runs.
func (r *invocation) serveMetrics() error {
	if r.cfg.MetricsAddress == "" {
		return nil
	}
	ln, err := net.Listen("tcp", r.cfg.MetricsAddress)
	if err != nil {
		return fmt.Errorf("failed to listen for metrics: %w", err)
	}
	srv := &http.Server{
		Handler:           r.metrics.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Warn("metrics server stopped", "error", err)
		}
	}()
	r.logger.Info("serving metrics", "address", ln.Addr().String())
	r.onClose(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx) //nolint:errcheck // best effort on exit
	})
	return nil
}

// commandContext bounds one command with the configured timeout.
func (r *invocation) commandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.cfg.CommandTimeout)
}
