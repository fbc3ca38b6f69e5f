package tor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/nao1215/tornago"
)

// DefaultStartupTimeout bounds how long the embedded daemon may bootstrap.
const DefaultStartupTimeout = 3 * time.Minute

// cookieFile is the name of the auth cookie inside the daemon's data dir.
const cookieFile = "control_auth_cookie"

// EmbeddedTor runs a private Tor daemon through tornago. Its control port
// uses cookie authentication; Endpoint returns everything needed to connect.
//
// Bootstrapping takes one to three minutes on a cold data directory.
type EmbeddedTor struct {
	process        *tornago.TorProcess
	controlAddr    string
	socksAddr      string
	dataDir        string
	startupTimeout time.Duration
	logger         *slog.Logger
}

// EmbeddedTorOption configures an EmbeddedTor.
type EmbeddedTorOption func(*EmbeddedTor)

// WithStartupTimeout sets the bootstrap timeout.
func WithStartupTimeout(timeout time.Duration) EmbeddedTorOption {
	return func(e *EmbeddedTor) {
		if timeout > 0 {
			e.startupTimeout = timeout
		}
	}
}

// WithEmbeddedLogger sets the logger.
func WithEmbeddedLogger(logger *slog.Logger) EmbeddedTorOption {
	return func(e *EmbeddedTor) {
		e.logger = logger
	}
}

// NewEmbeddedTor creates a daemon manager. Nothing runs until Start.
func NewEmbeddedTor(opts ...EmbeddedTorOption) *EmbeddedTor {
	e := &EmbeddedTor{startupTimeout: DefaultStartupTimeout}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Start launches the daemon on OS-assigned ports and blocks until it has
// bootstrapped. If ctx ends meanwhile the daemon is stopped again.
func (e *EmbeddedTor) Start(ctx context.Context) error {
	launchCfg, err := tornago.NewTorLaunchConfig(
		tornago.WithTorSocksAddr(":0"),
		tornago.WithTorControlAddr(":0"),
		tornago.WithTorStartupTimeout(e.startupTimeout),
	)
	if err != nil {
		return fmt.Errorf("failed to create Tor launch config: %w", err)
	}

	e.logger.Info("starting embedded Tor daemon", "timeout", e.startupTimeout)
	process, err := tornago.StartTorDaemon(launchCfg)
	if err != nil {
		return fmt.Errorf("failed to start embedded Tor daemon: %w", err)
	}

	if err := ctx.Err(); err != nil {
		_ = process.Stop() //nolint:errcheck // startup was abandoned
		return err
	}

	e.process = process
	e.controlAddr = process.ControlAddr()
	e.socksAddr = process.SocksAddr()
	e.dataDir = process.DataDir()
	e.logger.Info("embedded Tor daemon ready", "control", e.controlAddr, "socks", e.socksAddr)
	return nil
}

// Stop shuts the daemon down. It is safe on a daemon that never started.
func (e *EmbeddedTor) Stop() error {
	if e.process == nil {
		return nil
	}
	err := e.process.Stop()
	e.process = nil
	e.controlAddr, e.socksAddr, e.dataDir = "", "", ""
	return err
}

// IsRunning reports whether Start succeeded and Stop was not called yet.
func (e *EmbeddedTor) IsRunning() bool {
	return e.process != nil
}

// ControlAddr is the control port, empty while not running.
func (e *EmbeddedTor) ControlAddr() string {
	return e.controlAddr
}

// SocksAddr is the SOCKS port, empty while not running.
func (e *EmbeddedTor) SocksAddr() string {
	return e.socksAddr
}

// CookiePath is the control auth cookie written by the daemon.
func (e *EmbeddedTor) CookiePath() string {
	if e.dataDir == "" {
		return ""
	}
	return filepath.Join(e.dataDir, cookieFile)
}

// Endpoint returns the control endpoint of the running daemon.
func (e *EmbeddedTor) Endpoint() (Endpoint, error) {
	if !e.IsRunning() {
		return Endpoint{}, ErrNotRunning
	}
	return Endpoint{Address: e.controlAddr, CookiePath: e.CookiePath()}, nil
}
