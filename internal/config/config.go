package config

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
)

// Default configuration values.
const (
	// DefaultControlAddress is Tor's default control port. 127.0.0.1 is used
	// instead of localhost to avoid resolving to an IPv6 address Tor does
	// not listen on.
	DefaultControlAddress = "127.0.0.1:9051"

	// ControlPortEnv overrides the control address. A bare port number
	// means that port on 127.0.0.1.
	ControlPortEnv = "TOR_CONTROL_PORT"

	// DefaultCommandTimeout bounds every control command and the wait for
	// its outcome. Circuit builds over slow relays can take tens of
	// seconds.
	DefaultCommandTimeout = 30 * time.Second

	// DefaultTorStartupTimeout is the maximum time to wait for the embedded
	// Tor daemon to bootstrap.
	DefaultTorStartupTimeout = 3 * time.Minute

	// DefaultMaxLive is the number of live bandwidth samples per stream.
	DefaultMaxLive = 20

	// DefaultRollUp is the number of samples folded into one bucket.
	DefaultRollUp = 5

	// DefaultRetention is the number of buckets kept per stream.
	DefaultRetention = 10

	// DefaultPastebinAddress lets the OS pick a local port.
	DefaultPastebinAddress = "127.0.0.1:0"

	// AppName is the application name used for XDG directory paths.
	AppName = "onionctl"
)

// Config holds all configuration options for onionctl. It is filled from
// defaults, then the config file, then the environment, then CLI flags.
type Config struct {
	// ControlAddress is "host:port" or "unix:/path" of the Tor control port.
	ControlAddress string

	// ControlPassword authenticates with HashedControlPassword.
	ControlPassword string

	// CookiePath is the control auth cookie file. When empty and no
	// password is set, Tor's PROTOCOLINFO cookie is not used and
	// authentication is attempted without credentials.
	CookiePath string

	// CommandTimeout bounds each command and the wait for its outcome.
	CommandTimeout time.Duration

	// UseEmbeddedTor starts a private Tor daemon instead of connecting to
	// ControlAddress.
	UseEmbeddedTor bool

	// TorStartupTimeout bounds the embedded daemon's bootstrap.
	TorStartupTimeout time.Duration

	// MaxLive, RollUp and Retention size the bandwidth windows.
	MaxLive   int
	RollUp    int
	Retention int

	// DBDir is where the history database lives. Defaults to the XDG data
	// directory (~/.local/share/onionctl on Linux).
	DBDir string

	// SaveHistory records builds, teardowns and bandwidth buckets.
	SaveHistory bool

	// MetricsAddress serves Prometheus metrics when set.
	MetricsAddress string

	// PastebinAddress is the local listen address for pastebin.
	PastebinAddress string

	// Verbose enables debug logging.
	Verbose bool

	// JSONLogs switches the log format to JSON.
	JSONLogs bool

	// ConfigFilePath is an explicit config file. If empty, .onionctl is
	// searched in the current directory and then the home directory.
	ConfigFilePath string
}

// NewConfig returns a Config with default values.
func NewConfig() *Config {
	return &Config{
		ControlAddress:    DefaultControlAddress,
		CommandTimeout:    DefaultCommandTimeout,
		TorStartupTimeout: DefaultTorStartupTimeout,
		MaxLive:           DefaultMaxLive,
		RollUp:            DefaultRollUp,
		Retention:         DefaultRetention,
		DBDir:             XDGDataDir(),
		SaveHistory:       true,
		PastebinAddress:   DefaultPastebinAddress,
	}
}

// ApplyEnv overlays environment variables, using getenv to read them.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(ControlPortEnv)); v != "" {
		c.ControlAddress = controlAddress(v)
	}
}

func controlAddress(v string) string {
	if strings.HasPrefix(v, "unix:") || strings.Contains(v, ":") {
		return v
	}
	return net.JoinHostPort("127.0.0.1", v)
}

// XDGDataDir returns the XDG data directory for onionctl.
func XDGDataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// XDGConfigDir returns the XDG config directory for onionctl.
func XDGConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// Validate checks the configuration and returns the first problem found.
func (c *Config) Validate() error {
	if !c.UseEmbeddedTor && c.ControlAddress == "" {
		return ErrNoControlAddress
	}
	if c.CommandTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.UseEmbeddedTor && c.TorStartupTimeout <= 0 {
		return ErrInvalidStartupTimeout
	}
	if c.MaxLive <= 0 || c.RollUp <= 0 || c.Retention <= 0 {
		return ErrInvalidWindow
	}
	if c.ControlPassword != "" && c.CookiePath != "" {
		return ErrConflictingAuth
	}
	if c.SaveHistory && c.DBDir == "" {
		return ErrNoDBDir
	}
	return nil
}
