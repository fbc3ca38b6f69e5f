package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestNewConfig pins the defaults so changing one is a deliberate act.
func TestNewConfig(t *testing.T) {
	t.Parallel()

	cfg := NewConfig()

	t.Run("default ControlAddress is 127.0.0.1:9051", func(t *testing.T) {
		t.Parallel()
		if cfg.ControlAddress != "127.0.0.1:9051" {
			t.Errorf("expected ControlAddress to be '127.0.0.1:9051', got '%s'", cfg.ControlAddress)
		}
	})

	t.Run("default CommandTimeout is 30 seconds", func(t *testing.T) {
		t.Parallel()
		if cfg.CommandTimeout != 30*time.Second {
			t.Errorf("expected CommandTimeout to be 30s, got %v", cfg.CommandTimeout)
		}
	})

	t.Run("default bandwidth window is 20/5/10", func(t *testing.T) {
		t.Parallel()
		if cfg.MaxLive != 20 || cfg.RollUp != 5 || cfg.Retention != 10 {
			t.Errorf("expected 20/5/10, got %d/%d/%d", cfg.MaxLive, cfg.RollUp, cfg.Retention)
		}
	})

	t.Run("default TorStartupTimeout is 3 minutes", func(t *testing.T) {
		t.Parallel()
		if cfg.TorStartupTimeout != 3*time.Minute {
			t.Errorf("expected TorStartupTimeout to be 3m, got %v", cfg.TorStartupTimeout)
		}
	})

	t.Run("history is on and stored under XDG data", func(t *testing.T) {
		t.Parallel()
		if !cfg.SaveHistory {
			t.Error("expected SaveHistory to be true")
		}
		if cfg.DBDir != XDGDataDir() {
			t.Errorf("expected DBDir %s, got %s", XDGDataDir(), cfg.DBDir)
		}
	})

	t.Run("defaults are valid", func(t *testing.T) {
		t.Parallel()
		if err := cfg.Validate(); err != nil {
			t.Errorf("expected no error, got %v", err)
		}
	})
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(c *Config)
		want   error
	}{
		{"no control address", func(c *Config) { c.ControlAddress = "" }, ErrNoControlAddress},
		{"embedded tor needs no address", func(c *Config) { c.ControlAddress = ""; c.UseEmbeddedTor = true }, nil},
		{"zero timeout", func(c *Config) { c.CommandTimeout = 0 }, ErrInvalidTimeout},
		{"negative timeout", func(c *Config) { c.CommandTimeout = -time.Second }, ErrInvalidTimeout},
		{"embedded tor without startup timeout", func(c *Config) {
			c.UseEmbeddedTor = true
			c.TorStartupTimeout = 0
		}, ErrInvalidStartupTimeout},
		{"zero max live", func(c *Config) { c.MaxLive = 0 }, ErrInvalidWindow},
		{"zero roll up", func(c *Config) { c.RollUp = 0 }, ErrInvalidWindow},
		{"negative retention", func(c *Config) { c.Retention = -1 }, ErrInvalidWindow},
		{"password and cookie", func(c *Config) {
			c.ControlPassword = "secret"
			c.CookiePath = "/run/tor/control.authcookie"
		}, ErrConflictingAuth},
		{"history without directory", func(c *Config) { c.DBDir = "" }, ErrNoDBDir},
		{"no history without directory", func(c *Config) { c.DBDir = ""; c.SaveHistory = false }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := NewConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.want == nil {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	tests := []struct {
		env  string
		want string
	}{
		{"", DefaultControlAddress},
		{"9151", "127.0.0.1:9151"},
		{"10.0.0.2:9051", "10.0.0.2:9051"},
		{"unix:/run/tor/control", "unix:/run/tor/control"},
	}
	for _, tt := range tests {
		cfg := NewConfig()
		cfg.ApplyEnv(func(key string) string {
			if key == ControlPortEnv {
				return tt.env
			}
			return ""
		})
		if cfg.ControlAddress != tt.want {
			t.Errorf("%s=%q: expected %s, got %s", ControlPortEnv, tt.env, tt.want, cfg.ControlAddress)
		}
	}
}

func TestLoadConfigFile(t *testing.T) {
	t.Parallel()

	t.Run("returns ErrConfigNotFound for non-existent file", func(t *testing.T) {
		t.Parallel()

		f, err := LoadConfigFile("/nonexistent/path/.onionctl")
		if !errors.Is(err, ErrConfigNotFound) {
			t.Fatalf("expected ErrConfigNotFound, got: %v", err)
		}
		if f != nil {
			t.Error("expected nil file when not found")
		}
	})

	t.Run("overlays only the values that are set", func(t *testing.T) {
		t.Parallel()

		configPath := filepath.Join(t.TempDir(), ".onionctl")
		content := `control:
  address: "unix:/var/run/tor/control"
  timeout: 45s
tor:
  startupTimeout: 5m
bandwidth:
  maxLive: 40
history:
  enabled: false
metrics:
  address: "127.0.0.1:9100"
`
		if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
			t.Fatalf("failed to write test config: %v", err)
		}

		f, err := LoadConfigFile(configPath)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		cfg := NewConfig()
		f.Apply(cfg)

		if cfg.ControlAddress != "unix:/var/run/tor/control" {
			t.Errorf("unexpected control address %s", cfg.ControlAddress)
		}
		if cfg.CommandTimeout != 45*time.Second {
			t.Errorf("expected 45s timeout, got %v", cfg.CommandTimeout)
		}
		if cfg.TorStartupTimeout != 5*time.Minute {
			t.Errorf("expected 5m startup timeout, got %v", cfg.TorStartupTimeout)
		}
		if cfg.MaxLive != 40 || cfg.RollUp != DefaultRollUp {
			t.Errorf("expected max live 40 and default roll up, got %d/%d", cfg.MaxLive, cfg.RollUp)
		}
		if cfg.SaveHistory {
			t.Error("expected history to be disabled")
		}
		if cfg.MetricsAddress != "127.0.0.1:9100" {
			t.Errorf("unexpected metrics address %s", cfg.MetricsAddress)
		}
		if cfg.UseEmbeddedTor {
			t.Error("expected embedded tor to stay off")
		}
	})

	t.Run("returns error for invalid YAML", func(t *testing.T) {
		t.Parallel()

		configPath := filepath.Join(t.TempDir(), ".onionctl")
		if err := os.WriteFile(configPath, []byte(`invalid: yaml: content: [}`), 0600); err != nil {
			t.Fatalf("failed to write test config: %v", err)
		}
		if _, err := LoadConfigFile(configPath); err == nil {
			t.Error("expected error for invalid YAML")
		}
	})
}

func TestLoad(t *testing.T) {
	t.Parallel()

	noEnv := func(string) string { return "" }

	t.Run("explicit file then environment", func(t *testing.T) {
		t.Parallel()

		configPath := filepath.Join(t.TempDir(), "custom.yaml")
		if err := os.WriteFile(configPath, []byte("control:\n  address: 10.0.0.1:9051\n  password: hunter2\n"), 0600); err != nil {
			t.Fatalf("failed to write test config: %v", err)
		}

		cfg, err := Load(configPath, func(key string) string {
			if key == ControlPortEnv {
				return "9999"
			}
			return ""
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.ControlAddress != "127.0.0.1:9999" {
			t.Errorf("expected environment to win, got %s", cfg.ControlAddress)
		}
		if cfg.ControlPassword != "hunter2" {
			t.Errorf("expected password from file, got %q", cfg.ControlPassword)
		}
		if cfg.ConfigFilePath != configPath {
			t.Errorf("expected config path %s, got %s", configPath, cfg.ConfigFilePath)
		}
	})

	t.Run("missing explicit file", func(t *testing.T) {
		t.Parallel()

		if _, err := Load("/nonexistent/onionctl.yaml", noEnv); !errors.Is(err, ErrConfigNotFound) {
			t.Errorf("expected ErrConfigNotFound, got %v", err)
		}
	})
}

func TestFindConfigFile(t *testing.T) {
	t.Parallel()

	t.Run("returns explicit path if exists", func(t *testing.T) {
		t.Parallel()

		configPath := filepath.Join(t.TempDir(), "custom.yaml")
		if err := os.WriteFile(configPath, []byte("control: {}"), 0600); err != nil {
			t.Fatalf("failed to write test config: %v", err)
		}
		if result := FindConfigFile(configPath); result != configPath {
			t.Errorf("expected %q, got %q", configPath, result)
		}
	})

	t.Run("returns empty for non-existent explicit path", func(t *testing.T) {
		t.Parallel()

		if result := FindConfigFile("/nonexistent/path/config.yaml"); result != "" {
			t.Errorf("expected empty string, got %q", result)
		}
	})
}

func TestXDGDirs(t *testing.T) {
	t.Parallel()

	if dir := XDGDataDir(); filepath.Base(dir) != AppName {
		t.Errorf("expected data dir ending in %s, got %s", AppName, dir)
	}
	if dir := XDGConfigDir(); filepath.Base(dir) != AppName {
		t.Errorf("expected config dir ending in %s, got %s", AppName, dir)
	}
}
