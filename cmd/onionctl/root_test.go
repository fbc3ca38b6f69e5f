package main

import (
	"testing"

	"github.com/nao1215/onionctl/internal/config"
)

func TestNewRootCmd(t *testing.T) {
	t.Parallel()

	cmd := NewRootCmd()

	t.Run("has correct use", func(t *testing.T) {
		t.Parallel()
		if cmd.Use != "onionctl" {
			t.Errorf("expected use 'onionctl', got %q", cmd.Use)
		}
		if cmd.Version == "" {
			t.Error("expected non-empty version")
		}
	})

	t.Run("has persistent flags", func(t *testing.T) {
		t.Parallel()

		tests := []struct {
			name      string
			shorthand string
			def       string
		}{
			{"verbose", "v", "false"},
			{"config", "c", ""},
			{"control", "", config.DefaultControlAddress},
			{"timeout", "t", config.DefaultCommandTimeout.String()},
			{"embedded", "", "false"},
			{"no-history", "", "false"},
		}
		for _, tt := range tests {
			flag := cmd.PersistentFlags().Lookup(tt.name)
			if flag == nil {
				t.Errorf("expected %s flag", tt.name)
				continue
			}
			if flag.Shorthand != tt.shorthand {
				t.Errorf("expected %s shorthand %q, got %q", tt.name, tt.shorthand, flag.Shorthand)
			}
			if flag.DefValue != tt.def {
				t.Errorf("expected %s default %q, got %q", tt.name, tt.def, flag.DefValue)
			}
		}
	})

	t.Run("has subcommands", func(t *testing.T) {
		t.Parallel()
		want := map[string]bool{"circ": false, "stream": false, "events": false, "monitor": false, "newid": false, "pastebin": false, "history": false, "init": false, "version": false}
		for _, sub := range cmd.Commands() {
			if _, ok := want[sub.Name()]; ok {
				want[sub.Name()] = true
			}
		}
		for name, found := range want {
			if !found {
				t.Errorf("expected %s subcommand", name)
			}
		}
	})

	t.Run("silences usage and errors", func(t *testing.T) {
		t.Parallel()
		if !cmd.SilenceUsage || !cmd.SilenceErrors {
			t.Error("expected SilenceUsage and SilenceErrors to be true")
		}
	})
}
