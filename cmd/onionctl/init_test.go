package main

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/nao1215/onionctl/internal/config"
)

func TestNewInitCmd(t *testing.T) {
	t.Parallel()

	cmd := NewInitCmd()

	t.Run("has output flag", func(t *testing.T) {
		t.Parallel()
		flag := cmd.Flags().Lookup("output")
		if flag == nil {
			t.Fatal("expected output flag")
		}
		if flag.Shorthand != "o" {
			t.Errorf("expected shorthand 'o', got %q", flag.Shorthand)
		}
		if flag.DefValue != config.DefaultConfigFile {
			t.Errorf("expected default %q, got %q", config.DefaultConfigFile, flag.DefValue)
		}
	})

	t.Run("has force flag", func(t *testing.T) {
		t.Parallel()
		flag := cmd.Flags().Lookup("force")
		if flag == nil {
			t.Fatal("expected force flag")
		}
		if flag.Shorthand != "f" {
			t.Errorf("expected shorthand 'f', got %q", flag.Shorthand)
		}
	})
}

func TestRunInitCmd(t *testing.T) {
	t.Parallel()

	t.Run("writes a configuration the loader accepts", func(t *testing.T) {
		t.Parallel()

		outputPath := filepath.Join(t.TempDir(), ".onionctl")
		var buf bytes.Buffer
		cmd := NewInitCmd()
		cmd.SetOut(&buf)
		cmd.SetArgs([]string{"-o", outputPath})

		if err := cmd.Execute(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.Contains(buf.String(), "Created configuration file: "+outputPath) {
			t.Errorf("unexpected output %q", buf.String())
		}

		f, err := config.LoadConfigFile(outputPath)
		if err != nil {
			t.Fatalf("generated file does not load: %v", err)
		}
		if f.Control.Address != config.DefaultControlAddress {
			t.Errorf("expected control address %q, got %q", config.DefaultControlAddress, f.Control.Address)
		}
		if f.Control.Timeout != 30*time.Second {
			t.Errorf("expected 30s timeout, got %v", f.Control.Timeout)
		}
	})

	t.Run("refuses to overwrite without force", func(t *testing.T) {
		t.Parallel()

		outputPath := filepath.Join(t.TempDir(), ".onionctl")
		if err := os.WriteFile(outputPath, []byte("existing"), 0600); err != nil {
			t.Fatalf("failed to create test file: %v", err)
		}

		cmd := NewInitCmd()
		cmd.SetArgs([]string{"-o", outputPath})
		err := cmd.Execute()
		if err == nil || !strings.Contains(err.Error(), "already exists") {
			t.Errorf("expected 'already exists' error, got %v", err)
		}
		content, _ := os.ReadFile(outputPath) //nolint:errcheck // checked by content
		if string(content) != "existing" {
			t.Error("expected the existing file to be kept")
		}
	})

	t.Run("overwrites with force", func(t *testing.T) {
		t.Parallel()

		outputPath := filepath.Join(t.TempDir(), ".onionctl")
		if err := os.WriteFile(outputPath, []byte("existing"), 0600); err != nil {
			t.Fatalf("failed to create test file: %v", err)
		}

		cmd := NewInitCmd()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetArgs([]string{"-o", outputPath, "-f"})
		if err := cmd.Execute(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		content, err := os.ReadFile(outputPath)
		if err != nil {
			t.Fatalf("failed to read file: %v", err)
		}
		if !strings.Contains(string(content), "control:") {
			t.Errorf("expected the template, got %q", content)
		}
	})

	t.Run("creates parent directories with private permissions", func(t *testing.T) {
		t.Parallel()

		outputPath := filepath.Join(t.TempDir(), "nested", "dir", ".onionctl")
		cmd := NewInitCmd()
		cmd.SetOut(&bytes.Buffer{})
		cmd.SetArgs([]string{"-o", outputPath})
		if err := cmd.Execute(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		info, err := os.Stat(outputPath)
		if err != nil {
			t.Fatalf("failed to stat file: %v", err)
		}
		if runtime.GOOS != "windows" && info.Mode().Perm() != 0600 {
			t.Errorf("expected permissions 0600, got %o", info.Mode().Perm())
		}
	})
}

func TestConfigTemplate(t *testing.T) {
	t.Parallel()

	content, err := configTemplate.ReadFile("templates/onionctl.yaml")
	if err != nil {
		t.Fatalf("failed to read template: %v", err)
	}
	for _, section := range []string{"control:", "tor:", "bandwidth:", "history:", "metrics:", "pastebin:"} {
		if !strings.Contains(string(content), "\n"+section) {
			t.Errorf("expected template to contain %q", section)
		}
	}
}
