package main

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nao1215/onionctl/internal/control/controltest"
)

func TestNewIDCmd(t *testing.T) {
	t.Parallel()

	t.Run("waits for the SIGNAL event", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.tor.OnSignal = func(_ context.Context, name string) error {
			return f.tor.Emit("SIGNAL " + name)
		}

		out, err := f.run(testContext(t), "", "--no-history", "newid")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out != "Requesting new identity\nsuccess.\n" {
			t.Errorf("unexpected output %q", out)
		}
		if calls := f.tor.CallsTo("SIGNAL"); len(calls) != 1 || calls[0].String() != "SIGNAL NEWNYM" {
			t.Errorf("expected one SIGNAL NEWNYM, got %v", calls)
		}
		sets := f.tor.CallsTo("SETEVENTS")
		if len(sets) < 2 || !strings.Contains(sets[1].String(), "SIGNAL") {
			t.Errorf("expected SIGNAL events to be requested, got %v", sets)
		}
	})

	t.Run("other signals do not count", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.tor.OnSignal = func(context.Context, string) error {
			return f.tor.Emit("SIGNAL RELOAD")
		}

		_, err := f.run(testContext(t), "", "--no-history", "newid", "--wait", "50ms")
		if !errors.Is(err, errNoNewIDAck) {
			t.Errorf("expected errNoNewIDAck, got %v", err)
		}
	})

	t.Run("rejected signal", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.tor.OnSignal = func(context.Context, string) error {
			return controltest.Rejection(552, "Unrecognized signal code")
		}

		_, err := f.run(testContext(t), "", "--no-history", "newid")
		if err == nil || !strings.Contains(err.Error(), "failed to send NEWNYM") {
			t.Errorf("expected a send error, got %v", err)
		}
	})

	t.Run("wait must be positive", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		if _, err := f.run(testContext(t), "", "--no-history", "newid", "--wait", "0s"); err == nil {
			t.Error("expected error for a zero wait")
		}
		if len(f.tor.Calls()) != 0 {
			t.Errorf("expected no commands, got %v", f.tor.Calls())
		}
	})
}
