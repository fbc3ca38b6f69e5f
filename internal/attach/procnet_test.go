package attach

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const tcpHeader = "  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode\n"

func writeProc(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	mustMkdir(t, filepath.Join(root, "net"))
	mustWrite(t, filepath.Join(root, "net", "tcp"), tcpHeader+
		"   0: 0100007F:C822 0100007F:2352 01 00000000:00000000 00:00000000 00000000  1000        0 5555 1 0000000000000000 20 4 30 10 -1\n")
	mustWrite(t, filepath.Join(root, "net", "tcp6"), tcpHeader+
		"   0: 00000000000000000000000001000000:D431 00000000000000000000000001000000:2352 01 00000000:00000000 00:00000000 00000000  1000        0 7777 1 0000000000000000 20 4 30 10 -1\n")

	mustMkdir(t, filepath.Join(root, "1234", "fd"))
	mustSymlink(t, "/dev/null", filepath.Join(root, "1234", "fd", "0"))
	mustSymlink(t, "socket:[5555]", filepath.Join(root, "1234", "fd", "3"))
	mustSymlink(t, "/usr/bin/curl", filepath.Join(root, "1234", "exe"))

	mustMkdir(t, filepath.Join(root, "42", "fd"))
	mustSymlink(t, "socket:[7777]", filepath.Join(root, "42", "fd", "5"))
	mustWrite(t, filepath.Join(root, "42", "comm"), "torsocks\n")

	mustMkdir(t, filepath.Join(root, "self"))
	return root
}

func mustMkdir(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatalf("failed to create %s: %v", dir, err)
	}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func mustSymlink(t *testing.T, target, link string) {
	t.Helper()
	if err := os.Symlink(target, link); err != nil {
		t.Fatalf("failed to link %s: %v", link, err)
	}
}

func newProcNet(t *testing.T, root string) *ProcNet {
	t.Helper()
	lookup, err := NewProcNet(WithProcRoot(root))
	if err != nil {
		t.Fatalf("failed to open procfs: %v", err)
	}
	return lookup
}

func TestProcNetLookup(t *testing.T) {
	t.Parallel()

	root := writeProc(t)
	lookup := newProcNet(t, root)

	t.Run("ipv4 socket", func(t *testing.T) {
		t.Parallel()

		proc, err := lookup.Lookup("127.0.0.1:51234")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if proc.PID != 1234 {
			t.Errorf("expected pid 1234, got %d", proc.PID)
		}
		if proc.Exe != "/usr/bin/curl" {
			t.Errorf("expected /usr/bin/curl, got %s", proc.Exe)
		}
	})

	t.Run("ipv6 socket falls back to comm", func(t *testing.T) {
		t.Parallel()

		proc, err := lookup.Lookup("[::1]:54321")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if proc.PID != 42 || proc.Exe != "torsocks" {
			t.Errorf("expected pid 42 torsocks, got %+v", proc)
		}
	})

	t.Run("no owner", func(t *testing.T) {
		t.Parallel()

		if _, err := lookup.Lookup("127.0.0.1:1"); !errors.Is(err, ErrProcessNotFound) {
			t.Errorf("expected ErrProcessNotFound, got %v", err)
		}
	})

	t.Run("malformed address", func(t *testing.T) {
		t.Parallel()

		if _, err := lookup.Lookup("localhost"); err == nil {
			t.Error("expected error")
		}
	})
}

func TestProcNetCache(t *testing.T) {
	t.Parallel()

	root := writeProc(t)
	lookup := newProcNet(t, root)

	if _, err := lookup.Lookup("127.0.0.1:51234"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := os.RemoveAll(filepath.Join(root, "1234")); err != nil {
		t.Fatalf("failed to remove process: %v", err)
	}
	proc, err := lookup.Lookup("127.0.0.1:51234")
	if err != nil {
		t.Fatalf("expected cached result, got %v", err)
	}
	if proc.PID != 1234 {
		t.Errorf("expected cached pid 1234, got %d", proc.PID)
	}
}

func TestNewProcNetMissingRoot(t *testing.T) {
	t.Parallel()

	if _, err := NewProcNet(WithProcRoot(filepath.Join(t.TempDir(), "missing"))); err == nil {
		t.Error("expected error for a missing procfs root")
	}
}

func TestProcNetMappedAddress(t *testing.T) {
	t.Parallel()

	root := writeProc(t)
	lookup := newProcNet(t, root)

	proc, err := lookup.Lookup("[::ffff:127.0.0.1]:51234")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if proc.PID != 1234 {
		t.Errorf("expected pid 1234, got %d", proc.PID)
	}
}
