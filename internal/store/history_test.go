package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

// setupTestDB creates a temporary database for testing.
func setupTestDB(t *testing.T) *HistoryDB {
	t.Helper()

	db, err := Open(t.TempDir(), DefaultOptions())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() }) //nolint:errcheck // test cleanup
	return db
}

func TestOpen(t *testing.T) {
	t.Parallel()

	t.Run("creates database in new directory", func(t *testing.T) {
		t.Parallel()

		dbDir := filepath.Join(t.TempDir(), "nested", "dir")
		db, err := Open(dbDir, DefaultOptions())
		if err != nil {
			t.Fatalf("failed to open database: %v", err)
		}
		defer db.Close()

		if _, err := os.Stat(filepath.Join(dbDir, FileName)); err != nil {
			t.Errorf("expected database file to exist: %v", err)
		}
		if db.Path() != filepath.Join(dbDir, FileName) {
			t.Errorf("unexpected path %s", db.Path())
		}
	})

	t.Run("missing database without create", func(t *testing.T) {
		t.Parallel()

		_, err := Open(t.TempDir(), Options{})
		if !errors.Is(err, ErrNoDatabase) {
			t.Errorf("expected ErrNoDatabase, got %v", err)
		}
	})

	t.Run("reopens existing database", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		db, err := Open(dir, DefaultOptions())
		if err != nil {
			t.Fatalf("failed to create database: %v", err)
		}
		_ = db.Close() //nolint:errcheck // reopened below

		db, err = Open(dir, Options{EnableWAL: true})
		if err != nil {
			t.Fatalf("failed to reopen database: %v", err)
		}
		_ = db.Close() //nolint:errcheck // test cleanup
	})
}

func TestBuilds(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	ctx := context.Background()
	started := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	for i, outcome := range []string{"succeeded", "failed"} {
		rec := BuildRecord{
			CircuitID:  []string{"5", "6"}[i],
			Requested:  []string{"alpha", "*"},
			Path:       []string{"$A~alpha", "$B~beta"},
			Outcome:    outcome,
			StartedAt:  started,
			FinishedAt: started.Add(2 * time.Second),
		}
		if outcome == "failed" {
			rec.Reason = "TIMEOUT"
		}
		if err := db.RecordBuild(ctx, rec); err != nil {
			t.Fatalf("failed to record build: %v", err)
		}
	}

	builds, err := db.ListBuilds(ctx, 10)
	if err != nil {
		t.Fatalf("failed to list builds: %v", err)
	}
	if len(builds) != 2 {
		t.Fatalf("expected 2 builds, got %d", len(builds))
	}
	if builds[0].CircuitID != "6" || builds[0].Reason != "TIMEOUT" {
		t.Errorf("expected newest build first, got %+v", builds[0])
	}
	if !slices.Equal(builds[1].Path, []string{"$A~alpha", "$B~beta"}) {
		t.Errorf("unexpected path %v", builds[1].Path)
	}
	if !builds[1].StartedAt.Equal(started) {
		t.Errorf("expected start %v, got %v", started, builds[1].StartedAt)
	}

	limited, err := db.ListBuilds(ctx, 1)
	if err != nil {
		t.Fatalf("failed to list builds: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("expected limit to apply, got %d", len(limited))
	}
}

func TestTeardowns(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	ctx := context.Background()

	err := db.RecordTeardown(ctx, TeardownRecord{
		Kind:       "delete",
		TargetID:   "7",
		IfUnused:   true,
		Outcome:    "succeeded",
		FinishedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("failed to record teardown: %v", err)
	}

	got, err := db.ListTeardowns(ctx, 0)
	if err != nil {
		t.Fatalf("failed to list teardowns: %v", err)
	}
	if len(got) != 1 || !got[0].IfUnused || got[0].TargetID != "7" {
		t.Errorf("unexpected teardowns: %+v", got)
	}
}

func TestBuckets(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	for i, target := range []string{"s1", "s2", "s1"} {
		err := db.RecordBucket(ctx, BucketRecord{
			TargetID:    target,
			Start:       start.Add(time.Duration(i) * time.Minute),
			Duration:    4 * time.Second,
			MeanRead:    10.5,
			MeanWritten: 2,
			MaxRead:     20,
			MaxWritten:  3,
		})
		if err != nil {
			t.Fatalf("failed to record bucket: %v", err)
		}
	}

	s1, err := db.ListBuckets(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("failed to list buckets: %v", err)
	}
	if len(s1) != 2 {
		t.Fatalf("expected 2 buckets for s1, got %d", len(s1))
	}
	if s1[0].Duration != 4*time.Second || s1[0].MeanRead != 10.5 || s1[0].MaxRead != 20 {
		t.Errorf("unexpected bucket %+v", s1[0])
	}
	if !s1[1].Start.After(s1[0].Start) {
		t.Error("expected oldest bucket first")
	}

	all, err := db.ListBuckets(ctx, "", 0)
	if err != nil {
		t.Fatalf("failed to list buckets: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 buckets, got %d", len(all))
	}
}

func TestParseTimestamp(t *testing.T) {
	t.Parallel()

	if got := parseTimestamp("2024-01-02 03:04:05"); got.IsZero() {
		t.Error("expected SQLite datetime to parse")
	}
	if got := parseTimestamp("not a time"); !got.IsZero() {
		t.Errorf("expected zero time, got %v", got)
	}
}
