package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// FileName is the database file created inside the data directory.
const FileName = "onionctl.db"

// HistoryDB is the SQLite-backed history store. It is safe for concurrent
// use; database/sql serializes access over a single connection.
type HistoryDB struct {
	db     *sql.DB
	dbPath string
}

// Options configures HistoryDB behavior.
type Options struct {
	// CreateIfNotExists creates the directory and database file if missing.
	CreateIfNotExists bool

	// EnableWAL enables Write-Ahead Logging.
	EnableWAL bool
}

// DefaultOptions returns the options used by the CLI.
func DefaultOptions() Options {
	return Options{
		CreateIfNotExists: true,
		EnableWAL:         true,
	}
}

// Open opens or creates the history database in dbDir.
func Open(dbDir string, opts Options) (*HistoryDB, error) {
	dbPath := filepath.Join(dbDir, FileName)

	if opts.CreateIfNotExists {
		if err := os.MkdirAll(dbDir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	} else if _, err := os.Stat(dbPath); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w at %s", ErrNoDatabase, dbPath)
		}
		return nil, fmt.Errorf("failed to check database path: %w", err)
	}

	mode := "rw"
	if opts.CreateIfNotExists {
		mode = "rwc"
	}
	db, err := sql.Open("sqlite", dbPath+"?mode="+mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	h := &HistoryDB{db: db, dbPath: dbPath}

	if opts.EnableWAL {
		if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close() //nolint:errcheck // already failing
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if err := h.createTables(); err != nil {
		_ = db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return h, nil
}

// Path returns the database file path.
func (h *HistoryDB) Path() string {
	return h.dbPath
}

// Close closes the database.
func (h *HistoryDB) Close() error {
	return h.db.Close()
}

func (h *HistoryDB) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS builds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		circuit_id TEXT NOT NULL,
		requested TEXT,
		path TEXT,
		outcome TEXT NOT NULL,
		reason TEXT,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_builds_started ON builds(started_at);

	CREATE TABLE IF NOT EXISTS teardowns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		target_id TEXT NOT NULL,
		if_unused INTEGER DEFAULT 0,
		outcome TEXT NOT NULL,
		reason TEXT,
		finished_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_teardowns_finished ON teardowns(finished_at);

	CREATE TABLE IF NOT EXISTS bandwidth_buckets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		target_id TEXT NOT NULL,
		bucket_start TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		mean_read REAL NOT NULL,
		mean_written REAL NOT NULL,
		max_read INTEGER NOT NULL,
		max_written INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bw_target ON bandwidth_buckets(target_id, bucket_start);
	`
	_, err := h.db.ExecContext(context.Background(), schema)
	return err
}

// BuildRecord is one finished circuit build.
type BuildRecord struct {
	ID         int64
	CircuitID  string
	Requested  []string
	Path       []string
	Outcome    string
	Reason     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// RecordBuild stores a build outcome.
func (h *HistoryDB) RecordBuild(ctx context.Context, rec BuildRecord) error {
	_, err := h.db.ExecContext(ctx, `
	INSERT INTO builds (circuit_id, requested, path, outcome, reason, started_at, finished_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.CircuitID,
		strings.Join(rec.Requested, ","),
		strings.Join(rec.Path, ","),
		rec.Outcome,
		rec.Reason,
		formatTimestamp(rec.StartedAt),
		formatTimestamp(rec.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record build: %w", err)
	}
	return nil
}

// ListBuilds returns the most recent builds, newest first.
func (h *HistoryDB) ListBuilds(ctx context.Context, limit int) ([]BuildRecord, error) {
	rows, err := h.db.QueryContext(ctx, `
	SELECT id, circuit_id, requested, path, outcome, reason, started_at, finished_at
	FROM builds ORDER BY id DESC LIMIT ?`, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query builds: %w", err)
	}
	defer rows.Close()

	var out []BuildRecord
	for rows.Next() {
		var (
			rec                     BuildRecord
			requested, path, reason sql.NullString
			startedAt, finishedAt   string
		)
		if err := rows.Scan(&rec.ID, &rec.CircuitID, &requested, &path, &rec.Outcome, &reason, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan build: %w", err)
		}
		rec.Requested = splitList(requested.String)
		rec.Path = splitList(path.String)
		rec.Reason = reason.String
		rec.StartedAt = parseTimestamp(startedAt)
		rec.FinishedAt = parseTimestamp(finishedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// TeardownRecord is one finished circuit delete or stream close.
type TeardownRecord struct {
	ID         int64
	Kind       string
	TargetID   string
	IfUnused   bool
	Outcome    string
	Reason     string
	FinishedAt time.Time
}

// RecordTeardown stores a teardown outcome.
func (h *HistoryDB) RecordTeardown(ctx context.Context, rec TeardownRecord) error {
	ifUnused := 0
	if rec.IfUnused {
		ifUnused = 1
	}
	_, err := h.db.ExecContext(ctx, `
	INSERT INTO teardowns (kind, target_id, if_unused, outcome, reason, finished_at)
	VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Kind, rec.TargetID, ifUnused, rec.Outcome, rec.Reason, formatTimestamp(rec.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record teardown: %w", err)
	}
	return nil
}

// ListTeardowns returns the most recent teardowns, newest first.
func (h *HistoryDB) ListTeardowns(ctx context.Context, limit int) ([]TeardownRecord, error) {
	rows, err := h.db.QueryContext(ctx, `
	SELECT id, kind, target_id, if_unused, outcome, reason, finished_at
	FROM teardowns ORDER BY id DESC LIMIT ?`, limitOrAll(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query teardowns: %w", err)
	}
	defer rows.Close()

	var out []TeardownRecord
	for rows.Next() {
		var (
			rec        TeardownRecord
			ifUnused   int
			reason     sql.NullString
			finishedAt string
		)
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.TargetID, &ifUnused, &rec.Outcome, &reason, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan teardown: %w", err)
		}
		rec.IfUnused = ifUnused != 0
		rec.Reason = reason.String
		rec.FinishedAt = parseTimestamp(finishedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// BucketRecord is one compacted bandwidth bucket.
type BucketRecord struct {
	ID          int64
	TargetID    string
	Start       time.Time
	Duration    time.Duration
	MeanRead    float64
	MeanWritten float64
	MaxRead     int64
	MaxWritten  int64
}

// RecordBucket stores a bandwidth bucket.
func (h *HistoryDB) RecordBucket(ctx context.Context, rec BucketRecord) error {
	_, err := h.db.ExecContext(ctx, `
	INSERT INTO bandwidth_buckets (target_id, bucket_start, duration_ms, mean_read, mean_written, max_read, max_written)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.TargetID, formatTimestamp(rec.Start), rec.Duration.Milliseconds(),
		rec.MeanRead, rec.MeanWritten, rec.MaxRead, rec.MaxWritten,
	)
	if err != nil {
		return fmt.Errorf("failed to record bandwidth bucket: %w", err)
	}
	return nil
}

// ListBuckets returns buckets oldest first. An empty targetID lists every
// target.
func (h *HistoryDB) ListBuckets(ctx context.Context, targetID string, limit int) ([]BucketRecord, error) {
	query := `
	SELECT id, target_id, bucket_start, duration_ms, mean_read, mean_written, max_read, max_written
	FROM bandwidth_buckets`
	args := []any{}
	if targetID != "" {
		query += " WHERE target_id = ?"
		args = append(args, targetID)
	}
	query += " ORDER BY id ASC LIMIT ?"
	args = append(args, limitOrAll(limit))

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bandwidth buckets: %w", err)
	}
	defer rows.Close()

	var out []BucketRecord
	for rows.Next() {
		var (
			rec        BucketRecord
			start      string
			durationMS int64
		)
		if err := rows.Scan(&rec.ID, &rec.TargetID, &start, &durationMS,
			&rec.MeanRead, &rec.MeanWritten, &rec.MaxRead, &rec.MaxWritten); err != nil {
			return nil, fmt.Errorf("failed to scan bandwidth bucket: %w", err)
		}
		rec.Start = parseTimestamp(start)
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// limitOrAll maps a non-positive limit to SQLite's "no limit".
func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// timestampFormats lists the formats parseTimestamp accepts, most specific
// first.
var timestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// parseTimestamp returns the zero time for values in no known format.
func parseTimestamp(s string) time.Time {
	for _, format := range timestampFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
