package bandwidth

import (
	"context"
	"log/slog"
	"time"

	"github.com/nao1215/onionctl/internal/store"
)

const defaultRecorderBacklog = 64

// History stores compacted buckets.
type History interface {
	RecordBucket(ctx context.Context, rec store.BucketRecord) error
}

// Recorder writes buckets to History on its own goroutine, so compaction
// on the event loop never waits for the database. Buckets arriving while
// the backlog is full are dropped.
type Recorder struct {
	history History
	queue   chan store.BucketRecord
	logger  *slog.Logger
}

// NewRecorder creates a Recorder. Call Run to start writing.
func NewRecorder(history History, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		history: history,
		queue:   make(chan store.BucketRecord, defaultRecorderBacklog),
		logger:  logger,
	}
}

// Record queues b. It satisfies BucketFunc.
func (r *Recorder) Record(id string, b Bucket) {
	rec := store.BucketRecord{
		TargetID:    id,
		Start:       b.Start,
		Duration:    b.Duration,
		MeanRead:    b.MeanRead,
		MeanWritten: b.MeanWritten,
		MaxRead:     b.MaxRead,
		MaxWritten:  b.MaxWritten,
	}
	select {
	case r.queue <- rec:
	default:
		r.logger.Warn("dropping bandwidth bucket, history writer is behind", "id", id)
	}
}

// Run writes queued buckets until ctx is cancelled, then flushes what is
// left with a short deadline.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			r.flush()
			return nil
		}
		select {
		case rec := <-r.queue:
			r.write(ctx, rec)
		case <-ctx.Done():
			r.flush()
			return nil
		}
	}
}

func (r *Recorder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case rec := <-r.queue:
			r.write(ctx, rec)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, rec store.BucketRecord) {
	if err := r.history.RecordBucket(ctx, rec); err != nil {
		r.logger.Warn("failed to record bandwidth bucket", "id", rec.TargetID, "error", err)
	}
}
