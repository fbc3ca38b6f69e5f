package bandwidth

import (
	"context"
	"testing"
	"time"

	"github.com/nao1215/onionctl/internal/store"
)

func TestRecorder(t *testing.T) {
	t.Parallel()

	db, err := store.Open(t.TempDir(), store.DefaultOptions())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() }) //nolint:errcheck // test cleanup

	rec := NewRecorder(db, nil)
	agg := NewAggregator(WithWindowSize(1, 1, 1), WithBucketFunc(rec.Record))
	for i := range 4 {
		agg.AddSample("12", int64(100*(i+1)), 0, epoch.Add(time.Duration(i)*time.Second))
	}

	// Cancelling flushes everything queued so far.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rec.Run(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	buckets, err := db.ListBuckets(context.Background(), "12", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(buckets) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(buckets))
	}
	if buckets[0].MeanRead != 100 || buckets[1].MeanRead != 200 {
		t.Errorf("expected means 100 then 200, got %v then %v", buckets[0].MeanRead, buckets[1].MeanRead)
	}
	if !buckets[0].Start.Equal(epoch) {
		t.Errorf("expected first bucket at epoch, got %v", buckets[0].Start)
	}
}
