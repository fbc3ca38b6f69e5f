package bandwidth

import (
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nao1215/onionctl/internal/control"
	"github.com/nao1215/onionctl/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func publish(t *testing.T, bus *control.Bus, bodies ...string) {
	t.Helper()
	for _, body := range bodies {
		ev, err := control.ParseEvent(body)
		if err != nil {
			t.Fatalf("bad test event %q: %v", body, err)
		}
		bus.Publish(ev)
	}
}

func TestAggregatorEvents(t *testing.T) {
	t.Parallel()

	mock := clock.NewMock()
	mock.Set(epoch)

	var summaries []Summary
	bus := control.NewBus()
	agg := NewAggregator(WithClock(mock), WithCloseFunc(func(s Summary) { summaries = append(summaries, s) }))
	agg.Attach(bus)

	publish(t, bus, "STREAM 7 NEW 0 example.com:443 SOURCE_ADDR=127.0.0.1:5000 PURPOSE=USER")
	if _, ok := agg.Window("7"); !ok {
		t.Fatal("expected a window for a new stream")
	}

	publish(t, bus, "STREAM_BW 7 20 300")
	mock.Add(2 * time.Second)
	publish(t, bus, "STREAM_BW 7 10 0", "BW 1000 500")

	read, written, ok := agg.BytesTotal("7")
	if !ok || read != 300 || written != 30 {
		t.Errorf("expected 300 read and 30 written, got %d/%d (%v)", read, written, ok)
	}
	if r, _ := agg.Rate("7"); r.Read != 100 || r.Written != 10 {
		t.Errorf("expected rate (100, 10), got %+v", r)
	}
	if r, ok := agg.Rate(TotalID); !ok || r.Read != 1000 {
		t.Errorf("expected BW total rate 1000, got %+v (%v)", r, ok)
	}

	publish(t, bus, "STREAM 7 CLOSED 3 example.com:443 REASON=DONE")
	if _, ok := agg.Window("7"); ok {
		t.Error("expected window to be removed")
	}
	if len(summaries) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(summaries))
	}
	s := summaries[0]
	if s.ID != "7" || s.Read != 300 || s.Written != 30 || s.Duration != 2*time.Second {
		t.Errorf("unexpected summary %+v", s)
	}
}

func TestAggregatorSubscribe(t *testing.T) {
	t.Parallel()

	agg := NewAggregator()
	sub := agg.Subscribe("3")
	other := agg.Subscribe("3")

	agg.AddSample("3", 10, 0, epoch)
	agg.AddSample("3", 20, 0, epoch.Add(time.Second))

	// Only the newest rate is kept for a reader that fell behind.
	if r := <-sub.C(); r.Read != 15 {
		t.Errorf("expected latest rate 15, got %v", r.Read)
	}
	select {
	case r := <-sub.C():
		t.Errorf("expected no stale update, got %+v", r)
	default:
	}

	agg.Unsubscribe(other)
	if r := <-other.C(); r.Read != 15 {
		t.Errorf("expected buffered rate 15, got %v", r.Read)
	}
	if _, open := <-other.C(); open {
		t.Error("expected unsubscribed channel to be closed")
	}

	agg.Remove("3")
	if _, open := <-sub.C(); open {
		t.Error("expected channel to close when the id is removed")
	}

	again := agg.Subscribe("3")
	agg.AddSample("3", 5, 5, epoch)
	if r := <-again.C(); r.Read != 5 {
		t.Errorf("expected a fresh subscription to see 5, got %v", r.Read)
	}
}

func TestAggregatorEndedStream(t *testing.T) {
	t.Parallel()

	ended := map[string]bool{"9": true}
	agg := NewAggregator(WithEndedLookup(func(id string) bool { return ended[id] }))

	sub := agg.Subscribe("9")
	if _, open := <-sub.C(); open {
		t.Error("expected a closed subscription for an ended stream")
	}
	agg.AddSample("9", 10, 10, epoch)
	if _, ok := agg.Window("9"); ok {
		t.Error("expected no window for an ended stream")
	}

	// BW totals never end.
	ended[TotalID] = true
	agg.AddSample(TotalID, 1, 1, epoch)
	if _, ok := agg.Window(TotalID); !ok {
		t.Error("expected a window for connection totals")
	}

	live := agg.Subscribe("10")
	agg.AddSample("10", 4, 0, epoch)
	if r := <-live.C(); r.Read != 4 {
		t.Errorf("expected rate 4 for a live stream, got %v", r.Read)
	}
}

func TestAggregatorBuckets(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	var got []Bucket
	agg := NewAggregator(
		WithWindowSize(4, 2, 3),
		WithMetrics(m),
		WithBucketFunc(func(id string, b Bucket) {
			if id != "9" {
				t.Errorf("expected bucket for 9, got %s", id)
			}
			got = append(got, b)
		}),
	)

	for i := range 7 {
		agg.AddSample("9", int64(i), 0, epoch.Add(time.Duration(i)*time.Second))
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 bucket, got %d", len(got))
	}
	if got[0].MeanRead != 0.5 {
		t.Errorf("expected mean 0.5, got %v", got[0].MeanRead)
	}

	expected := `
# HELP onionctl_bandwidth_buckets_compacted_total Live samples compacted into history buckets
# TYPE onionctl_bandwidth_buckets_compacted_total counter
onionctl_bandwidth_buckets_compacted_total 1
# HELP onionctl_bandwidth_tracked_windows Streams and connections with a live bandwidth window
# TYPE onionctl_bandwidth_tracked_windows gauge
onionctl_bandwidth_tracked_windows 1
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"onionctl_bandwidth_buckets_compacted_total", "onionctl_bandwidth_tracked_windows"); err != nil {
		t.Errorf("unexpected metrics: %v", err)
	}
}
