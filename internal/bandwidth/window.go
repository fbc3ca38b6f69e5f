package bandwidth

import "time"

const (
	// DefaultMaxLive is the number of live samples kept per window.
	DefaultMaxLive = 20
	// DefaultRollUp is the number of samples folded into one bucket.
	DefaultRollUp = 5
	// DefaultRetention is the number of buckets kept per window.
	DefaultRetention = 10
)

// Sample is one bandwidth report.
type Sample struct {
	Time    time.Time
	Read    int64
	Written int64
}

// Bucket summarizes rolled-up samples.
type Bucket struct {
	Start       time.Time
	Duration    time.Duration
	MeanRead    float64
	MeanWritten float64
	MaxRead     int64
	MaxWritten  int64
}

// Rate is a transfer rate in bytes per second.
type Rate struct {
	Read    float64
	Written float64
}

// Window is the rolling bandwidth record of one stream or connection.
type Window struct {
	maxLive   int
	rollUp    int
	retention int

	live    []Sample
	history []Bucket

	totalRead    int64
	totalWritten int64
}

// NewWindow creates a Window. Non-positive arguments select the defaults.
func NewWindow(maxLive, rollUp, retention int) *Window {
	if maxLive <= 0 {
		maxLive = DefaultMaxLive
	}
	if rollUp <= 0 {
		rollUp = DefaultRollUp
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Window{
		maxLive:   maxLive,
		rollUp:    rollUp,
		retention: retention,
		live:      make([]Sample, 0, maxLive+rollUp+1),
	}
}

// Add appends s. If that pushes the window past maxLive+rollUp samples the
// oldest rollUp are compacted and the new bucket is returned.
func (w *Window) Add(s Sample) (Bucket, bool) {
	w.live = append(w.live, s)
	w.totalRead += s.Read
	w.totalWritten += s.Written

	if len(w.live) <= w.maxLive+w.rollUp {
		return Bucket{}, false
	}

	b := summarize(w.live[:w.rollUp])
	w.live = append(w.live[:0], w.live[w.rollUp:]...)
	w.history = append(w.history, b)
	if len(w.history) > w.retention {
		w.history = append(w.history[:0], w.history[len(w.history)-w.retention:]...)
	}
	return b, true
}

func summarize(samples []Sample) Bucket {
	first, last := samples[0], samples[len(samples)-1]
	b := Bucket{
		Start:    first.Time,
		Duration: last.Time.Sub(first.Time),
	}
	if b.Duration < 0 {
		b.Duration = 0
	}

	var sumRead, sumWritten int64
	for _, s := range samples {
		sumRead += s.Read
		sumWritten += s.Written
		b.MaxRead = max(b.MaxRead, s.Read)
		b.MaxWritten = max(b.MaxWritten, s.Written)
	}
	n := float64(len(samples))
	b.MeanRead = float64(sumRead) / n
	b.MeanWritten = float64(sumWritten) / n
	return b
}

// Rate returns the average rate over the live samples.
//
// The span is one second longer than the time between the first and last
// sample, so a single sample reports its own byte counts as the rate. This
// underestimates short bursts.
func (w *Window) Rate() Rate {
	span := w.Span().Seconds()
	if span == 0 {
		return Rate{}
	}
	var read, written int64
	for _, s := range w.live {
		read += s.Read
		written += s.Written
	}
	return Rate{Read: float64(read) / span, Written: float64(written) / span}
}

// Span is the time covered by the live samples, plus one second. It is
// zero for an empty window.
func (w *Window) Span() time.Duration {
	if len(w.live) == 0 {
		return 0
	}
	d := w.live[len(w.live)-1].Time.Sub(w.live[0].Time)
	if d < 0 {
		d = 0
	}
	return d + time.Second
}

// BytesTotal returns the bytes seen since the window was created,
// including samples already compacted.
func (w *Window) BytesTotal() (read, written int64) {
	return w.totalRead, w.totalWritten
}

// Live returns a copy of the live samples, oldest first.
func (w *Window) Live() []Sample {
	return append([]Sample(nil), w.live...)
}

// History returns a copy of the retained buckets, oldest first.
func (w *Window) History() []Bucket {
	return append([]Bucket(nil), w.history...)
}
