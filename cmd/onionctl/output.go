package main

import (
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/nao1215/onionctl/internal/bandwidth"
)

// syncWriter serializes writes coming from the event loop and from
// command goroutines.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newSyncWriter(w io.Writer) *syncWriter {
	return &syncWriter{w: w}
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// formatBytes renders n with a binary unit, e.g. "1.5 KiB".
func formatBytes(n float64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(math.Round(n)))
}

func formatRate(r bandwidth.Rate) string {
	return fmt.Sprintf("%s/s down, %s/s up", formatBytes(r.Read), formatBytes(r.Written))
}
