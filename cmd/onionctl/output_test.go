package main

import (
	"testing"

	"github.com/nao1215/onionctl/internal/bandwidth"
)

func TestFormatBytes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		n    float64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{20 * 1024, "20 KiB"},
		{5 * 1024 * 1024, "5.0 MiB"},
		{3 * 1024 * 1024 * 1024 * 1024 * 1024, "3.0 PiB"},
		{3.4, "3 B"},
		{-1, "0 B"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.n); got != tt.want {
			t.Errorf("formatBytes(%v): expected %q, got %q", tt.n, tt.want, got)
		}
	}
}

func TestFormatRate(t *testing.T) {
	t.Parallel()

	got := formatRate(bandwidth.Rate{Read: 2048, Written: 100})
	if got != "2.0 KiB/s down, 100 B/s up" {
		t.Errorf("unexpected rate %q", got)
	}
}
