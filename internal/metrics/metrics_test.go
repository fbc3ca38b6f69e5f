package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.OperationStarted("build")
	m.OperationResolved("build", "succeeded", "event", time.Second)
	m.OperationReleased()
	m.BandwidthSample(1, 2)
	m.BucketCompacted()
	m.SetTrackedWindows(3)
	m.AttachDecision("pinned", "declined")
	m.DrainRequest()
	m.SetActiveConnections(1)
	m.SetDraining(true)

	if m.Registry() != nil {
		t.Error("expected nil registry")
	}
}

func TestOperationCounters(t *testing.T) {
	t.Parallel()

	m := New()
	m.OperationStarted("delete")
	m.OperationStarted("delete")
	m.OperationResolved("delete", "succeeded", "event", 10*time.Millisecond)

	if got := testutil.ToFloat64(m.operationsStarted.WithLabelValues("delete")); got != 2 {
		t.Errorf("expected 2 started, got %v", got)
	}
	if got := testutil.ToFloat64(m.operationsResolved.WithLabelValues("delete", "succeeded", "event")); got != 1 {
		t.Errorf("expected 1 resolved, got %v", got)
	}
	if got := testutil.ToFloat64(m.pendingOperations); got != 1 {
		t.Errorf("expected 1 pending, got %v", got)
	}
}

func TestBandwidthAndDrain(t *testing.T) {
	t.Parallel()

	m := New()
	m.BandwidthSample(100, 50)
	m.BandwidthSample(1, 1)
	m.SetDraining(true)
	m.SetActiveConnections(4)

	if got := testutil.ToFloat64(m.bandwidthBytes.WithLabelValues("read")); got != 101 {
		t.Errorf("expected 101 bytes read, got %v", got)
	}
	if got := testutil.ToFloat64(m.drainDraining); got != 1 {
		t.Errorf("expected draining gauge 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.drainActiveConnections); got != 4 {
		t.Errorf("expected 4 connections, got %v", got)
	}
}

func TestHandler(t *testing.T) {
	t.Parallel()

	m := New()
	m.AttachDecision("per-process", "attached")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "onionctl_attach_decisions_total") {
		t.Error("expected attach counter in exposition output")
	}
}
