package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoOp(t *testing.T) {
	var m *Metrics
	m.ObserveRecognition("vosk", "success", time.Second)
	m.ObserveError("audio", "retry")
	m.SetBackendState("vosk", "ready", []string{"ready", "failed"})
	m.SetHandles("temp_buffer", 3)
	m.SetCheckStatus("memory", 2)
	m.IncRemediation("memory")
	m.SetDaemonState("RUNNING", []string{"RUNNING"})
	m.IncQueueRejected()
	m.SetResidentBytes(1)
	if m.Registry() != nil {
		t.Error("expected nil registry on nil metrics")
	}
}

func TestObserveRecognition(t *testing.T) {
	m := New()
	m.ObserveRecognition("vosk", "success", 200*time.Millisecond)
	m.ObserveRecognition("vosk", "failure", 0)
	m.ObserveRecognition("vosk", "failure", 0)

	if got := testutil.ToFloat64(m.recognitions.WithLabelValues("vosk", "success")); got != 1 {
		t.Errorf("expected 1 success, got %v", got)
	}
	if got := testutil.ToFloat64(m.recognitions.WithLabelValues("vosk", "failure")); got != 2 {
		t.Errorf("expected 2 failures, got %v", got)
	}
}

func TestSetBackendState_OneHot(t *testing.T) {
	m := New()
	states := []string{"uninitialized", "ready", "degraded", "failed"}
	m.SetBackendState("a", "ready", states)
	m.SetBackendState("a", "failed", states)

	if got := testutil.ToFloat64(m.backendState.WithLabelValues("a", "ready")); got != 0 {
		t.Errorf("expected ready=0 after transition, got %v", got)
	}
	if got := testutil.ToFloat64(m.backendState.WithLabelValues("a", "failed")); got != 1 {
		t.Errorf("expected failed=1, got %v", got)
	}
}

func TestHandler_ExposesNamespace(t *testing.T) {
	m := New()
	m.IncQueueRejected()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "voxd_queue_rejected_total 1") {
		t.Errorf("expected queue counter in output, got:\n%s", rec.Body.String())
	}
}
