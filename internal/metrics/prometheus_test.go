package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandler_ExposesCounters(t *testing.T) {
	m := New()
	m.Inc(EventRoomJoin)
	m.Inc(EventRoomJoin)
	m.Add(EventSignalRelayed, 5)

	rec := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `ponswarp_signaling_events_total{event="room_join"} 2`) {
		t.Fatalf("missing room_join counter:\n%s", body)
	}
	if !strings.Contains(body, `ponswarp_signaling_events_total{event="signal_relayed"} 5`) {
		t.Fatalf("missing signal_relayed counter:\n%s", body)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content-type: got %q", ct)
	}
}

func TestPrometheusHandler_NilMetrics(t *testing.T) {
	rec := httptest.NewRecorder()
	PrometheusHandler(nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status: got %d, want 500", rec.Code)
	}
}

func TestMetrics_NilReceiverSafe(t *testing.T) {
	var m *Metrics
	m.Inc("x")
	m.Add("x", 3)
	if got := m.Get("x"); got != 0 {
		t.Fatalf("nil metrics Get: got %d, want 0", got)
	}
	if snap := m.Snapshot(); snap != nil {
		t.Fatalf("nil metrics Snapshot: got %v, want nil", snap)
	}
}
