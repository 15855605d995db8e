package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordCycle("ok", 20*time.Millisecond)
	m.RecordCycle("ok", 10*time.Millisecond)
	m.RecordCycle("error", time.Millisecond)
	m.RecordSnapshotUploaded()
	m.RecordEventsUploaded("alerts", 3)
	m.SetEventsPending("alerts", 2)
	m.RecordSettingsChanged(1)
	m.RecordCommand("STATUS")

	if got := testutil.ToFloat64(m.syncCycles.WithLabelValues("ok")); got != 2 {
		t.Fatalf("unexpected ok cycle count: %v", got)
	}
	if got := testutil.ToFloat64(m.syncCycles.WithLabelValues("error")); got != 1 {
		t.Fatalf("unexpected error cycle count: %v", got)
	}
	if got := testutil.ToFloat64(m.eventsUploaded.WithLabelValues("alerts")); got != 3 {
		t.Fatalf("unexpected events uploaded: %v", got)
	}
	if got := testutil.ToFloat64(m.eventsPending.WithLabelValues("alerts")); got != 2 {
		t.Fatalf("unexpected events pending: %v", got)
	}
}

func TestMetricsHandlerExposesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordCycle("ok", 10*time.Millisecond)
	m.RecordCommand("STATUS")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read exposition: %v", err)
	}
	text := string(body)
	if !strings.Contains(text, `dataplicity_sync_cycles_total{outcome="ok"} 1`) {
		t.Fatalf("cycle counter missing from exposition:\n%s", text)
	}
	if !strings.Contains(text, `dataplicity_daemon_commands_total{verb="STATUS"} 1`) {
		t.Fatalf("command counter missing from exposition:\n%s", text)
	}
}

func TestMetricsNilReceiver(t *testing.T) {
	var m *Metrics
	m.RecordCycle("ok", time.Second)
	m.RecordSnapshotUploaded()
	m.RecordEventsUploaded("t", 1)
	m.SetEventsPending("t", 0)
	m.RecordSettingsChanged(0)
	m.RecordCommand("SYNC")
}
