package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRouterServesMetrics(t *testing.T) {
	m := New()
	m.StageEntered("pending")
	m.StageEntered("downloading")
	m.SegmentDownloaded(2048)
	m.SegmentDownloaded(1024)
	m.RunFinished("", 90*time.Second)
	m.SourceState("eventsub", true)
	m.Triggered()

	server := httptest.NewServer(Router(m, nil))
	defer server.Close()

	resp, err := http.Get(server.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		"vodkeeper_runs_started_total 1",
		"vodkeeper_segment_bytes_total 3072",
		"vodkeeper_segments_downloaded_total 2",
		`vodkeeper_stage_entered_total{stage="downloading"} 1`,
		`vodkeeper_runs_finished_total{error=""} 1`,
		`vodkeeper_monitor_source_connected{source="eventsub"} 1`,
		"vodkeeper_active_runs 0",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output lacks %q", want)
		}
	}
}

func TestHealthz(t *testing.T) {
	tests := []struct {
		name   string
		health HealthFunc
		want   int
	}{
		{"no check", nil, http.StatusOK},
		{"healthy", func() error { return nil }, http.StatusOK},
		{"unhealthy", func() error { return errors.New("no source connected") }, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			Router(New(), tt.health).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.StageEntered("pending")
	m.SegmentDownloaded(1)
	m.RunFinished("network", time.Second)
	m.SourceState("redis", false)
	m.Triggered()
	if !m.LastTrigger().IsZero() {
		t.Error("nil metrics should report no trigger")
	}
}
