package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, nil, nil)

	handler := MetricsMiddleware(metrics)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// Verify histogram has observation
	metricFamilies, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	var found bool
	for _, mf := range metricFamilies {
		if mf.GetName() == "gatewarden_request_duration_seconds" {
			for _, m := range mf.GetMetric() {
				for _, lp := range m.GetLabel() {
					if lp.GetName() == "method" && lp.GetValue() == "POST" {
						if m.GetHistogram().GetSampleCount() != 1 {
							t.Errorf("expected 1 observation, got %d", m.GetHistogram().GetSampleCount())
						}
						found = true
					}
				}
			}
		}
	}
	if !found {
		t.Error("expected to find request_duration_seconds metric with method=POST")
	}
}

func TestMetricsMiddleware_RecordsRequestCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, nil, nil)

	handler := MetricsMiddleware(metrics)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var m dto.Metric
	if err := metrics.RequestsTotal.WithLabelValues("POST", "ok").Write(&m); err != nil {
		t.Fatal(err)
	}
	if m.Counter.GetValue() != 1 {
		t.Errorf("expected count 1, got %f", m.Counter.GetValue())
	}
}

func TestMetricsMiddleware_ErrorStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, nil, nil)

	handler := MetricsMiddleware(metrics)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var m dto.Metric
	if err := metrics.RequestsTotal.WithLabelValues("POST", "error").Write(&m); err != nil {
		t.Fatal(err)
	}
	if m.Counter.GetValue() != 1 {
		t.Errorf("expected count 1, got %f", m.Counter.GetValue())
	}
}

func TestMetricsMiddleware_SkipsMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, nil, nil)

	handler := MetricsMiddleware(metrics)(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var m dto.Metric
	if err := metrics.RequestsTotal.WithLabelValues("GET", "ok").Write(&m); err != nil {
		t.Fatal(err)
	}
	if m.Counter.GetValue() != 0 {
		t.Errorf("expected no observations for /metrics, got %f", m.Counter.GetValue())
	}
}

func TestMetrics_ActiveSessionsSampled(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, func() float64 { return 3 }, nil)

	var m dto.Metric
	if err := metrics.ActiveSessions.Write(&m); err != nil {
		t.Fatal(err)
	}
	if m.Gauge.GetValue() != 3 {
		t.Errorf("active sessions = %f, want 3", m.Gauge.GetValue())
	}
}

func TestMetrics_SSEConnectionsSampled(t *testing.T) {
	reg := prometheus.NewRegistry()
	registry := newSessionRegistry()
	metrics := NewMetrics(reg, nil, func() float64 { return float64(registry.count()) })

	readGauge := func() float64 {
		var m dto.Metric
		if err := metrics.SSEConnections.Write(&m); err != nil {
			t.Fatal(err)
		}
		return m.Gauge.GetValue()
	}

	if got := readGauge(); got != 0 {
		t.Fatalf("sse connections = %f, want 0", got)
	}

	ch1 := make(chan []byte, 1)
	ch2 := make(chan []byte, 1)
	registry.register("sess-1", ch1)
	registry.register("sess-1", ch2) // Two streams on one session both count.
	if got := readGauge(); got != 2 {
		t.Errorf("sse connections = %f, want 2", got)
	}

	registry.unregister("sess-1", ch1)
	if got := readGauge(); got != 1 {
		t.Errorf("sse connections after unregister = %f, want 1", got)
	}

	registry.terminate("sess-1")
	if got := readGauge(); got != 0 {
		t.Errorf("sse connections after terminate = %f, want 0", got)
	}
}
