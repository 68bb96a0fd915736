package prometheus

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	tglink "github.com/velora-team/tglink"
)

type fakeSource struct {
	snapshot tglink.MetricsSnapshot
	dropped  uint64
}

func (f fakeSource) MetricsSnapshot() tglink.MetricsSnapshot { return f.snapshot }
func (f fakeSource) EventsDropped() uint64                   { return f.dropped }

func TestRenderEmptyWhenMetricsDisabled(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: tglink.MetricsSnapshot{
			Counters:   map[tglink.MetricID]uint64{},
			Histograms: map[tglink.MetricID][]uint64{},
		},
		dropped: 0,
	})

	if got := exp.Render(); got != "" {
		t.Fatalf("expected empty output for disabled metrics, got:\n%s", got)
	}
}

func TestRenderDeterministicIncludesCounterAndHistogram(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: tglink.MetricsSnapshot{
			Counters: map[tglink.MetricID]uint64{
				tglink.MetricSignInSuccess: 7,
			},
			Histograms: map[tglink.MetricID][]uint64{
				tglink.MetricInvokeLatency: {1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
		dropped: 2,
	})

	out := exp.Render()
	if !strings.Contains(out, "tglink_sign_in_success_total 7") {
		t.Fatalf("expected sign-in counter in output, got:\n%s", out)
	}
	if !strings.Contains(out, "tglink_invoke_latency_seconds_bucket{le=\"0.005\"} 1") {
		t.Fatalf("expected first histogram bucket in output, got:\n%s", out)
	}
	if !strings.Contains(out, "tglink_invoke_latency_seconds_bucket{le=\"+Inf\"} 36") {
		t.Fatalf("expected +Inf cumulative bucket in output, got:\n%s", out)
	}
	if !strings.Contains(out, "tglink_events_dropped_total 2") {
		t.Fatalf("expected events dropped counter in output, got:\n%s", out)
	}
}

func TestHandlerWritesPrometheusContentType(t *testing.T) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: tglink.MetricsSnapshot{
			Counters:   map[tglink.MetricID]uint64{tglink.MetricSignInSuccess: 1},
			Histograms: map[tglink.MetricID][]uint64{},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	exp.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "text/plain") {
		t.Fatalf("expected prometheus content type, got %q", got)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func BenchmarkRender(b *testing.B) {
	exp := NewPrometheusExporterFromSource(fakeSource{
		snapshot: tglink.MetricsSnapshot{
			Counters: map[tglink.MetricID]uint64{
				tglink.MetricSignInSuccess:      1000,
				tglink.MetricPhoneCodeRequested: 1200,
				tglink.MetricQRGenerated:        300,
				tglink.MetricQRAccepted:         280,
				tglink.MetricInvokeSuccess:      50000,
				tglink.MetricInvokeFailure:      90,
				tglink.MetricSessionRevoked:     20,
			},
			Histograms: map[tglink.MetricID][]uint64{
				tglink.MetricInvokeLatency: {10, 20, 30, 40, 50, 60, 70, 80},
			},
		},
		dropped: 0,
	})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = exp.Render()
	}
}
