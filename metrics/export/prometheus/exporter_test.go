package prometheus

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/indrasol/tmauth"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeSource struct {
	snapshot tmauth.MetricsSnapshot
	dropped  uint64
}

func (f fakeSource) MetricsSnapshot() tmauth.MetricsSnapshot { return f.snapshot }
func (f fakeSource) AuditDropped() uint64                    { return f.dropped }

type liveSource struct{ m *tmauth.Metrics }

func (s liveSource) MetricsSnapshot() tmauth.MetricsSnapshot { return s.m.Snapshot() }
func (s liveSource) AuditDropped() uint64                    { return 0 }

func TestCollectEmptyWhenMetricsDisabled(t *testing.T) {
	exp := NewExporterFromSource(fakeSource{
		snapshot: tmauth.MetricsSnapshot{
			Counters:   map[tmauth.MetricID]uint64{},
			Histograms: map[tmauth.MetricID][]uint64{},
		},
	})
	if n := testutil.CollectAndCount(exp); n != 0 {
		t.Fatalf("expected no series for disabled metrics, got %d", n)
	}
}

func TestCollectCountersAndHistogram(t *testing.T) {
	exp := NewExporterFromSource(fakeSource{
		snapshot: tmauth.MetricsSnapshot{
			Counters: map[tmauth.MetricID]uint64{
				tmauth.MetricSignInSuccess: 7,
			},
			Histograms: map[tmauth.MetricID][]uint64{
				tmauth.MetricWorkflowLatency: {1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
		dropped: 2,
	})

	expected := `
# HELP tmauth_signin_success_total Password sign-ins accepted by the provider.
# TYPE tmauth_signin_success_total counter
tmauth_signin_success_total 7
# HELP tmauth_audit_dropped_total Audit events dropped under dispatcher backpressure.
# TYPE tmauth_audit_dropped_total counter
tmauth_audit_dropped_total 2
# HELP tmauth_workflow_latency_seconds Latency of credential workflow calls.
# TYPE tmauth_workflow_latency_seconds histogram
tmauth_workflow_latency_seconds_bucket{le="0.05"} 1
tmauth_workflow_latency_seconds_bucket{le="0.1"} 3
tmauth_workflow_latency_seconds_bucket{le="0.25"} 6
tmauth_workflow_latency_seconds_bucket{le="0.5"} 10
tmauth_workflow_latency_seconds_bucket{le="1"} 15
tmauth_workflow_latency_seconds_bucket{le="2.5"} 21
tmauth_workflow_latency_seconds_bucket{le="5"} 28
tmauth_workflow_latency_seconds_bucket{le="+Inf"} 36
tmauth_workflow_latency_seconds_sum 0
tmauth_workflow_latency_seconds_count 36
`
	err := testutil.CollectAndCompare(exp, strings.NewReader(expected),
		"tmauth_signin_success_total", "tmauth_audit_dropped_total", "tmauth_workflow_latency_seconds")
	if err != nil {
		t.Fatal(err)
	}
}

func TestCollectSkipsHistogramWithoutLatency(t *testing.T) {
	m := tmauth.NewMetrics(tmauth.MetricsConfig{Enabled: true})
	m.Inc(tmauth.MetricSignOut)
	m.Observe(tmauth.MetricWorkflowLatency, time.Millisecond)

	exp := NewExporterFromSource(liveSource{m: m})
	if n := testutil.CollectAndCount(exp, "tmauth_workflow_latency_seconds"); n != 0 {
		t.Fatalf("histogram exported without latency tracking: %d", n)
	}
	if n := testutil.CollectAndCount(exp, "tmauth_signout_total"); n != 1 {
		t.Fatalf("expected signout counter, got %d series", n)
	}
}

func TestExporterPassesLint(t *testing.T) {
	exp := NewExporterFromSource(fakeSource{
		snapshot: tmauth.MetricsSnapshot{Counters: map[tmauth.MetricID]uint64{tmauth.MetricSignOut: 1}},
	})
	problems, err := testutil.CollectAndLint(exp)
	if err != nil {
		t.Fatal(err)
	}
	if len(problems) != 0 {
		t.Fatalf("lint problems: %+v", problems)
	}
}

func TestHandlerServesTextFormat(t *testing.T) {
	exp := NewExporterFromSource(fakeSource{
		snapshot: tmauth.MetricsSnapshot{
			Counters: map[tmauth.MetricID]uint64{tmauth.MetricSignInSuccess: 1},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	exp.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "text/plain") {
		t.Fatalf("expected text exposition, got %q", got)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "tmauth_signin_success_total 1") {
		t.Fatalf("counter missing from body:\n%s", body)
	}
}

func BenchmarkCollect(b *testing.B) {
	exp := NewExporterFromSource(fakeSource{
		snapshot: tmauth.MetricsSnapshot{
			Counters: map[tmauth.MetricID]uint64{
				tmauth.MetricSignInSuccess:        1000,
				tmauth.MetricSignInFailure:        40,
				tmauth.MetricSessionRefreshed:     800,
				tmauth.MetricIdentityChanged:      20,
				tmauth.MetricPasswordResetFailure: 3,
			},
			Histograms: map[tmauth.MetricID][]uint64{
				tmauth.MetricWorkflowLatency: {10, 20, 30, 40, 50, 60, 70, 80},
			},
		},
	})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = testutil.CollectAndCount(exp)
	}
}
