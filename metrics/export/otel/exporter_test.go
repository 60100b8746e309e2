package otel

import (
	"context"
	"sync"
	"testing"

	"github.com/indrasol/tmauth"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type fakeSource struct {
	mu       sync.RWMutex
	counters map[tmauth.MetricID]uint64
	latency  []uint64
	dropped  uint64
}

func (f *fakeSource) MetricsSnapshot() tmauth.MetricsSnapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := tmauth.MetricsSnapshot{
		Counters:   make(map[tmauth.MetricID]uint64, len(f.counters)),
		Histograms: make(map[tmauth.MetricID][]uint64, 1),
	}
	for k, v := range f.counters {
		out.Counters[k] = v
	}
	if f.latency != nil {
		out.Histograms[tmauth.MetricWorkflowLatency] = append([]uint64(nil), f.latency...)
	}
	return out
}

func (f *fakeSource) AuditDropped() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dropped
}

func newReader(t *testing.T) (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return reader, provider
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += dp.Value
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += dp.Value
				}
			}
		}
	}
	return out
}

func TestExporterRegistersAndCollects(t *testing.T) {
	reader, provider := newReader(t)
	src := &fakeSource{
		counters: map[tmauth.MetricID]uint64{tmauth.MetricSignInSuccess: 3},
		latency:  []uint64{1, 1, 1, 1, 1, 1, 1, 1},
		dropped:  1,
	}

	exp, err := NewExporterFromSource(provider.Meter("tmauth-test"), src)
	if err != nil {
		t.Fatalf("NewExporterFromSource failed: %v", err)
	}
	defer func() {
		if err := exp.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}()

	got := collect(t, reader)
	if got["tmauth_signin_success_total"] != 3 {
		t.Fatalf("signin counter = %d", got["tmauth_signin_success_total"])
	}
	if got["tmauth_audit_dropped_total"] != 1 {
		t.Fatalf("audit dropped = %d", got["tmauth_audit_dropped_total"])
	}
	if got["tmauth_workflow_latency_seconds_bucket_le_0_05"] != 1 {
		t.Fatalf("first bucket = %d", got["tmauth_workflow_latency_seconds_bucket_le_0_05"])
	}
	if got["tmauth_workflow_latency_seconds_bucket_le_inf"] != 8 || got["tmauth_workflow_latency_seconds_count"] != 8 {
		t.Fatalf("cumulative buckets wrong: %v", got)
	}
}

func TestExporterSkipsHistogramWhenLatencyDisabled(t *testing.T) {
	reader, provider := newReader(t)
	src := &fakeSource{counters: map[tmauth.MetricID]uint64{tmauth.MetricSignOut: 2}}

	exp, err := NewExporterFromSource(provider.Meter("tmauth-test"), src)
	if err != nil {
		t.Fatalf("NewExporterFromSource failed: %v", err)
	}
	defer exp.Close()

	got := collect(t, reader)
	if _, ok := got["tmauth_workflow_latency_seconds_count"]; ok {
		t.Fatal("histogram observed without latency tracking")
	}
	if got["tmauth_signout_total"] != 2 {
		t.Fatalf("signout counter = %d", got["tmauth_signout_total"])
	}
}

func TestExporterRejectsNilInputs(t *testing.T) {
	_, provider := newReader(t)
	meter := provider.Meter("tmauth-test")

	if _, err := NewExporterFromSource(meter, nil); err != ErrNilSource {
		t.Fatalf("expected ErrNilSource, got %v", err)
	}
	if _, err := NewExporter(meter, nil); err != ErrNilSource {
		t.Fatalf("expected ErrNilSource for nil client, got %v", err)
	}
	if _, err := NewExporterFromSource(nil, &fakeSource{}); err != ErrNilMeter {
		t.Fatalf("expected ErrNilMeter, got %v", err)
	}
}

func TestExporterConcurrentCollectNoPanic(t *testing.T) {
	reader, provider := newReader(t)
	src := &fakeSource{
		counters: map[tmauth.MetricID]uint64{tmauth.MetricSignInSuccess: 1},
		latency:  []uint64{1, 0, 0, 0, 0, 0, 0, 0},
	}

	exp, err := NewExporterFromSource(provider.Meter("tmauth-test"), src)
	if err != nil {
		t.Fatalf("NewExporterFromSource failed: %v", err)
	}
	defer exp.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			src.mu.Lock()
			src.counters[tmauth.MetricSignInSuccess] = v
			src.mu.Unlock()

			var rm metricdata.ResourceMetrics
			_ = reader.Collect(context.Background(), &rm)
		}(uint64(i + 1))
	}
	wg.Wait()
}
