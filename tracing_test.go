package tmauth

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestWorkflowsRecordSpansAndLatency(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	h := newHarness(t, func(c *Config) {
		c.Metrics.EnableLatencyHistograms = true
	}, func(b *Builder) {
		b.WithTracerProvider(tp)
	})
	h.fake.AddUser("a@b.com", "pw", "alice")
	h.start(t)
	ctx := context.Background()

	if err := h.client.SignIn(ctx, "a@b.com", "wrong"); err == nil {
		t.Fatal("expected wrong password to fail")
	}
	if err := h.client.SignIn(ctx, "a@b.com", "pw"); err != nil {
		t.Fatalf("sign in: %v", err)
	}

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	for _, s := range spans {
		if s.Name() != "tmauth.signin" {
			t.Fatalf("unexpected span %q", s.Name())
		}
	}
	if spans[0].Status().Code != codes.Error || len(spans[0].Events()) == 0 {
		t.Fatalf("failed call not recorded as error: %+v", spans[0].Status())
	}
	if spans[1].Status().Code == codes.Error {
		t.Fatal("successful call marked as error")
	}

	var observed uint64
	for _, n := range h.client.MetricsSnapshot().Histograms[MetricWorkflowLatency] {
		observed += n
	}
	if observed != 2 {
		t.Fatalf("expected 2 latency observations, got %d", observed)
	}
}
