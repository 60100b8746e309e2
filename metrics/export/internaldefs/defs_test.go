package internaldefs

import (
	"strconv"
	"strings"
	"testing"

	"github.com/indrasol/tmauth"
)

func TestEveryCounterIsDefinedOnce(t *testing.T) {
	seen := make(map[tmauth.MetricID]bool)
	names := make(map[string]bool)
	for _, def := range CounterDefs {
		if seen[def.ID] || names[def.Name] {
			t.Fatalf("duplicate definition %v %q", def.ID, def.Name)
		}
		seen[def.ID] = true
		names[def.Name] = true
		if !strings.HasPrefix(def.Name, "tmauth_") || !strings.HasSuffix(def.Name, "_total") {
			t.Fatalf("bad counter name %q", def.Name)
		}
		if def.Name != "tmauth_"+def.ID.String()+"_total" {
			t.Fatalf("counter %q does not follow its id name %q", def.Name, def.ID)
		}
	}
	for _, id := range tmauth.MetricIDs() {
		if id == tmauth.MetricWorkflowLatency {
			continue
		}
		if !seen[id] {
			t.Fatalf("metric %s has no exporter definition", id)
		}
	}
}

func TestBoundsMatchLatencyBuckets(t *testing.T) {
	bounds := UpperBounds()
	if len(bounds)+1 != len(HistogramBounds) || len(HistogramBounds) != len(HistogramBoundSuffix) {
		t.Fatalf("bucket tables disagree: %d %d %d", len(bounds), len(HistogramBounds), len(HistogramBoundSuffix))
	}
	for i, b := range bounds {
		if got := strconv.FormatFloat(b, 'g', -1, 64); got != HistogramBounds[i] {
			t.Fatalf("bound %d: %s != %s", i, got, HistogramBounds[i])
		}
	}
}

func TestCumulativeBuckets(t *testing.T) {
	got := CumulativeBuckets(NormalizeBuckets([]uint64{1, 2, 3}))
	want := [8]uint64{1, 3, 6, 6, 6, 6, 6, 6}
	if got != want {
		t.Fatalf("got %v want %v", got, want)
	}
	if NormalizeBuckets(make([]uint64, 12)) != ([8]uint64{}) {
		t.Fatal("extra buckets not dropped")
	}
}
