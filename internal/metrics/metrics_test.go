package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPoolSizeRecordsPerFunctionAndStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New("test", reg)

	r.PoolSize.WithLabelValues("resize-image", "healthy").Set(3)
	r.PoolSize.WithLabelValues("resize-image", "idle").Set(1)

	metricFamilies, err := reg.Gather()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var found int
	for _, mf := range metricFamilies {
		if mf.GetName() != "test_pool_containers" {
			continue
		}
		found = len(mf.GetMetric())
	}
	if found != 2 {
		t.Fatalf("expected 2 pool_containers series, got %d", found)
	}
}

func TestScaleDecisionsIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New("test", reg)

	r.ScaleDecisions.WithLabelValues("resize-image", "up").Inc()
	r.ScaleDecisions.WithLabelValues("resize-image", "up").Inc()

	var m dto.Metric
	if err := r.ScaleDecisions.WithLabelValues("resize-image", "up").Write(&m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.GetCounter().GetValue() != 2 {
		t.Fatalf("expected counter value 2, got %v", m.GetCounter().GetValue())
	}
}

func TestGlobalNilUntilInit(t *testing.T) {
	if Global() != nil {
		t.Skip("global registry already initialized by another test in this run")
	}
}
