package shell

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegistersAllCollectors(t *testing.T) {
	m := NewMetrics()

	m.ByzantineRejected.WithLabelValues("prepare_chain_break").Inc()
	m.ProtocolDrops.WithLabelValues("prepare_wrong_view").Inc()
	m.RepairRequests.Inc()
	m.ViewChanges.Inc()
	m.ScrubCorruptions.Inc()
	m.CommitNumber.Set(42)
	m.View.Set(3)
	m.RepairInflight.Set(1)

	if got := testutil.ToFloat64(m.CommitNumber); got != 42 {
		t.Fatalf("commit_number = %v, want 42", got)
	}
	if got := testutil.ToFloat64(m.ViewChanges); got != 1 {
		t.Fatalf("view_changes_total = %v, want 1", got)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) != 8 {
		t.Fatalf("registered metric families = %d, want 8", len(families))
	}
}
