package metrics

import (
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestRegistry_NilSafe(t *testing.T) {
	var r *Registry
	require.NotPanics(t, func() {
		r.SetInterestTableSize("ns", "page", 3)
		r.IncBatchAdmitted()
		r.IncBatchAbandoned("timeout")
		r.IncObjectRequestResolved("present")
	})
}

func TestRegistry_CountersIncrement(t *testing.T) {
	r := NewRegistry()
	r.IncBatchAdmitted()
	r.IncBatchAdmitted()
	r.IncBatchAbandoned("timeout")

	families, err := r.Gatherer().Gather()
	require.NoError(t, err)

	var admitted, abandoned float64
	for _, f := range families {
		switch f.GetName() {
		case "ledgersync_commit_batches_admitted_total":
			admitted = sumCounters(f.GetMetric())
		case "ledgersync_commit_batches_abandoned_total":
			abandoned = sumCounters(f.GetMetric())
		}
	}
	require.Equal(t, float64(2), admitted)
	require.Equal(t, float64(1), abandoned)
}

func sumCounters(metrics []*dto.Metric) float64 {
	var total float64
	for _, m := range metrics {
		total += m.GetCounter().GetValue()
	}
	return total
}
