// Package metrics instruments the sync stack with Prometheus collectors,
// grounded on dolthub-dolt's direct use of github.com/prometheus/client_golang.
// A Registry is optional everywhere it's threaded through (pagecomm
// accepts a nil *Registry), so unit tests that don't care about
// observability don't need to construct one.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups every collector the sync stack reports into.
type Registry struct {
	reg *prometheus.Registry

	InterestTableSize      *prometheus.GaugeVec
	CommitBatchesAdmitted  prometheus.Counter
	CommitBatchesAbandoned *prometheus.CounterVec
	ObjectRequestsResolved *prometheus.CounterVec
}

// NewRegistry builds and registers every collector against a fresh
// prometheus.Registry.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		InterestTableSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ledgersync",
			Name:      "interest_table_size",
			Help:      "Number of devices known to be interested in a page.",
		}, []string{"namespace", "page"}),
		CommitBatchesAdmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ledgersync",
			Name:      "commit_batches_admitted_total",
			Help:      "Commit batches admitted into page storage.",
		}),
		CommitBatchesAbandoned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledgersync",
			Name:      "commit_batches_abandoned_total",
			Help:      "Commit batches abandoned, by reason.",
		}, []string{"reason"}),
		ObjectRequestsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ledgersync",
			Name:      "object_requests_resolved_total",
			Help:      "Pending object requests resolved, by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(r.InterestTableSize, r.CommitBatchesAdmitted, r.CommitBatchesAbandoned, r.ObjectRequestsResolved)
	return r
}

// Gatherer exposes the underlying prometheus.Gatherer for an HTTP
// /metrics handler.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// SetInterestTableSize is nil-safe so callers don't need to branch on a
// possibly-absent registry.
func (r *Registry) SetInterestTableSize(namespace, page string, size int) {
	if r == nil {
		return
	}
	r.InterestTableSize.WithLabelValues(namespace, page).Set(float64(size))
}

func (r *Registry) IncBatchAdmitted() {
	if r == nil {
		return
	}
	r.CommitBatchesAdmitted.Inc()
}

func (r *Registry) IncBatchAbandoned(reason string) {
	if r == nil {
		return
	}
	r.CommitBatchesAbandoned.WithLabelValues(reason).Inc()
}

func (r *Registry) IncObjectRequestResolved(outcome string) {
	if r == nil {
		return
	}
	r.ObjectRequestsResolved.WithLabelValues(outcome).Inc()
}
