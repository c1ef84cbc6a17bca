package pruner

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this package.
	MetricsSubsystem = "pruner"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of completed pruning cycles.
	Cycles metrics.Counter
	// Number of chains deleted, labeled by sweep.
	DeletedChains metrics.Counter
	// Number of sweeps skipped because the chain lock was busy.
	LockTimeouts metrics.Counter
	// Blocks held by fork and orphan chains after the last cycle.
	CachedBlocks metrics.Gauge
	// Number of chains moved into exception by a failed sweep.
	Failures metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Cycles: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "cycles",
			Help:      "Number of completed pruning cycles.",
		}, labels).With(labelsAndValues...),
		DeletedChains: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "deleted_chains",
			Help:      "Number of fork and orphan chains deleted.",
		}, append(labels, "chain_id", "sweep")).With(labelsAndValues...),
		LockTimeouts: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "lock_timeouts",
			Help:      "Number of sweeps skipped because the chain lock was busy.",
		}, append(labels, "chain_id")).With(labelsAndValues...),
		CachedBlocks: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "cached_blocks",
			Help:      "Blocks held by fork and orphan chains.",
		}, append(labels, "chain_id")).With(labelsAndValues...),
		Failures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "failures",
			Help:      "Number of chains moved into exception by a failed sweep.",
		}, append(labels, "chain_id")).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Cycles:        discard.NewCounter(),
		DeletedChains: discard.NewCounter(),
		LockTimeouts:  discard.NewCounter(),
		CachedBlocks:  discard.NewGauge(),
		Failures:      discard.NewCounter(),
	}
}
