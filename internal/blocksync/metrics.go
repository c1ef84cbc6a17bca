package blocksync

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"github.com/tendermint/chainsync/types"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this package.
	MetricsSubsystem = "blocksync"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Whether or not a sync run is in progress.
	Syncing metrics.Gauge
	// Height the current sync run is heading for.
	TargetHeight metrics.Gauge
	// Number of blocks downloaded, including batches later discarded.
	DownloadedBlocks metrics.Counter
	// Number of downloaded bytes.
	DownloadedBytes metrics.Counter
	// Number of failed batch downloads.
	DownloadFailures metrics.Counter
	// Number of batch retries.
	Retries metrics.Counter
	// Number of blocks committed by sync runs.
	CommittedBlocks metrics.Counter
	// Time taken to download one batch, in seconds.
	BatchDownloadTime metrics.Histogram
	// Number of sync runs that ended with an error.
	FailedRuns metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue"). Every metric also carries a chain_id label, bound with
// ForChain.
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		Syncing: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "syncing",
			Help:      "Whether or not a node is block syncing. 1 if yes, 0 if no.",
		}, append(labels, "chain_id")).With(labelsAndValues...),
		TargetHeight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "target_height",
			Help:      "The height the current sync run is heading for.",
		}, append(labels, "chain_id")).With(labelsAndValues...),
		DownloadedBlocks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "downloaded_blocks",
			Help:      "The number of blocks downloaded from peers.",
		}, append(labels, "chain_id")).With(labelsAndValues...),
		DownloadedBytes: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "downloaded_bytes",
			Help:      "The number of block bytes downloaded from peers.",
		}, append(labels, "chain_id")).With(labelsAndValues...),
		DownloadFailures: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "download_failures",
			Help:      "The number of batch downloads that failed.",
		}, append(labels, "chain_id")).With(labelsAndValues...),
		Retries: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "retries",
			Help:      "The number of times a failed batch was retried.",
		}, append(labels, "chain_id")).With(labelsAndValues...),
		CommittedBlocks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "committed_blocks",
			Help:      "The number of downloaded blocks committed to the master chain.",
		}, append(labels, "chain_id")).With(labelsAndValues...),
		BatchDownloadTime: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "batch_download_time",
			Help:      "Time taken to download one batch, in seconds.",
			Buckets:   stdprometheus.ExponentialBuckets(0.01, 2, 12),
		}, append(labels, "chain_id")).With(labelsAndValues...),
		FailedRuns: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "failed_runs",
			Help:      "The number of sync runs that ended with an error.",
		}, append(labels, "chain_id")).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Syncing:           discard.NewGauge(),
		TargetHeight:      discard.NewGauge(),
		DownloadedBlocks:  discard.NewCounter(),
		DownloadedBytes:   discard.NewCounter(),
		DownloadFailures:  discard.NewCounter(),
		Retries:           discard.NewCounter(),
		CommittedBlocks:   discard.NewCounter(),
		BatchDownloadTime: discard.NewHistogram(),
		FailedRuns:        discard.NewCounter(),
	}
}

// ForChain returns Metrics labeled with id.
func (m *Metrics) ForChain(id types.ChainID) *Metrics {
	lv := []string{"chain_id", id.String()}
	return &Metrics{
		Syncing:           m.Syncing.With(lv...),
		TargetHeight:      m.TargetHeight.With(lv...),
		DownloadedBlocks:  m.DownloadedBlocks.With(lv...),
		DownloadedBytes:   m.DownloadedBytes.With(lv...),
		DownloadFailures:  m.DownloadFailures.With(lv...),
		Retries:           m.Retries.With(lv...),
		CommittedBlocks:   m.CommittedBlocks.With(lv...),
		BatchDownloadTime: m.BatchDownloadTime.With(lv...),
		FailedRuns:        m.FailedRuns.With(lv...),
	}
}
