// Package metrics exposes chordcommit's TM/Paxos/FD counters and gauges
// through github.com/prometheus/client_golang, scraped by cmd/chordnode's
// ops-only /metrics endpoint (never the transaction-driving client API,
// which stays out of scope per spec.md §1).
//
// Grounded on pkg/metrics/metrics.go's MetricsCollector (what to count:
// operations executed/failed, timing, transaction started/committed/
// aborted), re-implemented on the real client library's Counter/Gauge/
// Histogram types instead of the teacher's hand-rolled atomic counters
// and text-format writer (pkg/metrics/prometheus.go).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chordcommit"

// Metrics is the set of counters/gauges every TM, RTM, TP, Paxos, and FD
// instance reports to, registered once per process against reg.
type Metrics struct {
	CommitsStarted   prometheus.Counter
	CommitsCommitted prometheus.Counter
	CommitsAborted   prometheus.Counter
	CommitDuration   prometheus.Histogram

	TakeoversStarted  prometheus.Counter
	TakeoversResolved prometheus.Counter

	PaxosRoundsStarted prometheus.Counter
	PaxosAccepts       *prometheus.CounterVec // labeled by "value": prepared|abort
	PaxosPreemptions   prometheus.Counter

	RTMKnownCount  prometheus.Gauge
	Initializing   prometheus.Gauge // 1 while a TM refuses new commits
	RTMRediscovery prometheus.Counter

	FDSuspicions prometheus.Counter

	TxStateCount   prometheus.Gauge
	ItemStateCount prometheus.Gauge
}

// New registers every metric against reg and returns the bundle. Pass
// prometheus.NewRegistry() for an isolated registry (tests,
// multi-instance-per-process simulations) or prometheus.DefaultRegisterer
// for a single-node process.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CommitsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "commits_started_total",
			Help: "Transactions submitted to Commit.",
		}),
		CommitsCommitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "commits_committed_total",
			Help: "Transactions that reached the commit decision.",
		}),
		CommitsAborted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "commits_aborted_total",
			Help: "Transactions that reached the abort decision.",
		}),
		CommitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "commit_duration_seconds",
			Help:    "Time from Commit to a transaction's final decision.",
			Buckets: prometheus.DefBuckets,
		}),
		TakeoversStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "takeovers_started_total",
			Help: "RTM takeovers begun after a tid_isdone sweep found an undecided transaction.",
		}),
		TakeoversResolved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "takeovers_resolved_total",
			Help: "RTM takeovers that reached a decision.",
		}),
		PaxosRoundsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "paxos_rounds_started_total",
			Help: "Proposer rounds started across all paxos_ids.",
		}),
		PaxosAccepts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "paxos_accepts_total",
			Help: "Acceptor Accept calls that succeeded, by decided value.",
		}, []string{"value"}),
		PaxosPreemptions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "paxos_preemptions_total",
			Help: "Proposer rounds that lost to a higher round during Prepare or Accept.",
		}),
		RTMKnownCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rtm_known_count",
			Help: "Number of RTMs this TM currently believes are live.",
		}),
		Initializing: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "initializing",
			Help: "1 while this TM is below MinRTMs and refusing new commits.",
		}),
		RTMRediscovery: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rtm_rediscovery_total",
			Help: "RefreshRTMs sweeps performed.",
		}),
		FDSuspicions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "fd_suspicions_total",
			Help: "Crash notifications the failure detector has emitted.",
		}),
		TxStateCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "tx_state_count",
			Help: "TxState entries currently held (not yet garbage collected).",
		}),
		ItemStateCount: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "item_state_count",
			Help: "ItemState entries currently held (not yet garbage collected).",
		}),
	}
}
