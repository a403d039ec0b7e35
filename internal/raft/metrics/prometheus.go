package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"partitionlog/internal/raft/server"
)

// Prometheus exposes the metrics of one node to a Prometheus registry.
type Prometheus struct {
	Requests          *prometheus.CounterVec
	Elections         prometheus.Counter
	ElectionDuration  prometheus.Histogram
	EntriesCommitted  prometheus.Counter
	SnapshotChunks    *prometheus.CounterVec
	SnapshotDuration  prometheus.Histogram
	SnapshotsReceived prometheus.Counter
	Term              prometheus.Gauge
	CommitIndex       prometheus.Gauge
	Role              *prometheus.GaugeVec
}

var _ server.MetricsCollector = (*Prometheus)(nil)

const (
	LabelVote      = "request_vote"
	LabelAppend    = "append_entries"
	LabelHeartbeat = "heartbeat"

	LabelChunkSent = "sent"
	LabelRetry     = "retry"
	LabelRestart   = "restart"
)

func NewPrometheus(nodeID string) *Prometheus {
	const (
		namespace = "partitionlog"
		subsystem = "raft"
	)
	labels := prometheus.Labels{"node": nodeID}

	return &Prometheus{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "requests_total",
			Help:        "Count of consensus requests, received votes and sent entries and heartbeats",
			ConstLabels: labels,
		}, []string{"kind"}),

		Elections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "elections_total",
			Help:        "Count of elections started by this node",
			ConstLabels: labels,
		}),

		ElectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "election_duration_seconds",
			Help:        "Histogram of times from the start of a won election to leadership",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1e-3, 4, 7),
		}),

		EntriesCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "entries_committed_total",
			Help:        "Count of committed command entries delivered to the consumer",
			ConstLabels: labels,
		}),

		SnapshotChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "snapshot_chunks_total",
			Help:        "Count of snapshot chunk requests sent, retried after a timeout and transfers restarted after a rejection",
			ConstLabels: labels,
		}, []string{"result"}),

		SnapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "snapshot_transfer_duration_seconds",
			Help:        "Histogram of times spent transferring a snapshot to a follower",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1e-2, 4, 7),
		}),

		SnapshotsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "snapshots_installed_total",
			Help:        "Count of snapshots received from a leader and installed",
			ConstLabels: labels,
		}),

		Term: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "term",
			Help:        "Current term",
			ConstLabels: labels,
		}),

		CommitIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "commit_index",
			Help:        "Highest log index known to be committed",
			ConstLabels: labels,
		}),

		Role: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "role",
			Help:        "1 for the role the node currently plays, 0 for the others",
			ConstLabels: labels,
		}, []string{"role"}),
	}
}

func (p *Prometheus) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		p.Requests,
		p.Elections,
		p.ElectionDuration,
		p.EntriesCommitted,
		p.SnapshotChunks,
		p.SnapshotDuration,
		p.SnapshotsReceived,
		p.Term,
		p.CommitIndex,
		p.Role,
	}
}

func (p *Prometheus) RecordRequestVote()   { p.Requests.WithLabelValues(LabelVote).Inc() }
func (p *Prometheus) RecordAppendEntries() { p.Requests.WithLabelValues(LabelAppend).Inc() }
func (p *Prometheus) RecordHeartbeat()     { p.Requests.WithLabelValues(LabelHeartbeat).Inc() }
func (p *Prometheus) RecordElection()      { p.Elections.Inc() }

func (p *Prometheus) RecordElectionDuration(d time.Duration) {
	p.ElectionDuration.Observe(d.Seconds())
}

func (p *Prometheus) RecordEntriesCommitted(count int) {
	p.EntriesCommitted.Add(float64(count))
}

func (p *Prometheus) RecordSnapshotChunkSent() { p.SnapshotChunks.WithLabelValues(LabelChunkSent).Inc() }
func (p *Prometheus) RecordSnapshotRetry()     { p.SnapshotChunks.WithLabelValues(LabelRetry).Inc() }
func (p *Prometheus) RecordSnapshotRestart()   { p.SnapshotChunks.WithLabelValues(LabelRestart).Inc() }

func (p *Prometheus) RecordSnapshotCompleted(d time.Duration) {
	p.SnapshotDuration.Observe(d.Seconds())
}

func (p *Prometheus) RecordSnapshotInstalled() { p.SnapshotsReceived.Inc() }

func (p *Prometheus) SetTerm(term uint64)         { p.Term.Set(float64(term)) }
func (p *Prometheus) SetCommitIndex(index uint64) { p.CommitIndex.Set(float64(index)) }

func (p *Prometheus) SetRole(role server.Role) {
	for _, r := range []server.Role{server.Follower, server.Candidate, server.Leader} {
		value := 0.0
		if r == role {
			value = 1
		}
		p.Role.WithLabelValues(r.String()).Set(value)
	}
}
