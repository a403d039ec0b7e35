// Package metrics provides implementations of server.MetricsCollector: in-process statistics that can be dumped as a
// report, and Prometheus instruments.
package metrics

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"partitionlog/internal/raft/server"
)

// Metrics collects statistics about a node's consensus activity in memory
type Metrics struct {
	// RPC counters
	appendEntriesCount atomic.Uint64
	requestVoteCount   atomic.Uint64
	heartbeatCount     atomic.Uint64

	// Throughput tracking
	entriesCommitted atomic.Uint64
	startTime        time.Time

	// Leader election metrics
	electionCount    atomic.Uint64
	electionDuration []time.Duration
	electionMu       sync.Mutex

	// Snapshot transfer metrics
	chunksSent          atomic.Uint64
	chunkRetries        atomic.Uint64
	transferRestarts    atomic.Uint64
	snapshotsInstalled  atomic.Uint64
	transferDurations   []time.Duration
	transferDurationsMu sync.Mutex

	term        atomic.Uint64
	commitIndex atomic.Uint64
	role        atomic.Uint64
}

var _ server.MetricsCollector = (*Metrics)(nil)

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		electionDuration:  make([]time.Duration, 0, 100),
		transferDurations: make([]time.Duration, 0, 100),
		startTime:         time.Now(),
	}
}

// RecordAppendEntries increments the AppendEntries RPC counter
func (m *Metrics) RecordAppendEntries() {
	m.appendEntriesCount.Add(1)
}

// RecordRequestVote increments the RequestVote RPC counter
func (m *Metrics) RecordRequestVote() {
	m.requestVoteCount.Add(1)
}

// RecordHeartbeat increments the heartbeat counter
func (m *Metrics) RecordHeartbeat() {
	m.heartbeatCount.Add(1)
}

// RecordElection records a leader election occurrence
func (m *Metrics) RecordElection() {
	m.electionCount.Add(1)
}

// RecordElectionDuration records how long an election took
func (m *Metrics) RecordElectionDuration(duration time.Duration) {
	m.electionMu.Lock()
	m.electionDuration = append(m.electionDuration, duration)
	m.electionMu.Unlock()
}

func (m *Metrics) RecordEntriesCommitted(count int) {
	if count > 0 {
		m.entriesCommitted.Add(uint64(count))
	}
}

func (m *Metrics) RecordSnapshotChunkSent() { m.chunksSent.Add(1) }
func (m *Metrics) RecordSnapshotRetry()     { m.chunkRetries.Add(1) }
func (m *Metrics) RecordSnapshotRestart()   { m.transferRestarts.Add(1) }
func (m *Metrics) RecordSnapshotInstalled() { m.snapshotsInstalled.Add(1) }

func (m *Metrics) RecordSnapshotCompleted(duration time.Duration) {
	m.transferDurationsMu.Lock()
	m.transferDurations = append(m.transferDurations, duration)
	m.transferDurationsMu.Unlock()
}

func (m *Metrics) SetTerm(term uint64)         { m.term.Store(term) }
func (m *Metrics) SetCommitIndex(index uint64) { m.commitIndex.Store(index) }
func (m *Metrics) SetRole(role server.Role)    { m.role.Store(uint64(role)) }

// LatencyStats contains percentile statistics for latencies
type LatencyStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min_ms"`
	Max    float64 `json:"max_ms"`
	Mean   float64 `json:"mean_ms"`
	P50    float64 `json:"p50_ms"`
	P95    float64 `json:"p95_ms"`
	P99    float64 `json:"p99_ms"`
	StdDev float64 `json:"stddev_ms"`
}

// GetElectionStats returns statistics about leader elections
func (m *Metrics) GetElectionStats() LatencyStats {
	m.electionMu.Lock()
	durations := append([]time.Duration(nil), m.electionDuration...)
	m.electionMu.Unlock()
	return latencyStats(durations)
}

// GetTransferStats returns statistics about completed snapshot transfers
func (m *Metrics) GetTransferStats() LatencyStats {
	m.transferDurationsMu.Lock()
	durations := append([]time.Duration(nil), m.transferDurations...)
	m.transferDurationsMu.Unlock()
	return latencyStats(durations)
}

func latencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	// Sort for percentile calculation
	sort.Slice(durations, func(i, j int) bool {
		return durations[i] < durations[j]
	})

	// Convert to milliseconds
	durationsMs := make([]float64, len(durations))
	var sum float64
	for i, d := range durations {
		ms := float64(d.Microseconds()) / 1000.0
		durationsMs[i] = ms
		sum += ms
	}

	mean := sum / float64(len(durationsMs))

	// Calculate standard deviation
	var variance float64
	for _, d := range durationsMs {
		diff := d - mean
		variance += diff * diff
	}
	stddev := math.Sqrt(variance / float64(len(durationsMs)))

	return LatencyStats{
		Count:  len(durations),
		Min:    durationsMs[0],
		Max:    durationsMs[len(durationsMs)-1],
		Mean:   mean,
		P50:    percentile(durationsMs, 50),
		P95:    percentile(durationsMs, 95),
		P99:    percentile(durationsMs, 99),
		StdDev: stddev,
	}
}

// percentile calculates the nth percentile from sorted data
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	// Linear interpolation
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// GetThroughput returns the committed entries per second since the collector was created
func (m *Metrics) GetThroughput() float64 {
	elapsed := time.Since(m.startTime).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(m.entriesCommitted.Load()) / elapsed
}

// Report contains all collected metrics
type Report struct {
	NodeID    string    `json:"node_id"`
	Duration  float64   `json:"duration_seconds"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`

	Role        string `json:"role"`
	Term        uint64 `json:"term"`
	CommitIndex uint64 `json:"commit_index"`

	// Throughput metrics
	EntriesCommitted uint64  `json:"entries_committed"`
	ThroughputSec    float64 `json:"throughput_entries_per_sec"`

	// Network metrics
	AppendEntriesCount uint64 `json:"append_entries_count"`
	RequestVoteCount   uint64 `json:"request_vote_count"`
	HeartbeatCount     uint64 `json:"heartbeat_count"`

	// Leader election metrics
	ElectionCount uint64       `json:"election_count"`
	ElectionStats LatencyStats `json:"election_stats"`

	// Snapshot metrics
	SnapshotChunksSent   uint64       `json:"snapshot_chunks_sent"`
	SnapshotChunkRetries uint64       `json:"snapshot_chunk_retries"`
	SnapshotRestarts     uint64       `json:"snapshot_restarts"`
	SnapshotsInstalled   uint64       `json:"snapshots_installed"`
	TransferStats        LatencyStats `json:"snapshot_transfer_stats"`
}

// GetReport generates a report of everything collected so far
func (m *Metrics) GetReport(nodeID string) Report {
	endTime := time.Now()

	return Report{
		NodeID:               nodeID,
		Duration:             endTime.Sub(m.startTime).Seconds(),
		StartTime:            m.startTime,
		EndTime:              endTime,
		Role:                 server.Role(m.role.Load()).String(),
		Term:                 m.term.Load(),
		CommitIndex:          m.commitIndex.Load(),
		EntriesCommitted:     m.entriesCommitted.Load(),
		ThroughputSec:        m.GetThroughput(),
		AppendEntriesCount:   m.appendEntriesCount.Load(),
		RequestVoteCount:     m.requestVoteCount.Load(),
		HeartbeatCount:       m.heartbeatCount.Load(),
		ElectionCount:        m.electionCount.Load(),
		ElectionStats:        m.GetElectionStats(),
		SnapshotChunksSent:   m.chunksSent.Load(),
		SnapshotChunkRetries: m.chunkRetries.Load(),
		SnapshotRestarts:     m.transferRestarts.Load(),
		SnapshotsInstalled:   m.snapshotsInstalled.Load(),
		TransferStats:        m.GetTransferStats(),
	}
}

// SaveJSON writes the report to a JSON file
func (r *Report) SaveJSON(filename string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// Reset clears all collected metrics (useful for running multiple tests)
func (m *Metrics) Reset() {
	m.electionMu.Lock()
	m.electionDuration = make([]time.Duration, 0, 100)
	m.electionMu.Unlock()

	m.transferDurationsMu.Lock()
	m.transferDurations = make([]time.Duration, 0, 100)
	m.transferDurationsMu.Unlock()

	m.appendEntriesCount.Store(0)
	m.requestVoteCount.Store(0)
	m.heartbeatCount.Store(0)
	m.entriesCommitted.Store(0)
	m.electionCount.Store(0)
	m.chunksSent.Store(0)
	m.chunkRetries.Store(0)
	m.transferRestarts.Store(0)
	m.snapshotsInstalled.Store(0)
	m.startTime = time.Now()
}

// Tee forwards every measurement to all collectors.
type Tee []server.MetricsCollector

var _ server.MetricsCollector = Tee(nil)

func (t Tee) RecordRequestVote() {
	for _, c := range t {
		c.RecordRequestVote()
	}
}

func (t Tee) RecordAppendEntries() {
	for _, c := range t {
		c.RecordAppendEntries()
	}
}

func (t Tee) RecordHeartbeat() {
	for _, c := range t {
		c.RecordHeartbeat()
	}
}

func (t Tee) RecordElection() {
	for _, c := range t {
		c.RecordElection()
	}
}

func (t Tee) RecordElectionDuration(d time.Duration) {
	for _, c := range t {
		c.RecordElectionDuration(d)
	}
}

func (t Tee) RecordEntriesCommitted(count int) {
	for _, c := range t {
		c.RecordEntriesCommitted(count)
	}
}

func (t Tee) RecordSnapshotChunkSent() {
	for _, c := range t {
		c.RecordSnapshotChunkSent()
	}
}

func (t Tee) RecordSnapshotRetry() {
	for _, c := range t {
		c.RecordSnapshotRetry()
	}
}

func (t Tee) RecordSnapshotRestart() {
	for _, c := range t {
		c.RecordSnapshotRestart()
	}
}

func (t Tee) RecordSnapshotCompleted(d time.Duration) {
	for _, c := range t {
		c.RecordSnapshotCompleted(d)
	}
}

func (t Tee) RecordSnapshotInstalled() {
	for _, c := range t {
		c.RecordSnapshotInstalled()
	}
}

func (t Tee) SetTerm(term uint64) {
	for _, c := range t {
		c.SetTerm(term)
	}
}

func (t Tee) SetCommitIndex(index uint64) {
	for _, c := range t {
		c.SetCommitIndex(index)
	}
}

func (t Tee) SetRole(role server.Role) {
	for _, c := range t {
		c.SetRole(role)
	}
}
