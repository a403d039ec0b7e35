package mocks

import (
	"sync"
	"time"

	"partitionlog/internal/raft/server"
)

// MockMetricsCollector is a mock implementation of server.MetricsCollector for testing
type MockMetricsCollector struct {
	mu                    sync.RWMutex
	AppendEntriesCount    int
	RequestVoteCount      int
	HeartbeatCount        int
	ElectionCount         int
	ElectionDurations     []time.Duration
	EntriesCommittedCount int
	SnapshotChunksSent    int
	SnapshotRetries       int
	SnapshotRestarts      int
	SnapshotTransfers     []time.Duration
	SnapshotsInstalled    int
	Term                  uint64
	CommitIndex           uint64
	Roles                 []server.Role
}

var _ server.MetricsCollector = (*MockMetricsCollector)(nil)

// NewMockMetricsCollector creates a new mock metrics collector
func NewMockMetricsCollector() *MockMetricsCollector {
	return &MockMetricsCollector{
		ElectionDurations: make([]time.Duration, 0),
		SnapshotTransfers: make([]time.Duration, 0),
	}
}

func (m *MockMetricsCollector) RecordAppendEntries() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendEntriesCount++
}

func (m *MockMetricsCollector) RecordRequestVote() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestVoteCount++
}

func (m *MockMetricsCollector) RecordHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HeartbeatCount++
}

func (m *MockMetricsCollector) RecordElection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ElectionCount++
}

func (m *MockMetricsCollector) RecordElectionDuration(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ElectionDurations = append(m.ElectionDurations, duration)
}

func (m *MockMetricsCollector) RecordEntriesCommitted(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EntriesCommittedCount += count
}

func (m *MockMetricsCollector) RecordSnapshotChunkSent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SnapshotChunksSent++
}

func (m *MockMetricsCollector) RecordSnapshotRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SnapshotRetries++
}

func (m *MockMetricsCollector) RecordSnapshotRestart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SnapshotRestarts++
}

func (m *MockMetricsCollector) RecordSnapshotCompleted(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SnapshotTransfers = append(m.SnapshotTransfers, duration)
}

func (m *MockMetricsCollector) RecordSnapshotInstalled() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SnapshotsInstalled++
}

func (m *MockMetricsCollector) SetTerm(term uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Term = term
}

func (m *MockMetricsCollector) SetCommitIndex(index uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CommitIndex = index
}

func (m *MockMetricsCollector) SetRole(role server.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Roles = append(m.Roles, role)
}

// Elections returns how many elections were started
func (m *MockMetricsCollector) Elections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ElectionCount
}

// BecameLeader reports whether the node ever took the leader role
func (m *MockMetricsCollector) BecameLeader() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.Roles {
		if r == server.Leader {
			return true
		}
	}
	return false
}

// Snapshot returns the snapshot transfer counters: chunks sent, retries and restarts
func (m *MockMetricsCollector) Snapshot() (sent, retries, restarts int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.SnapshotChunksSent, m.SnapshotRetries, m.SnapshotRestarts
}

// Reset clears all recorded metrics
func (m *MockMetricsCollector) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.AppendEntriesCount = 0
	m.RequestVoteCount = 0
	m.HeartbeatCount = 0
	m.ElectionCount = 0
	m.ElectionDurations = make([]time.Duration, 0)
	m.EntriesCommittedCount = 0
	m.SnapshotChunksSent = 0
	m.SnapshotRetries = 0
	m.SnapshotRestarts = 0
	m.SnapshotTransfers = make([]time.Duration, 0)
	m.SnapshotsInstalled = 0
	m.Roles = nil
}
