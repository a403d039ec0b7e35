package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"partitionlog/internal/raft/server"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()

	assert.NotNil(t, m)
	assert.NotNil(t, m.electionDuration)
	assert.NotNil(t, m.transferDurations)
	assert.False(t, m.startTime.IsZero())
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics()

	m.RecordAppendEntries()
	for i := 0; i < 10; i++ {
		m.RecordAppendEntries()
	}
	m.RecordRequestVote()
	m.RecordHeartbeat()
	m.RecordHeartbeat()
	m.RecordElection()

	assert.Equal(t, uint64(11), m.appendEntriesCount.Load())
	assert.Equal(t, uint64(1), m.requestVoteCount.Load())
	assert.Equal(t, uint64(2), m.heartbeatCount.Load())
	assert.Equal(t, uint64(1), m.electionCount.Load())
}

func TestMetrics_RecordEntriesCommitted(t *testing.T) {
	m := NewMetrics()

	m.RecordEntriesCommitted(3)
	m.RecordEntriesCommitted(0)
	m.RecordEntriesCommitted(-1)
	assert.Equal(t, uint64(3), m.entriesCommitted.Load())
}

func TestMetrics_RecordElectionDuration(t *testing.T) {
	m := NewMetrics()

	m.RecordElectionDuration(200 * time.Millisecond)
	m.RecordElectionDuration(150 * time.Millisecond)

	m.electionMu.Lock()
	assert.Len(t, m.electionDuration, 2)
	assert.Equal(t, 200*time.Millisecond, m.electionDuration[0])
	assert.Equal(t, 150*time.Millisecond, m.electionDuration[1])
	m.electionMu.Unlock()
}

func TestMetrics_GetThroughput(t *testing.T) {
	m := NewMetrics()

	t.Run("returns 0 for no entries", func(t *testing.T) {
		assert.Equal(t, 0.0, m.GetThroughput())
	})

	t.Run("calculates throughput", func(t *testing.T) {
		// Set start time to 1 second ago
		m.startTime = time.Now().Add(-1 * time.Second)

		m.RecordEntriesCommitted(2)

		throughput := m.GetThroughput()
		assert.Greater(t, throughput, 0.0)
		assert.LessOrEqual(t, throughput, 3.0) // Should be ~2 entries/sec
	})
}

func TestMetrics_GetElectionStats(t *testing.T) {
	m := NewMetrics()

	t.Run("returns empty stats for no elections", func(t *testing.T) {
		assert.Equal(t, 0, m.GetElectionStats().Count)
	})

	t.Run("calculates statistics", func(t *testing.T) {
		m.RecordElectionDuration(100 * time.Millisecond)
		m.RecordElectionDuration(200 * time.Millisecond)
		m.RecordElectionDuration(300 * time.Millisecond)

		stats := m.GetElectionStats()
		assert.Equal(t, 3, stats.Count)
		assert.InDelta(t, 200.0, stats.Mean, 1.0)
		assert.InDelta(t, 200.0, stats.P50, 1.0)
		assert.InDelta(t, 100.0, stats.Min, 1.0)
		assert.InDelta(t, 300.0, stats.Max, 1.0)
		assert.Greater(t, stats.StdDev, 0.0)
	})

	t.Run("calculates percentiles", func(t *testing.T) {
		m2 := NewMetrics()
		for i := 1; i <= 100; i++ {
			m2.RecordSnapshotCompleted(time.Duration(i) * time.Millisecond)
		}

		stats := m2.GetTransferStats()
		assert.InDelta(t, 50.0, stats.P50, 5.0)
		assert.InDelta(t, 95.0, stats.P95, 5.0)
		assert.InDelta(t, 99.0, stats.P99, 5.0)
	})
}

func TestMetrics_GetReport(t *testing.T) {
	m := NewMetrics()

	m.RecordEntriesCommitted(1)
	m.RecordAppendEntries()
	m.RecordRequestVote()
	m.RecordElection()
	m.RecordSnapshotChunkSent()
	m.RecordSnapshotChunkSent()
	m.RecordSnapshotRetry()
	m.RecordSnapshotRestart()
	m.RecordSnapshotInstalled()
	m.RecordSnapshotCompleted(time.Second)
	m.SetTerm(4)
	m.SetCommitIndex(17)
	m.SetRole(server.Leader)

	report := m.GetReport("n1")

	assert.Equal(t, "n1", report.NodeID)
	assert.Equal(t, "Leader", report.Role)
	assert.Equal(t, uint64(4), report.Term)
	assert.Equal(t, uint64(17), report.CommitIndex)
	assert.Equal(t, uint64(1), report.EntriesCommitted)
	assert.Equal(t, uint64(1), report.AppendEntriesCount)
	assert.Equal(t, uint64(1), report.RequestVoteCount)
	assert.Equal(t, uint64(1), report.ElectionCount)
	assert.Equal(t, uint64(2), report.SnapshotChunksSent)
	assert.Equal(t, uint64(1), report.SnapshotChunkRetries)
	assert.Equal(t, uint64(1), report.SnapshotRestarts)
	assert.Equal(t, uint64(1), report.SnapshotsInstalled)
	assert.Equal(t, 1, report.TransferStats.Count)
}

func TestReport_SaveJSON(t *testing.T) {
	m := NewMetrics()
	m.RecordElection()
	report := m.GetReport("n1")

	path := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, report.SaveJSON(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "n1", decoded["node_id"])
	assert.Equal(t, 1.0, decoded["election_count"])
}

func TestMetrics_Reset(t *testing.T) {
	m := NewMetrics()

	m.RecordEntriesCommitted(1)
	m.RecordAppendEntries()
	m.RecordRequestVote()
	m.RecordElection()
	m.RecordElectionDuration(200 * time.Millisecond)
	m.RecordSnapshotChunkSent()
	m.RecordSnapshotCompleted(time.Second)

	m.Reset()

	assert.Equal(t, uint64(0), m.entriesCommitted.Load())
	assert.Equal(t, uint64(0), m.appendEntriesCount.Load())
	assert.Equal(t, uint64(0), m.requestVoteCount.Load())
	assert.Equal(t, uint64(0), m.heartbeatCount.Load())
	assert.Equal(t, uint64(0), m.electionCount.Load())
	assert.Equal(t, uint64(0), m.chunksSent.Load())
	assert.Equal(t, 0, m.GetElectionStats().Count)
	assert.Equal(t, 0, m.GetTransferStats().Count)

	// Start time should be updated
	assert.False(t, m.startTime.IsZero())
}

func TestMetrics_Concurrency(t *testing.T) {
	m := NewMetrics()
	var wg sync.WaitGroup
	iterations := 1000

	for i := 0; i < iterations; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			m.RecordEntriesCommitted(1)
		}()
		go func() {
			defer wg.Done()
			m.RecordAppendEntries()
		}()
		go func() {
			defer wg.Done()
			m.RecordElectionDuration(time.Millisecond)
			m.GetReport("n1")
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(iterations), m.entriesCommitted.Load())
	assert.Equal(t, uint64(iterations), m.appendEntriesCount.Load())
	assert.Equal(t, iterations, m.GetElectionStats().Count)
}

func TestTee(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	tee := Tee{a, b}

	tee.RecordElection()
	tee.RecordSnapshotRetry()
	tee.SetTerm(3)

	for _, m := range []*Metrics{a, b} {
		assert.Equal(t, uint64(1), m.electionCount.Load())
		assert.Equal(t, uint64(1), m.chunkRetries.Load())
		assert.Equal(t, uint64(3), m.term.Load())
	}
}
