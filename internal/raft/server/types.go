package server

import (
	"fmt"
	"time"

	"partitionlog/internal/pubsub"
	"partitionlog/internal/raft"
	"partitionlog/internal/raft/snapshot"
)

// A Role is the role of a node at any given point: follower, candidate or leader, as per Section 5.1 from the
// [Raft paper](https://raft.github.io/raft.pdf). Nodes start as followers.
type Role uint64

// As Golang does not support Enums this is a common pattern for implementing one
const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// ReplicationMode is how the leader currently brings a follower up to date.
type ReplicationMode int

const (
	// Replicating sends log entries with AppendEntries.
	Replicating ReplicationMode = iota
	// SnapshotTransferring streams the latest snapshot chunk by chunk because the follower needs entries that were
	// compacted away.
	SnapshotTransferring
)

func (m ReplicationMode) String() string {
	switch m {
	case Replicating:
		return "Replicating"
	case SnapshotTransferring:
		return "SnapshotTransferring"
	default:
		return fmt.Sprintf("ReplicationMode(%d)", int(m))
	}
}

const (
	// RoleChanged is published when the node changes role. The payload is RoleChangedPayload.
	RoleChanged pubsub.EventType = iota
	// LeaderChanged is published when the node learns about a new leader, or loses track of the current one. The
	// payload is LeaderChangedPayload.
	LeaderChanged
	// SnapshotInstalled is published when a snapshot received from the leader was committed. The payload is
	// SnapshotInstalledPayload.
	SnapshotInstalled
)

type RoleChangedPayload struct {
	Node raft.NodeID
	Role Role
	Term uint64
}

type LeaderChangedPayload struct {
	Node raft.NodeID
	// Leader is empty when no leader is known.
	Leader raft.NodeID
	Term   uint64
}

type SnapshotInstalledPayload struct {
	Node     raft.NodeID
	Snapshot snapshot.Metadata
}

// Status is a consistent view of a node's state, taken on its event loop.
type Status struct {
	ID            raft.NodeID
	Role          Role
	Term          uint64
	VotedFor      raft.NodeID
	Leader        raft.NodeID
	CommitIndex   uint64
	AppliedIndex  uint64
	FirstIndex    uint64
	LastIndex     uint64
	SnapshotIndex uint64
	SnapshotTerm  uint64
	// Sessions is only set on leaders.
	Sessions map[raft.NodeID]SessionStatus
	Failed   bool
}

type SessionStatus struct {
	MatchIndex uint64
	NextIndex  uint64
	Mode       ReplicationMode
	// NextChunk is the chunk the snapshot transfer sends next, when Mode is SnapshotTransferring.
	NextChunk uint32
}

// MetricsCollector is an optional interface for collecting metrics about the node.
type MetricsCollector interface {
	RecordRequestVote()
	RecordAppendEntries()
	RecordHeartbeat()
	RecordElection()
	RecordElectionDuration(duration time.Duration)
	RecordEntriesCommitted(count int)
	RecordSnapshotChunkSent()
	RecordSnapshotRetry()
	RecordSnapshotRestart()
	RecordSnapshotCompleted(duration time.Duration)
	RecordSnapshotInstalled()
	SetTerm(term uint64)
	SetCommitIndex(index uint64)
	SetRole(role Role)
}

type nopMetrics struct{}

func (nopMetrics) RecordRequestVote()                    {}
func (nopMetrics) RecordAppendEntries()                  {}
func (nopMetrics) RecordHeartbeat()                      {}
func (nopMetrics) RecordElection()                       {}
func (nopMetrics) RecordElectionDuration(time.Duration)  {}
func (nopMetrics) RecordEntriesCommitted(int)            {}
func (nopMetrics) RecordSnapshotChunkSent()              {}
func (nopMetrics) RecordSnapshotRetry()                  {}
func (nopMetrics) RecordSnapshotRestart()                {}
func (nopMetrics) RecordSnapshotCompleted(time.Duration) {}
func (nopMetrics) RecordSnapshotInstalled()              {}
func (nopMetrics) SetTerm(uint64)                        {}
func (nopMetrics) SetCommitIndex(uint64)                 {}
func (nopMetrics) SetRole(Role)                          {}
