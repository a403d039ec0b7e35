// Package consumer defines how committed entries leave the consensus core and provides consumers built on it.
package consumer

import (
	"sync"

	"partitionlog/internal/raft/proto"
	"partitionlog/internal/raft/snapshot"
)

// Consumer receives committed state from a node. Calls are made from the node's event loop, one at a time, so
// implementations should return quickly.
//
// OnCommitted is called once per committed command entry in strictly increasing index order. Delivery is
// at-least-once: after a restart the node redelivers every entry after its latest snapshot.
//
// OnSnapshotInstalled is called when a snapshot received from the leader replaces the local state. Entries up to the
// snapshot index will not be delivered.
type Consumer interface {
	OnCommitted(entry *proto.LogEntry)
	OnSnapshotInstalled(s snapshot.Snapshot)
}

// Nop discards everything.
type Nop struct{}

func (Nop) OnCommitted(*proto.LogEntry)          {}
func (Nop) OnSnapshotInstalled(snapshot.Snapshot) {}

// Recorder keeps every delivered entry and snapshot. It is safe for concurrent use.
type Recorder struct {
	mu        sync.Mutex
	entries   []*proto.LogEntry
	snapshots []snapshot.Metadata
}

var _ Consumer = (*Recorder)(nil)

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) OnCommitted(entry *proto.LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
}

func (r *Recorder) OnSnapshotInstalled(s snapshot.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s.Metadata())
}

func (r *Recorder) Entries() []*proto.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*proto.LogEntry(nil), r.entries...)
}

func (r *Recorder) Snapshots() []snapshot.Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]snapshot.Metadata(nil), r.snapshots...)
}

// LastIndex is the index of the last delivered entry, or of the last installed snapshot when that is newer.
func (r *Recorder) LastIndex() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	var last uint64
	if len(r.entries) > 0 {
		last = r.entries[len(r.entries)-1].Index
	}
	if len(r.snapshots) > 0 && r.snapshots[len(r.snapshots)-1].Index > last {
		last = r.snapshots[len(r.snapshots)-1].Index
	}
	return last
}
