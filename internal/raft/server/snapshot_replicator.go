package server

import (
	"errors"
	"fmt"
	"time"

	"partitionlog/internal/raft"
	"partitionlog/internal/raft/proto"
	"partitionlog/internal/raft/snapshot"
)

var errRequestInFlight = errors.New("snapshot chunk request already in flight")

// replicatorOutcome is what the session must do after a chunk response.
type replicatorOutcome int

const (
	// chunkAccepted: send the next chunk.
	chunkAccepted replicatorOutcome = iota
	// transferCompleted: the follower committed the snapshot; resume log replication after it.
	transferCompleted
	// transferRestarted: the follower rejected the chunk; the transfer starts over from chunk 0.
	transferRestarted
)

func (o replicatorOutcome) String() string {
	switch o {
	case chunkAccepted:
		return "accepted"
	case transferCompleted:
		return "completed"
	case transferRestarted:
		return "restarted"
	default:
		return fmt.Sprintf("replicatorOutcome(%d)", int(o))
	}
}

// snapshotReplicator streams one snapshot to one follower, one chunk at a time. It holds no reference to the node or
// the network: the session asks it for the next request and feeds back what happened to it.
//
//   - OK moves on to the next chunk, or completes the transfer after the last one.
//   - ERROR means the follower's assembly state can no longer be trusted, so the transfer restarts from chunk 0.
//   - A timeout or transport failure says nothing about the follower's state; the same chunk is sent again.
type snapshotReplicator struct {
	snap      snapshot.Snapshot
	meta      snapshot.Metadata
	nextChunk uint32
	inFlight  bool
	startedAt time.Time

	// requests counts every InstallRequest handed out, retries included.
	requests int
	// rejections counts restarts caused by explicit rejections.
	rejections int
}

func newSnapshotReplicator(snap snapshot.Snapshot, now time.Time) *snapshotReplicator {
	return &snapshotReplicator{snap: snap, meta: snap.Metadata(), startedAt: now}
}

// nextRequest builds the request for the current chunk and marks it in flight.
func (r *snapshotReplicator) nextRequest(term uint64, leader raft.NodeID) (*proto.InstallRequest, error) {
	if r.inFlight {
		return nil, errRequestInFlight
	}
	data, err := r.snap.Chunk(r.nextChunk)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk %d of %s: %w", r.nextChunk, r.meta, err)
	}

	r.inFlight = true
	r.requests++
	return &proto.InstallRequest{
		Term:          term,
		LeaderID:      string(leader),
		SnapshotIndex: r.meta.Index,
		SnapshotTerm:  r.meta.Term,
		ChunkIndex:    r.nextChunk,
		TotalChunks:   r.meta.TotalChunks,
		Data:          data,
		Checksum:      snapshot.Checksum(data),
		Last:          r.nextChunk == r.meta.TotalChunks-1,
	}, nil
}

func (r *snapshotReplicator) onResponse(resp *proto.InstallResponse) replicatorOutcome {
	r.inFlight = false

	if resp.Status != proto.InstallOK {
		r.nextChunk = 0
		r.rejections++
		return transferRestarted
	}
	if r.nextChunk+1 >= r.meta.TotalChunks {
		return transferCompleted
	}
	r.nextChunk++
	return chunkAccepted
}

// onTimeout releases the in-flight request without moving; the next request resends the same chunk.
func (r *snapshotReplicator) onTimeout() {
	r.inFlight = false
}
