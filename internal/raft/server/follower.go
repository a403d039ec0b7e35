package server

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"partitionlog/internal/pubsub"
	"partitionlog/internal/raft"
	"partitionlog/internal/raft/proto"
	"partitionlog/internal/raft/snapshot"
)

// handleAppend implements the receiver side of AppendEntries, as per Figure 2 from the
// [Raft paper](https://raft.github.io/raft.pdf).
func (n *Node) handleAppend(req *proto.AppendRequest) (*proto.AppendResponse, error) {
	if n.failed != nil {
		return nil, ErrNodeFailed
	}

	last, err := n.log.lastIndex()
	if err != nil {
		n.fail(fmt.Errorf("failed to read last index: %w", err))
		return nil, ErrNodeFailed
	}
	reject := &proto.AppendResponse{Term: n.currentTerm, LastLogIndex: last}

	// 1. Reply false if term < currentTerm
	if req.Term < n.currentTerm {
		return reject, nil
	}
	if req.Term == n.currentTerm && n.state.role() == Leader {
		n.logger.Error("Another leader claims the current term", zap.String("leader", req.LeaderID),
			zap.Uint64("term", req.Term))
		return reject, nil
	}
	if err := n.stepDown(req.Term, raft.NodeID(req.LeaderID)); err != nil {
		return nil, err
	}
	reject.Term = n.currentTerm

	prevIndex, prevTerm, entries := req.PrevLogIndex, req.PrevLogTerm, req.Entries
	if prevIndex < n.log.snapshotIndex {
		// Entries up to the snapshot are committed here already; only the ones after it matter
		covered := n.log.snapshotIndex - prevIndex
		if uint64(len(entries)) <= covered {
			entries = nil
		} else {
			entries = entries[covered:]
		}
		prevIndex, prevTerm = n.log.snapshotIndex, n.log.snapshotTerm
	}

	// 2. Reply false if log doesn't contain an entry at prevLogIndex whose term matches prevLogTerm
	ok, err := n.log.matches(prevIndex, prevTerm)
	if err != nil {
		n.fail(fmt.Errorf("failed to read term of index %d: %w", prevIndex, err))
		return nil, ErrNodeFailed
	}
	if !ok {
		n.logger.Debug("Rejecting entries, previous entry does not match",
			zap.Uint64("prevLogIndex", prevIndex), zap.Uint64("prevLogTerm", prevTerm), zap.Uint64("lastIndex", last))
		return reject, nil
	}

	match := prevIndex + uint64(len(entries))
	newEntries, err := n.resolveConflicts(entries, last)
	if err != nil {
		return nil, err
	}
	// 4. Append any new entries not already in the log
	if len(newEntries) > 0 {
		if err := n.log.append(newEntries...); err != nil {
			n.fail(fmt.Errorf("failed to append %d entries at %d: %w", len(newEntries), newEntries[0].Index, err))
			return nil, ErrNodeFailed
		}
	}

	// 5. If leaderCommit > commitIndex, set commitIndex = min(leaderCommit, index of last new entry)
	if req.LeaderCommit > n.commitIndex {
		n.setCommitIndex(min(req.LeaderCommit, match))
		if n.failed != nil {
			return nil, ErrNodeFailed
		}
	}

	last, err = n.log.lastIndex()
	if err != nil {
		n.fail(fmt.Errorf("failed to read last index: %w", err))
		return nil, ErrNodeFailed
	}
	return &proto.AppendResponse{Term: n.currentTerm, Success: true, MatchIndex: match, LastLogIndex: last}, nil
}

// resolveConflicts drops the entries the log already holds and truncates the log at the first conflicting one
// (step 3 of AppendEntries). It returns the entries that still need appending. A conflict with a committed entry
// means the log is corrupt, which fails the node.
func (n *Node) resolveConflicts(entries []*proto.LogEntry, last uint64) ([]*proto.LogEntry, error) {
	for i, entry := range entries {
		if entry.Index > last {
			return entries[i:], nil
		}
		term, err := n.log.term(entry.Index)
		if err != nil {
			n.fail(fmt.Errorf("failed to read term of index %d: %w", entry.Index, err))
			return nil, ErrNodeFailed
		}
		if term == entry.Term {
			continue
		}

		if entry.Index <= n.commitIndex {
			n.fail(fmt.Errorf("entry %d of term %d conflicts with committed entry of term %d", entry.Index, entry.Term, term))
			return nil, ErrNodeFailed
		}
		n.logger.Info("Truncating conflicting entries",
			zap.Uint64("from", entry.Index), zap.Uint64("term", term), zap.Uint64("leaderTerm", entry.Term))
		if err := n.log.truncateFrom(entry.Index); err != nil {
			n.fail(fmt.Errorf("failed to truncate log from %d: %w", entry.Index, err))
			return nil, ErrNodeFailed
		}
		return entries[i:], nil
	}
	return nil, nil
}

// handleInstall implements the receiver side of InstallSnapshot (Section 7 from the
// [Raft paper](https://raft.github.io/raft.pdf)). Chunks are assembled in order; a redelivered chunk is acknowledged
// without effect, and chunk 0 of a new transfer replaces whatever was being assembled.
func (n *Node) handleInstall(req *proto.InstallRequest) (*proto.InstallResponse, error) {
	if n.failed != nil {
		return nil, ErrNodeFailed
	}

	if req.Term < n.currentTerm {
		return n.installError(proto.InstallErrorStaleTerm, "term %d is older than %d", req.Term, n.currentTerm), nil
	}
	if req.Term == n.currentTerm && n.state.role() == Leader {
		return n.installError(proto.InstallErrorProtocol, "%s is the leader of term %d", n.id, n.currentTerm), nil
	}
	if err := n.stepDown(req.Term, raft.NodeID(req.LeaderID)); err != nil {
		return nil, err
	}

	if snapshot.Checksum(req.Data) != req.Checksum {
		return n.installError(proto.InstallErrorChecksum, "chunk %d does not match its checksum", req.ChunkIndex), nil
	}
	if req.TotalChunks == 0 || req.ChunkIndex >= req.TotalChunks {
		return n.installError(proto.InstallErrorProtocol, "chunk %d of %d", req.ChunkIndex, req.TotalChunks), nil
	}
	if req.SnapshotIndex <= n.commitIndex {
		// Everything the snapshot covers is committed here already, possibly by an earlier delivery of this very
		// snapshot
		return n.installOK(), nil
	}

	if req.ChunkIndex == 0 && !n.continuesPending(req) {
		n.abortPendingSnapshot("new transfer started")
		receiver, err := n.snapshots.BeginReceive(req.SnapshotIndex, req.SnapshotTerm, req.TotalChunks)
		if err != nil {
			n.fail(fmt.Errorf("failed to start receiving snapshot at %d: %w", req.SnapshotIndex, err))
			return nil, ErrNodeFailed
		}
		n.pending = receiver
		n.logger.Info("Receiving snapshot",
			zap.Uint64("snapshotIndex", req.SnapshotIndex),
			zap.Uint64("snapshotTerm", req.SnapshotTerm),
			zap.Uint32("chunks", req.TotalChunks))
	}
	if !n.matchesPending(req) {
		return n.installError(proto.InstallErrorOutOfOrder, "no transfer of snapshot %d in progress for chunk %d",
			req.SnapshotIndex, req.ChunkIndex), nil
	}

	err := n.pending.Write(req.ChunkIndex, req.Data)
	switch {
	case errors.Is(err, snapshot.ErrChunkOutOfOrder):
		return n.installError(proto.InstallErrorOutOfOrder, "expected chunk %d, got %d", n.pending.Next(), req.ChunkIndex), nil
	case errors.Is(err, snapshot.ErrChunkMismatch):
		return n.installError(proto.InstallErrorProtocol, "chunk %d differs from the one received before", req.ChunkIndex), nil
	case err != nil:
		n.fail(fmt.Errorf("failed to store chunk %d of snapshot %d: %w", req.ChunkIndex, req.SnapshotIndex, err))
		return nil, ErrNodeFailed
	}

	if !req.Last {
		return n.installOK(), nil
	}
	if n.pending.Next() != req.TotalChunks {
		return n.installError(proto.InstallErrorProtocol, "last chunk %d received with %d of %d chunks",
			req.ChunkIndex, n.pending.Next(), req.TotalChunks), nil
	}
	if err := n.commitPending(); err != nil {
		return nil, err
	}
	return n.installOK(), nil
}

// continuesPending reports whether chunk 0 of req belongs to the assembly in progress, which only happens when the
// first chunk is delivered twice.
func (n *Node) continuesPending(req *proto.InstallRequest) bool {
	return n.matchesPending(req) && n.pending.Next() == 1
}

func (n *Node) matchesPending(req *proto.InstallRequest) bool {
	return n.pending != nil &&
		n.pending.Index() == req.SnapshotIndex &&
		n.pending.Term() == req.SnapshotTerm &&
		n.pending.TotalChunks() == req.TotalChunks
}

// commitPending makes the fully received snapshot the node's state: the log is rebased on it and everything it
// covers counts as committed and applied.
func (n *Node) commitPending() error {
	receiver := n.pending
	n.pending = nil

	snap, err := receiver.Commit()
	if err != nil {
		if abortErr := receiver.Abort(); abortErr != nil {
			n.logger.Warn("Failed to discard received snapshot", zap.Uint64("snapshotIndex", receiver.Index()),
				zap.Error(abortErr))
		}
	}
	if errors.Is(err, snapshot.ErrStale) {
		n.logger.Info("Received snapshot is older than the local one", zap.Uint64("snapshotIndex", receiver.Index()))
		return nil
	}
	if err != nil {
		n.fail(fmt.Errorf("failed to commit snapshot at %d: %w", receiver.Index(), err))
		return ErrNodeFailed
	}

	meta := snap.Metadata()
	if err := n.log.installSnapshot(meta.Index, meta.Term); err != nil {
		n.fail(fmt.Errorf("failed to rebase log on %s: %w", meta, err))
		return ErrNodeFailed
	}
	if meta.Index > n.commitIndex {
		n.commitIndex = meta.Index
		n.metrics.SetCommitIndex(meta.Index)
	}
	n.lastApplied = max(n.lastApplied, meta.Index)

	n.consumer.OnSnapshotInstalled(snap)
	n.metrics.RecordSnapshotInstalled()
	n.logger.Info("Installed snapshot", zap.Stringer("snapshot", meta))
	if n.events != nil {
		pubsub.Publish(n.events, pubsub.NewEvent(SnapshotInstalled, SnapshotInstalledPayload{Node: n.id, Snapshot: meta}))
	}
	return nil
}

func (n *Node) installOK() *proto.InstallResponse {
	return &proto.InstallResponse{Term: n.currentTerm, Status: proto.InstallOK}
}

func (n *Node) installError(errType proto.InstallErrorType, format string, args ...any) *proto.InstallResponse {
	msg := fmt.Sprintf(format, args...)
	n.logger.Warn("Rejecting snapshot chunk", zap.Stringer("error", errType), zap.String("reason", msg))
	return &proto.InstallResponse{Term: n.currentTerm, Status: proto.InstallError, Error: errType, Message: msg}
}
