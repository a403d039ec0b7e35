package server

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"partitionlog/internal/raft/proto"
	"partitionlog/internal/raft/storage"
)

func (n *Node) replicateAll(l *leaderState) {
	for _, s := range l.sessions {
		n.replicate(l, s)
		if n.state != l {
			return
		}
	}
}

// replicate sends the follower whatever it needs next, unless a request to it is still in flight. Followers that need
// entries the log no longer holds are switched to snapshot transfer.
func (n *Node) replicate(l *leaderState, s *session) {
	if s.inFlight || n.failed != nil {
		return
	}
	if s.mode == Replicating {
		needed, err := n.needsSnapshot(s)
		if err != nil {
			n.fail(fmt.Errorf("failed to read first index: %w", err))
			return
		}
		if needed && !n.switchToSnapshot(s) {
			return
		}
	}

	if s.mode == SnapshotTransferring {
		n.sendChunk(l, s)
		return
	}
	n.sendAppend(l, s)
}

// needsSnapshot reports whether the follower must (or, past the preferred threshold, should) be caught up with the
// latest snapshot instead of log entries.
func (n *Node) needsSnapshot(s *session) (bool, error) {
	first, err := n.log.firstIndex()
	if err != nil {
		return false, err
	}
	if s.nextIndex < first {
		return true, nil
	}
	snapIndex := n.log.snapshotIndex
	return n.preferSnapshotThreshold > 0 && snapIndex >= s.nextIndex &&
		snapIndex-s.matchIndex >= n.preferSnapshotThreshold, nil
}

func (n *Node) switchToSnapshot(s *session) bool {
	snap, err := n.snapshots.Latest()
	if err != nil {
		n.logger.Error("Follower needs a snapshot but none is available",
			zap.String("follower", string(s.id)), zap.Uint64("nextIndex", s.nextIndex), zap.Error(err))
		return false
	}
	s.mode = SnapshotTransferring
	s.replicator = newSnapshotReplicator(snap, n.clock.Now())
	n.logger.Info("Switching follower to snapshot transfer",
		zap.String("follower", string(s.id)),
		zap.Uint64("nextIndex", s.nextIndex),
		zap.Uint64("matchIndex", s.matchIndex),
		zap.Stringer("snapshot", s.replicator.meta))
	return true
}

// sendAppend sends the entries from nextIndex on, or an empty heartbeat when the follower is up to date
// (Section 5.3 from the [Raft paper](https://raft.github.io/raft.pdf)).
func (n *Node) sendAppend(l *leaderState, s *session) {
	prevIndex := s.nextIndex - 1
	prevTerm, err := n.log.term(prevIndex)
	if errors.Is(err, storage.ErrCompacted) {
		// Compacted since the last check
		if n.switchToSnapshot(s) {
			n.sendChunk(l, s)
		}
		return
	}
	if err != nil {
		n.fail(fmt.Errorf("failed to read term of index %d: %w", prevIndex, err))
		return
	}

	last, err := n.log.lastIndex()
	if err != nil {
		n.fail(fmt.Errorf("failed to read last index: %w", err))
		return
	}
	var entries []*proto.LogEntry
	if s.nextIndex <= last {
		to := min(last, s.nextIndex+uint64(n.cfg.MaxAppendEntries)-1)
		entries, err = n.log.entries(s.nextIndex, to)
		if err != nil {
			n.fail(fmt.Errorf("failed to read entries %d-%d: %w", s.nextIndex, to, err))
			return
		}
	}

	req := &proto.AppendRequest{
		Term:         n.currentTerm,
		LeaderID:     string(n.id),
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: n.commitIndex,
	}
	if len(entries) == 0 {
		n.metrics.RecordHeartbeat()
	} else {
		n.metrics.RecordAppendEntries()
	}

	s.inFlight = true
	go func() {
		ctx, cancel := n.callTimeout(l.ctx)
		defer cancel()
		resp, err := n.transport.AppendEntries(ctx, s.id, req)
		n.post(func() { n.onAppendResponse(l, s, req, resp, err) })
	}()
}

func (n *Node) onAppendResponse(l *leaderState, s *session, req *proto.AppendRequest, resp *proto.AppendResponse, err error) {
	if n.state != l || l.sessions[s.id] != s {
		return
	}
	s.inFlight = false

	if err != nil {
		// Retried on the next heartbeat
		s.failures++
		n.logger.Debug("AppendEntries failed",
			zap.String("follower", string(s.id)), zap.Int("failures", s.failures), zap.Error(err))
		return
	}
	s.failures = 0

	if resp.Term > n.currentTerm {
		n.logger.Info("Follower has a higher term",
			zap.String("follower", string(s.id)), zap.Uint64("term", resp.Term))
		_ = n.stepDown(resp.Term, "")
		return
	}
	if s.mode != Replicating {
		return
	}

	if resp.Success {
		match := req.PrevLogIndex + uint64(len(req.Entries))
		if match > s.matchIndex {
			s.matchIndex = match
		}
		s.nextIndex = max(s.nextIndex, match+1)
		n.advanceCommitIndex()
		if n.state != l {
			return
		}

		last, err := n.log.lastIndex()
		if err != nil {
			n.fail(fmt.Errorf("failed to read last index: %w", err))
			return
		}
		if s.nextIndex <= last {
			n.replicate(l, s)
		}
		return
	}

	// Section 5.3: after a rejection, decrement nextIndex and retry
	previous := s.nextIndex
	s.nextIndex = nextIndexAfterRejection(s.nextIndex, resp.LastLogIndex, s.matchIndex)
	n.logger.Debug("Follower rejected entries, backing off",
		zap.String("follower", string(s.id)),
		zap.Uint64("from", previous),
		zap.Uint64("to", s.nextIndex),
		zap.Uint64("followerLastIndex", resp.LastLogIndex))
	n.replicate(l, s)
}

// sendChunk sends the chunk the session's snapshot transfer is at.
func (n *Node) sendChunk(l *leaderState, s *session) {
	rep := s.replicator
	req, err := rep.nextRequest(n.currentTerm, n.id)
	if err != nil {
		// The snapshot was probably replaced by a newer one; start over with whatever is latest
		n.logger.Warn("Failed to read snapshot chunk, abandoning transfer",
			zap.String("follower", string(s.id)), zap.Error(err))
		s.abortTransfer()
		return
	}
	n.metrics.RecordSnapshotChunkSent()

	s.inFlight = true
	go func() {
		ctx, cancel := n.callTimeout(l.ctx)
		defer cancel()
		resp, err := n.transport.Install(ctx, s.id, req)
		n.post(func() { n.onInstallResponse(l, s, rep, resp, err) })
	}()
}

func (n *Node) onInstallResponse(l *leaderState, s *session, rep *snapshotReplicator, resp *proto.InstallResponse, err error) {
	if n.state != l || l.sessions[s.id] != s {
		return
	}
	s.inFlight = false
	if s.replicator != rep {
		return
	}

	if err != nil {
		// No answer says nothing about what the follower stored, so the same chunk goes out again on the next heartbeat
		rep.onTimeout()
		s.failures++
		n.metrics.RecordSnapshotRetry()
		n.logger.Warn("Snapshot chunk got no response, retrying",
			zap.String("follower", string(s.id)),
			zap.Uint32("chunk", rep.nextChunk),
			zap.Int("failures", s.failures),
			zap.Error(err))
		return
	}
	s.failures = 0

	if resp.Term > n.currentTerm {
		n.logger.Info("Follower has a higher term",
			zap.String("follower", string(s.id)), zap.Uint64("term", resp.Term))
		_ = n.stepDown(resp.Term, "")
		return
	}

	switch rep.onResponse(resp) {
	case chunkAccepted:
		n.sendChunk(l, s)
	case transferRestarted:
		s.rejections++
		n.metrics.RecordSnapshotRestart()
		n.logger.Warn("Follower rejected snapshot chunk, restarting transfer",
			zap.String("follower", string(s.id)),
			zap.Stringer("error", resp.Error),
			zap.String("message", resp.Message),
			zap.Int("rejections", s.rejections))
		n.sendChunk(l, s)
	case transferCompleted:
		meta := rep.meta
		s.abortTransfer()
		s.rejections = 0
		s.matchIndex = max(s.matchIndex, meta.Index)
		s.nextIndex = meta.Index + 1
		n.metrics.RecordSnapshotCompleted(n.clock.Since(rep.startedAt))
		n.logger.Info("Snapshot transfer completed",
			zap.String("follower", string(s.id)),
			zap.Stringer("snapshot", meta),
			zap.Int("requests", rep.requests),
			zap.Int("restarts", rep.rejections))
		n.advanceCommitIndex()
		if n.state == l {
			n.replicate(l, s)
		}
	}
}

// advanceCommitIndex commits the highest index stored on a majority, as long as it belongs to the current term.
func (n *Node) advanceCommitIndex() {
	l, ok := n.state.(*leaderState)
	if !ok {
		return
	}
	last, err := n.log.lastIndex()
	if err != nil {
		n.fail(fmt.Errorf("failed to read last index: %w", err))
		return
	}

	matchIndexes := make([]uint64, 0, len(l.sessions)+1)
	matchIndexes = append(matchIndexes, last)
	for id, s := range l.sessions {
		if _, member := n.members[id]; member {
			matchIndexes = append(matchIndexes, s.matchIndex)
		}
	}

	commit, err := computeCommitIndex(matchIndexes, n.quorum(), n.commitIndex, n.currentTerm, n.log.term)
	if err != nil {
		n.fail(fmt.Errorf("failed to compute commit index: %w", err))
		return
	}
	n.setCommitIndex(commit)
}
