package server

import (
	"context"
	"time"

	"partitionlog/internal/raft"
)

// roleState holds the variables that only exist while a node plays a given role. Replacing the node's roleState is
// how it changes role, so state of the previous role can never leak into the next one. Responses to requests sent
// under a previous roleState are recognised by comparing pointers and dropped.
type roleState interface {
	role() Role
}

type followerState struct {
	// leader is the leader of the current term, if one has been heard from.
	leader raft.NodeID
}

func (*followerState) role() Role { return Follower }

// candidateState is used both for the pre-vote phase and for real elections.
type candidateState struct {
	// preVote is set while the candidate only asks whether it could win, without having bumped its term.
	preVote   bool
	votes     map[raft.NodeID]bool
	startedAt time.Time
}

func (*candidateState) role() Role { return Candidate }

// leaderState holds the volatile state on leaders from Figure 2 from the [Raft paper](https://raft.github.io/raft.pdf),
// one session per follower. It is reinitialized after every election.
type leaderState struct {
	sessions map[raft.NodeID]*session
	// ctx is cancelled when the node stops leading, which aborts every request sent on behalf of this term.
	ctx    context.Context
	cancel context.CancelFunc
}

func (*leaderState) role() Role { return Leader }

// session tracks replication to a single follower. At most one request is in flight per session, so the responses
// arrive in the order the requests were sent.
type session struct {
	id raft.NodeID
	// matchIndex is the highest index known to be replicated on the follower.
	matchIndex uint64
	// nextIndex is the index of the next entry to send.
	nextIndex uint64
	mode      ReplicationMode
	inFlight  bool
	// replicator is set while mode is SnapshotTransferring.
	replicator *snapshotReplicator

	// failures counts consecutive requests that got no response.
	failures int
	// rejections counts consecutive snapshot transfers the follower rejected.
	rejections int
}

func newSession(id raft.NodeID, nextIndex uint64) *session {
	return &session{id: id, nextIndex: max(nextIndex, 1), mode: Replicating}
}

func (s *session) status() SessionStatus {
	st := SessionStatus{MatchIndex: s.matchIndex, NextIndex: s.nextIndex, Mode: s.mode}
	if s.replicator != nil {
		st.NextChunk = s.replicator.nextChunk
	}
	return st
}

// abortTransfer drops a snapshot transfer in progress and falls back to log replication, which switches to the latest
// snapshot again if the follower still needs one.
func (s *session) abortTransfer() {
	s.mode = Replicating
	s.replicator = nil
}

// nextIndexAfterRejection backs nextIndex off after the follower found no entry matching the previous one. The
// follower's last index lets the leader skip entries the follower never had, and nextIndex never drops to entries
// already known to be replicated.
func nextIndexAfterRejection(nextIndex, followerLastIndex, matchIndex uint64) uint64 {
	next := nextIndex
	if next > 1 {
		next--
	}
	if followerLastIndex+1 < next {
		next = followerLastIndex + 1
	}
	return max(next, matchIndex+1, 1)
}
