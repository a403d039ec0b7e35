package server

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"partitionlog/internal/raft"
	"partitionlog/internal/raft/proto"
)

// resetElectionTimer arms a new randomized election timeout, as per Section 5.2 from the
// [Raft paper](https://raft.github.io/raft.pdf). Any earlier timer is cancelled, and should it have fired already its
// expiration is ignored.
func (n *Node) resetElectionTimer() {
	n.stopElectionTimer()
	n.electionGen++
	gen := n.electionGen
	timeout := raft.RandomTimeout(time.Duration(n.cfg.ElectionTimeoutMin), time.Duration(n.cfg.ElectionTimeoutMax))
	n.electionTimer = n.clock.AfterFunc(timeout, func() {
		n.post(func() { n.onElectionTimeout(gen) })
	})
}

func (n *Node) stopElectionTimer() {
	if n.electionTimer != nil {
		n.electionTimer.Stop()
		n.electionTimer = nil
	}
}

func (n *Node) onElectionTimeout(gen uint64) {
	if gen != n.electionGen || n.failed != nil || n.state.role() == Leader {
		return
	}
	n.logger.Debug("Election timeout elapsed", zap.Uint64("term", n.currentTerm))
	n.startElection(n.cfg.PreVote)
}

// startElection turns the node into a candidate. With preVote the node first asks whether it could win at all,
// without bumping its term, so a node that was cut off cannot disrupt a healthy leader when it comes back
// (Section 9.6 of the Raft dissertation).
func (n *Node) startElection(preVote bool) {
	wasCandidate := n.state.role() == Candidate
	if l, ok := n.state.(*leaderState); ok {
		l.cancel()
	}

	term := n.currentTerm + 1
	if !preVote {
		// Section 5.2: increment currentTerm and vote for self
		if err := n.persistTermAndVote(term, n.id); err != nil {
			return
		}
		n.metrics.RecordElection()
		n.logger.Info("Starting election", zap.Uint64("term", term))
	} else {
		n.logger.Debug("Starting pre-vote", zap.Uint64("term", term))
	}

	cand := &candidateState{
		preVote:   preVote,
		votes:     map[raft.NodeID]bool{n.id: true},
		startedAt: n.clock.Now(),
	}
	n.state = cand
	if !wasCandidate {
		n.publishRole()
	}
	n.noteLeader()
	n.resetElectionTimer()

	if len(cand.votes) >= n.quorum() {
		n.onVoteQuorum(cand)
		return
	}

	lastIndex, lastTerm, err := n.log.lastIndexAndTerm()
	if err != nil {
		n.fail(fmt.Errorf("failed to read last log entry: %w", err))
		return
	}
	req := &proto.VoteRequest{
		Term:         term,
		CandidateID:  string(n.id),
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
		PreVote:      preVote,
	}
	for _, peer := range n.peers() {
		go n.requestVote(cand, peer, req)
	}
}

func (n *Node) requestVote(cand *candidateState, peer raft.NodeID, req *proto.VoteRequest) {
	ctx, cancel := n.callTimeout(n.ctx)
	defer cancel()
	resp, err := n.transport.RequestVote(ctx, peer, req)
	n.post(func() { n.onVoteResponse(cand, peer, resp, err) })
}

func (n *Node) onVoteResponse(cand *candidateState, from raft.NodeID, resp *proto.VoteResponse, err error) {
	if n.state != cand || n.failed != nil {
		return
	}
	if err != nil {
		n.logger.Debug("Vote request failed", zap.String("peer", string(from)), zap.Error(err))
		return
	}
	if resp.Term > n.currentTerm {
		n.logger.Info("Discovered higher term while campaigning",
			zap.String("peer", string(from)), zap.Uint64("term", resp.Term))
		_ = n.stepDown(resp.Term, "")
		return
	}
	if !resp.VoteGranted {
		return
	}
	if _, member := n.members[from]; !member {
		return
	}

	cand.votes[from] = true
	if len(cand.votes) >= n.quorum() {
		n.onVoteQuorum(cand)
	}
}

func (n *Node) onVoteQuorum(cand *candidateState) {
	if cand.preVote {
		n.logger.Debug("Pre-vote succeeded", zap.Int("votes", len(cand.votes)))
		n.startElection(false)
		return
	}
	n.becomeLeader(cand)
}

// handleVote decides on a vote request, as per Section 5.2 and 5.4.1 from the
// [Raft paper](https://raft.github.io/raft.pdf). Pre-votes never change the receiver's state.
func (n *Node) handleVote(req *proto.VoteRequest) (*proto.VoteResponse, error) {
	if n.failed != nil {
		return nil, ErrNodeFailed
	}
	n.metrics.RecordRequestVote()

	lastIndex, lastTerm, err := n.log.lastIndexAndTerm()
	if err != nil {
		n.fail(fmt.Errorf("failed to read last log entry: %w", err))
		return nil, ErrNodeFailed
	}
	// Section 5.4.1: the candidate's log must be at least as up-to-date as the receiver's
	upToDate := req.LastLogTerm > lastTerm || (req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIndex)
	candidate := raft.NodeID(req.CandidateID)

	if req.PreVote {
		granted := req.Term > n.currentTerm && upToDate && !n.hasCurrentLeader()
		n.logger.Debug("Answered pre-vote",
			zap.String("candidate", req.CandidateID), zap.Uint64("term", req.Term), zap.Bool("granted", granted))
		return &proto.VoteResponse{Term: n.currentTerm, VoteGranted: granted}, nil
	}

	if req.Term < n.currentTerm {
		return &proto.VoteResponse{Term: n.currentTerm}, nil
	}
	if req.Term > n.currentTerm {
		if err := n.stepDown(req.Term, ""); err != nil {
			return nil, err
		}
	}

	if (n.votedFor == "" || n.votedFor == candidate) && upToDate {
		if err := n.persistTermAndVote(n.currentTerm, candidate); err != nil {
			return nil, err
		}
		n.resetElectionTimer()
		n.logger.Info("Granted vote", zap.String("candidate", req.CandidateID), zap.Uint64("term", n.currentTerm))
		return &proto.VoteResponse{Term: n.currentTerm, VoteGranted: true}, nil
	}
	return &proto.VoteResponse{Term: n.currentTerm}, nil
}

// hasCurrentLeader reports whether this node leads, or heard from a leader within the minimum election timeout.
func (n *Node) hasCurrentLeader() bool {
	switch s := n.state.(type) {
	case *leaderState:
		return true
	case *followerState:
		return s.leader != "" && n.clock.Since(n.lastLeaderContact) < time.Duration(n.cfg.ElectionTimeoutMin)
	default:
		return false
	}
}

// stepDown adopts term, if higher, and becomes a follower of leader (which may be unknown). A higher term abandons
// any snapshot being received for the old one.
func (n *Node) stepDown(term uint64, leader raft.NodeID) error {
	if term > n.currentTerm {
		if err := n.persistTermAndVote(term, ""); err != nil {
			return err
		}
		n.abortPendingSnapshot("term changed")
	}
	n.becomeFollower(leader)
	return nil
}

// becomeFollower switches to follower of leader. Staying a follower of the same leader only rearms the election
// timer.
func (n *Node) becomeFollower(leader raft.NodeID) {
	if f, ok := n.state.(*followerState); ok && f.leader == leader {
		if leader != "" {
			n.lastLeaderContact = n.clock.Now()
		}
		n.resetElectionTimer()
		return
	}

	previous := n.state.role()
	if l, ok := n.state.(*leaderState); ok {
		l.cancel()
		n.logger.Info("Stepping down as leader", zap.Uint64("term", n.currentTerm))
	}
	n.state = &followerState{leader: leader}
	if leader != "" {
		n.lastLeaderContact = n.clock.Now()
	}
	if previous != Follower {
		n.publishRole()
	}
	n.noteLeader()
	n.resetElectionTimer()
}

// becomeLeader sets up a session per follower and appends a no-op entry, which lets entries of earlier terms commit
// (Section 8 from the [Raft paper](https://raft.github.io/raft.pdf)).
func (n *Node) becomeLeader(cand *candidateState) {
	n.metrics.RecordElectionDuration(n.clock.Since(cand.startedAt))
	n.stopElectionTimer()

	last, err := n.log.lastIndex()
	if err != nil {
		n.fail(fmt.Errorf("failed to read last index: %w", err))
		return
	}

	ctx, cancel := context.WithCancel(n.ctx)
	l := &leaderState{sessions: make(map[raft.NodeID]*session), ctx: ctx, cancel: cancel}
	for _, peer := range n.peers() {
		l.sessions[peer] = newSession(peer, last+1)
	}
	n.state = l
	n.logger.Info("Became leader", zap.Uint64("term", n.currentTerm), zap.Int("votes", len(cand.votes)))
	n.publishRole()
	n.noteLeader()

	noop := &proto.LogEntry{Index: last + 1, Term: n.currentTerm, Type: proto.EntryNoOp}
	if err := n.log.append(noop); err != nil {
		n.fail(fmt.Errorf("failed to append no-op entry: %w", err))
		return
	}

	n.startHeartbeat(l)
	n.advanceCommitIndex()
	n.replicateAll(l)
}

// startHeartbeat replicates to every follower each heartbeat interval until the node stops leading.
func (n *Node) startHeartbeat(l *leaderState) {
	ticker := n.clock.Ticker(time.Duration(n.cfg.HeartbeatInterval))
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !n.post(func() { n.onHeartbeat(l) }) {
					return
				}
			case <-l.ctx.Done():
				return
			}
		}
	}()
}

func (n *Node) onHeartbeat(l *leaderState) {
	if n.state != l {
		return
	}
	n.replicateAll(l)
}

// callTimeout derives the context of a single outgoing request.
func (n *Node) callTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, time.Duration(n.cfg.RequestTimeout))
}

