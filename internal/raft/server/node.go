// Package server implements the consensus core of a replication group: leader election, log replication, commit
// index advancement and snapshot transfer to lagging followers, as described in the
// [Raft paper](https://raft.github.io/raft.pdf).
//
// Each Node runs a single event loop. Inbound requests, responses to outbound requests and timer expirations are all
// turned into closures executed on that loop, so the node's state is never touched by two goroutines at once and
// needs no locking.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"partitionlog/internal/health"
	"partitionlog/internal/pubsub"
	"partitionlog/internal/raft"
	"partitionlog/internal/raft/consumer"
	"partitionlog/internal/raft/proto"
	"partitionlog/internal/raft/snapshot"
	"partitionlog/internal/raft/storage"
	"partitionlog/internal/raft/transport"
)

var (
	// ErrNotLeader is returned by operations only a leader can perform.
	ErrNotLeader = errors.New("node is not the leader")
	// ErrStopped is returned once the node was stopped.
	ErrStopped = errors.New("node is stopped")
	// ErrNodeFailed is returned once the node hit an unrecoverable error, for example a failed write of its term.
	// A failed node no longer takes part in the group.
	ErrNodeFailed = errors.New("node failed")
)

const mailboxSize = 256

// NodeOptions are the optional collaborators of a Node. Zero values get defaults.
type NodeOptions struct {
	Logger *zap.Logger
	// Clock drives timers; tests substitute a mock.
	Clock    clock.Clock
	Metrics  MetricsCollector
	Consumer consumer.Consumer
	// Events receives RoleChanged, LeaderChanged and SnapshotInstalled events.
	Events *pubsub.PubSubClient
}

// Node is a member of a replication group.
type Node struct {
	id        raft.NodeID
	cfg       Config
	logger    *zap.Logger
	clock     clock.Clock
	metrics   MetricsCollector
	consumer  consumer.Consumer
	events    *pubsub.PubSubClient
	health    *health.Monitor
	transport transport.Transport
	stable    storage.StableStore
	snapshots snapshot.Store

	// Everything below is owned by the event loop.

	// currentTerm and votedFor are persisted in stable before they change here.
	currentTerm uint64
	votedFor    raft.NodeID
	log         *raftLog
	commitIndex uint64
	lastApplied uint64
	members     map[raft.NodeID]raft.Member
	state       roleState

	// preferSnapshotThreshold starts at Config.PreferSnapshotReplicationThreshold and can be changed at runtime.
	preferSnapshotThreshold uint64
	// pending is the snapshot being received from the leader.
	pending snapshot.Receiver

	electionTimer *clock.Timer
	// electionGen invalidates expirations of timers that were reset after they fired.
	electionGen       uint64
	lastLeaderContact time.Time
	publishedLeader   raft.NodeID
	leaderlessSince   time.Time
	failed            error

	mailbox  chan func()
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool
	stopOnce sync.Once
}

// NewNode restores a node from its stores. Term and vote come from stable, the log is rebased on the latest snapshot
// and everything the snapshot covers counts as committed and applied. The node does nothing until Start is called.
func NewNode(cfg Config, logStore storage.LogStore, stable storage.StableStore, snapshots snapshot.Store,
	tr transport.Transport, opts NodeOptions) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Consumer == nil {
		opts.Consumer = consumer.Nop{}
	}

	logger := opts.Logger.With(zap.String("node", string(cfg.ID)))
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		id:                      cfg.ID,
		cfg:                     cfg,
		logger:                  logger,
		clock:                   opts.Clock,
		metrics:                 opts.Metrics,
		consumer:                opts.Consumer,
		events:                  opts.Events,
		health:                  health.NewMonitor("raft-"+string(cfg.ID), logger),
		transport:               tr,
		stable:                  stable,
		snapshots:               snapshots,
		log:                     &raftLog{store: logStore},
		members:                 make(map[raft.NodeID]raft.Member, len(cfg.Members)),
		state:                   &followerState{},
		preferSnapshotThreshold: cfg.PreferSnapshotReplicationThreshold,
		mailbox:                 make(chan func(), mailboxSize),
		ctx:                     ctx,
		cancel:                  cancel,
		done:                    make(chan struct{}),
	}
	for _, m := range cfg.Members {
		n.members[m.ID] = m
	}

	term, votedFor, err := stable.LoadTermAndVote()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to load term and vote: %w", err)
	}
	n.currentTerm, n.votedFor = term, votedFor

	latest, err := snapshots.Latest()
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
	case err != nil:
		cancel()
		return nil, fmt.Errorf("failed to load latest snapshot: %w", err)
	default:
		meta := latest.Metadata()
		if err := n.log.installSnapshot(meta.Index, meta.Term); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to rebase log on %s: %w", meta, err)
		}
		n.commitIndex, n.lastApplied = meta.Index, meta.Index
	}

	return n, nil
}

func (n *Node) ID() raft.NodeID {
	return n.id
}

// Start launches the event loop and the election timer. The consumer first receives the snapshot the node was
// restored from, if any.
func (n *Node) Start() error {
	if !n.started.CompareAndSwap(false, true) {
		return errors.New("node already started")
	}

	n.wg.Add(1)
	go n.run()

	n.post(func() {
		now := n.clock.Now()
		n.leaderlessSince = now
		n.lastLeaderContact = time.Time{}
		n.health.Update(health.HealthyReport("", now))

		if n.log.snapshotIndex > 0 {
			latest, err := n.snapshots.Latest()
			if err != nil {
				n.fail(fmt.Errorf("failed to load latest snapshot: %w", err))
				return
			}
			n.consumer.OnSnapshotInstalled(latest)
		}
		n.metrics.SetTerm(n.currentTerm)
		n.metrics.SetCommitIndex(n.commitIndex)
		n.metrics.SetRole(Follower)

		n.logger.Info("Node started",
			zap.Uint64("term", n.currentTerm),
			zap.Uint64("snapshotIndex", n.log.snapshotIndex),
			zap.Int("members", len(n.members)))
		n.resetElectionTimer()
	})
	return nil
}

// Stop halts the event loop and aborts every request in flight. The stores and the transport are left open; they
// belong to the caller.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		n.cancel()
		close(n.done)
		n.wg.Wait()

		// The loop is gone, so its state can be released from here
		n.stopElectionTimer()
		if l, ok := n.state.(*leaderState); ok {
			l.cancel()
		}
		n.abortPendingSnapshot("node stopped")
		n.logger.Info("Node stopped")
	})
}

func (n *Node) run() {
	defer n.wg.Done()
	for {
		select {
		case fn := <-n.mailbox:
			fn()
			n.evaluateHealth()
		case <-n.done:
			return
		}
	}
}

// post queues fn for the event loop. It reports false once the node stopped. It must never be called from the loop
// itself, which would deadlock on a full mailbox.
func (n *Node) post(fn func()) bool {
	select {
	case n.mailbox <- fn:
		return true
	case <-n.done:
		return false
	}
}

// submit runs fn on the event loop and waits for its result.
func submit[T any](ctx context.Context, n *Node, fn func() (T, error)) (T, error) {
	var zero T
	if !n.started.Load() {
		return zero, errors.New("node not started")
	}

	type result struct {
		value T
		err   error
	}
	resCh := make(chan result, 1)
	task := func() {
		v, err := fn()
		resCh <- result{v, err}
	}

	select {
	case n.mailbox <- task:
	case <-n.done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case res := <-resCh:
		return res.value, res.err
	case <-n.done:
		return zero, ErrStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Propose appends payload to the log and returns the index it was assigned. The entry is committed once a majority
// stored it; the consumer learns about it through OnCommitted.
func (n *Node) Propose(ctx context.Context, payload []byte) (uint64, error) {
	data := append([]byte(nil), payload...)
	return submit(ctx, n, func() (uint64, error) {
		if n.failed != nil {
			return 0, ErrNodeFailed
		}
		l, ok := n.state.(*leaderState)
		if !ok {
			return 0, fmt.Errorf("%w (leader: %q)", ErrNotLeader, n.leader())
		}

		last, err := n.log.lastIndex()
		if err != nil {
			n.fail(fmt.Errorf("failed to read last index: %w", err))
			return 0, ErrNodeFailed
		}
		entry := &proto.LogEntry{Index: last + 1, Term: n.currentTerm, Type: proto.EntryCommand, Payload: data}
		if err := n.log.append(entry); err != nil {
			n.fail(fmt.Errorf("failed to append entry %d: %w", entry.Index, err))
			return 0, ErrNodeFailed
		}

		n.advanceCommitIndex()
		n.replicateAll(l)
		return entry.Index, nil
	})
}

// TakeSnapshot stores data as the snapshot of the state up to index and compacts the log up to it. The index must
// already be applied. On a leader, transfers of an older snapshot in progress are abandoned in favour of the new one.
func (n *Node) TakeSnapshot(ctx context.Context, index uint64, data []byte) (snapshot.Metadata, error) {
	return submit(ctx, n, func() (snapshot.Metadata, error) {
		if n.failed != nil {
			return snapshot.Metadata{}, ErrNodeFailed
		}
		if index > n.lastApplied {
			return snapshot.Metadata{}, fmt.Errorf("cannot snapshot index %d beyond applied index %d", index, n.lastApplied)
		}
		if index <= n.log.snapshotIndex {
			return snapshot.Metadata{}, fmt.Errorf("index %d, latest snapshot at %d: %w", index, n.log.snapshotIndex,
				snapshot.ErrStale)
		}

		term, err := n.log.term(index)
		if err != nil {
			return snapshot.Metadata{}, fmt.Errorf("failed to read term of index %d: %w", index, err)
		}
		snap, err := n.snapshots.Create(index, term, data, n.cfg.SnapshotChunkSize)
		if err != nil {
			if errors.Is(err, snapshot.ErrStale) {
				return snapshot.Metadata{}, err
			}
			n.fail(fmt.Errorf("failed to store snapshot at index %d: %w", index, err))
			return snapshot.Metadata{}, ErrNodeFailed
		}
		if err := n.log.compactTo(index, term); err != nil {
			n.fail(fmt.Errorf("failed to compact log to %d: %w", index, err))
			return snapshot.Metadata{}, ErrNodeFailed
		}

		meta := snap.Metadata()
		n.logger.Info("Snapshot taken", zap.Stringer("snapshot", meta))

		if l, ok := n.state.(*leaderState); ok {
			for _, s := range l.sessions {
				if s.mode == SnapshotTransferring {
					n.logger.Info("Abandoning snapshot transfer superseded by a newer snapshot",
						zap.String("follower", string(s.id)), zap.Stringer("snapshot", meta))
					s.abortTransfer()
				}
			}
		}
		return meta, nil
	})
}

// UpdateMembers replaces the membership view. The node itself must remain a member. Majorities are counted over the
// new view from now on.
func (n *Node) UpdateMembers(ctx context.Context, members []raft.Member) error {
	_, err := submit(ctx, n, func() (struct{}, error) {
		next := make(map[raft.NodeID]raft.Member, len(members))
		for _, m := range members {
			if m.ID == "" {
				return struct{}{}, errors.New("member without id")
			}
			next[m.ID] = m
		}
		if _, ok := next[n.id]; !ok {
			return struct{}{}, fmt.Errorf("node %s is not part of the new membership", n.id)
		}

		if pm, ok := n.transport.(transport.PeerManager); ok {
			for id, m := range next {
				if id == n.id {
					continue
				}
				if old, known := n.members[id]; !known || old.Address != m.Address {
					if err := pm.AddPeer(m); err != nil {
						return struct{}{}, fmt.Errorf("failed to add peer %s: %w", m, err)
					}
				}
			}
			for id := range n.members {
				if _, keep := next[id]; !keep && id != n.id {
					pm.RemovePeer(id)
				}
			}
		}
		n.members = next
		n.logger.Info("Membership updated", zap.Int("members", len(next)))

		if l, ok := n.state.(*leaderState); ok {
			last, err := n.log.lastIndex()
			if err != nil {
				n.fail(fmt.Errorf("failed to read last index: %w", err))
				return struct{}{}, ErrNodeFailed
			}
			for id, s := range l.sessions {
				if _, keep := next[id]; keep {
					continue
				}
				if s.mode == SnapshotTransferring {
					n.logger.Info("Abandoning snapshot transfer to removed member",
						zap.String("follower", string(id)), zap.Uint32("chunk", s.replicator.nextChunk))
				}
				s.abortTransfer()
				delete(l.sessions, id)
			}
			for id := range next {
				if _, ok := l.sessions[id]; !ok && id != n.id {
					l.sessions[id] = newSession(id, last+1)
				}
			}
			n.advanceCommitIndex()
			n.replicateAll(l)
		}
		return struct{}{}, nil
	})
	return err
}

// SetPreferSnapshotReplicationThreshold changes Config.PreferSnapshotReplicationThreshold at runtime.
func (n *Node) SetPreferSnapshotReplicationThreshold(ctx context.Context, threshold uint64) error {
	_, err := submit(ctx, n, func() (struct{}, error) {
		n.preferSnapshotThreshold = threshold
		return struct{}{}, nil
	})
	return err
}

func (n *Node) Status(ctx context.Context) (Status, error) {
	return submit(ctx, n, func() (Status, error) {
		first, err := n.log.firstIndex()
		if err != nil {
			return Status{}, err
		}
		last, err := n.log.lastIndex()
		if err != nil {
			return Status{}, err
		}
		st := Status{
			ID:            n.id,
			Role:          n.state.role(),
			Term:          n.currentTerm,
			VotedFor:      n.votedFor,
			Leader:        n.leader(),
			CommitIndex:   n.commitIndex,
			AppliedIndex:  n.lastApplied,
			FirstIndex:    first,
			LastIndex:     last,
			SnapshotIndex: n.log.snapshotIndex,
			SnapshotTerm:  n.log.snapshotTerm,
			Failed:        n.failed != nil,
		}
		if l, ok := n.state.(*leaderState); ok {
			st.Sessions = make(map[raft.NodeID]SessionStatus, len(l.sessions))
			for id, s := range l.sessions {
				st.Sessions[id] = s.status()
			}
		}
		return st, nil
	})
}

// HealthReport returns the latest health report. It does not go through the event loop, so it keeps answering even
// when the loop is stuck.
func (n *Node) HealthReport() health.Report {
	return n.health.Report()
}

// AddFailureListener registers l for health transitions and returns a function that unregisters it.
func (n *Node) AddFailureListener(l health.FailureListener) (remove func()) {
	return n.health.AddListener(l)
}

// HandleVote answers RequestVote requests.
func (n *Node) HandleVote(ctx context.Context, req *proto.VoteRequest) (*proto.VoteResponse, error) {
	return submit(ctx, n, func() (*proto.VoteResponse, error) {
		return n.handleVote(req)
	})
}

// HandleAppend answers AppendEntries requests.
func (n *Node) HandleAppend(ctx context.Context, req *proto.AppendRequest) (*proto.AppendResponse, error) {
	return submit(ctx, n, func() (*proto.AppendResponse, error) {
		return n.handleAppend(req)
	})
}

// HandleInstall answers InstallSnapshot requests.
func (n *Node) HandleInstall(ctx context.Context, req *proto.InstallRequest) (*proto.InstallResponse, error) {
	return submit(ctx, n, func() (*proto.InstallResponse, error) {
		return n.handleInstall(req)
	})
}

var _ transport.Handler = (*Node)(nil)

// leader is the leader as far as this node knows, or empty.
func (n *Node) leader() raft.NodeID {
	switch s := n.state.(type) {
	case *leaderState:
		return n.id
	case *followerState:
		return s.leader
	default:
		return ""
	}
}

func (n *Node) peers() []raft.NodeID {
	peers := make([]raft.NodeID, 0, len(n.members))
	for id := range n.members {
		if id != n.id {
			peers = append(peers, id)
		}
	}
	return peers
}

func (n *Node) quorum() int {
	return raft.QuorumSize(len(n.members))
}

// persistTermAndVote durably records term and vote before adopting them, as required by Figure 2 from the
// [Raft paper](https://raft.github.io/raft.pdf). A node that cannot persist them may not take part any more, so a
// failure is fatal.
func (n *Node) persistTermAndVote(term uint64, votedFor raft.NodeID) error {
	if err := n.stable.SaveTermAndVote(term, votedFor); err != nil {
		n.fail(fmt.Errorf("failed to persist term %d and vote %q: %w", term, votedFor, err))
		return ErrNodeFailed
	}
	if term != n.currentTerm {
		n.metrics.SetTerm(term)
	}
	n.currentTerm, n.votedFor = term, votedFor
	return nil
}

// fail stops the node from taking part in the group. The node keeps answering with ErrNodeFailed until stopped.
func (n *Node) fail(err error) {
	if n.failed != nil {
		return
	}
	n.failed = err
	n.logger.Error("Node failed and leaves the group", zap.Error(err))

	n.stopElectionTimer()
	if l, ok := n.state.(*leaderState); ok {
		l.cancel()
	}
	n.abortPendingSnapshot("node failed")
	n.state = &followerState{}
	n.health.Update(health.DeadReport("", err.Error(), n.clock.Now()))
}

func (n *Node) abortPendingSnapshot(reason string) {
	if n.pending == nil {
		return
	}
	n.logger.Info("Abandoning snapshot assembly",
		zap.Uint64("snapshotIndex", n.pending.Index()), zap.String("reason", reason))
	if err := n.pending.Abort(); err != nil {
		n.logger.Warn("Failed to discard partial snapshot", zap.Error(err))
	}
	n.pending = nil
}

// applyCommitted delivers committed entries to the consumer. No-op entries are internal to the log and skipped.
func (n *Node) applyCommitted() {
	for n.lastApplied < n.commitIndex {
		from := n.lastApplied + 1
		to := min(n.commitIndex, from+uint64(n.cfg.MaxAppendEntries)-1)
		entries, err := n.log.entries(from, to)
		if err != nil {
			n.fail(fmt.Errorf("failed to read committed entries %d-%d: %w", from, to, err))
			return
		}

		applied := 0
		for _, entry := range entries {
			if entry.Type == proto.EntryCommand {
				n.consumer.OnCommitted(entry)
				applied++
			}
		}
		n.lastApplied = to
		n.metrics.RecordEntriesCommitted(applied)
	}
}

// setCommitIndex moves the commit index forward and applies the newly committed entries. It never moves it back.
func (n *Node) setCommitIndex(index uint64) {
	if index <= n.commitIndex {
		return
	}
	n.commitIndex = index
	n.metrics.SetCommitIndex(index)
	n.applyCommitted()
}

func (n *Node) publishRole() {
	role := n.state.role()
	n.metrics.SetRole(role)
	if n.events != nil {
		pubsub.Publish(n.events, pubsub.NewEvent(RoleChanged, RoleChangedPayload{Node: n.id, Role: role, Term: n.currentTerm}))
	}
}

// noteLeader publishes LeaderChanged when the known leader differs from the last one published.
func (n *Node) noteLeader() {
	leader := n.leader()
	if leader == n.publishedLeader {
		return
	}
	n.publishedLeader = leader

	if leader == "" {
		n.leaderlessSince = n.clock.Now()
	} else {
		n.leaderlessSince = time.Time{}
		n.logger.Info("Leader changed", zap.String("leader", string(leader)), zap.Uint64("term", n.currentTerm))
	}
	if n.events != nil {
		pubsub.Publish(n.events, pubsub.NewEvent(LeaderChanged, LeaderChangedPayload{Node: n.id, Leader: leader, Term: n.currentTerm}))
	}
}
