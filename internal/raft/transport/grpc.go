package transport

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"partitionlog/internal/raft"
	"partitionlog/internal/raft/proto"
)

// callerIDHeader carries the id of the sending node on every call.
const callerIDHeader = "raft-node-id"

// GRPCTransport sends requests over gRPC. It keeps one client connection per peer.
type GRPCTransport struct {
	localID  raft.NodeID
	logger   *zap.Logger
	resolver *Resolver
	// clientsConnPool maps raft.NodeID to *grpc.ClientConn. sync.Map is optimized for the read-mostly access pattern
	// of the replication paths.
	clientsConnPool sync.Map
	dialOptions     []grpc.DialOption
}

var (
	_ Transport   = (*GRPCTransport)(nil)
	_ PeerManager = (*GRPCTransport)(nil)
)

// NewGRPCTransport creates a transport for localID connected to the given peers.
func NewGRPCTransport(localID raft.NodeID, peers []raft.Member, logger *zap.Logger, opts ...grpc.DialOption) (*GRPCTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &GRPCTransport{
		localID:  localID,
		logger:   logger,
		resolver: NewResolver(),
	}
	t.dialOptions = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithResolvers(t.resolver),
	}, opts...)

	var errs error
	for _, peer := range peers {
		if peer.ID == localID {
			continue
		}
		// A single bad peer must not prevent connecting to the others
		errs = multierr.Append(errs, t.AddPeer(peer))
	}
	return t, errs
}

// AddPeer registers the address of a member and opens a connection to it. Adding a known member updates its address.
func (t *GRPCTransport) AddPeer(member raft.Member) error {
	t.resolver.Register(member.ID, member.Address)
	if _, ok := t.clientsConnPool.Load(member.ID); ok {
		return nil
	}

	conn, err := grpc.NewClient(Target(member.ID), t.dialOptions...)
	if err != nil {
		return fmt.Errorf("failed to establish gRPC connection to peer %s: %w", member, err)
	}
	if _, loaded := t.clientsConnPool.LoadOrStore(member.ID, conn); loaded {
		_ = conn.Close()
		return nil
	}
	t.logger.Debug("Added gRPC connection", zap.Stringer("peer", member))
	return nil
}

// RemovePeer closes and removes the connection of a member that left the group.
func (t *GRPCTransport) RemovePeer(id raft.NodeID) {
	t.resolver.Unregister(id)
	value, ok := t.clientsConnPool.LoadAndDelete(id)
	if !ok {
		return
	}
	if err := value.(*grpc.ClientConn).Close(); err != nil {
		t.logger.Warn("Failed to close connection to removed peer", zap.String("peer", string(id)), zap.Error(err))
	}
}

func (t *GRPCTransport) client(ctx context.Context, to raft.NodeID) (context.Context, proto.RaftServiceClient, error) {
	value, ok := t.clientsConnPool.Load(to)
	if !ok {
		return nil, nil, fmt.Errorf("peer %s: %w", to, ErrUnknownPeer)
	}
	ctx = metadata.AppendToOutgoingContext(ctx, callerIDHeader, string(t.localID))
	return ctx, proto.NewRaftServiceClient(value.(*grpc.ClientConn)), nil
}

func (t *GRPCTransport) RequestVote(ctx context.Context, to raft.NodeID, req *proto.VoteRequest) (*proto.VoteResponse, error) {
	ctx, client, err := t.client(ctx, to)
	if err != nil {
		return nil, err
	}
	resp, err := client.RequestVote(ctx, req)
	return resp, wrapCallError("RequestVote", to, err)
}

func (t *GRPCTransport) AppendEntries(ctx context.Context, to raft.NodeID, req *proto.AppendRequest) (*proto.AppendResponse, error) {
	ctx, client, err := t.client(ctx, to)
	if err != nil {
		return nil, err
	}
	resp, err := client.AppendEntries(ctx, req)
	return resp, wrapCallError("AppendEntries", to, err)
}

func (t *GRPCTransport) Install(ctx context.Context, to raft.NodeID, req *proto.InstallRequest) (*proto.InstallResponse, error) {
	ctx, client, err := t.client(ctx, to)
	if err != nil {
		return nil, err
	}
	resp, err := client.Install(ctx, req)
	return resp, wrapCallError("Install", to, err)
}

// Close closes every client connection.
func (t *GRPCTransport) Close() error {
	var errs error
	t.clientsConnPool.Range(func(key, value any) bool {
		t.clientsConnPool.Delete(key)
		errs = multierr.Append(errs, value.(*grpc.ClientConn).Close())
		return true
	})
	return errs
}

// wrapCallError maps connection level failures to ErrUnreachable so callers need not know about gRPC status codes.
func wrapCallError(method string, to raft.NodeID, err error) error {
	if err == nil {
		return nil
	}
	switch status.Code(err) {
	case codes.Unavailable:
		return fmt.Errorf("%s to %s: %w: %v", method, to, ErrUnreachable, err)
	case codes.DeadlineExceeded:
		return fmt.Errorf("%s to %s: %w", method, to, context.DeadlineExceeded)
	case codes.Canceled:
		return fmt.Errorf("%s to %s: %w", method, to, context.Canceled)
	default:
		return fmt.Errorf("%s to %s: %w", method, to, err)
	}
}
