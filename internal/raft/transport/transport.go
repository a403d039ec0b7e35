// Package transport moves consensus messages between the members of a replication group. The gRPC transport is used
// in production; the in-memory Network connects nodes of a simulated cluster and lets tests intercept calls.
package transport

import (
	"context"
	"errors"

	"partitionlog/internal/raft"
	"partitionlog/internal/raft/proto"
)

var (
	// ErrUnreachable is returned when the destination cannot be reached (partitioned, stopped or closed).
	ErrUnreachable = errors.New("peer unreachable")
	// ErrUnknownPeer is returned when the destination was never added to the transport.
	ErrUnknownPeer = errors.New("unknown peer")
)

// Handler processes inbound requests. It is implemented by the consensus node.
type Handler interface {
	HandleVote(ctx context.Context, req *proto.VoteRequest) (*proto.VoteResponse, error)
	HandleAppend(ctx context.Context, req *proto.AppendRequest) (*proto.AppendResponse, error)
	HandleInstall(ctx context.Context, req *proto.InstallRequest) (*proto.InstallResponse, error)
}

// Transport sends requests to other members. Every call blocks until a response arrives, the context expires or the
// peer is found unreachable.
type Transport interface {
	RequestVote(ctx context.Context, to raft.NodeID, req *proto.VoteRequest) (*proto.VoteResponse, error)
	AppendEntries(ctx context.Context, to raft.NodeID, req *proto.AppendRequest) (*proto.AppendResponse, error)
	Install(ctx context.Context, to raft.NodeID, req *proto.InstallRequest) (*proto.InstallResponse, error)
	Close() error
}

// PeerManager is implemented by transports that must be told where members live.
type PeerManager interface {
	AddPeer(member raft.Member) error
	RemovePeer(id raft.NodeID)
}
