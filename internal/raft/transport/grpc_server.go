package transport

import (
	"context"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"partitionlog/internal"
	"partitionlog/internal/raft"
	"partitionlog/internal/raft/proto"
)

var callerIDKey = internal.NewContextKey[raft.NodeID]("callerID")

// CallerID returns the id of the node that sent the request being handled, when it identified itself.
func CallerID(ctx context.Context) (raft.NodeID, bool) {
	return internal.Value(ctx, callerIDKey)
}

// GRPCServer exposes a Handler as the raft.RaftService gRPC service.
type GRPCServer struct {
	server *grpc.Server
	logger *zap.Logger
}

func NewGRPCServer(handler Handler, logger *zap.Logger, opts ...grpc.ServerOption) *GRPCServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &GRPCServer{logger: logger}
	opts = append([]grpc.ServerOption{
		grpc.ForceServerCodec(proto.Codec{}),
		grpc.ChainUnaryInterceptor(s.callerInterceptor),
	}, opts...)
	s.server = grpc.NewServer(opts...)
	proto.RegisterRaftServiceServer(s.server, &serviceAdapter{handler: handler})
	return s
}

// Serve blocks accepting connections on lis until Stop is called.
func (s *GRPCServer) Serve(lis net.Listener) error {
	s.logger.Info("Raft gRPC server listening", zap.String("addr", lis.Addr().String()))
	return s.server.Serve(lis)
}

func (s *GRPCServer) GracefulStop() { s.server.GracefulStop() }

func (s *GRPCServer) Stop() { s.server.Stop() }

func (s *GRPCServer) callerInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get(callerIDHeader); len(ids) > 0 {
			ctx = internal.WithValue(ctx, callerIDKey, raft.NodeID(ids[0]))
		}
	}
	resp, err := handler(ctx, req)
	if err != nil {
		caller, _ := CallerID(ctx)
		s.logger.Debug("Request failed",
			zap.String("method", info.FullMethod), zap.String("caller", string(caller)), zap.Error(err))
	}
	return resp, err
}

type serviceAdapter struct {
	handler Handler
}

func (a *serviceAdapter) RequestVote(ctx context.Context, req *proto.VoteRequest) (*proto.VoteResponse, error) {
	return a.handler.HandleVote(ctx, req)
}

func (a *serviceAdapter) AppendEntries(ctx context.Context, req *proto.AppendRequest) (*proto.AppendResponse, error) {
	return a.handler.HandleAppend(ctx, req)
}

func (a *serviceAdapter) Install(ctx context.Context, req *proto.InstallRequest) (*proto.InstallResponse, error) {
	return a.handler.HandleInstall(ctx, req)
}
