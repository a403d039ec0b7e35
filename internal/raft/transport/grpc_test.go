package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"partitionlog/internal/raft"
	"partitionlog/internal/raft/proto"
)

// callerRecorder remembers which node identified itself on the last call.
type callerRecorder struct {
	echoHandler
	caller raft.NodeID
}

func (h *callerRecorder) HandleVote(ctx context.Context, req *proto.VoteRequest) (*proto.VoteResponse, error) {
	h.caller, _ = CallerID(ctx)
	return h.echoHandler.HandleVote(ctx, req)
}

func startServer(t *testing.T, handler Handler) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewGRPCServer(handler, zaptest.NewLogger(t))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String()
}

func TestGRPCTransport_RoundTrip(t *testing.T) {
	handler := &callerRecorder{}
	addr := startServer(t, handler)

	tr, err := NewGRPCTransport("a", []raft.Member{{ID: "a", Address: "unused"}, {ID: "b", Address: addr}}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	vote, err := tr.RequestVote(ctx, "b", &proto.VoteRequest{Term: 2, CandidateID: "a"})
	require.NoError(t, err)
	assert.True(t, vote.VoteGranted)
	assert.Equal(t, raft.NodeID("a"), handler.caller)

	appendResp, err := tr.AppendEntries(ctx, "b", &proto.AppendRequest{
		Term:    2,
		Entries: []*proto.LogEntry{{Index: 1, Term: 2, Payload: []byte("x")}},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), appendResp.MatchIndex)

	installResp, err := tr.Install(ctx, "b", &proto.InstallRequest{Term: 2, Data: []byte("chunk"), Last: true})
	require.NoError(t, err)
	assert.Equal(t, proto.InstallOK, installResp.Status)
	assert.Equal(t, []byte("chunk"), handler.lastInstall.Data)
}

func TestGRPCTransport_Peers(t *testing.T) {
	tr, err := NewGRPCTransport("a", nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer tr.Close()

	_, err = tr.RequestVote(context.Background(), "b", &proto.VoteRequest{})
	assert.ErrorIs(t, err, ErrUnknownPeer)

	addr := startServer(t, &echoHandler{})
	require.NoError(t, tr.AddPeer(raft.Member{ID: "b", Address: addr}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = tr.RequestVote(ctx, "b", &proto.VoteRequest{})
	require.NoError(t, err)

	tr.RemovePeer("b")
	_, err = tr.RequestVote(ctx, "b", &proto.VoteRequest{})
	assert.ErrorIs(t, err, ErrUnknownPeer)
}
