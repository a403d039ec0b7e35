package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"partitionlog/internal/raft/proto"
)

// echoHandler answers every request with the request term and keeps the last install request it saw.
type echoHandler struct {
	lastInstall *proto.InstallRequest
	calls       atomic.Int32
}

func (h *echoHandler) HandleVote(_ context.Context, req *proto.VoteRequest) (*proto.VoteResponse, error) {
	h.calls.Add(1)
	return &proto.VoteResponse{Term: req.Term, VoteGranted: true}, nil
}

func (h *echoHandler) HandleAppend(_ context.Context, req *proto.AppendRequest) (*proto.AppendResponse, error) {
	h.calls.Add(1)
	return &proto.AppendResponse{Term: req.Term, Success: true, MatchIndex: req.PrevLogIndex + uint64(len(req.Entries))}, nil
}

func (h *echoHandler) HandleInstall(_ context.Context, req *proto.InstallRequest) (*proto.InstallResponse, error) {
	h.calls.Add(1)
	h.lastInstall = req
	return &proto.InstallResponse{Term: req.Term, Status: proto.InstallOK}, nil
}

func TestNetwork_Delivers(t *testing.T) {
	net := NewNetwork()
	a := net.Join("a", &echoHandler{})
	net.Join("b", &echoHandler{})
	ctx := context.Background()

	vote, err := a.RequestVote(ctx, "b", &proto.VoteRequest{Term: 3, CandidateID: "a"})
	require.NoError(t, err)
	assert.True(t, vote.VoteGranted)
	assert.Equal(t, uint64(3), vote.Term)

	resp, err := a.AppendEntries(ctx, "b", &proto.AppendRequest{
		Term:         3,
		PrevLogIndex: 4,
		Entries:      []*proto.LogEntry{{Index: 5, Term: 3}, {Index: 6, Term: 3}},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(6), resp.MatchIndex)

	_, err = a.Install(ctx, "c", &proto.InstallRequest{})
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestNetwork_CopiesMessages(t *testing.T) {
	net := NewNetwork()
	handler := &echoHandler{}
	a := net.Join("a", &echoHandler{})
	net.Join("b", handler)

	req := &proto.InstallRequest{Term: 1, Data: []byte("chunk")}
	_, err := a.Install(context.Background(), "b", req)
	require.NoError(t, err)

	req.Data[0] = 'X'
	assert.Equal(t, []byte("chunk"), handler.lastInstall.Data)
}

func TestNetwork_Partition(t *testing.T) {
	net := NewNetwork()
	a := net.Join("a", &echoHandler{})
	b := net.Join("b", &echoHandler{})
	c := net.Join("c", &echoHandler{})
	ctx := context.Background()

	var intercepted atomic.Int32
	net.Intercept(func(ctx context.Context, call Call, next Invoker) (proto.Message, error) {
		intercepted.Add(1)
		return next(ctx, call)
	})

	net.Partition("c")
	_, err := a.RequestVote(ctx, "c", &proto.VoteRequest{})
	assert.ErrorIs(t, err, ErrUnreachable)
	_, err = c.RequestVote(ctx, "b", &proto.VoteRequest{})
	assert.ErrorIs(t, err, ErrUnreachable)
	_, err = b.RequestVote(ctx, "a", &proto.VoteRequest{})
	assert.NoError(t, err)

	// Interceptors never see calls dropped by a partition
	assert.Equal(t, int32(1), intercepted.Load())

	net.Heal()
	_, err = a.RequestVote(ctx, "c", &proto.VoteRequest{})
	assert.NoError(t, err)
}

func TestNetwork_Interceptors(t *testing.T) {
	net := NewNetwork()
	handler := &echoHandler{}
	a := net.Join("a", &echoHandler{})
	net.Join("b", handler)
	ctx := context.Background()

	t.Run("replaces the response", func(t *testing.T) {
		net.Intercept(func(ctx context.Context, call Call, next Invoker) (proto.Message, error) {
			if _, ok := call.Request.(*proto.InstallRequest); !ok {
				return next(ctx, call)
			}
			if _, err := next(ctx, call); err != nil {
				return nil, err
			}
			return &proto.InstallResponse{Status: proto.InstallError, Error: proto.InstallErrorProtocol}, nil
		})
		defer net.ClearInterceptors()

		resp, err := a.Install(ctx, "b", &proto.InstallRequest{Term: 1})
		require.NoError(t, err)
		assert.Equal(t, proto.InstallError, resp.Status)
		assert.NotNil(t, handler.lastInstall)
	})

	t.Run("drops the response after delivery", func(t *testing.T) {
		before := handler.calls.Load()
		net.Intercept(func(ctx context.Context, call Call, next Invoker) (proto.Message, error) {
			_, _ = next(ctx, call)
			return nil, context.DeadlineExceeded
		})
		defer net.ClearInterceptors()

		_, err := a.AppendEntries(ctx, "b", &proto.AppendRequest{Term: 1})
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
		assert.Equal(t, before+1, handler.calls.Load())
	})

	t.Run("runs in order", func(t *testing.T) {
		var order []string
		for _, name := range []string{"first", "second"} {
			net.Intercept(func(ctx context.Context, call Call, next Invoker) (proto.Message, error) {
				order = append(order, name)
				return next(ctx, call)
			})
		}
		defer net.ClearInterceptors()

		_, err := a.RequestVote(ctx, "b", &proto.VoteRequest{})
		require.NoError(t, err)
		assert.Equal(t, []string{"first", "second"}, order)
	})
}

func TestMemoryTransport_Close(t *testing.T) {
	net := NewNetwork()
	a := net.Join("a", &echoHandler{})
	b := net.Join("b", &echoHandler{})
	require.NoError(t, b.Close())

	_, err := a.RequestVote(context.Background(), "b", &proto.VoteRequest{})
	assert.ErrorIs(t, err, ErrUnknownPeer)
}
