package transport

import (
	"context"
	"fmt"
	"sync"

	"partitionlog/internal/raft"
	"partitionlog/internal/raft/proto"
)

// Call describes a request travelling through a Network.
type Call struct {
	From    raft.NodeID
	To      raft.NodeID
	Request proto.Message
}

// Invoker delivers a call to its destination and returns the response.
type Invoker func(ctx context.Context, call Call) (proto.Message, error)

// Interceptor wraps delivery of a call. It may inspect or count the call, replace the response, return an error
// instead of invoking next (the request is lost) or after invoking it (the response is lost).
type Interceptor func(ctx context.Context, call Call, next Invoker) (proto.Message, error)

// Network is an in-memory message bus connecting the nodes of a simulated cluster. Messages are copied through the
// wire encoding, so sender and receiver never share memory.
type Network struct {
	mu           sync.RWMutex
	handlers     map[raft.NodeID]Handler
	isolated     map[raft.NodeID]bool
	interceptors []Interceptor
}

func NewNetwork() *Network {
	return &Network{
		handlers: make(map[raft.NodeID]Handler),
		isolated: make(map[raft.NodeID]bool),
	}
}

// Join attaches a handler to the network and returns the transport the node uses to reach the others.
func (n *Network) Join(id raft.NodeID, handler Handler) *MemoryTransport {
	n.Register(id, handler)
	return n.Transport(id)
}

// Transport returns the transport of id. Calls to id fail with ErrUnknownPeer until a handler is registered, which
// lets a node be built on its transport before it can serve requests.
func (n *Network) Transport(id raft.NodeID) *MemoryTransport {
	return &MemoryTransport{network: n, localID: id}
}

// Register attaches the handler serving requests sent to id.
func (n *Network) Register(id raft.NodeID, handler Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = handler
}

// Leave detaches a node; calls to it fail with ErrUnknownPeer.
func (n *Network) Leave(id raft.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, id)
}

// Partition cuts the given nodes off from every other node.
func (n *Network) Partition(ids ...raft.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, id := range ids {
		n.isolated[id] = true
	}
}

// Heal reconnects the given nodes, or every node when none is given.
func (n *Network) Heal(ids ...raft.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(ids) == 0 {
		n.isolated = make(map[raft.NodeID]bool)
		return
	}
	for _, id := range ids {
		delete(n.isolated, id)
	}
}

// Intercept appends an interceptor. Interceptors only see calls that the partition state lets through, and run in
// the order they were added.
func (n *Network) Intercept(i Interceptor) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.interceptors = append(n.interceptors, i)
}

func (n *Network) ClearInterceptors() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.interceptors = nil
}

func (n *Network) send(ctx context.Context, call Call) (proto.Message, error) {
	n.mu.RLock()
	_, known := n.handlers[call.To]
	cut := n.isolated[call.From] || n.isolated[call.To]
	interceptors := append([]Interceptor(nil), n.interceptors...)
	n.mu.RUnlock()

	if !known {
		return nil, fmt.Errorf("peer %s: %w", call.To, ErrUnknownPeer)
	}
	if cut {
		return nil, fmt.Errorf("%s -> %s: %w", call.From, call.To, ErrUnreachable)
	}

	invoke := n.deliver
	for i := len(interceptors) - 1; i >= 0; i-- {
		interceptor, next := interceptors[i], invoke
		invoke = func(ctx context.Context, call Call) (proto.Message, error) {
			return interceptor(ctx, call, next)
		}
	}
	return invoke(ctx, call)
}

func (n *Network) deliver(ctx context.Context, call Call) (proto.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.mu.RLock()
	handler, ok := n.handlers[call.To]
	n.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("peer %s: %w", call.To, ErrUnknownPeer)
	}

	switch req := call.Request.(type) {
	case *proto.VoteRequest:
		return relay(ctx, req, handler.HandleVote)
	case *proto.AppendRequest:
		return relay(ctx, req, handler.HandleAppend)
	case *proto.InstallRequest:
		return relay(ctx, req, handler.HandleInstall)
	default:
		return nil, fmt.Errorf("unsupported message %T", call.Request)
	}
}

// relay copies the request, runs the handler and copies the response back.
func relay[Req, Resp any, PReq interface {
	*Req
	proto.Message
}, PResp interface {
	*Resp
	proto.Message
}](ctx context.Context, req PReq, handle func(context.Context, PReq) (PResp, error)) (proto.Message, error) {
	in, err := proto.Clone[Req, PReq](req)
	if err != nil {
		return nil, err
	}
	out, err := handle(ctx, in)
	if err != nil {
		return nil, err
	}
	return proto.Clone[Resp, PResp](out)
}

// MemoryTransport is the Transport of one node attached to a Network.
type MemoryTransport struct {
	network *Network
	localID raft.NodeID
}

var _ Transport = (*MemoryTransport)(nil)

func (t *MemoryTransport) RequestVote(ctx context.Context, to raft.NodeID, req *proto.VoteRequest) (*proto.VoteResponse, error) {
	return call[*proto.VoteResponse](ctx, t, to, req)
}

func (t *MemoryTransport) AppendEntries(ctx context.Context, to raft.NodeID, req *proto.AppendRequest) (*proto.AppendResponse, error) {
	return call[*proto.AppendResponse](ctx, t, to, req)
}

func (t *MemoryTransport) Install(ctx context.Context, to raft.NodeID, req *proto.InstallRequest) (*proto.InstallResponse, error) {
	return call[*proto.InstallResponse](ctx, t, to, req)
}

func (t *MemoryTransport) Close() error {
	t.network.Leave(t.localID)
	return nil
}

func call[Resp proto.Message](ctx context.Context, t *MemoryTransport, to raft.NodeID, req proto.Message) (Resp, error) {
	var zero Resp
	resp, err := t.network.send(ctx, Call{From: t.localID, To: to, Request: req})
	if err != nil {
		return zero, err
	}
	typed, ok := resp.(Resp)
	if !ok {
		return zero, fmt.Errorf("unexpected response %T from %s", resp, to)
	}
	return typed, nil
}
