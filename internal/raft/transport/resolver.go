package transport

import (
	"fmt"
	"strings"
	"sync"

	"google.golang.org/grpc/resolver"

	"partitionlog/internal/raft"
)

const resolverScheme = "raft"

// Resolver is a gRPC name resolver that maps node ids to addresses, so connections dial "raft:///<node-id>" and
// follow a member when its address changes. Each transport owns its Resolver and passes it with grpc.WithResolvers.
type Resolver struct {
	mu       sync.RWMutex
	records  map[raft.NodeID]string
	watchers map[raft.NodeID]map[*idResolver]struct{}
}

var _ resolver.Builder = (*Resolver)(nil)

func NewResolver() *Resolver {
	return &Resolver{
		records:  make(map[raft.NodeID]string),
		watchers: make(map[raft.NodeID]map[*idResolver]struct{}),
	}
}

// Target returns the dial target of a node.
func Target(id raft.NodeID) string {
	return fmt.Sprintf("%s:///%s", resolverScheme, id)
}

// Register sets or updates the address of id and notifies active connections.
func (r *Resolver) Register(id raft.NodeID, addr string) {
	r.mu.Lock()
	r.records[id] = addr
	watchers := make([]*idResolver, 0, len(r.watchers[id]))
	for w := range r.watchers[id] {
		watchers = append(watchers, w)
	}
	r.mu.Unlock()

	// Notify after unlocking to avoid re-entrancy
	for _, w := range watchers {
		w.pushCurrent()
	}
}

func (r *Resolver) Unregister(id raft.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, id)
}

func (r *Resolver) lookup(id raft.NodeID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.records[id]
	return addr, ok
}

func (r *Resolver) Scheme() string { return resolverScheme }

func (r *Resolver) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	id := raft.NodeID(strings.TrimPrefix(target.Endpoint(), "/"))
	if id == "" {
		return nil, fmt.Errorf("raft resolver: empty target endpoint: %+v", target)
	}

	w := &idResolver{id: id, cc: cc, parent: r}
	r.mu.Lock()
	set := r.watchers[id]
	if set == nil {
		set = make(map[*idResolver]struct{})
		r.watchers[id] = set
	}
	set[w] = struct{}{}
	r.mu.Unlock()

	w.pushCurrent()
	return w, nil
}

type idResolver struct {
	id     raft.NodeID
	cc     resolver.ClientConn
	parent *Resolver
}

func (w *idResolver) ResolveNow(resolver.ResolveNowOptions) { w.pushCurrent() }

func (w *idResolver) Close() {
	w.parent.mu.Lock()
	defer w.parent.mu.Unlock()
	if set, ok := w.parent.watchers[w.id]; ok {
		delete(set, w)
		if len(set) == 0 {
			delete(w.parent.watchers, w.id)
		}
	}
}

func (w *idResolver) pushCurrent() {
	addr, ok := w.parent.lookup(w.id)
	if !ok || addr == "" {
		// No address yet; gRPC keeps the call pending until one is pushed
		_ = w.cc.UpdateState(resolver.State{Addresses: nil})
		return
	}
	_ = w.cc.UpdateState(resolver.State{Addresses: []resolver.Address{{Addr: addr}}})
}
