package transport

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/resolver"
	"google.golang.org/grpc/serviceconfig"

	"partitionlog/internal/raft"
)

func targetFor(id raft.NodeID) resolver.Target {
	return resolver.Target{URL: url.URL{Scheme: resolverScheme, Path: "/" + string(id)}}
}

func TestResolver_Scheme(t *testing.T) {
	assert.Equal(t, "raft", NewResolver().Scheme())
	assert.Equal(t, "raft:///node-1", Target("node-1"))
}

func TestResolver_Build(t *testing.T) {
	r := NewResolver()

	t.Run("builds resolver with endpoint in target", func(t *testing.T) {
		cc := &mockClientConn{}
		res, err := r.Build(targetFor("node-1"), cc, resolver.BuildOptions{})
		require.NoError(t, err)
		res.Close()
	})

	t.Run("returns error for empty endpoint", func(t *testing.T) {
		cc := &mockClientConn{}
		_, err := r.Build(resolver.Target{URL: url.URL{Scheme: resolverScheme}}, cc, resolver.BuildOptions{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "empty target endpoint")
	})
}

func TestResolver_PushCurrent(t *testing.T) {
	r := NewResolver()

	t.Run("pushes address when available", func(t *testing.T) {
		r.Register("node-1", "localhost:8001")

		cc := &mockClientConn{}
		res, err := r.Build(targetFor("node-1"), cc, resolver.BuildOptions{})
		require.NoError(t, err)
		defer res.Close()

		require.NotEmpty(t, cc.states)
		last := cc.states[len(cc.states)-1]
		require.Len(t, last.Addresses, 1)
		assert.Equal(t, "localhost:8001", last.Addresses[0].Addr)
	})

	t.Run("pushes empty when address not available", func(t *testing.T) {
		cc := &mockClientConn{}
		res, err := r.Build(targetFor("node-2"), cc, resolver.BuildOptions{})
		require.NoError(t, err)
		defer res.Close()

		require.NotEmpty(t, cc.states)
		assert.Empty(t, cc.states[len(cc.states)-1].Addresses)
	})

	t.Run("ResolveNow pushes again", func(t *testing.T) {
		cc := &mockClientConn{}
		res, err := r.Build(targetFor("node-1"), cc, resolver.BuildOptions{})
		require.NoError(t, err)
		defer res.Close()

		res.ResolveNow(resolver.ResolveNowOptions{})
		assert.Len(t, cc.states, 2)
	})
}

func TestResolver_UpdateOnRegister(t *testing.T) {
	r := NewResolver()
	cc := &mockClientConn{}
	res, err := r.Build(targetFor("node-1"), cc, resolver.BuildOptions{})
	require.NoError(t, err)

	initial := len(cc.states)
	r.Register("node-1", "localhost:9001")
	assert.Greater(t, len(cc.states), initial)
	assert.Equal(t, "localhost:9001", cc.states[len(cc.states)-1].Addresses[0].Addr)

	// A closed resolver is no longer notified
	res.Close()
	closed := len(cc.states)
	r.Register("node-1", "localhost:9002")
	assert.Len(t, cc.states, closed)
	assert.Empty(t, r.watchers)
}

func TestResolver_InstancesAreIndependent(t *testing.T) {
	a, b := NewResolver(), NewResolver()
	a.Register("node-1", "localhost:1")

	_, ok := b.lookup("node-1")
	assert.False(t, ok)
}

// Mock client conn for testing
type mockClientConn struct {
	states []resolver.State
}

func (m *mockClientConn) UpdateState(s resolver.State) error {
	m.states = append(m.states, s)
	return nil
}

func (m *mockClientConn) ReportError(err error) {}

func (m *mockClientConn) NewAddress(addresses []resolver.Address) {}

func (m *mockClientConn) ParseServiceConfig(serviceConfigJSON string) *serviceconfig.ParseResult {
	return &serviceconfig.ParseResult{}
}
