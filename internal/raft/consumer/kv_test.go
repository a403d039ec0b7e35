package consumer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"partitionlog/internal/raft/proto"
	"partitionlog/internal/raft/snapshot"
)

func command(index uint64, cmd string) *proto.LogEntry {
	return &proto.LogEntry{Index: index, Term: 1, Type: proto.EntryCommand, Payload: []byte(cmd)}
}

func TestKV_Set(t *testing.T) {
	kv := NewKV(zaptest.NewLogger(t))

	kv.OnCommitted(command(1, "SET key1=value1"))
	kv.OnCommitted(command(2, "SET key2=val=ue"))
	kv.OnCommitted(command(3, "set key1=new_value"))

	value, ok := kv.Get("key1")
	assert.True(t, ok)
	assert.Equal(t, "new_value", value)

	value, ok = kv.Get("key2")
	assert.True(t, ok)
	assert.Equal(t, "val=ue", value)
}

func TestKV_Del(t *testing.T) {
	kv := NewKV(zaptest.NewLogger(t))
	kv.OnCommitted(command(1, "SET key1=value1"))
	kv.OnCommitted(command(2, "SET key2=value2"))

	kv.OnCommitted(command(3, "DEL key1"))
	kv.OnCommitted(command(4, "DEL nonexistent"))

	_, ok := kv.Get("key1")
	assert.False(t, ok)
	assert.Equal(t, 1, kv.Len())
}

func TestKV_IgnoresMalformedCommands(t *testing.T) {
	kv := NewKV(zaptest.NewLogger(t))

	for i, cmd := range []string{"", "UNKNOWN key=value", "SET", "SET invalid", "DEL"} {
		kv.OnCommitted(command(uint64(i+1), cmd))
	}
	assert.Zero(t, kv.Len())
}

func TestKV_SkipsRedeliveredEntries(t *testing.T) {
	kv := NewKV(zaptest.NewLogger(t))
	kv.OnCommitted(command(1, "SET key=first"))
	kv.OnCommitted(command(2, "SET key=second"))

	kv.OnCommitted(command(1, "SET key=first"))

	value, _ := kv.Get("key")
	assert.Equal(t, "second", value)
}

func TestKV_SnapshotRestore(t *testing.T) {
	source := NewKV(zaptest.NewLogger(t))
	source.OnCommitted(command(1, "SET a=1"))
	source.OnCommitted(command(2, "SET b=2"))
	source.OnCommitted(command(3, "DEL a"))

	data, applied, err := source.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), applied)

	store := snapshot.NewMemoryStore()
	snap, err := store.Create(applied, 1, data, 16)
	require.NoError(t, err)

	target := NewKV(zaptest.NewLogger(t))
	target.OnCommitted(command(1, "SET stale=yes"))
	target.OnSnapshotInstalled(snap)

	_, ok := target.Get("stale")
	assert.False(t, ok)
	value, ok := target.Get("b")
	assert.True(t, ok)
	assert.Equal(t, "2", value)

	// Entries covered by the snapshot are ignored
	target.OnCommitted(command(3, "SET b=old"))
	value, _ = target.Get("b")
	assert.Equal(t, "2", value)
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	assert.Zero(t, r.LastIndex())

	r.OnCommitted(command(1, "a"))
	r.OnCommitted(command(2, "b"))
	assert.Equal(t, uint64(2), r.LastIndex())
	assert.Len(t, r.Entries(), 2)

	store := snapshot.NewMemoryStore()
	snap, err := store.Create(10, 2, []byte("state"), 4)
	require.NoError(t, err)
	r.OnSnapshotInstalled(snap)

	assert.Equal(t, uint64(10), r.LastIndex())
	require.Len(t, r.Snapshots(), 1)
	assert.Equal(t, uint64(10), r.Snapshots()[0].Index)
}
