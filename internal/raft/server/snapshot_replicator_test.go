package server

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"partitionlog/internal/raft/proto"
	"partitionlog/internal/raft/snapshot"
)

const testChunkSize = 8

// chunkFollower applies InstallRequests to a snapshot store the way a follower does: chunk 0 of a new transfer
// replaces any assembly in progress and a snapshot that is already installed is acknowledged.
type chunkFollower struct {
	store    *snapshot.MemoryStore
	receiver snapshot.Receiver
}

func (f *chunkFollower) handle(t *testing.T, req *proto.InstallRequest) *proto.InstallResponse {
	if latest, err := f.store.Latest(); err == nil && latest.Metadata().Index >= req.SnapshotIndex {
		return &proto.InstallResponse{Status: proto.InstallOK}
	}
	if req.ChunkIndex == 0 && (f.receiver == nil || f.receiver.Next() != 1) {
		if f.receiver != nil {
			require.NoError(t, f.receiver.Abort())
		}
		receiver, err := f.store.BeginReceive(req.SnapshotIndex, req.SnapshotTerm, req.TotalChunks)
		require.NoError(t, err)
		f.receiver = receiver
	}
	if f.receiver == nil {
		return &proto.InstallResponse{Status: proto.InstallError, Error: proto.InstallErrorOutOfOrder}
	}
	if err := f.receiver.Write(req.ChunkIndex, req.Data); err != nil {
		return &proto.InstallResponse{Status: proto.InstallError, Error: proto.InstallErrorOutOfOrder}
	}
	if req.Last {
		_, err := f.receiver.Commit()
		require.NoError(t, err)
		f.receiver = nil
	}
	return &proto.InstallResponse{Status: proto.InstallOK}
}

type fault int

const (
	noFault fault = iota
	// timeoutFault delivers the request but loses the response.
	timeoutFault
	// rejectFault delivers the request but turns the response into an ERROR.
	rejectFault
)

// runTransfer drives a replicator to completion against follower. faultAt maps a 1-based response number to the
// failure injected into it.
func runTransfer(t *testing.T, rep *snapshotReplicator, follower *chunkFollower, faultAt map[int]fault) {
	t.Helper()
	for response := 1; response <= 100; response++ {
		req, err := rep.nextRequest(1, "leader")
		require.NoError(t, err)
		require.True(t, bytes.Equal(req.Data, mustChunk(t, rep.snap, req.ChunkIndex)))
		resp := follower.handle(t, req)

		switch faultAt[response] {
		case timeoutFault:
			rep.onTimeout()
			continue
		case rejectFault:
			resp = &proto.InstallResponse{Status: proto.InstallError, Error: proto.InstallErrorProtocol}
		}
		if rep.onResponse(resp) == transferCompleted {
			return
		}
	}
	t.Fatal("transfer did not complete")
}

func mustChunk(t *testing.T, s snapshot.Snapshot, i uint32) []byte {
	data, err := s.Chunk(i)
	require.NoError(t, err)
	return data
}

// newTenChunkSnapshot creates a snapshot of ten chunks on a fresh leader store.
func newTenChunkSnapshot(t *testing.T) (snapshot.Snapshot, []byte) {
	data := make([]byte, 10*testChunkSize)
	for i := range data {
		data[i] = byte(i)
	}
	snap, err := snapshot.NewMemoryStore().Create(42, 3, data, testChunkSize)
	require.NoError(t, err)
	require.Equal(t, uint32(10), snap.Metadata().TotalChunks)
	return snap, data
}

func assertInstalled(t *testing.T, follower *chunkFollower, data []byte) {
	latest, err := follower.store.Latest()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), latest.Metadata().Index)
	got, err := snapshot.ReadAll(latest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestSnapshotReplicator_NoFailures(t *testing.T) {
	snap, data := newTenChunkSnapshot(t)
	rep := newSnapshotReplicator(snap, time.Now())
	follower := &chunkFollower{store: snapshot.NewMemoryStore()}

	runTransfer(t, rep, follower, nil)

	assert.Equal(t, 10, rep.requests)
	assert.Equal(t, 0, rep.rejections)
	assertInstalled(t, follower, data)
}

func TestSnapshotReplicator_TimeoutResumesSameChunk(t *testing.T) {
	snap, data := newTenChunkSnapshot(t)
	rep := newSnapshotReplicator(snap, time.Now())
	follower := &chunkFollower{store: snapshot.NewMemoryStore()}

	// The follower commits on the 10th request but the leader never hears about it
	runTransfer(t, rep, follower, map[int]fault{10: timeoutFault})

	assert.Equal(t, 11, rep.requests)
	assert.Equal(t, 0, rep.rejections)
	assertInstalled(t, follower, data)
}

func TestSnapshotReplicator_TimeoutMidTransfer(t *testing.T) {
	snap, data := newTenChunkSnapshot(t)
	rep := newSnapshotReplicator(snap, time.Now())
	follower := &chunkFollower{store: snapshot.NewMemoryStore()}

	runTransfer(t, rep, follower, map[int]fault{4: timeoutFault})

	assert.Equal(t, 11, rep.requests)
	assertInstalled(t, follower, data)
}

func TestSnapshotReplicator_RejectionRestartsFromFirstChunk(t *testing.T) {
	snap, data := newTenChunkSnapshot(t)
	rep := newSnapshotReplicator(snap, time.Now())
	follower := &chunkFollower{store: snapshot.NewMemoryStore()}

	runTransfer(t, rep, follower, map[int]fault{9: rejectFault})

	assert.Equal(t, 19, rep.requests)
	assert.Equal(t, 1, rep.rejections)
	assertInstalled(t, follower, data)
}

func TestSnapshotReplicator_OneRequestInFlight(t *testing.T) {
	snap, _ := newTenChunkSnapshot(t)
	rep := newSnapshotReplicator(snap, time.Now())

	first, err := rep.nextRequest(1, "leader")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), first.ChunkIndex)
	assert.False(t, first.Last)
	assert.Equal(t, snapshot.Checksum(first.Data), first.Checksum)

	_, err = rep.nextRequest(1, "leader")
	assert.ErrorIs(t, err, errRequestInFlight)

	rep.onTimeout()
	again, err := rep.nextRequest(1, "leader")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), again.ChunkIndex)
	assert.Equal(t, 2, rep.requests)
}

func TestSnapshotReplicator_LastFlag(t *testing.T) {
	snap, err := snapshot.NewMemoryStore().Create(1, 1, []byte("tiny"), testChunkSize)
	require.NoError(t, err)
	rep := newSnapshotReplicator(snap, time.Now())

	req, err := rep.nextRequest(2, "leader")
	require.NoError(t, err)
	assert.True(t, req.Last)
	assert.Equal(t, uint32(1), req.TotalChunks)
	assert.Equal(t, uint64(2), req.Term)
	assert.Equal(t, "leader", req.LeaderID)
	assert.Equal(t, transferCompleted, rep.onResponse(&proto.InstallResponse{Status: proto.InstallOK}))
}

func TestNextIndexAfterRejection(t *testing.T) {
	tests := []struct {
		name                                 string
		nextIndex, followerLast, matchIndex uint64
		want                                 uint64
	}{
		{name: "decrements by one", nextIndex: 10, followerLast: 20, want: 9},
		{name: "skips to follower's last index", nextIndex: 10, followerLast: 3, want: 4},
		{name: "never below one", nextIndex: 1, followerLast: 0, want: 1},
		{name: "never at or below match index", nextIndex: 6, followerLast: 2, matchIndex: 5, want: 6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, nextIndexAfterRejection(tt.nextIndex, tt.followerLast, tt.matchIndex))
		})
	}
}
