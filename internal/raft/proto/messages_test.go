package proto

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestAppendRequest_RoundTrip(t *testing.T) {
	req := &AppendRequest{
		Term:         7,
		LeaderID:     "node-1",
		PrevLogIndex: 41,
		PrevLogTerm:  6,
		Entries: []*LogEntry{
			{Index: 42, Term: 7, Type: EntryNoOp},
			{Index: 43, Term: 7, Type: EntryCommand, Payload: []byte("create-instance")},
		},
		LeaderCommit: 40,
	}

	b, err := req.Marshal()
	require.NoError(t, err)

	got := &AppendRequest{}
	require.NoError(t, got.Unmarshal(b))

	if diff := cmp.Diff(req, got); diff != "" {
		t.Fatalf("unexpected append request (-want +got):\n%s", diff)
	}
}

func TestInstallRequest_RoundTrip(t *testing.T) {
	req := &InstallRequest{
		Term:          3,
		LeaderID:      "node-2",
		SnapshotIndex: 120,
		SnapshotTerm:  2,
		ChunkIndex:    4,
		TotalChunks:   10,
		Data:          []byte{0x00, 0x01, 0xff},
		Checksum:      0xdeadbeefcafebabe,
		Last:          false,
	}

	got, err := Clone(req)
	require.NoError(t, err)
	assert.Equal(t, req, got)

	// The decoded data must not alias the encoded buffer.
	b, err := req.Marshal()
	require.NoError(t, err)
	decoded := &InstallRequest{}
	require.NoError(t, decoded.Unmarshal(b))
	for i := range b {
		b[i] = 0
	}
	assert.Equal(t, []byte{0x00, 0x01, 0xff}, decoded.Data)
}

func TestInstallResponse_RoundTrip(t *testing.T) {
	resp := &InstallResponse{Term: 9, Status: InstallError, Error: InstallErrorChecksum, Message: "bad chunk"}

	got, err := Clone(resp)
	require.NoError(t, err)
	assert.Equal(t, resp, got)
	assert.Equal(t, "ERROR", got.Status.String())
	assert.Equal(t, "CHECKSUM_MISMATCH", got.Error.String())
}

func TestZeroValuesEncodeToNothing(t *testing.T) {
	b, err := (&VoteResponse{}).Marshal()
	require.NoError(t, err)
	assert.Empty(t, b)

	b, err = (&AppendResponse{}).Marshal()
	require.NoError(t, err)
	assert.Empty(t, b)
}

func TestUnmarshal_SkipsUnknownFields(t *testing.T) {
	b, err := (&VoteRequest{Term: 5, CandidateID: "node-3", LastLogIndex: 10, LastLogTerm: 4, PreVote: true}).Marshal()
	require.NoError(t, err)

	// A field from a newer schema version.
	b = protowire.AppendTag(b, 99, protowire.BytesType)
	b = protowire.AppendString(b, "future")

	got := &VoteRequest{}
	require.NoError(t, got.Unmarshal(b))
	assert.Equal(t, &VoteRequest{Term: 5, CandidateID: "node-3", LastLogIndex: 10, LastLogTerm: 4, PreVote: true}, got)
}

func TestUnmarshal_SkipsFieldsWithWrongWireType(t *testing.T) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, "seven")
	b = protowire.AppendTag(b, 8, protowire.VarintType)
	b = protowire.AppendVarint(b, 123)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, "node-1")

	got := &InstallRequest{}
	require.NoError(t, got.Unmarshal(b))
	assert.Equal(t, &InstallRequest{LeaderID: "node-1"}, got)

	// The field still decodes when it later arrives with its declared type
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, 7)
	require.NoError(t, got.Unmarshal(b))
	assert.Equal(t, &InstallRequest{Term: 7, LeaderID: "node-1"}, got)
}

func TestUnmarshal_TruncatedInput(t *testing.T) {
	b, err := (&LogEntry{Index: 1, Term: 1, Payload: []byte("payload")}).Marshal()
	require.NoError(t, err)

	err = (&LogEntry{}).Unmarshal(b[:len(b)-3])
	assert.Error(t, err)
}

func TestAppendRequest_RejectsNilEntry(t *testing.T) {
	_, err := (&AppendRequest{Entries: []*LogEntry{nil}}).Marshal()
	assert.Error(t, err)
}

func TestCodec(t *testing.T) {
	c := Codec{}
	assert.Equal(t, CodecName, c.Name())

	b, err := c.Marshal(&VoteResponse{Term: 2, VoteGranted: true})
	require.NoError(t, err)

	out := &VoteResponse{}
	require.NoError(t, c.Unmarshal(b, out))
	assert.Equal(t, &VoteResponse{Term: 2, VoteGranted: true}, out)

	_, err = c.Marshal("not a message")
	assert.Error(t, err)
	assert.Error(t, c.Unmarshal(b, new(int)))
}
