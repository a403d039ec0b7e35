// Package proto defines the messages exchanged between members of a replication group and their protobuf wire
// encoding. The schema mirrors raft.proto:
//
//	message LogEntry        { uint64 index = 1; uint64 term = 2; EntryType type = 3; bytes payload = 4; }
//	message VoteRequest     { uint64 term = 1; string candidate_id = 2; uint64 last_log_index = 3;
//	                          uint64 last_log_term = 4; bool pre_vote = 5; }
//	message VoteResponse    { uint64 term = 1; bool vote_granted = 2; }
//	message AppendRequest   { uint64 term = 1; string leader_id = 2; uint64 prev_log_index = 3;
//	                          uint64 prev_log_term = 4; repeated LogEntry entries = 5; uint64 leader_commit = 6; }
//	message AppendResponse  { uint64 term = 1; bool success = 2; uint64 match_index = 3; uint64 last_log_index = 4; }
//	message InstallRequest  { uint64 term = 1; string leader_id = 2; uint64 snapshot_index = 3;
//	                          uint64 snapshot_term = 4; uint32 chunk_index = 5; uint32 total_chunks = 6;
//	                          bytes data = 7; fixed64 checksum = 8; bool last = 9; }
//	message InstallResponse { uint64 term = 1; InstallStatus status = 2; InstallErrorType error = 3; string message = 4; }
package proto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Message is implemented by every type that travels over the wire.
type Message interface {
	Marshal() ([]byte, error)
	Unmarshal(b []byte) error
}

// EntryType distinguishes commands submitted by clients from entries the consensus core appends for itself.
type EntryType uint64

const (
	// EntryCommand carries an opaque payload for the consumer of committed entries.
	EntryCommand EntryType = iota
	// EntryNoOp is appended by a new leader at the start of its term, as per Section 8 of the
	// [Raft paper](https://raft.github.io/raft.pdf), so entries from previous terms can be committed.
	EntryNoOp
)

func (t EntryType) String() string {
	switch t {
	case EntryCommand:
		return "Command"
	case EntryNoOp:
		return "NoOp"
	default:
		return fmt.Sprintf("EntryType(%d)", uint64(t))
	}
}

// LogEntry is an immutable record of the replicated log. The (Index, Term) pair uniquely identifies a log position.
type LogEntry struct {
	Index   uint64
	Term    uint64
	Type    EntryType
	Payload []byte
}

func (m *LogEntry) appendTo(b []byte) []byte {
	e := encoder{buf: b}
	e.uint64(1, m.Index)
	e.uint64(2, m.Term)
	e.uint64(3, uint64(m.Type))
	e.bytes(4, m.Payload)
	return e.buf
}

func (m *LogEntry) Marshal() ([]byte, error) {
	return m.appendTo(nil), nil
}

var logEntryFields = wireTypes{
	1: protowire.VarintType,
	2: protowire.VarintType,
	3: protowire.VarintType,
	4: protowire.BytesType,
}

func (m *LogEntry) Unmarshal(b []byte) error {
	*m = LogEntry{}
	return decode(b, logEntryFields, func(f field) error {
		switch f.num {
		case 1:
			m.Index = f.u
		case 2:
			m.Term = f.u
		case 3:
			m.Type = EntryType(f.u)
		case 4:
			m.Payload = f.bytesCopy()
		}
		return nil
	})
}

// VoteRequest is sent by candidates to gather votes (RequestVote RPC, Figure 2). When PreVote is set the receiver
// answers whether it would grant the vote without changing any of its own state.
type VoteRequest struct {
	Term         uint64
	CandidateID  string
	LastLogIndex uint64
	LastLogTerm  uint64
	PreVote      bool
}

func (m *VoteRequest) Marshal() ([]byte, error) {
	e := encoder{}
	e.uint64(1, m.Term)
	e.string(2, m.CandidateID)
	e.uint64(3, m.LastLogIndex)
	e.uint64(4, m.LastLogTerm)
	e.bool(5, m.PreVote)
	return e.buf, nil
}

var voteRequestFields = wireTypes{
	1: protowire.VarintType,
	2: protowire.BytesType,
	3: protowire.VarintType,
	4: protowire.VarintType,
	5: protowire.VarintType,
}

func (m *VoteRequest) Unmarshal(b []byte) error {
	*m = VoteRequest{}
	return decode(b, voteRequestFields, func(f field) error {
		switch f.num {
		case 1:
			m.Term = f.u
		case 2:
			m.CandidateID = string(f.b)
		case 3:
			m.LastLogIndex = f.u
		case 4:
			m.LastLogTerm = f.u
		case 5:
			m.PreVote = f.bool()
		}
		return nil
	})
}

type VoteResponse struct {
	Term        uint64
	VoteGranted bool
}

func (m *VoteResponse) Marshal() ([]byte, error) {
	e := encoder{}
	e.uint64(1, m.Term)
	e.bool(2, m.VoteGranted)
	return e.buf, nil
}

var voteResponseFields = wireTypes{
	1: protowire.VarintType,
	2: protowire.VarintType,
}

func (m *VoteResponse) Unmarshal(b []byte) error {
	*m = VoteResponse{}
	return decode(b, voteResponseFields, func(f field) error {
		switch f.num {
		case 1:
			m.Term = f.u
		case 2:
			m.VoteGranted = f.bool()
		}
		return nil
	})
}

// AppendRequest replicates log entries and doubles as the leader's heartbeat when Entries is empty.
type AppendRequest struct {
	Term         uint64
	LeaderID     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []*LogEntry
	LeaderCommit uint64
}

func (m *AppendRequest) Marshal() ([]byte, error) {
	e := encoder{}
	e.uint64(1, m.Term)
	e.string(2, m.LeaderID)
	e.uint64(3, m.PrevLogIndex)
	e.uint64(4, m.PrevLogTerm)
	for _, entry := range m.Entries {
		if entry == nil {
			return nil, fmt.Errorf("append request carries a nil entry")
		}
		e.embedded(5, entry.appendTo(nil))
	}
	e.uint64(6, m.LeaderCommit)
	return e.buf, nil
}

var appendRequestFields = wireTypes{
	1: protowire.VarintType,
	2: protowire.BytesType,
	3: protowire.VarintType,
	4: protowire.VarintType,
	5: protowire.BytesType,
	6: protowire.VarintType,
}

func (m *AppendRequest) Unmarshal(b []byte) error {
	*m = AppendRequest{}
	return decode(b, appendRequestFields, func(f field) error {
		switch f.num {
		case 1:
			m.Term = f.u
		case 2:
			m.LeaderID = string(f.b)
		case 3:
			m.PrevLogIndex = f.u
		case 4:
			m.PrevLogTerm = f.u
		case 5:
			entry := &LogEntry{}
			if err := entry.Unmarshal(f.b); err != nil {
				return fmt.Errorf("failed to decode entry: %w", err)
			}
			m.Entries = append(m.Entries, entry)
		case 6:
			m.LeaderCommit = f.u
		}
		return nil
	})
}

// AppendResponse acknowledges an AppendRequest. On failure LastLogIndex tells the leader how far the follower's log
// reaches so it can skip ahead while searching for the last matching index.
type AppendResponse struct {
	Term         uint64
	Success      bool
	MatchIndex   uint64
	LastLogIndex uint64
}

func (m *AppendResponse) Marshal() ([]byte, error) {
	e := encoder{}
	e.uint64(1, m.Term)
	e.bool(2, m.Success)
	e.uint64(3, m.MatchIndex)
	e.uint64(4, m.LastLogIndex)
	return e.buf, nil
}

var appendResponseFields = wireTypes{
	1: protowire.VarintType,
	2: protowire.VarintType,
	3: protowire.VarintType,
	4: protowire.VarintType,
}

func (m *AppendResponse) Unmarshal(b []byte) error {
	*m = AppendResponse{}
	return decode(b, appendResponseFields, func(f field) error {
		switch f.num {
		case 1:
			m.Term = f.u
		case 2:
			m.Success = f.bool()
		case 3:
			m.MatchIndex = f.u
		case 4:
			m.LastLogIndex = f.u
		}
		return nil
	})
}

// InstallRequest carries one chunk of a snapshot. Chunks are sent strictly in order, one request at a time.
type InstallRequest struct {
	Term          uint64
	LeaderID      string
	SnapshotIndex uint64
	SnapshotTerm  uint64
	ChunkIndex    uint32
	TotalChunks   uint32
	Data          []byte
	// Checksum is the xxhash64 of Data.
	Checksum uint64
	Last     bool
}

func (m *InstallRequest) Marshal() ([]byte, error) {
	e := encoder{}
	e.uint64(1, m.Term)
	e.string(2, m.LeaderID)
	e.uint64(3, m.SnapshotIndex)
	e.uint64(4, m.SnapshotTerm)
	e.uint64(5, uint64(m.ChunkIndex))
	e.uint64(6, uint64(m.TotalChunks))
	e.bytes(7, m.Data)
	e.fixed64(8, m.Checksum)
	e.bool(9, m.Last)
	return e.buf, nil
}

var installRequestFields = wireTypes{
	1: protowire.VarintType,
	2: protowire.BytesType,
	3: protowire.VarintType,
	4: protowire.VarintType,
	5: protowire.VarintType,
	6: protowire.VarintType,
	7: protowire.BytesType,
	8: protowire.Fixed64Type,
	9: protowire.VarintType,
}

func (m *InstallRequest) Unmarshal(b []byte) error {
	*m = InstallRequest{}
	return decode(b, installRequestFields, func(f field) error {
		switch f.num {
		case 1:
			m.Term = f.u
		case 2:
			m.LeaderID = string(f.b)
		case 3:
			m.SnapshotIndex = f.u
		case 4:
			m.SnapshotTerm = f.u
		case 5:
			m.ChunkIndex = uint32(f.u)
		case 6:
			m.TotalChunks = uint32(f.u)
		case 7:
			m.Data = f.bytesCopy()
		case 8:
			m.Checksum = f.u
		case 9:
			m.Last = f.bool()
		}
		return nil
	})
}

// InstallStatus is the outcome reported by a follower for a single chunk.
type InstallStatus uint64

const (
	InstallUnknown InstallStatus = iota
	InstallOK
	InstallError
)

func (s InstallStatus) String() string {
	switch s {
	case InstallOK:
		return "OK"
	case InstallError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// InstallErrorType explains an InstallError status.
type InstallErrorType uint64

const (
	InstallErrorNone InstallErrorType = iota
	// InstallErrorProtocol is a generic protocol violation.
	InstallErrorProtocol
	// InstallErrorStaleTerm is returned for chunks sent by a leader of an older term.
	InstallErrorStaleTerm
	// InstallErrorChecksum is returned when the chunk data does not match its checksum.
	InstallErrorChecksum
	// InstallErrorOutOfOrder is returned when a chunk does not continue the snapshot being assembled.
	InstallErrorOutOfOrder
	// InstallErrorUnavailable is returned when the follower cannot store the snapshot.
	InstallErrorUnavailable
)

func (t InstallErrorType) String() string {
	switch t {
	case InstallErrorNone:
		return "NONE"
	case InstallErrorProtocol:
		return "PROTOCOL_ERROR"
	case InstallErrorStaleTerm:
		return "STALE_TERM"
	case InstallErrorChecksum:
		return "CHECKSUM_MISMATCH"
	case InstallErrorOutOfOrder:
		return "OUT_OF_ORDER"
	case InstallErrorUnavailable:
		return "UNAVAILABLE"
	default:
		return fmt.Sprintf("InstallErrorType(%d)", uint64(t))
	}
}

type InstallResponse struct {
	Term    uint64
	Status  InstallStatus
	Error   InstallErrorType
	Message string
}

func (m *InstallResponse) Marshal() ([]byte, error) {
	e := encoder{}
	e.uint64(1, m.Term)
	e.uint64(2, uint64(m.Status))
	e.uint64(3, uint64(m.Error))
	e.string(4, m.Message)
	return e.buf, nil
}

var installResponseFields = wireTypes{
	1: protowire.VarintType,
	2: protowire.VarintType,
	3: protowire.VarintType,
	4: protowire.BytesType,
}

func (m *InstallResponse) Unmarshal(b []byte) error {
	*m = InstallResponse{}
	return decode(b, installResponseFields, func(f field) error {
		switch f.num {
		case 1:
			m.Term = f.u
		case 2:
			m.Status = InstallStatus(f.u)
		case 3:
			m.Error = InstallErrorType(f.u)
		case 4:
			m.Message = string(f.b)
		}
		return nil
	})
}

// Clone deep-copies a message by round-tripping it through the wire format.
func Clone[T any, PT interface {
	*T
	Message
}](m PT) (PT, error) {
	b, err := m.Marshal()
	if err != nil {
		return nil, err
	}
	out := PT(new(T))
	if err := out.Unmarshal(b); err != nil {
		return nil, err
	}
	return out, nil
}
