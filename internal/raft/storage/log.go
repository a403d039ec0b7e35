// Package storage provides the durable, append-only log and the stable store for the term and vote of a node.
package storage

import (
	"errors"

	"partitionlog/internal/raft"
	"partitionlog/internal/raft/proto"
)

var (
	// ErrNotFound is returned when an index lies beyond the end of the log.
	ErrNotFound = errors.New("log entry not found")
	// ErrCompacted is returned when an index lies before the first retained entry.
	ErrCompacted = errors.New("log entry compacted")
	// ErrNonContiguous is returned when appended entries would leave a gap in the log.
	ErrNonContiguous = errors.New("log entries are not contiguous")
)

// LogStore is a durable, append-only, indexed sequence of log entries. Entries are never mutated once appended:
// they are only truncated (conflict resolution, Section 5.3 of the [Raft paper](https://raft.github.io/raft.pdf))
// or compacted away once covered by a snapshot (Section 7).
//
// Implementations must have persisted the entries by the time Append returns.
type LogStore interface {
	// Append appends entries to the end of the log. The first entry must directly follow the last stored entry,
	// unless the log is empty.
	Append(entries []*proto.LogEntry) error

	// Entry returns the entry at index.
	Entry(index uint64) (*proto.LogEntry, error)

	// Entries returns the entries from `from` (inclusive) to `to` (inclusive).
	Entries(from, to uint64) ([]*proto.LogEntry, error)

	// FirstIndex returns the index of the oldest retained entry (0 if the log is empty).
	FirstIndex() (uint64, error)

	// LastIndex returns the index of the last entry (0 if the log is empty).
	LastIndex() (uint64, error)

	// TruncateFrom removes every entry with an index greater than or equal to index.
	TruncateFrom(index uint64) error

	// CompactTo removes every entry with an index lower than or equal to index.
	CompactTo(index uint64) error

	Close() error
}

// StableStore persists the term and vote of a node. Section 5.2: "Updated on stable storage before responding to
// RPCs". Both values are saved atomically, so a crash can never observe a new term with an old vote.
type StableStore interface {
	LoadTermAndVote() (term uint64, votedFor raft.NodeID, err error)
	SaveTermAndVote(term uint64, votedFor raft.NodeID) error
	Close() error
}

// checkContiguous validates that entries follow lastIndex and each other without gaps.
func checkContiguous(lastIndex uint64, entries []*proto.LogEntry) error {
	for i, entry := range entries {
		if entry == nil {
			return errors.New("nil log entry")
		}
		if i == 0 {
			if lastIndex != 0 && entry.Index != lastIndex+1 {
				return ErrNonContiguous
			}
			continue
		}
		if entry.Index != entries[i-1].Index+1 {
			return ErrNonContiguous
		}
	}
	return nil
}
