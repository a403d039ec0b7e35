package server

import (
	"fmt"

	"partitionlog/internal/raft/proto"
	"partitionlog/internal/raft/storage"
)

// raftLog is the log as seen by the consensus core: the entries of the LogStore on top of the latest snapshot.
// Entries up to snapshotIndex are only known through the snapshot; their terms are gone except for the last one.
type raftLog struct {
	store         storage.LogStore
	snapshotIndex uint64
	snapshotTerm  uint64
}

// firstIndex is the oldest index whose entry is still retained.
func (l *raftLog) firstIndex() (uint64, error) {
	first, err := l.store.FirstIndex()
	if err != nil {
		return 0, err
	}
	if first == 0 {
		return l.snapshotIndex + 1, nil
	}
	return max(first, l.snapshotIndex+1), nil
}

func (l *raftLog) lastIndex() (uint64, error) {
	last, err := l.store.LastIndex()
	if err != nil {
		return 0, err
	}
	return max(last, l.snapshotIndex), nil
}

// term returns the term of the entry at index. Index 0 precedes the log and has term 0.
func (l *raftLog) term(index uint64) (uint64, error) {
	switch {
	case index == 0:
		return 0, nil
	case index == l.snapshotIndex:
		return l.snapshotTerm, nil
	case index < l.snapshotIndex:
		return 0, fmt.Errorf("term of index %d: %w", index, storage.ErrCompacted)
	}
	entry, err := l.store.Entry(index)
	if err != nil {
		return 0, err
	}
	return entry.Term, nil
}

func (l *raftLog) lastIndexAndTerm() (uint64, uint64, error) {
	last, err := l.lastIndex()
	if err != nil {
		return 0, 0, err
	}
	term, err := l.term(last)
	if err != nil {
		return 0, 0, err
	}
	return last, term, nil
}

// matches reports whether the log holds an entry at index with the given term (Log Matching Property, Section 5.3).
func (l *raftLog) matches(index, term uint64) (bool, error) {
	last, err := l.lastIndex()
	if err != nil {
		return false, err
	}
	if index > last {
		return false, nil
	}
	if index < l.snapshotIndex {
		// Everything covered by the snapshot is committed and therefore matches any leader's log
		return true, nil
	}
	t, err := l.term(index)
	if err != nil {
		return false, err
	}
	return t == term, nil
}

func (l *raftLog) entries(from, to uint64) ([]*proto.LogEntry, error) {
	if from <= l.snapshotIndex {
		return nil, fmt.Errorf("entries from %d: %w", from, storage.ErrCompacted)
	}
	return l.store.Entries(from, to)
}

func (l *raftLog) append(entries ...*proto.LogEntry) error {
	return l.store.Append(entries)
}

func (l *raftLog) truncateFrom(index uint64) error {
	return l.store.TruncateFrom(index)
}

// compactTo makes the snapshot at (index, term) the new base and drops the entries it covers, keeping later ones.
func (l *raftLog) compactTo(index, term uint64) error {
	if err := l.store.CompactTo(index); err != nil {
		return err
	}
	l.snapshotIndex, l.snapshotTerm = index, term
	return nil
}

// resetTo discards the whole log and restarts it after the snapshot at (index, term).
func (l *raftLog) resetTo(index, term uint64) error {
	if err := l.store.TruncateFrom(0); err != nil {
		return err
	}
	l.snapshotIndex, l.snapshotTerm = index, term
	return nil
}

// installSnapshot rebases the log on a snapshot. When the log already holds the snapshot's last entry, the entries
// after it are kept (Section 7: "If the follower has an existing log entry with the same index and term as the
// snapshot's last included entry, retain log entries following it"). A log compacted exactly up to the snapshot, as
// found after a restart, is kept as well. Otherwise the log is discarded.
func (l *raftLog) installSnapshot(index, term uint64) error {
	if index <= l.snapshotIndex {
		return nil
	}
	first, err := l.store.FirstIndex()
	if err != nil {
		return err
	}
	last, err := l.store.LastIndex()
	if err != nil {
		return err
	}

	switch {
	case first == index+1:
		l.snapshotIndex, l.snapshotTerm = index, term
		return nil
	case first != 0 && first <= index && index <= last:
		entry, err := l.store.Entry(index)
		if err != nil {
			return err
		}
		if entry.Term == term {
			return l.compactTo(index, term)
		}
	}
	return l.resetTo(index, term)
}
