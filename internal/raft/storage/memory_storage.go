package storage

import (
	"fmt"
	"sync"

	"partitionlog/internal/raft"
	"partitionlog/internal/raft/proto"
)

// MemoryStorage is a LogStore and StableStore kept in memory. It is used by tests and simulated clusters.
// The exported error fields inject failures into the matching operations.
type MemoryStorage struct {
	mu       sync.RWMutex
	entries  []*proto.LogEntry
	term     uint64
	votedFor raft.NodeID

	AppendError       error
	TruncateError     error
	CompactError      error
	SaveTermVoteError error
}

var (
	_ LogStore    = (*MemoryStorage)(nil)
	_ StableStore = (*MemoryStorage)(nil)
)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

// SetAppendError makes every following Append fail with err (nil clears it).
func (m *MemoryStorage) SetAppendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendError = err
}

// SetSaveTermVoteError makes every following SaveTermAndVote fail with err (nil clears it).
func (m *MemoryStorage) SetSaveTermVoteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveTermVoteError = err
}

func (m *MemoryStorage) Append(entries []*proto.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendError != nil {
		return m.AppendError
	}
	if len(entries) == 0 {
		return nil
	}
	if err := checkContiguous(m.lastIndex(), entries); err != nil {
		return fmt.Errorf("append at index %d after %d: %w", entries[0].Index, m.lastIndex(), err)
	}
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *MemoryStorage) Entry(index uint64) (*proto.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pos, err := m.position(index)
	if err != nil {
		return nil, err
	}
	return m.entries[pos], nil
}

func (m *MemoryStorage) Entries(from, to uint64) ([]*proto.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if to < from {
		return nil, nil
	}
	start, err := m.position(from)
	if err != nil {
		return nil, err
	}
	end, err := m.position(to)
	if err != nil {
		return nil, err
	}

	out := make([]*proto.LogEntry, end-start+1)
	copy(out, m.entries[start:end+1])
	return out, nil
}

func (m *MemoryStorage) FirstIndex() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.entries) == 0 {
		return 0, nil
	}
	return m.entries[0].Index, nil
}

func (m *MemoryStorage) LastIndex() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastIndex(), nil
}

func (m *MemoryStorage) TruncateFrom(index uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.TruncateError != nil {
		return m.TruncateError
	}
	if len(m.entries) == 0 || index > m.lastIndex() {
		return nil
	}
	if index <= m.entries[0].Index {
		m.entries = nil
		return nil
	}
	m.entries = m.entries[:index-m.entries[0].Index]
	return nil
}

func (m *MemoryStorage) CompactTo(index uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.CompactError != nil {
		return m.CompactError
	}
	if len(m.entries) == 0 || index < m.entries[0].Index {
		return nil
	}
	if index >= m.lastIndex() {
		m.entries = nil
		return nil
	}
	// Copy so the compacted prefix can be garbage collected
	remaining := m.entries[index-m.entries[0].Index+1:]
	m.entries = append([]*proto.LogEntry(nil), remaining...)
	return nil
}

func (m *MemoryStorage) LoadTermAndVote() (uint64, raft.NodeID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.term, m.votedFor, nil
}

func (m *MemoryStorage) SaveTermAndVote(term uint64, votedFor raft.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveTermVoteError != nil {
		return m.SaveTermVoteError
	}
	m.term = term
	m.votedFor = votedFor
	return nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

func (m *MemoryStorage) lastIndex() uint64 {
	if len(m.entries) == 0 {
		return 0
	}
	return m.entries[len(m.entries)-1].Index
}

func (m *MemoryStorage) position(index uint64) (int, error) {
	if len(m.entries) == 0 || index > m.lastIndex() {
		return 0, fmt.Errorf("index %d: %w", index, ErrNotFound)
	}
	if index < m.entries[0].Index {
		return 0, fmt.Errorf("index %d: %w", index, ErrCompacted)
	}
	return int(index - m.entries[0].Index), nil
}
