package snapshot

import (
	"fmt"
	"sync"
)

// MemoryStore keeps snapshots in memory.
type MemoryStore struct {
	mu        sync.RWMutex
	latest    *memorySnapshot
	listeners listenerSet
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

type memorySnapshot struct {
	meta   Metadata
	chunks [][]byte
}

func (s *memorySnapshot) Metadata() Metadata { return s.meta }

func (s *memorySnapshot) Chunk(i uint32) ([]byte, error) {
	if int(i) >= len(s.chunks) {
		return nil, fmt.Errorf("chunk %d of %s: %w", i, s.meta, ErrNotFound)
	}
	return s.chunks[i], nil
}

func (m *MemoryStore) Latest() (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.latest == nil {
		return nil, ErrNotFound
	}
	return m.latest, nil
}

func (m *MemoryStore) Create(index, term uint64, data []byte, chunkSize int) (Snapshot, error) {
	var chunks [][]byte
	for _, chunk := range Split(data, chunkSize) {
		chunks = append(chunks, append([]byte(nil), chunk...))
	}
	snap := &memorySnapshot{
		meta: Metadata{
			Index:       index,
			Term:        term,
			TotalChunks: uint32(len(chunks)),
			Checksum:    Checksum(data),
		},
		chunks: chunks,
	}
	if err := m.install(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (m *MemoryStore) BeginReceive(index, term uint64, totalChunks uint32) (Receiver, error) {
	a, err := newAssembly(index, term, totalChunks)
	if err != nil {
		return nil, err
	}
	return &memoryReceiver{store: m, assembly: a}, nil
}

func (m *MemoryStore) AddListener(l Listener) (remove func()) { return m.listeners.add(l) }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) install(snap *memorySnapshot) error {
	m.mu.Lock()
	if !isNewer(snapshotOrNil(m.latest), snap.meta.Index, snap.meta.Term) {
		m.mu.Unlock()
		return fmt.Errorf("%s: %w", snap.meta, ErrStale)
	}
	m.latest = snap
	m.mu.Unlock()

	m.listeners.notify(snap)
	return nil
}

// snapshotOrNil avoids handing a typed nil pointer to an interface parameter.
func snapshotOrNil(s *memorySnapshot) Snapshot {
	if s == nil {
		return nil
	}
	return s
}

type memoryReceiver struct {
	store *MemoryStore
	*assembly
	chunks [][]byte
}

func (r *memoryReceiver) Index() uint64       { return r.index }
func (r *memoryReceiver) Term() uint64        { return r.term }
func (r *memoryReceiver) TotalChunks() uint32 { return r.total }
func (r *memoryReceiver) Next() uint32        { return r.next() }

func (r *memoryReceiver) Write(chunkIndex uint32, data []byte) error {
	isNew, err := r.accept(chunkIndex, data)
	if err != nil || !isNew {
		return err
	}
	r.chunks = append(r.chunks, append([]byte(nil), data...))
	r.record(data)
	return nil
}

func (r *memoryReceiver) Commit() (Snapshot, error) {
	meta, err := r.metadata()
	if err != nil {
		return nil, err
	}
	r.closed = true

	snap := &memorySnapshot{meta: meta, chunks: r.chunks}
	if err := r.store.install(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

func (r *memoryReceiver) Abort() error {
	r.closed = true
	r.chunks = nil
	return nil
}
