// Package snapshot stores point-in-time snapshots of replicated state. A snapshot is split into fixed size chunks
// so it can be streamed to followers one request at a time and reassembled on the other side.
package snapshot

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrNotFound is returned when the store holds no snapshot yet.
	ErrNotFound = errors.New("snapshot not found")
	// ErrStale is returned when creating or committing a snapshot that is not newer than the latest one.
	ErrStale = errors.New("snapshot is not newer than the latest snapshot")
	// ErrChunkOutOfOrder is returned when a chunk does not continue the snapshot being received.
	ErrChunkOutOfOrder = errors.New("snapshot chunk out of order")
	// ErrChunkMismatch is returned when a chunk that was already received is delivered again with different data.
	ErrChunkMismatch = errors.New("snapshot chunk does not match the received chunk")
	// ErrIncomplete is returned when committing a receiver that is still missing chunks.
	ErrIncomplete = errors.New("snapshot is missing chunks")
	// ErrReceiverClosed is returned by a receiver that was already committed or aborted.
	ErrReceiverClosed = errors.New("snapshot receiver is closed")
)

// Metadata identifies a snapshot. Index and Term are those of the last log entry the snapshot covers.
type Metadata struct {
	Index       uint64 `toml:"index"`
	Term        uint64 `toml:"term"`
	TotalChunks uint32 `toml:"total_chunks"`
	// Checksum is the xxhash64 of the concatenated chunk data.
	Checksum uint64 `toml:"checksum"`
}

func (m Metadata) String() string {
	return fmt.Sprintf("snapshot{index=%d term=%d chunks=%d}", m.Index, m.Term, m.TotalChunks)
}

// Snapshot is an immutable, committed snapshot.
type Snapshot interface {
	Metadata() Metadata
	// Chunk returns the data of chunk i, 0 <= i < TotalChunks.
	Chunk(i uint32) ([]byte, error)
}

// Listener is notified after a snapshot has been durably committed to a Store.
type Listener interface {
	OnNewSnapshot(s Snapshot)
}

// ListenerFunc adapts a plain function to a Listener.
type ListenerFunc func(s Snapshot)

func (f ListenerFunc) OnNewSnapshot(s Snapshot) { f(s) }

// Store persists snapshots. Only the latest committed snapshot is retained.
type Store interface {
	// Latest returns the newest committed snapshot or ErrNotFound.
	Latest() (Snapshot, error)
	// Create splits data into chunks of chunkSize bytes and commits it as the snapshot at (index, term).
	Create(index, term uint64, data []byte, chunkSize int) (Snapshot, error)
	// BeginReceive starts assembling a snapshot that arrives chunk by chunk.
	BeginReceive(index, term uint64, totalChunks uint32) (Receiver, error)
	// AddListener registers l and returns a function that unregisters it.
	AddListener(l Listener) (remove func())
	Close() error
}

// Receiver assembles an incoming snapshot. Chunks must be written strictly in order. Writing a chunk that was
// already written is a no-op when its data is unchanged, so redelivered chunks are harmless.
type Receiver interface {
	Index() uint64
	Term() uint64
	TotalChunks() uint32
	// Next is the index of the next chunk expected.
	Next() uint32
	Write(chunkIndex uint32, data []byte) error
	// Commit atomically turns the received chunks into the store's latest snapshot and notifies listeners.
	Commit() (Snapshot, error)
	// Abort discards the received chunks. It is safe to call more than once.
	Abort() error
}

// Checksum is the integrity check used for chunks and whole snapshots.
func Checksum(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// Split cuts data into chunks of at most chunkSize bytes. An empty snapshot still has one (empty) chunk.
func Split(data []byte, chunkSize int) [][]byte {
	if chunkSize <= 0 || len(data) <= chunkSize {
		return [][]byte{data}
	}
	chunks := make([][]byte, 0, (len(data)+chunkSize-1)/chunkSize)
	for start := 0; start < len(data); start += chunkSize {
		end := min(start+chunkSize, len(data))
		chunks = append(chunks, data[start:end])
	}
	return chunks
}

// ReadAll concatenates every chunk of s.
func ReadAll(s Snapshot) ([]byte, error) {
	var out []byte
	for i := uint32(0); i < s.Metadata().TotalChunks; i++ {
		chunk, err := s.Chunk(i)
		if err != nil {
			return nil, fmt.Errorf("read chunk %d of %s: %w", i, s.Metadata(), err)
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// assembly tracks the chunks a receiver accepted so far. It is shared by the store implementations.
type assembly struct {
	index, term uint64
	total       uint32
	checksums   []uint64
	digest      *xxhash.Digest
	closed      bool
}

func newAssembly(index, term uint64, total uint32) (*assembly, error) {
	if total == 0 {
		return nil, fmt.Errorf("snapshot at index %d: total chunks must be positive", index)
	}
	return &assembly{index: index, term: term, total: total, digest: xxhash.New()}, nil
}

func (a *assembly) next() uint32 {
	return uint32(len(a.checksums))
}

// accept reports whether chunkIndex is new data that must be stored. A matching duplicate returns false, nil.
func (a *assembly) accept(chunkIndex uint32, data []byte) (bool, error) {
	if a.closed {
		return false, ErrReceiverClosed
	}
	if chunkIndex < a.next() {
		if a.checksums[chunkIndex] != Checksum(data) {
			return false, fmt.Errorf("chunk %d: %w", chunkIndex, ErrChunkMismatch)
		}
		return false, nil
	}
	if chunkIndex != a.next() || chunkIndex >= a.total {
		return false, fmt.Errorf("got chunk %d, expected %d of %d: %w", chunkIndex, a.next(), a.total, ErrChunkOutOfOrder)
	}
	return true, nil
}

func (a *assembly) record(data []byte) {
	a.checksums = append(a.checksums, Checksum(data))
	_, _ = a.digest.Write(data)
}

func (a *assembly) metadata() (Metadata, error) {
	if a.closed {
		return Metadata{}, ErrReceiverClosed
	}
	if a.next() != a.total {
		return Metadata{}, fmt.Errorf("received %d of %d chunks: %w", a.next(), a.total, ErrIncomplete)
	}
	return Metadata{Index: a.index, Term: a.term, TotalChunks: a.total, Checksum: a.digest.Sum64()}, nil
}

// isNewer reports whether (index, term) supersedes latest.
func isNewer(latest Snapshot, index, term uint64) bool {
	if latest == nil {
		return true
	}
	meta := latest.Metadata()
	return index > meta.Index || (index == meta.Index && term > meta.Term)
}
