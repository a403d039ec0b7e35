package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"partitionlog/internal/raft/proto"
)

func entriesRange(from, to, term uint64) []*proto.LogEntry {
	var entries []*proto.LogEntry
	for i := from; i <= to; i++ {
		entries = append(entries, &proto.LogEntry{Index: i, Term: term, Payload: []byte{byte(i)}})
	}
	return entries
}

// runLogStoreSuite exercises the LogStore contract against any implementation.
func runLogStoreSuite(t *testing.T, newStore func(t *testing.T) LogStore) {
	t.Run("empty log", func(t *testing.T) {
		s := newStore(t)

		first, err := s.FirstIndex()
		require.NoError(t, err)
		last, err := s.LastIndex()
		require.NoError(t, err)
		assert.Zero(t, first)
		assert.Zero(t, last)

		_, err = s.Entry(1)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("append and read", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Append(entriesRange(1, 5, 1)))

		entry, err := s.Entry(3)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), entry.Index)
		assert.Equal(t, []byte{3}, entry.Payload)

		entries, err := s.Entries(2, 4)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, uint64(2), entries[0].Index)
		assert.Equal(t, uint64(4), entries[2].Index)

		_, err = s.Entries(4, 6)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("rejects gaps", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Append(entriesRange(1, 2, 1)))

		err := s.Append(entriesRange(4, 5, 1))
		assert.ErrorIs(t, err, ErrNonContiguous)

		err = s.Append([]*proto.LogEntry{{Index: 3, Term: 1}, {Index: 5, Term: 1}})
		assert.ErrorIs(t, err, ErrNonContiguous)

		last, err := s.LastIndex()
		require.NoError(t, err)
		assert.Equal(t, uint64(2), last)
	})

	t.Run("truncate removes conflicting suffix", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Append(entriesRange(1, 10, 1)))
		require.NoError(t, s.TruncateFrom(6))

		last, err := s.LastIndex()
		require.NoError(t, err)
		assert.Equal(t, uint64(5), last)

		// The suffix can be rewritten with a newer term
		require.NoError(t, s.Append(entriesRange(6, 7, 2)))
		entry, err := s.Entry(6)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), entry.Term)
	})

	t.Run("truncate everything", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Append(entriesRange(1, 3, 1)))
		require.NoError(t, s.TruncateFrom(0))

		last, err := s.LastIndex()
		require.NoError(t, err)
		assert.Zero(t, last)
	})

	t.Run("compact removes prefix", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Append(entriesRange(1, 10, 1)))
		require.NoError(t, s.CompactTo(4))

		first, err := s.FirstIndex()
		require.NoError(t, err)
		assert.Equal(t, uint64(5), first)

		_, err = s.Entry(3)
		assert.ErrorIs(t, err, ErrCompacted)
		_, err = s.Entries(3, 6)
		assert.ErrorIs(t, err, ErrCompacted)

		entries, err := s.Entries(5, 10)
		require.NoError(t, err)
		assert.Len(t, entries, 6)
	})

	t.Run("compact past the end empties the log and accepts a new base", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Append(entriesRange(1, 3, 1)))
		require.NoError(t, s.CompactTo(20))

		last, err := s.LastIndex()
		require.NoError(t, err)
		assert.Zero(t, last)

		// After a snapshot install the log restarts right after the snapshot index
		require.NoError(t, s.Append(entriesRange(21, 22, 3)))
		first, err := s.FirstIndex()
		require.NoError(t, err)
		assert.Equal(t, uint64(21), first)
	})
}

func runStableStoreSuite(t *testing.T, s StableStore) {
	term, votedFor, err := s.LoadTermAndVote()
	require.NoError(t, err)
	assert.Zero(t, term)
	assert.Empty(t, votedFor)

	require.NoError(t, s.SaveTermAndVote(4, "node-2"))
	term, votedFor, err = s.LoadTermAndVote()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), term)
	assert.Equal(t, "node-2", string(votedFor))

	require.NoError(t, s.SaveTermAndVote(5, ""))
	term, votedFor, err = s.LoadTermAndVote()
	require.NoError(t, err)
	assert.Equal(t, uint64(5), term)
	assert.Empty(t, votedFor)
}

func TestMemoryStorage(t *testing.T) {
	runLogStoreSuite(t, func(t *testing.T) LogStore { return NewMemoryStorage() })
	runStableStoreSuite(t, NewMemoryStorage())
}

func TestBboltStorage(t *testing.T) {
	runLogStoreSuite(t, func(t *testing.T) LogStore {
		db, err := NewBboltStorage(filepath.Join(t.TempDir(), "raft.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		return db
	})

	db, err := NewBboltStorage(filepath.Join(t.TempDir(), "raft.db"))
	require.NoError(t, err)
	defer db.Close()
	runStableStoreSuite(t, db)
}

func TestMemoryStorage_ErrorInjection(t *testing.T) {
	s := NewMemoryStorage()
	boom := errors.New("disk full")

	s.SetAppendError(boom)
	assert.ErrorIs(t, s.Append(entriesRange(1, 1, 1)), boom)

	s.SetSaveTermVoteError(boom)
	assert.ErrorIs(t, s.SaveTermAndVote(1, "node-1"), boom)

	s.SetAppendError(nil)
	assert.NoError(t, s.Append(entriesRange(1, 1, 1)))
}
