package storage

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"

	"partitionlog/internal/raft"
	"partitionlog/internal/raft/proto"
)

var (
	// Bucket names
	logBucket      = []byte("logs")
	metadataBucket = []byte("metadata")

	// Metadata keys
	currentTermKey = []byte("currentTerm")
	votedForKey    = []byte("votedFor")
)

// BboltDb is a LogStore and StableStore backed by a single bbolt file. Entries are keyed by their big-endian index,
// so cursor order is log order.
type BboltDb struct {
	conn *bbolt.DB
}

var (
	_ LogStore    = (*BboltDb)(nil)
	_ StableStore = (*BboltDb)(nil)
)

// NewBboltStorage opens (or creates) the database at path
func NewBboltStorage(path string) (*BboltDb, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(logBucket); err != nil {
			return fmt.Errorf("failed to create log bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(metadataBucket); err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &BboltDb{conn: db}, nil
}

// Append writes all entries in one transaction; bbolt syncs on commit.
func (b *BboltDb) Append(entries []*proto.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)

		var last uint64
		if k, _ := bucket.Cursor().Last(); k != nil {
			last = bytesToUint64(k)
		}
		if err := checkContiguous(last, entries); err != nil {
			return fmt.Errorf("append at index %d after %d: %w", entries[0].Index, last, err)
		}

		for _, entry := range entries {
			data, err := entry.Marshal()
			if err != nil {
				return fmt.Errorf("failed to marshal log entry: %w", err)
			}
			if err := bucket.Put(uint64ToBytes(entry.Index), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BboltDb) Entry(index uint64) (*proto.LogEntry, error) {
	var entry *proto.LogEntry
	err := b.conn.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)
		data := bucket.Get(uint64ToBytes(index))
		if data == nil {
			return missingIndexError(bucket, index)
		}

		entry = &proto.LogEntry{}
		if err := entry.Unmarshal(data); err != nil {
			return fmt.Errorf("failed to unmarshal log entry at index %d: %w", index, err)
		}
		return nil
	})
	return entry, err
}

func (b *BboltDb) Entries(from, to uint64) ([]*proto.LogEntry, error) {
	if to < from {
		return nil, nil
	}

	entries := make([]*proto.LogEntry, 0, to-from+1)
	err := b.conn.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logBucket)
		cursor := bucket.Cursor()

		expected := from
		for k, v := cursor.Seek(uint64ToBytes(from)); k != nil && expected <= to; k, v = cursor.Next() {
			if bytesToUint64(k) != expected {
				break
			}
			entry := &proto.LogEntry{}
			if err := entry.Unmarshal(v); err != nil {
				return fmt.Errorf("failed to unmarshal log entry at index %d: %w", expected, err)
			}
			entries = append(entries, entry)
			expected++
		}

		if expected <= to {
			return missingIndexError(bucket, expected)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (b *BboltDb) FirstIndex() (uint64, error) {
	var first uint64
	err := b.conn.View(func(tx *bbolt.Tx) error {
		if k, _ := tx.Bucket(logBucket).Cursor().First(); k != nil {
			first = bytesToUint64(k)
		}
		return nil
	})
	return first, err
}

func (b *BboltDb) LastIndex() (uint64, error) {
	var last uint64
	err := b.conn.View(func(tx *bbolt.Tx) error {
		if k, _ := tx.Bucket(logBucket).Cursor().Last(); k != nil {
			last = bytesToUint64(k)
		}
		return nil
	})
	return last, err
}

// TruncateFrom deletes all log entries starting from the given index (inclusive)
func (b *BboltDb) TruncateFrom(index uint64) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(logBucket).Cursor()

		// Deleting through the cursor keeps it positioned on the next key
		for k, _ := cursor.Seek(uint64ToBytes(index)); k != nil; k, _ = cursor.Seek(uint64ToBytes(index)) {
			if err := cursor.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// CompactTo deletes all log entries up to the given index (inclusive)
func (b *BboltDb) CompactTo(index uint64) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(logBucket).Cursor()

		for k, _ := cursor.First(); k != nil && bytesToUint64(k) <= index; k, _ = cursor.First() {
			if err := cursor.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BboltDb) LoadTermAndVote() (uint64, raft.NodeID, error) {
	var (
		term     uint64
		votedFor raft.NodeID
	)
	err := b.conn.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(metadataBucket)
		if data := bucket.Get(currentTermKey); data != nil {
			term = bytesToUint64(data)
		}
		if data := bucket.Get(votedForKey); data != nil {
			votedFor = raft.NodeID(data)
		}
		return nil
	})
	return term, votedFor, err
}

// SaveTermAndVote persists both values in a single transaction. An empty votedFor deletes the key.
func (b *BboltDb) SaveTermAndVote(term uint64, votedFor raft.NodeID) error {
	return b.conn.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(metadataBucket)
		if err := bucket.Put(currentTermKey, uint64ToBytes(term)); err != nil {
			return err
		}
		if votedFor == "" {
			return bucket.Delete(votedForKey)
		}
		return bucket.Put(votedForKey, []byte(votedFor))
	})
}

// Close closes the storage connection
func (b *BboltDb) Close() error {
	return b.conn.Close()
}

// missingIndexError tells apart indexes that were compacted from ones that were never written.
func missingIndexError(bucket *bbolt.Bucket, index uint64) error {
	if k, _ := bucket.Cursor().First(); k != nil && index < bytesToUint64(k) {
		return fmt.Errorf("index %d: %w", index, ErrCompacted)
	}
	return fmt.Errorf("index %d: %w", index, ErrNotFound)
}

// Helper functions for uint64 <-> []byte conversion
func uint64ToBytes(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
