package snapshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/golang/snappy"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	snapshotDirPrefix = "snapshot-"
	pendingDirPrefix  = ".pending-"
	metaFileName      = "meta.toml"
)

// FileStore keeps the latest snapshot on disk as one snappy-compressed file per chunk:
//
//	<dir>/snapshot-<index>-<term>/meta.toml
//	<dir>/snapshot-<index>-<term>/chunk-000000.snappy
//
// Incoming snapshots are assembled in a hidden pending directory that is renamed into place on commit, so a crash
// never leaves a partially written snapshot visible.
type FileStore struct {
	dir    string
	logger *zap.Logger

	mu        sync.RWMutex
	latest    *fileSnapshot
	pendingID int
	listeners listenerSet
}

var _ Store = (*FileStore)(nil)

// fileMeta is the on-disk form of Metadata. TOML integers are signed, so the checksum is kept as hex.
type fileMeta struct {
	Index       uint64 `toml:"index"`
	Term        uint64 `toml:"term"`
	TotalChunks uint32 `toml:"total_chunks"`
	Checksum    string `toml:"checksum"`
}

// OpenFileStore opens the store rooted at dir, loading the newest committed snapshot and discarding leftovers of
// interrupted transfers.
func OpenFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	s := &FileStore{dir: dir, logger: logger}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to list snapshot directory: %w", err)
	}

	var committed []*fileSnapshot
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		switch {
		case strings.HasPrefix(entry.Name(), pendingDirPrefix):
			s.logger.Info("Removing incomplete snapshot", zap.String("path", path))
			if err := os.RemoveAll(path); err != nil {
				return fmt.Errorf("failed to remove pending snapshot: %w", err)
			}
		case strings.HasPrefix(entry.Name(), snapshotDirPrefix):
			snap, err := readFileSnapshot(path)
			if err != nil {
				s.logger.Warn("Ignoring unreadable snapshot", zap.String("path", path), zap.Error(err))
				continue
			}
			committed = append(committed, snap)
		}
	}
	if len(committed) == 0 {
		return nil
	}

	sort.Slice(committed, func(i, j int) bool {
		a, b := committed[i].meta, committed[j].meta
		return a.Index < b.Index || (a.Index == b.Index && a.Term < b.Term)
	})
	s.latest = committed[len(committed)-1]
	s.logger.Info("Loaded snapshot", zap.Stringer("snapshot", s.latest.meta))
	return s.removeOlderThan(s.latest)
}

func readFileSnapshot(path string) (*fileSnapshot, error) {
	var fm fileMeta
	if _, err := toml.DecodeFile(filepath.Join(path, metaFileName), &fm); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot metadata: %w", err)
	}
	checksum, err := strconv.ParseUint(fm.Checksum, 16, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid snapshot checksum %q: %w", fm.Checksum, err)
	}
	return &fileSnapshot{
		path: path,
		meta: Metadata{Index: fm.Index, Term: fm.Term, TotalChunks: fm.TotalChunks, Checksum: checksum},
	}, nil
}

func (s *FileStore) Latest() (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.latest == nil {
		return nil, ErrNotFound
	}
	return s.latest, nil
}

func (s *FileStore) Create(index, term uint64, data []byte, chunkSize int) (Snapshot, error) {
	chunks := Split(data, chunkSize)
	r, err := s.BeginReceive(index, term, uint32(len(chunks)))
	if err != nil {
		return nil, err
	}
	for i, chunk := range chunks {
		if err := r.Write(uint32(i), chunk); err != nil {
			return nil, multierr.Append(err, r.Abort())
		}
	}
	snap, err := r.Commit()
	if err != nil {
		return nil, multierr.Append(err, r.Abort())
	}
	return snap, nil
}

func (s *FileStore) BeginReceive(index, term uint64, totalChunks uint32) (Receiver, error) {
	a, err := newAssembly(index, term, totalChunks)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.pendingID++
	name := fmt.Sprintf("%s%d-%d-%d", pendingDirPrefix, index, term, s.pendingID)
	s.mu.Unlock()

	path := filepath.Join(s.dir, name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create pending snapshot directory: %w", err)
	}
	return &fileReceiver{store: s, path: path, assembly: a}, nil
}

func (s *FileStore) AddListener(l Listener) (remove func()) { return s.listeners.add(l) }

func (s *FileStore) Close() error { return nil }

// install moves a completed pending directory into place and drops the previous snapshot.
func (s *FileStore) install(pendingPath string, meta Metadata) (*fileSnapshot, error) {
	s.mu.Lock()
	if s.latest != nil && !isNewer(s.latest, meta.Index, meta.Term) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", meta, ErrStale)
	}

	finalPath := filepath.Join(s.dir, fmt.Sprintf("%s%020d-%d", snapshotDirPrefix, meta.Index, meta.Term))
	if err := os.Rename(pendingPath, finalPath); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to commit snapshot: %w", err)
	}
	if err := syncDir(s.dir); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	snap := &fileSnapshot{path: finalPath, meta: meta}
	s.latest = snap
	err := s.removeOlderThan(snap)
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("Failed to remove old snapshots", zap.Error(err))
	}
	s.listeners.notify(snap)
	return snap, nil
}

func (s *FileStore) removeOlderThan(keep *fileSnapshot) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	var errs error
	for _, entry := range entries {
		path := filepath.Join(s.dir, entry.Name())
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), snapshotDirPrefix) || path == keep.path {
			continue
		}
		errs = multierr.Append(errs, os.RemoveAll(path))
	}
	return errs
}

type fileSnapshot struct {
	path string
	meta Metadata
}

func (s *fileSnapshot) Metadata() Metadata { return s.meta }

func (s *fileSnapshot) Chunk(i uint32) ([]byte, error) {
	if i >= s.meta.TotalChunks {
		return nil, fmt.Errorf("chunk %d of %s: %w", i, s.meta, ErrNotFound)
	}
	compressed, err := os.ReadFile(filepath.Join(s.path, chunkFileName(i)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("chunk %d of %s: %w", i, s.meta, ErrNotFound)
		}
		return nil, err
	}
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress chunk %d of %s: %w", i, s.meta, err)
	}
	return data, nil
}

type fileReceiver struct {
	store *FileStore
	path  string
	*assembly
}

func (r *fileReceiver) Index() uint64       { return r.index }
func (r *fileReceiver) Term() uint64        { return r.term }
func (r *fileReceiver) TotalChunks() uint32 { return r.total }
func (r *fileReceiver) Next() uint32        { return r.next() }

func (r *fileReceiver) Write(chunkIndex uint32, data []byte) error {
	isNew, err := r.accept(chunkIndex, data)
	if err != nil || !isNew {
		return err
	}
	if err := writeFileSync(filepath.Join(r.path, chunkFileName(chunkIndex)), snappy.Encode(nil, data)); err != nil {
		return fmt.Errorf("failed to write chunk %d: %w", chunkIndex, err)
	}
	r.record(data)
	return nil
}

// Commit closes the receiver whether or not it succeeds, except when chunks are still missing. A failed commit
// removes the pending directory.
func (r *fileReceiver) Commit() (snap Snapshot, err error) {
	meta, err := r.metadata()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, r.Abort())
		}
	}()

	f, err := os.Create(filepath.Join(r.path, metaFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot metadata: %w", err)
	}
	err = toml.NewEncoder(f).Encode(fileMeta{
		Index:       meta.Index,
		Term:        meta.Term,
		TotalChunks: meta.TotalChunks,
		Checksum:    strconv.FormatUint(meta.Checksum, 16),
	})
	err = multierr.Combine(err, f.Sync(), f.Close())
	if err != nil {
		return nil, fmt.Errorf("failed to write snapshot metadata: %w", err)
	}

	installed, err := r.store.install(r.path, meta)
	if err != nil {
		return nil, err
	}
	r.closed = true
	return installed, nil
}

func (r *fileReceiver) Abort() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return os.RemoveAll(r.path)
}

func chunkFileName(i uint32) string {
	return fmt.Sprintf("chunk-%06d.snappy", i)
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	return multierr.Combine(err, f.Sync(), f.Close())
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	return multierr.Combine(d.Sync(), d.Close())
}
