package consumer

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"partitionlog/internal/raft/proto"
	"partitionlog/internal/raft/snapshot"
)

// KV is a key-value store built from committed entries. Commands are expected to be in the format "SET key=value"
// or "DEL key".
type KV struct {
	logger *zap.Logger

	mu      sync.RWMutex
	store   map[string]string
	applied uint64
}

var _ Consumer = (*KV)(nil)

// kvState is the snapshot encoding of a KV.
type kvState struct {
	Applied uint64            `toml:"applied"`
	Data    map[string]string `toml:"data"`
}

func NewKV(logger *zap.Logger) *KV {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KV{logger: logger, store: make(map[string]string)}
}

func (kv *KV) OnCommitted(entry *proto.LogEntry) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	// Redelivered after a restart
	if entry.Index <= kv.applied {
		return
	}
	kv.applied = entry.Index

	command := string(entry.Payload)
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return
	}

	switch strings.ToUpper(parts[0]) {
	case "SET":
		if len(parts) < 2 {
			break
		}
		key, value, ok := strings.Cut(parts[1], "=")
		if !ok {
			break
		}
		kv.store[key] = value
		kv.logger.Debug("Applied SET", zap.String("key", key), zap.Uint64("index", entry.Index))
		return
	case "DEL":
		if len(parts) < 2 {
			break
		}
		delete(kv.store, parts[1])
		kv.logger.Debug("Applied DEL", zap.String("key", parts[1]), zap.Uint64("index", entry.Index))
		return
	}
	kv.logger.Warn("Ignoring malformed command", zap.String("command", command), zap.Uint64("index", entry.Index))
}

func (kv *KV) OnSnapshotInstalled(s snapshot.Snapshot) {
	data, err := snapshot.ReadAll(s)
	if err != nil {
		kv.logger.Error("Failed to read installed snapshot", zap.Stringer("snapshot", s.Metadata()), zap.Error(err))
		return
	}
	if err := kv.Restore(data); err != nil {
		kv.logger.Error("Failed to restore snapshot", zap.Stringer("snapshot", s.Metadata()), zap.Error(err))
	}
}

func (kv *KV) Get(key string) (string, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	value, ok := kv.store[key]
	return value, ok
}

func (kv *KV) Len() int {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return len(kv.store)
}

// Snapshot encodes the current state and returns it with the index of the last applied entry.
func (kv *KV) Snapshot() ([]byte, uint64, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(kvState{Applied: kv.applied, Data: kv.store}); err != nil {
		return nil, 0, fmt.Errorf("failed to encode kv snapshot: %w", err)
	}
	return buf.Bytes(), kv.applied, nil
}

// Restore replaces the state with a snapshot produced by Snapshot.
func (kv *KV) Restore(data []byte) error {
	var state kvState
	if _, err := toml.Decode(string(data), &state); err != nil {
		return fmt.Errorf("failed to decode kv snapshot: %w", err)
	}
	if state.Data == nil {
		state.Data = make(map[string]string)
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.store = state.Data
	kv.applied = state.Applied
	return nil
}
