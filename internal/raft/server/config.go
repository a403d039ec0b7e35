package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"partitionlog/internal/raft"
)

// Duration is a time.Duration that reads and writes as a string ("150ms") in TOML.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config holds the settings of a single node.
type Config struct {
	// ID of this node. It must appear in Members.
	ID raft.NodeID `toml:"id"`
	// Members is the initial membership view, this node included.
	Members []raft.Member `toml:"members"`

	// ElectionTimeoutMin and ElectionTimeoutMax bound the randomized election timeout (Section 5.2 from the
	// [Raft paper](https://raft.github.io/raft.pdf)). The range of 150-300ms is the recommendation from Section 9.3.
	ElectionTimeoutMin Duration `toml:"election-timeout-min"`
	ElectionTimeoutMax Duration `toml:"election-timeout-max"`
	// HeartbeatInterval is how often a leader replicates to idle followers. Retries of failed requests happen on the
	// next heartbeat.
	HeartbeatInterval Duration `toml:"heartbeat-interval"`
	// RequestTimeout bounds every outgoing request.
	RequestTimeout Duration `toml:"request-timeout"`

	// MaxAppendEntries is the largest number of entries sent in one AppendEntries request.
	MaxAppendEntries int `toml:"max-append-entries"`
	// SnapshotChunkSize is the size in bytes of the chunks snapshots are split into.
	SnapshotChunkSize int `toml:"snapshot-chunk-size"`
	// PreferSnapshotReplicationThreshold makes the leader send its snapshot instead of entries once a follower lags
	// behind the snapshot by at least this many entries. Zero disables it; followers that need compacted entries
	// always get the snapshot.
	PreferSnapshotReplicationThreshold uint64 `toml:"prefer-snapshot-replication-threshold"`
	// PreVote enables the pre-vote phase (Section 9.6 of the Raft dissertation), so a node rejoining after a
	// partition cannot depose a healthy leader.
	PreVote bool `toml:"pre-vote"`

	// MaxSnapshotRejections is how many consecutive rejected snapshot transfers to one follower mark the node unhealthy.
	MaxSnapshotRejections int `toml:"max-snapshot-rejections"`
	// MaxReplicationFailures is how many consecutive failed requests to one follower mark the node unhealthy.
	MaxReplicationFailures int `toml:"max-replication-failures"`
	// LeaderlessHealthTimeout is how long the node may go without a known leader before it is unhealthy.
	LeaderlessHealthTimeout Duration `toml:"leaderless-health-timeout"`
}

// DefaultConfig returns a Config with defaults for every timing and size setting. ID and Members must still be set.
func DefaultConfig() Config {
	return Config{
		ElectionTimeoutMin:      Duration(150 * time.Millisecond),
		ElectionTimeoutMax:      Duration(300 * time.Millisecond),
		HeartbeatInterval:       Duration(50 * time.Millisecond),
		RequestTimeout:          Duration(100 * time.Millisecond),
		MaxAppendEntries:        64,
		SnapshotChunkSize:       64 * 1024,
		PreVote:                 true,
		MaxSnapshotRejections:   3,
		MaxReplicationFailures:  20,
		LeaderlessHealthTimeout: Duration(2 * time.Second),
	}
}

// LoadConfig reads a TOML file over DefaultConfig and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.ID == "" {
		return errors.New("config: node id is required")
	}

	seen := make(map[raft.NodeID]bool, len(c.Members))
	for _, m := range c.Members {
		if m.ID == "" {
			return errors.New("config: member without id")
		}
		if seen[m.ID] {
			return fmt.Errorf("config: duplicate member %s", m.ID)
		}
		seen[m.ID] = true
	}
	if !seen[c.ID] {
		return fmt.Errorf("config: node %s is not a member", c.ID)
	}

	switch {
	case c.ElectionTimeoutMin <= 0:
		return errors.New("config: election-timeout-min must be positive")
	case c.ElectionTimeoutMax < c.ElectionTimeoutMin:
		return errors.New("config: election-timeout-max must not be below election-timeout-min")
	case c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.ElectionTimeoutMin:
		// Section 5.6: broadcastTime << electionTimeout
		return errors.New("config: heartbeat-interval must be positive and below election-timeout-min")
	case c.RequestTimeout <= 0:
		return errors.New("config: request-timeout must be positive")
	case c.MaxAppendEntries <= 0:
		return errors.New("config: max-append-entries must be positive")
	case c.SnapshotChunkSize <= 0:
		return errors.New("config: snapshot-chunk-size must be positive")
	case c.MaxSnapshotRejections <= 0 || c.MaxReplicationFailures <= 0:
		return errors.New("config: health thresholds must be positive")
	case c.LeaderlessHealthTimeout <= 0:
		return errors.New("config: leaderless-health-timeout must be positive")
	}
	return nil
}
