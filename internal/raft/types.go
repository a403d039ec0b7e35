// Package raft holds the identifiers shared by every layer of the replication engine: the consensus core, the
// transports and the stores.
package raft

import "fmt"

// NodeID is the id of a node in the partition's replication group
type NodeID string

// Member is a node in the current membership view together with the address its transport listens on.
type Member struct {
	ID      NodeID `toml:"id"`
	Address string `toml:"address"`
}

func (m Member) String() string {
	return fmt.Sprintf("%s@%s", m.ID, m.Address)
}

// QuorumSize returns the number of votes (or acknowledgements) that form a majority in a group of the given size.
// Majority is defined as `floor(n/2) + 1`.
func QuorumSize(groupSize int) int {
	return groupSize/2 + 1
}
