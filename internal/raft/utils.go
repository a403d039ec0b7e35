package raft

import (
	"math/rand"
	"time"
)

// RandomTimeout returns a duration chosen uniformly from [min, max]. It is used for election timeouts, which are
// randomized per server to prevent split votes as described in Section 5.2 of the
// [Raft paper](https://raft.github.io/raft.pdf).
func RandomTimeout(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	// Add 1 to make the range inclusive
	return min + time.Duration(rand.Int63n(int64(max-min)+1))
}
