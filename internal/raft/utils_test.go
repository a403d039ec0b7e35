package raft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRandomTimeout(t *testing.T) {
	t.Run("stays within range", func(t *testing.T) {
		for i := 0; i < 1000; i++ {
			d := RandomTimeout(150*time.Millisecond, 300*time.Millisecond)
			assert.GreaterOrEqual(t, d, 150*time.Millisecond)
			assert.LessOrEqual(t, d, 300*time.Millisecond)
		}
	})

	t.Run("degenerate range returns min", func(t *testing.T) {
		assert.Equal(t, 100*time.Millisecond, RandomTimeout(100*time.Millisecond, 100*time.Millisecond))
		assert.Equal(t, 100*time.Millisecond, RandomTimeout(100*time.Millisecond, 50*time.Millisecond))
	})
}

func TestQuorumSize(t *testing.T) {
	assert.Equal(t, 1, QuorumSize(1))
	assert.Equal(t, 2, QuorumSize(2))
	assert.Equal(t, 2, QuorumSize(3))
	assert.Equal(t, 3, QuorumSize(4))
	assert.Equal(t, 3, QuorumSize(5))
}
