package server

import (
	"slices"
)

// computeCommitIndex returns the highest index replicated on a quorum, given the match index of every member (the
// leader's own last index included). Section 5.4.2: only entries from the leader's current term are committed by
// counting replicas; earlier entries are committed indirectly once a later one is. termAt returns the term of the
// entry at an index. The current commit index is returned when nothing new can be committed.
func computeCommitIndex(matchIndexes []uint64, quorum int, commitIndex, currentTerm uint64, termAt func(uint64) (uint64, error)) (uint64, error) {
	if quorum <= 0 || len(matchIndexes) < quorum {
		return commitIndex, nil
	}

	sorted := slices.Clone(matchIndexes)
	slices.SortFunc(sorted, func(a, b uint64) int {
		switch {
		case a > b:
			return -1
		case a < b:
			return 1
		default:
			return 0
		}
	})

	// quorum members have a match index of at least candidate
	candidate := sorted[quorum-1]
	if candidate <= commitIndex {
		return commitIndex, nil
	}

	// Terms never decrease along the log, so if the candidate is from an earlier term every lower index is too
	term, err := termAt(candidate)
	if err != nil {
		return commitIndex, err
	}
	if term != currentTerm {
		return commitIndex, nil
	}
	return candidate, nil
}
