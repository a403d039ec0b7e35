package server

import (
	"fmt"
	"time"

	"partitionlog/internal/health"
)

// evaluateHealth runs after every event. A node is unhealthy while it has been without a leader for too long, or,
// as leader, while a follower keeps rejecting snapshots or stays unreachable. It recovers on its own once those
// conditions clear. Failed nodes are Dead, which fail reports.
func (n *Node) evaluateHealth() {
	if n.failed != nil {
		return
	}
	now := n.clock.Now()

	if issue := n.healthIssue(now); issue != "" {
		n.health.Update(health.UnhealthyReport("", issue, now))
		return
	}
	n.health.Update(health.HealthyReport("", now))
}

func (n *Node) healthIssue(now time.Time) string {
	if n.leader() == "" && !n.leaderlessSince.IsZero() {
		if without := now.Sub(n.leaderlessSince); without >= time.Duration(n.cfg.LeaderlessHealthTimeout) {
			return fmt.Sprintf("no leader known for %s", without.Round(time.Millisecond))
		}
	}

	l, ok := n.state.(*leaderState)
	if !ok {
		return ""
	}
	for id, s := range l.sessions {
		if s.rejections >= n.cfg.MaxSnapshotRejections {
			return fmt.Sprintf("follower %s rejected the snapshot %d times in a row", id, s.rejections)
		}
		if s.failures >= n.cfg.MaxReplicationFailures {
			return fmt.Sprintf("follower %s did not respond to %d requests in a row", id, s.failures)
		}
	}
	return ""
}
