package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

type recordingListener struct {
	events []string
}

func (l *recordingListener) OnFailure(r Report)              { l.events = append(l.events, "failure:"+r.Issue) }
func (l *recordingListener) OnRecovered(Report)              { l.events = append(l.events, "recovered") }
func (l *recordingListener) OnUnrecoverableFailure(r Report) { l.events = append(l.events, "dead:"+r.Issue) }

func TestMonitor_NotifiesOnStatusChange(t *testing.T) {
	m := NewMonitor("partition-1", zaptest.NewLogger(t))
	l := &recordingListener{}
	m.AddListener(l)
	now := time.Now()

	m.Update(HealthyReport("", now))
	assert.Empty(t, l.events)

	m.Update(UnhealthyReport("", "no leader", now))
	m.Update(UnhealthyReport("", "still no leader", now.Add(time.Second)))
	assert.Equal(t, []string{"failure:no leader"}, l.events)

	report := m.Report()
	assert.Equal(t, "partition-1", report.ComponentName)
	assert.Equal(t, "still no leader", report.Issue)
	assert.Equal(t, now, report.Since)

	m.Update(HealthyReport("", now))
	assert.Equal(t, []string{"failure:no leader", "recovered"}, l.events)
}

func TestMonitor_DeadIsTerminal(t *testing.T) {
	m := NewMonitor("partition-1", zaptest.NewLogger(t))
	l := &recordingListener{}
	m.AddListener(l)

	m.Update(DeadReport("", "disk failure", time.Now()))
	m.Update(HealthyReport("", time.Now()))

	assert.Equal(t, Dead, m.Report().Status)
	assert.Equal(t, []string{"dead:disk failure"}, l.events)
}

func TestMonitor_RemoveListener(t *testing.T) {
	m := NewMonitor("partition-1", zaptest.NewLogger(t))
	l := &recordingListener{}
	remove := m.AddListener(l)
	remove()

	m.Update(UnhealthyReport("", "no leader", time.Now()))
	assert.Empty(t, l.events)
}

// funcListener is a non-comparable listener.
type funcListener func(event string)

func (f funcListener) OnFailure(r Report)              { f("failure:" + r.Issue) }
func (f funcListener) OnRecovered(Report)              { f("recovered") }
func (f funcListener) OnUnrecoverableFailure(r Report) { f("dead:" + r.Issue) }

func TestMonitor_RemoveFuncListener(t *testing.T) {
	m := NewMonitor("partition-1", zaptest.NewLogger(t))
	var removed, kept []string
	remove := m.AddListener(funcListener(func(e string) { removed = append(removed, e) }))
	m.AddListener(funcListener(func(e string) { kept = append(kept, e) }))

	assert.NotPanics(t, remove)
	assert.NotPanics(t, remove)

	m.Update(UnhealthyReport("", "no leader", time.Now()))
	assert.Empty(t, removed)
	assert.Equal(t, []string{"failure:no leader"}, kept)
}

func TestReport_String(t *testing.T) {
	assert.Equal(t, "raft: HEALTHY", HealthyReport("raft", time.Time{}).String())
	assert.Equal(t, "raft: UNHEALTHY (no leader)", UnhealthyReport("raft", "no leader", time.Time{}).String())
}
