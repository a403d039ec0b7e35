// Package health describes the health of a component as one of three statuses and notifies listeners when it
// changes.
package health

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Status int

const (
	Healthy Status = iota
	// Unhealthy components may recover on their own.
	Unhealthy
	// Dead components never recover without operator intervention.
	Dead
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "HEALTHY"
	case Unhealthy:
		return "UNHEALTHY"
	case Dead:
		return "DEAD"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Report is a point-in-time health status of a component. Issue explains any status other than Healthy.
type Report struct {
	ComponentName string    `json:"component"`
	Status        Status    `json:"status"`
	Issue         string    `json:"issue,omitempty"`
	Since         time.Time `json:"since"`
}

func HealthyReport(component string, since time.Time) Report {
	return Report{ComponentName: component, Status: Healthy, Since: since}
}

func UnhealthyReport(component, issue string, since time.Time) Report {
	return Report{ComponentName: component, Status: Unhealthy, Issue: issue, Since: since}
}

func DeadReport(component, issue string, since time.Time) Report {
	return Report{ComponentName: component, Status: Dead, Issue: issue, Since: since}
}

func (r Report) IsHealthy() bool { return r.Status == Healthy }

func (r Report) String() string {
	if r.Issue == "" {
		return fmt.Sprintf("%s: %s", r.ComponentName, r.Status)
	}
	return fmt.Sprintf("%s: %s (%s)", r.ComponentName, r.Status, r.Issue)
}

// FailureListener is notified when a monitored component changes status.
type FailureListener interface {
	// OnFailure is called when the component becomes Unhealthy.
	OnFailure(r Report)
	// OnRecovered is called when the component becomes Healthy again.
	OnRecovered(r Report)
	// OnUnrecoverableFailure is called once, when the component becomes Dead.
	OnUnrecoverableFailure(r Report)
}

// Monitor holds the latest report of a component. Dead is terminal: once reached, later updates are ignored.
type Monitor struct {
	logger *zap.Logger

	mu        sync.Mutex
	current   Report
	nextID    uint64
	listeners []registeredListener
}

type registeredListener struct {
	id       uint64
	listener FailureListener
}

func NewMonitor(component string, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		logger:  logger,
		current: HealthyReport(component, time.Time{}),
	}
}

func (m *Monitor) Report() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// AddListener registers l and returns a function that unregisters it. Listeners need not be comparable.
func (m *Monitor) AddListener(l FailureListener) (remove func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, registeredListener{id: id, listener: l})

	var once sync.Once
	return func() {
		once.Do(func() { m.removeListener(id) })
	}
}

func (m *Monitor) removeListener(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.listeners {
		if existing.id == id {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			return
		}
	}
}

// Update records r. Listeners are only notified when the status changes; a new issue under the same status just
// replaces the report.
func (m *Monitor) Update(r Report) {
	m.mu.Lock()
	previous := m.current
	if previous.Status == Dead {
		m.mu.Unlock()
		return
	}
	if r.ComponentName == "" {
		r.ComponentName = previous.ComponentName
	}
	if r.Status == previous.Status {
		// Keep the time the status was first entered
		r.Since = previous.Since
		m.current = r
		m.mu.Unlock()
		return
	}
	m.current = r
	listeners := make([]FailureListener, 0, len(m.listeners))
	for _, registered := range m.listeners {
		listeners = append(listeners, registered.listener)
	}
	m.mu.Unlock()

	switch r.Status {
	case Healthy:
		m.logger.Info("Component recovered", zap.String("component", r.ComponentName))
		for _, l := range listeners {
			l.OnRecovered(r)
		}
	case Unhealthy:
		m.logger.Warn("Component unhealthy", zap.String("component", r.ComponentName), zap.String("issue", r.Issue))
		for _, l := range listeners {
			l.OnFailure(r)
		}
	case Dead:
		m.logger.Error("Component failed unrecoverably",
			zap.String("component", r.ComponentName), zap.String("issue", r.Issue))
		for _, l := range listeners {
			l.OnUnrecoverableFailure(r)
		}
	}
}
