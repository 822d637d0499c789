package health

import (
	"sync"
	"time"
)

// Monitor tracks the worker loop's cadence independently of whether work
// exists. The loop calls Touch on every iteration; an orchestrator reads
// IsHealthy to detect a stalled worker.
type Monitor struct {
	mtx       sync.RWMutex
	lastTouch time.Time
	startedAt time.Time
	threshold time.Duration

	now func() time.Time
}

// NewMonitor builds a monitor that reports unhealthy once the elapsed time
// since the last Touch exceeds threshold.
func NewMonitor(threshold time.Duration) *Monitor {
	now := time.Now
	return &Monitor{
		lastTouch: now(),
		startedAt: now(),
		threshold: threshold,
		now:       now,
	}
}

// Touch records a successful loop iteration.
func (m *Monitor) Touch() {
	m.mtx.Lock()
	m.lastTouch = m.now()
	m.mtx.Unlock()
}

// IsHealthy reports whether the loop touched within the staleness threshold.
func (m *Monitor) IsHealthy() bool {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	if m.threshold <= 0 {
		return true
	}
	return m.now().Sub(m.lastTouch) <= m.threshold
}

// SecondsSinceLastPoll returns the elapsed time since the last Touch.
func (m *Monitor) SecondsSinceLastPoll() float64 {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return m.now().Sub(m.lastTouch).Seconds()
}

// UptimeSeconds returns the elapsed time since the monitor was created.
func (m *Monitor) UptimeSeconds() float64 {
	m.mtx.RLock()
	defer m.mtx.RUnlock()
	return m.now().Sub(m.startedAt).Seconds()
}
