//go:build linux

package evloop

import (
	"time"

	"github.com/rcrowley/go-metrics"
)

// loopMetrics tracks how long the loop sat idle in the wait syscall, along
// with tick and dispatch counters. Idle time only accumulates between a
// provider entry mark and the first completion dispatched after it.
type loopMetrics struct {
	idleEnabled bool

	providerEntryTime int64 // ns, 0 when unset
	idleAccum         int64

	idleTime metrics.Gauge
	polls    metrics.Counter
	events   metrics.Counter
}

func (m *loopMetrics) init(idleEnabled bool) {
	m.idleEnabled = idleEnabled
	m.idleTime = metrics.GetOrRegisterGauge("loop.idle_time_ns", nil)
	m.polls = metrics.GetOrRegisterCounter("loop.polls", nil)
	m.events = metrics.GetOrRegisterCounter("loop.events", nil)
}

// setProviderEntryTime marks the start of a blocking wait. Only the first
// mark before a dispatch counts; nested marks are ignored.
func (m *loopMetrics) setProviderEntryTime(nowNS int64) {
	if !m.idleEnabled || m.providerEntryTime != 0 {
		return
	}
	m.providerEntryTime = nowNS
}

// updateIdleTime folds the time since the provider entry mark into the idle
// total. Called before each callback so user work is not counted as idle.
func (m *loopMetrics) updateIdleTime(nowNS int64) {
	if !m.idleEnabled || m.providerEntryTime == 0 {
		return
	}
	m.idleAccum += nowNS - m.providerEntryTime
	m.providerEntryTime = 0
	m.idleTime.Update(m.idleAccum)
}

// IdleTime returns the accumulated idle time, 0 unless tracking is enabled.
func (lp *Loop) IdleTime() time.Duration {
	return time.Duration(lp.metrics.idleAccum)
}

func (lp *Loop) nowNS() int64 {
	return time.Since(lp.clockBase).Nanoseconds()
}
