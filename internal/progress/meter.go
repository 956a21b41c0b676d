// Package progress measures and renders transfer progress.
package progress

import (
	"sync"
	"time"
)

// Stats is a point-in-time snapshot of a Meter.
type Stats struct {
	BytesDone int64
	Total     int64
	RateBps   float64
	ETA       time.Duration
	Percent   float64
	StartedAt time.Time
}

// Meter tracks a byte count and an exponentially smoothed rate.
type Meter struct {
	mu        sync.Mutex
	total     int64
	done      int64
	startedAt time.Time
	lastAt    time.Time
	lastDone  int64
	rateBps   float64
	alpha     float64
	now       func() time.Time
}

// NewMeter returns a meter on the wall clock.
func NewMeter() *Meter {
	return NewMeterWithNow(time.Now)
}

// NewMeterWithNow returns a meter with a custom time source.
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	return &Meter{alpha: 0.2, now: now}
}

// Start resets the meter for a transfer of totalBytes.
func (m *Meter) Start(totalBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = totalBytes
	m.done = 0
	m.startedAt = m.now()
	m.lastAt = m.startedAt
	m.lastDone = 0
	m.rateBps = 0
}

// Add counts n more bytes.
func (m *Meter) Add(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done += int64(n)
	m.sample()
}

// Set moves the count to done, as reported by a remote acknowledgement, and
// returns the change. A count lower than the current one restarts the rate.
func (m *Meter) Set(done int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	delta := done - m.done
	m.done = done
	if delta < 0 {
		m.lastDone = done
		m.lastAt = m.now()
		m.rateBps = 0
		return delta
	}
	m.sample()
	return delta
}

// sample folds the bytes since the last sample into the rate. Caller holds mu.
func (m *Meter) sample() {
	now := m.now()
	dt := now.Sub(m.lastAt).Seconds()
	if dt <= 0 {
		return
	}
	inst := float64(m.done-m.lastDone) / dt
	if m.rateBps == 0 {
		m.rateBps = inst
	} else {
		m.rateBps = m.alpha*inst + (1-m.alpha)*m.rateBps
	}
	m.lastAt = now
	m.lastDone = m.done
}

// Snapshot returns the current stats.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{
		BytesDone: m.done,
		Total:     m.total,
		RateBps:   m.rateBps,
		StartedAt: m.startedAt,
	}
	if m.total > 0 {
		stats.Percent = float64(m.done) / float64(m.total) * 100
	}
	if m.rateBps > 0 && m.total > m.done {
		stats.ETA = time.Duration(float64(m.total-m.done) / m.rateBps * float64(time.Second))
	}
	return stats
}
