package progress

import (
	"sync"
	"time"
)

// Stats is a point-in-time snapshot of an upload's progress.
type Stats struct {
	BytesDone    int64
	Total        int64
	SessionBytes int64
	RateBps      float64
	ETA          time.Duration
	Percent      float64
	StartedAt    time.Time
}

// Meter tracks bytes moved by the current session. Bytes that were already
// on the server when the session started count toward completion but not
// toward the rate.
type Meter struct {
	mu        sync.Mutex
	total     int64
	done      int64
	session   int64
	startedAt time.Time
	now       func() time.Time
}

func NewMeter() *Meter {
	return NewMeterWithNow(time.Now)
}

// NewMeterWithNow returns a meter with a custom time source (for tests).
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	return &Meter{now: now}
}

// Start begins a session over totalBytes of which alreadyDone were
// transferred earlier.
func (m *Meter) Start(totalBytes, alreadyDone int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = totalBytes
	m.done = alreadyDone
	m.session = 0
	m.startedAt = m.now()
}

// Add records n bytes moved by this session.
func (m *Meter) Add(n int64) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done += n
	m.session += n
}

func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{
		BytesDone:    m.done,
		Total:        m.total,
		SessionBytes: m.session,
		StartedAt:    m.startedAt,
	}
	if m.total > 0 {
		stats.Percent = float64(m.done) / float64(m.total) * 100
	}
	if elapsed := m.now().Sub(m.startedAt).Seconds(); elapsed > 0 {
		stats.RateBps = float64(m.session) / elapsed
	}
	if stats.RateBps > 0 && m.total > m.done {
		remaining := float64(m.total - m.done)
		stats.ETA = time.Duration(remaining / stats.RateBps * float64(time.Second))
	}
	return stats
}
