// Package heartbeat tracks per-session liveness and drives the
// missed-beat disconnect.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/MichaelrKraft/coder1-bridge/pkg/logging"
)

const (
	// DefaultInterval is how often the agent is expected to beat.
	DefaultInterval = 30 * time.Second
	// DefaultMissedBeats is how many silent intervals end a session.
	DefaultMissedBeats = 3
)

// TimeoutFunc is invoked once when a session exceeds the silence
// budget. It runs on the monitor goroutine; keep it cheap.
type TimeoutFunc func(sessionID string, silentFor time.Duration)

type record struct {
	last    time.Time
	payload time.Time
}

// Monitor is the sole writer of last-heartbeat times; other components
// only read them through Last. Timestamps come from a monotonic clock
// so wall-clock jumps never fake a timeout.
type Monitor struct {
	mu       sync.Mutex
	sessions map[string]*record

	interval  time.Duration
	missed    int
	onTimeout TimeoutFunc
	clock     func() time.Time
	logger    *logging.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval overrides the expected beat interval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithMissedBeats overrides how many silent intervals end a session.
func WithMissedBeats(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.missed = n
		}
	}
}

// WithLogger attaches a logger for timeout events.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// WithClock substitutes the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Monitor) { m.clock = clock }
}

// New creates a monitor that calls onTimeout for sessions silent
// longer than interval*missedBeats.
func New(onTimeout TimeoutFunc, opts ...Option) *Monitor {
	m := &Monitor{
		sessions:  make(map[string]*record),
		interval:  DefaultInterval,
		missed:    DefaultMissedBeats,
		onTimeout: onTimeout,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Track starts watching a session, counting from now.
func (m *Monitor) Track(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = &record{last: m.clock()}
}

// Beat records a heartbeat. Unknown sessions are ignored so a beat
// racing a disconnect cannot resurrect a closed session.
func (m *Monitor) Beat(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	rec.last = m.clock()
	return true
}

// BeatAt records a heartbeat carrying the sender's timestamp. Beats
// arriving out of order (payload timestamp older than the last one
// recorded) are dropped so delayed packets cannot corrupt liveness.
func (m *Monitor) BeatAt(sessionID string, payload time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	if !rec.payload.IsZero() && payload.Before(rec.payload) {
		return false
	}
	rec.payload = payload
	rec.last = m.clock()
	return true
}

// Last returns when the session last beat.
func (m *Monitor) Last(sessionID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return time.Time{}, false
	}
	return rec.last, true
}

// Forget stops watching a session.
func (m *Monitor) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// Tracked reports how many sessions are being watched.
func (m *Monitor) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Budget is the silence allowed before a session is declared dead.
func (m *Monitor) Budget() time.Duration {
	return m.interval * time.Duration(m.missed)
}

// CheckNow sweeps all sessions once, firing onTimeout for each one
// past the budget and removing it from tracking.
func (m *Monitor) CheckNow() {
	budget := m.Budget()
	now := m.clock()

	type expired struct {
		id     string
		silent time.Duration
	}
	var dead []expired

	m.mu.Lock()
	for id, rec := range m.sessions {
		silent := now.Sub(rec.last)
		if silent >= budget {
			delete(m.sessions, id)
			dead = append(dead, expired{id: id, silent: silent})
		}
	}
	m.mu.Unlock()

	for _, e := range dead {
		m.logger.Warn(logging.CategoryHeartbeat, "heartbeat_timeout", "session silent past budget", map[string]any{
			"session_id": e.id,
			"silent_ms":  e.silent.Milliseconds(),
		})
		if m.onTimeout != nil {
			m.onTimeout(e.id, e.silent)
		}
	}
}

// Run sweeps on the beat interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckNow()
		}
	}
}
