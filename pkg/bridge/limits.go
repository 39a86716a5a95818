package bridge

import "sync"

const (
	// maxEventStreamClients caps IDE-side event stream connections.
	maxEventStreamClients = 32
	// maxAgentConns caps concurrent agent transports.
	maxAgentConns = 64
	// maxWSReadBytes caps a single inbound WebSocket frame. Large
	// enough for a full output chunk plus envelope overhead.
	maxWSReadBytes = 2 << 20
)

type connLimiter struct {
	max    int
	mu     sync.Mutex
	active int
}

func newConnLimiter(max int) *connLimiter {
	return &connLimiter{max: max}
}

func (l *connLimiter) Acquire() bool {
	if l == nil || l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active >= l.max {
		return false
	}
	l.active++
	return true
}

func (l *connLimiter) Release() {
	if l == nil || l.max <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active > 0 {
		l.active--
	}
}
