// Package ticket implements the pairing ticket authority. Tickets are the
// single-use credentials an agent exchanges for a session binding: short
// lived, crypto-random, and consumed atomically on first successful
// validation so a replayed code always fails.
package ticket

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/MichaelrKraft/coder1-bridge/pkg/logging"
)

var (
	// ErrNotFound is returned for unknown or already-consumed tickets.
	ErrNotFound = errors.New("ticket not found")

	// ErrExpired is returned for tickets past their expiry.
	ErrExpired = errors.New("ticket expired")
)

// Ticket is a single-use pairing credential.
type Ticket struct {
	ID          string
	UserID      string
	SessionID   string
	BridgeAuth  bool
	Permissions []string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Authority issues and consumes pairing tickets. All state is in-memory;
// tickets are too short-lived to be worth persisting.
type Authority struct {
	mu      sync.Mutex
	tickets map[string]*Ticket

	ttl           time.Duration
	sweepInterval time.Duration
	logger        *logging.Logger
	now           func() time.Time
}

// Option configures an Authority.
type Option func(*Authority)

// WithLogger attaches the audit logger.
func WithLogger(logger *logging.Logger) Option {
	return func(a *Authority) { a.logger = logger }
}

// WithSweepInterval overrides the expiry sweep cadence.
func WithSweepInterval(interval time.Duration) Option {
	return func(a *Authority) { a.sweepInterval = interval }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

// NewAuthority creates an authority issuing tickets valid for ttl.
func NewAuthority(ttl time.Duration, opts ...Option) *Authority {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	a := &Authority{
		tickets:       make(map[string]*Ticket),
		ttl:           ttl,
		sweepInterval: 60 * time.Second,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Issue creates a ticket bound to the given identity and session.
func (a *Authority) Issue(userID, sessionID string, bridgeAuth bool, permissions []string) (*Ticket, error) {
	id, err := randomID()
	if err != nil {
		return nil, err
	}
	now := a.now()
	t := &Ticket{
		ID:          id,
		UserID:      userID,
		SessionID:   sessionID,
		BridgeAuth:  bridgeAuth,
		Permissions: append([]string(nil), permissions...),
		CreatedAt:   now,
		ExpiresAt:   now.Add(a.ttl),
	}

	a.mu.Lock()
	a.tickets[id] = t
	a.mu.Unlock()

	a.logger.Info(logging.CategoryAuth, "ticket_issued", "pairing ticket issued", map[string]any{
		"session_id": sessionID,
		"expires_at": t.ExpiresAt,
	})
	return t.clone(), nil
}

// Validate checks a ticket without consuming it.
func (a *Authority) Validate(id string) (*Ticket, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	if a.now().After(t.ExpiresAt) {
		return nil, ErrExpired
	}
	return t.clone(), nil
}

// Consume validates and removes the ticket in a single step. Under
// concurrent callers exactly one receives the ticket; the rest get
// ErrNotFound. This is the authentication step of the transport handshake.
func (a *Authority) Consume(id string) (*Ticket, error) {
	a.mu.Lock()
	t, ok := a.tickets[id]
	if ok {
		delete(a.tickets, id)
	}
	a.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}
	if a.now().After(t.ExpiresAt) {
		a.logger.Warn(logging.CategoryAuth, "ticket_expired", "expired ticket presented", map[string]any{
			"session_id": t.SessionID,
		})
		return nil, ErrExpired
	}

	a.logger.Info(logging.CategoryAuth, "ticket_consumed", "pairing ticket consumed", map[string]any{
		"session_id": t.SessionID,
	})
	return t.clone(), nil
}

// Pending returns the number of unconsumed tickets.
func (a *Authority) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tickets)
}

// Sweep deletes tickets past expiry and returns how many were removed.
func (a *Authority) Sweep() int {
	now := a.now()
	a.mu.Lock()
	removed := 0
	for id, t := range a.tickets {
		if now.After(t.ExpiresAt) {
			delete(a.tickets, id)
			removed++
		}
	}
	a.mu.Unlock()

	if removed > 0 {
		a.logger.Debug(logging.CategoryAuth, "ticket_sweep", "expired tickets removed", map[string]any{
			"removed": removed,
		})
	}
	return removed
}

// Run sweeps expired tickets until the context is cancelled.
func (a *Authority) Run(ctx context.Context) {
	ticker := time.NewTicker(a.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sweep()
		}
	}
}

func (t *Ticket) clone() *Ticket {
	c := *t
	c.Permissions = append([]string(nil), t.Permissions...)
	return &c
}

// randomID returns a 160-bit hex identifier.
func randomID() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
