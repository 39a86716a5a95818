// Package bus fans bridge events (session state changes, command
// output, completions) out to IDE-side consumers. The default backend
// is in-memory; NATS is available for multi-process deployments.
package bus

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTimeout is returned when a request gets no reply in time.
	ErrTimeout = errors.New("request timeout")

	// ErrNoResponders is returned when nothing is subscribed to a
	// request subject.
	ErrNoResponders = errors.New("no responders available")

	// ErrClosed is returned when operating on a closed bus or
	// subscription.
	ErrClosed = errors.New("bus or subscription closed")
)

// Bridge event subjects. Session-scoped subjects end in the session
// id so consumers can subscribe per session or with a wildcard.
const (
	SubjectSessionPrefix = "bridge.session."
	SubjectAllSessions   = "bridge.session.>"
)

// SubjectSessionState is where state transitions for one session are
// published.
func SubjectSessionState(sessionID string) string {
	return SubjectSessionPrefix + sessionID + ".state"
}

// SubjectCommandOutput is where output chunks for one session are
// published.
func SubjectCommandOutput(sessionID string) string {
	return SubjectSessionPrefix + sessionID + ".output"
}

// SubjectCommandComplete is where command completions for one session
// are published.
func SubjectCommandComplete(sessionID string) string {
	return SubjectSessionPrefix + sessionID + ".complete"
}

// Bus is the event transport between the bridge core and IDE-side
// consumers. Implementations must be safe for concurrent use.
type Bus interface {
	// Publish sends to all subscribers of the subject. It returns
	// immediately and never waits for delivery.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for a subject pattern. Patterns
	// support "*" for one token and ">" for the rest.
	Subscribe(ctx context.Context, subject string, handler Handler) (Subscription, error)

	// Request publishes and waits for a single reply.
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Handler processes one message. For request/reply, returned data is
// sent as the response; nil means no response.
type Handler func(msg *Message) []byte

// Message is one event delivered to a handler.
type Message struct {
	Subject string
	Data    []byte
	ReplyTo string
}

// Subscription is an active subscription that can be cancelled.
type Subscription interface {
	Unsubscribe() error
	Subject() string
}

// Config selects and tunes a backend.
type Config struct {
	// URL is the NATS server address; empty selects the in-memory
	// backend.
	URL string

	// Name identifies this client to the NATS server.
	Name string

	// Timeout is the default request timeout.
	Timeout time.Duration
}

// DefaultConfig returns in-memory defaults.
func DefaultConfig() Config {
	return Config{
		Name:    "coder1-bridge",
		Timeout: 30 * time.Second,
	}
}

// New creates a bus from config: NATS when a URL is set, in-memory
// otherwise.
func New(cfg Config) (Bus, error) {
	if cfg.URL != "" {
		return NewNATSBus(cfg)
	}
	return NewMemoryBus(), nil
}
