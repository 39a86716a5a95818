// Package bridge hosts the connection manager: it accepts agent
// transports, binds them to sessions via pairing tickets, and routes
// messages between the IDE side and the paired agent.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/MichaelrKraft/coder1-bridge/pkg/errors"
	"github.com/MichaelrKraft/coder1-bridge/pkg/protocol"
)

// State is a session's position in the connection lifecycle.
type State string

const (
	StateDisconnected   State = "DISCONNECTED"
	StateConnecting     State = "CONNECTING"
	StateAuthenticating State = "AUTHENTICATING"
	StateConnected      State = "CONNECTED"
	StateActive         State = "ACTIVE"
	StateError          State = "ERROR"
)

// validTransitions is the session lifecycle. ERROR is reachable from
// any non-terminal state; reconnect loops back through CONNECTING.
var validTransitions = map[State][]State{
	StateDisconnected:   {StateConnecting},
	StateConnecting:     {StateAuthenticating, StateError, StateDisconnected},
	StateAuthenticating: {StateConnected, StateError, StateDisconnected},
	StateConnected:      {StateActive, StateConnecting, StateError, StateDisconnected},
	StateActive:         {StateConnecting, StateError, StateDisconnected},
	StateError:          {StateConnecting, StateDisconnected},
}

func canTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transport is the server's handle on one agent connection.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Session is one paired agent. Each session carries its own lock so
// traffic on different sessions never contends.
type Session struct {
	ID     string
	Bridge string
	UserID string

	mu               sync.Mutex
	state            State
	transport        Transport
	bridgeAuth       bool
	guest            bool
	permissions      []string
	workingDirectory string
	lastHeartbeatAt  time.Time
	disconnectedAt   time.Time
	terminated       bool
	sawHeartbeat     bool
	tokenID          string
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves the session to a new state, rejecting moves the
// lifecycle does not allow.
func (s *Session) transition(to State) *errors.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(to)
}

func (s *Session) transitionLocked(to State) *errors.Error {
	if !canTransition(s.state, to) {
		return errors.New(errors.ErrCodeInternal, "invalid session state transition").
			WithContext("from", string(s.state)).
			WithContext("to", string(to))
	}
	s.state = to
	return nil
}

// Guest reports whether the session paired without a ticket.
func (s *Session) Guest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guest
}

// BridgeAuth reports whether the session paired with a bridgeAuth
// ticket.
func (s *Session) BridgeAuth() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridgeAuth
}

// Permissions returns a copy of the session's permission set.
func (s *Session) Permissions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.permissions))
	copy(out, s.permissions)
	return out
}

// HasPermission checks the session's permission set.
func (s *Session) HasPermission(perm string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// WorkingDirectory returns the session's current working directory.
func (s *Session) WorkingDirectory() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workingDirectory
}

// SetWorkingDirectory applies a config:update working directory.
func (s *Session) SetWorkingDirectory(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dir != "" {
		s.workingDirectory = dir
	}
}

// Send marshals the envelope onto the session's transport.
func (s *Session) Send(ctx context.Context, env *protocol.Envelope) error {
	s.mu.Lock()
	transport := s.transport
	s.mu.Unlock()

	if transport == nil {
		return errors.New(errors.ErrCodeConnectionLost, "session has no transport").
			WithRecoverable(true)
	}
	data, err := env.Marshal()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "encode envelope")
	}
	return transport.Send(ctx, data)
}

// markHeartbeat records that the session is alive. The first beat
// after connecting promotes CONNECTED to ACTIVE.
func (s *Session) markHeartbeat(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeatAt = at
	if !s.sawHeartbeat && s.state == StateConnected {
		_ = s.transitionLocked(StateActive)
	}
	s.sawHeartbeat = true
}

// setTokenID records the id of the session token currently covering
// this session, so terminate can revoke it.
func (s *Session) setTokenID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenID = id
}

func (s *Session) currentTokenID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenID
}

// LastHeartbeat returns the last recorded beat time.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeatAt
}

// detachTransport drops the transport binding, recording when, so a
// later reconnect can restore the session within the grace window.
// Every state reaches DISCONNECTED, so the transition cannot fail.
func (s *Session) detachTransport(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = nil
	s.disconnectedAt = now
	s.sawHeartbeat = false
	if s.state != StateDisconnected {
		_ = s.transitionLocked(StateDisconnected)
	}
}

// restorable reports whether the session can be restored in place:
// transport-disconnected (not terminated) and within the grace window.
func (s *Session) restorable(now time.Time, grace time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated || s.transport != nil {
		return false
	}
	if s.disconnectedAt.IsZero() {
		return false
	}
	return now.Sub(s.disconnectedAt) <= grace
}

// attachTransport binds a new transport and walks the lifecycle to
// CONNECTED. A reconnecting session replays the connect legs from
// DISCONNECTED; a fresh one is already AUTHENTICATING.
func (s *Session) attachTransport(t Transport) *errors.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected || s.state == StateError {
		if err := s.transitionLocked(StateConnecting); err != nil {
			return err
		}
		if err := s.transitionLocked(StateAuthenticating); err != nil {
			return err
		}
	}
	if err := s.transitionLocked(StateConnected); err != nil {
		return err
	}
	s.transport = t
	s.disconnectedAt = time.Time{}
	s.sawHeartbeat = false
	return nil
}

// terminate marks the session permanently closed. Like detach, the
// move to DISCONNECTED is valid from every other state.
func (s *Session) terminate() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminated = true
	if s.state != StateDisconnected {
		_ = s.transitionLocked(StateDisconnected)
	}
	t := s.transport
	s.transport = nil
	return t
}
