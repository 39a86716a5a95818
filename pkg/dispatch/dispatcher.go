// Package dispatch owns the per-session command pipeline: sanitize,
// rate limit, enforce the concurrency cap, forward to the agent, and
// tie streamed output to completions.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/MichaelrKraft/coder1-bridge/pkg/errors"
	"github.com/MichaelrKraft/coder1-bridge/pkg/ids"
	"github.com/MichaelrKraft/coder1-bridge/pkg/logging"
	"github.com/MichaelrKraft/coder1-bridge/pkg/protocol"
	"github.com/MichaelrKraft/coder1-bridge/pkg/ratelimit"
	"github.com/MichaelrKraft/coder1-bridge/pkg/sanitizer"
	"github.com/MichaelrKraft/coder1-bridge/pkg/stream"
)

const (
	// DefaultMaxConcurrent commands in flight per session.
	DefaultMaxConcurrent = 5
	// DefaultTimeout bounds a command's wall clock.
	DefaultTimeout = 5 * time.Minute
)

// SendFunc delivers an envelope to the session's transport.
type SendFunc func(sessionID string, env *protocol.Envelope) error

// Completion is the terminal record for one command, emitted exactly
// once and only after all of the command's output has been flushed.
type Completion struct {
	CommandID  string
	ExitCode   int
	DurationMs int64
	Output     string
	Truncated  bool
	Err        *errors.Error
}

// CompletionFunc receives completions for upstream delivery.
type CompletionFunc func(sessionID string, c Completion)

// Command tracks one in-flight execution.
type Command struct {
	ID          string
	SessionID   string
	Text        string
	Context     protocol.ExecContext
	SubmittedAt time.Time
	TimeoutAt   time.Time
}

type sessionState struct {
	inflight map[string]*Command
	queue    []*Command
	timeout  time.Duration
}

// Dispatcher enforces the submit pipeline and the in-flight cap. The
// default policy rejects at capacity; a bounded queue is opt-in.
type Dispatcher struct {
	send       SendFunc
	check      *sanitizer.Sanitizer
	limiter    *ratelimit.Limiter
	mux        *stream.Multiplexer
	onComplete CompletionFunc
	logger     *logging.Logger

	maxConcurrent int
	maxQueue      int
	timeout       time.Duration
	clock         func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMaxConcurrent overrides the per-session in-flight cap.
func WithMaxConcurrent(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxConcurrent = n
		}
	}
}

// WithQueue enables queueing at capacity, bounded at n entries.
func WithQueue(n int) Option {
	return func(d *Dispatcher) { d.maxQueue = n }
}

// WithDefaultTimeout overrides the command wall-clock limit.
func WithDefaultTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithClock substitutes the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) { d.clock = clock }
}

// WithLogger attaches a logger.
func WithLogger(logger *logging.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// New creates a dispatcher. The multiplexer must be the one whose sink
// feeds the IDE side, since completions flush through it.
func New(send SendFunc, check *sanitizer.Sanitizer, limiter *ratelimit.Limiter, mux *stream.Multiplexer, onComplete CompletionFunc, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		send:          send,
		check:         check,
		limiter:       limiter,
		mux:           mux,
		onComplete:    onComplete,
		maxConcurrent: DefaultMaxConcurrent,
		timeout:       DefaultTimeout,
		clock:         time.Now,
		sessions:      make(map[string]*sessionState),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) session(sessionID string) *sessionState {
	st, ok := d.sessions[sessionID]
	if !ok {
		st = &sessionState{inflight: make(map[string]*Command)}
		d.sessions[sessionID] = st
	}
	return st
}

// SetSessionTimeout applies a config:update maxCommandTimeout.
func (d *Dispatcher) SetSessionTimeout(sessionID string, t time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t > 0 {
		d.session(sessionID).timeout = t
	}
}

// Submit runs the pipeline for one command. Blocked, rate-limited and
// at-capacity submissions are resolved locally and never reach the
// transport.
func (d *Dispatcher) Submit(sessionID, commandText string, execCtx protocol.ExecContext) (string, *errors.Error) {
	if serr := d.check.CheckCommand(sessionID, commandText); serr != nil {
		return "", serr
	}
	if res := d.limiter.Check(sessionID, ratelimit.BucketCommand); !res.Allowed {
		return "", errors.New(errors.ErrCodeRateLimitExceeded, "command rate limit exceeded").
			WithContext("retry_after_ms", res.RetryAfter.Milliseconds()).
			WithRecoverable(true)
	}

	now := d.clock()
	cmd := &Command{
		ID:          ids.NewCommandID(),
		SessionID:   sessionID,
		Text:        commandText,
		Context:     execCtx,
		SubmittedAt: now,
	}

	d.mu.Lock()
	st := d.session(sessionID)
	timeout := d.timeout
	if st.timeout > 0 {
		timeout = st.timeout
	}
	cmd.TimeoutAt = now.Add(timeout)

	if len(st.inflight) >= d.maxConcurrent {
		if d.maxQueue <= 0 || len(st.queue) >= d.maxQueue {
			d.mu.Unlock()
			return "", errors.New(errors.ErrCodeAtCapacity, "too many commands in flight").
				WithContext("in_flight", d.maxConcurrent).
				WithRecoverable(true)
		}
		st.queue = append(st.queue, cmd)
		d.mu.Unlock()
		d.logger.Info(logging.CategoryCommand, "command_queued", "command queued at capacity", map[string]any{
			"session_id": sessionID,
			"command_id": cmd.ID,
		})
		return cmd.ID, nil
	}
	st.inflight[cmd.ID] = cmd
	d.mu.Unlock()

	if serr := d.forward(cmd); serr != nil {
		d.mu.Lock()
		delete(st.inflight, cmd.ID)
		d.mu.Unlock()
		return "", serr
	}
	return cmd.ID, nil
}

func (d *Dispatcher) forward(cmd *Command) *errors.Error {
	d.mux.Open(cmd.SessionID, cmd.ID)

	env, err := protocol.NewEnvelope(protocol.TypeExecute, &protocol.ExecutePayload{
		SessionID: cmd.SessionID,
		CommandID: cmd.ID,
		Command:   cmd.Text,
		Context:   cmd.Context,
	})
	if err != nil {
		d.mux.Close(cmd.ID)
		return errors.Wrap(err, errors.ErrCodeInternal, "encode execute message")
	}
	if err := d.send(cmd.SessionID, &env); err != nil {
		d.mux.Close(cmd.ID)
		return errors.Wrap(err, errors.ErrCodeConnectionLost, "send execute message").
			WithRecoverable(true)
	}

	d.logger.Info(logging.CategoryCommand, "command_dispatched", "command sent to agent", map[string]any{
		"session_id": cmd.SessionID,
		"command_id": cmd.ID,
	})
	return nil
}

// HandleOutput feeds a claude:output message into the multiplexer.
func (d *Dispatcher) HandleOutput(p *protocol.OutputPayload) error {
	return d.mux.Ingest(stream.Chunk{
		SessionID: p.SessionID,
		CommandID: p.CommandID,
		Stream:    p.Stream,
		Data:      []byte(p.Data),
		Seq:       uint64(p.Seq),
	})
}

// Complete finishes a command: the multiplexer is flushed first so
// output can never trail its completion, then a queued command (if
// any) is promoted into the freed slot.
func (d *Dispatcher) Complete(sessionID, commandID string, exitCode int, durationMs int64, errMsg string) bool {
	d.mu.Lock()
	st, ok := d.sessions[sessionID]
	if ok {
		_, ok = st.inflight[commandID]
	}
	if !ok {
		d.mu.Unlock()
		d.logger.Debug(logging.CategoryCommand, "completion_dropped", "completion for unknown command", map[string]any{
			"session_id": sessionID,
			"command_id": commandID,
		})
		return false
	}
	delete(st.inflight, commandID)
	promoted := d.promoteLocked(st)
	d.mu.Unlock()

	out, _ := d.mux.Close(commandID)
	c := Completion{
		CommandID:  commandID,
		ExitCode:   exitCode,
		DurationMs: durationMs,
		Output:     out.Output,
		Truncated:  out.Truncated,
	}
	if errMsg != "" {
		c.Err = errors.New(errors.ErrCodeCommandFailed, errMsg)
	}
	if d.onComplete != nil {
		d.onComplete(sessionID, c)
	}

	if promoted != nil {
		if serr := d.forward(promoted); serr != nil {
			d.fail(sessionID, promoted, serr)
		}
	}
	return true
}

// promoteLocked moves the oldest queued command into the in-flight
// set. Caller holds d.mu.
func (d *Dispatcher) promoteLocked(st *sessionState) *Command {
	if len(st.queue) == 0 || len(st.inflight) >= d.maxConcurrent {
		return nil
	}
	cmd := st.queue[0]
	st.queue = st.queue[1:]
	st.inflight[cmd.ID] = cmd
	return cmd
}

func (d *Dispatcher) fail(sessionID string, cmd *Command, serr *errors.Error) {
	out, _ := d.mux.Close(cmd.ID)
	if d.onComplete != nil {
		d.onComplete(sessionID, Completion{
			CommandID: cmd.ID,
			ExitCode:  -1,
			Output:    out.Output,
			Truncated: out.Truncated,
			Err:       serr,
		})
	}
}

// CheckTimeouts sweeps all sessions once, synthesizing a timeout
// completion for any command past its deadline.
func (d *Dispatcher) CheckTimeouts() int {
	now := d.clock()

	d.mu.Lock()
	var expired []*Command
	for _, st := range d.sessions {
		for id, cmd := range st.inflight {
			if now.After(cmd.TimeoutAt) {
				delete(st.inflight, id)
				expired = append(expired, cmd)
			}
		}
	}
	var promoted []*Command
	for _, st := range d.sessions {
		if cmd := d.promoteLocked(st); cmd != nil {
			promoted = append(promoted, cmd)
		}
	}
	d.mu.Unlock()

	for _, cmd := range expired {
		d.logger.Warn(logging.CategoryCommand, "command_timeout", "command exceeded wall clock limit", map[string]any{
			"session_id": cmd.SessionID,
			"command_id": cmd.ID,
		})
		serr := errors.New(errors.ErrCodeCommandTimeout, "command timed out").
			WithRecoverable(true)
		d.fail(cmd.SessionID, cmd, serr)
	}
	for _, cmd := range promoted {
		if serr := d.forward(cmd); serr != nil {
			d.fail(cmd.SessionID, cmd, serr)
		}
	}
	return len(expired)
}

// Run sweeps for timeouts until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.CheckTimeouts()
		}
	}
}

// FailSession fails every in-flight and queued command for a session
// with CONNECTION_LOST. Used on disconnect and on session restore so
// interrupted commands are never silently dropped.
func (d *Dispatcher) FailSession(sessionID string) int {
	d.mu.Lock()
	st, ok := d.sessions[sessionID]
	if !ok {
		d.mu.Unlock()
		return 0
	}
	var failed []*Command
	for id, cmd := range st.inflight {
		delete(st.inflight, id)
		failed = append(failed, cmd)
	}
	failed = append(failed, st.queue...)
	st.queue = nil
	delete(d.sessions, sessionID)
	d.mu.Unlock()

	for _, cmd := range failed {
		serr := errors.New(errors.ErrCodeConnectionLost, "connection lost before completion").
			WithRecoverable(true)
		d.fail(sessionID, cmd, serr)
	}
	return len(failed)
}

// InFlight reports the in-flight count for a session.
func (d *Dispatcher) InFlight(sessionID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.sessions[sessionID]; ok {
		return len(st.inflight)
	}
	return 0
}

// Queued reports the queued count for a session.
func (d *Dispatcher) Queued(sessionID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.sessions[sessionID]; ok {
		return len(st.queue)
	}
	return 0
}
