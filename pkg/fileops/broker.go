// Package fileops brokers file read/write/list/exists operations
// between the IDE side and the paired agent.
package fileops

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MichaelrKraft/coder1-bridge/pkg/errors"
	"github.com/MichaelrKraft/coder1-bridge/pkg/ids"
	"github.com/MichaelrKraft/coder1-bridge/pkg/logging"
	"github.com/MichaelrKraft/coder1-bridge/pkg/protocol"
	"github.com/MichaelrKraft/coder1-bridge/pkg/ratelimit"
	"github.com/MichaelrKraft/coder1-bridge/pkg/sanitizer"
)

const (
	// DefaultMaxInFlight caps concurrent file operations, independent
	// of the command concurrency cap.
	DefaultMaxInFlight = 16
	// DefaultTimeout bounds how long a request waits for the agent.
	DefaultTimeout = 30 * time.Second
	// DefaultWriteWeight makes writes consume more of the fileOp rate
	// budget than reads.
	DefaultWriteWeight = 5
)

// SendFunc delivers an envelope to the session's transport.
type SendFunc func(sessionID string, env *protocol.Envelope) error

type pendingRequest struct {
	sessionID string
	done      chan *protocol.FileResponsePayload
}

// Broker forwards file requests to the agent and matches responses
// back to their waiters by request id.
type Broker struct {
	send        SendFunc
	check       *sanitizer.Sanitizer
	limiter     *ratelimit.Limiter
	sem         *semaphore.Weighted
	timeout     time.Duration
	writeWeight int
	logger      *logging.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// Option configures a Broker.
type Option func(*Broker)

// WithMaxInFlight overrides the concurrency cap.
func WithMaxInFlight(n int64) Option {
	return func(b *Broker) {
		if n > 0 {
			b.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithTimeout overrides the per-request agent deadline.
func WithTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithWriteWeight overrides how heavily writes count against the
// fileOp rate budget.
func WithWriteWeight(w int) Option {
	return func(b *Broker) {
		if w > 0 {
			b.writeWeight = w
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *logging.Logger) Option {
	return func(b *Broker) { b.logger = logger }
}

// New creates a broker. The sanitizer and limiter are shared with the
// rest of the bridge so policy and budgets are enforced consistently.
func New(send SendFunc, check *sanitizer.Sanitizer, limiter *ratelimit.Limiter, opts ...Option) *Broker {
	b := &Broker{
		send:        send,
		check:       check,
		limiter:     limiter,
		sem:         semaphore.NewWeighted(DefaultMaxInFlight),
		timeout:     DefaultTimeout,
		writeWeight: DefaultWriteWeight,
		pending:     make(map[string]*pendingRequest),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func validOperation(op string) bool {
	switch op {
	case protocol.OpRead, protocol.OpWrite, protocol.OpList, protocol.OpExists:
		return true
	}
	return false
}

// Request checks containment and rate budget, forwards the operation
// to the agent, and waits for the matching response.
func (b *Broker) Request(ctx context.Context, sessionID, workingDirectory, operation, path, content string) (*protocol.FileResult, *errors.Error) {
	if !validOperation(operation) {
		return nil, errors.New(errors.ErrCodeInternal, "unsupported file operation").
			WithContext("operation", operation)
	}

	if _, serr := b.check.CheckPath(sessionID, path, workingDirectory); serr != nil {
		return nil, serr
	}

	weight := 1
	if operation == protocol.OpWrite {
		weight = b.writeWeight
	}
	if res := b.limiter.CheckN(sessionID, ratelimit.BucketFileOp, weight); !res.Allowed {
		return nil, errors.New(errors.ErrCodeRateLimitExceeded, "file operation rate limit exceeded").
			WithContext("retry_after_ms", res.RetryAfter.Milliseconds()).
			WithRecoverable(true)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if err := b.sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeAtCapacity, "file operation slots exhausted").
			WithRecoverable(true)
	}
	defer b.sem.Release(1)

	requestID := ids.NewRequestID()
	req := &pendingRequest{
		sessionID: sessionID,
		done:      make(chan *protocol.FileResponsePayload, 1),
	}
	b.mu.Lock()
	b.pending[requestID] = req
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, requestID)
		b.mu.Unlock()
	}()

	env, err := protocol.NewEnvelope(protocol.TypeFileRequest, &protocol.FileRequestPayload{
		RequestID: requestID,
		Operation: operation,
		Path:      path,
		Content:   content,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "encode file request")
	}
	if err := b.send(sessionID, &env); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConnectionLost, "send file request").
			WithRecoverable(true)
	}

	b.logger.Debug(logging.CategoryFileOp, "file_request", "file operation dispatched", map[string]any{
		"session_id": sessionID,
		"request_id": requestID,
		"operation":  operation,
	})

	select {
	case resp := <-req.done:
		if resp == nil {
			return nil, errors.New(errors.ErrCodeConnectionLost, "connection lost before file response").
				WithRecoverable(true)
		}
		if resp.Error != nil {
			return nil, errors.New(errors.ErrorCodeFromNumber(resp.Error.Code), resp.Error.Message).
				WithRecoverable(resp.Error.Recoverable)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, errors.New(errors.ErrCodeCommandTimeout, "file operation timed out").
			WithContext("request_id", requestID).
			WithRecoverable(true)
	}
}

// HandleResponse routes a file:response to its waiter. Responses for
// unknown or already timed-out requests are dropped.
func (b *Broker) HandleResponse(sessionID string, resp *protocol.FileResponsePayload) bool {
	b.mu.Lock()
	req, ok := b.pending[resp.RequestID]
	if ok && req.sessionID != sessionID {
		ok = false
	}
	if ok {
		delete(b.pending, resp.RequestID)
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Debug(logging.CategoryFileOp, "response_dropped", "file response with no waiter", map[string]any{
			"session_id": sessionID,
			"request_id": resp.RequestID,
		})
		return false
	}
	req.done <- resp
	return true
}

// FailSession aborts every pending request for a session.
func (b *Broker) FailSession(sessionID string) int {
	b.mu.Lock()
	var failed []*pendingRequest
	for id, req := range b.pending {
		if req.sessionID == sessionID {
			delete(b.pending, id)
			failed = append(failed, req)
		}
	}
	b.mu.Unlock()

	for _, req := range failed {
		req.done <- nil
	}
	return len(failed)
}

// Pending reports in-flight request count, for tests and metrics.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
