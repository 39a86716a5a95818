// Package stream reassembles chunked command output into ordered,
// bounded per-command streams.
package stream

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/MichaelrKraft/coder1-bridge/pkg/logging"
)

// DefaultBufferLimit caps how much output is retained per command.
const DefaultBufferLimit = 1 << 20

// Chunk is one piece of stdout/stderr for a command.
type Chunk struct {
	SessionID string
	CommandID string
	Stream    string
	Data      []byte
	Seq       uint64
	Truncated bool
}

// Sink receives ordered chunks for downstream delivery. It is invoked
// synchronously while the multiplexer holds its lock, so chunks for a
// single command never interleave.
type Sink func(Chunk)

// Result is the reassembled output handed back when a command closes.
type Result struct {
	Output    string
	Truncated bool
}

type commandBuffer struct {
	sessionID string
	nextSeq   uint64
	buf       bytes.Buffer
	truncated bool
	pending   map[uint64]Chunk
}

// Multiplexer orders and buffers output chunks per command. The
// transport preserves per-connection ordering, so out-of-order seqs
// only occur around reconnects; those are parked until the gap fills.
type Multiplexer struct {
	mu     sync.Mutex
	limit  int
	cmds   map[string]*commandBuffer
	sink   Sink
	logger *logging.Logger
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithLogger attaches a logger for drop/truncation events.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Multiplexer) { m.logger = logger }
}

// WithBufferLimit overrides the per-command retention cap.
func WithBufferLimit(limit int) Option {
	return func(m *Multiplexer) {
		if limit > 0 {
			m.limit = limit
		}
	}
}

// New creates a multiplexer delivering ordered chunks to sink.
func New(sink Sink, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		limit: DefaultBufferLimit,
		cmds:  make(map[string]*commandBuffer),
		sink:  sink,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open registers a command before any of its output arrives.
func (m *Multiplexer) Open(sessionID, commandID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cmds[commandID]; ok {
		return
	}
	m.cmds[commandID] = &commandBuffer{
		sessionID: sessionID,
		pending:   make(map[uint64]Chunk),
	}
}

// Ingest accepts one chunk. Chunks arriving ahead of a gap are held
// and released in seq order once the gap fills. Output for a command
// that was never opened (or already closed) is dropped.
func (m *Multiplexer) Ingest(c Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cb, ok := m.cmds[c.CommandID]
	if !ok {
		m.logger.Debug(logging.CategoryCommand, "output_dropped", "output for unknown command", map[string]any{
			"command_id": c.CommandID,
			"seq":        c.Seq,
		})
		return fmt.Errorf("unknown command %q", c.CommandID)
	}

	if c.Seq < cb.nextSeq {
		// Duplicate from a retransmit after reconnect.
		return nil
	}
	if c.Seq > cb.nextSeq {
		cb.pending[c.Seq] = c
		return nil
	}

	m.deliver(cb, c)
	for {
		next, ok := cb.pending[cb.nextSeq]
		if !ok {
			return nil
		}
		delete(cb.pending, cb.nextSeq)
		m.deliver(cb, next)
	}
}

// deliver appends to the bounded buffer and forwards downstream.
// Caller holds m.mu.
func (m *Multiplexer) deliver(cb *commandBuffer, c Chunk) {
	cb.nextSeq = c.Seq + 1

	if !cb.truncated {
		room := m.limit - cb.buf.Len()
		if room >= len(c.Data) {
			cb.buf.Write(c.Data)
		} else {
			if room > 0 {
				cb.buf.Write(c.Data[:room])
			}
			cb.truncated = true
			m.logger.Warn(logging.CategoryCommand, "output_truncated", "output buffer cap reached", map[string]any{
				"session_id": cb.sessionID,
				"command_id": c.CommandID,
				"limit":      m.limit,
			})
		}
	}

	c.Truncated = cb.truncated
	if m.sink != nil {
		m.sink(c)
	}
}

// Buffered reports how many bytes are currently retained for a command.
func (m *Multiplexer) Buffered(commandID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.cmds[commandID]; ok {
		return cb.buf.Len()
	}
	return 0
}

// Pending reports chunks held for a command waiting on a seq gap.
func (m *Multiplexer) Pending(commandID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.cmds[commandID]; ok {
		return len(cb.pending)
	}
	return 0
}

// Close flushes any releasable pending chunks, removes the command,
// and returns the reassembled output. Completion handling calls this
// before emitting the completion so output is never delivered after it.
func (m *Multiplexer) Close(commandID string) (Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cb, ok := m.cmds[commandID]
	if !ok {
		return Result{}, false
	}
	for {
		next, ok := cb.pending[cb.nextSeq]
		if !ok {
			break
		}
		delete(cb.pending, cb.nextSeq)
		m.deliver(cb, next)
	}
	delete(m.cmds, commandID)
	return Result{Output: cb.buf.String(), Truncated: cb.truncated}, true
}

// CloseSession removes every open command for a session, returning the
// command ids that were dropped. Used when a connection is lost.
func (m *Multiplexer) CloseSession(sessionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var dropped []string
	for id, cb := range m.cmds {
		if cb.sessionID == sessionID {
			delete(m.cmds, id)
			dropped = append(dropped, id)
		}
	}
	return dropped
}
