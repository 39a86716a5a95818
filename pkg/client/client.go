// Package client is the agent side of the bridge: it dials the server,
// pairs with a code or a saved token, and services execute, file, and
// config messages until told to stop.
package client

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/MichaelrKraft/coder1-bridge/pkg/fileops"
	"github.com/MichaelrKraft/coder1-bridge/pkg/logging"
	"github.com/MichaelrKraft/coder1-bridge/pkg/protocol"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second

	defaultHeartbeatInterval = 30 * time.Second
	defaultChunkBytes        = 16 << 10
	// defaultChunkRate paces output so a chatty command cannot starve
	// heartbeats on the shared socket.
	defaultChunkRate = 64

	writeTimeout = 10 * time.Second
)

// ErrTerminated reports that the server ended the session explicitly,
// so the client must not reconnect.
var ErrTerminated = errors.New("session terminated by server")

// ErrRejected reports a non-recoverable pairing rejection.
var ErrRejected = errors.New("pairing rejected")

// Config controls one agent client.
type Config struct {
	ServerURL         string
	PairingCode       string
	Token             string
	WorkingDirectory  string
	Platform          string
	HeartbeatInterval time.Duration
	ChunkBytes        int
	ChunkRate         rate.Limit
}

// Client maintains the bridge connection for one agent.
type Client struct {
	cfg    Config
	exec   Executor
	files  *fileops.Handler
	logger *logging.Logger
	pace   *rate.Limiter

	mu        sync.Mutex
	writeMu   sync.Mutex
	conn      *websocket.Conn
	token     string
	bridgeID  string
	sessionID string
	workDir   string

	startedAt time.Time

	statsMu     sync.Mutex
	commandsRun int
	inFlight    int
}

// New creates a client. exec runs commands; a nil logger disables
// structured logging.
func New(cfg Config, exec Executor, logger *logging.Logger) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = defaultChunkBytes
	}
	if cfg.ChunkRate <= 0 {
		cfg.ChunkRate = defaultChunkRate
	}
	if cfg.Platform == "" {
		cfg.Platform = runtime.GOOS
	}
	return &Client{
		cfg:       cfg,
		exec:      exec,
		files:     fileops.NewHandler(cfg.WorkingDirectory, logger),
		logger:    logger,
		pace:      rate.NewLimiter(cfg.ChunkRate, int(cfg.ChunkRate)),
		token:     cfg.Token,
		workDir:   cfg.WorkingDirectory,
		startedAt: time.Now(),
	}
}

// SessionID returns the current session id, empty before pairing.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Token returns the session token minted at pairing, for persistence
// across agent restarts.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Run connects and serves until ctx is cancelled, the server
// terminates the session, or pairing is rejected outright. Transport
// drops reconnect with exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	backoff := initialBackoff
	for {
		err := c.runOnce(ctx)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
			return ctx.Err()
		case errors.Is(err, ErrTerminated), errors.Is(err, ErrRejected):
			return err
		}

		c.logWarn("reconnect_pending", "connection lost, reconnecting", map[string]any{
			"error":   err.Error(),
			"backoff": backoff.String(),
		})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.ServerURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	if err := c.pair(conn); err != nil {
		return err
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.heartbeatLoop(sessionCtx)

	return c.readLoop(sessionCtx)
}

// pair sends auth:pair and waits for the verdict. A saved token plus
// restore state reclaims a session inside the server's grace window.
func (c *Client) pair(conn *websocket.Conn) error {
	c.mu.Lock()
	pairMsg := protocol.AuthPairPayload{
		Version:  protocol.Version,
		Platform: c.cfg.Platform,
	}
	if c.token != "" {
		pairMsg.Token = c.token
		pairMsg.Restore = &protocol.RestoreState{
			BridgeID:         c.bridgeID,
			WorkingDirectory: c.workDir,
		}
	} else {
		pairMsg.Code = c.cfg.PairingCode
	}
	c.mu.Unlock()

	env, err := protocol.NewEnvelope(protocol.TypeAuthPair, &pairMsg)
	if err != nil {
		return err
	}
	if err := c.writeEnvelope(conn, &env); err != nil {
		return err
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	reply, err := protocol.Decode(data)
	if err != nil {
		return err
	}

	switch reply.Type {
	case protocol.TypeConnectionAccepted:
		var accepted protocol.ConnectionAcceptedPayload
		if err := reply.DecodePayload(&accepted); err != nil {
			return err
		}
		c.mu.Lock()
		c.token = accepted.Token
		c.bridgeID = accepted.BridgeID
		c.sessionID = accepted.SessionID
		c.mu.Unlock()
		c.logInfo("paired", "connected to bridge", map[string]any{
			"session_id": accepted.SessionID,
			"restored":   accepted.Restored,
		})
		return nil

	case protocol.TypeConnectionRejected:
		var rejected protocol.ConnectionRejectedPayload
		if err := reply.DecodePayload(&rejected); err != nil {
			return err
		}
		c.logWarn("pairing_rejected", rejected.Reason, map[string]any{"code": rejected.Code})
		if rejected.Recoverable {
			return errors.New("pairing rejected: " + rejected.Reason)
		}
		// A consumed or expired code will never work again; clear the
		// token too so a retry does not loop on a dead credential.
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
		return ErrRejected

	default:
		return errors.New("unexpected handshake reply: " + reply.Type)
	}
}

func (c *Client) readLoop(ctx context.Context) error {
	conn := c.currentConn()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		env, err := protocol.Decode(data)
		if err != nil {
			c.logWarn("malformed_message", "dropping malformed frame", nil)
			continue
		}

		switch env.Type {
		case protocol.TypeExecute:
			var p protocol.ExecutePayload
			if err := env.DecodePayload(&p); err != nil {
				continue
			}
			go c.runCommand(ctx, &p)

		case protocol.TypeFileRequest:
			var p protocol.FileRequestPayload
			if err := env.DecodePayload(&p); err != nil {
				continue
			}
			go c.handleFileRequest(&p)

		case protocol.TypeConfigUpdate:
			var p protocol.ConfigUpdatePayload
			if err := env.DecodePayload(&p); err != nil {
				continue
			}
			c.applyConfig(&p)

		case protocol.TypeTerminate:
			var p protocol.TerminatePayload
			_ = env.DecodePayload(&p)
			c.logInfo("terminated", "server ended the session", map[string]any{"reason": p.Reason})
			return ErrTerminated

		case protocol.TypeError:
			var p protocol.ErrorPayload
			if err := env.DecodePayload(&p); err != nil {
				continue
			}
			c.logWarn("server_error", p.Message, map[string]any{
				"code":        p.Code,
				"recoverable": p.Recoverable,
			})

		default:
			c.logWarn("unknown_message", "ignoring unknown message type", map[string]any{"type": env.Type})
		}
	}
}

// runCommand executes one command, streaming paced output chunks and
// finishing with claude:complete. Output for a command is sequenced so
// the server can reorder it.
func (c *Client) runCommand(ctx context.Context, p *protocol.ExecutePayload) {
	c.statsMu.Lock()
	c.inFlight++
	c.statsMu.Unlock()
	defer func() {
		c.statsMu.Lock()
		c.inFlight--
		c.statsMu.Unlock()
	}()

	start := time.Now()
	dir := p.Context.WorkingDirectory
	if dir == "" {
		c.mu.Lock()
		dir = c.workDir
		c.mu.Unlock()
	}

	var seqMu sync.Mutex
	seq := 0
	emit := func(stream, data string) {
		for len(data) > 0 {
			chunk := data
			if len(chunk) > c.cfg.ChunkBytes {
				chunk = chunk[:c.cfg.ChunkBytes]
			}
			data = data[len(chunk):]

			_ = c.pace.Wait(ctx)
			seqMu.Lock()
			n := seq
			seq++
			seqMu.Unlock()
			c.send(protocol.TypeOutput, &protocol.OutputPayload{
				SessionID: c.SessionID(),
				CommandID: p.CommandID,
				Data:      chunk,
				Stream:    stream,
				Timestamp: time.Now().UTC(),
				Seq:       n,
			})
		}
	}

	exitCode, err := c.exec.Execute(ctx, p.Command, dir, p.Context.EnvVars, emit)

	c.statsMu.Lock()
	c.commandsRun++
	c.statsMu.Unlock()

	complete := protocol.CompletePayload{
		SessionID: c.SessionID(),
		CommandID: p.CommandID,
		ExitCode:  exitCode,
		Duration:  time.Since(start).Milliseconds(),
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		complete.Error = err.Error()
	}
	c.send(protocol.TypeComplete, &complete)
}

func (c *Client) handleFileRequest(p *protocol.FileRequestPayload) {
	resp := c.files.Handle(p)
	c.send(protocol.TypeFileResponse, resp)
}

func (c *Client) applyConfig(p *protocol.ConfigUpdatePayload) {
	if p.WorkingDirectory != nil && *p.WorkingDirectory != "" {
		c.mu.Lock()
		c.workDir = *p.WorkingDirectory
		c.mu.Unlock()
		c.files.SetRoot(*p.WorkingDirectory)
	}
	c.logInfo("config_applied", "applied config update", map[string]any{
		"working_directory": p.WorkingDirectory != nil,
		"allowed":           len(p.AllowedCommands),
		"blocked":           len(p.BlockedCommands),
	})
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	c.sendHeartbeat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sendHeartbeat()
		}
	}
}

func (c *Client) sendHeartbeat() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	c.statsMu.Lock()
	executed := c.commandsRun
	running := c.inFlight
	c.statsMu.Unlock()

	status := protocol.StatusIdle
	if running > 0 {
		status = protocol.StatusActive
	}

	c.send(protocol.TypeHeartbeat, &protocol.HeartbeatPayload{
		Timestamp: time.Now().UTC(),
		Status:    status,
		Stats: protocol.HeartbeatStats{
			CommandsExecuted: executed,
			UptimeSeconds:    int64(time.Since(c.startedAt).Seconds()),
			MemoryBytes:      int64(mem.Alloc),
		},
	})
}

func (c *Client) send(msgType string, payload any) {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		return
	}
	conn := c.currentConn()
	if conn == nil {
		return
	}
	if err := c.writeEnvelope(conn, &env); err != nil {
		c.logWarn("send_failed", "write failed", map[string]any{"type": msgType})
	}
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// writeEnvelope serializes writes; gorilla connections allow one
// concurrent writer.
func (c *Client) writeEnvelope(conn *websocket.Conn, env *protocol.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) logInfo(event, msg string, details map[string]any) {
	if c.logger == nil {
		return
	}
	_ = c.logger.Info(logging.CategoryNetwork, event, msg, details)
}

func (c *Client) logWarn(event, msg string, details map[string]any) {
	if c.logger == nil {
		return
	}
	_ = c.logger.Warn(logging.CategoryNetwork, event, msg, details)
}
