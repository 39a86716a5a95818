package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/MichaelrKraft/coder1-bridge/pkg/config"
	"github.com/MichaelrKraft/coder1-bridge/pkg/dispatch"
	"github.com/MichaelrKraft/coder1-bridge/pkg/errors"
	"github.com/MichaelrKraft/coder1-bridge/pkg/fileops"
	"github.com/MichaelrKraft/coder1-bridge/pkg/heartbeat"
	"github.com/MichaelrKraft/coder1-bridge/pkg/ids"
	"github.com/MichaelrKraft/coder1-bridge/pkg/logging"
	"github.com/MichaelrKraft/coder1-bridge/pkg/protocol"
	"github.com/MichaelrKraft/coder1-bridge/pkg/ratelimit"
	"github.com/MichaelrKraft/coder1-bridge/pkg/sanitizer"
	"github.com/MichaelrKraft/coder1-bridge/pkg/stream"
	"github.com/MichaelrKraft/coder1-bridge/pkg/ticket"
)

// PermissionTerminal is the read-only permission guest sessions get.
const PermissionTerminal = "terminal"

// Manager owns the session table and routes every message between the
// IDE side and paired agents.
type Manager struct {
	cfg     *config.Config
	tickets *ticket.Authority
	tokens  *TokenManager
	limiter *ratelimit.Limiter
	check   *sanitizer.Sanitizer
	hub     *Hub
	logger  *logging.Logger
	clock   func() time.Time

	monitor    *heartbeat.Monitor
	mux        *stream.Multiplexer
	dispatcher *dispatch.Dispatcher
	broker     *fileops.Broker

	mu       sync.RWMutex
	sessions map[string]*Session
	byBridge map[string]string
}

// NewManager wires the session table to its collaborators.
func NewManager(cfg *config.Config, tickets *ticket.Authority, tokens *TokenManager, limiter *ratelimit.Limiter, check *sanitizer.Sanitizer, hub *Hub, logger *logging.Logger) *Manager {
	m := &Manager{
		cfg:      cfg,
		tickets:  tickets,
		tokens:   tokens,
		limiter:  limiter,
		check:    check,
		hub:      hub,
		logger:   logger,
		clock:    time.Now,
		sessions: make(map[string]*Session),
		byBridge: make(map[string]string),
	}

	m.monitor = heartbeat.New(m.onHeartbeatTimeout,
		heartbeat.WithInterval(cfg.Bridge.HeartbeatInterval),
		heartbeat.WithMissedBeats(cfg.Bridge.MissedBeats),
		heartbeat.WithLogger(logger))

	m.mux = stream.New(m.onOutputChunk,
		stream.WithBufferLimit(cfg.Bridge.OutputBufferBytes),
		stream.WithLogger(logger))

	dispatchOpts := []dispatch.Option{
		dispatch.WithMaxConcurrent(cfg.Bridge.MaxConcurrentCommands),
		dispatch.WithDefaultTimeout(cfg.Bridge.MaxCommandTimeout),
		dispatch.WithLogger(logger),
	}
	if cfg.Bridge.QueueDepth > 0 {
		dispatchOpts = append(dispatchOpts, dispatch.WithQueue(cfg.Bridge.QueueDepth))
	}
	m.dispatcher = dispatch.New(m.sendToSession, check, limiter, m.mux, m.onCompletion, dispatchOpts...)

	m.broker = fileops.New(m.sendToSession, check, limiter,
		fileops.WithMaxInFlight(int64(cfg.Bridge.MaxFileOps)),
		fileops.WithTimeout(cfg.Bridge.FileOpTimeout),
		fileops.WithWriteWeight(cfg.Bridge.FileWriteWeight),
		fileops.WithLogger(logger))

	return m
}

// Run drives the background loops: heartbeat sweeps, command timeout
// sweeps, rate-limit GC, ticket expiry, and restore-grace cleanup.
func (m *Manager) Run(ctx context.Context) {
	go m.monitor.Run(ctx)
	go m.dispatcher.Run(ctx, time.Second)
	go m.limiter.Run(ctx, time.Minute)
	go m.tickets.Run(ctx)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepExpiredSessions()
			m.tokens.PruneRevoked()
			metricPendingTickets.Set(float64(m.tickets.Pending()))
		}
	}
}

func (m *Manager) sendToSession(sessionID string, env *protocol.Envelope) error {
	sess := m.Session(sessionID)
	if sess == nil {
		return errors.New(errors.ErrCodeAgentNotFound, "no such session").
			WithContext("session_id", sessionID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return sess.Send(ctx, env)
}

// Session returns the live session for an id, or nil.
func (m *Manager) Session(sessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

// Sessions snapshots the current session list.
func (m *Manager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Authenticate performs the pairing handshake for a new transport.
// It accepts: a pairing code (consumed atomically), a session token
// from a previous pairing (reconnect), or neither when guest sessions
// are enabled. identifier keys the auth rate limit, typically the
// remote address.
func (m *Manager) Authenticate(t Transport, identifier string, pair *protocol.AuthPairPayload) (*Session, *protocol.ConnectionAcceptedPayload, *errors.Error) {
	if !protocol.Compatible(pair.Version) {
		return nil, nil, errors.New(errors.ErrCodeVersionMismatch, "incompatible protocol version").
			WithContext("agent_version", pair.Version).
			WithUserMessage("Update the agent to a compatible version.")
	}

	if res := m.limiter.Check(identifier, ratelimit.BucketAuth); !res.Allowed {
		return nil, nil, errors.New(errors.ErrCodeRateLimitExceeded, "too many pairing attempts").
			WithContext("retry_after_ms", res.RetryAfter.Milliseconds()).
			WithRecoverable(true)
	}

	switch {
	case pair.Token != "":
		return m.authenticateToken(t, pair)
	case pair.Code != "":
		return m.authenticateTicket(t, pair)
	default:
		return m.authenticateGuest(t, pair)
	}
}

func (m *Manager) authenticateTicket(t Transport, pair *protocol.AuthPairPayload) (*Session, *protocol.ConnectionAcceptedPayload, *errors.Error) {
	tk, err := m.tickets.Consume(pair.Code)
	if err != nil {
		code := errors.ErrCodeInvalidPairingCode
		if err == ticket.ErrExpired {
			code = errors.ErrCodeTokenExpired
		}
		m.logger.Warn(logging.CategoryAuth, "pairing_rejected", "pairing code rejected", map[string]any{
			"reason": err.Error(),
		})
		return nil, nil, errors.Wrap(err, code, "pairing code rejected").
			WithUserMessage("Request a new pairing code from the IDE.")
	}

	if pair.Restore != nil {
		if sess, accepted := m.tryRestore(t, pair.Restore, tk.UserID); sess != nil {
			return sess, accepted, nil
		}
	}
	return m.createSession(t, tk.UserID, tk.Permissions, tk.BridgeAuth, false, pair)
}

func (m *Manager) authenticateToken(t Transport, pair *protocol.AuthPairPayload) (*Session, *protocol.ConnectionAcceptedPayload, *errors.Error) {
	claims, err := m.tokens.Validate(pair.Token)
	if err != nil {
		code := errors.ErrCodeUnauthorized
		if err == ErrExpiredToken {
			code = errors.ErrCodeTokenExpired
		}
		return nil, nil, errors.Wrap(err, code, "session token rejected").
			WithUserMessage("Pair again with a fresh code.")
	}

	restore := pair.Restore
	if restore == nil {
		restore = &protocol.RestoreState{BridgeID: claims.BridgeID}
	}
	if sess, accepted := m.tryRestore(t, restore, ""); sess != nil {
		return sess, accepted, nil
	}

	// Grace window passed; mint a fresh session with the token's grants.
	return m.createSession(t, claims.Subject, claims.Permissions, claims.BridgeAuth, false, pair)
}

func (m *Manager) authenticateGuest(t Transport, pair *protocol.AuthPairPayload) (*Session, *protocol.ConnectionAcceptedPayload, *errors.Error) {
	if !m.cfg.Server.AllowGuest {
		return nil, nil, errors.New(errors.ErrCodeInvalidPairingCode, "pairing code required").
			WithUserMessage("Request a pairing code from the IDE.")
	}
	return m.createSession(t, "", []string{PermissionTerminal}, false, true, pair)
}

// tryRestore rebinds a transport to a disconnected session within the
// grace window. In-flight commands from before the drop are failed
// with CONNECTION_LOST, never silently dropped.
func (m *Manager) tryRestore(t Transport, restore *protocol.RestoreState, userID string) (*Session, *protocol.ConnectionAcceptedPayload) {
	m.mu.Lock()
	sessionID, ok := m.byBridge[restore.BridgeID]
	var sess *Session
	if ok {
		sess = m.sessions[sessionID]
	}
	m.mu.Unlock()

	if sess == nil || !sess.restorable(m.clock(), m.cfg.Bridge.RestoreGrace) {
		return nil, nil
	}
	if userID != "" && sess.UserID != userID {
		return nil, nil
	}

	m.dispatcher.FailSession(sess.ID)
	m.broker.FailSession(sess.ID)
	if aerr := sess.attachTransport(t); aerr != nil {
		return nil, nil
	}
	if restore.WorkingDirectory != "" {
		sess.SetWorkingDirectory(restore.WorkingDirectory)
	}
	m.monitor.Track(sess.ID)
	metricSessionRestores.Inc()

	m.logger.Info(logging.CategorySession, "session_restored", "session restored after reconnect", map[string]any{
		"session_id": sess.ID,
		"bridge_id":  sess.Bridge,
	})
	m.broadcastState(sess)

	token, tokenID, err := m.tokens.Generate(sess.ID, sess.Bridge, sess.Permissions(), sess.BridgeAuth())
	if err != nil {
		token = ""
	} else {
		m.tokens.RevokeID(sess.currentTokenID())
		sess.setTokenID(tokenID)
	}
	return sess, &protocol.ConnectionAcceptedPayload{
		BridgeID:     sess.Bridge,
		SessionID:    sess.ID,
		Token:        token,
		Capabilities: protocol.DefaultCapabilities(),
		Restored:     true,
	}
}

func (m *Manager) createSession(t Transport, userID string, permissions []string, bridgeAuth, guest bool, pair *protocol.AuthPairPayload) (*Session, *protocol.ConnectionAcceptedPayload, *errors.Error) {
	sess := &Session{
		ID:          ids.NewSessionID(),
		Bridge:      ids.NewBridgeID(),
		UserID:      userID,
		state:       StateAuthenticating,
		bridgeAuth:  bridgeAuth,
		guest:       guest,
		permissions: permissions,
	}
	if pair.Restore != nil && pair.Restore.WorkingDirectory != "" {
		sess.workingDirectory = pair.Restore.WorkingDirectory
	}
	if aerr := sess.attachTransport(t); aerr != nil {
		return nil, nil, aerr
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.byBridge[sess.Bridge] = sess.ID
	active := len(m.sessions)
	m.mu.Unlock()
	metricActiveSessions.Set(float64(active))

	m.monitor.Track(sess.ID)

	token, tokenID, err := m.tokens.Generate(sess.ID, sess.Bridge, permissions, bridgeAuth)
	if err != nil {
		m.logger.Error(logging.CategoryAuth, "token_mint_failed", "could not mint session token", map[string]any{
			"session_id": sess.ID,
			"error":      err.Error(),
		})
	} else {
		sess.setTokenID(tokenID)
	}

	m.logger.Info(logging.CategorySession, "session_paired", "agent paired", map[string]any{
		"session_id": sess.ID,
		"bridge_id":  sess.Bridge,
		"guest":      guest,
		"platform":   pair.Platform,
	})
	m.broadcastState(sess)

	return sess, &protocol.ConnectionAcceptedPayload{
		BridgeID:     sess.Bridge,
		SessionID:    sess.ID,
		Token:        token,
		Capabilities: protocol.DefaultCapabilities(),
	}, nil
}

// HandleMessage routes one inbound agent message.
func (m *Manager) HandleMessage(sess *Session, env *protocol.Envelope) *errors.Error {
	switch env.Type {
	case protocol.TypeHeartbeat:
		var p protocol.HeartbeatPayload
		if err := env.DecodePayload(&p); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "decode heartbeat")
		}
		return m.handleHeartbeat(sess, &p)

	case protocol.TypeOutput:
		var p protocol.OutputPayload
		if err := env.DecodePayload(&p); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "decode output")
		}
		p.SessionID = sess.ID
		if err := m.dispatcher.HandleOutput(&p); err != nil {
			m.logger.Debug(logging.CategoryCommand, "output_dropped", "output dropped", map[string]any{
				"session_id": sess.ID,
				"command_id": p.CommandID,
			})
		}
		return nil

	case protocol.TypeComplete:
		var p protocol.CompletePayload
		if err := env.DecodePayload(&p); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "decode completion")
		}
		m.dispatcher.Complete(sess.ID, p.CommandID, p.ExitCode, p.Duration, p.Error)
		return nil

	case protocol.TypeFileResponse:
		var p protocol.FileResponsePayload
		if err := env.DecodePayload(&p); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "decode file response")
		}
		m.broker.HandleResponse(sess.ID, &p)
		return nil

	case protocol.TypeError:
		var p protocol.ErrorPayload
		if err := env.DecodePayload(&p); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "decode error message")
		}
		m.logger.Warn(logging.CategoryNetwork, "agent_error", "agent reported error", map[string]any{
			"session_id":  sess.ID,
			"code":        p.Code,
			"message":     p.Message,
			"recoverable": p.Recoverable,
		})
		return nil

	default:
		return errors.New(errors.ErrCodeInternal, "unsupported message type").
			WithContext("type", env.Type)
	}
}

func (m *Manager) handleHeartbeat(sess *Session, p *protocol.HeartbeatPayload) *errors.Error {
	wasActive := sess.State() == StateActive
	if !m.monitor.BeatAt(sess.ID, p.Timestamp) {
		return nil
	}
	sess.markHeartbeat(m.clock())
	if !wasActive && sess.State() == StateActive {
		m.broadcastState(sess)
	}
	return nil
}

// Execute submits a command for a session. Guest sessions are
// read-only; they cannot execute.
func (m *Manager) Execute(sessionID, command string, execCtx protocol.ExecContext) (string, *errors.Error) {
	sess := m.Session(sessionID)
	if sess == nil {
		return "", errors.New(errors.ErrCodeAgentNotFound, "no such session")
	}
	if sess.Guest() {
		metricCommandsRejected.WithLabelValues("guest").Inc()
		return "", errors.New(errors.ErrCodeUnauthorized, "guest sessions cannot execute commands").
			WithUserMessage("Pair with a code to run commands.")
	}
	if execCtx.WorkingDirectory == "" {
		execCtx.WorkingDirectory = sess.WorkingDirectory()
	}

	id, serr := m.dispatcher.Submit(sessionID, command, execCtx)
	if serr != nil {
		metricCommandsRejected.WithLabelValues(string(serr.Code)).Inc()
		return "", serr
	}
	metricCommandsDispatched.Inc()
	return id, nil
}

// FileRequest brokers a file operation for a session. Guests may only
// perform side-effect-free operations.
func (m *Manager) FileRequest(ctx context.Context, sessionID, operation, path, content string) (*protocol.FileResult, *errors.Error) {
	sess := m.Session(sessionID)
	if sess == nil {
		return nil, errors.New(errors.ErrCodeAgentNotFound, "no such session")
	}
	if sess.Guest() && operation == protocol.OpWrite {
		return nil, errors.New(errors.ErrCodeUnauthorized, "guest sessions are read-only")
	}

	result, serr := m.broker.Request(ctx, sessionID, sess.WorkingDirectory(), operation, path, content)
	if serr == nil {
		metricFileOps.WithLabelValues(operation).Inc()
	}
	return result, serr
}

// ConfigUpdate applies IDE-side settings and forwards them to the
// agent.
func (m *Manager) ConfigUpdate(sessionID string, p *protocol.ConfigUpdatePayload) *errors.Error {
	sess := m.Session(sessionID)
	if sess == nil {
		return errors.New(errors.ErrCodeAgentNotFound, "no such session")
	}

	if p.MaxCommandTimeoutMs != nil && *p.MaxCommandTimeoutMs > 0 {
		m.dispatcher.SetSessionTimeout(sessionID, time.Duration(*p.MaxCommandTimeoutMs)*time.Millisecond)
	}
	if p.AllowedCommands != nil || p.BlockedCommands != nil {
		m.check.SetSessionLists(sessionID, p.AllowedCommands, p.BlockedCommands)
	}
	if p.WorkingDirectory != nil && *p.WorkingDirectory != "" {
		sess.SetWorkingDirectory(*p.WorkingDirectory)
	}

	env, err := protocol.NewEnvelope(protocol.TypeConfigUpdate, p)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "encode config update")
	}
	if err := m.sendToSession(sessionID, &env); err != nil {
		return errors.Wrap(err, errors.ErrCodeConnectionLost, "forward config update").
			WithRecoverable(true)
	}
	return nil
}

// Terminate permanently closes a session.
func (m *Manager) Terminate(sessionID, reason string) *errors.Error {
	sess := m.Session(sessionID)
	if sess == nil {
		return errors.New(errors.ErrCodeAgentNotFound, "no such session")
	}

	if env, err := protocol.NewEnvelope(protocol.TypeTerminate, &protocol.TerminatePayload{Reason: reason}); err == nil {
		_ = m.sendToSession(sessionID, &env)
	}

	transport := sess.terminate()
	if transport != nil {
		_ = transport.Close(reason)
	}
	m.cleanupSession(sess, reason)
	return nil
}

// OnDisconnect handles a transport drop. The session stays in the
// table for the restore grace window; its in-flight work fails with
// CONNECTION_LOST immediately.
func (m *Manager) OnDisconnect(sess *Session) {
	sess.detachTransport(m.clock())
	m.monitor.Forget(sess.ID)
	m.dispatcher.FailSession(sess.ID)
	m.broker.FailSession(sess.ID)

	m.logger.Info(logging.CategorySession, "transport_disconnected", "agent transport dropped", map[string]any{
		"session_id": sess.ID,
	})
	m.broadcastState(sess)
}

// onHeartbeatTimeout is the monitor's callback: prolonged silence is a
// terminal exit, not a restorable drop.
func (m *Manager) onHeartbeatTimeout(sessionID string, silentFor time.Duration) {
	metricHeartbeatTimeouts.Inc()
	sess := m.Session(sessionID)
	if sess == nil {
		return
	}
	transport := sess.terminate()
	if transport != nil {
		_ = transport.Close("heartbeat timeout")
	}
	m.cleanupSession(sess, "heartbeat timeout")
}

func (m *Manager) cleanupSession(sess *Session, reason string) {
	m.dispatcher.FailSession(sess.ID)
	m.broker.FailSession(sess.ID)
	m.monitor.Forget(sess.ID)
	m.check.ForgetSession(sess.ID)
	m.tokens.RevokeID(sess.currentTokenID())

	m.mu.Lock()
	delete(m.sessions, sess.ID)
	delete(m.byBridge, sess.Bridge)
	active := len(m.sessions)
	m.mu.Unlock()
	metricActiveSessions.Set(float64(active))

	m.logger.Info(logging.CategorySession, "session_terminated", "session closed", map[string]any{
		"session_id": sess.ID,
		"reason":     reason,
	})
	m.broadcastState(sess)
}

// sweepExpiredSessions drops disconnected sessions whose restore grace
// has lapsed.
func (m *Manager) sweepExpiredSessions() {
	now := m.clock()
	grace := m.cfg.Bridge.RestoreGrace

	m.mu.Lock()
	var expired []*Session
	for id, sess := range m.sessions {
		sess.mu.Lock()
		gone := sess.transport == nil && !sess.disconnectedAt.IsZero() && now.Sub(sess.disconnectedAt) > grace
		sess.mu.Unlock()
		if gone {
			delete(m.sessions, id)
			delete(m.byBridge, sess.Bridge)
			expired = append(expired, sess)
		}
	}
	active := len(m.sessions)
	m.mu.Unlock()
	metricActiveSessions.Set(float64(active))

	for _, sess := range expired {
		m.check.ForgetSession(sess.ID)
		m.tokens.RevokeID(sess.currentTokenID())
		m.logger.Info(logging.CategorySession, "session_expired", "restore grace lapsed", map[string]any{
			"session_id": sess.ID,
		})
	}
}

func (m *Manager) broadcastState(sess *Session) {
	m.hub.Broadcast(Event{
		Type:      EventSessionState,
		SessionID: sess.ID,
		Payload:   map[string]any{"state": string(sess.State()), "bridgeId": sess.Bridge},
	})
}

// onOutputChunk is the multiplexer sink: ordered chunks fan out to
// IDE clients as they arrive.
func (m *Manager) onOutputChunk(c stream.Chunk) {
	m.hub.Broadcast(Event{
		Type:      EventCommandOutput,
		SessionID: c.SessionID,
		Payload: map[string]any{
			"commandId": c.CommandID,
			"stream":    c.Stream,
			"data":      string(c.Data),
			"seq":       c.Seq,
			"truncated": c.Truncated,
		},
	})
}

// onCompletion forwards terminal command results to IDE clients.
func (m *Manager) onCompletion(sessionID string, c dispatch.Completion) {
	payload := map[string]any{
		"commandId":  c.CommandID,
		"exitCode":   c.ExitCode,
		"durationMs": c.DurationMs,
		"truncated":  c.Truncated,
	}
	if c.Err != nil {
		payload["error"] = map[string]any{
			"code":        c.Err.Code.Number(),
			"message":     c.Err.Message,
			"recoverable": c.Err.Recoverable,
		}
	}
	m.hub.Broadcast(Event{
		Type:      EventCommandComplete,
		SessionID: sessionID,
		Payload:   payload,
	})
}
