package bridge

import (
	"context"
	stderrors "errors"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"

	"github.com/MichaelrKraft/coder1-bridge/pkg/config"
	apperrors "github.com/MichaelrKraft/coder1-bridge/pkg/errors"
	"github.com/MichaelrKraft/coder1-bridge/pkg/logging"
	"github.com/MichaelrKraft/coder1-bridge/pkg/protocol"
	"github.com/MichaelrKraft/coder1-bridge/pkg/ticket"
)

const (
	// pairHandshakeTimeout bounds how long an agent gets to send
	// auth:pair after connecting.
	pairHandshakeTimeout = 10 * time.Second

	wsPingInterval = 20 * time.Second
	wsPingTimeout  = 5 * time.Second
)

// Server hosts the pairing API, the agent transport, and the IDE
// event stream.
type Server struct {
	cfg        *config.Config
	manager    *Manager
	tickets    *ticket.Authority
	hub        *Hub
	logger     *log.Logger
	jsonLog    *logging.Logger
	httpServer *http.Server

	agentConns *connLimiter
	eventConns *connLimiter
}

// NewServer wires a server around an existing manager.
func NewServer(cfg *config.Config, manager *Manager, tickets *ticket.Authority, hub *Hub, jsonLog *logging.Logger) *Server {
	return &Server{
		cfg:        cfg,
		manager:    manager,
		tickets:    tickets,
		hub:        hub,
		logger:     log.New(os.Stdout, "[bridge] ", log.LstdFlags),
		jsonLog:    jsonLog,
		agentConns: newConnLimiter(maxAgentConns),
		eventConns: newConnLimiter(maxEventStreamClients),
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	router := chi.NewRouter()
	router.Use(s.corsMiddleware)
	router.Use(s.securityHeadersMiddleware)

	// Public endpoints (pre-auth)
	router.Get("/healthz", s.handleHealthz)
	router.Get("/metrics", promhttp.Handler().ServeHTTP)
	router.Get("/ws/bridge", s.handleAgentSocket)

	api := chi.NewRouter()
	api.Route("/pair", func(r chi.Router) {
		r.Post("/tickets", s.handleIssueTicket)
		r.Get("/tickets/{ticket}", s.handleInspectTicket)
	})
	api.Get("/sessions", s.handleListSessions)
	api.Get("/sessions/{sessionID}", s.handleSessionDetail)
	api.Delete("/sessions/{sessionID}", s.handleTerminateSession)
	api.Post("/sessions/{sessionID}/commands", s.handleSubmitCommand)
	api.Post("/sessions/{sessionID}/files", s.handleFileRequest)
	api.Post("/sessions/{sessionID}/config", s.handleConfigUpdate)

	router.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Mount("/", api)
	})
	router.With(s.authMiddleware).Get("/ws/events", s.handleEventStream)

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.BindAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	serverErr := make(chan error, 1)
	go func() {
		s.logger.Printf("serving bridge on %s", s.cfg.Server.BindAddress)
		if err := s.httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{
		"status":   "ok",
		"sessions": len(s.manager.Sessions()),
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

type issueTicketRequest struct {
	UserID      string   `json:"userId"`
	SessionID   string   `json:"sessionId,omitempty"`
	BridgeAuth  bool     `json:"bridgeAuth"`
	Permissions []string `json:"permissions,omitempty"`
}

func (s *Server) handleIssueTicket(w http.ResponseWriter, r *http.Request) {
	var req issueTicketRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesTiny, false); err != nil {
		respondError(w, status, err)
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		respondError(w, http.StatusBadRequest, stderrors.New("userId required"))
		return
	}
	if len(req.Permissions) == 0 {
		req.Permissions = []string{PermissionTerminal, "execute", "fileops"}
	}

	t, err := s.tickets.Issue(req.UserID, req.SessionID, req.BridgeAuth, req.Permissions)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	metricPendingTickets.Set(float64(s.tickets.Pending()))
	s.hub.Broadcast(Event{Type: EventTicketIssued, Payload: map[string]any{"userId": req.UserID}})

	respondJSON(w, map[string]any{
		"ticketId":  t.ID,
		"expiresAt": t.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleInspectTicket(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "ticket"))
	t, err := s.tickets.Validate(id)
	if err != nil {
		status := http.StatusNotFound
		if err == ticket.ErrExpired {
			status = http.StatusGone
		}
		respondError(w, status, err)
		return
	}
	respondJSON(w, map[string]any{
		"ticketId":  t.ID,
		"userId":    t.UserID,
		"expiresAt": t.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

type sessionSummary struct {
	SessionID        string    `json:"sessionId"`
	BridgeID         string    `json:"bridgeId"`
	State            string    `json:"state"`
	Guest            bool      `json:"guest"`
	WorkingDirectory string    `json:"workingDirectory,omitempty"`
	LastHeartbeatAt  time.Time `json:"lastHeartbeatAt,omitempty"`
}

func summarize(sess *Session) sessionSummary {
	return sessionSummary{
		SessionID:        sess.ID,
		BridgeID:         sess.Bridge,
		State:            string(sess.State()),
		Guest:            sess.Guest(),
		WorkingDirectory: sess.WorkingDirectory(),
		LastHeartbeatAt:  sess.LastHeartbeat(),
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.manager.Sessions()
	out := make([]sessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, summarize(sess))
	}
	respondJSON(w, map[string]any{"sessions": out})
}

func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	sess := s.manager.Session(chi.URLParam(r, "sessionID"))
	if sess == nil {
		respondError(w, http.StatusNotFound, apperrors.New(apperrors.ErrCodeAgentNotFound, "no such session"))
		return
	}
	respondJSON(w, summarize(sess))
}

func (s *Server) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	if serr := s.manager.Terminate(chi.URLParam(r, "sessionID"), "terminated by request"); serr != nil {
		respondError(w, statusForError(serr), serr)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type submitCommandRequest struct {
	Command string               `json:"command"`
	Context protocol.ExecContext `json:"context"`
}

func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	var req submitCommandRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesCommand, false); err != nil {
		respondError(w, status, err)
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		respondError(w, http.StatusBadRequest, stderrors.New("command required"))
		return
	}

	commandID, serr := s.manager.Execute(chi.URLParam(r, "sessionID"), req.Command, req.Context)
	if serr != nil {
		respondError(w, statusForError(serr), serr)
		return
	}
	respondJSONStatus(w, http.StatusAccepted, map[string]any{"commandId": commandID})
}

type fileRequestBody struct {
	Operation string `json:"operation"`
	Path      string `json:"path"`
	Content   string `json:"content,omitempty"`
}

func (s *Server) handleFileRequest(w http.ResponseWriter, r *http.Request) {
	var req fileRequestBody
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesCommand, false); err != nil {
		respondError(w, status, err)
		return
	}

	result, serr := s.manager.FileRequest(r.Context(), chi.URLParam(r, "sessionID"), req.Operation, req.Path, req.Content)
	if serr != nil {
		respondError(w, statusForError(serr), serr)
		return
	}
	respondJSON(w, result)
}

func (s *Server) handleConfigUpdate(w http.ResponseWriter, r *http.Request) {
	var req protocol.ConfigUpdatePayload
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesSmall, false); err != nil {
		respondError(w, status, err)
		return
	}
	if serr := s.manager.ConfigUpdate(chi.URLParam(r, "sessionID"), &req); serr != nil {
		respondError(w, statusForError(serr), serr)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAgentSocket is the agent transport: accept, handshake within
// the pairing timeout, then pump messages until the socket drops.
func (s *Server) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	if !s.isWebSocketOriginAllowed(r) {
		httpError(w, "forbidden", http.StatusForbidden)
		return
	}
	if !s.agentConns.Acquire() {
		httpError(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	defer s.agentConns.Release()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Printf("agent websocket accept failed: %v", err)
		return
	}
	conn.SetReadLimit(maxWSReadBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	startWSPing(ctx, conn)

	transport := &wsTransport{conn: conn}

	sess, accepted, serr := s.handshake(ctx, conn, transport, r.RemoteAddr)
	if serr != nil {
		s.rejectAgent(ctx, conn, serr)
		return
	}
	if env, err := protocol.NewEnvelope(protocol.TypeConnectionAccepted, accepted); err == nil {
		if data, err := env.Marshal(); err == nil {
			_ = conn.Write(ctx, websocket.MessageText, data)
		}
	}

	s.readLoop(ctx, conn, sess)
}

func (s *Server) handshake(ctx context.Context, conn *websocket.Conn, transport Transport, remoteAddr string) (*Session, *protocol.ConnectionAcceptedPayload, *apperrors.Error) {
	readCtx, cancel := context.WithTimeout(ctx, pairHandshakeTimeout)
	defer cancel()

	_, data, err := conn.Read(readCtx)
	if err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.ErrCodeConnectionLost, "handshake read failed").
			WithRecoverable(true)
	}

	env, err := protocol.Decode(data)
	if err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "malformed handshake")
	}
	if env.Type != protocol.TypeAuthPair {
		return nil, nil, apperrors.New(apperrors.ErrCodeUnauthorized, "first message must be auth:pair")
	}
	var pair protocol.AuthPairPayload
	if err := env.DecodePayload(&pair); err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.ErrCodeInternal, "malformed auth:pair payload")
	}

	return s.manager.Authenticate(transport, clientHost(remoteAddr), &pair)
}

// clientHost strips the port from a remote address so rate-limit
// buckets key on the host alone. Bracketed IPv6 literals unwrap
// cleanly instead of truncating at the first colon.
func clientHost(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

func (s *Server) rejectAgent(ctx context.Context, conn *websocket.Conn, serr *apperrors.Error) {
	reason := serr.Message
	if serr.UserMessage != "" {
		reason = serr.UserMessage
	}
	if env, err := protocol.NewEnvelope(protocol.TypeConnectionRejected, &protocol.ConnectionRejectedPayload{
		Reason:      reason,
		Code:        serr.Code.Number(),
		Recoverable: serr.Recoverable,
	}); err == nil {
		if data, err := env.Marshal(); err == nil {
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_ = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
		}
	}
	conn.Close(websocket.StatusPolicyViolation, string(serr.Code))
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *Session) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if sess.State() != StateDisconnected {
				s.manager.OnDisconnect(sess)
			}
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			s.jsonLog.Warn(logging.CategoryNetwork, "malformed_message", "dropping malformed frame", map[string]any{
				"session_id": sess.ID,
			})
			continue
		}
		if serr := s.manager.HandleMessage(sess, &env); serr != nil {
			s.sendAgentError(ctx, conn, serr)
		}
	}
}

func (s *Server) sendAgentError(ctx context.Context, conn *websocket.Conn, serr *apperrors.Error) {
	env, err := protocol.NewEnvelope(protocol.TypeError, &protocol.ErrorPayload{
		Code:        serr.Code.Number(),
		Message:     serr.Message,
		Recoverable: serr.Recoverable,
	})
	if err != nil {
		return
	}
	data, err := env.Marshal()
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	_ = conn.Write(writeCtx, websocket.MessageText, data)
	cancel()
}

// handleEventStream pushes hub events to an IDE client, optionally
// filtered to one session.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if !s.isWebSocketOriginAllowed(r) {
		httpError(w, "forbidden", http.StatusForbidden)
		return
	}
	if !s.eventConns.Acquire() {
		httpError(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	defer s.eventConns.Release()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logger.Printf("event websocket accept failed: %v", err)
		return
	}
	conn.SetReadLimit(maxWSReadBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	startWSPing(ctx, conn)

	var filter func(Event) bool
	if sessionID := strings.TrimSpace(r.URL.Query().Get("sessionId")); sessionID != "" {
		filter = func(e Event) bool { return e.SessionID == "" || e.SessionID == sessionID }
	}

	client := s.hub.register(conn, filter)
	defer s.hub.removeClient(client)

	// Drain inbound frames so pongs and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				cancel()
				return
			}
		}
	}()

	if err := client.writeLoop(ctx); err != nil && ctx.Err() == nil {
		client.close(websocket.StatusNormalClosure, "write failed")
	}
}

// wsTransport adapts a server-side websocket to the Transport the
// manager holds.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, data)
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}

func startWSPing(ctx context.Context, conn *websocket.Conn) {
	if conn == nil {
		return
	}
	ticker := time.NewTicker(wsPingInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, cancel := context.WithTimeout(ctx, wsPingTimeout)
				_ = conn.Ping(pingCtx)
				cancel()
			}
		}
	}()
}

// corsMiddleware restricts browser callers to configured origins.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if allowed, wildcard := s.isOriginAllowed(origin); allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				if !wildcard {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}
		}
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		headers.Set("X-Content-Type-Options", "nosniff")
		headers.Set("X-Frame-Options", "DENY")
		headers.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// authMiddleware requires the configured bearer token for the IDE
// API. Loopback deployments may run without one.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Server.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, _ := extractBearerToken(r)
		if token != s.cfg.Server.AuthToken {
			respondError(w, http.StatusUnauthorized, stderrors.New("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) isOriginAllowed(origin string) (allowed bool, wildcard bool) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return false, false
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return false, false
	}
	normalized := strings.ToLower(parsed.Scheme) + "://" + parsed.Host

	for _, allowedOrigin := range s.cfg.Server.AllowedOrigins {
		allowedOrigin = strings.TrimSpace(allowedOrigin)
		if allowedOrigin == "" {
			continue
		}
		if allowedOrigin == "*" {
			return true, true
		}
		if strings.EqualFold(allowedOrigin, normalized) {
			return true, false
		}
		// Bare-host entries like "http://localhost" match any port.
		if strings.HasPrefix(strings.ToLower(normalized), strings.ToLower(allowedOrigin)+":") {
			return true, false
		}
	}
	return false, false
}

func (s *Server) isWebSocketOriginAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err == nil && parsed.Host != "" && strings.EqualFold(parsed.Host, r.Host) {
		return true
	}
	allowed, _ := s.isOriginAllowed(origin)
	return allowed
}

// statusForError maps the error taxonomy onto HTTP status codes.
func statusForError(serr *apperrors.Error) int {
	switch serr.Code {
	case apperrors.ErrCodeInvalidPairingCode, apperrors.ErrCodeTokenExpired, apperrors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case apperrors.ErrCodeCommandBlocked, apperrors.ErrCodePathTraversal, apperrors.ErrCodePermissionDenied:
		return http.StatusForbidden
	case apperrors.ErrCodeAgentNotFound, apperrors.ErrCodeFileNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeAtCapacity, apperrors.ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case apperrors.ErrCodeCommandTimeout:
		return http.StatusGatewayTimeout
	case apperrors.ErrCodeConnectionLost, apperrors.ErrCodeHeartbeatTimeout:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
