// Package protocol defines the wire format spoken between the cloud bridge
// server and the locally running agent. Every frame is a versioned envelope
// carrying one typed payload; the transport preserves per-connection
// ordering, so no frame-level sequencing is required beyond the optional
// per-command chunk sequence.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version sent in every envelope.
const Version = "1.0.0"

// Message types, client <-> server.
const (
	TypeAuthPair           = "auth:pair"
	TypeConnectionAccepted = "connection:accepted"
	TypeConnectionRejected = "connection:rejected"
	TypeTerminate          = "connection:terminate"
	TypeExecute            = "claude:execute"
	TypeOutput             = "claude:output"
	TypeComplete           = "claude:complete"
	TypeFileRequest        = "file:request"
	TypeFileResponse       = "file:response"
	TypeHeartbeat          = "heartbeat"
	TypeConfigUpdate       = "config:update"
	TypeError              = "error"
)

// Output stream names.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Heartbeat status values.
const (
	StatusActive = "active"
	StatusIdle   = "idle"
)

// File operations.
const (
	OpRead   = "read"
	OpWrite  = "write"
	OpList   = "list"
	OpExists = "exists"
)

// Envelope is the frame wrapping every message.
type Envelope struct {
	Version string          `json:"version"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload into a versioned envelope.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return Envelope{Version: Version, Type: msgType, Payload: data}, nil
}

// Decode parses a raw frame into an envelope and sanity-checks it.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if strings.TrimSpace(env.Type) == "" {
		return Envelope{}, fmt.Errorf("envelope missing type")
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into dst.
func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s payload required", e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Marshal encodes the envelope for the wire.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Compatible reports whether the peer's declared protocol version shares
// our major version.
func Compatible(peer string) bool {
	peerMajor, _, ok := strings.Cut(strings.TrimSpace(peer), ".")
	if !ok {
		return false
	}
	ourMajor, _, _ := strings.Cut(Version, ".")
	return peerMajor == ourMajor
}

// RestoreState is presented by a reconnecting agent to resume a
// transport-disconnected session in place.
type RestoreState struct {
	BridgeID         string `json:"bridgeId"`
	LastCommandID    string `json:"lastCommandId,omitempty"`
	WorkingDirectory string `json:"workingDirectory,omitempty"`
}

// AuthPairPayload is the pairing handshake, sent first on every connection.
type AuthPairPayload struct {
	Code          string        `json:"code"`
	Token         string        `json:"token,omitempty"`
	Version       string        `json:"version"`
	Platform      string        `json:"platform"`
	ClaudeVersion string        `json:"claudeVersion,omitempty"`
	Restore       *RestoreState `json:"restore,omitempty"`
}

// ConnectionAcceptedPayload acknowledges a successful pairing.
type ConnectionAcceptedPayload struct {
	BridgeID     string   `json:"bridgeId"`
	SessionID    string   `json:"sessionId"`
	Token        string   `json:"token,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Restored     bool     `json:"restored,omitempty"`
}

// ConnectionRejectedPayload reports a failed pairing.
type ConnectionRejectedPayload struct {
	Reason      string `json:"reason"`
	Code        int    `json:"code,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

// ExecContext carries editor context alongside a command.
type ExecContext struct {
	WorkingDirectory string            `json:"workingDirectory,omitempty"`
	CurrentFile      string            `json:"currentFile,omitempty"`
	Selection        string            `json:"selection,omitempty"`
	EnvVars          map[string]string `json:"envVars,omitempty"`
}

// ExecutePayload asks the agent to run a command.
type ExecutePayload struct {
	SessionID string      `json:"sessionId"`
	CommandID string      `json:"commandId"`
	Command   string      `json:"command"`
	Context   ExecContext `json:"context"`
}

// OutputPayload streams one chunk of command output.
type OutputPayload struct {
	SessionID string    `json:"sessionId"`
	CommandID string    `json:"commandId"`
	Data      string    `json:"data"`
	Stream    string    `json:"stream"`
	Timestamp time.Time `json:"timestamp"`
	Seq       int       `json:"seq,omitempty"`
	Truncated bool      `json:"truncated,omitempty"`
}

// CompletePayload terminates a command.
type CompletePayload struct {
	SessionID string `json:"sessionId"`
	CommandID string `json:"commandId"`
	ExitCode  int    `json:"exitCode"`
	Duration  int64  `json:"duration"`
	Error     string `json:"error,omitempty"`
}

// FileRequestPayload asks the agent to perform a file operation.
type FileRequestPayload struct {
	RequestID string         `json:"requestId"`
	Operation string         `json:"operation"`
	Path      string         `json:"path"`
	Content   string         `json:"content,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// FileEntry is one directory listing row.
type FileEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
	Size  int64  `json:"size"`
}

// FileResult is the operation-specific result of a file request.
type FileResult struct {
	Operation string      `json:"operation"`
	Path      string      `json:"path"`
	Content   string      `json:"content,omitempty"`
	Entries   []FileEntry `json:"entries,omitempty"`
	Exists    *bool       `json:"exists,omitempty"`
	Written   int         `json:"written,omitempty"`
}

// FileResponsePayload answers a file request.
type FileResponsePayload struct {
	RequestID string        `json:"requestId"`
	Operation string        `json:"operation"`
	Result    *FileResult   `json:"result,omitempty"`
	Error     *ErrorPayload `json:"error,omitempty"`
}

// HeartbeatStats is the agent-side health snapshot sent with each beat.
type HeartbeatStats struct {
	CommandsExecuted int   `json:"commandsExecuted"`
	UptimeSeconds    int64 `json:"uptime"`
	MemoryBytes      int64 `json:"memoryUsage"`
}

// HeartbeatPayload is the periodic liveness message.
type HeartbeatPayload struct {
	Timestamp time.Time      `json:"timestamp"`
	Status    string         `json:"status"`
	Stats     HeartbeatStats `json:"stats"`
}

// ConfigUpdatePayload pushes policy changes to a live session. Nil fields
// are left unchanged.
type ConfigUpdatePayload struct {
	MaxCommandTimeoutMs *int64   `json:"maxCommandTimeout,omitempty"`
	AllowedCommands     []string `json:"allowedCommands,omitempty"`
	BlockedCommands     []string `json:"blockedCommands,omitempty"`
	WorkingDirectory    *string  `json:"workingDirectory,omitempty"`
}

// ErrorPayload is the structured error message. Code follows the numeric
// taxonomy (1xxx auth, 2xxx command, 3xxx file, 4xxx connection, 5xxx
// system).
type ErrorPayload struct {
	Code        int    `json:"code"`
	Message     string `json:"message"`
	Details     string `json:"details,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

// TerminatePayload explicitly ends a session.
type TerminatePayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// DefaultCapabilities lists what this server negotiates on accept.
func DefaultCapabilities() []string {
	return []string{"execute", "fileops", "heartbeat", "restore", "config-update"}
}
