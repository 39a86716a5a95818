package errors

import (
	"fmt"
	"strings"
)

// ErrorCode represents a structured error code
type ErrorCode string

const (
	// Authentication errors (1xxx)
	ErrCodeInvalidPairingCode ErrorCode = "INVALID_PAIRING_CODE"
	ErrCodeTokenExpired       ErrorCode = "TOKEN_EXPIRED"
	ErrCodeUnauthorized       ErrorCode = "UNAUTHORIZED"

	// Command errors (2xxx)
	ErrCodeCommandTimeout ErrorCode = "COMMAND_TIMEOUT"
	ErrCodeCommandFailed  ErrorCode = "COMMAND_FAILED"
	ErrCodeAgentNotFound  ErrorCode = "AGENT_NOT_FOUND"
	ErrCodeCommandBlocked ErrorCode = "COMMAND_BLOCKED"
	ErrCodeAtCapacity     ErrorCode = "AT_CAPACITY"

	// File errors (3xxx)
	ErrCodeFileNotFound     ErrorCode = "FILE_NOT_FOUND"
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrCodePathTraversal    ErrorCode = "PATH_TRAVERSAL"

	// Connection errors (4xxx)
	ErrCodeConnectionLost   ErrorCode = "CONNECTION_LOST"
	ErrCodeHeartbeatTimeout ErrorCode = "HEARTBEAT_TIMEOUT"
	ErrCodeVersionMismatch  ErrorCode = "VERSION_MISMATCH"

	// System errors (5xxx)
	ErrCodeInternal          ErrorCode = "INTERNAL_ERROR"
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
)

// codeNumbers maps symbolic codes to the numeric identifiers used on the
// wire. Ranges: 1xxx authentication, 2xxx command, 3xxx file, 4xxx
// connection, 5xxx system.
var codeNumbers = map[ErrorCode]int{
	ErrCodeInvalidPairingCode: 1001,
	ErrCodeTokenExpired:       1002,
	ErrCodeUnauthorized:       1003,

	ErrCodeCommandTimeout: 2001,
	ErrCodeCommandFailed:  2002,
	ErrCodeAgentNotFound:  2003,
	ErrCodeCommandBlocked: 2004,
	ErrCodeAtCapacity:     2005,

	ErrCodeFileNotFound:     3001,
	ErrCodePermissionDenied: 3002,
	ErrCodePathTraversal:    3003,

	ErrCodeConnectionLost:   4001,
	ErrCodeHeartbeatTimeout: 4002,
	ErrCodeVersionMismatch:  4003,

	ErrCodeInternal:          5001,
	ErrCodeRateLimitExceeded: 5002,
}

// Number returns the numeric wire identifier for the code.
func (c ErrorCode) Number() int {
	if n, ok := codeNumbers[c]; ok {
		return n
	}
	return codeNumbers[ErrCodeInternal]
}

var numberCodes = func() map[int]ErrorCode {
	m := make(map[int]ErrorCode, len(codeNumbers))
	for code, n := range codeNumbers {
		m[n] = code
	}
	return m
}()

// ErrorCodeFromNumber maps a numeric wire identifier back to its
// symbolic code. Unknown numbers map to INTERNAL_ERROR.
func ErrorCodeFromNumber(n int) ErrorCode {
	if code, ok := numberCodes[n]; ok {
		return code
	}
	return ErrCodeInternal
}

// Error represents a structured bridge error
type Error struct {
	Code        ErrorCode
	Message     string
	Underlying  error
	Context     map[string]any
	Recoverable bool
	UserMessage string
}

// New creates a new structured error
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// Wrap wraps an existing error with bridge error context
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:       code,
		Message:    message,
		Underlying: err,
		Context:    make(map[string]any),
	}
}

// WithContext adds context key-value pairs to the error
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRecoverable marks whether the client should retry the operation
func (e *Error) WithRecoverable(recoverable bool) *Error {
	e.Recoverable = recoverable
	return e
}

// WithUserMessage sets the human-friendly message returned to users.
func (e *Error) WithUserMessage(message string) *Error {
	e.UserMessage = message
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		sb.WriteString(" {")
		first := true
		for k, v := range e.Context {
			if !first {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s: %v", k, v))
			first = false
		}
		sb.WriteString("}")
	}

	if e.Underlying != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Underlying))
	}

	return sb.String()
}

// Unwrap returns the underlying error for errors.Is/As
func (e *Error) Unwrap() error {
	return e.Underlying
}

// IsCode checks if an error has a specific error code
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	bridgeErr, ok := err.(*Error)
	if !ok {
		return false
	}
	return bridgeErr.Code == code
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	bridgeErr, ok := err.(*Error)
	if !ok {
		return ErrCodeInternal
	}
	return bridgeErr.Code
}

// IsRecoverable reports whether the client should retry after this error
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	bridgeErr, ok := err.(*Error)
	if !ok {
		return false
	}
	return bridgeErr.Recoverable
}
