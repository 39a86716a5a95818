package bridge

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/MichaelrKraft/coder1-bridge/pkg/errors"
)

const (
	maxBodyBytesTiny    int64 = 64 << 10
	maxBodyBytesSmall   int64 = 1 << 20
	maxBodyBytesCommand int64 = 8 << 20
)

// respondJSON sends a JSON response with appropriate headers.
func respondJSON(w http.ResponseWriter, payload any) {
	respondJSONStatus(w, http.StatusOK, payload)
}

func respondJSONStatus(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// respondError sends a structured JSON error response. Bridge errors
// carry their numeric wire code and recoverability flag.
func respondError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.WriteHeader(status)

	response := struct {
		Error       string `json:"error"`
		Status      int    `json:"status"`
		Code        string `json:"code,omitempty"`
		WireCode    int    `json:"wireCode,omitempty"`
		Message     string `json:"message"`
		Recoverable bool   `json:"recoverable,omitempty"`
		Timestamp   string `json:"timestamp"`
	}{
		Status:    status,
		Message:   http.StatusText(status),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	response.Error = response.Message

	var bridgeErr *apperrors.Error
	if stderrors.As(err, &bridgeErr) {
		response.Code = string(bridgeErr.Code)
		response.WireCode = bridgeErr.Code.Number()
		response.Recoverable = bridgeErr.Recoverable
		if bridgeErr.UserMessage != "" {
			response.Message = bridgeErr.UserMessage
		} else if bridgeErr.Message != "" {
			response.Message = bridgeErr.Message
		}
	} else if err != nil {
		response.Message = err.Error()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(response)
}

func httpError(w http.ResponseWriter, msg string, status int) {
	http.Error(w, msg, status)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64, allowEOF bool) (int, error) {
	if r == nil || r.Body == nil {
		if allowEOF {
			return 0, nil
		}
		return http.StatusBadRequest, fmt.Errorf("request body required")
	}
	if maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if allowEOF && stderrors.Is(err, io.EOF) {
			return 0, nil
		}
		var maxErr *http.MaxBytesError
		if stderrors.As(err, &maxErr) {
			if maxBytes > 0 {
				return http.StatusRequestEntityTooLarge, fmt.Errorf("request body too large (max %d bytes)", maxBytes)
			}
			return http.StatusRequestEntityTooLarge, fmt.Errorf("request body too large")
		}
		return http.StatusBadRequest, err
	}
	return 0, nil
}

// extractBearerToken extracts a bearer token from the Authorization
// header or the token query param.
func extractBearerToken(r *http.Request) (token string, fromQuery bool) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[len("Bearer "):]), false
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, true
	}
	return "", false
}
