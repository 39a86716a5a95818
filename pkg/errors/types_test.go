package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorFormatIncludesCodeAndContext(t *testing.T) {
	err := New(ErrCodeCommandBlocked, "command rejected by policy").
		WithContext("session", "s1")

	msg := err.Error()
	if want := "[COMMAND_BLOCKED] command rejected by policy"; len(msg) < len(want) || msg[:len(want)] != want {
		t.Fatalf("unexpected error format: %q", msg)
	}
	if !IsCode(err, ErrCodeCommandBlocked) {
		t.Fatalf("expected IsCode to match")
	}
}

func TestWrapPreservesUnderlying(t *testing.T) {
	underlying := fmt.Errorf("socket closed")
	err := Wrap(underlying, ErrCodeConnectionLost, "transport failed").WithRecoverable(true)

	if !errors.Is(err, underlying) {
		t.Fatalf("expected errors.Is to find underlying error")
	}
	if !IsRecoverable(err) {
		t.Fatalf("expected connection loss to be recoverable")
	}
}

func TestWrapNilReturnsNil(t *testing.T) {
	if Wrap(nil, ErrCodeInternal, "nope") != nil {
		t.Fatalf("expected nil for nil underlying error")
	}
}

func TestCodeNumbersFollowTaxonomyRanges(t *testing.T) {
	ranges := map[ErrorCode]int{
		ErrCodeInvalidPairingCode: 1000,
		ErrCodeCommandTimeout:     2000,
		ErrCodePathTraversal:      3000,
		ErrCodeHeartbeatTimeout:   4000,
		ErrCodeRateLimitExceeded:  5000,
	}
	for code, base := range ranges {
		if n := code.Number(); n < base || n >= base+1000 {
			t.Fatalf("code %s number %d outside range %d", code, n, base)
		}
	}
	if n := ErrorCode("BOGUS").Number(); n != ErrCodeInternal.Number() {
		t.Fatalf("unknown codes should map to internal, got %d", n)
	}
}

func TestGetCodeOnForeignError(t *testing.T) {
	if got := GetCode(fmt.Errorf("plain")); got != ErrCodeInternal {
		t.Fatalf("expected internal for foreign error, got %s", got)
	}
	if got := GetCode(nil); got != "" {
		t.Fatalf("expected empty code for nil, got %s", got)
	}
}
