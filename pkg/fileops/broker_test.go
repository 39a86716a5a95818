package fileops

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MichaelrKraft/coder1-bridge/pkg/errors"
	"github.com/MichaelrKraft/coder1-bridge/pkg/protocol"
	"github.com/MichaelrKraft/coder1-bridge/pkg/ratelimit"
	"github.com/MichaelrKraft/coder1-bridge/pkg/sanitizer"
)

type sendRecorder struct {
	mu   sync.Mutex
	sent []*protocol.FileRequestPayload
}

func (r *sendRecorder) send(sessionID string, env *protocol.Envelope) error {
	var p protocol.FileRequestPayload
	if err := env.DecodePayload(&p); err != nil {
		return err
	}
	r.mu.Lock()
	r.sent = append(r.sent, &p)
	r.mu.Unlock()
	return nil
}

func (r *sendRecorder) last() *protocol.FileRequestPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return nil
	}
	return r.sent[len(r.sent)-1]
}

func newTestBroker(t *testing.T, rec *sendRecorder, opts ...Option) *Broker {
	t.Helper()
	limiter := ratelimit.NewLimiter(map[ratelimit.Bucket]ratelimit.Policy{
		ratelimit.BucketFileOp: {Limit: 100, Window: time.Minute},
	})
	return New(rec.send, sanitizer.New(nil), limiter, opts...)
}

func TestRequestRoundTrip(t *testing.T) {
	rec := &sendRecorder{}
	b := newTestBroker(t, rec)
	ws := t.TempDir()

	done := make(chan struct{})
	var result *protocol.FileResult
	var serr *errors.Error
	go func() {
		defer close(done)
		result, serr = b.Request(context.Background(), "s1", ws, protocol.OpRead, "main.go", "")
	}()

	var req *protocol.FileRequestPayload
	for i := 0; i < 200; i++ {
		if req = rec.last(); req != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if req == nil {
		t.Fatal("request never reached the transport")
	}

	if !b.HandleResponse("s1", &protocol.FileResponsePayload{
		RequestID: req.RequestID,
		Operation: protocol.OpRead,
		Result:    &protocol.FileResult{Operation: protocol.OpRead, Path: "main.go", Content: "package main"},
	}) {
		t.Fatal("response must find its waiter")
	}

	<-done
	if serr != nil {
		t.Fatalf("unexpected error: %v", serr)
	}
	if result.Content != "package main" {
		t.Fatalf("unexpected content %q", result.Content)
	}
	if b.Pending() != 0 {
		t.Fatalf("expected no pending requests, got %d", b.Pending())
	}
}

func TestRequestRejectsTraversal(t *testing.T) {
	rec := &sendRecorder{}
	b := newTestBroker(t, rec)

	_, serr := b.Request(context.Background(), "s1", t.TempDir(), protocol.OpRead, "../../etc/passwd", "")
	if serr == nil || serr.Code != errors.ErrCodePathTraversal {
		t.Fatalf("expected PATH_TRAVERSAL, got %v", serr)
	}
	if rec.last() != nil {
		t.Fatal("blocked request must never reach the transport")
	}
}

func TestRequestTimesOut(t *testing.T) {
	rec := &sendRecorder{}
	b := newTestBroker(t, rec, WithTimeout(30*time.Millisecond))

	_, serr := b.Request(context.Background(), "s1", t.TempDir(), protocol.OpExists, "a.txt", "")
	if serr == nil || serr.Code != errors.ErrCodeCommandTimeout {
		t.Fatalf("expected timeout error, got %v", serr)
	}
	if !serr.Recoverable {
		t.Fatal("timeout must be recoverable")
	}
}

func TestWriteWeightExhaustsBudgetFaster(t *testing.T) {
	rec := &sendRecorder{}
	limiter := ratelimit.NewLimiter(map[ratelimit.Bucket]ratelimit.Policy{
		ratelimit.BucketFileOp: {Limit: 10, Window: time.Minute},
	})
	b := New(rec.send, sanitizer.New(nil), limiter,
		WithTimeout(10*time.Millisecond), WithWriteWeight(5))
	ws := t.TempDir()

	// Two writes at weight 5 fill a budget of 10.
	for i := 0; i < 2; i++ {
		if _, serr := b.Request(context.Background(), "s1", ws, protocol.OpWrite, "a.txt", "x"); serr != nil && serr.Code == errors.ErrCodeRateLimitExceeded {
			t.Fatalf("write %d should fit the budget: %v", i, serr)
		}
	}
	_, serr := b.Request(context.Background(), "s1", ws, protocol.OpWrite, "a.txt", "x")
	if serr == nil || serr.Code != errors.ErrCodeRateLimitExceeded {
		t.Fatalf("expected RATE_LIMIT_EXCEEDED, got %v", serr)
	}
}

func TestFailSessionAbortsPending(t *testing.T) {
	rec := &sendRecorder{}
	b := newTestBroker(t, rec, WithTimeout(5*time.Second))
	ws := t.TempDir()

	done := make(chan *errors.Error, 1)
	go func() {
		_, serr := b.Request(context.Background(), "s1", ws, protocol.OpRead, "a.txt", "")
		done <- serr
	}()

	for i := 0; i < 200 && b.Pending() == 0; i++ {
		time.Sleep(5 * time.Millisecond)
	}
	if n := b.FailSession("s1"); n != 1 {
		t.Fatalf("expected 1 aborted request, got %d", n)
	}

	select {
	case serr := <-done:
		if serr == nil || serr.Code != errors.ErrCodeConnectionLost {
			t.Fatalf("expected CONNECTION_LOST, got %v", serr)
		}
	case <-time.After(time.Second):
		t.Fatal("aborted request never returned")
	}
}

func TestHandleResponseWrongSessionDropped(t *testing.T) {
	rec := &sendRecorder{}
	b := newTestBroker(t, rec, WithTimeout(50*time.Millisecond))
	ws := t.TempDir()

	go b.Request(context.Background(), "s1", ws, protocol.OpExists, "a.txt", "")

	var req *protocol.FileRequestPayload
	for i := 0; i < 200; i++ {
		if req = rec.last(); req != nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if req == nil {
		t.Fatal("request never sent")
	}
	if b.HandleResponse("s2", &protocol.FileResponsePayload{RequestID: req.RequestID}) {
		t.Fatal("response from a different session must be dropped")
	}
}
