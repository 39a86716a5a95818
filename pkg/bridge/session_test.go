package bridge

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
	reason string
}

func (f *fakeTransport) Send(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	f.sent = append(f.sent, buf)
	return nil
}

func (f *fakeTransport) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.reason = reason
	return nil
}

func (f *fakeTransport) frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func TestSessionLifecycleTransitions(t *testing.T) {
	cases := []struct {
		from State
		to   State
		ok   bool
	}{
		{StateDisconnected, StateConnecting, true},
		{StateConnecting, StateAuthenticating, true},
		{StateAuthenticating, StateConnected, true},
		{StateConnected, StateActive, true},
		{StateActive, StateConnecting, true},
		{StateActive, StateError, true},
		{StateError, StateConnecting, true},
		{StateDisconnected, StateActive, false},
		{StateConnecting, StateActive, false},
		{StateAuthenticating, StateActive, false},
		{StateDisconnected, StateError, false},
	}

	for _, tc := range cases {
		sess := &Session{state: tc.from}
		err := sess.transition(tc.to)
		if tc.ok && err != nil {
			t.Errorf("%s -> %s should be allowed, got %v", tc.from, tc.to, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("%s -> %s should be rejected", tc.from, tc.to)
		}
	}
}

func TestFirstHeartbeatPromotesToActive(t *testing.T) {
	sess := &Session{state: StateAuthenticating}
	sess.attachTransport(&fakeTransport{})
	if got := sess.State(); got != StateConnected {
		t.Fatalf("expected CONNECTED after attach, got %s", got)
	}

	now := time.Now()
	sess.markHeartbeat(now)
	if got := sess.State(); got != StateActive {
		t.Fatalf("first heartbeat should promote to ACTIVE, got %s", got)
	}
	if !sess.LastHeartbeat().Equal(now) {
		t.Fatalf("heartbeat time not recorded")
	}

	sess.markHeartbeat(now.Add(time.Second))
	if got := sess.State(); got != StateActive {
		t.Fatalf("later heartbeats should keep ACTIVE, got %s", got)
	}
}

func TestDetachedSessionRestorableWithinGrace(t *testing.T) {
	sess := &Session{state: StateActive, transport: &fakeTransport{}}
	dropped := time.Now()
	sess.detachTransport(dropped)

	if got := sess.State(); got != StateDisconnected {
		t.Fatalf("expected DISCONNECTED after detach, got %s", got)
	}
	if !sess.restorable(dropped.Add(time.Minute), 2*time.Minute) {
		t.Fatal("session should be restorable inside the grace window")
	}
	if sess.restorable(dropped.Add(3*time.Minute), 2*time.Minute) {
		t.Fatal("session should not be restorable past the grace window")
	}
}

func TestTerminatedSessionNeverRestorable(t *testing.T) {
	transport := &fakeTransport{}
	sess := &Session{state: StateActive, transport: transport}
	got := sess.terminate()
	if got != transport {
		t.Fatal("terminate should hand back the bound transport")
	}
	if sess.restorable(time.Now(), time.Hour) {
		t.Fatal("terminated session must not be restorable")
	}
}

func TestAttachResetsHeartbeatPromotion(t *testing.T) {
	sess := &Session{state: StateActive, transport: &fakeTransport{}}
	sess.markHeartbeat(time.Now())
	sess.detachTransport(time.Now())

	sess.attachTransport(&fakeTransport{})
	if got := sess.State(); got != StateConnected {
		t.Fatalf("reattach should restart at CONNECTED, got %s", got)
	}
	sess.markHeartbeat(time.Now())
	if got := sess.State(); got != StateActive {
		t.Fatalf("first beat after reattach should promote again, got %s", got)
	}
}

func TestAttachEnforcesLifecycle(t *testing.T) {
	sess := &Session{state: StateAuthenticating}
	if err := sess.attachTransport(&fakeTransport{}); err != nil {
		t.Fatalf("attach from AUTHENTICATING: %v", err)
	}
	if err := sess.attachTransport(&fakeTransport{}); err == nil {
		t.Fatal("second attach without a detach should be rejected")
	}
	if got := sess.State(); got != StateConnected {
		t.Fatalf("rejected attach must not move the state, got %s", got)
	}
}

func TestTerminateFromDetachedState(t *testing.T) {
	sess := &Session{state: StateActive, transport: &fakeTransport{}}
	sess.detachTransport(time.Now())

	sess.terminate()
	if got := sess.State(); got != StateDisconnected {
		t.Fatalf("expected DISCONNECTED, got %s", got)
	}
	if sess.restorable(time.Now(), time.Hour) {
		t.Fatal("terminated session must not be restorable")
	}
}

func TestSendWithoutTransportFails(t *testing.T) {
	sess := &Session{state: StateDisconnected}
	env := heartbeatEnvelope(t, time.Now())
	if err := sess.Send(context.Background(), env); err == nil {
		t.Fatal("send without transport should fail")
	}
}

func TestPermissionsCopyIsIndependent(t *testing.T) {
	sess := &Session{permissions: []string{"terminal", "execute"}}
	perms := sess.Permissions()
	perms[0] = "mutated"
	if !sess.HasPermission("terminal") {
		t.Fatal("mutating the returned slice must not affect the session")
	}
	if sess.HasPermission("mutated") {
		t.Fatal("mutation leaked into the session permission set")
	}
}
