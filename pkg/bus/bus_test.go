package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	received := make(chan *Message, 1)

	sub, err := bus.Subscribe(ctx, SubjectSessionState("sess-1"), func(msg *Message) []byte {
		received <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	if err := bus.Publish(ctx, SubjectSessionState("sess-1"), []byte("CONNECTED")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-received:
		if string(msg.Data) != "CONNECTED" {
			t.Errorf("Expected 'CONNECTED', got %q", string(msg.Data))
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for message")
	}
}

func TestMemoryBus_SessionWildcard(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var received atomic.Int32

	sub, err := bus.Subscribe(ctx, SubjectAllSessions, func(msg *Message) []byte {
		received.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	bus.Publish(ctx, SubjectCommandOutput("sess-1"), []byte("a"))
	bus.Publish(ctx, SubjectCommandComplete("sess-2"), []byte("b"))
	bus.Publish(ctx, "other.topic", []byte("c"))

	deadline := time.After(time.Second)
	for received.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("Expected 2 messages, got %d", received.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	time.Sleep(20 * time.Millisecond)
	if received.Load() != 2 {
		t.Errorf("Expected exactly 2 matches, got %d", received.Load())
	}
}

func TestMemoryBus_RequestReply(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	sub, err := bus.Subscribe(ctx, "bridge.status", func(msg *Message) []byte {
		return []byte("ok:" + string(msg.Data))
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	reply, err := bus.Request(ctx, "bridge.status", []byte("ping"), time.Second)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if string(reply) != "ok:ping" {
		t.Errorf("Expected 'ok:ping', got %q", string(reply))
	}
}

func TestMemoryBus_RequestNoResponders(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	_, err := bus.Request(context.Background(), "nobody.home", []byte("x"), 100*time.Millisecond)
	if err != ErrNoResponders {
		t.Fatalf("Expected ErrNoResponders, got %v", err)
	}
}

func TestMemoryBus_ClosedBus(t *testing.T) {
	bus := NewMemoryBus()
	bus.Close()

	if err := bus.Publish(context.Background(), "x", nil); err != ErrClosed {
		t.Errorf("Expected ErrClosed on publish, got %v", err)
	}
	if _, err := bus.Subscribe(context.Background(), "x", func(*Message) []byte { return nil }); err != ErrClosed {
		t.Errorf("Expected ErrClosed on subscribe, got %v", err)
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus()
	defer bus.Close()

	ctx := context.Background()
	var received atomic.Int32
	sub, err := bus.Subscribe(ctx, "bridge.x", func(*Message) []byte {
		received.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	sub.Unsubscribe()

	bus.Publish(ctx, "bridge.x", []byte("a"))
	time.Sleep(20 * time.Millisecond)
	if received.Load() != 0 {
		t.Errorf("Unsubscribed handler must not receive, got %d", received.Load())
	}
}

func TestMatchSubject(t *testing.T) {
	cases := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"bridge.session.s1.state", "bridge.session.s1.state", true},
		{"bridge.session.*.state", "bridge.session.s1.state", true},
		{"bridge.session.*.state", "bridge.session.s1.output", false},
		{"bridge.session.>", "bridge.session.s1.output", true},
		{"bridge.session.>", "bridge.ticket.issued", false},
		{"bridge.*", "bridge.session.s1", false},
	}
	for _, tc := range cases {
		if got := matchSubject(tc.pattern, tc.subject); got != tc.want {
			t.Errorf("matchSubject(%q, %q) = %v, want %v", tc.pattern, tc.subject, got, tc.want)
		}
	}
}
