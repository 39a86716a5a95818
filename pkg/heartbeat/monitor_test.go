package heartbeat

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestBeatKeepsSessionAlive(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	var fired []string
	m := New(func(id string, _ time.Duration) { fired = append(fired, id) },
		WithInterval(30*time.Second), WithMissedBeats(3), WithClock(clock.Now))

	m.Track("s1")
	for i := 0; i < 10; i++ {
		clock.Advance(30 * time.Second)
		if !m.Beat("s1") {
			t.Fatal("beat on tracked session must succeed")
		}
		m.CheckNow()
	}
	if len(fired) != 0 {
		t.Fatalf("regular beats must not time out, fired %v", fired)
	}
}

func TestThreeMissedBeatsFiresTimeout(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	var fired []string
	var silentFor time.Duration
	m := New(func(id string, d time.Duration) { fired = append(fired, id); silentFor = d },
		WithInterval(30*time.Second), WithMissedBeats(3), WithClock(clock.Now))

	m.Track("s1")

	clock.Advance(89 * time.Second)
	m.CheckNow()
	if len(fired) != 0 {
		t.Fatal("must not fire before 3 full intervals of silence")
	}

	clock.Advance(1 * time.Second)
	m.CheckNow()
	if len(fired) != 1 || fired[0] != "s1" {
		t.Fatalf("expected s1 timeout, got %v", fired)
	}
	if silentFor < 90*time.Second {
		t.Fatalf("silence duration too small: %v", silentFor)
	}

	// Fires once; the session is no longer tracked.
	m.CheckNow()
	if len(fired) != 1 {
		t.Fatalf("timeout must fire once, got %v", fired)
	}
	if m.Tracked() != 0 {
		t.Fatalf("expected no tracked sessions, got %d", m.Tracked())
	}
}

func TestBeatAfterForgetIsIgnored(t *testing.T) {
	m := New(nil)
	m.Track("s1")
	m.Forget("s1")
	if m.Beat("s1") {
		t.Fatal("beat on forgotten session must be ignored")
	}
	if _, ok := m.Last("s1"); ok {
		t.Fatal("forgotten session must not report a last beat")
	}
}

func TestStalePayloadTimestampIgnored(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := New(nil, WithClock(clock.Now))
	m.Track("s1")

	base := time.Unix(2000, 0)
	if !m.BeatAt("s1", base.Add(10*time.Second)) {
		t.Fatal("first timestamped beat must be accepted")
	}
	before, _ := m.Last("s1")

	clock.Advance(5 * time.Second)
	if m.BeatAt("s1", base) {
		t.Fatal("out-of-order payload timestamp must be dropped")
	}
	after, _ := m.Last("s1")
	if !after.Equal(before) {
		t.Fatal("stale beat must not advance liveness")
	}

	if !m.BeatAt("s1", base.Add(20*time.Second)) {
		t.Fatal("newer payload timestamp must be accepted")
	}
}

func TestLastIsUpdatedOnlyByBeat(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	m := New(nil, WithClock(clock.Now))
	m.Track("s1")

	first, _ := m.Last("s1")
	clock.Advance(10 * time.Second)
	again, _ := m.Last("s1")
	if !first.Equal(again) {
		t.Fatal("reading must not move the timestamp")
	}

	m.Beat("s1")
	after, _ := m.Last("s1")
	if !after.After(first) {
		t.Fatal("beat must advance the timestamp")
	}
}
