// Package ratelimit provides sliding-window rate limiting keyed by
// (identifier, bucket). Each bucket carries its own policy so command
// submission, file operations, and pairing attempts are throttled
// independently. Window state is evicted once it drains, bounding memory.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Bucket names a rate limit class.
type Bucket string

const (
	BucketCommand Bucket = "command"
	BucketFileOp  Bucket = "fileOp"
	BucketAuth    Bucket = "auth"
)

// Policy is a limit over a sliding window.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Result reports a limiter decision.
type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

type windowKey struct {
	identifier string
	bucket     Bucket
}

// Limiter applies sliding-window limits per (identifier, bucket).
type Limiter struct {
	mu       sync.Mutex
	policies map[Bucket]Policy
	windows  map[windowKey][]time.Time
	now      func() time.Time
}

// NewLimiter creates a limiter with the given per-bucket policies.
func NewLimiter(policies map[Bucket]Policy) *Limiter {
	l := &Limiter{
		policies: make(map[Bucket]Policy, len(policies)),
		windows:  make(map[windowKey][]time.Time),
		now:      time.Now,
	}
	for b, p := range policies {
		l.policies[b] = p
	}
	return l
}

// SetClock overrides the time source for tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// SetPolicy replaces the policy for one bucket.
func (l *Limiter) SetPolicy(bucket Bucket, policy Policy) {
	l.mu.Lock()
	l.policies[bucket] = policy
	l.mu.Unlock()
}

// Check records one request against the window and reports the decision.
func (l *Limiter) Check(identifier string, bucket Bucket) Result {
	return l.CheckN(identifier, bucket, 1)
}

// CheckN records a request with weight n. Heavier operations (file writes)
// consume more of the window than reads.
func (l *Limiter) CheckN(identifier string, bucket Bucket, n int) Result {
	if l == nil || n <= 0 {
		return Result{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	policy, ok := l.policies[bucket]
	if !ok || policy.Limit <= 0 || policy.Window <= 0 {
		return Result{Allowed: true}
	}

	now := l.now()
	key := windowKey{identifier: identifier, bucket: bucket}
	cutoff := now.Add(-policy.Window)

	stamps := l.windows[key]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept)+n > policy.Limit {
		l.windows[key] = kept
		retryAfter := policy.Window
		if len(kept) > 0 {
			retryAfter = kept[0].Add(policy.Window).Sub(now)
		}
		if retryAfter <= 0 {
			retryAfter = time.Millisecond
		}
		return Result{Allowed: false, RetryAfter: retryAfter}
	}

	for i := 0; i < n; i++ {
		kept = append(kept, now)
	}
	l.windows[key] = kept
	return Result{Allowed: true}
}

// GC drops windows whose entries have all aged out.
func (l *Limiter) GC() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, stamps := range l.windows {
		policy, ok := l.policies[key.bucket]
		if !ok {
			delete(l.windows, key)
			removed++
			continue
		}
		cutoff := now.Add(-policy.Window)
		live := false
		for _, ts := range stamps {
			if ts.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

// Run garbage-collects stale windows until the context is cancelled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.GC()
		}
	}
}

// Tracked returns the number of live windows, for metrics.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
