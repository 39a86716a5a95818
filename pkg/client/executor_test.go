package client

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type emitRecorder struct {
	mu     sync.Mutex
	chunks []struct{ stream, data string }
}

func (r *emitRecorder) emit(stream, data string) {
	r.mu.Lock()
	r.chunks = append(r.chunks, struct{ stream, data string }{stream, data})
	r.mu.Unlock()
}

func (r *emitRecorder) joined(stream string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	for _, c := range r.chunks {
		if c.stream == stream {
			b.WriteString(c.data)
		}
	}
	return b.String()
}

func TestShellExecutorCapturesStdout(t *testing.T) {
	rec := &emitRecorder{}
	exe := &ShellExecutor{}

	exitCode, err := exe.Execute(context.Background(), "echo hello", t.TempDir(), nil, rec.emit)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exitCode != 0 {
		t.Fatalf("expected exit 0, got %d", exitCode)
	}
	if got := rec.joined("stdout"); got != "hello\n" {
		t.Fatalf("stdout = %q", got)
	}
}

func TestShellExecutorReportsExitCode(t *testing.T) {
	rec := &emitRecorder{}
	exe := &ShellExecutor{}

	exitCode, err := exe.Execute(context.Background(), "exit 3", t.TempDir(), nil, rec.emit)
	if err != nil {
		t.Fatalf("nonzero exit is not an error: %v", err)
	}
	if exitCode != 3 {
		t.Fatalf("expected exit 3, got %d", exitCode)
	}
}

func TestShellExecutorSeparatesStderr(t *testing.T) {
	rec := &emitRecorder{}
	exe := &ShellExecutor{}

	if _, err := exe.Execute(context.Background(), "echo oops >&2", t.TempDir(), nil, rec.emit); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := rec.joined("stderr"); got != "oops\n" {
		t.Fatalf("stderr = %q", got)
	}
	if got := rec.joined("stdout"); got != "" {
		t.Fatalf("stdout should be empty, got %q", got)
	}
}

func TestShellExecutorHonorsEnvVars(t *testing.T) {
	rec := &emitRecorder{}
	exe := &ShellExecutor{}

	_, err := exe.Execute(context.Background(), "echo $BRIDGE_TEST_VAR", t.TempDir(), map[string]string{"BRIDGE_TEST_VAR": "wired"}, rec.emit)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := rec.joined("stdout"); got != "wired\n" {
		t.Fatalf("stdout = %q", got)
	}
}

func TestShellExecutorCancellation(t *testing.T) {
	rec := &emitRecorder{}
	exe := &ShellExecutor{}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	exitCode, err := exe.Execute(ctx, "sleep 30", t.TempDir(), nil, rec.emit)
	if err == nil {
		t.Fatal("cancelled command should return an error")
	}
	if exitCode != -1 {
		t.Fatalf("expected exit -1 on cancellation, got %d", exitCode)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("cancellation took too long")
	}
}

func TestShellExecutorCancellationKillsBackgroundChildren(t *testing.T) {
	rec := &emitRecorder{}
	exe := &ShellExecutor{}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// The backgrounded sleep inherits the output pipes and outlives sh
	// unless the whole process group is signalled.
	start := time.Now()
	exitCode, err := exe.Execute(ctx, "sleep 30 & sleep 30", t.TempDir(), nil, rec.emit)
	if err == nil {
		t.Fatal("cancelled command should return an error")
	}
	if exitCode != -1 {
		t.Fatalf("expected exit -1 on cancellation, got %d", exitCode)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("cancellation did not reach the background child")
	}
}
