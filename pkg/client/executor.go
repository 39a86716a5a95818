package client

import (
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// EmitFunc receives command output as it is produced. stream is
// "stdout" or "stderr".
type EmitFunc func(stream, data string)

// Executor runs one command and streams its output.
type Executor interface {
	Execute(ctx context.Context, command, workingDirectory string, env map[string]string, emit EmitFunc) (exitCode int, err error)
}

// ShellExecutor runs commands through a shell so pipes, globs, and
// quoting behave the way users expect from a terminal.
type ShellExecutor struct {
	// Shell is the interpreter, "/bin/sh" when empty.
	Shell string
}

func (e *ShellExecutor) shell() string {
	if e.Shell != "" {
		return e.Shell
	}
	return "/bin/sh"
}

// Execute runs the command and emits stdout and stderr chunks as they
// arrive. The exit code is the process's, 127 when the shell could not
// start, -1 when the context expired first.
func (e *ShellExecutor) Execute(ctx context.Context, command, workingDirectory string, env map[string]string, emit EmitFunc) (int, error) {
	cmd := exec.CommandContext(ctx, e.shell(), "-c", command)
	cmd.Dir = workingDirectory
	// The shell gets its own process group so cancellation reaches the
	// whole pipeline, not just sh. WaitDelay forces the output pipes
	// closed if an orphaned grandchild keeps them open.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 3 * time.Second
	if len(env) > 0 {
		cmd.Env = cmd.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	cmd.Stdout = &streamWriter{stream: "stdout", emit: emit}
	cmd.Stderr = &streamWriter{stream: "stderr", emit: emit}

	if err := cmd.Start(); err != nil {
		return 127, err
	}

	err := cmd.Wait()
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return 127, err
	}
	return 0, nil
}

// streamWriter forwards every write to emit. os/exec runs one copy
// goroutine per stream, so emit must tolerate concurrent calls.
type streamWriter struct {
	stream string
	emit   EmitFunc
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if len(p) > 0 {
		w.emit(w.stream, string(p))
	}
	return len(p), nil
}
