// Command bridge-agent runs on the developer's machine: it pairs with
// a bridge server using a one-time code and executes commands and file
// operations on the server's behalf.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MichaelrKraft/coder1-bridge/pkg/client"
	"github.com/MichaelrKraft/coder1-bridge/pkg/logging"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := run(os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "bridge-agent: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("bridge-agent", flag.ContinueOnError)
	serverURL := fs.String("server", "ws://127.0.0.1:4488/ws/bridge", "bridge server WebSocket URL")
	code := fs.String("code", "", "one-time pairing code from the IDE")
	workDir := fs.String("dir", "", "working directory served to the IDE (default: current directory)")
	tokenFile := fs.String("token-file", "", "file to persist the session token for reconnects")
	shell := fs.String("shell", "", "shell used to run commands (default: /bin/sh)")
	logDir := fs.String("log-dir", "", "directory for JSONL logs (default: disabled)")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Printf("bridge-agent %s (%s, built %s)\n", version, commit, buildDate)
		return nil
	}

	dir := *workDir
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		dir = cwd
	}

	var logger *logging.Logger
	if *logDir != "" {
		var err error
		logger, err = logging.NewLogger(*logDir)
		if err != nil {
			return fmt.Errorf("init logging: %w", err)
		}
		defer logger.Close()
	}

	token := loadToken(*tokenFile)
	if *code == "" && token == "" {
		return errors.New("a pairing code (-code) or a saved token is required")
	}

	c := client.New(client.Config{
		ServerURL:        *serverURL,
		PairingCode:      strings.TrimSpace(*code),
		Token:            token,
		WorkingDirectory: dir,
	}, &client.ShellExecutor{Shell: *shell}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *tokenFile != "" {
		go persistToken(ctx, c, *tokenFile, token)
	}

	fmt.Printf("bridge-agent %s connecting to %s (serving %s)\n", version, *serverURL, dir)
	err := c.Run(ctx)
	if errors.Is(err, client.ErrTerminated) {
		fmt.Println("session ended by server")
		removeToken(*tokenFile)
		return nil
	}
	if errors.Is(err, client.ErrRejected) {
		removeToken(*tokenFile)
		return errors.New("pairing rejected; request a new code from the IDE")
	}
	return err
}

func loadToken(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// persistToken saves the session token whenever it changes so an agent
// restart can reclaim the session inside the server's grace window.
func persistToken(ctx context.Context, c *client.Client, path, last string) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			token := c.Token()
			if token == "" || token == last {
				continue
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				continue
			}
			if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err == nil {
				last = token
			}
		}
	}
}

func removeToken(path string) {
	if path != "" {
		_ = os.Remove(path)
	}
}
