// Command bridged is the bridge server: it pairs web IDE users with
// local agents and relays commands, output, and file operations
// between them.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MichaelrKraft/coder1-bridge/pkg/bridge"
	"github.com/MichaelrKraft/coder1-bridge/pkg/bus"
	"github.com/MichaelrKraft/coder1-bridge/pkg/config"
	"github.com/MichaelrKraft/coder1-bridge/pkg/logging"
	"github.com/MichaelrKraft/coder1-bridge/pkg/ratelimit"
	"github.com/MichaelrKraft/coder1-bridge/pkg/sanitizer"
	"github.com/MichaelrKraft/coder1-bridge/pkg/ticket"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "bridged: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("bridged", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to bridge config YAML")
	bind := fs.String("bind", "", "bind address override (host:port)")
	showVersion := fs.Bool("version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Printf("bridged %s (%s, built %s)\n", version, commit, buildDate)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *bind != "" {
		cfg.Server.BindAddress = *bind
	}

	logger, err := logging.NewLogger(cfg.Logging.Dir)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()
	if cfg.Logging.Level != "" {
		logger.SetMinLevel(logging.Level(cfg.Logging.Level))
	}

	check := sanitizer.New(logger)
	if cfg.Sanitizer.PolicyPath != "" {
		if err := check.LoadPolicy(cfg.Sanitizer.PolicyPath); err != nil {
			return fmt.Errorf("load sanitizer policy: %w", err)
		}
	}
	if cfg.Sanitizer.BlockChainingOperators {
		if err := check.SetRuleEnabled("chaining-operators", true); err != nil {
			return fmt.Errorf("enable chaining rule: %w", err)
		}
	}

	limiter := ratelimit.NewLimiter(map[ratelimit.Bucket]ratelimit.Policy{
		ratelimit.BucketCommand: {Limit: cfg.RateLimits.Commands.Limit, Window: cfg.RateLimits.Commands.Window},
		ratelimit.BucketFileOp:  {Limit: cfg.RateLimits.FileOps.Limit, Window: cfg.RateLimits.FileOps.Window},
		ratelimit.BucketAuth:    {Limit: cfg.RateLimits.Auth.Limit, Window: cfg.RateLimits.Auth.Window},
	})

	tickets := ticket.NewAuthority(cfg.Bridge.TicketTTL, ticket.WithLogger(logger))
	tokens := bridge.NewTokenManager(cfg.Server.TokenSecret, cfg.Server.SessionTTL)

	eventBus, err := bus.New(bus.Config{URL: cfg.Bus.NATSURL, Name: "coder1-bridge", Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("connect event bus: %w", err)
	}
	defer eventBus.Close()

	hub := bridge.NewHub()
	hub.AddForwarder(&busForwarder{bus: eventBus})

	manager := bridge.NewManager(cfg, tickets, tokens, limiter, check, hub, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go manager.Run(ctx)

	server := bridge.NewServer(cfg, manager, tickets, hub, logger)
	return server.Start(ctx)
}

// busForwarder mirrors hub events onto the message bus so other
// backend services can consume them without a WebSocket.
type busForwarder struct {
	bus bus.Bus
}

func (f *busForwarder) ForwardEvent(event bridge.Event) {
	var subject string
	switch event.Type {
	case bridge.EventSessionState:
		subject = bus.SubjectSessionState(event.SessionID)
	case bridge.EventCommandOutput:
		subject = bus.SubjectCommandOutput(event.SessionID)
	case bridge.EventCommandComplete:
		subject = bus.SubjectCommandComplete(event.SessionID)
	default:
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = f.bus.Publish(ctx, subject, data)
}
