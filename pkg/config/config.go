package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values exported for documentation and validation
const (
	DefaultBind                  = "127.0.0.1:4488"
	DefaultTicketTTL             = 30 * time.Second
	DefaultTicketSweepInterval   = 60 * time.Second
	DefaultSessionTokenTTL       = 24 * time.Hour
	DefaultHeartbeatInterval     = 30 * time.Second
	DefaultMissedBeats           = 3
	DefaultMaxConcurrentCommands = 5
	DefaultMaxCommandTimeout     = 5 * time.Minute
	DefaultOutputBufferBytes     = 1 << 20
	DefaultRestoreGrace          = 2 * time.Minute
	DefaultMaxFileOps            = 16
	DefaultFileWriteWeight       = 5
	DefaultFileOpTimeout         = 30 * time.Second
)

// Config represents the complete bridge configuration
type Config struct {
	Server     ServerConfig    `yaml:"server"`
	Bridge     BridgeConfig    `yaml:"bridge"`
	RateLimits RateLimitConfig `yaml:"rate_limits"`
	Sanitizer  SanitizerConfig `yaml:"sanitizer"`
	Logging    LoggingConfig   `yaml:"logging"`
	Bus        BusConfig       `yaml:"bus"`
}

// ServerConfig controls the HTTP/WebSocket listener.
type ServerConfig struct {
	BindAddress    string        `yaml:"bind_address"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	ExternalURL    string        `yaml:"external_url"`
	AuthToken      string        `yaml:"auth_token"`
	TokenSecret    string        `yaml:"token_secret"`
	SessionTTL     time.Duration `yaml:"session_ttl"`
	AllowGuest     bool          `yaml:"allow_guest"`
}

// BridgeConfig controls per-session pairing and execution policy. The
// timeout and concurrency values are policy inputs, not hard invariants.
type BridgeConfig struct {
	TicketTTL             time.Duration `yaml:"ticket_ttl"`
	HeartbeatInterval     time.Duration `yaml:"heartbeat_interval"`
	MissedBeats           int           `yaml:"missed_beats"`
	MaxConcurrentCommands int           `yaml:"max_concurrent_commands"`
	QueueDepth            int           `yaml:"queue_depth"`
	MaxCommandTimeout     time.Duration `yaml:"max_command_timeout"`
	OutputBufferBytes     int           `yaml:"output_buffer_bytes"`
	RestoreGrace          time.Duration `yaml:"restore_grace"`
	MaxFileOps            int           `yaml:"max_file_ops"`
	FileWriteWeight       int           `yaml:"file_write_weight"`
	FileOpTimeout         time.Duration `yaml:"file_op_timeout"`
}

// RateLimitConfig sets sliding-window policies per bucket.
type RateLimitConfig struct {
	Commands BucketPolicy `yaml:"commands"`
	FileOps  BucketPolicy `yaml:"file_ops"`
	Auth     BucketPolicy `yaml:"auth"`
}

// BucketPolicy is a limit over a window.
type BucketPolicy struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// SanitizerConfig points at an optional replacement policy file.
type SanitizerConfig struct {
	PolicyPath             string `yaml:"policy_path"`
	BlockChainingOperators bool   `yaml:"block_chaining_operators"`
}

// LoggingConfig controls the structured JSONL logger.
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Level string `yaml:"level"`
}

// BusConfig selects the event bus backend. Empty URL means in-memory.
type BusConfig struct {
	NATSURL string `yaml:"nats_url"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads configuration from path, fills defaults, and applies
// environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.BindAddress == "" {
		c.Server.BindAddress = DefaultBind
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"http://localhost", "http://127.0.0.1"}
	}
	if c.Server.SessionTTL <= 0 {
		c.Server.SessionTTL = DefaultSessionTokenTTL
	}
	if c.Bridge.TicketTTL <= 0 {
		c.Bridge.TicketTTL = DefaultTicketTTL
	}
	if c.Bridge.HeartbeatInterval <= 0 {
		c.Bridge.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Bridge.MissedBeats <= 0 {
		c.Bridge.MissedBeats = DefaultMissedBeats
	}
	if c.Bridge.MaxConcurrentCommands <= 0 {
		c.Bridge.MaxConcurrentCommands = DefaultMaxConcurrentCommands
	}
	if c.Bridge.MaxCommandTimeout <= 0 {
		c.Bridge.MaxCommandTimeout = DefaultMaxCommandTimeout
	}
	if c.Bridge.OutputBufferBytes <= 0 {
		c.Bridge.OutputBufferBytes = DefaultOutputBufferBytes
	}
	if c.Bridge.RestoreGrace <= 0 {
		c.Bridge.RestoreGrace = DefaultRestoreGrace
	}
	if c.Bridge.MaxFileOps <= 0 {
		c.Bridge.MaxFileOps = DefaultMaxFileOps
	}
	if c.Bridge.FileWriteWeight <= 0 {
		c.Bridge.FileWriteWeight = DefaultFileWriteWeight
	}
	if c.Bridge.FileOpTimeout <= 0 {
		c.Bridge.FileOpTimeout = DefaultFileOpTimeout
	}
	if c.RateLimits.Commands.Limit <= 0 {
		c.RateLimits.Commands = BucketPolicy{Limit: 10, Window: time.Minute}
	}
	if c.RateLimits.FileOps.Limit <= 0 {
		c.RateLimits.FileOps = BucketPolicy{Limit: 100, Window: time.Minute}
	}
	if c.RateLimits.Auth.Limit <= 0 {
		c.RateLimits.Auth = BucketPolicy{Limit: 3, Window: time.Minute}
	}
	if c.RateLimits.Commands.Window <= 0 {
		c.RateLimits.Commands.Window = time.Minute
	}
	if c.RateLimits.FileOps.Window <= 0 {
		c.RateLimits.FileOps.Window = time.Minute
	}
	if c.RateLimits.Auth.Window <= 0 {
		c.RateLimits.Auth.Window = time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) applyEnvOverrides() {
	if bind := strings.TrimSpace(os.Getenv("BRIDGE_BIND_ADDRESS")); bind != "" {
		c.Server.BindAddress = bind
	}
	if token := strings.TrimSpace(os.Getenv("BRIDGE_AUTH_TOKEN")); token != "" {
		c.Server.AuthToken = token
	}
	if secret := strings.TrimSpace(os.Getenv("BRIDGE_TOKEN_SECRET")); secret != "" {
		c.Server.TokenSecret = secret
	}
	if dir := strings.TrimSpace(os.Getenv("BRIDGE_LOG_DIR")); dir != "" {
		c.Logging.Dir = dir
	}
	if url := strings.TrimSpace(os.Getenv("BRIDGE_NATS_URL")); url != "" {
		c.Bus.NATSURL = url
	}
}

// Validate rejects configurations that would weaken the trust boundary.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Server.BindAddress); err != nil {
		return fmt.Errorf("invalid bind address %q: %w", c.Server.BindAddress, err)
	}
	if !isLoopbackBindAddress(c.Server.BindAddress) && c.Server.AuthToken == "" {
		return fmt.Errorf("refusing to bind to %q without an auth token (set server.auth_token)", c.Server.BindAddress)
	}
	if c.Bridge.MissedBeats < 1 {
		return fmt.Errorf("bridge.missed_beats must be at least 1")
	}
	return nil
}

func isLoopbackBindAddress(addr string) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") || host == "" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
