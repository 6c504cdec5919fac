// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the master configuration for Tiller.
type Config struct {
	// Session configures the hosted agent session.
	Session SessionConfig `yaml:"session"`

	// Relay configures turn handling.
	Relay RelayConfig `yaml:"relay"`

	// Capture configures the capture store.
	Capture CaptureConfig `yaml:"capture"`

	// Memory configures the external memory store.
	Memory MemoryConfig `yaml:"memory"`

	// Messaging configures the chat transport.
	Messaging MessagingConfig `yaml:"messaging"`

	// Jobs configures scheduled jobs.
	Jobs JobsConfig `yaml:"jobs"`
}

// SessionConfig configures the tmux-hosted agent session.
type SessionConfig struct {
	// SocketPath is the tmux server socket. A dedicated socket keeps
	// Tiller's server separate from any interactive tmux the operator
	// runs.
	// Default: /run/tiller/tmux.sock
	SocketPath string `yaml:"socket_path"`

	// ConfigFile is the tmux configuration file. Default: /dev/null,
	// so the operator's ~/.tmux.conf never leaks into captures.
	ConfigFile string `yaml:"config_file"`

	// Name is the tmux session name hosting the agent.
	// Default: agent
	Name string `yaml:"name"`

	// Command is the agent program and its arguments.
	Command []string `yaml:"command"`

	// ResetCommand is typed into the session to clear the agent's
	// conversation before a context switch. Empty disables resets.
	// Default: /clear
	ResetCommand string `yaml:"reset_command"`
}

// RelayConfig configures turn handling.
type RelayConfig struct {
	// AcquireTimeout is how long a requester waits for the session
	// lock before being told busy. Default: 5s
	AcquireTimeout Duration `yaml:"acquire_timeout"`

	// TurnTimeout bounds one turn's wait for completion.
	// Default: 5m
	TurnTimeout Duration `yaml:"turn_timeout"`

	// PollInterval is the screen capture cadence. Default: 1s
	PollInterval Duration `yaml:"poll_interval"`

	// StabilityThreshold is how many consecutive unchanged captures
	// count as settled. Default: 3
	StabilityThreshold int `yaml:"stability_threshold"`

	// MaxHold is the lock hold time after which a warning is logged.
	// Default: 10m
	MaxHold Duration `yaml:"max_hold"`

	// InlineLimit is the largest prompt, in bytes, typed directly
	// into the session; larger prompts spill to ArtifactDir.
	// Default: 4096
	InlineLimit int `yaml:"inline_limit"`

	// ArtifactDir receives spilled prompts.
	// Default: /var/lib/tiller/artifacts
	ArtifactDir string `yaml:"artifact_dir"`

	// RecentExchanges is how many completed exchanges are replayed
	// into the next prompt. Default: 6
	RecentExchanges int `yaml:"recent_exchanges"`

	// ProgressAfter is how long a turn runs before the requester gets
	// a still-working notice. Zero disables. Default: 30s
	ProgressAfter Duration `yaml:"progress_after"`

	// PatternsFile is an optional YAML file of extra screen patterns
	// merged after the built-ins.
	PatternsFile string `yaml:"patterns_file"`
}

// CaptureConfig configures the capture store.
type CaptureConfig struct {
	// Path is the SQLite database file.
	// Default: /var/lib/tiller/captures.db
	Path string `yaml:"path"`

	// RetainTurns is how many turns to keep; older ones are pruned.
	// Zero disables count-based pruning. Default: 10000
	RetainTurns int `yaml:"retain_turns"`

	// RetainAge prunes turns older than this. Zero disables.
	// Default: 2160h (90 days)
	RetainAge Duration `yaml:"retain_age"`

	// RetryMax is the delivery attempt cap for queued responses;
	// entries past it are dropped with a warning. Default: 5
	RetryMax int `yaml:"retry_max"`

	// RetryInterval is the retry queue drain cadence. Default: 30s
	RetryInterval Duration `yaml:"retry_interval"`
}

// MemoryConfig configures the external memory store.
type MemoryConfig struct {
	// URL is the memory store base URL. Empty disables memory
	// context entirely.
	URL string `yaml:"url"`

	// Timeout bounds each memory store request. Default: 10s
	Timeout Duration `yaml:"timeout"`

	// BreakerThreshold is how many consecutive forwarding failures
	// open the circuit. Default: 5
	BreakerThreshold int `yaml:"breaker_threshold"`

	// BreakerCooldown is how long the circuit stays open before a
	// single trial call. Default: 1m
	BreakerCooldown Duration `yaml:"breaker_cooldown"`
}

// MessagingConfig configures the chat transport.
type MessagingConfig struct {
	// Homeserver is the Matrix homeserver base URL. Empty disables
	// the chat transport.
	Homeserver string `yaml:"homeserver"`

	// UserID is the relay's Matrix user (@tiller:example.org).
	UserID string `yaml:"user_id"`

	// TokenFile holds the access token, one line. Kept out of the
	// config file so the config can be checked in.
	TokenFile string `yaml:"token_file"`

	// Room is the room ID or alias the relay serves.
	Room string `yaml:"room"`

	// MaxMessageBytes splits outbound messages larger than this.
	// Default: 16384
	MaxMessageBytes int `yaml:"max_message_bytes"`
}

// JobsConfig configures scheduled jobs.
type JobsConfig struct {
	// File is the YAML job definitions file. Empty disables the
	// scheduler.
	File string `yaml:"file"`

	// QuietStart and QuietEnd bound the quiet window ("22:00" to
	// "07:00") during which non-exempt jobs are skipped. Both empty
	// disables quiet hours.
	QuietStart string `yaml:"quiet_start"`
	QuietEnd   string `yaml:"quiet_end"`
}

// Default returns the default configuration. These defaults are used
// as a base before loading the config file; the file is still
// required for anything deployment-specific.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			SocketPath:   "/run/tiller/tmux.sock",
			ConfigFile:   "/dev/null",
			Name:         "agent",
			ResetCommand: "/clear",
		},
		Relay: RelayConfig{
			AcquireTimeout:     Duration(5 * time.Second),
			TurnTimeout:        Duration(5 * time.Minute),
			PollInterval:       Duration(time.Second),
			StabilityThreshold: 3,
			MaxHold:            Duration(10 * time.Minute),
			InlineLimit:        4096,
			ArtifactDir:        "/var/lib/tiller/artifacts",
			RecentExchanges:    6,
			ProgressAfter:      Duration(30 * time.Second),
		},
		Capture: CaptureConfig{
			Path:          "/var/lib/tiller/captures.db",
			RetainTurns:   10000,
			RetainAge:     Duration(90 * 24 * time.Hour),
			RetryMax:      5,
			RetryInterval: Duration(30 * time.Second),
		},
		Memory: MemoryConfig{
			Timeout:          Duration(10 * time.Second),
			BreakerThreshold: 5,
			BreakerCooldown:  Duration(time.Minute),
		},
		Messaging: MessagingConfig{
			MaxMessageBytes: 16384,
		},
	}
}

// Load loads configuration from the TILLER_CONFIG environment
// variable. There are no fallbacks - if TILLER_CONFIG is not set,
// this fails.
func Load() (*Config, error) {
	path := os.Getenv("TILLER_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("TILLER_CONFIG environment variable not set; " +
			"set it to the path of your tiller.yaml config file, or use --config flag")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, merged over
// Default. Environment variables do not override config values; the
// only expansion performed is ${HOME} in path fields.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.expandVariables()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if len(c.Session.Command) == 0 {
		return fmt.Errorf("session.command is required")
	}
	if c.Relay.PollInterval <= 0 {
		return fmt.Errorf("relay.poll_interval must be positive")
	}
	if c.Relay.StabilityThreshold < 1 {
		return fmt.Errorf("relay.stability_threshold must be at least 1")
	}
	if c.Relay.TurnTimeout.Std() <= c.Relay.PollInterval.Std() {
		return fmt.Errorf("relay.turn_timeout must exceed relay.poll_interval")
	}
	if c.Relay.InlineLimit > 0 && c.Relay.ArtifactDir == "" {
		return fmt.Errorf("relay.artifact_dir is required when relay.inline_limit is set")
	}
	if c.Capture.Path == "" {
		return fmt.Errorf("capture.path is required")
	}
	if (c.Jobs.QuietStart == "") != (c.Jobs.QuietEnd == "") {
		return fmt.Errorf("jobs.quiet_start and jobs.quiet_end must be set together")
	}
	if c.Messaging.Homeserver != "" {
		if c.Messaging.UserID == "" || c.Messaging.TokenFile == "" || c.Messaging.Room == "" {
			return fmt.Errorf("messaging requires user_id, token_file, and room when homeserver is set")
		}
	}
	return nil
}

// expandVariables expands ${HOME} in path fields for portability.
func (c *Config) expandVariables() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	expand := func(path *string) {
		if *path == "" {
			return
		}
		*path = filepath.Clean(os.Expand(*path, func(name string) string {
			if name == "HOME" {
				return home
			}
			return "${" + name + "}"
		}))
	}
	expand(&c.Session.SocketPath)
	expand(&c.Relay.ArtifactDir)
	expand(&c.Relay.PatternsFile)
	expand(&c.Capture.Path)
	expand(&c.Messaging.TokenFile)
	expand(&c.Jobs.File)
}
