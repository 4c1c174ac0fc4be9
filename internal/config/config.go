// ABOUTME: Configuration loading and parsing for coven-voice
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is left empty.
const (
	DefaultUpstreamURL   = "https://api.openai.com/v1/realtime/calls"
	DefaultUpstreamModel = "gpt-realtime"
	DefaultReadyTimeout  = 10 * time.Second
	DefaultMetricsPath   = "/metrics"
	DefaultLogLevel      = "info"
)

// Config represents the complete coven-voice configuration
type Config struct {
	Server    ServerConfig           `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig        `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig         `yaml:"database" toml:"database"`
	Upstream  UpstreamConfig         `yaml:"upstream" toml:"upstream"`
	Agents    map[string]AgentConfig `yaml:"agents" toml:"agents"`
	Events    EventsConfig           `yaml:"events" toml:"events"`
	Logging   LoggingConfig          `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig          `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// UpstreamConfig holds the realtime voice service connection settings
type UpstreamConfig struct {
	URL                string   `yaml:"url" toml:"url"`
	Model              string   `yaml:"model" toml:"model"`
	APIKey             string   `yaml:"api_key" toml:"api_key"`
	Voice              string   `yaml:"voice" toml:"voice"`
	Instructions       string   `yaml:"instructions" toml:"instructions"`
	TranscriptionModel string   `yaml:"transcription_model" toml:"transcription_model"`
	ICEServers         []string `yaml:"ice_servers" toml:"ice_servers"`

	ReadyTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string value for unmarshaling
	ReadyTimeoutRaw string `yaml:"ready_timeout" toml:"ready_timeout"`
}

// AgentConfig describes one background agent backed by a CLI
type AgentConfig struct {
	Command         string   `yaml:"command" toml:"command"`
	Args            []string `yaml:"args" toml:"args"`
	NewContextArgs  []string `yaml:"new_context_args" toml:"new_context_args"`
	ResumeArgs      []string `yaml:"resume_args" toml:"resume_args"`
	WorkDir         string   `yaml:"work_dir" toml:"work_dir"`
	Env             []string `yaml:"env" toml:"env"`
	ToolName        string   `yaml:"tool_name" toml:"tool_name"`
	ToolDescription string   `yaml:"tool_description" toml:"tool_description"`
	SummaryPrompt   string   `yaml:"summary_prompt" toml:"summary_prompt"`
	SeedPrompt      string   `yaml:"seed_prompt" toml:"seed_prompt"`
}

// EventsConfig holds event stream configuration
type EventsConfig struct {
	Verbose bool `yaml:"verbose" toml:"verbose"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// DefaultPath returns the config location: COVEN_VOICE_CONFIG if set,
// otherwise coven-voice/gateway.yaml under the user config directory.
func DefaultPath() string {
	if p := os.Getenv("COVEN_VOICE_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "coven-voice", "gateway.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "gateway.yaml"
	}
	return filepath.Join(home, ".config", "coven-voice", "gateway.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Upstream.URL == "" {
		c.Upstream.URL = DefaultUpstreamURL
	}
	if c.Upstream.Model == "" {
		c.Upstream.Model = DefaultUpstreamModel
	}
	if c.Upstream.ReadyTimeout == 0 {
		c.Upstream.ReadyTimeout = DefaultReadyTimeout
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	for name, a := range c.Agents {
		if a.ToolName == "" {
			a.ToolName = "ask_" + name
			c.Agents[name] = a
		}
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Upstream.ReadyTimeout < 0 {
		return fmt.Errorf("upstream.ready_timeout must be positive")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	tools := make(map[string]string)
	for name, a := range c.Agents {
		if strings.TrimSpace(a.Command) == "" {
			return fmt.Errorf("agents.%s.command is required", name)
		}
		if a.ToolName == "agent_control" {
			return fmt.Errorf("agents.%s.tool_name %q is reserved", name, a.ToolName)
		}
		if other, dup := tools[a.ToolName]; dup && a.ToolName != "" {
			return fmt.Errorf("agents.%s.tool_name %q is already used by %s", name, a.ToolName, other)
		}
		if a.ToolName != "" {
			tools[a.ToolName] = name
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Upstream.ReadyTimeoutRaw != "" {
		cfg.Upstream.ReadyTimeout, err = time.ParseDuration(cfg.Upstream.ReadyTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing ready_timeout %q: %w", cfg.Upstream.ReadyTimeoutRaw, err)
		}
	}

	return nil
}
