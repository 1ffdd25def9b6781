// ABOUTME: Configuration loading and parsing for thread-gateway
// ABOUTME: Supports YAML or TOML files with ${VAR} expansion, environment overrides and duration parsing

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete thread-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Assistant AssistantConfig `yaml:"assistant" toml:"assistant"`
	Sweep     SweepConfig     `yaml:"sweep" toml:"sweep"`
	AWS       AWSConfig       `yaml:"aws" toml:"aws"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`

	// Debug enables the in-memory log endpoint and debug-level logging.
	Debug bool `yaml:"debug" toml:"debug"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`

	// PathPrefix is prepended to every route, e.g. "/api".
	PathPrefix string `yaml:"path_prefix" toml:"path_prefix"`

	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`

	ShutdownTimeout    time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"` // serve on :443 with the tailnet certificate
	Funnel    bool   `yaml:"funnel" toml:"funnel"`
}

// DatabaseConfig holds the link store location
type DatabaseConfig struct {
	// URL selects the backend by scheme: sqlite://, postgresql:// or dynamodb://.
	URL string `yaml:"url" toml:"url"`
}

// AssistantConfig describes the remote LangGraph deployment
type AssistantConfig struct {
	DeploymentURL string `yaml:"deployment_url" toml:"deployment_url"`
	GraphID       string `yaml:"graph_id" toml:"graph_id"`

	// AssistantID defaults to GraphID when empty.
	AssistantID string `yaml:"assistant_id" toml:"assistant_id"`

	APIKey string `yaml:"api_key" toml:"api_key"`
	// APIKeyParameter names an SSM parameter holding the API key.
	APIKeyParameter string `yaml:"api_key_parameter" toml:"api_key_parameter"`

	MaxTokens int `yaml:"max_tokens" toml:"max_tokens"`

	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// SweepConfig controls the background inactivity sweep. Interval zero disables it.
type SweepConfig struct {
	Interval time.Duration `yaml:"-" toml:"-"`
	MaxIdle  time.Duration `yaml:"-" toml:"-"`

	// Concurrency bounds parallel remote thread deletes.
	Concurrency int `yaml:"concurrency" toml:"concurrency"`

	// Raw string values for unmarshaling
	IntervalRaw string `yaml:"interval" toml:"interval"`
	MaxIdleRaw  string `yaml:"max_idle" toml:"max_idle"`
}

// AWSConfig is used by the DynamoDB store and the SSM parameter lookup
type AWSConfig struct {
	Region   string `yaml:"region" toml:"region"`
	Endpoint string `yaml:"endpoint" toml:"endpoint"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level       string `yaml:"level" toml:"level"`
	Format      string `yaml:"format" toml:"format"`
	BufferBytes int    `yaml:"buffer_bytes" toml:"buffer_bytes"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:           "0.0.0.0:8000",
			AllowedOrigins:     []string{"*"},
			ShutdownTimeoutRaw: "10s",
		},
		Database: DatabaseConfig{
			URL: "sqlite:///thread-gateway.db",
		},
		Assistant: AssistantConfig{
			DeploymentURL: "http://localhost:8123",
			GraphID:       "agent",
			MaxTokens:     10000,
			TimeoutRaw:    "5m",
		},
		Sweep: SweepConfig{
			Concurrency: 4,
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "text",
			BufferBytes: 10 << 20,
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded, then the
// well-known deployment variables (DATABASE_URL, ASSISTANT_*, ALLOWED_HOSTS,
// DEBUG) override file values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	expanded := expandEnvVars(string(data))

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	return finish(cfg)
}

// LoadOrDefault behaves like Load but falls back to defaults plus environment
// overrides when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return finish(Default())
	}
	return cfg, err
}

func finish(cfg *Config) (*Config, error) {
	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if cfg.Assistant.AssistantID == "" {
		cfg.Assistant.AssistantID = cfg.Assistant.GraphID
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// applyEnv overlays the deployment environment variables onto cfg.
func applyEnv(cfg *Config) error {
	overrides := []struct {
		name   string
		target *string
	}{
		{"DATABASE_URL", &cfg.Database.URL},
		{"ASSISTANT_DEPLOYMENT_URL", &cfg.Assistant.DeploymentURL},
		{"ASSISTANT_GRAPH_ID", &cfg.Assistant.GraphID},
		{"ASSISTANT_ID", &cfg.Assistant.AssistantID},
		{"ASSISTANT_API_KEY", &cfg.Assistant.APIKey},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.name); ok && v != "" {
			*o.target = v
		}
	}

	if v, ok := os.LookupEnv("ALLOWED_HOSTS"); ok && v != "" {
		cfg.Server.AllowedOrigins = splitList(v)
	}

	if v, ok := os.LookupEnv("DEBUG"); ok && v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DEBUG %q: %w", v, err)
		}
		cfg.Debug = debug
	}

	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Server.PathPrefix != "" && (!strings.HasPrefix(c.Server.PathPrefix, "/") || strings.HasSuffix(c.Server.PathPrefix, "/")) {
		return fmt.Errorf("server.path_prefix %q must start with / and not end with /", c.Server.PathPrefix)
	}

	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}

	if c.Assistant.DeploymentURL == "" {
		return fmt.Errorf("assistant.deployment_url is required")
	}
	u, err := url.Parse(c.Assistant.DeploymentURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("assistant.deployment_url %q is not an absolute URL", c.Assistant.DeploymentURL)
	}

	if c.Assistant.AssistantID == "" {
		return fmt.Errorf("assistant.graph_id or assistant.assistant_id is required")
	}

	if c.Assistant.MaxTokens < 0 {
		return fmt.Errorf("assistant.max_tokens must not be negative")
	}

	if c.Sweep.Interval > 0 && c.Sweep.MaxIdle <= 0 {
		return fmt.Errorf("sweep.max_idle is required when sweep.interval is set")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name   string
		raw    string
		target *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"assistant.timeout", cfg.Assistant.TimeoutRaw, &cfg.Assistant.Timeout},
		{"sweep.interval", cfg.Sweep.IntervalRaw, &cfg.Sweep.Interval},
		{"sweep.max_idle", cfg.Sweep.MaxIdleRaw, &cfg.Sweep.MaxIdle},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.target = d
	}

	return nil
}
