// Package config loads the runtime configuration for Maestro, Sentinel and
// the cross-platform session layer from a YAML file overlaid with
// environment variables, mirroring the teacher's env-decode-plus-YAML
// loader.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// SentinelConfig controls CryptoPrimitives, KeyStore, PolicyEngine and
// SecurityMonitor.
type SentinelConfig struct {
	KeyRotationDays   int           `json:"key_rotation_days" yaml:"key_rotation_days" env:"SENTINEL_KEY_ROTATION_DAYS"`
	SessionTokenTTL   time.Duration `json:"session_token_ttl" yaml:"session_token_ttl" env:"SENTINEL_SESSION_TOKEN_TTL"`
	MaxFailedAttempts int           `json:"max_failed_attempts" yaml:"max_failed_attempts" env:"SENTINEL_MAX_FAILED_ATTEMPTS"`
	LockoutDuration   time.Duration `json:"lockout_duration" yaml:"lockout_duration" env:"SENTINEL_LOCKOUT_DURATION"`
	EnableMonitoring  bool          `json:"enable_monitoring" yaml:"enable_monitoring" env:"SENTINEL_ENABLE_MONITORING"`
	AlertWebhookURL   string        `json:"alert_webhook_url" yaml:"alert_webhook_url" env:"SENTINEL_ALERT_WEBHOOK_URL"`
}

// MaestroConfig controls AgentRegistry, EventBus, ChoreographyEngine and
// WorkflowExecutor.
type MaestroConfig struct {
	MaxConcurrentWorkflows int           `json:"max_concurrent_workflows" yaml:"max_concurrent_workflows" env:"MAESTRO_MAX_CONCURRENT_WORKFLOWS"`
	DefaultWorkflowTimeout time.Duration `json:"default_workflow_timeout" yaml:"default_workflow_timeout" env:"MAESTRO_DEFAULT_WORKFLOW_TIMEOUT"`
	EventBusBufferSize     int           `json:"event_bus_buffer_size" yaml:"event_bus_buffer_size" env:"MAESTRO_EVENT_BUS_BUFFER_SIZE"`
	HeartbeatInterval      time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval" env:"MAESTRO_HEARTBEAT_INTERVAL"`
	AgentTimeout           time.Duration `json:"agent_timeout" yaml:"agent_timeout" env:"MAESTRO_AGENT_TIMEOUT"`
	EnableRollback         bool          `json:"enable_rollback" yaml:"enable_rollback" env:"MAESTRO_ENABLE_ROLLBACK"`
}

// SessionConfig controls AgentDiscoveryService, HandshakeProtocol and
// ContextStore.
type SessionConfig struct {
	MaxHistory    int           `json:"max_history" yaml:"max_history" env:"SESSION_MAX_HISTORY"`
	ContextTTL    time.Duration `json:"context_ttl" yaml:"context_ttl" env:"SESSION_CONTEXT_TTL"`
	ChallengeSize int           `json:"challenge_size" yaml:"challenge_size" env:"SESSION_CHALLENGE_SIZE"`
}

// LoggingConfig controls the wrapped logrus logger, matching the teacher's
// pkg/config LoggingConfig shape.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
}

// Config is the top-level configuration structure.
type Config struct {
	Sentinel SentinelConfig `json:"sentinel" yaml:"sentinel"`
	Maestro  MaestroConfig  `json:"maestro" yaml:"maestro"`
	Session  SessionConfig  `json:"session" yaml:"session"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
}

// New returns a Config populated with spec.md's documented defaults.
func New() *Config {
	return &Config{
		Sentinel: SentinelConfig{
			KeyRotationDays:   90,
			SessionTokenTTL:   86400 * time.Second,
			MaxFailedAttempts: 5,
			LockoutDuration:   900 * time.Second,
			EnableMonitoring:  true,
		},
		Maestro: MaestroConfig{
			MaxConcurrentWorkflows: 100,
			DefaultWorkflowTimeout: 300 * time.Second,
			EventBusBufferSize:     10000,
			HeartbeatInterval:      30 * time.Second,
			AgentTimeout:           10 * time.Second,
			EnableRollback:         true,
		},
		Session: SessionConfig{
			MaxHistory:    100,
			ContextTTL:    24 * time.Hour,
			ChallengeSize: 32,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load loads configuration from an optional YAML file (CONFIG_FILE env var,
// falling back to configs/config.yaml) and overlays it with environment
// variables and a .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		path = "configs/config.yaml"
	}
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when no tagged fields were present in the
		// environment; treat that as "no overrides" so local runs work
		// without exporting every variable.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads configuration from a YAML file without consulting the
// environment, for tests and tooling that want deterministic input.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Validate rejects a configuration with out-of-range values that would
// otherwise surface as confusing failures deep inside a component.
func (c *Config) Validate() error {
	if c.Sentinel.KeyRotationDays <= 0 {
		return fmt.Errorf("sentinel.key_rotation_days must be positive")
	}
	if c.Sentinel.MaxFailedAttempts <= 0 {
		return fmt.Errorf("sentinel.max_failed_attempts must be positive")
	}
	if c.Maestro.MaxConcurrentWorkflows <= 0 {
		return fmt.Errorf("maestro.max_concurrent_workflows must be positive")
	}
	if c.Session.ChallengeSize < 16 {
		return fmt.Errorf("session.challenge_size must be at least 16 bytes")
	}
	if c.Session.MaxHistory <= 0 {
		return fmt.Errorf("session.max_history must be positive")
	}
	return nil
}
