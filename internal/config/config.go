package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all chimera node configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Control plane (WebSocket) listener
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`

	// Metacognitive engine tuning
	Metacognitive MetacognitiveConfig `yaml:"metacognitive"`

	// Worker node registry
	Nodes NodesConfig `yaml:"nodes"`

	// Persistence store and backups
	Persistence PersistenceConfig `yaml:"persistence"`

	// Event broker sizing
	Events EventsConfig `yaml:"events"`

	// Intent compilation
	Intent IntentConfig `yaml:"intent"`

	// Prometheus metrics listener
	Metrics MetricsConfig `yaml:"metrics"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ControlPlaneConfig configures the control-plane listener.
type ControlPlaneConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// Addr returns the host:port bind address.
func (c ControlPlaneConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TLSEnabled reports whether both certificate and key are configured.
func (c ControlPlaneConfig) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// MetacognitiveConfig configures confidence tracking and learning triggers.
type MetacognitiveConfig struct {
	ConfidenceThreshold     float64 `yaml:"confidence_threshold"`
	LearningCooldownSeconds int     `yaml:"learning_cooldown_seconds"`
	MinSamples              int     `yaml:"min_samples"`
	HistoryWindow           int     `yaml:"history_window"`
}

// NodesConfig configures worker node lifecycle and authentication.
type NodesConfig struct {
	HeartbeatTimeoutSeconds  int     `yaml:"heartbeat_timeout_seconds"`
	HeartbeatIntervalSeconds int     `yaml:"heartbeat_interval_seconds"`
	ReplayWindowSeconds      int     `yaml:"replay_window_seconds"`
	ReputationUp             float64 `yaml:"reputation_up"`
	ReputationDown           float64 `yaml:"reputation_down"`
	MaxRetries               int     `yaml:"max_retries"`

	// Shared secret for registration signatures. Empty disables remote
	// node registration entirely.
	SharedSecret string `yaml:"shared_secret"`
}

// PersistenceConfig configures the embedded store and backup rotation.
type PersistenceConfig struct {
	DatabasePath          string `yaml:"database_path"`
	BackupIntervalSeconds int    `yaml:"backup_interval_seconds"`
	BackupRetention       int    `yaml:"backup_retention"`
}

// BackupDir returns the snapshot directory, a backups/ sibling of the
// database file.
func (p PersistenceConfig) BackupDir() string {
	return filepath.Join(filepath.Dir(p.DatabasePath), "backups")
}

// EventsConfig configures broker buffers.
type EventsConfig struct {
	BufferSize          int `yaml:"buffer_size"`
	SubscriberQueueSize int `yaml:"subscriber_queue_size"`

	// DropAlertThreshold is the per-subscriber drop count interval at
	// which a system_alert is published. Zero disables alerting.
	DropAlertThreshold int `yaml:"drop_alert_threshold"`
}

// IntentConfig configures intent compilation and the llm_chat tool.
type IntentConfig struct {
	DefaultTool string `yaml:"default_tool"`
	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"`
}

// MetricsConfig configures the optional Prometheus listener.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "chimera",
		Version: "1.0.0",

		ControlPlane: ControlPlaneConfig{
			Host: "0.0.0.0",
			Port: 8765,
		},

		Metacognitive: MetacognitiveConfig{
			ConfidenceThreshold:     0.60,
			LearningCooldownSeconds: 300,
			MinSamples:              10,
			HistoryWindow:           100,
		},

		Nodes: NodesConfig{
			HeartbeatTimeoutSeconds:  90,
			HeartbeatIntervalSeconds: 30,
			ReplayWindowSeconds:      300,
			ReputationUp:             0.02,
			ReputationDown:           0.05,
			MaxRetries:               2,
		},

		Persistence: PersistenceConfig{
			DatabasePath:          "data/chimera.db",
			BackupIntervalSeconds: 3600,
			BackupRetention:       24,
		},

		Events: EventsConfig{
			BufferSize:          1000,
			SubscriberQueueSize: 256,
			DropAlertThreshold:  100,
		},

		Intent: IntentConfig{
			DefaultTool: "echo",
			GenAIModel:  "gemini-2.5-flash",
		},

		Metrics: MetricsConfig{},

		Logging: LoggingConfig{
			Level: "info",
			Dir:   "logs",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies CHIMERA_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CHIMERA_CONTROL_HOST"); v != "" {
		c.ControlPlane.Host = v
	}
	if v := os.Getenv("CHIMERA_CONTROL_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ControlPlane.Port = n
		}
	}
	if v := os.Getenv("CHIMERA_TLS_CERT"); v != "" {
		c.ControlPlane.TLSCert = v
	}
	if v := os.Getenv("CHIMERA_TLS_KEY"); v != "" {
		c.ControlPlane.TLSKey = v
	}

	if v := os.Getenv("CHIMERA_CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Metacognitive.ConfidenceThreshold = f
		}
	}
	if v := os.Getenv("CHIMERA_LEARNING_COOLDOWN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Metacognitive.LearningCooldownSeconds = n
		}
	}
	if v := os.Getenv("CHIMERA_MIN_SAMPLES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Metacognitive.MinSamples = n
		}
	}
	if v := os.Getenv("CHIMERA_HISTORY_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Metacognitive.HistoryWindow = n
		}
	}

	if v := os.Getenv("CHIMERA_HEARTBEAT_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Nodes.HeartbeatTimeoutSeconds = n
		}
	}
	if v := os.Getenv("CHIMERA_HEARTBEAT_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Nodes.HeartbeatIntervalSeconds = n
		}
	}
	if v := os.Getenv("CHIMERA_REPLAY_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Nodes.ReplayWindowSeconds = n
		}
	}
	if v := os.Getenv("CHIMERA_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Nodes.MaxRetries = n
		}
	}
	if v := os.Getenv("CHIMERA_SHARED_SECRET"); v != "" {
		c.Nodes.SharedSecret = v
	}

	if v := os.Getenv("CHIMERA_DB_PATH"); v != "" {
		c.Persistence.DatabasePath = v
	}
	if v := os.Getenv("CHIMERA_BACKUP_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Persistence.BackupIntervalSeconds = n
		}
	}
	if v := os.Getenv("CHIMERA_BACKUP_RETENTION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Persistence.BackupRetention = n
		}
	}

	if v := os.Getenv("CHIMERA_EVENT_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Events.BufferSize = n
		}
	}
	if v := os.Getenv("CHIMERA_SUBSCRIBER_QUEUE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Events.SubscriberQueueSize = n
		}
	}

	if v := os.Getenv("CHIMERA_DEFAULT_TOOL"); v != "" {
		c.Intent.DefaultTool = v
	}
	if v := os.Getenv("CHIMERA_GENAI_API_KEY"); v != "" {
		c.Intent.GenAIAPIKey = v
	} else if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Intent.GenAIAPIKey = v
	}
	if v := os.Getenv("CHIMERA_GENAI_MODEL"); v != "" {
		c.Intent.GenAIModel = v
	}

	if v := os.Getenv("CHIMERA_METRICS_ADDR"); v != "" {
		c.Metrics.ListenAddr = v
	}

	if v := os.Getenv("CHIMERA_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CHIMERA_LOG_DIR"); v != "" {
		c.Logging.Dir = v
	}
}

// GetLearningCooldown returns the learning cooldown as a duration.
func (c *Config) GetLearningCooldown() time.Duration {
	return time.Duration(c.Metacognitive.LearningCooldownSeconds) * time.Second
}

// GetHeartbeatTimeout returns the node heartbeat timeout as a duration.
func (c *Config) GetHeartbeatTimeout() time.Duration {
	return time.Duration(c.Nodes.HeartbeatTimeoutSeconds) * time.Second
}

// GetHeartbeatInterval returns the heartbeat sweep interval as a duration.
func (c *Config) GetHeartbeatInterval() time.Duration {
	return time.Duration(c.Nodes.HeartbeatIntervalSeconds) * time.Second
}

// GetReplayWindow returns the signature replay window as a duration.
func (c *Config) GetReplayWindow() time.Duration {
	return time.Duration(c.Nodes.ReplayWindowSeconds) * time.Second
}

// GetBackupInterval returns the backup interval as a duration.
func (c *Config) GetBackupInterval() time.Duration {
	return time.Duration(c.Persistence.BackupIntervalSeconds) * time.Second
}

// Validate validates the configuration. Port 0 is accepted and means
// "bind an ephemeral port".
func (c *Config) Validate() error {
	if c.ControlPlane.Port < 0 || c.ControlPlane.Port > 65535 {
		return fmt.Errorf("invalid control plane port: %d", c.ControlPlane.Port)
	}
	if (c.ControlPlane.TLSCert == "") != (c.ControlPlane.TLSKey == "") {
		return fmt.Errorf("tls_cert and tls_key must be set together")
	}
	if t := c.Metacognitive.ConfidenceThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("confidence_threshold must be in (0, 1], got %v", t)
	}
	if c.Metacognitive.HistoryWindow < 1 {
		return fmt.Errorf("history_window must be at least 1, got %d", c.Metacognitive.HistoryWindow)
	}
	if c.Metacognitive.MinSamples < 1 {
		return fmt.Errorf("min_samples must be at least 1, got %d", c.Metacognitive.MinSamples)
	}
	if c.Nodes.HeartbeatTimeoutSeconds < c.Nodes.HeartbeatIntervalSeconds {
		return fmt.Errorf("heartbeat_timeout_seconds (%d) must not be below heartbeat_interval_seconds (%d)",
			c.Nodes.HeartbeatTimeoutSeconds, c.Nodes.HeartbeatIntervalSeconds)
	}
	if c.Nodes.ReputationUp <= 0 || c.Nodes.ReputationDown <= 0 {
		return fmt.Errorf("reputation deltas must be positive")
	}
	if c.Nodes.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.Nodes.MaxRetries)
	}
	if c.Persistence.DatabasePath == "" {
		return fmt.Errorf("database_path must not be empty")
	}
	if c.Persistence.BackupRetention < 1 {
		return fmt.Errorf("backup_retention must be at least 1, got %d", c.Persistence.BackupRetention)
	}
	if c.Events.BufferSize < 1 || c.Events.SubscriberQueueSize < 1 {
		return fmt.Errorf("event buffer sizes must be at least 1")
	}
	if c.Intent.DefaultTool == "" {
		return fmt.Errorf("intent default_tool must not be empty")
	}
	return nil
}
