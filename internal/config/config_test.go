package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8765, cfg.ControlPlane.Port)
	assert.Equal(t, 0.60, cfg.Metacognitive.ConfidenceThreshold)
	assert.Equal(t, 300, cfg.Metacognitive.LearningCooldownSeconds)
	assert.Equal(t, 10, cfg.Metacognitive.MinSamples)
	assert.Equal(t, 100, cfg.Metacognitive.HistoryWindow)
	assert.Equal(t, 90, cfg.Nodes.HeartbeatTimeoutSeconds)
	assert.Equal(t, 30, cfg.Nodes.HeartbeatIntervalSeconds)
	assert.Equal(t, 300, cfg.Nodes.ReplayWindowSeconds)
	assert.Equal(t, 0.02, cfg.Nodes.ReputationUp)
	assert.Equal(t, 0.05, cfg.Nodes.ReputationDown)
	assert.Equal(t, 2, cfg.Nodes.MaxRetries)
	assert.Equal(t, 3600, cfg.Persistence.BackupIntervalSeconds)
	assert.Equal(t, 24, cfg.Persistence.BackupRetention)
	assert.Equal(t, 1000, cfg.Events.BufferSize)
	assert.Equal(t, 256, cfg.Events.SubscriberQueueSize)
	assert.Equal(t, "echo", cfg.Intent.DefaultTool)
	assert.Equal(t, "info", cfg.Logging.Level)

	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().ControlPlane.Port, cfg.ControlPlane.Port)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chimera.yaml")
	body := `
control_plane:
  port: 9000
metacognitive:
  confidence_threshold: 0.75
nodes:
  shared_secret: hunter2
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.ControlPlane.Port)
	assert.Equal(t, 0.75, cfg.Metacognitive.ConfidenceThreshold)
	assert.Equal(t, "hunter2", cfg.Nodes.SharedSecret)
	// Untouched keys keep their defaults.
	assert.Equal(t, 90, cfg.Nodes.HeartbeatTimeoutSeconds)
	assert.Equal(t, "echo", cfg.Intent.DefaultTool)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("control_plane: ["), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "chimera.yaml")

	cfg := DefaultConfig()
	cfg.ControlPlane.Port = 7777
	cfg.Intent.DefaultTool = "llm_chat"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7777, loaded.ControlPlane.Port)
	assert.Equal(t, "llm_chat", loaded.Intent.DefaultTool)
}

func TestEnvOverrides(t *testing.T) {
	t.Run("control plane", func(t *testing.T) {
		t.Setenv("CHIMERA_CONTROL_HOST", "127.0.0.1")
		t.Setenv("CHIMERA_CONTROL_PORT", "9100")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "127.0.0.1", cfg.ControlPlane.Host)
		assert.Equal(t, 9100, cfg.ControlPlane.Port)
	})

	t.Run("non-numeric port is ignored", func(t *testing.T) {
		t.Setenv("CHIMERA_CONTROL_PORT", "not-a-port")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, 8765, cfg.ControlPlane.Port)
	})

	t.Run("metacognitive and nodes", func(t *testing.T) {
		t.Setenv("CHIMERA_CONFIDENCE_THRESHOLD", "0.4")
		t.Setenv("CHIMERA_HEARTBEAT_TIMEOUT", "45")
		t.Setenv("CHIMERA_SHARED_SECRET", "s3cret")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, 0.4, cfg.Metacognitive.ConfidenceThreshold)
		assert.Equal(t, 45, cfg.Nodes.HeartbeatTimeoutSeconds)
		assert.Equal(t, "s3cret", cfg.Nodes.SharedSecret)
	})

	t.Run("CHIMERA_GENAI_API_KEY beats GEMINI_API_KEY", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "gem")
		t.Setenv("CHIMERA_GENAI_API_KEY", "chim")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "chim", cfg.Intent.GenAIAPIKey)
	})

	t.Run("GEMINI_API_KEY used as fallback", func(t *testing.T) {
		t.Setenv("GEMINI_API_KEY", "gem")
		t.Setenv("CHIMERA_GENAI_API_KEY", "")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "gem", cfg.Intent.GenAIAPIKey)
	})
}

func TestDurationAccessors(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 5*time.Minute, cfg.GetLearningCooldown())
	assert.Equal(t, 90*time.Second, cfg.GetHeartbeatTimeout())
	assert.Equal(t, 30*time.Second, cfg.GetHeartbeatInterval())
	assert.Equal(t, 5*time.Minute, cfg.GetReplayWindow())
	assert.Equal(t, time.Hour, cfg.GetBackupInterval())
}

func TestBackupDirDerivedFromDatabasePath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Persistence.DatabasePath = "/var/lib/chimera/chimera.db"
	assert.Equal(t, "/var/lib/chimera/backups", cfg.Persistence.BackupDir())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:   "ephemeral port is allowed",
			mutate: func(c *Config) { c.ControlPlane.Port = 0 },
		},
		{
			name:    "negative port",
			mutate:  func(c *Config) { c.ControlPlane.Port = -1 },
			wantErr: "port",
		},
		{
			name:    "port above range",
			mutate:  func(c *Config) { c.ControlPlane.Port = 70000 },
			wantErr: "port",
		},
		{
			name:    "cert without key",
			mutate:  func(c *Config) { c.ControlPlane.TLSCert = "cert.pem" },
			wantErr: "tls_cert and tls_key",
		},
		{
			name:    "threshold above one",
			mutate:  func(c *Config) { c.Metacognitive.ConfidenceThreshold = 1.5 },
			wantErr: "confidence_threshold",
		},
		{
			name:    "zero history window",
			mutate:  func(c *Config) { c.Metacognitive.HistoryWindow = 0 },
			wantErr: "history_window",
		},
		{
			name:    "timeout below interval",
			mutate:  func(c *Config) { c.Nodes.HeartbeatTimeoutSeconds = 10 },
			wantErr: "heartbeat_timeout",
		},
		{
			name:    "negative retries",
			mutate:  func(c *Config) { c.Nodes.MaxRetries = -1 },
			wantErr: "max_retries",
		},
		{
			name:    "empty database path",
			mutate:  func(c *Config) { c.Persistence.DatabasePath = "" },
			wantErr: "database_path",
		},
		{
			name:    "zero retention",
			mutate:  func(c *Config) { c.Persistence.BackupRetention = 0 },
			wantErr: "backup_retention",
		},
		{
			name:    "empty default tool",
			mutate:  func(c *Config) { c.Intent.DefaultTool = "" },
			wantErr: "default_tool",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
