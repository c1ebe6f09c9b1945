package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBootstrap_Defaults(t *testing.T) {
	// Create a minimal valid config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `data:
  database:
    driver: mysql
  redis:
    addr: 127.0.0.1:6379
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/testdb")

	bc, err := NewBootstrap(configPath)
	require.NoError(t, err)
	require.NotNil(t, bc)

	// Verify data defaults
	assert.Equal(t, "mysql", bc.Data.Database.Driver)
	assert.Equal(t, "user:pass@tcp(localhost:3306)/testdb", bc.Data.Database.Source)

	assert.Equal(t, "127.0.0.1:6379", bc.Data.Redis.Addr)
	assert.Equal(t, "tcp", bc.Data.Redis.Network)
	assert.Equal(t, 200*time.Millisecond, bc.Data.Redis.ReadTimeout)
	assert.Equal(t, 200*time.Millisecond, bc.Data.Redis.WriteTimeout)

	// Verify rate limiter defaults
	assert.Equal(t, 60, bc.Limits.Rate.MaxRequestsPerMinute)
	assert.Equal(t, 10, bc.Limits.Rate.MaxRequestsPerSecond)
	assert.Equal(t, 5, bc.Limits.Rate.BurstAllowance)

	// Verify resource quota defaults
	assert.Equal(t, 80.0, bc.Limits.Resource.MaxMemoryPercent)
	assert.Equal(t, 90.0, bc.Limits.Resource.MaxCPUPercent)
	assert.Equal(t, int64(100), bc.Limits.Resource.MaxDBConnections)
	assert.Equal(t, int64(200), bc.Limits.Resource.MaxNetworkConnections)
	assert.Equal(t, int64(50), bc.Limits.Resource.MaxAgentInstances)
	assert.Equal(t, int64(20), bc.Limits.Resource.MaxWorkflowInstances)
	assert.Equal(t, 30*time.Second, bc.Limits.Resource.MemoryCheckInterval)

	// Verify state store defaults
	assert.Equal(t, 50, bc.Limits.State.MaxConcurrentOperations)
	assert.Equal(t, 512.0, bc.Limits.State.MaxMemoryUsageMB)
	assert.Equal(t, 100.0, bc.Limits.State.MaxStateSizeMB)
	assert.Equal(t, 30*time.Second, bc.Limits.State.OperationTimeout)
	assert.Equal(t, 5*time.Minute, bc.Limits.State.CacheTTL)

	// Verify resilience defaults
	assert.Equal(t, 5, bc.Resilience.FailureThreshold)
	assert.Equal(t, 60*time.Second, bc.Resilience.RecoveryTimeout)
	assert.Equal(t, 3, bc.Resilience.MaxAttempts)
	assert.Equal(t, time.Second, bc.Resilience.BaseDelay)
	assert.Equal(t, 2.0, bc.Resilience.ExponentialBase)
	assert.True(t, bc.Resilience.Jitter)

	// Verify log defaults
	assert.Equal(t, "info", bc.Log.Level)
	assert.Equal(t, "json", bc.Log.Format)

	// Verify cleanup defaults
	assert.Equal(t, "0 0 * * * *", bc.Cleanup.Schedule)
	assert.Equal(t, 24, bc.Cleanup.RetentionHours)
}

func TestNewBootstrap_EnvOverrides(t *testing.T) {
	tests := []struct {
		name        string
		envVars     map[string]string
		expectedVal func(*Bootstrap) bool
		description string
	}{
		{
			name: "override_redis_addr",
			envVars: map[string]string{
				"AGENTGUARD_DATA_REDIS_ADDR": "redis.example.com:6379",
				"MYSQL_DSN":                  "user:pass@tcp(localhost:3306)/testdb",
			},
			expectedVal: func(bc *Bootstrap) bool {
				return bc.Data.Redis.Addr == "redis.example.com:6379"
			},
			description: "AGENTGUARD_DATA_REDIS_ADDR should override default",
		},
		{
			name: "override_log_level",
			envVars: map[string]string{
				"AGENTGUARD_LOG_LEVEL": "debug",
				"MYSQL_DSN":            "user:pass@tcp(localhost:3306)/testdb",
			},
			expectedVal: func(bc *Bootstrap) bool {
				return bc.Log.Level == "debug"
			},
			description: "AGENTGUARD_LOG_LEVEL should override default info",
		},
		{
			name: "state_encryption_key_from_env",
			envVars: map[string]string{
				"STATE_ENCRYPTION_KEY": "0123456789abcdef0123456789abcdef",
				"MYSQL_DSN":            "user:pass@tcp(localhost:3306)/testdb",
			},
			expectedVal: func(bc *Bootstrap) bool {
				return bc.Limits.State.EncryptionKey == "0123456789abcdef0123456789abcdef"
			},
			description: "STATE_ENCRYPTION_KEY should populate limits.state.encryption_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			configPath := filepath.Join(tmpDir, "config.yaml")

			configContent := `data:
  redis:
    addr: 127.0.0.1:6379
`
			err := os.WriteFile(configPath, []byte(configContent), 0644)
			require.NoError(t, err)

			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			bc, err := NewBootstrap(configPath)
			require.NoError(t, err, tt.description)
			require.NotNil(t, bc)

			assert.True(t, tt.expectedVal(bc), tt.description)
		})
	}
}

func TestNewBootstrap_MissingDatabaseSource(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `data:
  redis:
    addr: 127.0.0.1:6379
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	// Clear all relevant environment variables first to ensure isolation
	os.Unsetenv("MYSQL_DSN")
	os.Unsetenv("AGENTGUARD_DATA_DATABASE_SOURCE")

	bc, err := NewBootstrap(configPath)
	assert.Error(t, err, "Expected error for missing database source")
	assert.Nil(t, bc, "Bootstrap should be nil when validation fails")
	assert.Contains(t, err.Error(), "data.database.source (MYSQL_DSN)")
}

func TestNewBootstrap_InvalidEncryptionKey(t *testing.T) {
	t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/testdb")
	t.Setenv("STATE_ENCRYPTION_KEY", "too-short")

	bc, err := NewBootstrap("")
	assert.Error(t, err)
	assert.Nil(t, bc)
	assert.Contains(t, err.Error(), "must be 32 bytes")
}

func TestNewBootstrap_ConfigFileNotFound(t *testing.T) {
	t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/testdb")

	bc, err := NewBootstrap("/non/existent/config.yaml")
	assert.Error(t, err)
	assert.Nil(t, bc)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestNewBootstrap_EmptyConfigPath(t *testing.T) {
	t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/testdb")

	// Load with empty config path (should use defaults + env vars)
	bc, err := NewBootstrap("")
	require.NoError(t, err)
	require.NotNil(t, bc)

	assert.Equal(t, "user:pass@tcp(localhost:3306)/testdb", bc.Data.Database.Source)
	assert.Equal(t, "127.0.0.1:6379", bc.Data.Redis.Addr)
	assert.Equal(t, 5, bc.Resilience.FailureThreshold)
}

func TestNewBootstrap_PriorityOrder(t *testing.T) {
	// Config file value should lose to the environment variable
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `log:
  level: warn
data:
  redis:
    addr: 127.0.0.1:6379
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	t.Setenv("AGENTGUARD_LOG_LEVEL", "debug")
	t.Setenv("MYSQL_DSN", "user:pass@tcp(localhost:3306)/testdb")

	bc, err := NewBootstrap(configPath)
	require.NoError(t, err)
	require.NotNil(t, bc)

	assert.Equal(t, "debug", bc.Log.Level, "Environment variable should override config file")
}

func TestValidate_AllFieldsPresent(t *testing.T) {
	bc := &Bootstrap{
		Data: &Data{
			Database: &Database{
				Driver: "mysql",
				Source: "user:pass@tcp(localhost:3306)/testdb",
			},
			Redis: &Redis{Addr: "127.0.0.1:6379"},
		},
		Limits: &Limits{
			Rate:     &RateLimit{MaxRequestsPerMinute: 60},
			Resource: &ResourceLimits{MaxMemoryPercent: 80},
			State:    &StateLimits{MaxConcurrentOperations: 50},
		},
		Resilience: &Resilience{FailureThreshold: 5},
		Log:        &Log{Level: "info", Format: "json"},
	}

	err := Validate(bc)
	assert.NoError(t, err)
}

func TestValidate_MissingSource(t *testing.T) {
	err := Validate(&Bootstrap{
		Limits: &Limits{State: &StateLimits{}},
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "missing required configuration fields")
}
