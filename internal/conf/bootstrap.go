// Package conf provides configuration management using Viper.
// It supports loading configuration from YAML files and environment variables,
// with CLI flag overrides.
package conf

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Bootstrap is the root configuration structure.
type Bootstrap struct {
	Data       *Data
	Limits     *Limits
	Resilience *Resilience
	Log        *Log
	Cleanup    *Cleanup
}

// Data holds data layer configuration.
type Data struct {
	Database *Database
	Redis    *Redis
}

// Database holds the durable storage connection settings.
type Database struct {
	Driver string
	Source string
}

// Redis holds the Redis connection settings.
type Redis struct {
	Network      string
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Limits configures resource quotas and the tenant rate limiter.
type Limits struct {
	Rate     *RateLimit
	Resource *ResourceLimits
	State    *StateLimits
}

// RateLimit configures the tenant-scoped sliding window limiter.
type RateLimit struct {
	MaxRequestsPerMinute int
	MaxRequestsPerSecond int
	BurstAllowance       int
}

// ResourceLimits configures per-resource-type quotas and the monitor.
type ResourceLimits struct {
	MaxMemoryPercent      float64
	MaxCPUPercent         float64
	MaxDBConnections      int64
	MaxNetworkConnections int64
	MaxAgentInstances     int64
	MaxWorkflowInstances  int64
	MemoryCheckInterval   time.Duration
	CleanupInterval       time.Duration
}

// StateLimits configures state store resource guards and caching.
type StateLimits struct {
	MaxConcurrentOperations int
	MaxMemoryUsageMB        float64
	MaxStateSizeMB          float64
	OperationTimeout        time.Duration
	CacheTTL                time.Duration
	CacheSize               int
	EncryptionKey           string
}

// Resilience configures circuit breaker and retry defaults.
type Resilience struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	ExponentialBase  float64
	Jitter           bool
	ErrorRetention   time.Duration
}

// Log holds logging configuration.
type Log struct {
	Level      string
	Format     string
	Env        string
	OutputFile string
}

// Cleanup configures the periodic tenant state cleanup job.
type Cleanup struct {
	Schedule       string
	RetentionHours int
	Tenants        []string
}

// NewBootstrap creates and initializes a Bootstrap configuration.
// It loads configuration from the specified config file path, applies
// defaults, and allows overrides from environment variables prefixed with
// AGENTGUARD_.
//
// Configuration priority: CLI flags > Environment variables > Config file > Defaults
//
// Required environment variables:
//   - MYSQL_DSN or AGENTGUARD_DATA_DATABASE_SOURCE: MySQL connection string
func NewBootstrap(configPath string) (*Bootstrap, error) {
	v := viper.New()

	setDefaults(v)

	// Enable environment variable support with AGENTGUARD_ prefix
	v.SetEnvPrefix("AGENTGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Allow direct environment variable names for required fields
	_ = v.BindEnv("data.database.source", "MYSQL_DSN", "AGENTGUARD_DATA_DATABASE_SOURCE")
	_ = v.BindEnv("data.redis.addr", "AGENTGUARD_DATA_REDIS_ADDR")
	_ = v.BindEnv("limits.state.encryption_key", "STATE_ENCRYPTION_KEY", "AGENTGUARD_LIMITS_STATE_ENCRYPTION_KEY")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	bc := &Bootstrap{
		Data: &Data{
			Database: &Database{
				Driver: v.GetString("data.database.driver"),
				Source: v.GetString("data.database.source"),
			},
			Redis: &Redis{
				Network:      v.GetString("data.redis.network"),
				Addr:         v.GetString("data.redis.addr"),
				ReadTimeout:  v.GetDuration("data.redis.read_timeout"),
				WriteTimeout: v.GetDuration("data.redis.write_timeout"),
			},
		},
		Limits: &Limits{
			Rate: &RateLimit{
				MaxRequestsPerMinute: v.GetInt("limits.rate.max_requests_per_minute"),
				MaxRequestsPerSecond: v.GetInt("limits.rate.max_requests_per_second"),
				BurstAllowance:       v.GetInt("limits.rate.burst_allowance"),
			},
			Resource: &ResourceLimits{
				MaxMemoryPercent:      v.GetFloat64("limits.resource.max_memory_percent"),
				MaxCPUPercent:         v.GetFloat64("limits.resource.max_cpu_percent"),
				MaxDBConnections:      v.GetInt64("limits.resource.max_db_connections"),
				MaxNetworkConnections: v.GetInt64("limits.resource.max_network_connections"),
				MaxAgentInstances:     v.GetInt64("limits.resource.max_agent_instances"),
				MaxWorkflowInstances:  v.GetInt64("limits.resource.max_workflow_instances"),
				MemoryCheckInterval:   v.GetDuration("limits.resource.memory_check_interval"),
				CleanupInterval:       v.GetDuration("limits.resource.cleanup_interval"),
			},
			State: &StateLimits{
				MaxConcurrentOperations: v.GetInt("limits.state.max_concurrent_operations"),
				MaxMemoryUsageMB:        v.GetFloat64("limits.state.max_memory_usage_mb"),
				MaxStateSizeMB:          v.GetFloat64("limits.state.max_state_size_mb"),
				OperationTimeout:        v.GetDuration("limits.state.operation_timeout"),
				CacheTTL:                v.GetDuration("limits.state.cache_ttl"),
				CacheSize:               v.GetInt("limits.state.cache_size"),
				EncryptionKey:           v.GetString("limits.state.encryption_key"),
			},
		},
		Resilience: &Resilience{
			FailureThreshold: v.GetInt("resilience.failure_threshold"),
			RecoveryTimeout:  v.GetDuration("resilience.recovery_timeout"),
			MaxAttempts:      v.GetInt("resilience.max_attempts"),
			BaseDelay:        v.GetDuration("resilience.base_delay"),
			MaxDelay:         v.GetDuration("resilience.max_delay"),
			ExponentialBase:  v.GetFloat64("resilience.exponential_base"),
			Jitter:           v.GetBool("resilience.jitter"),
			ErrorRetention:   v.GetDuration("resilience.error_retention"),
		},
		Log: &Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Env:        v.GetString("log.env"),
			OutputFile: v.GetString("log.output_file"),
		},
		Cleanup: &Cleanup{
			Schedule:       v.GetString("cleanup.schedule"),
			RetentionHours: v.GetInt("cleanup.retention_hours"),
			Tenants:        v.GetStringSlice("cleanup.tenants"),
		},
	}

	if err := Validate(bc); err != nil {
		return nil, err
	}

	return bc, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Data defaults
	v.SetDefault("data.database.driver", "mysql")
	// Note: data.database.source (MYSQL_DSN) is required from environment

	v.SetDefault("data.redis.network", "tcp")
	v.SetDefault("data.redis.addr", "127.0.0.1:6379")
	v.SetDefault("data.redis.read_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.write_timeout", 200*time.Millisecond)

	// Tenant rate limiter defaults
	v.SetDefault("limits.rate.max_requests_per_minute", 60)
	v.SetDefault("limits.rate.max_requests_per_second", 10)
	v.SetDefault("limits.rate.burst_allowance", 5)

	// Resource quota defaults
	v.SetDefault("limits.resource.max_memory_percent", 80.0)
	v.SetDefault("limits.resource.max_cpu_percent", 90.0)
	v.SetDefault("limits.resource.max_db_connections", 100)
	v.SetDefault("limits.resource.max_network_connections", 200)
	v.SetDefault("limits.resource.max_agent_instances", 50)
	v.SetDefault("limits.resource.max_workflow_instances", 20)
	v.SetDefault("limits.resource.memory_check_interval", 30*time.Second)
	v.SetDefault("limits.resource.cleanup_interval", 5*time.Minute)

	// State store defaults
	v.SetDefault("limits.state.max_concurrent_operations", 50)
	v.SetDefault("limits.state.max_memory_usage_mb", 512.0)
	v.SetDefault("limits.state.max_state_size_mb", 100.0)
	v.SetDefault("limits.state.operation_timeout", 30*time.Second)
	v.SetDefault("limits.state.cache_ttl", 5*time.Minute)
	v.SetDefault("limits.state.cache_size", 1024)

	// Resilience defaults
	v.SetDefault("resilience.failure_threshold", 5)
	v.SetDefault("resilience.recovery_timeout", 60*time.Second)
	v.SetDefault("resilience.max_attempts", 3)
	v.SetDefault("resilience.base_delay", time.Second)
	v.SetDefault("resilience.max_delay", 60*time.Second)
	v.SetDefault("resilience.exponential_base", 2.0)
	v.SetDefault("resilience.jitter", true)
	v.SetDefault("resilience.error_retention", 24*time.Hour)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Cleanup defaults: hourly, keep 24 hours of tenant state
	v.SetDefault("cleanup.schedule", "0 0 * * * *")
	v.SetDefault("cleanup.retention_hours", 24)
}

// Validate checks that all required configuration fields are present and
// valid. It returns an error listing all missing required fields.
func Validate(bc *Bootstrap) error {
	var missingFields []string

	if bc.Data == nil || bc.Data.Database == nil || bc.Data.Database.Source == "" {
		missingFields = append(missingFields, "data.database.source (MYSQL_DSN)")
	}

	if len(missingFields) > 0 {
		return fmt.Errorf("missing required configuration fields: %s", strings.Join(missingFields, ", "))
	}

	if key := bc.Limits.State.EncryptionKey; key != "" && len(key) != 32 {
		return fmt.Errorf("limits.state.encryption_key must be 32 bytes, got %d", len(key))
	}

	return nil
}
