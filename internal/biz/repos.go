package biz

import (
	"context"
	"time"

	"AgentGuard/internal/model"
)

// StateRepo is the durable storage collaborator for agent state.
type StateRepo interface {
	// Upsert writes the record keyed by (state_id, tenant_id), replacing
	// any existing row.
	Upsert(ctx context.Context, record *model.StateRecord) error
	// QueryLatest returns the most recent record for stateID, scoped to
	// tenantID when non-empty. Returns nil when no record exists.
	QueryLatest(ctx context.Context, stateID, tenantID string) (*model.StateRecord, error)
	// DeleteOlderThan removes a tenant's records updated before cutoff and
	// returns the deleted count.
	DeleteOlderThan(ctx context.Context, tenantID string, cutoff time.Time) (int64, error)
}

// CheckpointRepo is the bounded checkpoint ring buffer collaborator.
// Each tenant scope keeps at most model.MaxCheckpointsPerScope entries;
// appending beyond the cap evicts the oldest.
type CheckpointRepo interface {
	Append(ctx context.Context, scope string, cp *model.Checkpoint) error
	// Get returns the checkpoint at a negative index: -1 is the newest,
	// -2 the one before it. Returns nil when the buffer is empty or the
	// index is out of range.
	Get(ctx context.Context, scope string, index int) (*model.Checkpoint, error)
	Count(ctx context.Context, scope string) (int64, error)
}

// MetricsSink consumes operation counters and durations, e.g.
// state.save.success, state.save.error, state.save.duration.
type MetricsSink interface {
	RecordMetric(name string, value float64, tags map[string]string)
	ObserveDuration(name string, d time.Duration, tags map[string]string)
}

// AlertNotifier delivers alerts for critical failures and circuit breaker
// state changes to the external notification collaborator.
type AlertNotifier interface {
	SendAlert(ctx context.Context, event *model.AlertEvent) error
	NotifyCircuitBroken(ctx context.Context, event *model.CircuitBrokenEvent) error
	NotifyCircuitRecovered(ctx context.Context, event *model.CircuitRecoveredEvent) error
}

// ResourceProbe samples system resource usage.
type ResourceProbe interface {
	// SampleMemoryPercent returns system memory utilization in percent.
	SampleMemoryPercent() (float64, error)
	// SampleProcessMemoryMB returns this process's resident set size in MB.
	SampleProcessMemoryMB() (float64, error)
	// SampleCPUPercent returns system CPU utilization in percent.
	SampleCPUPercent() (float64, error)
}
