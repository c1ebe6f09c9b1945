package model

import "time"

// StatePayload is the serialized form of an agent state document.
type StatePayload map[string]interface{}

// Checkpoint is a retained snapshot of a state payload at a point in time.
// Checkpoints are kept per tenant scope as a bounded FIFO list; the newest
// entry is index -1 looking backwards.
type Checkpoint struct {
	StateID    string       `json:"state_id"`
	CapturedAt time.Time    `json:"captured_at"`
	Payload    StatePayload `json:"payload"`
}

// MaxCheckpointsPerScope bounds the checkpoint ring buffer per tenant scope.
// The oldest entry is evicted first.
const MaxCheckpointsPerScope = 10

// GlobalScope is the checkpoint and rate-limit scope used when an operation
// carries no tenant.
const GlobalScope = "global"

// StateRecord is the durable form of an agent state document. One logical
// row exists per (state_id, tenant_id); each save replaces the payload and
// checksum.
type StateRecord struct {
	StateID   string
	TenantID  string
	Role      string
	Payload   string // serialized JSON, optionally encrypted at rest
	Checksum  string // sha256 over the canonical plaintext serialization
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TenantStateInfo tracks a tenant's state-store usage. Created lazily on the
// tenant's first operation; only reset by explicit cleanup.
type TenantStateInfo struct {
	TenantID            string
	ActiveOperations    int
	TotalOperations     int64
	LastOperationTime   time.Time
	RateLimitViolations int64
	ErrorCount          int64
}

// StoreMetrics aggregates counters across all tenants of a state store.
type StoreMetrics struct {
	TotalOperations        int64
	SuccessfulOperations   int64
	FailedOperations       int64
	RateLimitViolations    int64
	ResourceLimitViolation int64
	RecoveryOperations     int64
}
