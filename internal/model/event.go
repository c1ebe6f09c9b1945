package model

import "time"

// CircuitBrokenEvent represents a circuit breaker opening for an operation.
type CircuitBrokenEvent struct {
	BreakerName  string
	FailureCount int
	LastError    string
	BrokenAt     time.Time
}

// CircuitRecoveredEvent represents a circuit breaker closing again after a
// successful half-open probe.
type CircuitRecoveredEvent struct {
	BreakerName string
	OpenFor     time.Duration
	RecoveredAt time.Time
}

// AlertEvent is delivered to the alert notifier for critical failures.
type AlertEvent struct {
	ErrorID   string
	Category  Category
	Severity  Severity
	Message   string
	Context   map[string]string
	Timestamp time.Time
}
