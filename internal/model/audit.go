package model

// Audit event type constants used when notifying governance state changes.
const (
	AuditEventCircuitBroken    = "CIRCUIT_BROKEN"
	AuditEventCircuitRecovered = "CIRCUIT_RECOVERED"
	AuditEventCriticalError    = "CRITICAL_ERROR"
	AuditEventResourceViolated = "RESOURCE_LIMIT_VIOLATED"
)
