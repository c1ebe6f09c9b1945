package data

import (
	"context"
	"time"

	"AgentGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// LogAlertNotifier delivers alerts through structured logging and records
// each event in the audit trail. Pushing alerts to external channels can
// be layered on later behind the same interface.
type LogAlertNotifier struct {
	trail  *AuditTrail
	logger *log.Helper
}

// NewAlertNotifier creates a log-backed alert notifier. The trail may be
// nil, in which case events are only logged.
func NewAlertNotifier(trail *AuditTrail, logger log.Logger) *LogAlertNotifier {
	return &LogAlertNotifier{
		trail:  trail,
		logger: log.NewHelper(logger),
	}
}

// SendAlert logs a critical failure alert.
func (n *LogAlertNotifier) SendAlert(ctx context.Context, event *model.AlertEvent) error {
	n.logger.Errorw("alert raised",
		"error_id", event.ErrorID,
		"category", event.Category,
		"severity", event.Severity,
		"message", event.Message,
		"context", event.Context,
		"timestamp", event.Timestamp,
		"type", "alert")
	if n.trail != nil {
		n.trail.Record(model.AuditEventCriticalError, event.ErrorID, map[string]interface{}{
			"category": string(event.Category),
			"severity": string(event.Severity),
			"message":  event.Message,
		})
	}
	return nil
}

// NotifyCircuitBroken logs a circuit breaker opening.
func (n *LogAlertNotifier) NotifyCircuitBroken(ctx context.Context, event *model.CircuitBrokenEvent) error {
	n.logger.Warnw("circuit broken",
		"breaker", event.BreakerName,
		"failure_count", event.FailureCount,
		"last_error", event.LastError,
		"broken_at", event.BrokenAt,
		"type", "alert")
	if n.trail != nil {
		n.trail.Record(model.AuditEventCircuitBroken, event.BreakerName, map[string]interface{}{
			"failure_count": event.FailureCount,
			"last_error":    event.LastError,
			"broken_at":     event.BrokenAt.Format(time.RFC3339),
		})
	}
	return nil
}

// NotifyCircuitRecovered logs a circuit breaker closing after recovery.
func (n *LogAlertNotifier) NotifyCircuitRecovered(ctx context.Context, event *model.CircuitRecoveredEvent) error {
	n.logger.Infow("circuit recovered",
		"breaker", event.BreakerName,
		"open_for", event.OpenFor,
		"recovered_at", event.RecoveredAt,
		"type", "alert")
	if n.trail != nil {
		n.trail.Record(model.AuditEventCircuitRecovered, event.BreakerName, map[string]interface{}{
			"open_for_seconds": event.OpenFor.Seconds(),
		})
	}
	return nil
}
