package data

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// AuditLog is the GORM model for the governance_audit_logs table. One row
// per governance state change: circuit transitions, critical alerts,
// resource limit violations.
type AuditLog struct {
	ID        int64     `gorm:"primaryKey;column:id"`
	EventType string    `gorm:"column:event_type;type:varchar(50);not null;index"`
	Subject   string    `gorm:"column:subject;size:128;not null"`
	Details   string    `gorm:"column:details;type:json"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for GORM.
func (AuditLog) TableName() string {
	return "governance_audit_logs"
}

// AuditTrail persists governance events asynchronously. Writes go through
// a buffered channel so callers never block on the database; events are
// dropped with a warning when the buffer is full.
type AuditTrail struct {
	db      *gorm.DB
	logChan chan *AuditLog
	logger  *log.Helper
}

// NewAuditTrail creates the trail and starts its background writer.
func NewAuditTrail(db *gorm.DB, logger log.Logger) *AuditTrail {
	at := &AuditTrail{
		db:      db,
		logChan: make(chan *AuditLog, 1000),
		logger:  log.NewHelper(logger),
	}

	go at.start()

	return at
}

// start drains the channel into the database.
func (a *AuditTrail) start() {
	for event := range a.logChan {
		ctx := context.Background()
		if err := a.db.WithContext(ctx).Create(event).Error; err != nil {
			a.logger.Errorw("failed to write audit log",
				"event_type", event.EventType,
				"subject", event.Subject,
				"error", err)
		} else {
			a.logger.Debugw("audit log written",
				"event_type", event.EventType,
				"subject", event.Subject)
		}
	}
}

// Record enqueues one audit event without blocking.
func (a *AuditTrail) Record(eventType, subject string, details map[string]interface{}) {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		a.logger.Errorw("failed to marshal audit log details", "error", err)
		return
	}

	event := &AuditLog{
		EventType: eventType,
		Subject:   subject,
		Details:   string(detailsJSON),
	}

	select {
	case a.logChan <- event:
	default:
		a.logger.Warnw("audit log channel full, dropping event",
			"event_type", eventType,
			"subject", subject)
	}
}
