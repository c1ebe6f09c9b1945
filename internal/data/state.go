package data

import (
	"context"
	"time"

	"AgentGuard/internal/model"
	pkgerrors "AgentGuard/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AgentState is the GORM model for the agent_states table. One row per
// (state_id, tenant_id) pair holding the latest serialized payload.
type AgentState struct {
	ID        int64     `gorm:"primaryKey;column:id"`
	StateID   string    `gorm:"column:state_id;size:128;not null;uniqueIndex:uniq_state_tenant"`
	TenantID  string    `gorm:"column:tenant_id;size:128;not null;uniqueIndex:uniq_state_tenant"`
	Role      string    `gorm:"column:role;size:64"`
	Payload   string    `gorm:"column:payload;type:longtext;not null"`
	Checksum  string    `gorm:"column:checksum;size:64;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (AgentState) TableName() string {
	return "agent_states"
}

// StateRepo persists agent state records in MySQL.
type StateRepo struct {
	data   *Data
	db     *gorm.DB
	logger *log.Helper
}

// NewStateRepo creates a new state repository.
func NewStateRepo(data *Data, db *gorm.DB, logger log.Logger) *StateRepo {
	return &StateRepo{
		data:   data,
		db:     db,
		logger: log.NewHelper(logger),
	}
}

// Upsert inserts the record, or replaces payload and checksum when a row
// for the same (state_id, tenant_id) already exists.
func (r *StateRepo) Upsert(ctx context.Context, record *model.StateRecord) error {
	row := &AgentState{
		StateID:  record.StateID,
		TenantID: record.TenantID,
		Role:     record.Role,
		Payload:  record.Payload,
		Checksum: record.Checksum,
	}

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "state_id"}, {Name: "tenant_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"role", "payload", "checksum", "updated_at"}),
		}).
		Create(row).Error
	if err != nil {
		dbErr := pkgerrors.ClassifyDBError(err)
		switch dbErr.Type {
		case pkgerrors.ErrorTypeConnectionError:
			r.logger.Errorw("database connection error", "error", dbErr.Error())
		case pkgerrors.ErrorTypeDeadlock:
			r.logger.Warnw("deadlock while saving state",
				"state_id", record.StateID,
				"tenant_id", record.TenantID,
				"error", dbErr.Error())
		default:
			r.logger.Errorw("failed to save state",
				"state_id", record.StateID,
				"tenant_id", record.TenantID,
				"error", dbErr.Error())
		}
		return dbErr
	}

	r.logger.Debugw("state saved",
		"state_id", record.StateID,
		"tenant_id", record.TenantID,
		"bytes", len(record.Payload))
	return nil
}

// QueryLatest returns the most recently updated record for the given
// state and tenant, or nil when no row exists.
func (r *StateRepo) QueryLatest(ctx context.Context, stateID, tenantID string) (*model.StateRecord, error) {
	var row AgentState
	err := r.db.WithContext(ctx).
		Where("state_id = ? AND tenant_id = ?", stateID, tenantID).
		Order("updated_at DESC").
		First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		dbErr := pkgerrors.ClassifyDBError(err)
		r.logger.Errorw("failed to query state",
			"state_id", stateID,
			"tenant_id", tenantID,
			"error", dbErr.Error())
		return nil, dbErr
	}

	return &model.StateRecord{
		StateID:   row.StateID,
		TenantID:  row.TenantID,
		Role:      row.Role,
		Payload:   row.Payload,
		Checksum:  row.Checksum,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}, nil
}

// DeleteOlderThan removes all rows for the tenant last updated before the
// cutoff, returning the number of rows deleted.
func (r *StateRepo) DeleteOlderThan(ctx context.Context, tenantID string, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("tenant_id = ? AND updated_at < ?", tenantID, cutoff).
		Delete(&AgentState{})
	if result.Error != nil {
		dbErr := pkgerrors.ClassifyDBError(result.Error)
		r.logger.Errorw("failed to delete expired state",
			"tenant_id", tenantID,
			"cutoff", cutoff,
			"error", dbErr.Error())
		return 0, dbErr
	}

	if result.RowsAffected > 0 {
		r.logger.Infow("expired state deleted",
			"tenant_id", tenantID,
			"rows", result.RowsAffected,
			"cutoff", cutoff)
	}
	return result.RowsAffected, nil
}
