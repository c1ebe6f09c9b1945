package main

import (
	"context"
	"time"

	"AgentGuard/internal/biz"
	"AgentGuard/internal/conf"
	pkglog "AgentGuard/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

// StartCleanupCron starts the periodic maintenance job: expired tenant
// state is deleted per the retention window and idle pool connections are
// reclaimed. The schedule uses six-field cron syntax (seconds first).
func StartCleanupCron(store *biz.StateStoreUsecase, governor *biz.ResourceGovernorUsecase, cfg *conf.Cleanup, logger log.Logger) *cron.Cron {
	helper := pkglog.NewLogHelper(logger)

	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "0 0 * * * *"
	}
	retention := time.Duration(cfg.RetentionHours) * time.Hour
	if retention <= 0 {
		retention = 24 * time.Hour
	}

	c := cron.New(cron.WithSeconds())

	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		runID := pkglog.GenerateRequestID()
		for _, tenant := range cfg.Tenants {
			tenantCtx := pkglog.WithRequestContext(ctx, runID, tenant, "cleanup")
			deleted, err := store.CleanupTenantState(tenantCtx, tenant, retention)
			if err != nil {
				helper.Errorw("msg", "tenant state cleanup failed",
					"request_id", runID,
					"tenant_id", tenant,
					"error", err.Error())
				continue
			}
			if deleted > 0 {
				helper.Scheduler("tenant state cleanup completed",
					"request_id", runID,
					"tenant_id", tenant,
					"deleted", deleted)
			}
		}

		governor.CleanupPools()
	})
	if err != nil {
		helper.Errorw("msg", "failed to register cleanup cron job",
			"schedule", schedule,
			"error", err.Error())
		return nil
	}

	c.Start()
	helper.Scheduler("cleanup cron job started",
		"schedule", schedule,
		"retention", retention.String(),
		"tenants", len(cfg.Tenants))

	return c
}
