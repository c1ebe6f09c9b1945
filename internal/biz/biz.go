// Package biz contains business logic layer implementations.
// This layer holds the core business rules and domain models.
package biz

import (
	"AgentGuard/internal/data"

	"github.com/google/wire"
)

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewClock,
	NewErrorHandlerUsecase,
	NewResourceGovernorUsecase,
	NewTenantRateLimiter,
	NewStateStoreUsecase,
	// Import data layer providers
	data.NewStateRepo,
	data.NewCheckpointRepo,
	data.NewMetricsSink,
	data.NewAuditTrail,
	data.NewAlertNotifier,
	data.NewResourceProbe,
	// Bind data layer implementations to biz layer interfaces
	wire.Bind(new(StateRepo), new(*data.StateRepo)),
	wire.Bind(new(CheckpointRepo), new(*data.CheckpointRepo)),
	wire.Bind(new(MetricsSink), new(*data.MetricsSink)),
	wire.Bind(new(AlertNotifier), new(*data.LogAlertNotifier)),
	wire.Bind(new(ResourceProbe), new(*data.ResourceProbe)),
)
