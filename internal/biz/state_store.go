package biz

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"AgentGuard/internal/conf"
	"AgentGuard/internal/model"
	"AgentGuard/pkg/crypto"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// StateOption customizes a single state store operation.
type StateOption func(*stateOptions)

type stateOptions struct {
	tenantID        string
	role            string
	checkpoint      bool
	useCache        bool
	checkpointIndex int
}

// WithTenant scopes the operation to a tenant. Operations without a
// tenant use the global scope.
func WithTenant(tenantID string) StateOption {
	return func(o *stateOptions) { o.tenantID = tenantID }
}

// WithRole tags the saved record with a role.
func WithRole(role string) StateOption {
	return func(o *stateOptions) { o.role = role }
}

// WithoutCheckpoint skips the checkpoint append on save.
func WithoutCheckpoint() StateOption {
	return func(o *stateOptions) { o.checkpoint = false }
}

// WithoutCache forces a load to bypass the in-memory cache.
func WithoutCache() StateOption {
	return func(o *stateOptions) { o.useCache = false }
}

// WithCheckpointIndex selects which checkpoint to recover: -1 is the most
// recent, -2 the one before it.
func WithCheckpointIndex(index int) StateOption {
	return func(o *stateOptions) { o.checkpointIndex = index }
}

// tenantInfo is the mutable counterpart of model.TenantStateInfo.
type tenantInfo struct {
	mu                  sync.Mutex
	activeOperations    int
	totalOperations     int64
	lastOperationTime   time.Time
	rateLimitViolations int64
	errorCount          int64
}

// StateStoreUsecase is a rate-limited, tenant-isolated state store with an
// expiring in-memory cache, bounded checkpoints, and point-in-time
// recovery.
type StateStoreUsecase struct {
	cfg     *conf.StateLimits
	states  StateRepo
	cps     CheckpointRepo
	limiter *TenantRateLimiter
	probe   ResourceProbe
	metrics MetricsSink
	clock   Clock
	cipher  *crypto.AESCrypto // nil disables encryption at rest
	logger  *log.Helper

	cache *expirable.LRU[string, model.StatePayload]

	tenantMu sync.Mutex
	tenants  map[string]*tenantInfo

	statsMu sync.Mutex
	stats   model.StoreMetrics
}

// NewStateStoreUsecase wires the store. Encryption at rest is enabled when
// the configured key is present.
func NewStateStoreUsecase(cfg *conf.StateLimits, states StateRepo, cps CheckpointRepo, limiter *TenantRateLimiter, probe ResourceProbe, metrics MetricsSink, clock Clock, logger log.Logger) (*StateStoreUsecase, error) {
	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}

	var cipher *crypto.AESCrypto
	if cfg.EncryptionKey != "" {
		var err error
		cipher, err = crypto.NewAESCrypto([]byte(cfg.EncryptionKey))
		if err != nil {
			return nil, fmt.Errorf("state encryption key: %w", err)
		}
	}

	return &StateStoreUsecase{
		cfg:     cfg,
		states:  states,
		cps:     cps,
		limiter: limiter,
		probe:   probe,
		metrics: metrics,
		clock:   clock,
		cipher:  cipher,
		logger:  log.NewHelper(logger),
		cache:   expirable.NewLRU[string, model.StatePayload](cacheSize, nil, cacheTTL),
		tenants: make(map[string]*tenantInfo),
	}, nil
}

// tenant returns the tenant's info record, creating it lazily.
func (uc *StateStoreUsecase) tenant(tenantID string) *tenantInfo {
	if tenantID == "" {
		tenantID = model.GlobalScope
	}
	uc.tenantMu.Lock()
	defer uc.tenantMu.Unlock()
	info, ok := uc.tenants[tenantID]
	if !ok {
		info = &tenantInfo{}
		uc.tenants[tenantID] = info
	}
	return info
}

// scopeOf maps a tenant ID to its checkpoint/rate-limit scope.
func scopeOf(tenantID string) string {
	if tenantID == "" {
		return model.GlobalScope
	}
	return tenantID
}

// cacheKey builds the cache key for a state entry.
func cacheKey(tenantID, stateID string) string {
	return scopeOf(tenantID) + ":" + stateID
}

// canonicalJSON serializes a payload deterministically (JSON object keys
// are emitted sorted).
func canonicalJSON(payload model.StatePayload) ([]byte, error) {
	return json.Marshal(payload)
}

// checksumOf returns the hex sha256 of the canonical serialization.
func checksumOf(serialized []byte) string {
	sum := sha256.Sum256(serialized)
	return hex.EncodeToString(sum[:])
}

// admit runs the tenant rate limit gate, recording violations.
func (uc *StateStoreUsecase) admit(tenantID string, op OperationType) error {
	err := uc.limiter.Allow(scopeOf(tenantID), op)
	if err == nil {
		return nil
	}

	info := uc.tenant(tenantID)
	info.mu.Lock()
	info.rateLimitViolations++
	info.mu.Unlock()

	uc.statsMu.Lock()
	uc.stats.RateLimitViolations++
	uc.statsMu.Unlock()

	uc.metrics.RecordMetric("state.rate_limit_violation", 1, map[string]string{
		"tenant_id": scopeOf(tenantID),
		"operation": string(op),
	})
	return err
}

// guard enforces the concurrency, process memory, and payload size
// ceilings before a save touches storage.
func (uc *StateStoreUsecase) guard(tenantID string, payloadBytes int) error {
	info := uc.tenant(tenantID)
	info.mu.Lock()
	active := info.activeOperations
	info.mu.Unlock()

	if uc.cfg.MaxConcurrentOperations > 0 && active >= uc.cfg.MaxConcurrentOperations {
		return uc.resourceViolation(tenantID, fmt.Sprintf(
			"tenant %s has %d active operations (limit %d)", scopeOf(tenantID), active, uc.cfg.MaxConcurrentOperations))
	}

	if uc.cfg.MaxMemoryUsageMB > 0 {
		processMB, err := uc.probe.SampleProcessMemoryMB()
		if err == nil && processMB > uc.cfg.MaxMemoryUsageMB {
			return uc.resourceViolation(tenantID, fmt.Sprintf(
				"process memory %.1fMB exceeds limit %.1fMB", processMB, uc.cfg.MaxMemoryUsageMB))
		}
	}

	if uc.cfg.MaxStateSizeMB > 0 {
		sizeMB := float64(payloadBytes) / (1024 * 1024)
		if sizeMB > uc.cfg.MaxStateSizeMB {
			return uc.resourceViolation(tenantID, fmt.Sprintf(
				"state size %.2fMB exceeds limit %.1fMB", sizeMB, uc.cfg.MaxStateSizeMB))
		}
	}

	return nil
}

// resourceViolation records a resource-limit rejection and returns the
// typed error.
func (uc *StateStoreUsecase) resourceViolation(tenantID, msg string) error {
	uc.statsMu.Lock()
	uc.stats.ResourceLimitViolation++
	uc.statsMu.Unlock()

	uc.metrics.RecordMetric("state.resource_limit_violation", 1, map[string]string{
		"tenant_id": scopeOf(tenantID),
	})
	return model.NewError(model.CategoryResourceLimit, model.SeverityWarning, model.ReasonResourceExhausted, "%s", msg)
}

// beginOp marks an operation in flight for the tenant and returns the
// completion func.
func (uc *StateStoreUsecase) beginOp(tenantID string) func(err error) {
	info := uc.tenant(tenantID)
	info.mu.Lock()
	info.activeOperations++
	info.mu.Unlock()

	return func(err error) {
		info.mu.Lock()
		info.activeOperations--
		info.totalOperations++
		info.lastOperationTime = uc.clock.Now()
		if err != nil {
			info.errorCount++
		}
		info.mu.Unlock()

		uc.statsMu.Lock()
		uc.stats.TotalOperations++
		if err != nil {
			uc.stats.FailedOperations++
		} else {
			uc.stats.SuccessfulOperations++
		}
		uc.statsMu.Unlock()
	}
}

// opCtx applies the configured per-operation timeout.
func (uc *StateStoreUsecase) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if uc.cfg.OperationTimeout > 0 {
		return context.WithTimeout(ctx, uc.cfg.OperationTimeout)
	}
	return context.WithCancel(ctx)
}

// SaveState persists a state payload. The tenant's WRITE rate limit and
// the resource guards run before any storage I/O; a checkpoint snapshot is
// appended unless disabled; the cache entry is refreshed on success.
func (uc *StateStoreUsecase) SaveState(ctx context.Context, stateID string, payload model.StatePayload, opts ...StateOption) error {
	o := stateOptions{checkpoint: true, useCache: true, checkpointIndex: -1}
	for _, opt := range opts {
		opt(&o)
	}

	if err := uc.admit(o.tenantID, OperationWrite); err != nil {
		return err
	}

	serialized, err := canonicalJSON(payload)
	if err != nil {
		return model.WrapError(err, model.CategoryValidation, model.SeverityError, "state payload is not serializable")
	}

	if err := uc.guard(o.tenantID, len(serialized)); err != nil {
		return err
	}

	done := uc.beginOp(o.tenantID)
	start := uc.clock.Now()
	defer func() {
		uc.metrics.ObserveDuration("state.save.duration", uc.clock.Now().Sub(start), map[string]string{
			"tenant_id": scopeOf(o.tenantID),
		})
	}()

	ctx, cancel := uc.opCtx(ctx)
	defer cancel()

	err = uc.doSave(ctx, stateID, payload, serialized, &o)
	done(err)

	if err != nil {
		uc.metrics.RecordMetric("state.save.error", 1, map[string]string{"tenant_id": scopeOf(o.tenantID)})
		return err
	}
	uc.metrics.RecordMetric("state.save.success", 1, map[string]string{"tenant_id": scopeOf(o.tenantID)})
	return nil
}

func (uc *StateStoreUsecase) doSave(ctx context.Context, stateID string, payload model.StatePayload, serialized []byte, o *stateOptions) error {
	if o.checkpoint {
		cp := &model.Checkpoint{
			StateID:    stateID,
			CapturedAt: uc.clock.Now(),
			Payload:    payload,
		}
		if err := uc.cps.Append(ctx, scopeOf(o.tenantID), cp); err != nil {
			// A lost checkpoint degrades recovery, not the save itself.
			uc.logger.Warnw("msg", "checkpoint append failed",
				"state_id", stateID,
				"tenant_id", scopeOf(o.tenantID),
				"error", err.Error(),
				"type", "state")
		}
	}

	stored := string(serialized)
	if uc.cipher != nil {
		encrypted, err := uc.cipher.Encrypt(stored)
		if err != nil {
			return model.WrapError(err, model.CategorySystem, model.SeverityError, "state encryption failed")
		}
		stored = encrypted
	}

	now := uc.clock.Now()
	record := &model.StateRecord{
		StateID:   stateID,
		TenantID:  o.tenantID,
		Role:      o.role,
		Payload:   stored,
		Checksum:  checksumOf(serialized),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := uc.states.Upsert(ctx, record); err != nil {
		return model.WrapError(err, model.CategoryDatabase, model.SeverityError, "state upsert failed")
	}

	uc.cache.Add(cacheKey(o.tenantID, stateID), payload)

	uc.logger.Debugw("msg", "state saved",
		"state_id", stateID,
		"tenant_id", scopeOf(o.tenantID),
		"bytes", len(serialized),
		"checkpoint", o.checkpoint,
		"type", "state")
	return nil
}

// newCorruptionError builds the typed checksum mismatch error.
func newCorruptionError(stateID string) error {
	return model.NewError(model.CategorySystem, model.SeverityCritical, model.ReasonChecksumMismatch,
		"stored state %s failed checksum verification", stateID)
}

// LoadState returns the latest payload for stateID, or nil when absent. A
// fresh cache hit is served without a rate limit check; storage reads go
// through the READ gate and verify the stored checksum.
func (uc *StateStoreUsecase) LoadState(ctx context.Context, stateID string, opts ...StateOption) (model.StatePayload, error) {
	o := stateOptions{checkpoint: true, useCache: true, checkpointIndex: -1}
	for _, opt := range opts {
		opt(&o)
	}

	if o.useCache {
		if payload, ok := uc.cache.Get(cacheKey(o.tenantID, stateID)); ok {
			uc.metrics.RecordMetric("state.load.cache_hit", 1, map[string]string{"tenant_id": scopeOf(o.tenantID)})
			return payload, nil
		}
	}

	if err := uc.admit(o.tenantID, OperationRead); err != nil {
		return nil, err
	}

	done := uc.beginOp(o.tenantID)
	start := uc.clock.Now()
	defer func() {
		uc.metrics.ObserveDuration("state.load.duration", uc.clock.Now().Sub(start), map[string]string{
			"tenant_id": scopeOf(o.tenantID),
		})
	}()

	ctx, cancel := uc.opCtx(ctx)
	defer cancel()

	payload, err := uc.doLoad(ctx, stateID, &o)
	done(err)

	if err != nil {
		uc.metrics.RecordMetric("state.load.error", 1, map[string]string{"tenant_id": scopeOf(o.tenantID)})
		return nil, err
	}
	uc.metrics.RecordMetric("state.load.success", 1, map[string]string{"tenant_id": scopeOf(o.tenantID)})
	return payload, nil
}

func (uc *StateStoreUsecase) doLoad(ctx context.Context, stateID string, o *stateOptions) (model.StatePayload, error) {
	record, err := uc.states.QueryLatest(ctx, stateID, o.tenantID)
	if err != nil {
		return nil, model.WrapError(err, model.CategoryDatabase, model.SeverityError, "state query failed")
	}
	if record == nil {
		return nil, nil
	}

	serialized := record.Payload
	if uc.cipher != nil {
		serialized, err = uc.cipher.Decrypt(serialized)
		if err != nil {
			return nil, model.WrapError(err, model.CategorySystem, model.SeverityCritical, "state decryption failed")
		}
	}

	if record.Checksum != "" && checksumOf([]byte(serialized)) != record.Checksum {
		return nil, newCorruptionError(stateID)
	}

	var payload model.StatePayload
	if err := json.Unmarshal([]byte(serialized), &payload); err != nil {
		return nil, model.WrapError(err, model.CategorySystem, model.SeverityError, "state deserialization failed")
	}

	uc.cache.Add(cacheKey(o.tenantID, stateID), payload)
	return payload, nil
}

// RecoverWorkflowState returns the checkpointed payload for workflowID at
// the given index (default -1, the most recent). Returns nil when the
// buffer is empty or the index is out of range.
func (uc *StateStoreUsecase) RecoverWorkflowState(ctx context.Context, workflowID string, opts ...StateOption) (model.StatePayload, error) {
	o := stateOptions{checkpoint: true, useCache: true, checkpointIndex: -1}
	for _, opt := range opts {
		opt(&o)
	}

	if err := uc.admit(o.tenantID, OperationRecovery); err != nil {
		return nil, err
	}

	done := uc.beginOp(o.tenantID)
	ctx, cancel := uc.opCtx(ctx)
	defer cancel()

	cp, err := uc.cps.Get(ctx, scopeOf(o.tenantID), o.checkpointIndex)
	done(err)
	if err != nil {
		return nil, model.WrapError(err, model.CategorySystem, model.SeverityError, "checkpoint lookup failed")
	}

	uc.statsMu.Lock()
	uc.stats.RecoveryOperations++
	uc.statsMu.Unlock()
	uc.metrics.RecordMetric("state.recovery", 1, map[string]string{"tenant_id": scopeOf(o.tenantID)})

	if cp == nil {
		uc.logger.Warnw("msg", "no checkpoint available for recovery",
			"workflow_id", workflowID,
			"tenant_id", scopeOf(o.tenantID),
			"index", o.checkpointIndex,
			"type", "state")
		return nil, nil
	}

	uc.logger.Infow("msg", "workflow state recovered from checkpoint",
		"workflow_id", workflowID,
		"state_id", cp.StateID,
		"tenant_id", scopeOf(o.tenantID),
		"index", o.checkpointIndex,
		"captured_at", cp.CapturedAt,
		"type", "state")
	return cp.Payload, nil
}

// CleanupTenantState deletes the tenant's durable records older than the
// cutoff, evicts its cache entries, and resets its rate limit window. It
// returns the number of deleted records.
func (uc *StateStoreUsecase) CleanupTenantState(ctx context.Context, tenantID string, olderThan time.Duration) (int64, error) {
	cutoff := uc.clock.Now().Add(-olderThan)

	ctx, cancel := uc.opCtx(ctx)
	defer cancel()

	deleted, err := uc.states.DeleteOlderThan(ctx, tenantID, cutoff)
	if err != nil {
		return 0, model.WrapError(err, model.CategoryDatabase, model.SeverityError, "tenant state cleanup failed")
	}

	prefix := scopeOf(tenantID) + ":"
	for _, key := range uc.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			uc.cache.Remove(key)
		}
	}
	uc.limiter.Reset(scopeOf(tenantID))

	uc.logger.Infow("msg", "tenant state cleaned up",
		"tenant_id", scopeOf(tenantID),
		"deleted", deleted,
		"cutoff", cutoff,
		"type", "audit")
	uc.metrics.RecordMetric("state.cleanup.deleted", float64(deleted), map[string]string{
		"tenant_id": scopeOf(tenantID),
	})
	return deleted, nil
}

// TenantMetrics snapshots one tenant's usage counters.
func (uc *StateStoreUsecase) TenantMetrics(tenantID string) model.TenantStateInfo {
	info := uc.tenant(tenantID)
	info.mu.Lock()
	defer info.mu.Unlock()
	return model.TenantStateInfo{
		TenantID:            scopeOf(tenantID),
		ActiveOperations:    info.activeOperations,
		TotalOperations:     info.totalOperations,
		LastOperationTime:   info.lastOperationTime,
		RateLimitViolations: info.rateLimitViolations,
		ErrorCount:          info.errorCount,
	}
}

// SystemMetrics snapshots store-wide counters plus current process and
// system load from the probe.
func (uc *StateStoreUsecase) SystemMetrics() (model.StoreMetrics, ResourceUsage) {
	uc.statsMu.Lock()
	stats := uc.stats
	uc.statsMu.Unlock()

	var usage ResourceUsage
	if mem, err := uc.probe.SampleMemoryPercent(); err == nil {
		usage.MemoryPercent = mem
	}
	if cpu, err := uc.probe.SampleCPUPercent(); err == nil {
		usage.CPUPercent = cpu
	}
	if proc, err := uc.probe.SampleProcessMemoryMB(); err == nil {
		usage.ProcessMemoryMB = proc
	}
	usage.Timestamp = uc.clock.Now()

	return stats, usage
}

// CacheLen returns the number of live cache entries.
func (uc *StateStoreUsecase) CacheLen() int {
	return uc.cache.Len()
}
