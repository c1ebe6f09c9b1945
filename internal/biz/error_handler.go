package biz

import (
	"context"
	"sync"
	"time"

	"AgentGuard/internal/conf"
	"AgentGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
)

// ResolutionStrategy attempts to resolve a handled failure for one
// category. It returns true when the condition is considered cleared.
type ResolutionStrategy func(ctx context.Context, record *model.ErrorRecord) bool

// HandleOption customizes a single Handle call.
type HandleOption func(*handleOptions)

type handleOptions struct {
	category model.Category
	context  map[string]string
	kind     string
}

// WithCategory attaches an explicit category, bypassing keyword
// classification.
func WithCategory(c model.Category) HandleOption {
	return func(o *handleOptions) { o.category = c }
}

// WithContext attaches key-value context recorded alongside the error.
func WithContext(kv map[string]string) HandleOption {
	return func(o *handleOptions) { o.context = kv }
}

// WithKind overrides the recorded error kind (defaults to the category).
func WithKind(kind string) HandleOption {
	return func(o *handleOptions) { o.kind = kind }
}

// ErrorHandlerUsecase is the central intake for failures: it classifies,
// records, optionally runs a resolution strategy, and owns the process's
// circuit breakers.
type ErrorHandlerUsecase struct {
	cfg       *conf.Resilience
	clock     Clock
	notifier  AlertNotifier
	metrics   MetricsSink
	logger    *log.Helper
	rawLogger log.Logger

	mu         sync.Mutex
	records    []*model.ErrorRecord
	counters   map[model.Category]int64
	resolved   int64
	attempted  int64
	strategies map[model.Category]ResolutionStrategy

	breakerMu sync.Mutex
	breakers  map[string]*CircuitBreaker
}

// ErrorStats is a copied-out snapshot of handler activity.
type ErrorStats struct {
	TotalErrors        int64
	ByCategory         map[model.Category]int64
	RecentErrors       []*model.ErrorRecord
	ResolutionAttempts int64
	Resolutions        int64
	BreakerStates      map[string]CircuitBreakerStats
}

// NewErrorHandlerUsecase creates the handler with the default resolution
// strategies registered: RATE_LIMIT waits and reports resolved, NETWORK
// waits and reports unresolved.
func NewErrorHandlerUsecase(cfg *conf.Resilience, clock Clock, notifier AlertNotifier, metrics MetricsSink, logger log.Logger) *ErrorHandlerUsecase {
	uc := &ErrorHandlerUsecase{
		cfg:        cfg,
		clock:      clock,
		notifier:   notifier,
		metrics:    metrics,
		logger:     log.NewHelper(logger),
		rawLogger:  logger,
		counters:   make(map[model.Category]int64),
		strategies: make(map[model.Category]ResolutionStrategy),
		breakers:   make(map[string]*CircuitBreaker),
	}

	// Rate limits are expected to self-clear after a wait.
	uc.RegisterStrategy(model.CategoryRateLimit, func(ctx context.Context, _ *model.ErrorRecord) bool {
		_ = uc.clock.Sleep(ctx, time.Second)
		return true
	})
	// Network failures get a grace wait but no automatic fix.
	uc.RegisterStrategy(model.CategoryNetwork, func(ctx context.Context, _ *model.ErrorRecord) bool {
		_ = uc.clock.Sleep(ctx, time.Second)
		return false
	})

	return uc
}

// RegisterStrategy installs or replaces the resolution strategy for a
// category.
func (uc *ErrorHandlerUsecase) RegisterStrategy(category model.Category, s ResolutionStrategy) {
	uc.mu.Lock()
	uc.strategies[category] = s
	uc.mu.Unlock()
}

// Handle classifies err, appends an immutable ErrorRecord, bumps the
// per-category counter, runs a registered resolution strategy, and alerts
// for CRITICAL/FATAL severities.
func (uc *ErrorHandlerUsecase) Handle(ctx context.Context, err error, severity model.Severity, opts ...HandleOption) *model.ErrorRecord {
	if err == nil {
		return nil
	}

	var o handleOptions
	for _, opt := range opts {
		opt(&o)
	}

	category := o.category
	if category == "" {
		category = model.CategoryOf(err)
	}
	kind := o.kind
	if kind == "" {
		kind = string(category)
	}

	record := &model.ErrorRecord{
		ID:        uuid.NewString(),
		Timestamp: uc.clock.Now(),
		Kind:      kind,
		Message:   err.Error(),
		Severity:  severity,
		Category:  category,
		Context:   o.context,
	}

	uc.mu.Lock()
	uc.pruneLocked(record.Timestamp)
	uc.records = append(uc.records, record)
	uc.counters[category]++
	strategy := uc.strategies[category]
	uc.mu.Unlock()

	uc.logger.Errorw("msg", "error handled",
		"error_id", record.ID,
		"category", string(category),
		"severity", string(severity),
		"error", err.Error())
	if uc.metrics != nil {
		uc.metrics.RecordMetric("errors.handled", 1, map[string]string{
			"category": string(category),
			"severity": string(severity),
		})
	}

	if strategy != nil {
		record.ResolutionAttempted = true
		record.Resolved = strategy(ctx, record)
		uc.mu.Lock()
		uc.attempted++
		if record.Resolved {
			uc.resolved++
		}
		uc.mu.Unlock()
	}

	if severity == model.SeverityCritical || severity == model.SeverityFatal {
		uc.alert(ctx, record)
	}

	return record
}

// alert delivers a CRITICAL/FATAL record to the notifier.
func (uc *ErrorHandlerUsecase) alert(ctx context.Context, record *model.ErrorRecord) {
	if uc.notifier == nil {
		return
	}
	event := &model.AlertEvent{
		ErrorID:   record.ID,
		Category:  record.Category,
		Severity:  record.Severity,
		Message:   record.Message,
		Context:   record.Context,
		Timestamp: record.Timestamp,
	}
	if err := uc.notifier.SendAlert(ctx, event); err != nil {
		uc.logger.Warnw("msg", "alert delivery failed",
			"error_id", record.ID,
			"error", err.Error())
	}
}

// pruneLocked drops records older than the retention window. Callers must
// hold uc.mu.
func (uc *ErrorHandlerUsecase) pruneLocked(now time.Time) {
	retention := uc.cfg.ErrorRetention
	if retention <= 0 {
		return
	}
	cutoff := now.Add(-retention)
	idx := 0
	for idx < len(uc.records) && uc.records[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		uc.records = append([]*model.ErrorRecord(nil), uc.records[idx:]...)
	}
}

// CreateCircuitBreaker returns the breaker registered under name, creating
// it on first use. Repeat calls with the same name return the existing
// instance regardless of config.
func (uc *ErrorHandlerUsecase) CreateCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	uc.breakerMu.Lock()
	defer uc.breakerMu.Unlock()

	if cb, ok := uc.breakers[name]; ok {
		return cb
	}

	cb := NewCircuitBreaker(name, config, uc.clock, uc.rawLogger)
	cb.OnStateChange(uc.onBreakerStateChange)
	uc.breakers[name] = cb
	return cb
}

// Breaker looks up a breaker by name.
func (uc *ErrorHandlerUsecase) Breaker(name string) (*CircuitBreaker, bool) {
	uc.breakerMu.Lock()
	defer uc.breakerMu.Unlock()
	cb, ok := uc.breakers[name]
	return cb, ok
}

// onBreakerStateChange turns breaker transitions into notifier events.
func (uc *ErrorHandlerUsecase) onBreakerStateChange(name string, from, to CircuitState, failureCount int, lastErr error) {
	ctx := context.Background()
	now := uc.clock.Now()

	switch to {
	case CircuitOpen:
		msg := ""
		if lastErr != nil {
			msg = lastErr.Error()
		}
		if uc.notifier != nil {
			_ = uc.notifier.NotifyCircuitBroken(ctx, &model.CircuitBrokenEvent{
				BreakerName:  name,
				FailureCount: failureCount,
				LastError:    msg,
				BrokenAt:     now,
			})
		}
	case CircuitClosed:
		if from == CircuitHalfOpen && uc.notifier != nil {
			_ = uc.notifier.NotifyCircuitRecovered(ctx, &model.CircuitRecoveredEvent{
				BreakerName: name,
				RecoveredAt: now,
			})
		}
	}

	if uc.metrics != nil {
		uc.metrics.RecordMetric("circuit.state_change", 1, map[string]string{
			"breaker": name,
			"from":    string(from),
			"to":      string(to),
		})
	}
}

// RetryWithBackoff runs op under the policy. On exhaustion the final error
// is reported through Handle before being returned.
func (uc *ErrorHandlerUsecase) RetryWithBackoff(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error) error {
	attempts := 0
	err := RetryWithBackoff(ctx, uc.clock, policy, func(ctx context.Context) error {
		attempts++
		return op(ctx)
	})
	if err == nil {
		return nil
	}

	record := uc.Handle(ctx, err, model.SeverityOf(err))
	if record != nil {
		record.RetryCount = attempts - 1
	}
	return err
}

// Stats snapshots handler activity: totals, per-category counts, the most
// recent records, resolution counters, and breaker states.
func (uc *ErrorHandlerUsecase) Stats() ErrorStats {
	uc.mu.Lock()
	total := int64(0)
	byCategory := make(map[model.Category]int64, len(uc.counters))
	for c, n := range uc.counters {
		byCategory[c] = n
		total += n
	}
	recent := uc.records
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	recentCopy := append([]*model.ErrorRecord(nil), recent...)
	attempted, resolved := uc.attempted, uc.resolved
	uc.mu.Unlock()

	uc.breakerMu.Lock()
	states := make(map[string]CircuitBreakerStats, len(uc.breakers))
	for name, cb := range uc.breakers {
		states[name] = cb.Stats()
	}
	uc.breakerMu.Unlock()

	return ErrorStats{
		TotalErrors:        total,
		ByCategory:         byCategory,
		RecentErrors:       recentCopy,
		ResolutionAttempts: attempted,
		Resolutions:        resolved,
		BreakerStates:      states,
	}
}
