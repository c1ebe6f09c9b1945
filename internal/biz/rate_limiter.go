package biz

import (
	"sync"
	"time"

	"AgentGuard/internal/conf"
	"AgentGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// OperationType weights a state operation for rate limiting.
type OperationType string

const (
	OperationRead     OperationType = "READ"
	OperationWrite    OperationType = "WRITE"
	OperationUpdate   OperationType = "UPDATE"
	OperationDelete   OperationType = "DELETE"
	OperationRecovery OperationType = "RECOVERY"
)

// operationWeights is the cost of each operation type against the caps.
var operationWeights = map[OperationType]float64{
	OperationRead:     1.0,
	OperationWrite:    2.0,
	OperationUpdate:   1.5,
	OperationDelete:   3.0,
	OperationRecovery: 5.0,
}

// Weight returns the rate limit cost of the operation type. Unknown types
// cost 1.0.
func (op OperationType) Weight() float64 {
	if w, ok := operationWeights[op]; ok {
		return w
	}
	return 1.0
}

// rateEntry is one admitted request in a tenant's trailing window.
type rateEntry struct {
	at     time.Time
	weight float64
}

// tenantWindow holds one tenant's trailing request list under its own
// mutex so tenants never contend with each other.
type tenantWindow struct {
	mu      sync.Mutex
	entries []rateEntry
}

// TenantRateLimiter admits operations per tenant against weighted trailing
// windows: the 60s weighted sum must stay strictly under the per-minute
// cap and the 1s weighted sum strictly under the per-second cap. Admission
// is non-blocking and atomic per tenant; different tenants proceed fully
// in parallel.
type TenantRateLimiter struct {
	perMinuteCap float64
	perSecondCap float64
	clock        Clock
	logger       *log.Helper

	windows sync.Map // tenant key -> *tenantWindow
}

// NewTenantRateLimiter creates the limiter from configured caps.
func NewTenantRateLimiter(cfg *conf.RateLimit, clock Clock, logger log.Logger) *TenantRateLimiter {
	return &TenantRateLimiter{
		perMinuteCap: float64(cfg.MaxRequestsPerMinute),
		perSecondCap: float64(cfg.MaxRequestsPerSecond),
		clock:        clock,
		logger:       log.NewHelper(logger),
	}
}

// newRateLimitedError builds the typed rejection for an inadmissible
// operation.
func newRateLimitedError(tenant string, op OperationType) error {
	return model.NewError(model.CategoryRateLimit, model.SeverityWarning, model.ReasonRateLimited,
		"rate limit exceeded for tenant %s on %s operation", tenant, string(op))
}

// window returns the tenant's window, creating it lazily.
func (rl *TenantRateLimiter) window(tenant string) *tenantWindow {
	if tenant == "" {
		tenant = model.GlobalScope
	}
	if w, ok := rl.windows.Load(tenant); ok {
		return w.(*tenantWindow)
	}
	w, _ := rl.windows.LoadOrStore(tenant, &tenantWindow{})
	return w.(*tenantWindow)
}

// Allow checks and records one operation for the tenant. It returns nil
// and records the request when both windows admit the new weight, or a
// typed rate-limited error without recording anything.
func (rl *TenantRateLimiter) Allow(tenant string, op OperationType) error {
	w := rl.window(tenant)
	now := rl.clock.Now()
	weight := op.Weight()

	w.mu.Lock()
	defer w.mu.Unlock()

	// Drop entries that fell out of the 60s window.
	cutoff := now.Add(-time.Minute)
	idx := 0
	for idx < len(w.entries) && !w.entries[idx].at.After(cutoff) {
		idx++
	}
	if idx > 0 {
		w.entries = append(w.entries[:0], w.entries[idx:]...)
	}

	var minuteSum, secondSum float64
	secondCutoff := now.Add(-time.Second)
	for _, e := range w.entries {
		minuteSum += e.weight
		if e.at.After(secondCutoff) {
			secondSum += e.weight
		}
	}

	if minuteSum+weight > rl.perMinuteCap || secondSum+weight > rl.perSecondCap {
		rl.logger.Warnw("msg", "rate limit exceeded",
			"tenant_id", tenant,
			"operation", string(op),
			"minute_sum", minuteSum,
			"second_sum", secondSum,
			"type", "rate_limit")
		return newRateLimitedError(tenant, op)
	}

	w.entries = append(w.entries, rateEntry{at: now, weight: weight})
	return nil
}

// Pending returns the tenant's current weighted 60s sum, for metrics.
func (rl *TenantRateLimiter) Pending(tenant string) float64 {
	w := rl.window(tenant)
	now := rl.clock.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-time.Minute)
	var sum float64
	for _, e := range w.entries {
		if e.at.After(cutoff) {
			sum += e.weight
		}
	}
	return sum
}

// Reset clears one tenant's window. Used by tenant state cleanup.
func (rl *TenantRateLimiter) Reset(tenant string) {
	if tenant == "" {
		tenant = model.GlobalScope
	}
	rl.windows.Delete(tenant)
}
