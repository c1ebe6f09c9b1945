package biz

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"AgentGuard/internal/conf"
	"AgentGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"golang.org/x/sync/semaphore"
)

// ResourceType identifies a governed resource kind.
type ResourceType string

const (
	ResourceMemory             ResourceType = "memory"
	ResourceCPU                ResourceType = "cpu"
	ResourceDBConnections      ResourceType = "database_connections"
	ResourceNetworkConnections ResourceType = "network_connections"
	ResourceAgentInstances     ResourceType = "agent_instances"
	ResourceWorkflowInstances  ResourceType = "workflow_instances"
)

// AcquirePolicy selects the behavior at capacity.
type AcquirePolicy string

const (
	// PolicyReject fails immediately when the type is at capacity.
	PolicyReject AcquirePolicy = "REJECT"
	// PolicyBlock waits up to the configured timeout for capacity.
	PolicyBlock AcquirePolicy = "BLOCK"
	// PolicyQueue enqueues with a priority and is served
	// FIFO-by-priority as capacity frees.
	PolicyQueue AcquirePolicy = "QUEUE"
)

// ReleaseFunc releases an acquired resource. Safe to call more than once.
type ReleaseFunc func()

// AcquireOption customizes a single acquisition.
type AcquireOption func(*acquireOptions)

type acquireOptions struct {
	policy   AcquirePolicy
	timeout  time.Duration
	priority int
}

// WithPolicy selects the at-capacity behavior (default BLOCK).
func WithPolicy(p AcquirePolicy) AcquireOption {
	return func(o *acquireOptions) { o.policy = p }
}

// WithTimeout bounds a BLOCK acquisition. Zero means wait indefinitely.
func WithTimeout(d time.Duration) AcquireOption {
	return func(o *acquireOptions) { o.timeout = d }
}

// WithPriority orders QUEUE waiters; higher is served first.
func WithPriority(p int) AcquireOption {
	return func(o *acquireOptions) { o.priority = p }
}

// queueWaiter is one QUEUE-policy acquisition waiting for capacity.
type queueWaiter struct {
	priority int
	seq      uint64
	grant    chan struct{}
	index    int
}

// waiterHeap orders waiters by priority descending, then arrival order.
type waiterHeap []*queueWaiter

func (h waiterHeap) Len() int { return len(h) }
func (h waiterHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *waiterHeap) Push(x interface{}) {
	w := x.(*queueWaiter)
	w.index = len(*h)
	*h = append(*h, w)
}
func (h *waiterHeap) Pop() interface{} {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}

// resourceState tracks one resource type: its weighted semaphore, the set
// of active holder IDs, and any QUEUE waiters.
type resourceState struct {
	limit int64
	sem   *semaphore.Weighted

	mu      sync.Mutex
	active  map[string]time.Time
	waiters waiterHeap
	seq     uint64
}

// ResourceUsage is a periodically refreshed snapshot of system load and
// per-type active counts.
type ResourceUsage struct {
	MemoryPercent   float64
	CPUPercent      float64
	ProcessMemoryMB float64
	ActiveCounts    map[ResourceType]int64
	Timestamp       time.Time
}

// ResourceGovernorUsecase grants quota-bounded access to typed resources,
// manages connection pools and one-shot operation timeouts, and samples
// system load for throttling decisions.
type ResourceGovernorUsecase struct {
	cfg       *conf.ResourceLimits
	clock     Clock
	probe     ResourceProbe
	errors    *ErrorHandlerUsecase
	metrics   MetricsSink
	logger    *log.Helper
	rawLogger log.Logger

	resources map[ResourceType]*resourceState

	poolMu sync.Mutex
	pools  map[string]*ConnectionPool

	timerMu sync.Mutex
	timers  map[string]*time.Timer

	usageMu sync.Mutex
	usage   ResourceUsage
	history []ResourceUsage

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewResourceGovernorUsecase creates the governor with semaphores sized
// from the configured limits.
func NewResourceGovernorUsecase(cfg *conf.ResourceLimits, clock Clock, probe ResourceProbe, errors *ErrorHandlerUsecase, metrics MetricsSink, logger log.Logger) *ResourceGovernorUsecase {
	limits := map[ResourceType]int64{
		ResourceMemory:             1,
		ResourceCPU:                4,
		ResourceDBConnections:      cfg.MaxDBConnections,
		ResourceNetworkConnections: cfg.MaxNetworkConnections,
		ResourceAgentInstances:     cfg.MaxAgentInstances,
		ResourceWorkflowInstances:  cfg.MaxWorkflowInstances,
	}

	resources := make(map[ResourceType]*resourceState, len(limits))
	for rt, limit := range limits {
		if limit <= 0 {
			limit = 1
		}
		resources[rt] = &resourceState{
			limit:  limit,
			sem:    semaphore.NewWeighted(limit),
			active: make(map[string]time.Time),
		}
	}

	return &ResourceGovernorUsecase{
		cfg:       cfg,
		clock:     clock,
		probe:     probe,
		errors:    errors,
		metrics:   metrics,
		logger:    log.NewHelper(logger),
		rawLogger: logger,
		resources: resources,
		pools:     make(map[string]*ConnectionPool),
		timers:    make(map[string]*time.Timer),
	}
}

// newResourceExhaustedError builds the typed fail-fast rejection.
func newResourceExhaustedError(rt ResourceType) error {
	return model.NewError(model.CategoryResourceLimit, model.SeverityWarning, model.ReasonResourceExhausted,
		"resource %s is at capacity", string(rt))
}

// newAcquireTimeoutError builds the typed timeout error for BLOCK waits.
func newAcquireTimeoutError(rt ResourceType, d time.Duration) error {
	return model.NewError(model.CategoryResourceLimit, model.SeverityWarning, model.ReasonAcquireTimeout,
		"timed out after %s waiting for resource %s", d, string(rt))
}

// Acquire obtains one slot of the resource type for holder id and returns
// a release func that must run on every exit path. The active count never
// exceeds the configured maximum.
func (uc *ResourceGovernorUsecase) Acquire(ctx context.Context, rt ResourceType, id string, opts ...AcquireOption) (ReleaseFunc, error) {
	state, ok := uc.resources[rt]
	if !ok {
		return nil, model.NewError(model.CategoryValidation, model.SeverityError, "",
			"unknown resource type %q", string(rt))
	}

	o := acquireOptions{policy: PolicyBlock}
	for _, opt := range opts {
		opt(&o)
	}

	switch o.policy {
	case PolicyReject:
		if !state.sem.TryAcquire(1) {
			uc.metrics.RecordMetric("resource.rejected", 1, map[string]string{"resource_type": string(rt)})
			return nil, newResourceExhaustedError(rt)
		}
	case PolicyQueue:
		if err := uc.acquireQueued(ctx, state, rt, o); err != nil {
			return nil, err
		}
	default: // PolicyBlock
		acquireCtx := ctx
		var cancel context.CancelFunc
		if o.timeout > 0 {
			acquireCtx, cancel = context.WithTimeout(ctx, o.timeout)
			defer cancel()
		}
		if err := state.sem.Acquire(acquireCtx, 1); err != nil {
			if o.timeout > 0 && acquireCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				return nil, newAcquireTimeoutError(rt, o.timeout)
			}
			return nil, err
		}
	}

	state.mu.Lock()
	state.active[id] = uc.clock.Now()
	state.mu.Unlock()

	uc.metrics.RecordMetric("resource.acquired", 1, map[string]string{"resource_type": string(rt)})

	var once sync.Once
	release := func() {
		once.Do(func() { uc.release(state, rt, id) })
	}
	return release, nil
}

// acquireQueued waits for capacity in priority-then-FIFO order.
func (uc *ResourceGovernorUsecase) acquireQueued(ctx context.Context, state *resourceState, rt ResourceType, o acquireOptions) error {
	state.mu.Lock()
	// Fast path only when nobody with standing is already queued.
	if len(state.waiters) == 0 && state.sem.TryAcquire(1) {
		state.mu.Unlock()
		return nil
	}
	state.seq++
	w := &queueWaiter{
		priority: o.priority,
		seq:      state.seq,
		grant:    make(chan struct{}),
	}
	heap.Push(&state.waiters, w)
	state.mu.Unlock()

	var timeoutC <-chan time.Time
	if o.timeout > 0 {
		timer := time.NewTimer(o.timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case <-w.grant:
		return nil
	case <-ctx.Done():
		uc.abandonWaiter(state, w)
		return ctx.Err()
	case <-timeoutC:
		uc.abandonWaiter(state, w)
		return newAcquireTimeoutError(rt, o.timeout)
	}
}

// abandonWaiter removes a waiter that gave up. If the grant raced the
// abandonment, the slot is handed to the next waiter instead.
func (uc *ResourceGovernorUsecase) abandonWaiter(state *resourceState, w *queueWaiter) {
	state.mu.Lock()
	defer state.mu.Unlock()
	if w.index >= 0 {
		heap.Remove(&state.waiters, w.index)
		return
	}
	// Already granted: pass the slot on or return it.
	select {
	case <-w.grant:
		uc.handOffLocked(state)
	default:
	}
}

// release returns a slot: a queued waiter inherits it directly, otherwise
// it goes back to the semaphore.
func (uc *ResourceGovernorUsecase) release(state *resourceState, rt ResourceType, id string) {
	state.mu.Lock()
	delete(state.active, id)
	uc.handOffLocked(state)
	state.mu.Unlock()

	uc.metrics.RecordMetric("resource.released", 1, map[string]string{"resource_type": string(rt)})
}

// handOffLocked gives the freed slot to the best queued waiter, or back to
// the semaphore when nobody waits. Callers must hold state.mu.
func (uc *ResourceGovernorUsecase) handOffLocked(state *resourceState) {
	if len(state.waiters) > 0 {
		w := heap.Pop(&state.waiters).(*queueWaiter)
		close(w.grant)
		return
	}
	state.sem.Release(1)
}

// ActiveCount returns the number of live holders of a resource type.
func (uc *ResourceGovernorUsecase) ActiveCount(rt ResourceType) int64 {
	state, ok := uc.resources[rt]
	if !ok {
		return 0
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return int64(len(state.active))
}

// Limit returns the configured cap for a resource type.
func (uc *ResourceGovernorUsecase) Limit(rt ResourceType) int64 {
	if state, ok := uc.resources[rt]; ok {
		return state.limit
	}
	return 0
}

// SetTimeout schedules a one-shot timeout for operationID. When it fires
// the handler runs and the timer deregisters itself. Re-arming an existing
// ID replaces the previous timer.
func (uc *ResourceGovernorUsecase) SetTimeout(operationID string, d time.Duration, handler func()) {
	uc.timerMu.Lock()
	defer uc.timerMu.Unlock()

	if old, ok := uc.timers[operationID]; ok {
		old.Stop()
	}

	uc.timers[operationID] = time.AfterFunc(d, func() {
		uc.timerMu.Lock()
		delete(uc.timers, operationID)
		uc.timerMu.Unlock()

		uc.logger.Warnw("msg", "operation timed out",
			"operation_id", operationID,
			"timeout", d.String(),
			"type", "resource")
		if handler != nil {
			handler()
		}
	})
}

// ClearTimeout cancels a pending timeout. Returns true when a timer was
// stopped before firing.
func (uc *ResourceGovernorUsecase) ClearTimeout(operationID string) bool {
	uc.timerMu.Lock()
	defer uc.timerMu.Unlock()

	timer, ok := uc.timers[operationID]
	if !ok {
		return false
	}
	delete(uc.timers, operationID)
	return timer.Stop()
}

// PendingTimeouts returns how many one-shot timers are armed.
func (uc *ResourceGovernorUsecase) PendingTimeouts() int {
	uc.timerMu.Lock()
	defer uc.timerMu.Unlock()
	return len(uc.timers)
}

// Start launches the background monitor and cleanup loops. Stop (or ctx
// cancellation) terminates them.
func (uc *ResourceGovernorUsecase) Start(ctx context.Context) {
	uc.lifecycleMu.Lock()
	defer uc.lifecycleMu.Unlock()
	if uc.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	uc.cancel = cancel
	uc.done = make(chan struct{})

	go func() {
		defer close(uc.done)
		uc.run(ctx)
	}()
}

// Stop terminates the background loops and waits for them to exit.
func (uc *ResourceGovernorUsecase) Stop() {
	uc.lifecycleMu.Lock()
	cancel, done := uc.cancel, uc.done
	uc.cancel = nil
	uc.done = nil
	uc.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// run drives the periodic sampling and pool cleanup.
func (uc *ResourceGovernorUsecase) run(ctx context.Context) {
	checkInterval := uc.cfg.MemoryCheckInterval
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	cleanupInterval := uc.cfg.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}

	monitor := time.NewTicker(checkInterval)
	cleanup := time.NewTicker(cleanupInterval)
	defer monitor.Stop()
	defer cleanup.Stop()

	uc.sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-monitor.C:
			uc.sample(ctx)
		case <-cleanup.C:
			uc.CleanupPools()
		}
	}
}

// sample refreshes the ResourceUsage snapshot, appends it to the bounded
// history, and reports limit violations through the error handler.
func (uc *ResourceGovernorUsecase) sample(ctx context.Context) {
	memPercent, err := uc.probe.SampleMemoryPercent()
	if err != nil {
		uc.logger.Warnw("msg", "memory sample failed", "error", err.Error(), "type", "resource")
		return
	}
	cpuPercent, err := uc.probe.SampleCPUPercent()
	if err != nil {
		uc.logger.Warnw("msg", "cpu sample failed", "error", err.Error(), "type", "resource")
		return
	}
	processMB, err := uc.probe.SampleProcessMemoryMB()
	if err != nil {
		uc.logger.Warnw("msg", "process memory sample failed", "error", err.Error(), "type", "resource")
		return
	}

	now := uc.clock.Now()
	counts := make(map[ResourceType]int64, len(uc.resources))
	for rt := range uc.resources {
		counts[rt] = uc.ActiveCount(rt)
	}

	usage := ResourceUsage{
		MemoryPercent:   memPercent,
		CPUPercent:      cpuPercent,
		ProcessMemoryMB: processMB,
		ActiveCounts:    counts,
		Timestamp:       now,
	}

	uc.usageMu.Lock()
	uc.usage = usage
	uc.history = append(uc.history, usage)
	cutoff := now.Add(-24 * time.Hour)
	idx := 0
	for idx < len(uc.history) && uc.history[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		uc.history = append(uc.history[:0], uc.history[idx:]...)
	}
	uc.usageMu.Unlock()

	uc.metrics.RecordMetric("system.memory_percent", memPercent, nil)
	uc.metrics.RecordMetric("system.cpu_percent", cpuPercent, nil)
	uc.metrics.RecordMetric("system.process_memory_mb", processMB, nil)

	if memPercent > uc.cfg.MaxMemoryPercent {
		uc.errors.Handle(ctx,
			model.NewError(model.CategoryResourceLimit, model.SeverityCritical, "",
				"system memory %.1f%% exceeds limit %.1f%%", memPercent, uc.cfg.MaxMemoryPercent),
			model.SeverityCritical,
			WithCategory(model.CategoryResourceLimit),
			WithKind(model.AuditEventResourceViolated))
	}
	if cpuPercent > uc.cfg.MaxCPUPercent {
		uc.errors.Handle(ctx,
			model.NewError(model.CategoryResourceLimit, model.SeverityCritical, "",
				"system cpu %.1f%% exceeds limit %.1f%%", cpuPercent, uc.cfg.MaxCPUPercent),
			model.SeverityCritical,
			WithCategory(model.CategoryResourceLimit),
			WithKind(model.AuditEventResourceViolated))
	}
}

// Usage returns the latest ResourceUsage snapshot.
func (uc *ResourceGovernorUsecase) Usage() ResourceUsage {
	uc.usageMu.Lock()
	defer uc.usageMu.Unlock()
	return uc.usage
}

// UsageHistory copies out the bounded usage history.
func (uc *ResourceGovernorUsecase) UsageHistory() []ResourceUsage {
	uc.usageMu.Lock()
	defer uc.usageMu.Unlock()
	return append([]ResourceUsage(nil), uc.history...)
}

// ShouldThrottle reports whether new work of the given type should be
// deferred: system memory above 90% of its configured limit, system CPU
// above 90% of its limit, or the type's active count above 80% of its
// cap. Each trigger is independently sufficient.
func (uc *ResourceGovernorUsecase) ShouldThrottle(rt ResourceType) bool {
	uc.usageMu.Lock()
	usage := uc.usage
	uc.usageMu.Unlock()

	if usage.MemoryPercent > uc.cfg.MaxMemoryPercent*0.9 {
		return true
	}
	if usage.CPUPercent > uc.cfg.MaxCPUPercent*0.9 {
		return true
	}
	if state, ok := uc.resources[rt]; ok {
		if float64(uc.ActiveCount(rt)) > float64(state.limit)*0.8 {
			return true
		}
	}
	return false
}
