package biz

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"AgentGuard/internal/conf"
	"AgentGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGovernor(clock Clock, probe ResourceProbe, metrics MetricsSink) *ResourceGovernorUsecase {
	cfg := &conf.ResourceLimits{
		MaxMemoryPercent:      80,
		MaxCPUPercent:         90,
		MaxDBConnections:      3,
		MaxNetworkConnections: 5,
		MaxAgentInstances:     2,
		MaxWorkflowInstances:  2,
		MemoryCheckInterval:   30 * time.Second,
		CleanupInterval:       5 * time.Minute,
	}
	logger := log.NewStdLogger(os.Stdout)
	errors := newTestErrorHandler(clock, &recordingNotifier{}, newRecordingMetrics())
	return NewResourceGovernorUsecase(cfg, clock, probe, errors, metrics, logger)
}

func TestAcquire_RejectAtCapacity(t *testing.T) {
	clock := newFakeClock()
	uc := newTestGovernor(clock, &stubProbe{}, newRecordingMetrics())
	ctx := context.Background()

	relA, err := uc.Acquire(ctx, ResourceAgentInstances, "agent-a", WithPolicy(PolicyReject))
	require.NoError(t, err)
	relB, err := uc.Acquire(ctx, ResourceAgentInstances, "agent-b", WithPolicy(PolicyReject))
	require.NoError(t, err)
	assert.Equal(t, int64(2), uc.ActiveCount(ResourceAgentInstances))

	// Third acquisition fails immediately without blocking.
	_, err = uc.Acquire(ctx, ResourceAgentInstances, "agent-c", WithPolicy(PolicyReject))
	require.Error(t, err)
	assert.Equal(t, model.ReasonResourceExhausted, model.ReasonOf(err))

	// Releasing one slot admits the next holder.
	relA()
	relD, err := uc.Acquire(ctx, ResourceAgentInstances, "agent-d", WithPolicy(PolicyReject))
	assert.NoError(t, err)

	relB()
	relD()
	assert.Equal(t, int64(0), uc.ActiveCount(ResourceAgentInstances))
}

func TestAcquire_ReleaseIsIdempotent(t *testing.T) {
	clock := newFakeClock()
	uc := newTestGovernor(clock, &stubProbe{}, newRecordingMetrics())
	ctx := context.Background()

	release, err := uc.Acquire(ctx, ResourceWorkflowInstances, "wf-1", WithPolicy(PolicyReject))
	require.NoError(t, err)

	release()
	release()
	assert.Equal(t, int64(0), uc.ActiveCount(ResourceWorkflowInstances))

	// Double release must not have freed a phantom slot.
	rel1, err := uc.Acquire(ctx, ResourceWorkflowInstances, "wf-2", WithPolicy(PolicyReject))
	require.NoError(t, err)
	rel2, err := uc.Acquire(ctx, ResourceWorkflowInstances, "wf-3", WithPolicy(PolicyReject))
	require.NoError(t, err)
	_, err = uc.Acquire(ctx, ResourceWorkflowInstances, "wf-4", WithPolicy(PolicyReject))
	assert.Error(t, err)

	rel1()
	rel2()
}

func TestAcquire_UnknownResourceType(t *testing.T) {
	uc := newTestGovernor(newFakeClock(), &stubProbe{}, newRecordingMetrics())

	_, err := uc.Acquire(context.Background(), ResourceType("gpu"), "job-1")
	require.Error(t, err)
	assert.Equal(t, model.CategoryValidation, model.CategoryOf(err))
}

func TestAcquire_BlockWaitsForRelease(t *testing.T) {
	clock := newFakeClock()
	uc := newTestGovernor(clock, &stubProbe{}, newRecordingMetrics())
	ctx := context.Background()

	var releases []ReleaseFunc
	for i := 0; i < 2; i++ {
		rel, err := uc.Acquire(ctx, ResourceAgentInstances, "holder", WithPolicy(PolicyReject))
		require.NoError(t, err)
		releases = append(releases, rel)
	}

	acquired := make(chan error, 1)
	go func() {
		rel, err := uc.Acquire(ctx, ResourceAgentInstances, "waiter",
			WithPolicy(PolicyBlock), WithTimeout(5*time.Second))
		if err == nil {
			defer rel()
		}
		acquired <- err
	}()

	// The waiter stays blocked until a slot frees.
	select {
	case <-acquired:
		t.Fatal("acquisition completed while at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	releases[0]()
	select {
	case err := <-acquired:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("acquisition did not complete after release")
	}
	releases[1]()
}

func TestAcquire_BlockTimesOut(t *testing.T) {
	clock := newFakeClock()
	uc := newTestGovernor(clock, &stubProbe{}, newRecordingMetrics())
	ctx := context.Background()

	rel1, _ := uc.Acquire(ctx, ResourceAgentInstances, "a", WithPolicy(PolicyReject))
	rel2, _ := uc.Acquire(ctx, ResourceAgentInstances, "b", WithPolicy(PolicyReject))
	defer rel1()
	defer rel2()

	_, err := uc.Acquire(ctx, ResourceAgentInstances, "c",
		WithPolicy(PolicyBlock), WithTimeout(20*time.Millisecond))
	require.Error(t, err)
	assert.Equal(t, model.ReasonAcquireTimeout, model.ReasonOf(err))
}

func TestAcquire_QueueServesByPriority(t *testing.T) {
	clock := newFakeClock()
	uc := newTestGovernor(clock, &stubProbe{}, newRecordingMetrics())
	ctx := context.Background()

	rel1, err := uc.Acquire(ctx, ResourceWorkflowInstances, "held-1", WithPolicy(PolicyQueue))
	require.NoError(t, err)
	rel2, err := uc.Acquire(ctx, ResourceWorkflowInstances, "held-2", WithPolicy(PolicyQueue))
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup

	enqueue := func(id string, priority int) {
		wg.Add(1)
		ready := make(chan struct{})
		go func() {
			defer wg.Done()
			close(ready)
			rel, err := uc.Acquire(ctx, ResourceWorkflowInstances, id,
				WithPolicy(PolicyQueue), WithPriority(priority), WithTimeout(5*time.Second))
			require.NoError(t, err)
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			rel()
		}()
		<-ready
		// Give the goroutine time to enqueue before the next one.
		time.Sleep(20 * time.Millisecond)
	}

	enqueue("low", 1)
	enqueue("high", 10)
	enqueue("mid", 5)

	// Freeing one slot serves the waiters one at a time in priority order:
	// each served goroutine releases its slot to the next best waiter.
	rel1()
	wg.Wait()
	rel2()

	assert.Equal(t, []string{"high", "mid", "low"}, order)
}

func TestAcquire_QueueTimeoutRemovesWaiter(t *testing.T) {
	clock := newFakeClock()
	uc := newTestGovernor(clock, &stubProbe{}, newRecordingMetrics())
	ctx := context.Background()

	rel1, _ := uc.Acquire(ctx, ResourceWorkflowInstances, "a", WithPolicy(PolicyQueue))
	rel2, _ := uc.Acquire(ctx, ResourceWorkflowInstances, "b", WithPolicy(PolicyQueue))

	_, err := uc.Acquire(ctx, ResourceWorkflowInstances, "c",
		WithPolicy(PolicyQueue), WithTimeout(20*time.Millisecond))
	require.Error(t, err)
	assert.Equal(t, model.ReasonAcquireTimeout, model.ReasonOf(err))

	// The abandoned waiter must not swallow the freed slots.
	rel1()
	rel2()
	rel3, err := uc.Acquire(ctx, ResourceWorkflowInstances, "d", WithPolicy(PolicyReject))
	require.NoError(t, err)
	rel3()
}

func TestLimits_ComeFromConfig(t *testing.T) {
	uc := newTestGovernor(newFakeClock(), &stubProbe{}, newRecordingMetrics())

	assert.Equal(t, int64(3), uc.Limit(ResourceDBConnections))
	assert.Equal(t, int64(5), uc.Limit(ResourceNetworkConnections))
	assert.Equal(t, int64(2), uc.Limit(ResourceAgentInstances))
	assert.Equal(t, int64(1), uc.Limit(ResourceMemory))
	assert.Equal(t, int64(4), uc.Limit(ResourceCPU))
	assert.Equal(t, int64(0), uc.Limit(ResourceType("gpu")))
}

func TestSetTimeout_FiresHandlerAndDeregisters(t *testing.T) {
	uc := newTestGovernor(newFakeClock(), &stubProbe{}, newRecordingMetrics())

	fired := make(chan struct{})
	uc.SetTimeout("op-1", 20*time.Millisecond, func() { close(fired) })
	assert.Equal(t, 1, uc.PendingTimeouts())

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timeout handler did not fire")
	}

	assert.Eventually(t, func() bool { return uc.PendingTimeouts() == 0 },
		time.Second, 10*time.Millisecond)
	assert.False(t, uc.ClearTimeout("op-1"))
}

func TestClearTimeout_CancelsPendingTimer(t *testing.T) {
	uc := newTestGovernor(newFakeClock(), &stubProbe{}, newRecordingMetrics())

	fired := false
	uc.SetTimeout("op-1", 50*time.Millisecond, func() { fired = true })
	assert.True(t, uc.ClearTimeout("op-1"))
	assert.Equal(t, 0, uc.PendingTimeouts())

	time.Sleep(80 * time.Millisecond)
	assert.False(t, fired)
}

func TestSetTimeout_RearmReplacesTimer(t *testing.T) {
	uc := newTestGovernor(newFakeClock(), &stubProbe{}, newRecordingMetrics())

	var mu sync.Mutex
	var fired []string
	uc.SetTimeout("op-1", 30*time.Millisecond, func() {
		mu.Lock()
		fired = append(fired, "first")
		mu.Unlock()
	})
	uc.SetTimeout("op-1", 30*time.Millisecond, func() {
		mu.Lock()
		fired = append(fired, "second")
		mu.Unlock()
	})
	assert.Equal(t, 1, uc.PendingTimeouts())

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fired) == 1 && fired[0] == "second"
	}, time.Second, 10*time.Millisecond)
}

func TestSample_RecordsUsageAndHistory(t *testing.T) {
	clock := newFakeClock()
	probe := &stubProbe{}
	probe.set(42.5, 31.0, 256)
	metrics := newRecordingMetrics()
	uc := newTestGovernor(clock, probe, metrics)

	uc.sample(context.Background())

	usage := uc.Usage()
	assert.Equal(t, 42.5, usage.MemoryPercent)
	assert.Equal(t, 31.0, usage.CPUPercent)
	assert.Equal(t, 256.0, usage.ProcessMemoryMB)
	assert.Equal(t, clock.Now(), usage.Timestamp)
	assert.Len(t, uc.UsageHistory(), 1)

	clock.Advance(25 * time.Hour)
	uc.sample(context.Background())

	// The stale sample ages out of the 24h history.
	history := uc.UsageHistory()
	require.Len(t, history, 1)
	assert.Equal(t, clock.Now(), history[0].Timestamp)
}

func TestSample_ReportsLimitViolations(t *testing.T) {
	clock := newFakeClock()
	probe := &stubProbe{}
	probe.set(95, 20, 100)
	notifier := &recordingNotifier{}
	errors := newTestErrorHandler(clock, notifier, newRecordingMetrics())

	cfg := &conf.ResourceLimits{
		MaxMemoryPercent: 80,
		MaxCPUPercent:    90,
		MaxDBConnections: 3, MaxNetworkConnections: 5,
		MaxAgentInstances: 2, MaxWorkflowInstances: 2,
	}
	uc := NewResourceGovernorUsecase(cfg, clock, probe, errors, newRecordingMetrics(), log.NewStdLogger(os.Stdout))

	uc.sample(context.Background())

	alerts := notifier.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, model.CategoryResourceLimit, alerts[0].Category)
	assert.Equal(t, model.SeverityCritical, alerts[0].Severity)
}

func TestShouldThrottle(t *testing.T) {
	clock := newFakeClock()
	probe := &stubProbe{}
	uc := newTestGovernor(clock, probe, newRecordingMetrics())
	ctx := context.Background()

	probe.set(10, 10, 100)
	uc.sample(ctx)
	assert.False(t, uc.ShouldThrottle(ResourceAgentInstances))

	// Memory above 90% of its limit triggers regardless of the type.
	probe.set(75, 10, 100)
	uc.sample(ctx)
	assert.True(t, uc.ShouldThrottle(ResourceAgentInstances))

	// CPU above 90% of its limit triggers on its own.
	probe.set(10, 85, 100)
	uc.sample(ctx)
	assert.True(t, uc.ShouldThrottle(ResourceAgentInstances))

	// Active count above 80% of the cap triggers for that type only.
	probe.set(10, 10, 100)
	uc.sample(ctx)
	rel1, _ := uc.Acquire(ctx, ResourceAgentInstances, "a", WithPolicy(PolicyReject))
	rel2, _ := uc.Acquire(ctx, ResourceAgentInstances, "b", WithPolicy(PolicyReject))
	assert.True(t, uc.ShouldThrottle(ResourceAgentInstances))
	assert.False(t, uc.ShouldThrottle(ResourceWorkflowInstances))
	rel1()
	rel2()
}

func TestStartStop_MonitorLifecycle(t *testing.T) {
	clock := newFakeClock()
	probe := &stubProbe{}
	probe.set(20, 20, 100)
	uc := newTestGovernor(clock, probe, newRecordingMetrics())

	uc.Start(context.Background())
	// Start is idempotent.
	uc.Start(context.Background())

	assert.Eventually(t, func() bool {
		return uc.Usage().Timestamp == clock.Now()
	}, time.Second, 10*time.Millisecond)

	uc.Stop()
	// Stop after Stop is a no-op.
	uc.Stop()
}
