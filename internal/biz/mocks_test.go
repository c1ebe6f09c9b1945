package biz

import (
	"context"
	"sync"
	"time"

	"AgentGuard/internal/model"

	"github.com/stretchr/testify/mock"
)

// fakeClock is a manually advanced clock. Sleep advances the clock
// instead of blocking so retry and breaker tests run instantly.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return nil
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// MockStateRepo is a mock implementation of StateRepo for testing.
type MockStateRepo struct {
	mock.Mock
}

func (m *MockStateRepo) Upsert(ctx context.Context, record *model.StateRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockStateRepo) QueryLatest(ctx context.Context, stateID, tenantID string) (*model.StateRecord, error) {
	args := m.Called(ctx, stateID, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.StateRecord), args.Error(1)
}

func (m *MockStateRepo) DeleteOlderThan(ctx context.Context, tenantID string, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, tenantID, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

// MockCheckpointRepo is a mock implementation of CheckpointRepo for testing.
type MockCheckpointRepo struct {
	mock.Mock
}

func (m *MockCheckpointRepo) Append(ctx context.Context, scope string, cp *model.Checkpoint) error {
	args := m.Called(ctx, scope, cp)
	return args.Error(0)
}

func (m *MockCheckpointRepo) Get(ctx context.Context, scope string, index int) (*model.Checkpoint, error) {
	args := m.Called(ctx, scope, index)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Checkpoint), args.Error(1)
}

func (m *MockCheckpointRepo) Count(ctx context.Context, scope string) (int64, error) {
	args := m.Called(ctx, scope)
	return args.Get(0).(int64), args.Error(1)
}

// recordingMetrics counts RecordMetric calls per metric name.
type recordingMetrics struct {
	mu        sync.Mutex
	counts    map[string]float64
	durations map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		counts:    make(map[string]float64),
		durations: make(map[string]int),
	}
}

func (r *recordingMetrics) RecordMetric(name string, value float64, tags map[string]string) {
	r.mu.Lock()
	r.counts[name] += value
	r.mu.Unlock()
}

func (r *recordingMetrics) ObserveDuration(name string, d time.Duration, tags map[string]string) {
	r.mu.Lock()
	r.durations[name]++
	r.mu.Unlock()
}

func (r *recordingMetrics) Count(name string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}

// recordingNotifier captures alert and circuit events.
type recordingNotifier struct {
	mu        sync.Mutex
	alerts    []*model.AlertEvent
	broken    []*model.CircuitBrokenEvent
	recovered []*model.CircuitRecoveredEvent
}

func (n *recordingNotifier) SendAlert(ctx context.Context, event *model.AlertEvent) error {
	n.mu.Lock()
	n.alerts = append(n.alerts, event)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) NotifyCircuitBroken(ctx context.Context, event *model.CircuitBrokenEvent) error {
	n.mu.Lock()
	n.broken = append(n.broken, event)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) NotifyCircuitRecovered(ctx context.Context, event *model.CircuitRecoveredEvent) error {
	n.mu.Lock()
	n.recovered = append(n.recovered, event)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) Alerts() []*model.AlertEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*model.AlertEvent(nil), n.alerts...)
}

func (n *recordingNotifier) Broken() []*model.CircuitBrokenEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*model.CircuitBrokenEvent(nil), n.broken...)
}

func (n *recordingNotifier) Recovered() []*model.CircuitRecoveredEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*model.CircuitRecoveredEvent(nil), n.recovered...)
}

// stubProbe returns fixed readings.
type stubProbe struct {
	mu        sync.Mutex
	memory    float64
	cpu       float64
	processMB float64
}

func (p *stubProbe) SampleMemoryPercent() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.memory, nil
}

func (p *stubProbe) SampleProcessMemoryMB() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processMB, nil
}

func (p *stubProbe) SampleCPUPercent() (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cpu, nil
}

func (p *stubProbe) set(memory, cpu, processMB float64) {
	p.mu.Lock()
	p.memory = memory
	p.cpu = cpu
	p.processMB = processMB
	p.mu.Unlock()
}
