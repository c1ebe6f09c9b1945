package biz

import (
	"context"
	"sync"
	"time"

	"AgentGuard/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// CircuitState is the breaker state machine position.
type CircuitState string

const (
	// CircuitClosed allows calls through and counts failures.
	CircuitClosed CircuitState = "CLOSED"
	// CircuitOpen rejects calls without invoking the operation.
	CircuitOpen CircuitState = "OPEN"
	// CircuitHalfOpen lets a probe call through to test recovery.
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// CircuitBreakerConfig configures one breaker instance.
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens the
	// circuit.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before the next
	// call is allowed through as a half-open probe.
	RecoveryTimeout time.Duration
}

// StateChangeFunc observes breaker transitions.
type StateChangeFunc func(name string, from, to CircuitState, failureCount int, lastErr error)

// CircuitBreaker is a per-operation failure isolation state machine.
// There is no background timer: the OPEN to HALF_OPEN transition happens
// lazily on the first call after the recovery timeout elapses.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	clock  Clock
	logger *log.Helper

	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	lastFailureTime time.Time
	lastError       error
	onStateChange   StateChangeFunc
}

// CircuitBreakerStats is a copied-out snapshot of breaker state.
type CircuitBreakerStats struct {
	Name            string
	State           CircuitState
	FailureCount    int
	LastFailureTime time.Time
}

// NewCircuitBreaker creates a breaker in the CLOSED state.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, clock Clock, logger log.Logger) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		clock:  clock,
		logger: log.NewHelper(logger),
		state:  CircuitClosed,
	}
}

// OnStateChange registers a transition observer. The hook runs outside the
// breaker lock.
func (cb *CircuitBreaker) OnStateChange(fn StateChangeFunc) {
	cb.mu.Lock()
	cb.onStateChange = fn
	cb.mu.Unlock()
}

// newOpenCircuitError builds the typed rejection returned while OPEN.
func newOpenCircuitError(name string) error {
	return model.NewError(model.CategoryExternalAPI, model.SeverityWarning, model.ReasonCircuitOpen,
		"circuit breaker %s is open", name)
}

// Call runs op under the breaker. While OPEN and within the recovery
// timeout it returns a circuit-open error without invoking op. The first
// call after the timeout transitions to HALF_OPEN and is attempted: success
// closes the circuit and resets the failure count, failure re-opens it.
func (cb *CircuitBreaker) Call(ctx context.Context, op func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cb.mu.Lock()
	var notifyProbe func()
	if cb.state == CircuitOpen {
		if cb.clock.Now().Sub(cb.lastFailureTime) < cb.config.RecoveryTimeout {
			cb.mu.Unlock()
			return newOpenCircuitError(cb.name)
		}
		notifyProbe = cb.transitionLocked(CircuitHalfOpen, nil)
	}
	cb.mu.Unlock()
	if notifyProbe != nil {
		notifyProbe()
	}

	err := op(ctx)

	cb.mu.Lock()
	var notify func()
	if err != nil {
		cb.failureCount++
		cb.lastFailureTime = cb.clock.Now()
		cb.lastError = err
		switch cb.state {
		case CircuitHalfOpen:
			notify = cb.transitionLocked(CircuitOpen, err)
		case CircuitClosed:
			if cb.failureCount >= cb.config.FailureThreshold {
				notify = cb.transitionLocked(CircuitOpen, err)
			}
		}
	} else {
		cb.failureCount = 0
		if cb.state != CircuitClosed {
			notify = cb.transitionLocked(CircuitClosed, nil)
		}
	}
	cb.mu.Unlock()

	if notify != nil {
		notify()
	}
	return err
}

// transitionLocked changes state and returns the deferred observer call.
// Callers must hold cb.mu and invoke the returned func after unlocking.
func (cb *CircuitBreaker) transitionLocked(to CircuitState, lastErr error) func() {
	from := cb.state
	if from == to {
		return nil
	}
	cb.state = to
	cb.logger.Warnw("msg", "circuit breaker state change",
		"breaker", cb.name,
		"from", string(from),
		"to", string(to),
		"failure_count", cb.failureCount,
		"type", "circuit")

	fn := cb.onStateChange
	if fn == nil {
		return nil
	}
	count := cb.failureCount
	name := cb.name
	return func() { fn(name, from, to, count, lastErr) }
}

// State returns the current state without forcing a lazy transition.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns a snapshot of the breaker.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		Name:            cb.name,
		State:           cb.state,
		FailureCount:    cb.failureCount,
		LastFailureTime: cb.lastFailureTime,
	}
}
