package queryengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var breakerState = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "segments_query_engine_breaker_state",
	Help: "Query engine circuit state (0 closed, 1 open, 2 half-open)",
})

// CircuitState represents the current state of the circuit breaker.
type CircuitState int

const (
	// CircuitClosed means calls flow through to the engine.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the engine looked down and calls fail fast.
	CircuitOpen
	// CircuitHalfOpen means a single trial call is testing whether the engine is back.
	CircuitHalfOpen
)

// String returns a human-readable string for the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds configuration for the circuit breaker.
type BreakerConfig struct {
	// Threshold is the number of consecutive unreachable results before the circuit trips.
	// Zero disables the breaker.
	Threshold int
	// ResetAfter is how long the circuit stays open before a trial call is let through.
	ResetAfter time.Duration
}

// DefaultBreakerConfig returns the defaults used when nothing is configured.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:  5,
		ResetAfter: 30 * time.Second,
	}
}

// CircuitBreaker trips open after N consecutive unreachable results and lets one
// trial call through once ResetAfter has passed.
type CircuitBreaker struct {
	mu               sync.Mutex
	consecutiveFails int
	threshold        int
	resetAfter       time.Duration
	lastFailure      time.Time
	state            CircuitState
	now              func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:  cfg.Threshold,
		resetAfter: cfg.ResetAfter,
		state:      CircuitClosed,
		now:        time.Now,
	}
}

// Allow reports whether a call may proceed. The returned error explains a refusal.
func (cb *CircuitBreaker) Allow() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true, nil
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailure) > cb.resetAfter {
			cb.setState(CircuitHalfOpen)
			return true, nil
		}
		return false, fmt.Errorf("circuit breaker open: query engine appears to be down (failed %d times, last failure %v ago)",
			cb.consecutiveFails, cb.now().Sub(cb.lastFailure).Round(time.Second))
	case CircuitHalfOpen:
		return false, errors.New("circuit breaker half-open: testing if query engine has recovered")
	default:
		return false, fmt.Errorf("circuit breaker in unknown state: %v", cb.state)
	}
}

// RecordSuccess resets the failure count and closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFails = 0
	cb.setState(CircuitClosed)
}

// RecordFailure increments the failure count and trips the circuit if threshold is reached.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFails++
	cb.lastFailure = cb.now()

	if cb.state == CircuitHalfOpen || cb.consecutiveFails >= cb.threshold {
		cb.setState(CircuitOpen)
	}
}

// Release gives back a half-open trial call whose caller went away before the engine answered.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen {
		cb.setState(CircuitOpen)
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// ConsecutiveFailures returns the current count of consecutive failures.
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFails
}

func (cb *CircuitBreaker) setState(s CircuitState) {
	cb.state = s
	breakerState.Set(float64(s))
}

type breakerClient struct {
	next    Client
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewBreakerClient wraps next with a circuit breaker. Only unreachable results count
// as failures; a rejection or a missing view means the engine answered.
// A zero Threshold returns next unchanged.
func NewBreakerClient(next Client, cfg BreakerConfig, logger *zap.Logger) Client {
	if cfg.Threshold <= 0 {
		return next
	}
	return &breakerClient{
		next:    next,
		breaker: NewCircuitBreaker(cfg),
		logger:  logger.Named("query_engine_breaker"),
	}
}

var _ Client = (*breakerClient)(nil)

func (c *breakerClient) GenerateView(ctx context.Context, segmentID uuid.UUID, description string, asOf time.Time) (*ViewDefinition, error) {
	if err := c.admit(PhaseGenerate); err != nil {
		return nil, err
	}
	def, err := c.next.GenerateView(ctx, segmentID, description, asOf)
	c.record(ctx, PhaseGenerate, err)
	return def, err
}

func (c *breakerClient) ExecuteView(ctx context.Context, viewName string) (*ViewResult, error) {
	if err := c.admit(PhaseExecute); err != nil {
		return nil, err
	}
	res, err := c.next.ExecuteView(ctx, viewName)
	c.record(ctx, PhaseExecute, err)
	return res, err
}

func (c *breakerClient) RefreshView(ctx context.Context, segmentID uuid.UUID, originalDescription string, asOf time.Time) (*ViewDefinition, error) {
	if err := c.admit(PhaseRefresh); err != nil {
		return nil, err
	}
	def, err := c.next.RefreshView(ctx, segmentID, originalDescription, asOf)
	c.record(ctx, PhaseRefresh, err)
	return def, err
}

func (c *breakerClient) admit(phase Phase) error {
	ok, reason := c.breaker.Allow()
	if ok {
		return nil
	}
	return &Error{Kind: KindUnreachable, Phase: phase, Detail: reason.Error()}
}

func (c *breakerClient) record(ctx context.Context, phase Phase, err error) {
	var engErr *Error
	switch {
	case err == nil:
		c.breaker.RecordSuccess()
	case ctx.Err() != nil:
		c.breaker.Release()
	case errors.As(err, &engErr) && engErr.Kind == KindUnreachable:
		c.breaker.RecordFailure()
		if c.breaker.State() == CircuitOpen {
			c.logger.Warn("Query engine circuit open",
				zap.String("phase", string(phase)),
				zap.Int("consecutive_failures", c.breaker.ConsecutiveFailures()))
		}
	default:
		c.breaker.RecordSuccess()
	}
}
