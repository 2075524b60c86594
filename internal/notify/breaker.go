package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/stagehand/internal/observability"
	"github.com/pitabwire/stagehand/model"
)

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	// BreakerClosed passes notifications through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen drops notifications without calling the wrapped notifier.
	BreakerOpen
	// BreakerHalfOpen lets notifications through to test recovery.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned while the breaker rejects notifications.
var ErrBreakerOpen = errors.New("notification circuit breaker is open")

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithBreakerLogger sets the logger used for state changes.
func WithBreakerLogger(l *zap.Logger) BreakerOption {
	return func(b *Breaker) { b.logger = l }
}

// WithBreakerMetrics records outcomes and state on m.
func WithBreakerMetrics(m *observability.Metrics) BreakerOption {
	return func(b *Breaker) { b.metrics = m }
}

// WithBreakerClock overrides the time source.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// Breaker wraps a Notifier so a failing sink stops being called for a
// cool-down period. Closed trips to Open after failureThreshold consecutive
// failures; Open moves to HalfOpen after timeout; HalfOpen closes after
// successThreshold consecutive successes and reopens on any failure.
type Breaker struct {
	next    Notifier
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time

	failureThreshold int
	successThreshold int
	timeout          time.Duration

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
}

// NewBreaker wraps next. Non-positive thresholds default to 5 failures,
// 2 successes and a 30s cool-down.
func NewBreaker(next Notifier, failureThreshold, successThreshold int, timeout time.Duration, opts ...BreakerOption) *Breaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if successThreshold < 1 {
		successThreshold = 2
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	b := &Breaker{
		next:             next,
		logger:           zap.NewNop(),
		now:              time.Now,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
	}
	for _, o := range opts {
		o(b)
	}
	b.metrics.SetNotifierBreakerState(float64(BreakerClosed))
	return b
}

// Notify forwards to the wrapped notifier unless the breaker is open.
func (b *Breaker) Notify(ctx context.Context, channels []string, summary model.ExecutionSummary) error {
	if err := b.allow(); err != nil {
		b.metrics.RecordNotification("rejected")
		return err
	}
	if err := b.next.Notify(ctx, channels, summary); err != nil {
		b.recordFailure()
		b.metrics.RecordNotification("failed")
		return err
	}
	b.recordSuccess()
	b.metrics.RecordNotification("success")
	return nil
}

// HealthCheck delegates to the wrapped notifier when it supports it.
func (b *Breaker) HealthCheck(ctx context.Context) error {
	if hc, ok := b.next.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	if b.state == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.setStateLocked(BreakerClosed)
		}
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.setStateLocked(BreakerOpen)
		}
	case BreakerHalfOpen:
		b.setStateLocked(BreakerOpen)
	}
}

// maybeHalfOpenLocked moves Open to HalfOpen once the cool-down elapsed.
func (b *Breaker) maybeHalfOpenLocked() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) > b.timeout {
		b.setStateLocked(BreakerHalfOpen)
	}
}

func (b *Breaker) setStateLocked(s BreakerState) {
	if b.state == s {
		return
	}
	prev := b.state
	b.state = s
	b.failures = 0
	b.successes = 0
	if s == BreakerOpen {
		b.openedAt = b.now()
	}
	b.metrics.SetNotifierBreakerState(float64(s))
	b.logger.Warn("notification breaker state changed",
		zap.String("from", prev.String()),
		zap.String("to", s.String()),
	)
}
