package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"clawbridge/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures BreakerCaller.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive transport failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before a half-open probe.
	Timeout time.Duration
	// Interval clears the failure counts while closed. Zero keeps the default.
	Interval time.Duration
}

// BreakerCaller wraps a Caller with a circuit breaker. Only transport
// failures (dial, handshake, timeout, closed socket) count against the
// gateway; application errors returned by the gateway do not.
type BreakerCaller struct {
	inner   domain.Caller
	breaker *gobreaker.CircuitBreaker[json.RawMessage]
}

// NewBreakerCaller wraps inner with a circuit breaker.
func NewBreakerCaller(inner domain.Caller, cfg BreakerConfig, logger *slog.Logger) *BreakerCaller {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:        "gateway",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return !domain.IsTransportError(err)
		},
	})

	return &BreakerCaller{inner: inner, breaker: cb}
}

// Request implements domain.Caller.
func (b *BreakerCaller) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	payload, err := b.breaker.Execute(func() (json.RawMessage, error) {
		return b.inner.Request(ctx, method, params)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s: %v", domain.ErrCircuitOpen, method, err)
		}
		return nil, err
	}
	return payload, nil
}

// State returns the breaker state for monitoring.
func (b *BreakerCaller) State() gobreaker.State {
	return b.breaker.State()
}

// LimitedCaller throttles requests with a token bucket. Callers wait for a
// token until their context is done.
type LimitedCaller struct {
	inner   domain.Caller
	limiter *rate.Limiter
}

// NewLimitedCaller allows perSecond requests per second with the given burst.
func NewLimitedCaller(inner domain.Caller, perSecond float64, burst int) *LimitedCaller {
	if burst <= 0 {
		burst = 1
	}
	return &LimitedCaller{inner: inner, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Request implements domain.Caller.
func (l *LimitedCaller) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrRateLimit, method, err)
	}
	return l.inner.Request(ctx, method, params)
}

// Compile-time interface checks.
var (
	_ domain.Caller = (*Client)(nil)
	_ domain.Caller = (*BreakerCaller)(nil)
	_ domain.Caller = (*LimitedCaller)(nil)
)
