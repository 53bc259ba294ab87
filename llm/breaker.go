package llm

import (
	"context"
	"errors"
	"time"

	"github.com/aschepis/backscratcher/cortex/metrics"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned while a breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig tunes a Breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures uint32

	// Timeout is how long the circuit stays open before letting a probe through.
	Timeout time.Duration

	// HalfOpenMaxSuccesses is the number of probe successes that close the circuit.
	HalfOpenMaxSuccesses uint32
}

// DefaultBreakerConfig returns the breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:          3,
		Timeout:              30 * time.Second,
		HalfOpenMaxSuccesses: 2,
	}
}

// Breaker stops calling an upstream that keeps failing, so recall and remember degrade
// quickly instead of waiting on a dead model server.
type Breaker struct {
	name    string
	breaker *gobreaker.CircuitBreaker
}

// NewBreaker creates a breaker for the named upstream. m may be nil.
func NewBreaker(name string, cfg BreakerConfig, m *metrics.Metrics, logger zerolog.Logger) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.HalfOpenMaxSuccesses == 0 {
		cfg.HalfOpenMaxSuccesses = def.HalfOpenMaxSuccesses
	}
	logger = logger.With().Str("component", "breaker").Str("upstream", name).Logger()
	m.BreakerState(name, false)
	return &Breaker{
		name: name,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: cfg.HalfOpenMaxSuccesses,
			Timeout:     cfg.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.MaxFailures
			},
			// Caller mistakes and cancellations say nothing about upstream health.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled) || isCallerError(err)
			},
			OnStateChange: func(_ string, from, to gobreaker.State) {
				logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
				m.BreakerState(name, to == gobreaker.StateOpen)
			},
		}),
	}
}

// Name returns the upstream name.
func (b *Breaker) Name() string { return b.name }

// State returns "closed", "open" or "half-open".
func (b *Breaker) State() string { return b.breaker.State().String() }

// Do runs fn through b. Failures, including a rejected call, are returned as
// UpstreamUnavailable errors.
func Do[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	if b == nil {
		v, err := fn(ctx)
		if err != nil && !isCallerError(err) {
			return v, Unavailable("llm", err)
		}
		return v, err
	}
	out, err := b.breaker.Execute(func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, Unavailable(b.name, ErrCircuitOpen)
		}
		if isCallerError(err) || errors.Is(err, context.Canceled) {
			return zero, err
		}
		return zero, Unavailable(b.name, err)
	}
	v, _ := out.(T)
	return v, nil
}

func isCallerError(err error) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type == ErrorTypeInvalidRequest || llmErr.Type == ErrorTypeRequestTooLarge
	}
	return false
}
