package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aschepis/backscratcher/cortex/core"
	"github.com/aschepis/backscratcher/cortex/facts"
	"github.com/aschepis/backscratcher/cortex/memory"
	"github.com/aschepis/backscratcher/cortex/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker("embedder", BreakerConfig{MaxFailures: 2, Timeout: time.Hour}, nil, zerolog.Nop())

	calls := 0
	down := memory.EmbedderFunc(func(context.Context, string) ([]float32, error) {
		calls++
		return nil, errors.New("connection refused")
	})
	e := GuardEmbedder(down, b)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := e.Embed(ctx, "hello")
		require.Error(t, err)
		assert.True(t, core.IsUpstreamUnavailable(err))
	}
	assert.Equal(t, "open", b.State())

	_, err := e.Embed(ctx, "hello")
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, calls)
}

func TestBreakerIgnoresCallerErrors(t *testing.T) {
	b := NewBreaker("resolver", BreakerConfig{MaxFailures: 1, Timeout: time.Hour}, nil, zerolog.Nop())
	bad := facts.ResolverFunc(func(context.Context, facts.Match, facts.Observation) (facts.Decision, error) {
		return facts.Decision{}, &Error{Type: ErrorTypeInvalidRequest, Message: "prompt rejected"}
	})
	r := GuardResolver(bad, b)
	for i := 0; i < 3; i++ {
		_, err := r.Resolve(context.Background(), facts.Match{}, facts.Observation{})
		require.Error(t, err)
		assert.False(t, core.IsUpstreamUnavailable(err))
	}
	assert.Equal(t, "closed", b.State())
}

func TestRetryHonoursRetryable(t *testing.T) {
	wait := time.Millisecond
	attempts := 0
	flaky := ExtractorFunc(func(context.Context, Turn) ([]facts.Observation, error) {
		attempts++
		if attempts == 1 {
			return nil, NewRateLimitError("slow down", &wait, nil)
		}
		return []facts.Observation{{Subject: "user", Predicate: "likes_suburb", Object: "Manly"}}, nil
	})
	obs, err := GuardExtractor(flaky, nil).Extract(context.Background(), Turn{Text: "I like Manly"})
	require.NoError(t, err)
	assert.Len(t, obs, 1)
	assert.Equal(t, 2, attempts)

	attempts = 0
	permanent := memory.EmbedderFunc(func(context.Context, string) ([]float32, error) {
		attempts++
		return nil, NewProviderError("bad key", nil)
	})
	_, err = Retry(context.Background(), 3, func(ctx context.Context) ([]float32, error) { return permanent.Embed(ctx, "x") })
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestBreakerStateMetric(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	b := NewBreaker("summarizer", BreakerConfig{MaxFailures: 1, Timeout: time.Hour}, m, zerolog.Nop())
	s := GuardSummarizer(summarizerFunc(func(context.Context, string) (string, error) {
		return "", errors.New("timeout")
	}), b)
	_, err := s.Summarize(context.Background(), "text")
	require.Error(t, err)

	count, err := testutil.GatherAndCount(reg, "cortex_upstream_breaker_open")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

type summarizerFunc func(ctx context.Context, text string) (string, error)

func (f summarizerFunc) Summarize(ctx context.Context, text string) (string, error) { return f(ctx, text) }
