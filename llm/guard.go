package llm

import (
	"context"
	"time"

	"github.com/aschepis/backscratcher/cortex/facts"
	"github.com/aschepis/backscratcher/cortex/memory"
	"github.com/cenkalti/backoff/v4"
)

// Turn is one conversation turn handed to an extractor.
type Turn struct {
	UserID string `json:"userId,omitempty"`
	Text   string `json:"text"`

	// Reply is the agent's answer to Text, when there was one.
	Reply string `json:"reply,omitempty"`
}

// Extractor pulls fact candidates out of a conversation turn.
type Extractor interface {
	Extract(ctx context.Context, turn Turn) ([]facts.Observation, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, turn Turn) ([]facts.Observation, error)

// Extract calls f.
func (f ExtractorFunc) Extract(ctx context.Context, turn Turn) ([]facts.Observation, error) {
	return f(ctx, turn)
}

type guardedEmbedder struct {
	next    memory.Embedder
	breaker *Breaker
}

// GuardEmbedder routes e through b.
func GuardEmbedder(e memory.Embedder, b *Breaker) memory.Embedder {
	return guardedEmbedder{next: e, breaker: b}
}

func (g guardedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return Do(ctx, g.breaker, func(ctx context.Context) ([]float32, error) {
		return Retry(ctx, 2, func(ctx context.Context) ([]float32, error) { return g.next.Embed(ctx, text) })
	})
}

type guardedExtractor struct {
	next    Extractor
	breaker *Breaker
}

// GuardExtractor routes x through b.
func GuardExtractor(x Extractor, b *Breaker) Extractor {
	return guardedExtractor{next: x, breaker: b}
}

func (g guardedExtractor) Extract(ctx context.Context, turn Turn) ([]facts.Observation, error) {
	return Do(ctx, g.breaker, func(ctx context.Context) ([]facts.Observation, error) {
		return Retry(ctx, 2, func(ctx context.Context) ([]facts.Observation, error) { return g.next.Extract(ctx, turn) })
	})
}

type guardedResolver struct {
	next    facts.Resolver
	breaker *Breaker
}

// GuardResolver routes r through b.
func GuardResolver(r facts.Resolver, b *Breaker) facts.Resolver {
	return guardedResolver{next: r, breaker: b}
}

func (g guardedResolver) Resolve(ctx context.Context, match facts.Match, candidate facts.Observation) (facts.Decision, error) {
	return Do(ctx, g.breaker, func(ctx context.Context) (facts.Decision, error) {
		return Retry(ctx, 1, func(ctx context.Context) (facts.Decision, error) { return g.next.Resolve(ctx, match, candidate) })
	})
}

type guardedSummarizer struct {
	next    memory.Summarizer
	breaker *Breaker
}

// GuardSummarizer routes s through b.
func GuardSummarizer(s memory.Summarizer, b *Breaker) memory.Summarizer {
	return guardedSummarizer{next: s, breaker: b}
}

func (g guardedSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	return Do(ctx, g.breaker, func(ctx context.Context) (string, error) {
		return Retry(ctx, 1, func(ctx context.Context) (string, error) { return g.next.Summarize(ctx, text) })
	})
}

// maxRetryWait caps a provider's retry-after hint. Foreground calls never wait longer.
const maxRetryWait = 5 * time.Second

// Retry calls fn again after retryable failures, up to maxRetries times, starting from
// the provider's retry-after hint when it gave one.
func Retry[T any](ctx context.Context, maxRetries uint64, fn func(ctx context.Context) (T, error)) (T, error) {
	var b backoff.BackOff
	for {
		v, err := fn(ctx)
		if err == nil || !IsRetryableError(err) {
			return v, err
		}
		if b == nil {
			b = newRetryBackOff(ExtractRetryAfter(err), maxRetries)
		}
		d := b.NextBackOff()
		if d == backoff.Stop {
			return v, err
		}
		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-time.After(d):
		}
	}
}

func newRetryBackOff(retryAfter *time.Duration, maxRetries uint64) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	if retryAfter != nil && *retryAfter > 0 {
		eb.InitialInterval = min(*retryAfter, maxRetryWait)
	}
	eb.MaxInterval = maxRetryWait
	eb.MaxElapsedTime = 15 * time.Second
	eb.Reset()
	return backoff.WithMaxRetries(eb, maxRetries)
}
