package ai

import (
	"context"
	"time"

	"storyforge/internal/domain/ports/adapter"
	red "storyforge/internal/infra/redis"
)

// Compile-time check
var _ adapter.Generator = (*limitedGenerator)(nil)

// limitedGenerator wraps a Generator with a redis fixed-window rate limit so
// concurrent runs across scopes share one provider budget. It waits rather
// than fails when the window is exhausted.
type limitedGenerator struct {
	inner   adapter.Generator
	limiter *red.RateLimiter
	perMin  int
}

func NewLimitedGenerator(inner adapter.Generator, limiter *red.RateLimiter, perMin int) adapter.Generator {
	if limiter == nil || perMin <= 0 {
		return inner
	}
	return &limitedGenerator{inner: inner, limiter: limiter, perMin: perMin}
}

func (l *limitedGenerator) Name() string { return l.inner.Name() }

func (l *limitedGenerator) Generate(ctx context.Context, req adapter.GenerationRequest) (*adapter.GenerationResult, error) {
	key := red.ProviderKey(l.inner.Name())
	for {
		ok, err := l.limiter.Allow(ctx, key, l.perMin, time.Minute)
		if err != nil {
			// Limiter outage must not stall the run chain.
			break
		}
		if ok {
			break
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return l.inner.Generate(ctx, req)
}
