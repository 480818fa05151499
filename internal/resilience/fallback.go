package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every link of a [Chain] failed or was
// rejected by its breaker.
var ErrAllFailed = errors.New("resilience: all backends failed")

// link pairs a backend with its breaker.
type link[T any] struct {
	value   T
	breaker *Breaker
}

// Chain holds a primary backend and its ordered fallbacks, each guarded by a
// dedicated [Breaker]. Links are fixed once the chain is built, so a Chain is
// safe for concurrent use after construction.
type Chain[T any] struct {
	links []link[T]
	base  BreakerConfig
}

// NewChain creates a [Chain] with primary as its first link. base is copied
// for every link's breaker with Name replaced by the link's name.
func NewChain[T any](primaryName string, primary T, base BreakerConfig) *Chain[T] {
	c := &Chain[T]{base: base}
	c.Add(primaryName, primary)
	return c
}

// Add appends a fallback. Must not be called concurrently with [Run].
func (c *Chain[T]) Add(name string, value T) {
	cfg := c.base
	cfg.Name = name
	c.links = append(c.links, link[T]{value: value, breaker: NewBreaker(cfg)})
}

// Names returns the link names in try order.
func (c *Chain[T]) Names() []string {
	out := make([]string, len(c.links))
	for i, l := range c.links {
		out[i] = l.breaker.Name()
	}
	return out
}

// Primary returns the first link's backend.
func (c *Chain[T]) Primary() T { return c.links[0].value }

// Healthy reports whether at least one link would currently accept a call.
func (c *Chain[T]) Healthy() bool {
	for _, l := range c.links {
		if l.breaker.State() != StateOpen {
			return true
		}
	}
	return false
}

// States returns every link's breaker state keyed by name.
func (c *Chain[T]) States() map[string]State {
	out := make(map[string]State, len(c.links))
	for _, l := range c.links {
		out[l.breaker.Name()] = l.breaker.State()
	}
	return out
}

// Run tries fn against each link in order until one succeeds. Links whose
// breaker is open are skipped. Once ctx is done no further links are tried
// and the context error is returned unwrapped.
func Run[T, R any](ctx context.Context, c *Chain[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for _, l := range c.links {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		var out R
		err := l.breaker.Do(ctx, func(ctx context.Context) error {
			var innerErr error
			out, innerErr = fn(ctx, l.value)
			return innerErr
		})
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping backend, circuit open", "backend", l.breaker.Name())
			continue
		}
		slog.Warn("backend failed, trying next", "backend", l.breaker.Name(), "err", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
