// Package resilience protects voxnote from a misbehaving Correction Oracle.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open) that
// stops hammering a backend that keeps failing. [Chain] lines up one or more
// backends, each behind its own Breaker, and tries them in order.
// [LLMFallback] adapts a Chain of llm.Provider values back into a single
// llm.Provider so the correction client never needs to know how many
// backends are configured.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the cool-down
	// elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds tuning knobs for a [Breaker].
type BreakerConfig struct {
	// Name labels log lines and state-change callbacks.
	Name string

	// FailureThreshold is the number of consecutive failures that opens the
	// breaker. Default: 5.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before probing. Default: 30s.
	Cooldown time.Duration

	// Probes is the number of successful half-open calls needed to close the
	// breaker again. Default: 2.
	Probes int

	// OnStateChange, if set, is called after every transition. It runs with
	// the breaker's lock released.
	OnStateChange func(name string, from, to State)

	// Logger receives transition logs. Default: slog.Default().
	Logger *slog.Logger
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	inFlight  int
	successes int
}

// NewBreaker creates a [Breaker]. Zero-value config fields use defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Name returns the configured name.
func (b *Breaker) Name() string { return b.cfg.Name }

// Do runs fn unless the breaker is open.
//
// Context cancellation is not the backend's fault: an fn error that matches
// context.Canceled or context.DeadlineExceeded caused by the caller's own
// context is passed through without being counted.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	probing, err := b.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)

	var from, to State
	b.mu.Lock()
	from = b.state
	switch {
	case err == nil:
		b.onSuccess(probing)
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		if probing {
			b.inFlight--
		}
	default:
		b.onFailure(probing)
	}
	to = b.state
	b.mu.Unlock()

	if from != to {
		b.transitioned(from, to)
	}
	return err
}

// admit decides whether a call may proceed and reports whether it is a
// half-open probe.
func (b *Breaker) admit() (bool, error) {
	b.mu.Lock()
	from := b.state
	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.inFlight = 0
		b.successes = 0
	}
	if b.state == StateHalfOpen {
		if b.inFlight >= b.cfg.Probes {
			b.mu.Unlock()
			return false, ErrCircuitOpen
		}
		b.inFlight++
	}
	probing := b.state == StateHalfOpen
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.transitioned(from, to)
	}
	return probing, nil
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure(probing bool) {
	if probing {
		b.state = StateOpen
		b.openedAt = b.now()
		b.inFlight = 0
		return
	}
	b.failures++
	if b.failures >= b.cfg.FailureThreshold {
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess(probing bool) {
	if !probing {
		b.failures = 0
		return
	}
	b.inFlight--
	b.successes++
	if b.successes >= b.cfg.Probes {
		b.state = StateClosed
		b.failures = 0
		b.successes = 0
		b.inFlight = 0
	}
}

func (b *Breaker) transitioned(from, to State) {
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	b.cfg.Logger.Log(context.Background(), level, "circuit breaker state change",
		"name", b.cfg.Name, "from", from.String(), "to", to.String())
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// State returns the current state. An open breaker whose cool-down has
// elapsed reports [StateHalfOpen]; the transition itself happens on the next
// call to [Breaker.Do].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.inFlight = 0
	b.mu.Unlock()
	if from != StateClosed {
		b.transitioned(from, StateClosed)
	}
}
