package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/HorseChain/travony-sub002/internal/observability"
)

// BreakerState is the circuit position.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// CircuitOpenError is returned on calls rejected while the circuit is
// open. Callers can distinguish it from a genuine call failure and present
// "temporarily degraded" instead of a generic error.
type CircuitOpenError struct {
	Breaker    string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit %q open, retry after %s", e.Breaker, e.RetryAfter.Round(time.Millisecond))
}

// BreakerSettings tunes a single breaker. These are configuration data;
// see Registry for the per-dependency instances.
type BreakerSettings struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 2
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = 30 * time.Second
	}
	return s
}

// Breaker guards one external dependency. All state mutation is serialized
// under mu: two interleaved failures both observing "just under threshold"
// must not both skip the open transition.
type Breaker struct {
	name     string
	settings BreakerSettings
	log      *slog.Logger

	mu           sync.Mutex
	state        BreakerState
	failures     int
	successes    int
	lastFailure  time.Time
	trialRunning bool

	now func() time.Time
}

func NewBreaker(name string, settings BreakerSettings, log *slog.Logger) *Breaker {
	if log == nil {
		log = slog.Default()
	}
	return &Breaker{
		name:     name,
		settings: settings.withDefaults(),
		log:      log,
		state:    StateClosed,
		now:      time.Now,
	}
}

func (b *Breaker) Name() string { return b.name }

// State reports the current circuit position (after applying any due
// open→half_open move).
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()
	return b.state
}

// Execute runs fn if the circuit admits it. In half_open a single trial
// call is admitted at a time; concurrent callers fail fast as if open.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		observability.BreakerRejections.WithLabelValues(b.name).Inc()
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpen()

	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.trialRunning {
			return &CircuitOpenError{Breaker: b.name, RetryAfter: b.retryAfter()}
		}
		b.trialRunning = true
		return nil
	default:
		return &CircuitOpenError{Breaker: b.name, RetryAfter: b.retryAfter()}
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialRunning = false

	if err != nil {
		b.failures++
		b.successes = 0
		b.lastFailure = b.now()
		switch b.state {
		case StateHalfOpen:
			// A single failed trial reopens immediately.
			b.transition(StateOpen)
		case StateClosed:
			if b.failures >= b.settings.FailureThreshold {
				b.transition(StateOpen)
			}
		}
		return
	}

	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.settings.SuccessThreshold {
			b.failures = 0
			b.successes = 0
			b.transition(StateClosed)
		}
	case StateClosed:
		b.failures = 0
	}
}

// maybeHalfOpen moves open→half_open once the reset timeout has elapsed.
// Caller holds mu.
func (b *Breaker) maybeHalfOpen() {
	if b.state == StateOpen && b.now().Sub(b.lastFailure) >= b.settings.ResetTimeout {
		b.successes = 0
		b.transition(StateHalfOpen)
	}
}

// retryAfter is the remaining cooldown. Caller holds mu.
func (b *Breaker) retryAfter() time.Duration {
	remaining := b.settings.ResetTimeout - b.now().Sub(b.lastFailure)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// transition flips state and makes the move observable. Caller holds mu.
func (b *Breaker) transition(to BreakerState) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	observability.BreakerTransitions.WithLabelValues(b.name, string(to)).Inc()
	if to == StateOpen {
		b.log.Warn("circuit opened", "breaker", b.name, "from", from, "failures", b.failures)
		return
	}
	b.log.Info("circuit transition", "breaker", b.name, "from", from, "to", to)
}
