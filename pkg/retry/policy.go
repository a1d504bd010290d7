// Package retry decides whether and how long to wait before retrying a
// failed provider step.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/harun/relay/internal/observability"
	"github.com/harun/relay/pkg/failure"
	"github.com/rs/zerolog"
)

// Config holds retry limits. Zero values take the defaults.
type Config struct {
	// Initial is the first backoff delay when no server hint is present.
	Initial time.Duration
	Factor  float64
	// MaxDelay caps one backoff delay when the failure carried response headers.
	MaxDelay time.Duration
	// MaxDelayNoHeaders caps one backoff delay for bare connection failures.
	MaxDelayNoHeaders time.Duration
	// Timeout is the total retry budget per error class, and the largest
	// server hint that will be honored.
	Timeout   time.Duration
	MaxJitter float64

	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
	// Sleep performs the wait in Wait. Defaults to a cancellable timer.
	Sleep  func(ctx context.Context, d time.Duration) error
	Now    func() time.Time
	Logger zerolog.Logger
}

// DefaultConfig returns the default retry limits.
func DefaultConfig() Config {
	return Config{
		Initial:           2 * time.Second,
		Factor:            2,
		MaxDelay:          20 * time.Minute,
		MaxDelayNoHeaders: 30 * time.Second,
		Timeout:           7 * 24 * time.Hour,
		MaxJitter:         0.1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Initial <= 0 {
		c.Initial = d.Initial
	}
	if c.Factor < 1 {
		c.Factor = d.Factor
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelayNoHeaders <= 0 {
		c.MaxDelayNoHeaders = d.MaxDelayNoHeaders
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxJitter <= 0 {
		c.MaxJitter = d.MaxJitter
	}
	if c.Rand == nil {
		c.Rand = rand.Float64
	}
	if c.Sleep == nil {
		c.Sleep = sleep
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Decision is the outcome of Decide.
type Decision struct {
	Retry  bool
	Delay  time.Duration
	Reason string
	Class  failure.Class
	// Attempt is the attempt number the delay was computed for.
	Attempt int
}

// State tracks retry time spent on one error class for one session.
type State struct {
	Class       failure.Class
	WindowStart time.Time
	Elapsed     time.Duration
	Attempts    int
}

// Policy is safe for concurrent use by independent sessions.
type Policy struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	states map[string]*State
}

// New creates a retry policy.
func New(cfg Config) *Policy {
	observability.EnsureRegistered()
	cfg = cfg.withDefaults()
	return &Policy{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "retry").Logger(),
		states: make(map[string]*State),
	}
}

// Config returns the effective configuration.
func (p *Policy) Config() Config { return p.cfg }

// Decide classifies err and returns whether to retry and after what delay.
// attempt is 1 for the first retry of the current failure streak; values
// below 1 fall back to the attempt count kept in the session state, which
// restarts whenever the error class changes.
func (p *Policy) Decide(err error, attempt int, sessionID string) Decision {
	fe := failure.From(err)
	if fe == nil {
		return Decision{Reason: "no error"}
	}

	class := fe.Class()
	if !class.Retryable() {
		observability.RecordGiveUp(string(class))
		return Decision{Class: class, Reason: fmt.Sprintf("%s is not retryable", fe.Kind)}
	}

	p.mu.Lock()
	st := p.states[sessionID]
	if st == nil || st.Class != class {
		st = &State{Class: class, WindowStart: p.cfg.Now()}
		p.states[sessionID] = st
	}
	st.Attempts++
	if attempt < 1 {
		attempt = st.Attempts
	}
	elapsed := st.Elapsed
	p.mu.Unlock()

	var delay time.Duration
	if fe.HasHint() {
		if fe.RetryAfter > p.cfg.Timeout {
			return p.giveUp(class, sessionID, "retry-after %s exceeds max retry timeout %s", fe.RetryAfter, p.cfg.Timeout)
		}
		// A hint within the budget is honored even when jitter would
		// push it past the budget.
		delay = min(p.jitter(fe.RetryAfter), p.cfg.Timeout)
	} else {
		delay = p.jitter(p.backoff(attempt, fe.HasHeaders))
	}

	if elapsed+delay > p.cfg.Timeout {
		return p.giveUp(class, sessionID, "retry budget for %s exhausted after %s", class, elapsed)
	}

	observability.RecordRetry(string(class))
	p.logger.Debug().
		Str("session_id", sessionID).
		Str("class", string(class)).
		Int("attempt", attempt).
		Dur("delay", delay).
		Bool("hinted", fe.HasHint()).
		Msg("Retry scheduled")

	return Decision{
		Retry:   true,
		Delay:   delay,
		Class:   class,
		Reason:  fmt.Sprintf("%s, attempt %d", fe.Kind, attempt),
		Attempt: attempt,
	}
}

func (p *Policy) giveUp(class failure.Class, sessionID, format string, args ...any) Decision {
	reason := fmt.Sprintf(format, args...)
	observability.RecordGiveUp(string(class))
	p.logger.Warn().
		Str("session_id", sessionID).
		Str("class", string(class)).
		Str("reason", reason).
		Msg("Giving up")
	return Decision{Class: class, Reason: reason}
}

// backoff returns min(Initial*Factor^(attempt-1), cap).
func (p *Policy) backoff(attempt int, hasHeaders bool) time.Duration {
	limit := p.cfg.MaxDelayNoHeaders
	if hasHeaders {
		limit = p.cfg.MaxDelay
	}
	d := float64(p.cfg.Initial) * math.Pow(p.cfg.Factor, float64(attempt-1))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(limit) {
		return limit
	}
	return time.Duration(d)
}

func (p *Policy) jitter(d time.Duration) time.Duration {
	j := p.cfg.Rand() * p.cfg.MaxJitter
	return time.Duration(float64(d) * (1 + j))
}

// Wait blocks for d or until ctx is done, and charges the time waited to
// the session's current retry state.
func (p *Policy) Wait(ctx context.Context, sessionID string, d time.Duration) error {
	start := p.cfg.Now()
	err := p.cfg.Sleep(ctx, d)
	waited := p.cfg.Now().Sub(start)
	if err == nil && waited < d {
		// Injected sleepers may return early; charge the full delay.
		waited = d
	}

	p.mu.Lock()
	class := failure.Class("")
	if st := p.states[sessionID]; st != nil {
		st.Elapsed += waited
		class = st.Class
	}
	p.mu.Unlock()

	observability.RecordRetryWait(string(class), waited)
	return err
}

// Reset drops the session's retry state. Call it after a successful step
// and when the session ends.
func (p *Policy) Reset(sessionID string) {
	p.mu.Lock()
	delete(p.states, sessionID)
	p.mu.Unlock()
}

// State returns a copy of the session's retry state.
func (p *Policy) State(sessionID string) (State, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.states[sessionID]
	if !ok {
		return State{}, false
	}
	return *st, true
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
