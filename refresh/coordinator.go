package refresh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/jrsteele09/go-auth-session/internal/errors"
	"github.com/jrsteele09/go-auth-session/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultWaitTimeout bounds how long a caller queues behind an in-flight refresh.
const DefaultWaitTimeout = 10 * time.Second

// Func performs the refresh network call. It must persist the rotated tokens before
// returning so that waiters resolved with the new access token find it in the store.
type Func func(ctx context.Context) (accessToken string, err error)

// Outcome is what every waiter of a refresh attempt receives.
type Outcome struct {
	AccessToken string
	Err         error
}

// Callback receives the outcome of the refresh a caller joined. It is invoked exactly once,
// outside the coordinator's lock.
type Callback func(Outcome)

// State of the coordinator.
type State int

const (
	StateIdle State = iota
	StateRefreshing
)

func (s State) String() string {
	if s == StateRefreshing {
		return "refreshing"
	}
	return "idle"
}

type waiter struct {
	cb       Callback
	timer    *time.Timer
	resolved bool
}

// Coordinator guarantees that at most one refresh call is outstanding. Concurrent callers
// queue behind it and are resolved in arrival order with the same outcome.
type Coordinator struct {
	fn          Func
	waitTimeout time.Duration
	logger      zerolog.Logger
	metrics     *metrics.Metrics

	mu         sync.Mutex
	inFlight   bool
	generation uint64
	waiters    []*waiter
	last       *Outcome
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithWaitTimeout bounds how long a single caller waits for the in-flight refresh.
// Zero or negative disables the bound.
func WithWaitTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		c.waitTimeout = d
	}
}

// WithLogger sets the logger for refresh outcomes.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithMetrics records refresh outcomes and durations in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// New returns an idle coordinator that runs fn at most once at a time.
func New(fn Func, options ...Option) *Coordinator {
	c := &Coordinator{
		fn:          fn,
		waitTimeout: DefaultWaitTimeout,
		logger:      log.Logger,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Await joins the current refresh, starting one if none is in flight. cb is called once
// with the outcome, a timeout, or a cancellation. The returned withdraw func removes the
// waiter; it reports false when the outcome has already been claimed, in which case cb is
// still going to be called.
//
// ctx supplies values for the refresh call only; its cancellation does not abort a
// refresh other callers depend on.
func (c *Coordinator) Await(ctx context.Context, cb Callback) (withdraw func() bool) {
	w := &waiter{cb: cb}

	c.mu.Lock()
	if c.waitTimeout > 0 {
		w.timer = time.AfterFunc(c.waitTimeout, func() { c.expire(w) })
	}
	c.waiters = append(c.waiters, w)
	c.metrics.SetWaiters(len(c.waiters))
	if !c.inFlight {
		c.inFlight = true
		c.generation++
		go c.run(context.WithoutCancel(ctx), c.generation)
	}
	c.mu.Unlock()

	return func() bool { return c.withdraw(w) }
}

// Token joins the current refresh and blocks until it settles. If ctx ends first the caller
// leaves the queue and receives ctx.Err(); the refresh itself carries on.
func (c *Coordinator) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ch := make(chan Outcome, 1)
	withdraw := c.Await(ctx, func(o Outcome) { ch <- o })

	select {
	case o := <-ch:
		return o.AccessToken, o.Err
	case <-ctx.Done():
		if withdraw() {
			return "", ctx.Err()
		}
		o := <-ch
		return o.AccessToken, o.Err
	}
}

// ForceReset releases every waiter with ErrRefreshCancelled and returns to idle. A result
// from the abandoned call is discarded when it arrives. Calling it while idle does nothing.
func (c *Coordinator) ForceReset() {
	c.mu.Lock()
	if !c.inFlight {
		c.mu.Unlock()
		return
	}
	c.inFlight = false
	c.generation++
	released := c.takeWaitersLocked()
	c.mu.Unlock()

	c.metrics.ForceReset()
	c.logger.Info().Int("waiters", len(released)).Msg("refresh force reset")

	cancelled := Outcome{Err: apperrors.ErrRefreshCancelled}
	for _, w := range released {
		w.cb(cancelled)
	}
}

// State reports whether a refresh is in flight.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight {
		return StateRefreshing
	}
	return StateIdle
}

// Waiting returns the number of queued callers.
func (c *Coordinator) Waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// LastOutcome returns the outcome of the most recent settled refresh.
func (c *Coordinator) LastOutcome() (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Outcome{}, false
	}
	return *c.last, true
}

func (c *Coordinator) run(ctx context.Context, generation uint64) {
	attempt := uuid.NewString()
	logger := c.logger.With().Str("attempt", attempt).Uint64("generation", generation).Logger()
	logger.Debug().Msg("refresh started")

	var outcome Outcome
	func() {
		defer func() {
			if r := recover(); r != nil {
				outcome = Outcome{Err: fmt.Errorf("[Coordinator.run] refresh panicked: %v", r)}
			}
		}()
		outcome.AccessToken, outcome.Err = c.fn(ctx)
	}()

	c.settle(generation, outcome, logger)
}

func (c *Coordinator) settle(generation uint64, outcome Outcome, logger zerolog.Logger) {
	c.mu.Lock()
	if !c.inFlight || generation != c.generation {
		c.mu.Unlock()
		c.metrics.RefreshCompleted(metrics.ResultDiscarded)
		logger.Info().Msg("discarding refresh result after reset")
		return
	}
	c.inFlight = false
	c.last = &outcome
	flushed := c.takeWaitersLocked()
	c.mu.Unlock()

	if outcome.Err != nil {
		c.metrics.RefreshCompleted(metrics.ResultFailure)
		logger.Warn().Err(outcome.Err).Int("waiters", len(flushed)).Msg("refresh failed")
	} else {
		c.metrics.RefreshCompleted(metrics.ResultSuccess)
		logger.Debug().Int("waiters", len(flushed)).Msg("refresh succeeded")
	}

	for _, w := range flushed {
		w.cb(outcome)
	}
}

// takeWaitersLocked claims every queued waiter in arrival order.
func (c *Coordinator) takeWaitersLocked() []*waiter {
	taken := c.waiters
	c.waiters = nil
	for _, w := range taken {
		w.resolved = true
		if w.timer != nil {
			w.timer.Stop()
		}
	}
	c.metrics.SetWaiters(0)
	return taken
}

// removeLocked claims a single waiter. It reports false if the waiter was already claimed.
func (c *Coordinator) removeLocked(w *waiter) bool {
	if w.resolved {
		return false
	}
	w.resolved = true
	if w.timer != nil {
		w.timer.Stop()
	}
	for i, queued := range c.waiters {
		if queued == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			break
		}
	}
	c.metrics.SetWaiters(len(c.waiters))
	return true
}

func (c *Coordinator) withdraw(w *waiter) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(w)
}

func (c *Coordinator) expire(w *waiter) {
	c.mu.Lock()
	claimed := c.removeLocked(w)
	c.mu.Unlock()
	if !claimed {
		return
	}

	c.metrics.WaiterTimedOut()
	c.logger.Warn().Dur("wait_timeout", c.waitTimeout).Msg("gave up waiting for refresh")
	w.cb(Outcome{Err: apperrors.ErrRefreshTimeout})
}
