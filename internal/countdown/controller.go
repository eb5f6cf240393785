package countdown

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/quizarena/quizsync/internal/clocksync"
	"github.com/rs/zerolog/log"
)

// DefaultTickInterval gives smooth sub-second rendering at one-second
// display granularity.
const DefaultTickInterval = 100 * time.Millisecond

// Controller owns the active countdown instance for one observer (a main
// countdown or a phase-specific secondary one). Multiple controllers over
// the same store are fully independent: each freezes its own reference.
type Controller struct {
	store      *clocksync.Store
	clock      clockwork.Clock
	thresholds Thresholds
	tick       time.Duration

	onTick   func(Snapshot)
	onExpire func(Deadline)

	mu          sync.Mutex
	current     *Countdown
	deadline    Deadline
	state       State
	expireFired bool
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithThresholds overrides the warning/critical cutoffs.
func WithThresholds(th Thresholds) ControllerOption {
	return func(c *Controller) { c.thresholds = th }
}

// WithTickInterval overrides the tick period.
func WithTickInterval(d time.Duration) ControllerOption {
	return func(c *Controller) { c.tick = d }
}

// OnTick registers the renderer callback, invoked with a fresh snapshot on
// every tick while a countdown is running or expired.
func OnTick(fn func(Snapshot)) ControllerOption {
	return func(c *Controller) { c.onTick = fn }
}

// OnExpire registers the one-shot expiry notification.
func OnExpire(fn func(Deadline)) ControllerOption {
	return func(c *Controller) { c.onExpire = fn }
}

func NewController(store *clocksync.Store, clock clockwork.Clock, opts ...ControllerOption) *Controller {
	c := &Controller{
		store:      store,
		clock:      clock,
		thresholds: DefaultThresholds(),
		tick:       DefaultTickInterval,
		state:      Idle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Observe reacts to a deadline announcement from the game-state owner.
// A nil deadline clears the countdown back to Idle. Re-observing a value
// equal to the current one is a no-op: the frozen reference is kept.
// A genuinely new deadline replaces the instance and re-freezes.
func (c *Controller) Observe(d *Deadline) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d == nil {
		if c.state != Idle {
			log.Debug().Str("phase", c.deadline.Phase).Msg("countdown cleared")
		}
		c.current = nil
		c.deadline = Deadline{}
		c.state = Idle
		c.expireFired = false
		return
	}

	if c.state != Idle && *d == c.deadline {
		return
	}

	est := c.store.Snapshot()
	observedLocalMs := c.clock.Now().UnixMilli()
	c.current = newCountdown(*d, est, observedLocalMs, c.thresholds)
	c.deadline = *d
	c.state = Running
	c.expireFired = false

	log.Debug().
		Str("phase", d.Phase).
		Int64("deadline_ms", d.DeadlineMs).
		Int64("announced_ms", d.AnnouncedMs).
		Float64("frozen_offset_ms", c.current.effectiveOffsetMs).
		Bool("synced", est.Synced).
		Msg("countdown started")
}

// Reset discards the active instance without firing expiry. Called on
// session reset so a reference frozen before a reconnect never keeps
// counting against the new session.
func (c *Controller) Reset() {
	c.Observe(nil)
}

// State returns the instance lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// View evaluates the active countdown now. In Idle it returns a zero
// snapshot and false.
func (c *Controller) View() (Snapshot, bool) {
	c.mu.Lock()
	if c.state == Idle || c.current == nil {
		c.mu.Unlock()
		return Snapshot{}, false
	}
	snap, expire := c.evaluateLocked()
	c.mu.Unlock()

	if expire != nil {
		expire()
	}
	return snap, true
}

// evaluateLocked advances the state machine one step. When the instance
// just crossed into Expired it returns the one-shot expiry notification,
// which the caller must invoke after releasing c.mu. Caller holds c.mu.
func (c *Controller) evaluateLocked() (Snapshot, func()) {
	snap := c.current.At(c.clock.Now().UnixMilli())
	if !snap.IsExpired || c.state != Running {
		return snap, nil
	}

	c.state = Expired
	c.current.markExpired()
	if c.expireFired || c.onExpire == nil {
		c.expireFired = true
		return snap, nil
	}
	c.expireFired = true
	d := c.deadline
	fn := c.onExpire
	log.Debug().Str("phase", d.Phase).Msg("countdown expired")
	return snap, func() { fn(d) }
}

// Run ticks the active countdown until ctx is cancelled. The tick loop
// never blocks on sync traffic; it always renders from the frozen
// reference.
func (c *Controller) Run(ctx context.Context) {
	ticker := c.clock.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("countdown controller stopped")
			return
		case <-ticker.Chan():
			c.mu.Lock()
			if c.state == Idle || c.current == nil {
				c.mu.Unlock()
				continue
			}
			snap, expire := c.evaluateLocked()
			onTick := c.onTick
			c.mu.Unlock()

			if expire != nil {
				expire()
			}
			if onTick != nil {
				onTick(snap)
			}
		}
	}
}
