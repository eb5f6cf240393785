// Package countdown derives deterministic, jump-free countdowns from
// server-time deadlines. Each deadline gets its own instance that freezes a
// reference offset exactly once, so background re-synchronization can keep
// improving the global estimate without ever moving a running countdown.
package countdown

import (
	"math"

	"github.com/quizarena/quizsync/internal/clocksync"
)

// Deadline announces when the current game phase ends, in server time.
// A Deadline value is immutable for the lifetime of its phase; a new value
// (even with the same expiry) is a new timer instance.
type Deadline struct {
	// DeadlineMs is the absolute server-time instant the timer expires.
	DeadlineMs int64
	// AnnouncedMs is the server time at which the deadline was pushed.
	// When nonzero it supersedes the global offset for this instance.
	AnnouncedMs int64
	// DurationMs is the total span, used only for the progress bar.
	DurationMs int64
	// Phase names the game phase (question, estimation, category, bonus).
	// Part of the deadline's identity: a new phase is a new instance.
	Phase string
}

// State is the lifecycle of a single timer instance.
type State int

const (
	Idle State = iota
	Running
	Expired
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Expired:
		return "expired"
	default:
		return "idle"
	}
}

// Thresholds are the presentation-only urgency cutoffs, derived from the
// same remaining-seconds value as the numeric display.
type Thresholds struct {
	WarningSec  int
	CriticalSec int
}

func DefaultThresholds() Thresholds {
	return Thresholds{WarningSec: 5, CriticalSec: 3}
}

// Snapshot is the read-only view handed to the renderer. The renderer does
// no offset arithmetic of its own.
type Snapshot struct {
	RemainingSeconds int
	IsExpired        bool
	ProgressPercent  float64
	Warning          bool
	Critical         bool
	Phase            string
}

// Countdown is one timer instance. Its reference offset is frozen at
// construction and never recomputed, even as the smoothing store keeps
// changing in the background.
type Countdown struct {
	deadline          Deadline
	effectiveOffsetMs float64
	thresholds        Thresholds

	lastSeconds int // monotonicity guard, -1 until first evaluation
	expired     bool
}

// newCountdown freezes the reference offset for one deadline. When the
// announcement carries the server time it was sent at, that timestamp
// anchors the reference directly; otherwise a single snapshot of the
// smoothing store is taken (zero offset if never synced).
func newCountdown(d Deadline, est clocksync.Offset, observedLocalMs int64, th Thresholds) *Countdown {
	offset := est.OffsetMs
	if d.AnnouncedMs != 0 {
		offset = float64(d.AnnouncedMs - observedLocalMs)
	}
	return &Countdown{
		deadline:          d,
		effectiveOffsetMs: offset,
		thresholds:        th,
		lastSeconds:       -1,
	}
}

// EffectiveOffsetMs exposes the frozen reference, diagnostics only.
func (c *Countdown) EffectiveOffsetMs() float64 {
	return c.effectiveOffsetMs
}

// remainingMs computes raw remaining time at the given local instant.
func (c *Countdown) remainingMs(localNowMs int64) float64 {
	serverNow := float64(localNowMs) + c.effectiveOffsetMs
	return float64(c.deadline.DeadlineMs) - serverNow
}

// At evaluates the countdown at the given local time. Successive
// evaluations never report an increasing remaining-seconds value for the
// same instance, even if the local clock steps backwards between ticks.
func (c *Countdown) At(localNowMs int64) Snapshot {
	remaining := c.remainingMs(localNowMs)

	seconds := int(math.Ceil(remaining / 1000))
	if seconds < 0 {
		seconds = 0
	}
	if c.lastSeconds >= 0 && seconds > c.lastSeconds {
		seconds = c.lastSeconds
	}
	c.lastSeconds = seconds

	progress := 0.0
	if c.deadline.DurationMs > 0 {
		progress = remaining / float64(c.deadline.DurationMs) * 100
		if progress < 0 {
			progress = 0
		} else if progress > 100 {
			progress = 100
		}
	}

	expired := seconds == 0 && remaining <= 0
	if c.expired {
		expired = true
	}

	return Snapshot{
		RemainingSeconds: seconds,
		IsExpired:        expired,
		ProgressPercent:  progress,
		Warning:          !expired && seconds <= c.thresholds.WarningSec,
		Critical:         !expired && seconds <= c.thresholds.CriticalSec,
		Phase:            c.deadline.Phase,
	}
}

// markExpired latches the terminal state. The expiry notification is the
// controller's job and fires at most once per instance.
func (c *Countdown) markExpired() {
	c.expired = true
}
