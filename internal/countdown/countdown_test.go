package countdown

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizarena/quizsync/internal/clocksync"
)

func fakeClockAtMs(ms int64) *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(time.UnixMilli(ms))
}

func TestControllerFreezesAnnouncedReference(t *testing.T) {
	clock := fakeClockAtMs(500)
	store := clocksync.NewStore()
	c := NewController(store, clock)

	// Server announced the deadline at its time 9000 while our local clock
	// read 500, so the frozen reference offset is 8500.
	c.Observe(&Deadline{DeadlineMs: 10000, AnnouncedMs: 9000, Phase: "question"})
	require.Equal(t, Running, c.State())

	clock.Advance(500 * time.Millisecond) // local time 1000

	snap, ok := c.View()
	require.True(t, ok)
	// remaining = 10000 - (1000 + 8500) = 500ms
	assert.Equal(t, 1, snap.RemainingSeconds)
	assert.False(t, snap.IsExpired)
}

func TestControllerFreezesStoreSnapshotOnce(t *testing.T) {
	clock := fakeClockAtMs(1000)
	store := clocksync.NewStore()
	store.Merge(450, 100)

	c := NewController(store, clock)
	c.Observe(&Deadline{DeadlineMs: clock.Now().UnixMilli() + 450 + 10_000, Phase: "question"})

	snap, ok := c.View()
	require.True(t, ok)
	before := snap.RemainingSeconds

	// Background re-sync keeps improving the global estimate; the running
	// countdown must not move.
	for i := 0; i < 20; i++ {
		store.Merge(5000, 50)
	}

	snap, ok = c.View()
	require.True(t, ok)
	assert.Equal(t, before, snap.RemainingSeconds)
}

func TestControllerUnsyncedStoreMeansZeroOffset(t *testing.T) {
	clock := fakeClockAtMs(2000)
	c := NewController(clocksync.NewStore(), clock)

	c.Observe(&Deadline{DeadlineMs: 5000, Phase: "estimation"})

	snap, ok := c.View()
	require.True(t, ok)
	// remaining = 5000 - 2000 = 3000ms with the degraded zero offset
	assert.Equal(t, 3, snap.RemainingSeconds)
}

func TestControllerReobserveSameDeadlineIsIdempotent(t *testing.T) {
	clock := fakeClockAtMs(500)
	store := clocksync.NewStore()
	c := NewController(store, clock)

	d := Deadline{DeadlineMs: 10000, AnnouncedMs: 9000, Phase: "question"}
	c.Observe(&d)
	clock.Advance(200 * time.Millisecond)

	// Same deadline value again, with the clock (and thus any would-be
	// re-freeze) having moved on. The reference must stay frozen.
	c.Observe(&d)

	clock.Advance(300 * time.Millisecond) // local 1000
	snap, ok := c.View()
	require.True(t, ok)
	assert.Equal(t, 1, snap.RemainingSeconds)
}

func TestControllerNewDeadlineRefreezes(t *testing.T) {
	clock := fakeClockAtMs(500)
	store := clocksync.NewStore()
	c := NewController(store, clock)

	c.Observe(&Deadline{DeadlineMs: 10000, AnnouncedMs: 9000, Phase: "question"})
	clock.Advance(time.Second)

	// New phase, new announcement: observed at local 1500 with announced
	// 20000 gives a fresh reference of 18500.
	c.Observe(&Deadline{DeadlineMs: 23000, AnnouncedMs: 20000, Phase: "bonus"})

	snap, ok := c.View()
	require.True(t, ok)
	assert.Equal(t, Running, c.State())
	assert.Equal(t, "bonus", snap.Phase)
	assert.Equal(t, 3, snap.RemainingSeconds)
}

func TestControllerRemainingSecondsMonotonic(t *testing.T) {
	clock := fakeClockAtMs(500)
	c := NewController(clocksync.NewStore(), clock)

	c.Observe(&Deadline{DeadlineMs: 10000, AnnouncedMs: 9000, Phase: "question"})

	last := int(^uint(0) >> 1)
	for i := 0; i < 20; i++ {
		snap, ok := c.View()
		require.True(t, ok)
		assert.LessOrEqual(t, snap.RemainingSeconds, last)
		last = snap.RemainingSeconds
		clock.Advance(100 * time.Millisecond)
	}
	assert.Equal(t, 0, last)
}

func TestControllerExpiresExactlyOnce(t *testing.T) {
	clock := fakeClockAtMs(500)
	var fired atomic.Int32
	c := NewController(clocksync.NewStore(), clock,
		OnExpire(func(d Deadline) { fired.Add(1) }))

	c.Observe(&Deadline{DeadlineMs: 10000, AnnouncedMs: 9000, Phase: "question"})

	clock.Advance(1500 * time.Millisecond) // past the deadline

	snap, ok := c.View()
	require.True(t, ok)
	assert.True(t, snap.IsExpired)
	assert.Equal(t, 0, snap.RemainingSeconds)
	assert.Equal(t, Expired, c.State())

	// Re-evaluating after expiry must not fire again
	clock.Advance(time.Second)
	snap, ok = c.View()
	require.True(t, ok)
	assert.True(t, snap.IsExpired)
	assert.Equal(t, int32(1), fired.Load())
}

func TestControllerResetCancelsWithoutExpiry(t *testing.T) {
	clock := fakeClockAtMs(500)
	var fired atomic.Int32
	c := NewController(clocksync.NewStore(), clock,
		OnExpire(func(d Deadline) { fired.Add(1) }))

	c.Observe(&Deadline{DeadlineMs: 10000, AnnouncedMs: 9000, Phase: "question"})
	c.Reset()

	require.Equal(t, Idle, c.State())
	clock.Advance(5 * time.Second)

	_, ok := c.View()
	assert.False(t, ok)
	assert.Equal(t, int32(0), fired.Load())
}

func TestControllersAreIndependent(t *testing.T) {
	clock := fakeClockAtMs(500)
	store := clocksync.NewStore()
	store.Merge(450, 100)

	main := NewController(store, clock)
	secondary := NewController(store, clock)

	main.Observe(&Deadline{DeadlineMs: 10000, AnnouncedMs: 9000, Phase: "question"})

	// The store moves between the two freezes
	store.Merge(2450, 100)
	clock.Advance(time.Second)
	secondary.Observe(&Deadline{DeadlineMs: 10000, AnnouncedMs: 6000, Phase: "bonus"})

	mainSnap, ok := main.View()
	require.True(t, ok)
	secondarySnap, ok := secondary.View()
	require.True(t, ok)

	// main: offset 8500 frozen at local 500 -> remaining 0ms at local 1500
	assert.Equal(t, 0, mainSnap.RemainingSeconds)
	// secondary: offset 6000-1500=4500 -> remaining 4000ms
	assert.Equal(t, 4, secondarySnap.RemainingSeconds)
}

func TestSnapshotProgressAndThresholds(t *testing.T) {
	clock := fakeClockAtMs(0)
	c := NewController(clocksync.NewStore(), clock)

	c.Observe(&Deadline{DeadlineMs: 10000, AnnouncedMs: 0, DurationMs: 10000, Phase: "question"})

	snap, ok := c.View()
	require.True(t, ok)
	assert.Equal(t, 10, snap.RemainingSeconds)
	assert.InDelta(t, 100, snap.ProgressPercent, 0.001)
	assert.False(t, snap.Warning)
	assert.False(t, snap.Critical)

	clock.Advance(5500 * time.Millisecond)
	snap, _ = c.View()
	assert.Equal(t, 5, snap.RemainingSeconds)
	assert.InDelta(t, 45, snap.ProgressPercent, 0.001)
	assert.True(t, snap.Warning)
	assert.False(t, snap.Critical)

	clock.Advance(2500 * time.Millisecond)
	snap, _ = c.View()
	assert.Equal(t, 2, snap.RemainingSeconds)
	assert.True(t, snap.Warning)
	assert.True(t, snap.Critical)

	clock.Advance(2 * time.Second)
	snap, _ = c.View()
	assert.True(t, snap.IsExpired)
	assert.InDelta(t, 0, snap.ProgressPercent, 0.001)
}

func TestControllerRunTicksAndExpires(t *testing.T) {
	clock := fakeClockAtMs(0)
	store := clocksync.NewStore()

	var ticks atomic.Int32
	var fired atomic.Int32
	c := NewController(store, clock,
		OnTick(func(snap Snapshot) { ticks.Add(1) }),
		OnExpire(func(d Deadline) { fired.Add(1) }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	clock.BlockUntil(1)
	c.Observe(&Deadline{DeadlineMs: 300, Phase: "question"})

	for i := 0; i < 5; i++ {
		clock.Advance(100 * time.Millisecond)
		require.Eventually(t, func() bool {
			return ticks.Load() >= int32(i+1)
		}, time.Second, time.Millisecond)
	}

	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, Expired, c.State())

	cancel()
	<-done
}
