package clocksync

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// pushOverrideThresholdMs bounds how far a zero-roundtrip push sample may
// disagree with a converged estimate before it is allowed to overwrite it.
const pushOverrideThresholdMs = 500

// Offset is a read-only snapshot of the store. Countdowns take one
// snapshot when they freeze their reference and never read the store again.
type Offset struct {
	OffsetMs        float64
	Synced          bool
	Samples         int
	LastRoundtripMs int64
}

// Store holds the smoothed clock offset shared by the whole client session.
// The Sync Driver is its only writer; countdown instances read single
// snapshots. The mutex guards the read-merge-write sequence, which is not
// atomic on its own.
type Store struct {
	mu              sync.Mutex
	offsetMs        float64
	synced          bool
	samples         int
	lastRoundtripMs int64
}

func NewStore() *Store {
	return &Store{}
}

// Merge folds one raw offset sample into the smoothed estimate using an
// exponentially-weighted moving average with decreasing weight:
//
//	weight = min(0.5, 1/(samples+1))
//
// The first sample takes full weight so the estimate bootstraps
// immediately; once several samples have accumulated no single outlier can
// move the estimate by more than half its error.
func (s *Store) Merge(rawOffsetMs float64, roundtripMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeLocked(rawOffsetMs, roundtripMs)
}

// mergeLocked folds one sample in. Caller holds s.mu.
func (s *Store) mergeLocked(rawOffsetMs float64, roundtripMs int64) {
	weight := 1.0 / float64(s.samples+1)
	if weight > 0.5 {
		weight = 0.5
	}
	if s.samples == 0 {
		s.offsetMs = rawOffsetMs
	} else {
		s.offsetMs = s.offsetMs*(1-weight) + rawOffsetMs*weight
	}
	s.samples++
	s.synced = true
	s.lastRoundtripMs = roundtripMs

	log.Debug().
		Float64("raw_offset_ms", rawOffsetMs).
		Float64("offset_ms", s.offsetMs).
		Int64("roundtrip_ms", roundtripMs).
		Int("samples", s.samples).
		Msg("clock offset merged")
}

// MergePush applies a degraded single-timestamp sample (roundtrip unknown).
// It only touches the store when it has never synced, or when the new raw
// estimate disagrees with the smoothed one by more than the override
// threshold; otherwise a noisy zero-roundtrip sample could destabilize an
// already-good estimate. Beyond the threshold the smoothed history is
// suspect (the server's own timestamp disagrees grossly with it), so the
// push overwrites the estimate and smoothing restarts from that sample.
func (s *Store) MergePush(rawOffsetMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.synced {
		s.mergeLocked(rawOffsetMs, 0)
		return
	}

	diff := rawOffsetMs - s.offsetMs
	if diff < 0 {
		diff = -diff
	}
	if diff <= pushOverrideThresholdMs {
		log.Debug().
			Float64("raw_offset_ms", rawOffsetMs).
			Float64("offset_ms", s.offsetMs).
			Msg("push sample within threshold, keeping smoothed estimate")
		return
	}

	log.Debug().
		Float64("raw_offset_ms", rawOffsetMs).
		Float64("offset_ms", s.offsetMs).
		Msg("push sample beyond threshold, overwriting estimate")
	s.offsetMs = rawOffsetMs
	s.samples = 1
	s.lastRoundtripMs = 0
}

// Snapshot returns the current estimate. An unsynced store reports a zero
// offset, which is the correct degraded behavior (assume no skew).
func (s *Store) Snapshot() Offset {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Offset{
		OffsetMs:        s.offsetMs,
		Synced:          s.synced,
		Samples:         s.samples,
		LastRoundtripMs: s.lastRoundtripMs,
	}
}

// Reset returns the store to its initial unsynced state. Called on session
// teardown and disconnect so a stale offset never leaks into a new session.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsetMs = 0
	s.synced = false
	s.samples = 0
	s.lastRoundtripMs = 0
}
