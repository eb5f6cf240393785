package clocksync

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Transport is the slice of the session the driver needs to run an
// exchange. The WebSocket client session implements it.
type Transport interface {
	Connected() bool
	SendSyncRequest(clientSendMs int64) error
}

// DriverConfig holds the driver's scheduling knobs. Neither affects the
// correctness of the offset math.
type DriverConfig struct {
	// Interval between periodic sync exchanges while connected.
	Interval time.Duration
	// MinInterval is the rate-limit floor; requests arriving sooner after
	// the previous one are silently dropped.
	MinInterval time.Duration
}

// DefaultDriverConfig returns the protocol defaults.
func DefaultDriverConfig() DriverConfig {
	return DriverConfig{
		Interval:    30 * time.Second,
		MinInterval: 5 * time.Second,
	}
}

// Driver decides when to run a sync exchange and carries it over the
// transport. It is the single writer of the Store.
type Driver struct {
	transport Transport
	store     *Store
	clock     clockwork.Clock
	cfg       DriverConfig

	mu            sync.Mutex
	lastRequestAt time.Time
	pendingSendMs int64 // nonzero while an exchange is in flight
}

func NewDriver(transport Transport, store *Store, clock clockwork.Clock, cfg DriverConfig) *Driver {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultDriverConfig().Interval
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultDriverConfig().MinInterval
	}
	return &Driver{
		transport: transport,
		store:     store,
		clock:     clock,
		cfg:       cfg,
	}
}

// Store exposes the smoothing store so countdown instances can snapshot it
// at freeze time.
func (d *Driver) Store() *Store {
	return d.store
}

// Run drives periodic re-sync until ctx is cancelled. Connect and
// disconnect events arrive independently via HandleConnect and
// HandleDisconnect.
func (d *Driver) Run(ctx context.Context) {
	ticker := d.clock.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("sync driver stopped")
			return
		case <-ticker.Chan():
			d.RequestSync()
		}
	}
}

// RequestSync attempts one exchange. It reports false when the request was
// dropped: transport disconnected (normal condition, retried by the next
// trigger) or rate limited. Dropped requests leave the store untouched.
func (d *Driver) RequestSync() bool {
	if !d.transport.Connected() {
		log.Debug().Msg("sync skipped, transport disconnected")
		return false
	}

	d.mu.Lock()
	now := d.clock.Now()
	if !d.lastRequestAt.IsZero() && now.Sub(d.lastRequestAt) < d.cfg.MinInterval {
		d.mu.Unlock()
		log.Debug().
			Dur("since_last", now.Sub(d.lastRequestAt)).
			Dur("min_interval", d.cfg.MinInterval).
			Msg("sync request rate limited")
		return false
	}
	sendMs := now.UnixMilli()
	d.lastRequestAt = now
	d.pendingSendMs = sendMs
	d.mu.Unlock()

	if err := d.transport.SendSyncRequest(sendMs); err != nil {
		// Transient; the next periodic tick or connect event retries.
		log.Debug().Err(err).Msg("sync request send failed")
		d.mu.Lock()
		d.pendingSendMs = 0
		d.mu.Unlock()
		return false
	}
	return true
}

// HandleResponse completes the exchange: the server echoed the client send
// time and reported its own clock at receipt. Responses that do not match
// the in-flight request, or that carry impossible timestamps, are discarded
// without touching the store.
func (d *Driver) HandleResponse(echoedClientMs, serverMs int64) {
	recvMs := d.clock.Now().UnixMilli()

	d.mu.Lock()
	pending := d.pendingSendMs
	d.pendingSendMs = 0
	d.mu.Unlock()

	if pending == 0 || pending != echoedClientMs {
		log.Debug().
			Int64("echoed_client_ms", echoedClientMs).
			Int64("pending_ms", pending).
			Msg("discarding uncorrelated sync response")
		return
	}

	ex := Exchange{
		ClientSendMs:    echoedClientMs,
		ServerMs:        serverMs,
		ClientReceiveMs: recvMs,
	}
	if !ex.Valid() {
		log.Debug().
			Int64("server_ms", serverMs).
			Msg("discarding malformed sync response")
		return
	}

	raw, roundtrip := Estimate(ex)
	d.store.Merge(raw, roundtrip)
}

// HandlePush applies an unsolicited server timestamp broadcast, the
// degraded single-timestamp path used e.g. right after connect.
func (d *Driver) HandlePush(serverMs int64) {
	if serverMs <= 0 {
		log.Debug().Int64("server_ms", serverMs).Msg("discarding malformed sync push")
		return
	}
	recvMs := d.clock.Now().UnixMilli()
	d.store.MergePush(EstimateFromPush(serverMs, recvMs))
}

// HandleConnect runs an immediate exchange; drift risk is highest right
// after a reconnect because the estimate was reset on disconnect.
func (d *Driver) HandleConnect() {
	d.RequestSync()
}

// HandleDisconnect drops any in-flight exchange and resets the store to
// its initial unsynced state. The rate-limit clock is cleared too: after a
// disconnect there is no estimate at all, so the reconnect exchange must
// run immediately, however soon the reconnect happens.
func (d *Driver) HandleDisconnect() {
	d.mu.Lock()
	d.pendingSendMs = 0
	d.lastRequestAt = time.Time{}
	d.mu.Unlock()
	d.store.Reset()
	log.Debug().Msg("transport disconnected, clock offset reset")
}
