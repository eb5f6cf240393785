// Package client implements the quiz client's WebSocket session: transport
// glue for the sync driver, deadline routing into the countdown controller,
// and reconnect handling.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/quizarena/quizsync/internal/clocksync"
	"github.com/quizarena/quizsync/internal/countdown"
	"github.com/quizarena/quizsync/internal/protocol"
)

// Config holds the session's connection and presentation knobs.
type Config struct {
	// URL is the server's WebSocket endpoint, e.g.
	// ws://localhost:8080/ws/game?game_id=<uuid>.
	URL string

	Sync       clocksync.DriverConfig
	Thresholds countdown.Thresholds
	Tick       time.Duration

	ReconnectWait  time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
}

// DefaultConfig returns the protocol defaults for everything but the URL.
func DefaultConfig(url string) Config {
	return Config{
		URL:            url,
		Sync:           clocksync.DefaultDriverConfig(),
		Thresholds:     countdown.DefaultThresholds(),
		Tick:           countdown.DefaultTickInterval,
		ReconnectWait:  2 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		MaxMessageSize: 4096,
	}
}

// Session is one client's connection to the quiz server. It owns the
// smoothing store, the sync driver and the countdown controller, and keeps
// them alive across reconnects (the store and any running countdown are
// reset on disconnect, never carried across sessions).
type Session struct {
	cfg   Config
	clock clockwork.Clock

	store     *clocksync.Store
	driver    *clocksync.Driver
	countdown *countdown.Controller

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

// Option configures a Session.
type Option func(*sessionOptions)

type sessionOptions struct {
	clock    clockwork.Clock
	onTick   func(countdown.Snapshot)
	onExpire func(countdown.Deadline)
}

// WithClock substitutes the clock, for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(o *sessionOptions) { o.clock = clock }
}

// OnTick registers the renderer callback.
func OnTick(fn func(countdown.Snapshot)) Option {
	return func(o *sessionOptions) { o.onTick = fn }
}

// OnExpire registers the one-shot expiry notification.
func OnExpire(fn func(countdown.Deadline)) Option {
	return func(o *sessionOptions) { o.onExpire = fn }
}

func NewSession(cfg Config, opts ...Option) *Session {
	so := sessionOptions{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&so)
	}

	store := clocksync.NewStore()
	s := &Session{
		cfg:   cfg,
		clock: so.clock,
		store: store,
	}
	s.driver = clocksync.NewDriver(s, store, so.clock, cfg.Sync)

	ctrlOpts := []countdown.ControllerOption{
		countdown.WithThresholds(cfg.Thresholds),
		countdown.WithTickInterval(cfg.Tick),
	}
	if so.onTick != nil {
		ctrlOpts = append(ctrlOpts, countdown.OnTick(so.onTick))
	}
	if so.onExpire != nil {
		ctrlOpts = append(ctrlOpts, countdown.OnExpire(so.onExpire))
	}
	s.countdown = countdown.NewController(store, so.clock, ctrlOpts...)

	return s
}

// Countdown exposes the controller for direct snapshot reads.
func (s *Session) Countdown() *countdown.Controller {
	return s.countdown
}

// Offset exposes the current smoothed estimate, diagnostics only.
func (s *Session) Offset() clocksync.Offset {
	return s.store.Snapshot()
}

// RequestSync asks for an immediate exchange, subject to rate limiting.
func (s *Session) RequestSync() bool {
	return s.driver.RequestSync()
}

// Connected implements clocksync.Transport.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// SendSyncRequest implements clocksync.Transport.
func (s *Session) SendSyncRequest(clientSendMs int64) error {
	msg, err := protocol.NewMessage("", protocol.TypeSyncRequest, protocol.SyncRequestPayload{
		ClientSendMs: clientSendMs,
	})
	if err != nil {
		return err
	}
	return s.write(msg)
}

func (s *Session) write(msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.conn == nil {
		return fmt.Errorf("not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Run dials the server and keeps the session alive until ctx is cancelled,
// reconnecting after transient failures. The sync schedule and the tick
// loop run for the whole session lifetime; the smoothing store and any
// running countdown are reset on every disconnect.
func (s *Session) Run(ctx context.Context) error {
	go s.driver.Run(ctx)
	go s.countdown.Run(ctx)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.cfg.URL, http.Header{})
		if err != nil {
			log.Warn().Err(err).Str("url", s.cfg.URL).Msg("dial failed, retrying")
			select {
			case <-ctx.Done():
				return nil
			case <-s.clock.After(s.cfg.ReconnectWait):
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.connected = true
		s.mu.Unlock()
		log.Info().Str("url", s.cfg.URL).Msg("connected")

		s.driver.HandleConnect()
		s.readLoop(ctx, conn)

		s.mu.Lock()
		s.conn = nil
		s.connected = false
		s.mu.Unlock()
		conn.Close()

		// A reference frozen before the reset must not keep counting
		// against the new session.
		s.driver.HandleDisconnect()
		s.countdown.Reset()

		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(s.cfg.ReconnectWait):
			log.Info().Msg("reconnecting")
		}
	}
}

// readLoop consumes server messages until the connection drops or ctx is
// cancelled.
func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(s.cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(s.cfg.WriteTimeout))
	})

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				log.Warn().Err(err).Msg("connection lost")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.handleMessage(data)
	}
}

// handleMessage routes one server message. Malformed messages are logged
// and dropped; nothing here is an error condition for the session.
func (s *Session) handleMessage(data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Debug().Err(err).Msg("dropping unparseable message")
		return
	}

	payload, err := protocol.ParsePayload(&msg)
	if err != nil {
		log.Debug().Err(err).Str("type", string(msg.Type)).Msg("dropping malformed payload")
		return
	}

	switch p := payload.(type) {
	case protocol.SyncResponsePayload:
		s.driver.HandleResponse(p.ClientSendMs, p.ServerMs)

	case protocol.SyncPushPayload:
		s.driver.HandlePush(p.ServerMs)

	case protocol.DeadlineAnnouncePayload:
		if p.DeadlineMs <= 0 {
			// No active timer.
			s.countdown.Observe(nil)
			return
		}
		s.countdown.Observe(&countdown.Deadline{
			DeadlineMs:  p.DeadlineMs,
			AnnouncedMs: p.AnnouncedMs,
			DurationMs:  p.DurationMs,
			Phase:       p.Phase,
		})

	case struct{}:
		if msg.Type == protocol.TypeDeadlineClear {
			s.countdown.Observe(nil)
		}

	default:
		log.Debug().Str("type", string(msg.Type)).Msg("ignoring unknown message type")
	}
}
