package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/quizarena/quizsync/internal/protocol"
)

// AnnouncerConfig holds configuration for the NATS deadline subscription.
type AnnouncerConfig struct {
	URL           string
	SubjectPrefix string // e.g. "quiz.deadline"
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultAnnouncerConfig returns default NATS configuration.
func DefaultAnnouncerConfig() AnnouncerConfig {
	return AnnouncerConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "quiz.deadline",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// Announcer bridges the game-state owner and the hub: the quiz engine
// publishes phase deadlines to NATS, the announcer fans them out to the
// game's WebSocket clients. A payload without a deadline clears the
// countdown.
type Announcer struct {
	hub    *Hub
	nc     *nats.Conn
	sub    *nats.Subscription
	config AnnouncerConfig
}

// NewAnnouncer connects to NATS with the hub's reconnect policy.
func NewAnnouncer(hub *Hub, config AnnouncerConfig) (*Announcer, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return &Announcer{
		hub:    hub,
		nc:     nc,
		config: config,
	}, nil
}

// Start subscribes to deadline announcements and blocks until ctx is
// cancelled.
func (a *Announcer) Start(ctx context.Context) error {
	subject := a.config.SubjectPrefix + ".*"
	sub, err := a.nc.Subscribe(subject, a.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	a.sub = sub

	log.Info().Str("subject", subject).Msg("deadline announcer started")

	<-ctx.Done()
	log.Info().Msg("deadline announcer shutting down")
	return a.sub.Unsubscribe()
}

// handleMessage processes one deadline announcement from the quiz engine.
func (a *Announcer) handleMessage(msg *nats.Msg) {
	gameIDStr := msg.Subject[strings.LastIndex(msg.Subject, ".")+1:]
	gameID, err := uuid.Parse(gameIDStr)
	if err != nil {
		log.Warn().
			Str("subject", msg.Subject).
			Err(err).
			Msg("ignoring announcement with invalid game id")
		return
	}

	var payload protocol.DeadlineAnnouncePayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		log.Warn().
			Str("game_id", gameID.String()).
			Err(err).
			Msg("ignoring malformed deadline announcement")
		return
	}

	if payload.DeadlineMs <= 0 {
		if err := a.hub.ClearDeadline(gameID); err != nil {
			log.Error().Err(err).Str("game_id", gameID.String()).Msg("failed to clear deadline")
		}
		return
	}

	if err := a.hub.AnnounceDeadline(gameID, payload); err != nil {
		log.Error().Err(err).Str("game_id", gameID.String()).Msg("failed to announce deadline")
		return
	}

	log.Info().
		Str("game_id", gameID.String()).
		Str("phase", payload.Phase).
		Int64("deadline_ms", payload.DeadlineMs).
		Msg("deadline announced")
}

// Stop closes the NATS connection.
func (a *Announcer) Stop() {
	if a.nc != nil {
		a.nc.Close()
	}
}
