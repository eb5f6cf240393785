// Package protocol defines the JSON messages exchanged between the quiz
// server and its clients over WebSocket.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Message is the envelope for all quizsync traffic.
type Message struct {
	ID     string          `json:"id"`                // Message UUID
	GameID string          `json:"game_id,omitempty"` // Game room UUID
	Type   MessageType     `json:"type"`              // Message type
	Data   json.RawMessage `json:"data"`              // Type-specific payload
}

// MessageType discriminates the envelope payload.
type MessageType string

const (
	// TypeSyncRequest initiates a round-trip clock exchange (client→server).
	TypeSyncRequest MessageType = "sync_request"
	// TypeSyncResponse answers it with the server clock, echoing the
	// client send time for correlation (server→client).
	TypeSyncResponse MessageType = "sync_response"
	// TypeSyncPush is an unsolicited server timestamp broadcast, e.g. on
	// connect (server→client).
	TypeSyncPush MessageType = "sync_push"
	// TypeDeadlineAnnounce starts or replaces the phase countdown
	// (server→client).
	TypeDeadlineAnnounce MessageType = "deadline_announce"
	// TypeDeadlineClear ends the phase countdown (server→client).
	TypeDeadlineClear MessageType = "deadline_clear"
)

// SyncRequestPayload carries the client's local send time.
type SyncRequestPayload struct {
	ClientSendMs int64 `json:"client_send_ms"`
}

// SyncResponsePayload carries the server's authoritative time at receipt.
type SyncResponsePayload struct {
	ClientSendMs int64 `json:"client_send_ms"`
	ServerMs     int64 `json:"server_ms"`
}

// SyncPushPayload carries a bare server timestamp.
type SyncPushPayload struct {
	ServerMs int64 `json:"server_ms"`
}

// DeadlineAnnouncePayload starts a countdown for a game phase. AnnouncedMs
// and DurationMs are optional; zero means absent.
type DeadlineAnnouncePayload struct {
	DeadlineMs  int64  `json:"deadline_ms"`
	AnnouncedMs int64  `json:"announced_ms,omitempty"`
	DurationMs  int64  `json:"duration_ms,omitempty"`
	Phase       string `json:"phase,omitempty"`
}

// NewMessage wraps a payload in an envelope with a fresh message ID.
func NewMessage(gameID string, msgType MessageType, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return &Message{
		ID:     uuid.New().String(),
		GameID: gameID,
		Type:   msgType,
		Data:   data,
	}, nil
}

// ParsePayload decodes the envelope's data into the payload struct for its
// type. Unknown types return nil without error so protocol additions stay
// backwards compatible.
func ParsePayload(msg *Message) (interface{}, error) {
	switch msg.Type {
	case TypeSyncRequest:
		var payload SyncRequestPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case TypeSyncResponse:
		var payload SyncResponsePayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case TypeSyncPush:
		var payload SyncPushPayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case TypeDeadlineAnnounce:
		var payload DeadlineAnnouncePayload
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case TypeDeadlineClear:
		return struct{}{}, nil

	default:
		return nil, nil // Unknown message type
	}
}
