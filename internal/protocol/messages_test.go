package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePayloadRoutesByType(t *testing.T) {
	msg, err := NewMessage("game-1", TypeSyncResponse, SyncResponsePayload{
		ClientSendMs: 1000,
		ServerMs:     1500,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))

	payload, err := ParsePayload(&decoded)
	require.NoError(t, err)

	resp, ok := payload.(SyncResponsePayload)
	require.True(t, ok)
	assert.Equal(t, int64(1000), resp.ClientSendMs)
	assert.Equal(t, int64(1500), resp.ServerMs)
}

func TestParsePayloadUnknownType(t *testing.T) {
	payload, err := ParsePayload(&Message{Type: "future_thing", Data: []byte(`{}`)})
	assert.NoError(t, err)
	assert.Nil(t, payload)
}

func TestDeadlineAnnounceOptionalFields(t *testing.T) {
	msg, err := NewMessage("game-1", TypeDeadlineAnnounce, DeadlineAnnouncePayload{
		DeadlineMs: 10000,
		Phase:      "question",
	})
	require.NoError(t, err)

	payload, err := ParsePayload(msg)
	require.NoError(t, err)

	announce, ok := payload.(DeadlineAnnouncePayload)
	require.True(t, ok)
	assert.Equal(t, int64(10000), announce.DeadlineMs)
	assert.Zero(t, announce.AnnouncedMs)
	assert.Zero(t, announce.DurationMs)
}
