// ABOUTME: Tests for wire message encoding and the PublishMessage helper
// ABOUTME: Checks the JSON field names clients depend on

package bus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parlor/internal/store"
)

func TestEncode_FieldNames(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	data, err := Encode(Message{
		ID: "m1", ConversationID: "c1", Sender: "alice",
		Role: store.RoleUser, Content: "hi", Timestamp: ts,
	})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "m1", raw["id"])
	assert.Equal(t, "c1", raw["conversation_id"])
	assert.Equal(t, "alice", raw["sender"])
	assert.Equal(t, "user", raw["role"])
	assert.Equal(t, "hi", raw["content"])
	assert.Equal(t, "2026-01-02T03:04:05Z", raw["timestamp"])

	back, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, ts.Equal(back.Timestamp))

	_, err = Decode([]byte("{"))
	assert.Error(t, err)
}

func TestPublishMessage_UsesConversationTopic(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()
	ctx := t.Context()

	sub, err := b.Subscribe(ctx, "c1")
	require.NoError(t, err)

	ts := time.Now().UTC()
	msg := FromEntry("c1", store.HistoryEntry{ID: "e1", Role: store.RoleAssistant, Sender: "ai-1", Content: "chunk", Timestamp: &ts})
	require.NoError(t, PublishMessage(ctx, b, msg))

	got, err := Decode(recv(t, sub))
	require.NoError(t, err)
	assert.Equal(t, "e1", got.ID)
	assert.Equal(t, store.RoleAssistant, got.Role)
	assert.Equal(t, "chunk", got.Content)
}
