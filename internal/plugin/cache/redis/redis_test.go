package redis

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hoalng/chat-service/internal/model"
	"github.com/stretchr/testify/require"
)

func TestMessageCodecKeepsSoftDeleteMarkers(t *testing.T) {
	deleter := uuid.New()
	msg := model.Message{
		ID:               uuid.New(),
		ConversationID:   uuid.New(),
		MemberID:         uuid.New(),
		Content:          "hello",
		Type:             model.TypeText,
		DeletedMemberIDs: []uuid.UUID{deleter},
		CreatedAt:        time.Now().UTC().Truncate(time.Millisecond),
	}

	data, err := encodeMessage(&msg)
	require.NoError(t, err)

	got, err := decodeMessage(data)
	require.NoError(t, err)
	require.Equal(t, msg.ID, got.ID)
	require.Equal(t, msg.Content, got.Content)
	require.True(t, got.DeletedFor(deleter), "soft-delete marker lost in the cache round-trip")
	require.False(t, got.DeletedFor(uuid.New()))
}

func TestPageCodecKeepsSoftDeleteMarkers(t *testing.T) {
	deleter := uuid.New()
	msgs := []model.Message{
		{ID: uuid.New(), Content: "first", Type: model.TypeText, DeletedMemberIDs: []uuid.UUID{deleter}},
		{ID: uuid.New(), Content: "second", Type: model.TypeText},
	}

	data, err := encodePage(msgs)
	require.NoError(t, err)

	got, err := decodePage(data)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.True(t, got[0].DeletedFor(deleter))
	require.Empty(t, got[1].DeletedMemberIDs)
}
