package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hoalng/chat-service/internal/config"
	"github.com/hoalng/chat-service/internal/model"
	registrycache "github.com/hoalng/chat-service/internal/registry/cache"
	"github.com/stretchr/testify/require"
)

func TestSyncerSync(t *testing.T) {
	ctx := context.Background()

	t.Run("writes every message and scores the index", func(t *testing.T) {
		cfg := config.DefaultConfig()
		fc := newFakeCache()
		s := NewSyncer(fc, &cfg)

		convID := uuid.New()
		now := time.Now().UTC()
		msgs := []model.Message{
			{ID: uuid.New(), ConversationID: convID, Content: "m1", Type: model.TypeText, CreatedAt: now},
			{ID: uuid.New(), ConversationID: convID, Content: "m2", Type: model.TypeText, CreatedAt: now.Add(time.Second)},
		}
		require.NoError(t, s.Sync(ctx, convID, msgs))

		for _, m := range msgs {
			require.True(t, fc.hasMessage(m.ID))
			require.Equal(t, cfg.CacheMessageTTL, fc.messageTTL[m.ID])
			require.Equal(t, m.CreatedAt.UnixMilli(), fc.index[convID][m.ID])

			// Each message also lands as a single-element cursor page keyed
			// by its own creation time.
			cursorKey := registrycache.CursorKey(convID, m.CreatedAt.UnixMilli())
			require.Equal(t, []model.Message{m}, fc.pages[cursorKey])
			require.Equal(t, cfg.CachePageTTL, fc.pageTTL[cursorKey])
		}
		require.Equal(t, []trimCall{{conversationID: convID, max: cfg.CacheIndexMaxEntries, ttl: cfg.CacheIndexTTL}}, fc.trims)
	})

	t.Run("nil cache is a no-op", func(t *testing.T) {
		cfg := config.DefaultConfig()
		s := NewSyncer(nil, &cfg)
		require.NoError(t, s.Sync(ctx, uuid.New(), []model.Message{{ID: uuid.New()}}))
	})

	t.Run("unavailable cache is a no-op", func(t *testing.T) {
		cfg := config.DefaultConfig()
		fc := newFakeCache()
		fc.unavailable = true
		s := NewSyncer(fc, &cfg)

		require.NoError(t, s.Sync(ctx, uuid.New(), []model.Message{{ID: uuid.New()}}))
		require.Empty(t, fc.messages)
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		cfg := config.DefaultConfig()
		fc := newFakeCache()
		s := NewSyncer(fc, &cfg)

		require.NoError(t, s.Sync(ctx, uuid.New(), nil))
		require.Empty(t, fc.trims)
	})

	t.Run("the first cache error is returned", func(t *testing.T) {
		cfg := config.DefaultConfig()
		fc := newFakeCache()
		boom := errors.New("connection refused")
		fc.failWith = boom
		s := NewSyncer(fc, &cfg)

		err := s.Sync(ctx, uuid.New(), []model.Message{{ID: uuid.New()}})
		require.ErrorIs(t, err, boom)
	})
}

func TestSyncerSyncDetached(t *testing.T) {
	t.Run("syncs in the background", func(t *testing.T) {
		cfg := config.DefaultConfig()
		fc := newFakeCache()
		s := NewSyncer(fc, &cfg)

		msg := model.Message{ID: uuid.New(), ConversationID: uuid.New(), Content: "m1", Type: model.TypeText, CreatedAt: time.Now().UTC()}
		s.SyncDetached(msg.ConversationID, []model.Message{msg})

		require.Eventually(t, func() bool {
			return fc.hasMessage(msg.ID)
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("nil cache does not spawn work", func(t *testing.T) {
		cfg := config.DefaultConfig()
		s := NewSyncer(nil, &cfg)
		s.SyncDetached(uuid.New(), []model.Message{{ID: uuid.New()}})
	})
}
