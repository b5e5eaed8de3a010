package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hoalng/chat-service/internal/config"
	"github.com/hoalng/chat-service/internal/model"
	"github.com/hoalng/chat-service/internal/plugin/store/mem"
	registrycache "github.com/hoalng/chat-service/internal/registry/cache"
	registrystore "github.com/hoalng/chat-service/internal/registry/store"
	"github.com/stretchr/testify/require"
)

// fixture is one seeded conversation with two active members.
type fixture struct {
	store *mem.Store
	cfg   *config.Config

	convID  uuid.UUID
	userA   uuid.UUID
	memberA uuid.UUID
	userB   uuid.UUID
	memberB uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	f := &fixture{
		store:   mem.New(),
		cfg:     &cfg,
		convID:  uuid.New(),
		userA:   uuid.New(),
		memberA: uuid.New(),
		userB:   uuid.New(),
		memberB: uuid.New(),
	}
	f.store.SeedConversation(model.Conversation{ID: f.convID, Name: "general"})
	f.store.SeedMember(model.Member{ID: f.memberA, ConversationID: f.convID, UserID: f.userA, Name: "alice", Active: true})
	f.store.SeedMember(model.Member{ID: f.memberB, ConversationID: f.convID, UserID: f.userB, Name: "bob", Active: true})
	return f
}

func (f *fixture) createText(t *testing.T, memberID uuid.UUID, content string) *model.Message {
	t.Helper()
	msg, err := f.store.CreateMessage(context.Background(), registrystore.CreateMessageRequest{
		MemberID:       memberID,
		ConversationID: f.convID,
		Content:        content,
		Type:           model.TypeText,
	})
	require.NoError(t, err)
	// Creation times must be distinct at millisecond resolution for ordering
	// and cursor assertions.
	time.Sleep(2 * time.Millisecond)
	return msg
}

func (f *fixture) history(cache registrycache.MessageCache) *History {
	return NewHistory(f.store, cache, NewSyncer(cache, f.cfg), f.cfg)
}

func contents(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

type trimCall struct {
	conversationID uuid.UUID
	max            int
	ttl            time.Duration
}

// fakeCache records every write so tests can assert on snapshot and index
// traffic. A nil-safe zero value is not provided; use newFakeCache.
type fakeCache struct {
	mu          sync.Mutex
	unavailable bool
	failWith    error

	messages   map[uuid.UUID]model.Message
	messageTTL map[uuid.UUID]time.Duration
	pages      map[string][]model.Message
	pageTTL    map[string]time.Duration
	index      map[uuid.UUID]map[uuid.UUID]int64
	trims      []trimCall
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		messages:   map[uuid.UUID]model.Message{},
		messageTTL: map[uuid.UUID]time.Duration{},
		pages:      map[string][]model.Message{},
		pageTTL:    map[string]time.Duration{},
		index:      map[uuid.UUID]map[uuid.UUID]int64{},
	}
}

func (f *fakeCache) Available() bool { return !f.unavailable }

func (f *fakeCache) GetMessage(ctx context.Context, id uuid.UUID) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	if m, ok := f.messages[id]; ok {
		cp := m
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeCache) SetMessage(ctx context.Context, msg *model.Message, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.messages[msg.ID] = *msg
	f.messageTTL[msg.ID] = ttl
	return nil
}

func (f *fakeCache) GetPage(ctx context.Context, key string) ([]model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	return f.pages[key], nil
}

func (f *fakeCache) SetPage(ctx context.Context, key string, msgs []model.Message, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.pages[key] = append([]model.Message(nil), msgs...)
	f.pageTTL[key] = ttl
	return nil
}

func (f *fakeCache) UpsertIndex(ctx context.Context, conversationID uuid.UUID, entries []registrycache.IndexEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	idx := f.index[conversationID]
	if idx == nil {
		idx = map[uuid.UUID]int64{}
		f.index[conversationID] = idx
	}
	for _, e := range entries {
		idx[e.MessageID] = e.Score
	}
	return nil
}

func (f *fakeCache) TrimIndex(ctx context.Context, conversationID uuid.UUID, max int, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.trims = append(f.trims, trimCall{conversationID: conversationID, max: max, ttl: ttl})
	return nil
}

func (f *fakeCache) hasMessage(id uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.messages[id]
	return ok
}

var _ registrycache.MessageCache = (*fakeCache)(nil)

func TestHistoryList(t *testing.T) {
	ctx := context.Background()

	t.Run("returns the newest window in ascending order", func(t *testing.T) {
		f := newFixture(t)
		for _, c := range []string{"m1", "m2", "m3", "m4", "m5"} {
			f.createText(t, f.memberA, c)
		}
		h := f.history(nil)

		msgs, err := h.List(ctx, ListRequest{ConversationID: f.convID, UserID: f.userA, Limit: 3})
		require.NoError(t, err)
		require.Equal(t, []string{"m3", "m4", "m5"}, contents(msgs))
	})

	t.Run("skip steps back through older windows", func(t *testing.T) {
		f := newFixture(t)
		for _, c := range []string{"m1", "m2", "m3", "m4", "m5"} {
			f.createText(t, f.memberA, c)
		}
		h := f.history(nil)

		msgs, err := h.List(ctx, ListRequest{ConversationID: f.convID, UserID: f.userA, Skip: 2, Limit: 2})
		require.NoError(t, err)
		require.Equal(t, []string{"m2", "m3"}, contents(msgs))
	})

	t.Run("missing limit falls back to the configured default", func(t *testing.T) {
		f := newFixture(t)
		f.cfg.DefaultPageLimit = 2
		for _, c := range []string{"m1", "m2", "m3"} {
			f.createText(t, f.memberA, c)
		}
		h := f.history(nil)

		msgs, err := h.List(ctx, ListRequest{ConversationID: f.convID, UserID: f.userA})
		require.NoError(t, err)
		require.Equal(t, []string{"m2", "m3"}, contents(msgs))
	})

	t.Run("limit is capped at the configured maximum", func(t *testing.T) {
		f := newFixture(t)
		f.cfg.MaxPageLimit = 2
		for _, c := range []string{"m1", "m2", "m3"} {
			f.createText(t, f.memberA, c)
		}
		h := f.history(nil)

		msgs, err := h.List(ctx, ListRequest{ConversationID: f.convID, UserID: f.userA, Limit: 50})
		require.NoError(t, err)
		require.Equal(t, []string{"m2", "m3"}, contents(msgs))
	})

	t.Run("negative skip is rejected", func(t *testing.T) {
		f := newFixture(t)
		h := f.history(nil)

		_, err := h.List(ctx, ListRequest{ConversationID: f.convID, UserID: f.userA, Skip: -1})
		var validation *registrystore.ValidationError
		require.ErrorAs(t, err, &validation)
	})

	t.Run("non-members are forbidden", func(t *testing.T) {
		f := newFixture(t)
		h := f.history(nil)

		_, err := h.List(ctx, ListRequest{ConversationID: f.convID, UserID: uuid.New()})
		var forbidden *registrystore.ForbiddenError
		require.ErrorAs(t, err, &forbidden)
	})

	t.Run("cursor returns only messages older than before", func(t *testing.T) {
		f := newFixture(t)
		f.createText(t, f.memberA, "m1")
		f.createText(t, f.memberA, "m2")
		m3 := f.createText(t, f.memberA, "m3")
		h := f.history(nil)

		before := m3.CreatedAt
		msgs, err := h.List(ctx, ListRequest{ConversationID: f.convID, UserID: f.userA, Before: &before})
		require.NoError(t, err)
		require.Equal(t, []string{"m1", "m2"}, contents(msgs))
	})

	t.Run("hidden history starts after hideBeforeTime", func(t *testing.T) {
		f := newFixture(t)
		f.createText(t, f.memberA, "m1")
		m2 := f.createText(t, f.memberA, "m2")
		f.createText(t, f.memberA, "m3")
		hide := m2.CreatedAt
		f.store.SeedMember(model.Member{ID: f.memberB, ConversationID: f.convID, UserID: f.userB, Name: "bob", Active: true, HideBeforeTime: &hide})
		h := f.history(nil)

		msgs, err := h.List(ctx, ListRequest{ConversationID: f.convID, UserID: f.userB})
		require.NoError(t, err)
		require.Equal(t, []string{"m3"}, contents(msgs))
	})

	t.Run("departed member sees nothing after leaving", func(t *testing.T) {
		f := newFixture(t)
		f.createText(t, f.memberA, "m1")
		m2 := f.createText(t, f.memberA, "m2")
		f.createText(t, f.memberA, "m3")
		left := m2.CreatedAt
		f.store.SeedMember(model.Member{ID: f.memberB, ConversationID: f.convID, UserID: f.userB, Name: "bob", Active: false, LeftAt: &left})
		h := f.history(nil)

		msgs, err := h.List(ctx, ListRequest{ConversationID: f.convID, UserID: f.userB})
		require.NoError(t, err)
		require.Equal(t, []string{"m1", "m2"}, contents(msgs))
	})

	t.Run("soft deletion hides the message for that member only", func(t *testing.T) {
		f := newFixture(t)
		f.createText(t, f.memberA, "m1")
		m2 := f.createText(t, f.memberA, "m2")
		f.createText(t, f.memberA, "m3")
		require.NoError(t, f.store.SoftDeleteForMember(ctx, m2.ID, f.memberA))
		h := f.history(nil)

		msgs, err := h.List(ctx, ListRequest{ConversationID: f.convID, UserID: f.userA})
		require.NoError(t, err)
		require.Equal(t, []string{"m1", "m3"}, contents(msgs))

		msgs, err = h.List(ctx, ListRequest{ConversationID: f.convID, UserID: f.userB})
		require.NoError(t, err)
		require.Equal(t, []string{"m1", "m2", "m3"}, contents(msgs))
	})

	t.Run("recalled messages keep their slot with blank content", func(t *testing.T) {
		f := newFixture(t)
		f.createText(t, f.memberA, "m1")
		m2 := f.createText(t, f.memberA, "m2")
		f.createText(t, f.memberA, "m3")
		_, err := f.store.Recall(ctx, m2.ID)
		require.NoError(t, err)
		h := f.history(nil)

		msgs, err := h.List(ctx, ListRequest{ConversationID: f.convID, UserID: f.userA})
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		require.Equal(t, m2.ID, msgs[1].ID)
		require.True(t, msgs[1].IsDeleted)
		require.Empty(t, msgs[1].Content)
	})

	t.Run("channel listing resolves membership through the parent conversation", func(t *testing.T) {
		f := newFixture(t)
		channelID := uuid.New()
		f.store.SeedChannel(model.Channel{ID: channelID, ConversationID: f.convID, Name: "random"})
		f.createText(t, f.memberA, "room-level")
		inChannel, err := f.store.CreateMessage(ctx, registrystore.CreateMessageRequest{
			MemberID:       f.memberA,
			ConversationID: f.convID,
			ChannelID:      &channelID,
			Content:        "channel-level",
			Type:           model.TypeText,
		})
		require.NoError(t, err)
		h := f.history(nil)

		msgs, err := h.List(ctx, ListRequest{ChannelID: &channelID, UserID: f.userA})
		require.NoError(t, err)
		require.Equal(t, []string{"channel-level"}, contents(msgs))
		require.Equal(t, inChannel.ID, msgs[0].ID)

		_, err = h.List(ctx, ListRequest{ChannelID: &channelID, UserID: uuid.New()})
		var forbidden *registrystore.ForbiddenError
		require.ErrorAs(t, err, &forbidden)
	})
}

func TestHistoryListCache(t *testing.T) {
	ctx := context.Background()

	t.Run("page hit is returned exactly as cached", func(t *testing.T) {
		f := newFixture(t)
		f.createText(t, f.memberA, "fresh")
		fc := newFakeCache()
		snapshot := []model.Message{{ID: uuid.New(), ConversationID: f.convID, Content: "stale-snapshot", Type: model.TypeText}}
		fc.pages[registrycache.PageKey(f.convID, 0, 2)] = snapshot
		h := f.history(fc)

		msgs, err := h.List(ctx, ListRequest{ConversationID: f.convID, UserID: f.userA, Limit: 2})
		require.NoError(t, err)
		require.Equal(t, snapshot, msgs)
	})

	t.Run("miss fills the snapshot and the conversation index", func(t *testing.T) {
		f := newFixture(t)
		m1 := f.createText(t, f.memberA, "m1")
		m2 := f.createText(t, f.memberA, "m2")
		fc := newFakeCache()
		h := f.history(fc)

		msgs, err := h.List(ctx, ListRequest{ConversationID: f.convID, UserID: f.userA, Limit: 20})
		require.NoError(t, err)

		key := registrycache.PageKey(f.convID, 0, 20)
		require.Equal(t, msgs, fc.pages[key])
		require.Equal(t, f.cfg.CachePageTTL, fc.pageTTL[key])

		require.True(t, fc.hasMessage(m1.ID))
		require.True(t, fc.hasMessage(m2.ID))
		require.Equal(t, f.cfg.CacheMessageTTL, fc.messageTTL[m1.ID])

		require.Equal(t, m1.CreatedAt.UnixMilli(), fc.index[f.convID][m1.ID])
		require.Equal(t, m2.CreatedAt.UnixMilli(), fc.index[f.convID][m2.ID])
		require.Equal(t, []trimCall{{conversationID: f.convID, max: f.cfg.CacheIndexMaxEntries, ttl: f.cfg.CacheIndexTTL}}, fc.trims)
	})

	t.Run("cursor requests use the cursor key", func(t *testing.T) {
		f := newFixture(t)
		f.createText(t, f.memberA, "m1")
		m2 := f.createText(t, f.memberA, "m2")
		fc := newFakeCache()
		h := f.history(fc)

		before := m2.CreatedAt
		msgs, err := h.List(ctx, ListRequest{ConversationID: f.convID, UserID: f.userA, Before: &before})
		require.NoError(t, err)
		require.Equal(t, []string{"m1"}, contents(msgs))
		require.Contains(t, fc.pages, registrycache.CursorKey(f.convID, before.UnixMilli()))
	})

	t.Run("unavailable cache is skipped entirely", func(t *testing.T) {
		f := newFixture(t)
		f.createText(t, f.memberA, "m1")
		fc := newFakeCache()
		fc.unavailable = true
		h := f.history(fc)

		msgs, err := h.List(ctx, ListRequest{ConversationID: f.convID, UserID: f.userA})
		require.NoError(t, err)
		require.Equal(t, []string{"m1"}, contents(msgs))
		require.Empty(t, fc.pages)
	})

	t.Run("cache failure degrades to a store read", func(t *testing.T) {
		f := newFixture(t)
		f.createText(t, f.memberA, "m1")
		fc := newFakeCache()
		fc.failWith = errors.New("connection refused")
		h := f.history(fc)

		msgs, err := h.List(ctx, ListRequest{ConversationID: f.convID, UserID: f.userA})
		require.NoError(t, err)
		require.Equal(t, []string{"m1"}, contents(msgs))
	})
}

func TestHistoryGet(t *testing.T) {
	ctx := context.Background()

	t.Run("cache hit skips the store", func(t *testing.T) {
		f := newFixture(t)
		msg := f.createText(t, f.memberA, "from-store")
		fc := newFakeCache()
		cached := *msg
		cached.Content = "from-cache"
		fc.messages[msg.ID] = cached
		h := f.history(fc)

		got, err := h.Get(ctx, f.userA, msg.ID)
		require.NoError(t, err)
		require.Equal(t, "from-cache", got.Content)
	})

	t.Run("miss loads from the store and backfills the cache", func(t *testing.T) {
		f := newFixture(t)
		msg := f.createText(t, f.memberA, "hello")
		fc := newFakeCache()
		h := f.history(fc)

		got, err := h.Get(ctx, f.userA, msg.ID)
		require.NoError(t, err)
		require.Equal(t, "hello", got.Content)
		require.True(t, fc.hasMessage(msg.ID))
		require.Equal(t, f.cfg.CacheMessageTTL, fc.messageTTL[msg.ID])
	})

	t.Run("soft-deleted message is not found for that member", func(t *testing.T) {
		f := newFixture(t)
		msg := f.createText(t, f.memberA, "hello")
		require.NoError(t, f.store.SoftDeleteForMember(ctx, msg.ID, f.memberA))
		h := f.history(nil)

		_, err := h.Get(ctx, f.userA, msg.ID)
		var notFound *registrystore.NotFoundError
		require.ErrorAs(t, err, &notFound)

		got, err := h.Get(ctx, f.userB, msg.ID)
		require.NoError(t, err)
		require.Equal(t, "hello", got.Content)
	})

	t.Run("soft deletion holds after another member warms the cache", func(t *testing.T) {
		f := newFixture(t)
		msg := f.createText(t, f.memberA, "hello")
		require.NoError(t, f.store.SoftDeleteForMember(ctx, msg.ID, f.memberA))
		fc := newFakeCache()
		h := f.history(fc)

		// The other member's read backfills the single-message cache.
		_, err := h.Get(ctx, f.userB, msg.ID)
		require.NoError(t, err)
		require.True(t, fc.hasMessage(msg.ID))

		_, err = h.Get(ctx, f.userA, msg.ID)
		var notFound *registrystore.NotFoundError
		require.ErrorAs(t, err, &notFound)
	})

	t.Run("recalled message comes back with blank content", func(t *testing.T) {
		f := newFixture(t)
		msg := f.createText(t, f.memberA, "secret")
		_, err := f.store.Recall(ctx, msg.ID)
		require.NoError(t, err)
		h := f.history(nil)

		got, err := h.Get(ctx, f.userB, msg.ID)
		require.NoError(t, err)
		require.True(t, got.IsDeleted)
		require.Empty(t, got.Content)
	})

	t.Run("non-members are forbidden", func(t *testing.T) {
		f := newFixture(t)
		msg := f.createText(t, f.memberA, "hello")
		h := f.history(nil)

		_, err := h.Get(ctx, uuid.New(), msg.ID)
		var forbidden *registrystore.ForbiddenError
		require.ErrorAs(t, err, &forbidden)
	})

	t.Run("unknown message is not found", func(t *testing.T) {
		f := newFixture(t)
		h := f.history(nil)

		_, err := h.Get(ctx, f.userA, uuid.New())
		var notFound *registrystore.NotFoundError
		require.ErrorAs(t, err, &notFound)
	})
}

func TestHistoryUnreadCount(t *testing.T) {
	ctx := context.Background()

	t.Run("counts messages created after since", func(t *testing.T) {
		f := newFixture(t)
		m1 := f.createText(t, f.memberA, "m1")
		f.createText(t, f.memberA, "m2")
		f.createText(t, f.memberB, "m3")
		h := f.history(nil)

		count, err := h.UnreadCount(ctx, f.userA, f.convID, m1.CreatedAt)
		require.NoError(t, err)
		require.EqualValues(t, 2, count)
	})

	t.Run("non-members are forbidden", func(t *testing.T) {
		f := newFixture(t)
		h := f.history(nil)

		_, err := h.UnreadCount(ctx, uuid.New(), f.convID, time.Now())
		var forbidden *registrystore.ForbiddenError
		require.ErrorAs(t, err, &forbidden)
	})
}
