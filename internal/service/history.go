package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/hoalng/chat-service/internal/config"
	"github.com/hoalng/chat-service/internal/model"
	registrycache "github.com/hoalng/chat-service/internal/registry/cache"
	registrystore "github.com/hoalng/chat-service/internal/registry/store"
	"github.com/hoalng/chat-service/internal/security"
)

// History serves message reads: single lookups, offset pages, and cursor
// pages. Pages come back sorted ascending by creation time even though the
// store query runs descending, so the newest window of a long conversation
// still reads top to bottom.
type History struct {
	store  registrystore.MessageStore
	cache  registrycache.MessageCache
	syncer *Syncer
	cfg    *config.Config
}

// NewHistory returns a History backed by the given store and cache.
func NewHistory(store registrystore.MessageStore, cache registrycache.MessageCache, syncer *Syncer, cfg *config.Config) *History {
	return &History{store: store, cache: cache, syncer: syncer, cfg: cfg}
}

// ListRequest selects one page of a member's view of a conversation or
// channel. Before is the cursor form: the creation time of the oldest
// message the client already holds.
type ListRequest struct {
	ConversationID uuid.UUID
	ChannelID      *uuid.UUID
	UserID         uuid.UUID
	Skip           int
	Limit          int
	Before         *time.Time
}

func (h *History) cacheAvailable() bool {
	return h.cache != nil && h.cache.Available()
}

// Metrics are initialized by the serve command; counters are nil otherwise.
func countCacheHit(hit bool) {
	if hit && security.CacheHitsTotal != nil {
		security.CacheHitsTotal.Inc()
	}
	if !hit && security.CacheMissesTotal != nil {
		security.CacheMissesTotal.Inc()
	}
}

// resolveMember maps the calling user to their membership record. Callers
// that are not members get ForbiddenError, never a membership 404, so the
// response does not leak whether the conversation exists.
func (h *History) resolveMember(ctx context.Context, conversationID, userID uuid.UUID) (*model.Member, error) {
	member, err := h.store.GetMemberByConversationAndUser(ctx, conversationID, userID)
	if err != nil {
		var nf *registrystore.NotFoundError
		if errors.As(err, &nf) {
			return nil, &registrystore.ForbiddenError{}
		}
		return nil, err
	}
	return member, nil
}

// List returns one page of messages, ascending by creation time.
func (h *History) List(ctx context.Context, req ListRequest) ([]model.Message, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = h.cfg.DefaultPageLimit
	}
	if limit > h.cfg.MaxPageLimit {
		limit = h.cfg.MaxPageLimit
	}
	if req.Skip < 0 {
		return nil, &registrystore.ValidationError{Field: "skip", Message: "cannot be negative"}
	}

	conversationID := req.ConversationID
	if req.ChannelID != nil {
		channel, err := h.store.GetChannel(ctx, *req.ChannelID)
		if err != nil {
			return nil, err
		}
		conversationID = channel.ConversationID
	}

	member, err := h.resolveMember(ctx, conversationID, req.UserID)
	if err != nil {
		return nil, err
	}

	// Page snapshots are keyed by the queried room and window only; a hit is
	// returned exactly as cached.
	keyID := conversationID
	if req.ChannelID != nil {
		keyID = *req.ChannelID
	}
	var key string
	if req.Before != nil {
		key = registrycache.CursorKey(keyID, req.Before.UnixMilli())
	} else {
		key = registrycache.PageKey(keyID, req.Skip, limit)
	}

	if h.cacheAvailable() {
		page, err := h.cache.GetPage(ctx, key)
		if err != nil {
			log.Warn("Page cache read failed", "key", key, "err", err)
		} else if page != nil {
			countCacheHit(true)
			return page, nil
		}
		countCacheHit(false)
	}

	q := registrystore.ListQuery{
		ConversationID: conversationID,
		ChannelID:      req.ChannelID,
		VisibleTo:      member.ID,
		After:          member.HideBeforeTime,
		Before:         req.Before,
		Skip:           req.Skip,
		Limit:          limit,
	}
	if !member.Active && member.LeftAt != nil {
		q.NotAfter = member.LeftAt
	}

	msgs, err := h.store.ListMessages(ctx, q)
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		if msgs[i].IsDeleted {
			msgs[i].Content = ""
		}
	}
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID.String() < msgs[j].ID.String()
	})

	if h.cacheAvailable() {
		if err := h.cache.SetPage(ctx, key, msgs, h.cfg.CachePageTTL); err != nil {
			log.Warn("Page cache write failed", "key", key, "err", err)
		}
		// The read path syncs inline so the index reflects what was just
		// served before the next request arrives.
		if err := h.syncer.Sync(ctx, conversationID, msgs); err != nil {
			log.Warn("Cache sync failed", "conversationId", conversationID, "err", err)
		}
	}
	return msgs, nil
}

// Get returns a single message visible to the calling user. The point-lookup
// cache is consulted before the store.
func (h *History) Get(ctx context.Context, userID, messageID uuid.UUID) (*model.Message, error) {
	var msg *model.Message
	if h.cacheAvailable() {
		cached, err := h.cache.GetMessage(ctx, messageID)
		if err != nil {
			log.Warn("Message cache read failed", "messageId", messageID, "err", err)
		} else if cached != nil {
			countCacheHit(true)
			msg = cached
		} else {
			countCacheHit(false)
		}
	}
	if msg == nil {
		loaded, err := h.store.GetMessage(ctx, messageID)
		if err != nil {
			return nil, err
		}
		msg = loaded
		if h.cacheAvailable() {
			if err := h.cache.SetMessage(ctx, msg, h.cfg.CacheMessageTTL); err != nil {
				log.Warn("Message cache write failed", "messageId", messageID, "err", err)
			}
		}
	}

	member, err := h.resolveMember(ctx, msg.ConversationID, userID)
	if err != nil {
		return nil, err
	}
	if msg.DeletedFor(member.ID) {
		return nil, &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
	}
	if msg.IsDeleted {
		redacted := *msg
		redacted.Content = ""
		return &redacted, nil
	}
	return msg, nil
}

// UnreadCount counts the conversation's messages created after since.
func (h *History) UnreadCount(ctx context.Context, userID, conversationID uuid.UUID, since time.Time) (int64, error) {
	if _, err := h.resolveMember(ctx, conversationID, userID); err != nil {
		return 0, err
	}
	return h.store.CountMessagesSince(ctx, conversationID, since)
}
