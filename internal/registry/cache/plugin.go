package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hoalng/chat-service/internal/model"
)

type messageCacheKey struct{}

// WithMessageCacheContext returns a new context carrying the given MessageCache.
func WithMessageCacheContext(ctx context.Context, c MessageCache) context.Context {
	return context.WithValue(ctx, messageCacheKey{}, c)
}

// MessageCacheFromContext retrieves the MessageCache from the context.
// Returns nil if none was set.
func MessageCacheFromContext(ctx context.Context) MessageCache {
	c, _ := ctx.Value(messageCacheKey{}).(MessageCache)
	return c
}

/// IndexEntry is one member of a conversation's ordered message index: the
// message id scored by its creation time in unix milliseconds.
type IndexEntry struct {
	MessageID uuid.UUID
	Score     int64
}

// MessageCache is the read-side cache of the chat service. It holds three
// shapes: single messages for point lookups, per-conversation ordered indexes
// used by the synchronizer, and short-lived page snapshots keyed by the exact
// query that produced them.
//
// All methods degrade to misses on backend failure at the call site; cache
// errors never fail a request.
type MessageCache interface {
	Available() bool

	// GetMessage returns (nil, nil) on a miss.
	GetMessage(ctx context.Context, messageID uuid.UUID) (*model.Message, error)
	SetMessage(ctx context.Context, msg *model.Message, ttl time.Duration) error

	// GetPage returns (nil, nil) on a miss. A hit is returned to the client
	// unmodified, so pages are only cached under member-independent keys.
	GetPage(ctx context.Context, key string) ([]model.Message, error)
	SetPage(ctx context.Context, key string, msgs []model.Message, ttl time.Duration) error

	// UpsertIndex adds or rescores entries in the conversation's ordered index.
	UpsertIndex(ctx context.Context, conversationID uuid.UUID, entries []IndexEntry) error
	// TrimIndex drops all but the newest max entries and refreshes the TTL.
	TrimIndex(ctx context.Context, conversationID uuid.UUID, max int, ttl time.Duration) error
}

// MessageKey is the cache key for a single message.
func MessageKey(messageID uuid.UUID) string {
	return fmt.Sprintf("message:%s", messageID)
}

// IndexKey is the cache key for a conversation's ordered message index.
func IndexKey(conversationID uuid.UUID) string {
	return fmt.Sprintf("conversation:%s:messages", conversationID)
}

// PageKey is the cache key for an offset-paginated page snapshot.
func PageKey(conversationID uuid.UUID, skip, limit int) string {
	return fmt.Sprintf("messages:%s:page:%d:%d", conversationID, skip, limit)
}

// CursorKey is the cache key for a cursor-paginated page snapshot. The cursor
// is the creation time of the oldest message already held by the client, in
// unix milliseconds.
func CursorKey(conversationID uuid.UUID, beforeMillis int64) string {
	return fmt.Sprintf("messages:%s:cursor:%d", conversationID, beforeMillis)
}

// Loader creates a cache from config.
type Loader func(ctx context.Context) (MessageCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}
