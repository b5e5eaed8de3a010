package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hoalng/chat-service/internal/config"
	"github.com/hoalng/chat-service/internal/model"
	registrycache "github.com/hoalng/chat-service/internal/registry/cache"
	goredis "github.com/redis/go-redis/v9"
)

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrycache.MessageCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: CHAT_SERVICE_REDIS_URL is required")
	}
	return LoadFromURL(ctx, cfg.RedisURL)
}

// LoadFromURL creates a MessageCache from a Redis-compatible URL.
func LoadFromURL(ctx context.Context, redisURL string) (registrycache.MessageCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	return LoadFromOptions(ctx, opts)
}

// LoadFromOptions creates a MessageCache from go-redis Options. This allows
// callers to customize options (e.g. Protocol for RESP2).
func LoadFromOptions(ctx context.Context, opts *goredis.Options) (registrycache.MessageCache, error) {
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	return &redisMessageCache{client: client}, nil
}

type redisMessageCache struct {
	client *goredis.Client
}

// cachedMessage re-exposes the fields the API marshaller hides so a cache
// round-trip is lossless. deletedMemberIds in particular must survive: the
// retrieval path checks it on cached copies, and losing it would serve a
// message back to the member who soft-deleted it.
type cachedMessage struct {
	model.Message
	DeletedMemberIDs []uuid.UUID `json:"deletedMemberIds,omitempty"`
}

func encodeMessage(msg *model.Message) ([]byte, error) {
	return json.Marshal(cachedMessage{Message: *msg, DeletedMemberIDs: msg.DeletedMemberIDs})
}

func decodeMessage(data []byte) (*model.Message, error) {
	var c cachedMessage
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	msg := c.Message
	msg.DeletedMemberIDs = c.DeletedMemberIDs
	return &msg, nil
}

func encodePage(msgs []model.Message) ([]byte, error) {
	page := make([]cachedMessage, len(msgs))
	for i := range msgs {
		page[i] = cachedMessage{Message: msgs[i], DeletedMemberIDs: msgs[i].DeletedMemberIDs}
	}
	return json.Marshal(page)
}

func decodePage(data []byte) ([]model.Message, error) {
	var page []cachedMessage
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, err
	}
	msgs := make([]model.Message, len(page))
	for i := range page {
		msgs[i] = page[i].Message
		msgs[i].DeletedMemberIDs = page[i].DeletedMemberIDs
	}
	return msgs, nil
}

func (c *redisMessageCache) Available() bool {
	return true
}

func (c *redisMessageCache) GetMessage(ctx context.Context, messageID uuid.UUID) (*model.Message, error) {
	data, err := c.client.Get(ctx, registrycache.MessageKey(messageID)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeMessage(data)
}

func (c *redisMessageCache) SetMessage(ctx context.Context, msg *model.Message, ttl time.Duration) error {
	data, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, registrycache.MessageKey(msg.ID), data, ttl).Err()
}

func (c *redisMessageCache) GetPage(ctx context.Context, key string) ([]model.Message, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodePage(data)
}

func (c *redisMessageCache) SetPage(ctx context.Context, key string, msgs []model.Message, ttl time.Duration) error {
	data, err := encodePage(msgs)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, ttl).Err()
}

func (c *redisMessageCache) UpsertIndex(ctx context.Context, conversationID uuid.UUID, entries []registrycache.IndexEntry) error {
	if len(entries) == 0 {
		return nil
	}
	members := make([]goredis.Z, len(entries))
	for i, e := range entries {
		members[i] = goredis.Z{Score: float64(e.Score), Member: e.MessageID.String()}
	}
	return c.client.ZAdd(ctx, registrycache.IndexKey(conversationID), members...).Err()
}

func (c *redisMessageCache) TrimIndex(ctx context.Context, conversationID uuid.UUID, max int, ttl time.Duration) error {
	key := registrycache.IndexKey(conversationID)
	// Ranks are ascending by score, so dropping everything below rank -max
	// keeps the newest max entries.
	if err := c.client.ZRemRangeByRank(ctx, key, 0, int64(-(max + 1))).Err(); err != nil {
		return err
	}
	return c.client.Expire(ctx, key, ttl).Err()
}

var _ registrycache.MessageCache = (*redisMessageCache)(nil)
