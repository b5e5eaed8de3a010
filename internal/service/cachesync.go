package service

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/hoalng/chat-service/internal/config"
	"github.com/hoalng/chat-service/internal/model"
	registrycache "github.com/hoalng/chat-service/internal/registry/cache"
)

const detachedSyncTimeout = 5 * time.Second

// Syncer keeps the read-side cache aligned with the message store: every
// message it sees is written to the single-message cache and scored into the
// conversation's ordered index, which is then trimmed to the newest entries.
type Syncer struct {
	cache registrycache.MessageCache
	cfg   *config.Config
}

// NewSyncer returns a Syncer. A nil or unavailable cache turns every sync
// into a no-op.
func NewSyncer(cache registrycache.MessageCache, cfg *config.Config) *Syncer {
	return &Syncer{cache: cache, cfg: cfg}
}

// Sync writes the messages through to the cache. The first error is returned
// after all messages were attempted; a partial sync only costs cache hits.
func (s *Syncer) Sync(ctx context.Context, conversationID uuid.UUID, msgs []model.Message) error {
	if s.cache == nil || !s.cache.Available() || len(msgs) == 0 {
		return nil
	}
	var firstErr error
	entries := make([]registrycache.IndexEntry, 0, len(msgs))
	for i := range msgs {
		if err := s.cache.SetMessage(ctx, &msgs[i], s.cfg.CacheMessageTTL); err != nil && firstErr == nil {
			firstErr = err
		}
		// A single-element cursor page keyed by the message's own creation
		// time, so a client paging backwards from it hits the cache.
		cursorKey := registrycache.CursorKey(conversationID, msgs[i].CreatedAt.UnixMilli())
		if err := s.cache.SetPage(ctx, cursorKey, msgs[i:i+1], s.cfg.CachePageTTL); err != nil && firstErr == nil {
			firstErr = err
		}
		entries = append(entries, registrycache.IndexEntry{
			MessageID: msgs[i].ID,
			Score:     msgs[i].CreatedAt.UnixMilli(),
		})
	}
	if err := s.cache.UpsertIndex(ctx, conversationID, entries); err != nil {
		if firstErr == nil {
			firstErr = err
		}
	} else if err := s.cache.TrimIndex(ctx, conversationID, s.cfg.CacheIndexMaxEntries, s.cfg.CacheIndexTTL); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// SyncDetached runs Sync on a background context so write paths do not wait
// on the cache. Failures are logged and dropped.
func (s *Syncer) SyncDetached(conversationID uuid.UUID, msgs []model.Message) {
	if s.cache == nil || !s.cache.Available() || len(msgs) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), detachedSyncTimeout)
		defer cancel()
		if err := s.Sync(ctx, conversationID, msgs); err != nil {
			log.Warn("Cache sync failed", "conversationId", conversationID, "err", err)
		}
	}()
}
