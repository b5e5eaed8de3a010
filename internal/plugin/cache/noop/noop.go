package noop

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hoalng/chat-service/internal/model"
	"github.com/hoalng/chat-service/internal/registry/cache"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.MessageCache, error) {
			return &noopMessageCache{}, nil
		},
	})
}

type noopMessageCache struct{}

func (n *noopMessageCache) Available() bool { return false }
func (n *noopMessageCache) GetMessage(_ context.Context, _ uuid.UUID) (*model.Message, error) {
	return nil, nil
}
func (n *noopMessageCache) SetMessage(_ context.Context, _ *model.Message, _ time.Duration) error {
	return nil
}
func (n *noopMessageCache) GetPage(_ context.Context, _ string) ([]model.Message, error) {
	return nil, nil
}
func (n *noopMessageCache) SetPage(_ context.Context, _ string, _ []model.Message, _ time.Duration) error {
	return nil
}
func (n *noopMessageCache) UpsertIndex(_ context.Context, _ uuid.UUID, _ []cache.IndexEntry) error {
	return nil
}
func (n *noopMessageCache) TrimIndex(_ context.Context, _ uuid.UUID, _ int, _ time.Duration) error {
	return nil
}

var _ cache.MessageCache = (*noopMessageCache)(nil)
