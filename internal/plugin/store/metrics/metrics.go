// Package metrics wraps a MessageStore so every operation records its latency.
package metrics

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hoalng/chat-service/internal/model"
	"github.com/hoalng/chat-service/internal/registry/store"
	"github.com/hoalng/chat-service/internal/security"
)

// Wrap returns a MessageStore that records StoreLatency for every operation.
func Wrap(inner store.MessageStore) store.MessageStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.MessageStore
}

func observe(op string, start time.Time) {
	if security.StoreLatency == nil {
		return
	}
	security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) GetMemberByConversationAndUser(ctx context.Context, conversationID, userID uuid.UUID) (*model.Member, error) {
	defer observe("get_member_by_conversation_and_user", time.Now())
	return m.inner.GetMemberByConversationAndUser(ctx, conversationID, userID)
}

func (m *metricsStore) GetMember(ctx context.Context, memberID uuid.UUID) (*model.Member, error) {
	defer observe("get_member", time.Now())
	return m.inner.GetMember(ctx, memberID)
}

func (m *metricsStore) GetConversation(ctx context.Context, conversationID uuid.UUID) (*model.Conversation, error) {
	defer observe("get_conversation", time.Now())
	return m.inner.GetConversation(ctx, conversationID)
}

func (m *metricsStore) GetChannel(ctx context.Context, channelID uuid.UUID) (*model.Channel, error) {
	defer observe("get_channel", time.Now())
	return m.inner.GetChannel(ctx, channelID)
}

func (m *metricsStore) SetLastMessage(ctx context.Context, conversationID, messageID uuid.UUID) error {
	defer observe("set_last_message", time.Now())
	return m.inner.SetLastMessage(ctx, conversationID, messageID)
}

func (m *metricsStore) CreateMessage(ctx context.Context, req store.CreateMessageRequest) (*model.Message, error) {
	defer observe("create_message", time.Now())
	return m.inner.CreateMessage(ctx, req)
}

func (m *metricsStore) GetMessage(ctx context.Context, messageID uuid.UUID) (*model.Message, error) {
	defer observe("get_message", time.Now())
	return m.inner.GetMessage(ctx, messageID)
}

func (m *metricsStore) ListMessages(ctx context.Context, q store.ListQuery) ([]model.Message, error) {
	defer observe("list_messages", time.Now())
	return m.inner.ListMessages(ctx, q)
}

func (m *metricsStore) CountMessagesSince(ctx context.Context, conversationID uuid.UUID, since time.Time) (int64, error) {
	defer observe("count_messages_since", time.Now())
	return m.inner.CountMessagesSince(ctx, conversationID, since)
}

func (m *metricsStore) AddReaction(ctx context.Context, messageID, memberID uuid.UUID, kind model.ReactKind) (*model.Message, error) {
	defer observe("add_reaction", time.Now())
	return m.inner.AddReaction(ctx, messageID, memberID, kind)
}

func (m *metricsStore) RemoveReaction(ctx context.Context, messageID, memberID uuid.UUID) (*model.Message, error) {
	defer observe("remove_reaction", time.Now())
	return m.inner.RemoveReaction(ctx, messageID, memberID)
}

func (m *metricsStore) SoftDeleteForMember(ctx context.Context, messageID, memberID uuid.UUID) error {
	defer observe("soft_delete_for_member", time.Now())
	return m.inner.SoftDeleteForMember(ctx, messageID, memberID)
}

func (m *metricsStore) Recall(ctx context.Context, messageID uuid.UUID) (*model.Message, error) {
	defer observe("recall", time.Now())
	return m.inner.Recall(ctx, messageID)
}

func (m *metricsStore) AddPollOption(ctx context.Context, messageID, creatorMemberID uuid.UUID, name string) (*model.Message, error) {
	defer observe("add_poll_option", time.Now())
	return m.inner.AddPollOption(ctx, messageID, creatorMemberID, name)
}

func (m *metricsStore) RemovePollOption(ctx context.Context, messageID, optionID uuid.UUID) (*model.Message, error) {
	defer observe("remove_poll_option", time.Now())
	return m.inner.RemovePollOption(ctx, messageID, optionID)
}

func (m *metricsStore) SelectPollOption(ctx context.Context, messageID, optionID uuid.UUID, member model.OptionMember) (*model.Message, error) {
	defer observe("select_poll_option", time.Now())
	return m.inner.SelectPollOption(ctx, messageID, optionID, member)
}

func (m *metricsStore) DeselectPollOption(ctx context.Context, messageID, optionID, memberID uuid.UUID) (*model.Message, error) {
	defer observe("deselect_poll_option", time.Now())
	return m.inner.DeselectPollOption(ctx, messageID, optionID, memberID)
}

func (m *metricsStore) LockPoll(ctx context.Context, messageID, byMemberID uuid.UUID) (*model.Message, error) {
	defer observe("lock_poll", time.Now())
	return m.inner.LockPoll(ctx, messageID, byMemberID)
}

var _ store.MessageStore = (*metricsStore)(nil)
