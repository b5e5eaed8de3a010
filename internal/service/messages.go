package service

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/hoalng/chat-service/internal/event"
	"github.com/hoalng/chat-service/internal/model"
	registrystore "github.com/hoalng/chat-service/internal/registry/store"
	"github.com/hoalng/chat-service/internal/security"
)

// Messages owns the message write paths: creation, reactions, per-member
// deletion, and recall. Every committed mutation is pushed through the cache
// syncer and announced to conversation subscribers.
type Messages struct {
	store   registrystore.MessageStore
	syncer  *Syncer
	emitter event.Emitter
}

// NewMessages returns a Messages service.
func NewMessages(store registrystore.MessageStore, syncer *Syncer, emitter event.Emitter) *Messages {
	return &Messages{store: store, syncer: syncer, emitter: emitter}
}

// CreateInput is the caller-facing form of message creation; the author is
// identified by user, not member, and resolved against the conversation.
type CreateInput struct {
	ConversationID uuid.UUID
	ChannelID      *uuid.UUID
	Content        string
	Type           model.MessageType
	ReplyMessageID *uuid.UUID
	Tags           []uuid.UUID
	TagPositions   []model.TagPosition
	FileName       string
	FileSize       int64
	Location       *model.Location
	Poll           *registrystore.CreatePollRequest
}

func (m *Messages) resolveMember(ctx context.Context, conversationID, userID uuid.UUID) (*model.Member, error) {
	member, err := m.store.GetMemberByConversationAndUser(ctx, conversationID, userID)
	if err != nil {
		var nf *registrystore.NotFoundError
		if errors.As(err, &nf) {
			return nil, &registrystore.ForbiddenError{}
		}
		return nil, err
	}
	return member, nil
}

func (m *Messages) emit(ctx context.Context, kind event.Kind, msg *model.Message, actor uuid.UUID) {
	if m.emitter == nil {
		return
	}
	m.emitter.Emit(ctx, event.Payload{
		Kind:           kind,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		ActorMemberID:  actor,
		Message:        msg,
		Timestamp:      time.Now().UTC(),
	})
}

// Create appends a message to the conversation ledger.
func (m *Messages) Create(ctx context.Context, userID uuid.UUID, in CreateInput) (*model.Message, error) {
	member, err := m.resolveMember(ctx, in.ConversationID, userID)
	if err != nil {
		return nil, err
	}
	if in.ChannelID != nil {
		channel, err := m.store.GetChannel(ctx, *in.ChannelID)
		if err != nil {
			return nil, err
		}
		if channel.ConversationID != in.ConversationID {
			return nil, &registrystore.ValidationError{Field: "channelId", Message: "channel belongs to another conversation"}
		}
	}
	if in.ReplyMessageID != nil {
		reply, err := m.store.GetMessage(ctx, *in.ReplyMessageID)
		if err != nil {
			return nil, err
		}
		// A reply target in another conversation is as good as absent.
		if reply.ConversationID != in.ConversationID {
			return nil, &registrystore.NotFoundError{Resource: "message", ID: in.ReplyMessageID.String()}
		}
	}

	req := registrystore.CreateMessageRequest{
		MemberID:       member.ID,
		ConversationID: in.ConversationID,
		ChannelID:      in.ChannelID,
		Content:        in.Content,
		Type:           in.Type,
		ReplyMessageID: in.ReplyMessageID,
		Tags:           in.Tags,
		TagPositions:   in.TagPositions,
		FileName:       in.FileName,
		FileSize:       in.FileSize,
		Location:       in.Location,
		Poll:           in.Poll,
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	msg, err := m.store.CreateMessage(ctx, req)
	if err != nil {
		return nil, err
	}
	if security.MessagesCreatedTotal != nil {
		security.MessagesCreatedTotal.Inc()
	}

	// Directory pointer update is best effort; the message already committed.
	if err := m.store.SetLastMessage(ctx, in.ConversationID, msg.ID); err != nil {
		log.Warn("Failed to update conversation last message", "conversationId", in.ConversationID, "err", err)
	}

	m.syncer.SyncDetached(msg.ConversationID, []model.Message{*msg})

	kind := event.KindReceiveMessage
	if msg.Type == model.TypeVote {
		kind = event.KindCreateVote
	}
	m.emit(ctx, kind, msg, member.ID)
	return msg, nil
}

// React sets the member's reaction on a message, replacing any previous one.
func (m *Messages) React(ctx context.Context, userID, messageID uuid.UUID, kind model.ReactKind) (*model.Message, error) {
	if !kind.Valid() {
		return nil, &registrystore.ValidationError{Field: "kind", Message: "unknown reaction kind"}
	}
	msg, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	member, err := m.resolveMember(ctx, msg.ConversationID, userID)
	if err != nil {
		return nil, err
	}

	updated, err := m.store.AddReaction(ctx, messageID, member.ID, kind)
	if err != nil {
		return nil, err
	}
	m.syncer.SyncDetached(updated.ConversationID, []model.Message{*updated})
	m.emit(ctx, event.KindReactToMessage, updated, member.ID)
	return updated, nil
}

// Unreact removes the member's reaction, if any.
func (m *Messages) Unreact(ctx context.Context, userID, messageID uuid.UUID) (*model.Message, error) {
	msg, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	member, err := m.resolveMember(ctx, msg.ConversationID, userID)
	if err != nil {
		return nil, err
	}

	updated, err := m.store.RemoveReaction(ctx, messageID, member.ID)
	if err != nil {
		return nil, err
	}
	m.syncer.SyncDetached(updated.ConversationID, []model.Message{*updated})
	m.emit(ctx, event.KindReactToMessage, updated, member.ID)
	return updated, nil
}

// DeleteForMe hides the message from the calling member only.
func (m *Messages) DeleteForMe(ctx context.Context, userID, messageID uuid.UUID) error {
	msg, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	member, err := m.resolveMember(ctx, msg.ConversationID, userID)
	if err != nil {
		return err
	}
	if err := m.store.SoftDeleteForMember(ctx, messageID, member.ID); err != nil {
		return err
	}
	updated, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	m.syncer.SyncDetached(updated.ConversationID, []model.Message{*updated})
	m.emit(ctx, event.KindMessageDeletedForMe, updated, member.ID)
	return nil
}

// Recall marks the message recalled for everyone. Only the author may recall;
// the content is blanked in the returned copy and in everything synced out.
func (m *Messages) Recall(ctx context.Context, userID, messageID uuid.UUID) (*model.Message, error) {
	msg, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	member, err := m.resolveMember(ctx, msg.ConversationID, userID)
	if err != nil {
		return nil, err
	}
	if msg.MemberID != member.ID {
		return nil, &registrystore.ForbiddenError{}
	}

	updated, err := m.store.Recall(ctx, messageID)
	if err != nil {
		return nil, err
	}
	updated.Content = ""
	m.syncer.SyncDetached(updated.ConversationID, []model.Message{*updated})
	m.emit(ctx, event.KindMessageRecalled, updated, member.ID)
	return updated, nil
}
