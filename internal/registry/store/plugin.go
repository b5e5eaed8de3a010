package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hoalng/chat-service/internal/model"
)

// CreatePollRequest seeds the embedded vote state of a VOTE message. Options
// start with empty selection sets and the lock open.
type CreatePollRequest struct {
	Options          []string `json:"options"`
	IsMultipleChoice bool     `json:"isMultipleChoice"`
	IsAnonymous      bool     `json:"isAnonymous"`
}

// CreateMessageRequest is the input for creating a message.
type CreateMessageRequest struct {
	MemberID       uuid.UUID
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
	Poll           *CreatePollRequest
}

// Validate checks the request fields that do not require a store round-trip.
func (r *CreateMessageRequest) Validate() error {
	if r.MemberID == uuid.Nil {
		return &ValidationError{Field: "memberId", Message: "is required"}
	}
	if r.ConversationID == uuid.Nil {
		return &ValidationError{Field: "conversationId", Message: "is required"}
	}
	if strings.TrimSpace(r.Content) == "" {
		return &ValidationError{Field: "content", Message: "cannot be empty"}
	}
	if !r.Type.Valid() {
		return &ValidationError{Field: "type", Message: fmt.Sprintf("unknown message type %q", r.Type)}
	}
	if r.Type == model.TypeVote {
		if r.Poll == nil || len(r.Poll.Options) == 0 {
			return &ValidationError{Field: "options", Message: "a vote needs at least one option"}
		}
		for _, name := range r.Poll.Options {
			if strings.TrimSpace(name) == "" {
				return &ValidationError{Field: "options", Message: "option names cannot be empty"}
			}
		}
	}
	return nil
}

// ListQuery selects a page of messages for one member's view of a conversation
// or channel. The store returns results sorted by creation time descending
// (id descending as tie-break) with Skip/Limit applied; the retrieval engine
// re-sorts ascending before returning to callers.
type ListQuery struct {
	ConversationID uuid.UUID
	ChannelID      *uuid.UUID

	// VisibleTo excludes messages whose deletedMemberIds contains this member.
	VisibleTo uuid.UUID

	// After is the exclusive lower creation-time bound (hideBeforeTime).
	After *time.Time
	// Before is the exclusive upper bound (cursor timestamp).
	Before *time.Time
	// NotAfter is the inclusive upper bound applied when the member is
	// inactive and has left the conversation.
	NotAfter *time.Time

	Skip  int
	Limit int
}

// MessageStore is the primary data access interface of the chat service.
// It covers the authoritative message ledger, the embedded poll state, and the
// consumed member/conversation directory records.
//
// Poll mutations are atomic per message document: implementations condition
// each update on the poll's current lock flag and member set so that
// concurrent selections on one poll serialize and never duplicate entries.
type MessageStore interface {
	// Directory (consumed collaborators)
	GetMemberByConversationAndUser(ctx context.Context, conversationID, userID uuid.UUID) (*model.Member, error)
	GetMember(ctx context.Context, memberID uuid.UUID) (*model.Member, error)
	GetConversation(ctx context.Context, conversationID uuid.UUID) (*model.Conversation, error)
	GetChannel(ctx context.Context, channelID uuid.UUID) (*model.Channel, error)
	// SetLastMessage is a best-effort side effect of message creation; a
	// failure here must not roll back the created message.
	SetLastMessage(ctx context.Context, conversationID, messageID uuid.UUID) error

	// Messages
	CreateMessage(ctx context.Context, req CreateMessageRequest) (*model.Message, error)
	GetMessage(ctx context.Context, messageID uuid.UUID) (*model.Message, error)
	ListMessages(ctx context.Context, q ListQuery) ([]model.Message, error)
	CountMessagesSince(ctx context.Context, conversationID uuid.UUID, since time.Time) (int64, error)
	AddReaction(ctx context.Context, messageID, memberID uuid.UUID, kind model.ReactKind) (*model.Message, error)
	RemoveReaction(ctx context.Context, messageID, memberID uuid.UUID) (*model.Message, error)
	SoftDeleteForMember(ctx context.Context, messageID, memberID uuid.UUID) error
	Recall(ctx context.Context, messageID uuid.UUID) (*model.Message, error)

	// Poll state (per-document atomic)
	AddPollOption(ctx context.Context, messageID, creatorMemberID uuid.UUID, name string) (*model.Message, error)
	RemovePollOption(ctx context.Context, messageID, optionID uuid.UUID) (*model.Message, error)
	SelectPollOption(ctx context.Context, messageID, optionID uuid.UUID, member model.OptionMember) (*model.Message, error)
	DeselectPollOption(ctx context.Context, messageID, optionID, memberID uuid.UUID) (*model.Message, error)
	LockPoll(ctx context.Context, messageID, byMemberID uuid.UUID) (*model.Message, error)
}

// Loader creates a MessageStore from config.
type Loader func(ctx context.Context) (MessageStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}
