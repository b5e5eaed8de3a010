// Package event defines the realtime notifications fanned out to conversation
// subscribers after a mutation commits.
package event

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hoalng/chat-service/internal/model"
)

// Kind names a realtime event.
type Kind string

const (
	KindReceiveMessage       Kind = "receive-message"
	KindMessageRecalled      Kind = "message-recalled"
	KindMessageDeletedForMe  Kind = "message-deleted-for-me"
	KindReactToMessage       Kind = "react-to-message"
	KindCreateVote           Kind = "create-vote"
	KindVoteOptionSelected   Kind = "vote-option-selected"
	KindVoteOptionDeselected Kind = "vote-option-deselected"
	KindAddVoteOption        Kind = "add-vote-option"
	KindDeleteVoteOption     Kind = "delete-vote-option"
	KindVoteLocked           Kind = "vote-locked"
)

// Payload is the wire form of a realtime event. Message carries the full
// post-mutation message where the client needs it to update its view.
type Payload struct {
	Kind           Kind           `json:"kind"`
	ConversationID uuid.UUID      `json:"conversationId"`
	MessageID      uuid.UUID      `json:"messageId"`
	ActorMemberID  uuid.UUID      `json:"actorMemberId"`
	Message        *model.Message `json:"message,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Emitter publishes events to conversation subscribers. Emit is best-effort;
// a failed or absent subscriber never fails the request that produced the event.
type Emitter interface {
	Emit(ctx context.Context, p Payload)
}

// NopEmitter discards all events.
type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, Payload) {}

var _ Emitter = NopEmitter{}
