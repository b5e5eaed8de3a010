package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hoalng/chat-service/internal/event"
	"github.com/hoalng/chat-service/internal/model"
	registrystore "github.com/hoalng/chat-service/internal/registry/store"
)

// Polls drives the vote state machine embedded in VOTE messages. All state
// transitions go through the store's conditional updates, so two members
// racing on the same poll settle on a single consistent result.
type Polls struct {
	store   registrystore.MessageStore
	syncer  *Syncer
	emitter event.Emitter
}

// NewPolls returns a Polls service.
func NewPolls(store registrystore.MessageStore, syncer *Syncer, emitter event.Emitter) *Polls {
	return &Polls{store: store, syncer: syncer, emitter: emitter}
}

func (p *Polls) resolveMember(ctx context.Context, conversationID, userID uuid.UUID) (*model.Member, error) {
	member, err := p.store.GetMemberByConversationAndUser(ctx, conversationID, userID)
	if err != nil {
		var nf *registrystore.NotFoundError
		if errors.As(err, &nf) {
			return nil, &registrystore.ForbiddenError{}
		}
		return nil, err
	}
	return member, nil
}

// resolve loads the vote message and the caller's membership in one step.
func (p *Polls) resolve(ctx context.Context, userID, messageID uuid.UUID) (*model.Message, *model.Member, error) {
	msg, err := p.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, nil, err
	}
	if msg.Poll == nil {
		return nil, nil, &registrystore.ValidationError{Field: "messageId", Message: "message is not a vote"}
	}
	member, err := p.resolveMember(ctx, msg.ConversationID, userID)
	if err != nil {
		return nil, nil, err
	}
	return msg, member, nil
}

func (p *Polls) finish(ctx context.Context, kind event.Kind, updated *model.Message, actor uuid.UUID) *model.Message {
	p.syncer.SyncDetached(updated.ConversationID, []model.Message{*updated})
	if p.emitter != nil {
		p.emitter.Emit(ctx, event.Payload{
			Kind:           kind,
			ConversationID: updated.ConversationID,
			MessageID:      updated.ID,
			ActorMemberID:  actor,
			Message:        updated,
			Timestamp:      time.Now().UTC(),
		})
	}
	return updated
}

// AddOption appends a member-created option to an open poll.
func (p *Polls) AddOption(ctx context.Context, userID, messageID uuid.UUID, name string) (*model.Message, error) {
	if strings.TrimSpace(name) == "" {
		return nil, &registrystore.ValidationError{Field: "name", Message: "cannot be empty"}
	}
	_, member, err := p.resolve(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	updated, err := p.store.AddPollOption(ctx, messageID, member.ID, name)
	if err != nil {
		return nil, err
	}
	return p.finish(ctx, event.KindAddVoteOption, updated, member.ID), nil
}

// RemoveOption deletes an option. Only the option's creator or the vote's
// author may remove it.
func (p *Polls) RemoveOption(ctx context.Context, userID, messageID, optionID uuid.UUID) (*model.Message, error) {
	msg, member, err := p.resolve(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	opt := msg.Poll.Option(optionID)
	if opt == nil {
		return nil, &registrystore.NotFoundError{Resource: "option", ID: optionID.String()}
	}
	if opt.MemberCreated != member.ID && msg.MemberID != member.ID {
		return nil, &registrystore.ForbiddenError{}
	}
	updated, err := p.store.RemovePollOption(ctx, messageID, optionID)
	if err != nil {
		return nil, err
	}
	return p.finish(ctx, event.KindDeleteVoteOption, updated, member.ID), nil
}

// Select records the member's choice. Selecting an option the member already
// holds is a no-op; on a single-choice poll any previous selection moves.
func (p *Polls) Select(ctx context.Context, userID, messageID, optionID uuid.UUID) (*model.Message, error) {
	_, member, err := p.resolve(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	updated, err := p.store.SelectPollOption(ctx, messageID, optionID, model.OptionMember{
		MemberID: member.ID,
		Name:     member.Name,
		Avatar:   member.Avatar,
	})
	if err != nil {
		return nil, err
	}
	return p.finish(ctx, event.KindVoteOptionSelected, updated, member.ID), nil
}

// Deselect withdraws the member's choice from the option.
func (p *Polls) Deselect(ctx context.Context, userID, messageID, optionID uuid.UUID) (*model.Message, error) {
	_, member, err := p.resolve(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	updated, err := p.store.DeselectPollOption(ctx, messageID, optionID, member.ID)
	if err != nil {
		return nil, err
	}
	return p.finish(ctx, event.KindVoteOptionDeselected, updated, member.ID), nil
}

// Lock ends the poll. Only the vote's author may lock, and a locked poll
// rejects every further mutation.
func (p *Polls) Lock(ctx context.Context, userID, messageID uuid.UUID) (*model.Message, error) {
	msg, member, err := p.resolve(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	if msg.MemberID != member.ID {
		return nil, &registrystore.ForbiddenError{}
	}
	updated, err := p.store.LockPoll(ctx, messageID, member.ID)
	if err != nil {
		return nil, err
	}
	return p.finish(ctx, event.KindVoteLocked, updated, member.ID), nil
}
