package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/hoalng/chat-service/internal/event"
	"github.com/hoalng/chat-service/internal/model"
	registrystore "github.com/hoalng/chat-service/internal/registry/store"
	"github.com/stretchr/testify/require"
)

func (f *fixture) polls(em event.Emitter) *Polls {
	return NewPolls(f.store, NewSyncer(nil, f.cfg), em)
}

// createVote seeds a vote message authored by memberA.
func (f *fixture) createVote(t *testing.T, multipleChoice bool, options ...string) *model.Message {
	t.Helper()
	msg, err := f.store.CreateMessage(context.Background(), registrystore.CreateMessageRequest{
		MemberID:       f.memberA,
		ConversationID: f.convID,
		Content:        "lunch?",
		Type:           model.TypeVote,
		Poll: &registrystore.CreatePollRequest{
			Options:          options,
			IsMultipleChoice: multipleChoice,
		},
	})
	require.NoError(t, err)
	return msg
}

// selectedOptions returns the option names the member currently holds.
func selectedOptions(msg *model.Message, memberID uuid.UUID) []string {
	var out []string
	for _, opt := range msg.Poll.Options {
		if opt.SelectedBy(memberID) {
			out = append(out, opt.Name)
		}
	}
	return out
}

func TestPollsSelect(t *testing.T) {
	ctx := context.Background()

	t.Run("records the member's choice", func(t *testing.T) {
		f := newFixture(t)
		msg := f.createVote(t, false, "pizza", "ramen")
		em := &recordingEmitter{}
		svc := f.polls(em)

		updated, err := svc.Select(ctx, f.userB, msg.ID, msg.Poll.Options[0].ID)
		require.NoError(t, err)
		require.Equal(t, []string{"pizza"}, selectedOptions(updated, f.memberB))
		require.Equal(t, []event.Kind{event.KindVoteOptionSelected}, em.kinds())

		voter := updated.Poll.Options[0].Members[0]
		require.Equal(t, f.memberB, voter.MemberID)
		require.Equal(t, "bob", voter.Name)
	})

	t.Run("selecting the held option again is a no-op", func(t *testing.T) {
		f := newFixture(t)
		msg := f.createVote(t, false, "pizza", "ramen")
		svc := f.polls(nil)

		_, err := svc.Select(ctx, f.userB, msg.ID, msg.Poll.Options[0].ID)
		require.NoError(t, err)
		updated, err := svc.Select(ctx, f.userB, msg.ID, msg.Poll.Options[0].ID)
		require.NoError(t, err)
		require.Len(t, updated.Poll.Options[0].Members, 1)
	})

	t.Run("single choice moves the previous selection", func(t *testing.T) {
		f := newFixture(t)
		msg := f.createVote(t, false, "pizza", "ramen")
		svc := f.polls(nil)

		_, err := svc.Select(ctx, f.userB, msg.ID, msg.Poll.Options[0].ID)
		require.NoError(t, err)
		updated, err := svc.Select(ctx, f.userB, msg.ID, msg.Poll.Options[1].ID)
		require.NoError(t, err)
		require.Equal(t, []string{"ramen"}, selectedOptions(updated, f.memberB))
	})

	t.Run("multiple choice keeps every selection", func(t *testing.T) {
		f := newFixture(t)
		msg := f.createVote(t, true, "pizza", "ramen")
		svc := f.polls(nil)

		_, err := svc.Select(ctx, f.userB, msg.ID, msg.Poll.Options[0].ID)
		require.NoError(t, err)
		updated, err := svc.Select(ctx, f.userB, msg.ID, msg.Poll.Options[1].ID)
		require.NoError(t, err)
		require.Equal(t, []string{"pizza", "ramen"}, selectedOptions(updated, f.memberB))
	})

	t.Run("unknown option is not found", func(t *testing.T) {
		f := newFixture(t)
		msg := f.createVote(t, false, "pizza")
		svc := f.polls(nil)

		_, err := svc.Select(ctx, f.userB, msg.ID, uuid.New())
		var notFound *registrystore.NotFoundError
		require.ErrorAs(t, err, &notFound)
	})

	t.Run("a text message is not a vote", func(t *testing.T) {
		f := newFixture(t)
		msg := f.createText(t, f.memberA, "hello")
		svc := f.polls(nil)

		_, err := svc.Select(ctx, f.userB, msg.ID, uuid.New())
		var validation *registrystore.ValidationError
		require.ErrorAs(t, err, &validation)
	})

	t.Run("non-members are forbidden", func(t *testing.T) {
		f := newFixture(t)
		msg := f.createVote(t, false, "pizza")
		svc := f.polls(nil)

		_, err := svc.Select(ctx, uuid.New(), msg.ID, msg.Poll.Options[0].ID)
		var forbidden *registrystore.ForbiddenError
		require.ErrorAs(t, err, &forbidden)
	})
}

func TestPollsDeselect(t *testing.T) {
	ctx := context.Background()

	t.Run("withdraws the member's choice", func(t *testing.T) {
		f := newFixture(t)
		msg := f.createVote(t, false, "pizza")
		em := &recordingEmitter{}
		svc := f.polls(em)

		_, err := svc.Select(ctx, f.userB, msg.ID, msg.Poll.Options[0].ID)
		require.NoError(t, err)
		updated, err := svc.Deselect(ctx, f.userB, msg.ID, msg.Poll.Options[0].ID)
		require.NoError(t, err)
		require.Empty(t, selectedOptions(updated, f.memberB))
		require.Equal(t, event.KindVoteOptionDeselected, em.last().Kind)
	})

	t.Run("deselecting an unselected option is a no-op", func(t *testing.T) {
		f := newFixture(t)
		msg := f.createVote(t, false, "pizza")
		svc := f.polls(nil)

		updated, err := svc.Deselect(ctx, f.userB, msg.ID, msg.Poll.Options[0].ID)
		require.NoError(t, err)
		require.Empty(t, updated.Poll.Options[0].Members)
	})
}

func TestPollsOptions(t *testing.T) {
	ctx := context.Background()

	t.Run("members may add options to an open poll", func(t *testing.T) {
		f := newFixture(t)
		msg := f.createVote(t, false, "pizza")
		em := &recordingEmitter{}
		svc := f.polls(em)

		updated, err := svc.AddOption(ctx, f.userB, msg.ID, "sushi")
		require.NoError(t, err)
		require.Len(t, updated.Poll.Options, 2)
		require.Equal(t, "sushi", updated.Poll.Options[1].Name)
		require.Equal(t, f.memberB, updated.Poll.Options[1].MemberCreated)
		require.Equal(t, []event.Kind{event.KindAddVoteOption}, em.kinds())
	})

	t.Run("blank option names are rejected", func(t *testing.T) {
		f := newFixture(t)
		msg := f.createVote(t, false, "pizza")
		svc := f.polls(nil)

		_, err := svc.AddOption(ctx, f.userB, msg.ID, "  ")
		var validation *registrystore.ValidationError
		require.ErrorAs(t, err, &validation)
	})

	t.Run("the option creator may remove it", func(t *testing.T) {
		f := newFixture(t)
		msg := f.createVote(t, false, "pizza")
		svc := f.polls(nil)

		updated, err := svc.AddOption(ctx, f.userB, msg.ID, "sushi")
		require.NoError(t, err)
		updated, err = svc.RemoveOption(ctx, f.userB, msg.ID, updated.Poll.Options[1].ID)
		require.NoError(t, err)
		require.Len(t, updated.Poll.Options, 1)
	})

	t.Run("the vote author may remove any option", func(t *testing.T) {
		f := newFixture(t)
		msg := f.createVote(t, false, "pizza")
		svc := f.polls(nil)

		updated, err := svc.AddOption(ctx, f.userB, msg.ID, "sushi")
		require.NoError(t, err)
		updated, err = svc.RemoveOption(ctx, f.userA, msg.ID, updated.Poll.Options[1].ID)
		require.NoError(t, err)
		require.Len(t, updated.Poll.Options, 1)
	})

	t.Run("other members may not remove an option", func(t *testing.T) {
		f := newFixture(t)
		msg := f.createVote(t, false, "pizza")
		svc := f.polls(nil)

		_, err := svc.RemoveOption(ctx, f.userB, msg.ID, msg.Poll.Options[0].ID)
		var forbidden *registrystore.ForbiddenError
		require.ErrorAs(t, err, &forbidden)
	})

	t.Run("unknown option is not found", func(t *testing.T) {
		f := newFixture(t)
		msg := f.createVote(t, false, "pizza")
		svc := f.polls(nil)

		_, err := svc.RemoveOption(ctx, f.userA, msg.ID, uuid.New())
		var notFound *registrystore.NotFoundError
		require.ErrorAs(t, err, &notFound)
	})
}

func TestPollsLock(t *testing.T) {
	ctx := context.Background()

	t.Run("the author locks the poll", func(t *testing.T) {
		f := newFixture(t)
		msg := f.createVote(t, false, "pizza")
		em := &recordingEmitter{}
		svc := f.polls(em)

		updated, err := svc.Lock(ctx, f.userA, msg.ID)
		require.NoError(t, err)
		require.True(t, updated.Poll.LockedVote.Status)
		require.NotNil(t, updated.Poll.LockedVote.By)
		require.Equal(t, f.memberA, *updated.Poll.LockedVote.By)
		require.Equal(t, []event.Kind{event.KindVoteLocked}, em.kinds())
	})

	t.Run("only the author may lock", func(t *testing.T) {
		f := newFixture(t)
		msg := f.createVote(t, false, "pizza")
		svc := f.polls(nil)

		_, err := svc.Lock(ctx, f.userB, msg.ID)
		var forbidden *registrystore.ForbiddenError
		require.ErrorAs(t, err, &forbidden)
	})

	t.Run("locking twice conflicts", func(t *testing.T) {
		f := newFixture(t)
		msg := f.createVote(t, false, "pizza")
		svc := f.polls(nil)

		_, err := svc.Lock(ctx, f.userA, msg.ID)
		require.NoError(t, err)
		_, err = svc.Lock(ctx, f.userA, msg.ID)
		var conflict *registrystore.ConflictError
		require.ErrorAs(t, err, &conflict)
	})

	t.Run("a locked poll rejects every mutation", func(t *testing.T) {
		f := newFixture(t)
		msg := f.createVote(t, false, "pizza")
		svc := f.polls(nil)

		_, err := svc.Lock(ctx, f.userA, msg.ID)
		require.NoError(t, err)

		var conflict *registrystore.ConflictError
		_, err = svc.Select(ctx, f.userB, msg.ID, msg.Poll.Options[0].ID)
		require.ErrorAs(t, err, &conflict)
		_, err = svc.Deselect(ctx, f.userB, msg.ID, msg.Poll.Options[0].ID)
		require.ErrorAs(t, err, &conflict)
		_, err = svc.AddOption(ctx, f.userB, msg.ID, "sushi")
		require.ErrorAs(t, err, &conflict)
		_, err = svc.RemoveOption(ctx, f.userA, msg.ID, msg.Poll.Options[0].ID)
		require.ErrorAs(t, err, &conflict)
	})
}
