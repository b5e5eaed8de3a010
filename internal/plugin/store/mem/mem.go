// Package mem provides an in-memory MessageStore used for tests and local
// development. A single mutex guards all state; reads return deep copies so
// callers never alias store internals.
package mem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hoalng/chat-service/internal/model"
	"github.com/hoalng/chat-service/internal/registry/store"
)

func init() {
	store.Register(store.Plugin{
		Name: "mem",
		Loader: func(ctx context.Context) (store.MessageStore, error) {
			return New(), nil
		},
	})
}

// Store is an in-memory MessageStore. The zero value is not usable; call New.
type Store struct {
	mu            sync.Mutex
	messages      map[uuid.UUID]*model.Message
	members       map[uuid.UUID]*model.Member
	conversations map[uuid.UUID]*model.Conversation
	channels      map[uuid.UUID]*model.Channel
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		messages:      map[uuid.UUID]*model.Message{},
		members:       map[uuid.UUID]*model.Member{},
		conversations: map[uuid.UUID]*model.Conversation{},
		channels:      map[uuid.UUID]*model.Channel{},
	}
}

// SeedConversation inserts a conversation directory record.
func (s *Store) SeedConversation(c model.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[c.ID] = &c
}

// SeedMember inserts a membership directory record.
func (s *Store) SeedMember(m model.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[m.ID] = &m
}

// SeedChannel inserts a channel directory record.
func (s *Store) SeedChannel(c model.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[c.ID] = &c
}

func cloneMessage(m *model.Message) *model.Message {
	out := *m
	out.Tags = append([]uuid.UUID(nil), m.Tags...)
	out.TagPositions = append([]model.TagPosition(nil), m.TagPositions...)
	out.Reacts = append([]model.React(nil), m.Reacts...)
	out.DeletedMemberIDs = append([]uuid.UUID(nil), m.DeletedMemberIDs...)
	if m.Poll != nil {
		poll := *m.Poll
		poll.Options = make([]model.PollOption, len(m.Poll.Options))
		for i, o := range m.Poll.Options {
			opt := o
			opt.Members = append([]model.OptionMember(nil), o.Members...)
			poll.Options[i] = opt
		}
		out.Poll = &poll
	}
	return &out
}

func (s *Store) GetMemberByConversationAndUser(ctx context.Context, conversationID, userID uuid.UUID) (*model.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.members {
		if m.ConversationID == conversationID && m.UserID == userID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, &store.NotFoundError{Resource: "member", ID: userID.String()}
}

func (s *Store) GetMember(ctx context.Context, memberID uuid.UUID) (*model.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[memberID]
	if !ok {
		return nil, &store.NotFoundError{Resource: "member", ID: memberID.String()}
	}
	cp := *m
	return &cp, nil
}

func (s *Store) GetConversation(ctx context.Context, conversationID uuid.UUID) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil, &store.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	cp := *c
	return &cp, nil
}

func (s *Store) GetChannel(ctx context.Context, channelID uuid.UUID) (*model.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.channels[channelID]
	if !ok {
		return nil, &store.NotFoundError{Resource: "channel", ID: channelID.String()}
	}
	cp := *c
	return &cp, nil
}

func (s *Store) SetLastMessage(ctx context.Context, conversationID, messageID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return &store.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	id := messageID
	c.LastMessageID = &id
	return nil
}

func (s *Store) CreateMessage(ctx context.Context, req store.CreateMessageRequest) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := &model.Message{
		ID:             uuid.New(),
		ConversationID: req.ConversationID,
		ChannelID:      req.ChannelID,
		MemberID:       req.MemberID,
		Content:        req.Content,
		Type:           req.Type,
		ReplyMessageID: req.ReplyMessageID,
		Tags:           append([]uuid.UUID(nil), req.Tags...),
		TagPositions:   append([]model.TagPosition(nil), req.TagPositions...),
		Reacts:         []model.React{},
		FileName:       req.FileName,
		FileSize:       req.FileSize,
		Location:       req.Location,
		CreatedAt:      time.Now().UTC(),
	}
	if req.Poll != nil {
		poll := &model.Poll{
			Options:          make([]model.PollOption, 0, len(req.Poll.Options)),
			IsMultipleChoice: req.Poll.IsMultipleChoice,
			IsAnonymous:      req.Poll.IsAnonymous,
		}
		for _, name := range req.Poll.Options {
			poll.Options = append(poll.Options, model.PollOption{
				ID:            uuid.New(),
				Name:          name,
				Members:       []model.OptionMember{},
				MemberCreated: req.MemberID,
			})
		}
		msg.Poll = poll
	}
	s.messages[msg.ID] = msg
	return cloneMessage(msg), nil
}

func (s *Store) GetMessage(ctx context.Context, messageID uuid.UUID) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return nil, &store.NotFoundError{Resource: "message", ID: messageID.String()}
	}
	return cloneMessage(msg), nil
}

func matches(m *model.Message, q store.ListQuery) bool {
	if q.ChannelID != nil {
		if m.ChannelID == nil || *m.ChannelID != *q.ChannelID {
			return false
		}
	} else if m.ConversationID != q.ConversationID {
		return false
	}
	if q.VisibleTo != uuid.Nil && m.DeletedFor(q.VisibleTo) {
		return false
	}
	if q.After != nil && !m.CreatedAt.After(*q.After) {
		return false
	}
	if q.Before != nil && !m.CreatedAt.Before(*q.Before) {
		return false
	}
	if q.NotAfter != nil && m.CreatedAt.After(*q.NotAfter) {
		return false
	}
	return true
}

func (s *Store) ListMessages(ctx context.Context, q store.ListQuery) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Message
	for _, m := range s.messages {
		if matches(m, q) {
			out = append(out, *cloneMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() > out[j].ID.String()
	})
	if q.Skip > 0 {
		if q.Skip >= len(out) {
			return []model.Message{}, nil
		}
		out = out[q.Skip:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) CountMessagesSince(ctx context.Context, conversationID uuid.UUID, since time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.messages {
		if m.ConversationID == conversationID && m.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) AddReaction(ctx context.Context, messageID, memberID uuid.UUID, kind model.ReactKind) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return nil, &store.NotFoundError{Resource: "message", ID: messageID.String()}
	}
	reacts := msg.Reacts[:0]
	for _, r := range msg.Reacts {
		if r.MemberID != memberID {
			reacts = append(reacts, r)
		}
	}
	msg.Reacts = append(reacts, model.React{MemberID: memberID, Kind: kind})
	return cloneMessage(msg), nil
}

func (s *Store) RemoveReaction(ctx context.Context, messageID, memberID uuid.UUID) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return nil, &store.NotFoundError{Resource: "message", ID: messageID.String()}
	}
	reacts := msg.Reacts[:0]
	for _, r := range msg.Reacts {
		if r.MemberID != memberID {
			reacts = append(reacts, r)
		}
	}
	msg.Reacts = reacts
	return cloneMessage(msg), nil
}

func (s *Store) SoftDeleteForMember(ctx context.Context, messageID, memberID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return &store.NotFoundError{Resource: "message", ID: messageID.String()}
	}
	if !msg.DeletedFor(memberID) {
		msg.DeletedMemberIDs = append(msg.DeletedMemberIDs, memberID)
	}
	return nil
}

func (s *Store) Recall(ctx context.Context, messageID uuid.UUID) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return nil, &store.NotFoundError{Resource: "message", ID: messageID.String()}
	}
	msg.IsDeleted = true
	return cloneMessage(msg), nil
}

// pollOf returns the poll of a message or an error matching the mongo
// implementation's failure modes.
func (s *Store) pollOf(messageID uuid.UUID) (*model.Message, *model.Poll, error) {
	msg, ok := s.messages[messageID]
	if !ok {
		return nil, nil, &store.NotFoundError{Resource: "message", ID: messageID.String()}
	}
	if msg.Poll == nil {
		return nil, nil, &store.ValidationError{Field: "messageId", Message: "message is not a vote"}
	}
	return msg, msg.Poll, nil
}

func (s *Store) AddPollOption(ctx context.Context, messageID, creatorMemberID uuid.UUID, name string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, poll, err := s.pollOf(messageID)
	if err != nil {
		return nil, err
	}
	if poll.LockedVote.Status {
		return nil, &store.ConflictError{Message: "vote is locked"}
	}
	poll.Options = append(poll.Options, model.PollOption{
		ID:            uuid.New(),
		Name:          name,
		Members:       []model.OptionMember{},
		MemberCreated: creatorMemberID,
	})
	return cloneMessage(msg), nil
}

func (s *Store) RemovePollOption(ctx context.Context, messageID, optionID uuid.UUID) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, poll, err := s.pollOf(messageID)
	if err != nil {
		return nil, err
	}
	if poll.LockedVote.Status {
		return nil, &store.ConflictError{Message: "vote is locked"}
	}
	for i := range poll.Options {
		if poll.Options[i].ID == optionID {
			poll.Options = append(poll.Options[:i], poll.Options[i+1:]...)
			return cloneMessage(msg), nil
		}
	}
	return nil, &store.NotFoundError{Resource: "option", ID: optionID.String()}
}

func (s *Store) SelectPollOption(ctx context.Context, messageID, optionID uuid.UUID, member model.OptionMember) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, poll, err := s.pollOf(messageID)
	if err != nil {
		return nil, err
	}
	if poll.LockedVote.Status {
		return nil, &store.ConflictError{Message: "vote is locked"}
	}
	opt := poll.Option(optionID)
	if opt == nil {
		return nil, &store.NotFoundError{Resource: "option", ID: optionID.String()}
	}
	// Selecting an already-selected option is a no-op, not an error.
	if opt.SelectedBy(member.MemberID) {
		return cloneMessage(msg), nil
	}
	if !poll.IsMultipleChoice {
		for i := range poll.Options {
			members := poll.Options[i].Members[:0]
			for _, m := range poll.Options[i].Members {
				if m.MemberID != member.MemberID {
					members = append(members, m)
				}
			}
			poll.Options[i].Members = members
		}
	}
	opt.Members = append(opt.Members, member)
	return cloneMessage(msg), nil
}

func (s *Store) DeselectPollOption(ctx context.Context, messageID, optionID, memberID uuid.UUID) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, poll, err := s.pollOf(messageID)
	if err != nil {
		return nil, err
	}
	if poll.LockedVote.Status {
		return nil, &store.ConflictError{Message: "vote is locked"}
	}
	opt := poll.Option(optionID)
	if opt == nil {
		return nil, &store.NotFoundError{Resource: "option", ID: optionID.String()}
	}
	members := opt.Members[:0]
	for _, m := range opt.Members {
		if m.MemberID != memberID {
			members = append(members, m)
		}
	}
	opt.Members = members
	return cloneMessage(msg), nil
}

func (s *Store) LockPoll(ctx context.Context, messageID, byMemberID uuid.UUID) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, poll, err := s.pollOf(messageID)
	if err != nil {
		return nil, err
	}
	if poll.LockedVote.Status {
		return nil, &store.ConflictError{Message: "vote is already locked"}
	}
	now := time.Now().UTC()
	by := byMemberID
	poll.LockedVote = model.LockedVote{Status: true, By: &by, At: &now}
	return cloneMessage(msg), nil
}

var _ store.MessageStore = (*Store)(nil)
