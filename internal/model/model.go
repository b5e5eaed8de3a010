package model

import (
	"time"

	"github.com/google/uuid"
)

// MessageType represents the kind of content a message carries.
type MessageType string

const (
	TypeText     MessageType = "TEXT"
	TypeImage    MessageType = "IMAGE"
	TypeSticker  MessageType = "STICKER"
	TypeVideo    MessageType = "VIDEO"
	TypeFile     MessageType = "FILE"
	TypeNotify   MessageType = "NOTIFY"
	TypeVote     MessageType = "VOTE"
	TypeLocation MessageType = "LOCATION"
)

// Valid returns true if the message type is one of the known kinds.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeSticker, TypeVideo, TypeFile, TypeNotify, TypeVote, TypeLocation:
		return true
	}
	return false
}

// ReactKind is one of the fixed reaction emojis, addressed by ordinal.
type ReactKind int

const (
	ReactKindMin ReactKind = 0
	ReactKindMax ReactKind = 6
)

// Valid returns true if the kind is within the fixed reaction enum.
func (k ReactKind) Valid() bool { return k >= ReactKindMin && k <= ReactKindMax }

// React is a single member's reaction to a message. A member has at most one.
type React struct {
	MemberID uuid.UUID `json:"memberId"`
	Kind     ReactKind `json:"kind"`
}

// TagPosition locates a mention within the message content by character offsets.
type TagPosition struct {
	MemberID uuid.UUID `json:"memberId"`
	Start    int       `json:"start"`
	End      int       `json:"end"`
	Name     string    `json:"name"`
}

// Location is the coordinate payload of a LOCATION message.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// OptionMember is a member snapshot taken at selection time, so poll results
// render without a directory lookup.
type OptionMember struct {
	MemberID uuid.UUID `json:"memberId"`
	Name     string    `json:"name"`
	Avatar   string    `json:"avatar,omitempty"`
}

// PollOption is a selectable option within a VOTE message.
type PollOption struct {
	ID            uuid.UUID      `json:"id"`
	Name          string         `json:"name"`
	Members       []OptionMember `json:"members"`
	MemberCreated uuid.UUID      `json:"memberCreated"`
}

// SelectedBy returns true if the member appears in the option's selection set.
func (o *PollOption) SelectedBy(memberID uuid.UUID) bool {
	for _, m := range o.Members {
		if m.MemberID == memberID {
			return true
		}
	}
	return false
}

// LockedVote records the terminal lock state of a poll.
type LockedVote struct {
	Status bool       `json:"status"`
	By     *uuid.UUID `json:"by,omitempty"`
	At     *time.Time `json:"at,omitempty"`
}

// Poll is the vote state embedded in a VOTE message.
type Poll struct {
	Options          []PollOption `json:"options"`
	IsMultipleChoice bool         `json:"isMultipleChoice"`
	IsAnonymous      bool         `json:"isAnonymous"`
	LockedVote       LockedVote   `json:"lockedVote"`
}

// Option returns the option with the given id, or nil.
func (p *Poll) Option(optionID uuid.UUID) *PollOption {
	for i := range p.Options {
		if p.Options[i].ID == optionID {
			return &p.Options[i]
		}
	}
	return nil
}

// Message is a single entry in a conversation's ledger. Conversation, channel,
// author, type, and creation time are immutable after creation; only reacts,
// deletion markers, and poll state mutate.
type Message struct {
	ID               uuid.UUID     `json:"id"`
	ConversationID   uuid.UUID     `json:"conversationId"`
	ChannelID        *uuid.UUID    `json:"channelId,omitempty"`
	MemberID         uuid.UUID     `json:"memberId"`
	Content          string        `json:"content"`
	Type             MessageType   `json:"type"`
	ReplyMessageID   *uuid.UUID    `json:"replyMessageId,omitempty"`
	Tags             []uuid.UUID   `json:"tags,omitempty"`
	TagPositions     []TagPosition `json:"tagPositions,omitempty"`
	Reacts           []React       `json:"reacts"`
	FileName         string        `json:"fileName,omitempty"`
	FileSize         int64         `json:"fileSize,omitempty"`
	Location         *Location     `json:"location,omitempty"`
	Poll             *Poll         `json:"poll,omitempty"`
	DeletedMemberIDs []uuid.UUID   `json:"-"`
	IsDeleted        bool          `json:"isDeleted"`
	CreatedAt        time.Time     `json:"createdAt"`
}

// DeletedFor returns true if the message was soft-deleted for the member.
func (m *Message) DeletedFor(memberID uuid.UUID) bool {
	for _, id := range m.DeletedMemberIDs {
		if id == memberID {
			return true
		}
	}
	return false
}

// Member is a user's membership record within one conversation, with the
// per-member visibility attributes used by the retrieval engine.
type Member struct {
	ID             uuid.UUID  `json:"id"`
	ConversationID uuid.UUID  `json:"conversationId"`
	UserID         uuid.UUID  `json:"userId"`
	Name           string     `json:"name"`
	Avatar         string     `json:"avatar,omitempty"`
	HideBeforeTime *time.Time `json:"hideBeforeTime,omitempty"`
	Active         bool       `json:"active"`
	LeftAt         *time.Time `json:"leftAt,omitempty"`
}

// Conversation is the directory record of a chat room.
type Conversation struct {
	ID            uuid.UUID  `json:"id"`
	Name          string     `json:"name,omitempty"`
	LastMessageID *uuid.UUID `json:"lastMessageId,omitempty"`
}

// Channel is a named sub-room within a group conversation.
type Channel struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversationId"`
	Name           string    `json:"name"`
}
