package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/hoalng/chat-service/internal/config"
	"github.com/hoalng/chat-service/internal/model"
	registrymigrate "github.com/hoalng/chat-service/internal/registry/migrate"
	registrystore "github.com/hoalng/chat-service/internal/registry/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const dbName = "chat_service"

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "mongo",
		Loader: func(ctx context.Context) (registrystore.MessageStore, error) {
			cfg := config.FromContext(ctx)
			opts := options.Client().ApplyURI(cfg.DBURL)
			if cfg.DBMaxOpenConns > 0 {
				opts.SetMaxPoolSize(uint64(cfg.DBMaxOpenConns))
			}
			if cfg.DBMaxIdleConns > 0 {
				opts.SetMinPoolSize(uint64(cfg.DBMaxIdleConns))
			}
			client, err := mongo.Connect(opts)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
			}
			if err := client.Ping(ctx, nil); err != nil {
				return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
			}
			return &MongoStore{client: client, db: client.Database(dbName)}, nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &mongoMigrator{}})
}

type mongoMigrator struct{}

func (m *mongoMigrator) Name() string { return "mongo-schema" }
func (m *mongoMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "mongo" {
		return nil // skip if not using mongo
	}

	log.Info("Running migration", "name", m.Name())
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.DBURL))
	if err != nil {
		return fmt.Errorf("mongo migration: failed to connect: %w", err)
	}
	defer client.Disconnect(ctx)

	db := client.Database(dbName)

	collections := map[string][]mongo.IndexModel{
		"messages": {
			{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "channel_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "deleted_member_ids", Value: 1}}},
		},
		"members": {
			{
				Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "user_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		"conversations": {},
		"channels": {
			{Keys: bson.D{{Key: "conversation_id", Value: 1}}},
		},
	}

	for name, indexes := range collections {
		db.CreateCollection(ctx, name)
		if len(indexes) > 0 {
			if _, err := db.Collection(name).Indexes().CreateMany(ctx, indexes); err != nil {
				return fmt.Errorf("mongo migration: failed to create indexes for %s: %w", name, err)
			}
		}
	}

	log.Info("MongoDB schema migration complete")
	return nil
}

// MongoStore implements MessageStore using MongoDB.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

// --- MongoDB document types ---

type reactDoc struct {
	MemberID string `bson:"member_id"`
	Kind     int    `bson:"kind"`
}

type tagPositionDoc struct {
	MemberID string `bson:"member_id"`
	Start    int    `bson:"start"`
	End      int    `bson:"end"`
	Name     string `bson:"name"`
}

type locationDoc struct {
	Lat float64 `bson:"lat"`
	Lng float64 `bson:"lng"`
}

type optionMemberDoc struct {
	MemberID string `bson:"member_id"`
	Name     string `bson:"name"`
	Avatar   string `bson:"avatar,omitempty"`
}

type optionDoc struct {
	ID            string            `bson:"_id"`
	Name          string            `bson:"name"`
	Members       []optionMemberDoc `bson:"members"`
	MemberCreated string            `bson:"member_created"`
}

type lockedVoteDoc struct {
	Status bool       `bson:"status"`
	By     *string    `bson:"by,omitempty"`
	At     *time.Time `bson:"at,omitempty"`
}

type pollDoc struct {
	Options          []optionDoc   `bson:"options"`
	IsMultipleChoice bool          `bson:"is_multiple_choice"`
	IsAnonymous      bool          `bson:"is_anonymous"`
	LockedVote       lockedVoteDoc `bson:"locked_vote"`
}

type messageDoc struct {
	ID               string           `bson:"_id"`
	ConversationID   string           `bson:"conversation_id"`
	ChannelID        *string          `bson:"channel_id,omitempty"`
	MemberID         string           `bson:"member_id"`
	Content          string           `bson:"content"`
	Type             string           `bson:"type"`
	ReplyMessageID   *string          `bson:"reply_message_id,omitempty"`
	Tags             []string         `bson:"tags,omitempty"`
	TagPositions     []tagPositionDoc `bson:"tag_positions,omitempty"`
	Reacts           []reactDoc       `bson:"reacts"`
	FileName         string           `bson:"file_name,omitempty"`
	FileSize         int64            `bson:"file_size,omitempty"`
	Location         *locationDoc     `bson:"location,omitempty"`
	Poll             *pollDoc         `bson:"poll,omitempty"`
	DeletedMemberIDs []string         `bson:"deleted_member_ids,omitempty"`
	IsDeleted        bool             `bson:"is_deleted"`
	CreatedAt        time.Time        `bson:"created_at"`
}

type memberDoc struct {
	ID             string     `bson:"_id"`
	ConversationID string     `bson:"conversation_id"`
	UserID         string     `bson:"user_id"`
	Name           string     `bson:"name"`
	Avatar         string     `bson:"avatar,omitempty"`
	HideBeforeTime *time.Time `bson:"hide_before_time,omitempty"`
	Active         bool       `bson:"active"`
	LeftAt         *time.Time `bson:"left_at,omitempty"`
}

type convDoc struct {
	ID            string  `bson:"_id"`
	Name          string  `bson:"name,omitempty"`
	LastMessageID *string `bson:"last_message_id,omitempty"`
}

type channelDoc struct {
	ID             string `bson:"_id"`
	ConversationID string `bson:"conversation_id"`
	Name           string `bson:"name"`
}

// --- Collection accessors ---

func (s *MongoStore) messages() *mongo.Collection      { return s.db.Collection("messages") }
func (s *MongoStore) members() *mongo.Collection       { return s.db.Collection("members") }
func (s *MongoStore) conversations() *mongo.Collection { return s.db.Collection("conversations") }
func (s *MongoStore) channels() *mongo.Collection      { return s.db.Collection("channels") }

// --- UUID helpers ---

func uuidToStr(id uuid.UUID) string { return id.String() }
func strToUUID(s string) uuid.UUID  { u, _ := uuid.Parse(s); return u }
func ptrUUIDToStr(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}
func ptrStrToUUID(s *string) *uuid.UUID {
	if s == nil {
		return nil
	}
	u := strToUUID(*s)
	return &u
}

// --- Conversions ---

func messageDocToModel(d *messageDoc) *model.Message {
	msg := &model.Message{
		ID:             strToUUID(d.ID),
		ConversationID: strToUUID(d.ConversationID),
		ChannelID:      ptrStrToUUID(d.ChannelID),
		MemberID:       strToUUID(d.MemberID),
		Content:        d.Content,
		Type:           model.MessageType(d.Type),
		ReplyMessageID: ptrStrToUUID(d.ReplyMessageID),
		Reacts:         make([]model.React, len(d.Reacts)),
		FileName:       d.FileName,
		FileSize:       d.FileSize,
		IsDeleted:      d.IsDeleted,
		CreatedAt:      d.CreatedAt,
	}
	for _, t := range d.Tags {
		msg.Tags = append(msg.Tags, strToUUID(t))
	}
	for _, p := range d.TagPositions {
		msg.TagPositions = append(msg.TagPositions, model.TagPosition{
			MemberID: strToUUID(p.MemberID),
			Start:    p.Start,
			End:      p.End,
			Name:     p.Name,
		})
	}
	for i, r := range d.Reacts {
		msg.Reacts[i] = model.React{MemberID: strToUUID(r.MemberID), Kind: model.ReactKind(r.Kind)}
	}
	if d.Location != nil {
		msg.Location = &model.Location{Lat: d.Location.Lat, Lng: d.Location.Lng}
	}
	if d.Poll != nil {
		poll := &model.Poll{
			Options:          make([]model.PollOption, len(d.Poll.Options)),
			IsMultipleChoice: d.Poll.IsMultipleChoice,
			IsAnonymous:      d.Poll.IsAnonymous,
			LockedVote: model.LockedVote{
				Status: d.Poll.LockedVote.Status,
				By:     ptrStrToUUID(d.Poll.LockedVote.By),
				At:     d.Poll.LockedVote.At,
			},
		}
		for i, o := range d.Poll.Options {
			opt := model.PollOption{
				ID:            strToUUID(o.ID),
				Name:          o.Name,
				Members:       make([]model.OptionMember, len(o.Members)),
				MemberCreated: strToUUID(o.MemberCreated),
			}
			for j, m := range o.Members {
				opt.Members[j] = model.OptionMember{MemberID: strToUUID(m.MemberID), Name: m.Name, Avatar: m.Avatar}
			}
			poll.Options[i] = opt
		}
		msg.Poll = poll
	}
	for _, id := range d.DeletedMemberIDs {
		msg.DeletedMemberIDs = append(msg.DeletedMemberIDs, strToUUID(id))
	}
	return msg
}

func memberDocToModel(d *memberDoc) *model.Member {
	return &model.Member{
		ID:             strToUUID(d.ID),
		ConversationID: strToUUID(d.ConversationID),
		UserID:         strToUUID(d.UserID),
		Name:           d.Name,
		Avatar:         d.Avatar,
		HideBeforeTime: d.HideBeforeTime,
		Active:         d.Active,
		LeftAt:         d.LeftAt,
	}
}

// --- Directory ---

func (s *MongoStore) GetMemberByConversationAndUser(ctx context.Context, conversationID, userID uuid.UUID) (*model.Member, error) {
	var doc memberDoc
	err := s.members().FindOne(ctx, bson.M{
		"conversation_id": uuidToStr(conversationID),
		"user_id":         uuidToStr(userID),
	}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "member", ID: userID.String()}
	}
	if err != nil {
		return nil, &registrystore.StoreError{Op: "find member", Err: err}
	}
	return memberDocToModel(&doc), nil
}

func (s *MongoStore) GetMember(ctx context.Context, memberID uuid.UUID) (*model.Member, error) {
	var doc memberDoc
	err := s.members().FindOne(ctx, bson.M{"_id": uuidToStr(memberID)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "member", ID: memberID.String()}
	}
	if err != nil {
		return nil, &registrystore.StoreError{Op: "find member", Err: err}
	}
	return memberDocToModel(&doc), nil
}

func (s *MongoStore) GetConversation(ctx context.Context, conversationID uuid.UUID) (*model.Conversation, error) {
	var doc convDoc
	err := s.conversations().FindOne(ctx, bson.M{"_id": uuidToStr(conversationID)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	if err != nil {
		return nil, &registrystore.StoreError{Op: "find conversation", Err: err}
	}
	return &model.Conversation{
		ID:            strToUUID(doc.ID),
		Name:          doc.Name,
		LastMessageID: ptrStrToUUID(doc.LastMessageID),
	}, nil
}

func (s *MongoStore) GetChannel(ctx context.Context, channelID uuid.UUID) (*model.Channel, error) {
	var doc channelDoc
	err := s.channels().FindOne(ctx, bson.M{"_id": uuidToStr(channelID)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "channel", ID: channelID.String()}
	}
	if err != nil {
		return nil, &registrystore.StoreError{Op: "find channel", Err: err}
	}
	return &model.Channel{
		ID:             strToUUID(doc.ID),
		ConversationID: strToUUID(doc.ConversationID),
		Name:           doc.Name,
	}, nil
}

func (s *MongoStore) SetLastMessage(ctx context.Context, conversationID, messageID uuid.UUID) error {
	res, err := s.conversations().UpdateByID(ctx, uuidToStr(conversationID),
		bson.M{"$set": bson.M{"last_message_id": uuidToStr(messageID)}})
	if err != nil {
		return fmt.Errorf("failed to set last message: %w", err)
	}
	if res.MatchedCount == 0 {
		return &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	return nil
}

// --- Messages ---

func (s *MongoStore) CreateMessage(ctx context.Context, req registrystore.CreateMessageRequest) (*model.Message, error) {
	doc := messageDoc{
		ID:             uuidToStr(uuid.New()),
		ConversationID: uuidToStr(req.ConversationID),
		ChannelID:      ptrUUIDToStr(req.ChannelID),
		MemberID:       uuidToStr(req.MemberID),
		Content:        req.Content,
		Type:           string(req.Type),
		ReplyMessageID: ptrUUIDToStr(req.ReplyMessageID),
		Reacts:         []reactDoc{},
		FileName:       req.FileName,
		FileSize:       req.FileSize,
		CreatedAt:      time.Now().UTC(),
	}
	for _, t := range req.Tags {
		doc.Tags = append(doc.Tags, uuidToStr(t))
	}
	for _, p := range req.TagPositions {
		doc.TagPositions = append(doc.TagPositions, tagPositionDoc{
			MemberID: uuidToStr(p.MemberID),
			Start:    p.Start,
			End:      p.End,
			Name:     p.Name,
		})
	}
	if req.Location != nil {
		doc.Location = &locationDoc{Lat: req.Location.Lat, Lng: req.Location.Lng}
	}
	if req.Poll != nil {
		poll := &pollDoc{
			Options:          make([]optionDoc, 0, len(req.Poll.Options)),
			IsMultipleChoice: req.Poll.IsMultipleChoice,
			IsAnonymous:      req.Poll.IsAnonymous,
		}
		for _, name := range req.Poll.Options {
			poll.Options = append(poll.Options, optionDoc{
				ID:            uuidToStr(uuid.New()),
				Name:          name,
				Members:       []optionMemberDoc{},
				MemberCreated: uuidToStr(req.MemberID),
			})
		}
		doc.Poll = poll
	}

	if _, err := s.messages().InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	return messageDocToModel(&doc), nil
}

func (s *MongoStore) fetchMessage(ctx context.Context, messageID uuid.UUID) (*messageDoc, error) {
	var doc messageDoc
	err := s.messages().FindOne(ctx, bson.M{"_id": uuidToStr(messageID)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
	}
	if err != nil {
		return nil, &registrystore.StoreError{Op: "find message", Err: err}
	}
	return &doc, nil
}

func (s *MongoStore) GetMessage(ctx context.Context, messageID uuid.UUID) (*model.Message, error) {
	doc, err := s.fetchMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return messageDocToModel(doc), nil
}

func (s *MongoStore) ListMessages(ctx context.Context, q registrystore.ListQuery) ([]model.Message, error) {
	filter := bson.M{}
	if q.ChannelID != nil {
		filter["channel_id"] = uuidToStr(*q.ChannelID)
	} else {
		filter["conversation_id"] = uuidToStr(q.ConversationID)
	}
	if q.VisibleTo != uuid.Nil {
		filter["deleted_member_ids"] = bson.M{"$nin": bson.A{uuidToStr(q.VisibleTo)}}
	}
	created := bson.M{}
	if q.After != nil {
		created["$gt"] = *q.After
	}
	if q.Before != nil {
		created["$lt"] = *q.Before
	}
	if q.NotAfter != nil {
		created["$lte"] = *q.NotAfter
	}
	if len(created) > 0 {
		filter["created_at"] = created
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(q.Skip))
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	cur, err := s.messages().Find(ctx, filter, opts)
	if err != nil {
		return nil, &registrystore.StoreError{Op: "list messages", Err: err}
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, &registrystore.StoreError{Op: "decode messages", Err: err}
	}

	out := make([]model.Message, len(docs))
	for i := range docs {
		out[i] = *messageDocToModel(&docs[i])
	}
	return out, nil
}

func (s *MongoStore) CountMessagesSince(ctx context.Context, conversationID uuid.UUID, since time.Time) (int64, error) {
	n, err := s.messages().CountDocuments(ctx, bson.M{
		"conversation_id": uuidToStr(conversationID),
		"created_at":      bson.M{"$gt": since},
	})
	if err != nil {
		return 0, &registrystore.StoreError{Op: "count messages", Err: err}
	}
	return n, nil
}

func (s *MongoStore) AddReaction(ctx context.Context, messageID, memberID uuid.UUID, kind model.ReactKind) (*model.Message, error) {
	// Replace-then-push keeps at most one react per member.
	res, err := s.messages().UpdateByID(ctx, uuidToStr(messageID),
		bson.M{"$pull": bson.M{"reacts": bson.M{"member_id": uuidToStr(memberID)}}})
	if err != nil {
		return nil, fmt.Errorf("failed to add reaction: %w", err)
	}
	if res.MatchedCount == 0 {
		return nil, &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
	}
	_, err = s.messages().UpdateByID(ctx, uuidToStr(messageID),
		bson.M{"$push": bson.M{"reacts": reactDoc{MemberID: uuidToStr(memberID), Kind: int(kind)}}})
	if err != nil {
		return nil, fmt.Errorf("failed to add reaction: %w", err)
	}
	return s.GetMessage(ctx, messageID)
}

func (s *MongoStore) RemoveReaction(ctx context.Context, messageID, memberID uuid.UUID) (*model.Message, error) {
	res, err := s.messages().UpdateByID(ctx, uuidToStr(messageID),
		bson.M{"$pull": bson.M{"reacts": bson.M{"member_id": uuidToStr(memberID)}}})
	if err != nil {
		return nil, fmt.Errorf("failed to remove reaction: %w", err)
	}
	if res.MatchedCount == 0 {
		return nil, &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
	}
	return s.GetMessage(ctx, messageID)
}

func (s *MongoStore) SoftDeleteForMember(ctx context.Context, messageID, memberID uuid.UUID) error {
	res, err := s.messages().UpdateByID(ctx, uuidToStr(messageID),
		bson.M{"$addToSet": bson.M{"deleted_member_ids": uuidToStr(memberID)}})
	if err != nil {
		return fmt.Errorf("failed to soft-delete message: %w", err)
	}
	if res.MatchedCount == 0 {
		return &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
	}
	return nil
}

func (s *MongoStore) Recall(ctx context.Context, messageID uuid.UUID) (*model.Message, error) {
	res, err := s.messages().UpdateByID(ctx, uuidToStr(messageID),
		bson.M{"$set": bson.M{"is_deleted": true}})
	if err != nil {
		return nil, fmt.Errorf("failed to recall message: %w", err)
	}
	if res.MatchedCount == 0 {
		return nil, &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
	}
	return s.GetMessage(ctx, messageID)
}

// --- Poll state ---

// classifyPollFailure re-reads the message after an update matched zero
// documents and maps the observed state to the right error. A nil return
// means the update lost a benign race (e.g. the member was already in the
// option's set) and the caller should treat it as a no-op.
func (s *MongoStore) classifyPollFailure(ctx context.Context, messageID uuid.UUID, optionID *uuid.UUID) error {
	doc, err := s.fetchMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if doc.Poll == nil {
		return &registrystore.ValidationError{Field: "messageId", Message: "message is not a vote"}
	}
	if doc.Poll.LockedVote.Status {
		return &registrystore.ConflictError{Message: "vote is locked"}
	}
	if optionID != nil {
		for _, o := range doc.Poll.Options {
			if o.ID == uuidToStr(*optionID) {
				return nil
			}
		}
		return &registrystore.NotFoundError{Resource: "option", ID: optionID.String()}
	}
	return nil
}

// unlockedFilter matches a message whose poll exists and is not locked.
func unlockedFilter(messageID uuid.UUID) bson.M {
	return bson.M{
		"_id":                     uuidToStr(messageID),
		"poll":                    bson.M{"$exists": true},
		"poll.locked_vote.status": false,
	}
}

func (s *MongoStore) AddPollOption(ctx context.Context, messageID, creatorMemberID uuid.UUID, name string) (*model.Message, error) {
	opt := optionDoc{
		ID:            uuidToStr(uuid.New()),
		Name:          name,
		Members:       []optionMemberDoc{},
		MemberCreated: uuidToStr(creatorMemberID),
	}
	res, err := s.messages().UpdateOne(ctx, unlockedFilter(messageID),
		bson.M{"$push": bson.M{"poll.options": opt}})
	if err != nil {
		return nil, fmt.Errorf("failed to add vote option: %w", err)
	}
	if res.MatchedCount == 0 {
		if cerr := s.classifyPollFailure(ctx, messageID, nil); cerr != nil {
			return nil, cerr
		}
		return nil, &registrystore.ConflictError{Message: "vote is locked"}
	}
	return s.GetMessage(ctx, messageID)
}

func (s *MongoStore) RemovePollOption(ctx context.Context, messageID, optionID uuid.UUID) (*model.Message, error) {
	res, err := s.messages().UpdateOne(ctx, unlockedFilter(messageID),
		bson.M{"$pull": bson.M{"poll.options": bson.M{"_id": uuidToStr(optionID)}}})
	if err != nil {
		return nil, fmt.Errorf("failed to remove vote option: %w", err)
	}
	if res.MatchedCount == 0 {
		if cerr := s.classifyPollFailure(ctx, messageID, &optionID); cerr != nil {
			return nil, cerr
		}
		return nil, &registrystore.ConflictError{Message: "vote is locked"}
	}
	if res.ModifiedCount == 0 {
		return nil, &registrystore.NotFoundError{Resource: "option", ID: optionID.String()}
	}
	return s.GetMessage(ctx, messageID)
}

// singleChoiceSelectFilter matches the poll only while it is unlocked, the
// target option exists, and the member is absent from every option's member
// set. The last clause is what makes the pull-then-push move safe: a
// concurrent select that re-inserted the member anywhere fails the push.
func singleChoiceSelectFilter(messageID, optionID uuid.UUID, memberID string) bson.M {
	f := unlockedFilter(messageID)
	f["poll.options._id"] = uuidToStr(optionID)
	f["poll.options.members.member_id"] = bson.M{"$ne": memberID}
	return f
}

const selectRetryLimit = 5

func (s *MongoStore) SelectPollOption(ctx context.Context, messageID, optionID uuid.UUID, member model.OptionMember) (*model.Message, error) {
	mid := uuidToStr(member.MemberID)
	pushed := optionMemberDoc{MemberID: mid, Name: member.Name, Avatar: member.Avatar}

	for attempt := 0; attempt < selectRetryLimit; attempt++ {
		doc, err := s.fetchMessage(ctx, messageID)
		if err != nil {
			return nil, err
		}
		if doc.Poll == nil {
			return nil, &registrystore.ValidationError{Field: "messageId", Message: "message is not a vote"}
		}
		if doc.Poll.LockedVote.Status {
			return nil, &registrystore.ConflictError{Message: "vote is locked"}
		}
		var target *optionDoc
		for i := range doc.Poll.Options {
			if doc.Poll.Options[i].ID == uuidToStr(optionID) {
				target = &doc.Poll.Options[i]
				break
			}
		}
		if target == nil {
			return nil, &registrystore.NotFoundError{Resource: "option", ID: optionID.String()}
		}
		alreadySelected := false
		for _, m := range target.Members {
			if m.MemberID == mid {
				alreadySelected = true
				break
			}
		}
		if alreadySelected {
			// Selection is a set add.
			return s.GetMessage(ctx, messageID)
		}

		if doc.Poll.IsMultipleChoice {
			// Guarded add: only matches while the option does not yet hold the
			// member, so concurrent selects of the same option insert at most once.
			filter := unlockedFilter(messageID)
			filter["poll.options"] = bson.M{"$elemMatch": bson.M{
				"_id":               uuidToStr(optionID),
				"members.member_id": bson.M{"$ne": mid},
			}}
			res, err := s.messages().UpdateOne(ctx, filter,
				bson.M{"$push": bson.M{"poll.options.$.members": pushed}})
			if err != nil {
				return nil, fmt.Errorf("failed to select vote option: %w", err)
			}
			if res.MatchedCount == 0 {
				// Lost a race to a concurrent select, lock, or option removal;
				// re-read and reclassify.
				continue
			}
			return s.GetMessage(ctx, messageID)
		}

		// Single choice: clear the member from every option, then add to the
		// target while the member is still absent from all of them. The lock
		// condition is re-checked on both steps so a concurrent lock aborts
		// the whole move.
		res, err := s.messages().UpdateOne(ctx, unlockedFilter(messageID),
			bson.M{"$pull": bson.M{"poll.options.$[].members": bson.M{"member_id": mid}}})
		if err != nil {
			return nil, fmt.Errorf("failed to select vote option: %w", err)
		}
		if res.MatchedCount == 0 {
			continue
		}

		res, err = s.messages().UpdateOne(ctx,
			singleChoiceSelectFilter(messageID, optionID, mid),
			bson.M{"$push": bson.M{"poll.options.$[opt].members": pushed}},
			options.UpdateOne().SetArrayFilters([]interface{}{bson.M{"opt._id": uuidToStr(optionID)}}))
		if err != nil {
			return nil, fmt.Errorf("failed to select vote option: %w", err)
		}
		if res.MatchedCount == 0 {
			// A concurrent move re-inserted the member between the pull and
			// the push; start the move over.
			continue
		}
		return s.GetMessage(ctx, messageID)
	}
	return nil, &registrystore.ConflictError{Message: "vote is being updated concurrently"}
}

func (s *MongoStore) DeselectPollOption(ctx context.Context, messageID, optionID, memberID uuid.UUID) (*model.Message, error) {
	filter := unlockedFilter(messageID)
	filter["poll.options._id"] = uuidToStr(optionID)
	res, err := s.messages().UpdateOne(ctx, filter,
		bson.M{"$pull": bson.M{"poll.options.$.members": bson.M{"member_id": uuidToStr(memberID)}}})
	if err != nil {
		return nil, fmt.Errorf("failed to deselect vote option: %w", err)
	}
	if res.MatchedCount == 0 {
		if cerr := s.classifyPollFailure(ctx, messageID, &optionID); cerr != nil {
			return nil, cerr
		}
		return nil, &registrystore.ConflictError{Message: "vote is locked"}
	}
	return s.GetMessage(ctx, messageID)
}

func (s *MongoStore) LockPoll(ctx context.Context, messageID, byMemberID uuid.UUID) (*model.Message, error) {
	now := time.Now().UTC()
	res, err := s.messages().UpdateOne(ctx, unlockedFilter(messageID),
		bson.M{"$set": bson.M{"poll.locked_vote": lockedVoteDoc{
			Status: true,
			By:     ptrUUIDToStr(&byMemberID),
			At:     &now,
		}}})
	if err != nil {
		return nil, fmt.Errorf("failed to lock vote: %w", err)
	}
	if res.MatchedCount == 0 {
		doc, ferr := s.fetchMessage(ctx, messageID)
		if ferr != nil {
			return nil, ferr
		}
		if doc.Poll == nil {
			return nil, &registrystore.ValidationError{Field: "messageId", Message: "message is not a vote"}
		}
		return nil, &registrystore.ConflictError{Message: "vote is already locked"}
	}
	return s.GetMessage(ctx, messageID)
}

var _ registrystore.MessageStore = (*MongoStore)(nil)
