package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/real-rm/gomongo"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/real-rm/notifier/internal/constants"
	"github.com/real-rm/notifier/internal/identity"
	"github.com/real-rm/notifier/internal/message"
	"github.com/real-rm/notifier/internal/metrics"
)

// MessageDocument is the persisted layout of one message.
type MessageDocument struct {
	ID             string    `bson:"_id"`
	Sender         string    `bson:"sender"`
	Recipient      string    `bson:"recipient"`
	Kind           string    `bson:"kind"`
	OriginalText   string    `bson:"orig,omitempty"`
	EnrichmentNote string    `bson:"note,omitempty"`
	CustomText     string    `bson:"custom,omitempty"`
	Timestamp      time.Time `bson:"ts"`
}

// NewMessage is the content of a message about to be persisted. The store
// assigns the identifier and timestamp.
type NewMessage struct {
	Sender         identity.User
	Recipient      identity.User
	Kind           identity.Kind
	OriginalText   string
	EnrichmentNote string
	CustomText     string
}

// InsertMessage persists a message and returns its canonical form.
func (s *Store) InsertMessage(ctx context.Context, m NewMessage) (*message.Message, error) {
	if !m.Sender.Valid() || !m.Recipient.Valid() || m.Kind == "" {
		return nil, ErrInvalidMessage
	}

	start := time.Now()
	defer observe("insert_message", start)

	// Mongo keeps millisecond precision; truncating here keeps the echoed
	// timestamp identical to what history later returns.
	createdAt := s.now().UTC().Truncate(time.Millisecond)
	id := primitive.NewObjectIDFromTimestamp(createdAt).Hex()

	doc := &MessageDocument{
		ID:        id,
		Sender:    m.Sender.String(),
		Recipient: m.Recipient.String(),
		Kind:      string(m.Kind),
		Timestamp: createdAt,
	}

	var err error
	if doc.OriginalText, err = s.encrypt(m.OriginalText); err != nil {
		return nil, fmt.Errorf("failed to encrypt message text: %w", err)
	}
	if doc.EnrichmentNote, err = s.encrypt(m.EnrichmentNote); err != nil {
		return nil, fmt.Errorf("failed to encrypt enrichment note: %w", err)
	}
	if doc.CustomText, err = s.encrypt(m.CustomText); err != nil {
		return nil, fmt.Errorf("failed to encrypt message text: %w", err)
	}

	err = s.retryOperation(ctx, "InsertMessage", insertOnce(func() error {
		_, opErr := s.messages.InsertOne(ctx, doc)
		return opErr
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	metrics.MessagesPersisted.WithLabelValues(string(m.Kind)).Inc()

	return message.New(id, m.Sender, m.Recipient, m.Kind, m.OriginalText, m.EnrichmentNote, m.CustomText, createdAt), nil
}

// FindConversation returns the newest limit messages exchanged between a and
// b in either direction, ordered oldest first.
func (s *Store) FindConversation(ctx context.Context, a, b identity.User, limit int) ([]*message.Message, error) {
	if !a.Valid() || !b.Valid() {
		return nil, ErrInvalidUser
	}
	if limit <= 0 || limit > constants.MaxHistoryLimit {
		limit = constants.DefaultHistoryLimit
	}

	start := time.Now()
	defer observe("find_conversation", start)

	filter := bson.M{"$or": bson.A{
		bson.M{constants.MongoFieldSender: a.String(), constants.MongoFieldRecipient: b.String()},
		bson.M{constants.MongoFieldSender: b.String(), constants.MongoFieldRecipient: a.String()},
	}}
	queryOpts := gomongo.QueryOptions{
		Sort: bson.D{
			{Key: constants.MongoFieldTimestamp, Value: -1},
			{Key: constants.MongoFieldID, Value: -1},
		},
		Limit: int64(limit),
	}

	var docs []MessageDocument
	err := s.retryOperation(ctx, "FindConversation", func() error {
		cursor, opErr := s.messages.Find(ctx, filter, queryOpts)
		if opErr != nil {
			return opErr
		}
		defer cursor.Close(ctx)

		docs = docs[:0]
		for cursor.Next(ctx) {
			var doc MessageDocument
			if decErr := cursor.Decode(&doc); decErr != nil {
				return fmt.Errorf("failed to decode message document: %w", decErr)
			}
			docs = append(docs, doc)
		}
		return cursor.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find conversation: %w", err)
	}

	result := make([]*message.Message, 0, len(docs))
	for i := len(docs) - 1; i >= 0; i-- {
		m, err := s.documentToMessage(&docs[i])
		if err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, nil
}

func (s *Store) documentToMessage(doc *MessageDocument) (*message.Message, error) {
	sender, err := identity.ParseUser(doc.Sender)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", doc.ID, err)
	}
	recipient, err := identity.ParseUser(doc.Recipient)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", doc.ID, err)
	}
	kind, err := identity.ParseKind(doc.Kind)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", doc.ID, err)
	}

	original, err := s.decrypt(doc.OriginalText)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", doc.ID, err)
	}
	note, err := s.decrypt(doc.EnrichmentNote)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", doc.ID, err)
	}
	custom, err := s.decrypt(doc.CustomText)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", doc.ID, err)
	}

	return message.New(doc.ID, sender, recipient, kind, original, note, custom, doc.Timestamp), nil
}

// insertOnce wraps an insert of a document with a fixed _id for retrying. A
// duplicate key on a later attempt means an earlier attempt was stored and
// only its acknowledgement was lost.
func insertOnce(insert func() error) func() error {
	attempt := 0
	return func() error {
		attempt++
		err := insert()
		if attempt > 1 && mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return err
	}
}
