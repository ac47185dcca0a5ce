package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"parley/internal/models"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	bucketUsers           = []byte("users")
	bucketConversations   = []byte("conversations")
	bucketConversationIDs = []byte("conversation_ids")
	bucketMessages        = []byte("messages")
	bucketTimelines       = []byte("timelines")
)

// BboltStorage is the persistence gateway for users, conversations and messages.
type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketUsers,
			bucketConversations,
			bucketConversationIDs,
			bucketMessages,
			bucketTimelines,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// UpsertUser stores a new or updated user record.
func (s *BboltStorage) UpsertUser(user models.User) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbUser := &DBUser{
			ID:          user.ID,
			DisplayName: user.DisplayName,
			LastSeen:    user.Presence.LastSeen,
		}
		return put(tx.Bucket(bucketUsers), dbUser)
	})
}

// GetUser returns models.ErrNotFound if the user does not exist.
func (s *BboltStorage) GetUser(id string) (models.User, error) {
	var dbUser DBUser
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("user %s: %w", id, models.ErrNotFound)
		}
		return dbUser.UnmarshalBinary(data)
	})
	if err != nil {
		return models.User{}, err
	}
	return toUser(dbUser), nil
}

// ListUsers returns all users sorted by display name.
func (s *BboltStorage) ListUsers() ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, toUser(dbUser))
			return nil
		})
	})
	sort.Slice(users, func(i, j int) bool {
		return users[i].DisplayName < users[j].DisplayName
	})
	return users, err
}

// TouchUser records the last time the user was seen online.
func (s *BboltStorage) TouchUser(id string, lastSeen time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("user %s: %w", id, models.ErrNotFound)
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		dbUser.LastSeen = lastSeen.UnixMilli()
		return put(b, &dbUser)
	})
}

// FindConversation looks up the conversation of an unordered pair.
func (s *BboltStorage) FindConversation(a, b string) (models.Conversation, error) {
	var conv models.Conversation
	err := s.db.View(func(tx *bbolt.Tx) error {
		p := models.Participants(a, b)
		dbConv, err := getConversation(tx, p)
		if err != nil {
			return err
		}
		conv, err = loadConversation(tx, dbConv)
		return err
	})
	return conv, err
}

// EnsureConversation returns the conversation of the pair, creating it on first use.
func (s *BboltStorage) EnsureConversation(a, b string) (models.Conversation, error) {
	var conv models.Conversation
	err := s.db.Update(func(tx *bbolt.Tx) error {
		p := models.Participants(a, b)
		dbConv, err := getConversation(tx, p)
		switch {
		case err == nil:
		case isNotFound(err):
			dbConv = DBConversation{
				ID:           uuid.NewString(),
				Participants: []string{p[0], p[1]},
			}
			if err := put(tx.Bucket(bucketConversations), &dbConv); err != nil {
				return err
			}
			if err := tx.Bucket(bucketConversationIDs).Put([]byte(dbConv.ID), dbConv.Key()); err != nil {
				return err
			}
		default:
			return err
		}
		conv, err = loadConversation(tx, dbConv)
		return err
	})
	return conv, err
}

// AppendMessage persists msg into the conversation:
// - Assigning the message id and creation time
// - Appending the id to the conversation timeline
// - Updating the conversation LastMessageAt
func (s *BboltStorage) AppendMessage(conversationID string, msg models.Message) (models.Message, error) {
	if msg.ID != "" {
		return models.Message{}, fmt.Errorf("message already has id %s", msg.ID)
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		convKey := tx.Bucket(bucketConversationIDs).Get([]byte(conversationID))
		if convKey == nil {
			return fmt.Errorf("conversation %s: %w", conversationID, models.ErrNotFound)
		}
		convBucket := tx.Bucket(bucketConversations)
		var dbConv DBConversation
		if err := dbConv.UnmarshalBinary(convBucket.Get(convKey)); err != nil {
			return fmt.Errorf("failed to unmarshal conversation: %w", err)
		}
		p := models.Participants(msg.SenderID, msg.RecipientID)
		if p[0] != dbConv.Participants[0] || p[1] != dbConv.Participants[1] {
			return fmt.Errorf("message participants do not match conversation %s", conversationID)
		}

		msg.ID = uuid.NewString()
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = s.now()
		}
		msg.CreatedAt = msg.CreatedAt.UTC()

		dbMessage := fromMessage(conversationID, msg)
		if err := put(tx.Bucket(bucketMessages), dbMessage); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}

		timeline, err := tx.Bucket(bucketTimelines).CreateBucketIfNotExists([]byte(conversationID))
		if err != nil {
			return fmt.Errorf("failed to create timeline bucket: %w", err)
		}
		seq, err := timeline.NextSequence()
		if err != nil {
			return err
		}
		if err := timeline.Put(seqKey(seq), []byte(msg.ID)); err != nil {
			return fmt.Errorf("failed to append to timeline: %w", err)
		}

		dbConv.LastMessageAt = msg.CreatedAt.UnixNano()
		return put(convBucket, &dbConv)
	})
	if err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

func (s *BboltStorage) GetMessage(id string) (models.Message, error) {
	var msg models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		dbMsg, err := getMessage(tx, []byte(id))
		if err != nil {
			return err
		}
		msg = toMessage(dbMsg)
		return nil
	})
	return msg, err
}

// MarkDelivered flips the delivered flag of a single message.
func (s *BboltStorage) MarkDelivered(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbMsg, err := getMessage(tx, []byte(id))
		if err != nil {
			return err
		}
		if dbMsg.Delivered {
			return nil
		}
		dbMsg.Delivered = true
		return put(tx.Bucket(bucketMessages), &dbMsg)
	})
}

// MarkRead marks every unread message sent by senderID to recipientID as read
// and returns the ids it changed, in timeline order. Nothing left unread is not an error.
func (s *BboltStorage) MarkRead(recipientID, senderID string) ([]string, error) {
	updated := []string{}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		dbConv, err := getConversation(tx, models.Participants(recipientID, senderID))
		if isNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		timeline := tx.Bucket(bucketTimelines).Bucket([]byte(dbConv.ID))
		if timeline == nil {
			return nil
		}
		messages := tx.Bucket(bucketMessages)
		return timeline.ForEach(func(_, id []byte) error {
			dbMsg, err := getMessage(tx, id)
			if err != nil {
				return err
			}
			if dbMsg.Read || dbMsg.SenderID != senderID || dbMsg.RecipientID != recipientID {
				return nil
			}
			dbMsg.Read = true
			if err := put(messages, &dbMsg); err != nil {
				return err
			}
			updated = append(updated, dbMsg.ID)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListMessages returns conversation messages in insertion order.
func (s *BboltStorage) ListMessages(conversationID string) ([]models.Message, error) {
	messages := []models.Message{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		timeline := tx.Bucket(bucketTimelines).Bucket([]byte(conversationID))
		if timeline == nil {
			return nil // No messages for this conversation
		}
		return timeline.ForEach(func(_, id []byte) error {
			dbMsg, err := getMessage(tx, id)
			if err != nil {
				return err
			}
			messages = append(messages, toMessage(dbMsg))
			return nil
		})
	})
	return messages, err
}

// Helpers

func put(b *bbolt.Bucket, s Storeable) error {
	data, err := s.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Put(s.Key(), data)
}

func getConversation(tx *bbolt.Tx, p [2]string) (DBConversation, error) {
	var dbConv DBConversation
	data := tx.Bucket(bucketConversations).Get(pairKey(p[0], p[1]))
	if data == nil {
		return dbConv, fmt.Errorf("conversation %s/%s: %w", p[0], p[1], models.ErrNotFound)
	}
	err := dbConv.UnmarshalBinary(data)
	return dbConv, err
}

func loadConversation(tx *bbolt.Tx, dbConv DBConversation) (models.Conversation, error) {
	conv := models.Conversation{
		ID:           dbConv.ID,
		Participants: [2]string{dbConv.Participants[0], dbConv.Participants[1]},
		MessageIDs:   []string{},
	}
	if dbConv.LastMessageAt != 0 {
		conv.LastMessageAt = time.Unix(0, dbConv.LastMessageAt).UTC()
	}
	timeline := tx.Bucket(bucketTimelines).Bucket([]byte(dbConv.ID))
	if timeline == nil {
		return conv, nil
	}
	err := timeline.ForEach(func(_, id []byte) error {
		conv.MessageIDs = append(conv.MessageIDs, string(id))
		return nil
	})
	return conv, err
}

func getMessage(tx *bbolt.Tx, id []byte) (DBMessage, error) {
	var dbMsg DBMessage
	data := tx.Bucket(bucketMessages).Get(id)
	if data == nil {
		return dbMsg, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}
	if err := dbMsg.UnmarshalBinary(data); err != nil {
		return dbMsg, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return dbMsg, nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func toUser(u DBUser) models.User {
	return models.User{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		Presence: models.Presence{
			Status:   models.StatusOffline,
			LastSeen: u.LastSeen,
		},
	}
}

func fromMessage(conversationID string, m models.Message) *DBMessage {
	dbMsg := &DBMessage{
		ID:              m.ID,
		ConversationID:  conversationID,
		ClientMessageID: m.ClientMessageID,
		SenderID:        m.SenderID,
		RecipientID:     m.RecipientID,
		Body:            m.Body,
		Kind:            string(m.Kind),
		CreatedAt:       m.CreatedAt.UnixNano(),
		Delivered:       m.Delivered,
		Read:            m.Read,
	}
	if m.Metadata != nil {
		dbMsg.Metadata = &DBMetadata{
			Language: m.Metadata.Language,
			Command:  m.Metadata.Command,
		}
		for _, f := range m.Metadata.Files {
			dbMsg.Metadata.Files = append(dbMsg.Metadata.Files, DBFile{
				Name:     f.Name,
				MimeType: f.MimeType,
				URL:      f.URL,
				Size:     f.Size,
			})
		}
	}
	return dbMsg
}

func toMessage(dbMsg DBMessage) models.Message {
	msg := models.Message{
		ID:              dbMsg.ID,
		ClientMessageID: dbMsg.ClientMessageID,
		SenderID:        dbMsg.SenderID,
		RecipientID:     dbMsg.RecipientID,
		Body:            dbMsg.Body,
		Kind:            models.MessageKind(dbMsg.Kind),
		CreatedAt:       time.Unix(0, dbMsg.CreatedAt).UTC(),
		Delivered:       dbMsg.Delivered,
		Read:            dbMsg.Read,
	}
	if dbMsg.Metadata != nil {
		msg.Metadata = &models.KindMetadata{
			Language: dbMsg.Metadata.Language,
			Command:  dbMsg.Metadata.Command,
		}
		for _, f := range dbMsg.Metadata.Files {
			msg.Metadata.Files = append(msg.Metadata.Files, models.FileDescriptor{
				Name:     f.Name,
				MimeType: f.MimeType,
				URL:      f.URL,
				Size:     f.Size,
			})
		}
	}
	return msg
}

func isNotFound(err error) bool {
	return errors.Is(err, models.ErrNotFound)
}
