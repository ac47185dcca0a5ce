package storage

import (
	"encoding"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	ID          string `msgpack:"id"`
	DisplayName string `msgpack:"displayName"`
	LastSeen    int64  `msgpack:"lastSeen"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

type DBConversation struct {
	ID            string   `msgpack:"id"`
	Participants  []string `msgpack:"participants"`
	LastMessageAt int64    `msgpack:"lastMessageAt"`
}

// Key is the canonical participant pair, so a conversation can only be
// stored once per unordered pair.
func (c *DBConversation) Key() []byte {
	return pairKey(c.Participants[0], c.Participants[1])
}

func (c *DBConversation) MarshalBinary() (data []byte, err error) {
	type alias DBConversation
	return msgpack.Marshal((*alias)(c))
}

func (c *DBConversation) UnmarshalBinary(data []byte) error {
	type alias DBConversation
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBMessage struct {
	ID              string      `msgpack:"id"`
	ConversationID  string      `msgpack:"conversationId"`
	ClientMessageID string      `msgpack:"clientMessageId"`
	SenderID        string      `msgpack:"senderId"`
	RecipientID     string      `msgpack:"recipientId"`
	Body            string      `msgpack:"body"`
	Kind            string      `msgpack:"kind"`
	Metadata        *DBMetadata `msgpack:"metadata"`
	CreatedAt       int64       `msgpack:"createdAt"` // Unix nanoseconds
	Delivered       bool        `msgpack:"delivered"`
	Read            bool        `msgpack:"read"`
}

type DBMetadata struct {
	Language string   `msgpack:"language"`
	Command  string   `msgpack:"command"`
	Files    []DBFile `msgpack:"files"`
}

type DBFile struct {
	Name     string `msgpack:"name"`
	MimeType string `msgpack:"mimeType"`
	URL      string `msgpack:"url"`
	Size     int64  `msgpack:"size"`
}

func (m *DBMessage) Key() []byte {
	return []byte(m.ID)
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}

func pairKey(a, b string) []byte {
	key := make([]byte, 0, len(a)+len(b)+1)
	key = append(key, a...)
	key = append(key, 0)
	return append(key, b...)
}
