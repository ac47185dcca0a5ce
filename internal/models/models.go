package models

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrValidation  = errors.New("validation failed")
	ErrPersistence = errors.New("persistence failed")
	ErrTransport   = errors.New("transport failed")

	// ErrOffline is the transport error for a user without a live connection.
	ErrOffline = fmt.Errorf("%w: user offline", ErrTransport)
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// User represents a user in the system.
type User struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	Presence    Presence `json:"presence"`
}

// Presence represents the live status of a user.
type Presence struct {
	Status   Status `json:"status"`
	LastSeen int64  `json:"lastSeen"` // Unix timestamp (milliseconds)
}

type MessageKind string

const (
	MessageKindText     MessageKind = "text"
	MessageKindCode     MessageKind = "code"
	MessageKindTerminal MessageKind = "terminal"
	MessageKindImage    MessageKind = "image"
	MessageKindFile     MessageKind = "file"
)

func (k MessageKind) Valid() bool {
	switch k {
	case MessageKindText, MessageKindCode, MessageKindTerminal, MessageKindImage, MessageKindFile:
		return true
	}
	return false
}

// FileDescriptor points at an asset hosted outside of the chat core.
type FileDescriptor struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
	URL      string `json:"url"`
	Size     int64  `json:"size,omitempty"`
}

// KindMetadata carries the kind specific part of a message:
// language for code, command for terminal, files for image and file.
type KindMetadata struct {
	Language string           `json:"language,omitempty"`
	Command  string           `json:"command,omitempty"`
	Files    []FileDescriptor `json:"files,omitempty"`
}

// Message represents a persisted chat message.
// ID is assigned by storage and is the identifier shared by the durable and
// the live paths. ClientMessageID is the sender's own key for the send, kept
// so the sender can match its optimistic copy to the persisted one.
type Message struct {
	ID              string        `json:"id"`
	ClientMessageID string        `json:"clientMessageId,omitempty"`
	SenderID        string        `json:"senderId"`
	RecipientID     string        `json:"recipientId"`
	Body            string        `json:"body"`
	Kind            MessageKind   `json:"kind"`
	Metadata        *KindMetadata `json:"kindMetadata,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	Delivered       bool          `json:"delivered"`
	Read            bool          `json:"read"`
}

// Conversation is the durable record for one unordered pair of users.
type Conversation struct {
	ID            string    `json:"id"`
	Participants  [2]string `json:"participants"`
	MessageIDs    []string  `json:"messageIds"`
	LastMessageAt time.Time `json:"lastMessageAt"`
}

// Participants returns the pair in canonical (sorted) order so that
// {a,b} and {b,a} always produce the same key.
func Participants(a, b string) [2]string {
	ids := []string{a, b}
	sort.Strings(ids)
	return [2]string{ids[0], ids[1]}
}

// SendRequest is what a client submits on both the durable and the live path.
type SendRequest struct {
	RecipientID     string        `json:"recipientId"`
	Body            string        `json:"body"`
	Kind            MessageKind   `json:"kind"`
	Metadata        *KindMetadata `json:"kindMetadata,omitempty"`
	ClientMessageID string        `json:"clientMessageId,omitempty"`
}

type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
