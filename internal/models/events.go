package models

import "encoding/json"

type ClientMessageType string

const (
	ClientMessageTypeJoin         ClientMessageType = "join"
	ClientMessageTypeSend         ClientMessageType = "sendMessage"
	ClientMessageTypeTyping       ClientMessageType = "typing"
	ClientMessageTypeUpdateStatus ClientMessageType = "updateStatus"
	ClientMessageTypeMarkAsRead   ClientMessageType = "markAsRead"
)

type ServerMessageType string

const (
	ServerMessageTypeOnlineUsers      ServerMessageType = "onlineUsers"
	ServerMessageTypeUserStatus       ServerMessageType = "userStatusUpdate"
	ServerMessageTypeNewMessage       ServerMessageType = "newMessage"
	ServerMessageTypeMessageDelivered ServerMessageType = "messageDelivered"
	ServerMessageTypeMessageStatus    ServerMessageType = "messageStatus"
	ServerMessageTypeUserTyping       ServerMessageType = "userTyping"
	ServerMessageTypeMessageRead      ServerMessageType = "messageRead"
	ServerMessageTypeError            ServerMessageType = "error"
)

// ClientMessage represents an event sent from the client to the server.
// Data holds one of the *Request payloads below, depending on Type.
type ClientMessage struct {
	Type ClientMessageType `json:"type"`
	Data json.RawMessage   `json:"data,omitempty"`
}

// ServerMessage represents an event pushed to the client.
type ServerMessage struct {
	Type ServerMessageType `json:"type"`
	Data any               `json:"data"`
}

type JoinRequest struct {
	UserID string `json:"userId"`
}

type TypingRequest struct {
	RecipientID string `json:"recipientId"`
	IsTyping    bool   `json:"isTyping"`
}

type StatusRequest struct {
	Status Status `json:"status"`
}

type MarkReadRequest struct {
	SenderID string `json:"senderId"`
}

type OnlineUsers struct {
	Users     []string `json:"users"`
	Count     int      `json:"count"`
	Timestamp int64    `json:"timestamp"`
}

type UserStatusUpdate struct {
	UserID    string `json:"userId"`
	Status    Status `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

type AckStatus string

const (
	AckStatusDelivered AckStatus = "delivered"
	AckStatusQueued    AckStatus = "queued"
)

// MessageAck acknowledges a send to the sender's live connection.
// It is distinct from the durable response.
type MessageAck struct {
	ClientMessageID string    `json:"clientMessageId,omitempty"`
	Status          AckStatus `json:"status"`
	DBID            string    `json:"dbId"`
}

type UserTyping struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

type MessageRead struct {
	MessageID string `json:"messageId"`
	ReadBy    string `json:"readBy"`
}

type ErrorCode string

const (
	ErrorCodeValidation  ErrorCode = "validation"
	ErrorCodeNotFound    ErrorCode = "not_found"
	ErrorCodePersistence ErrorCode = "persistence"
	ErrorCodeRateLimited ErrorCode = "rate_limited"
	ErrorCodeNotJoined   ErrorCode = "not_joined"
	ErrorCodeInternal    ErrorCode = "internal"
)

type ErrorEvent struct {
	Code            ErrorCode `json:"code"`
	Message         string    `json:"message"`
	ClientMessageID string    `json:"clientMessageId,omitempty"`
}

// NewClientMessage wraps a request payload into a ClientMessage.
func NewClientMessage(t ClientMessageType, payload any) (ClientMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return ClientMessage{}, err
	}
	return ClientMessage{Type: t, Data: data}, nil
}
