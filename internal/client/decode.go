package client

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"parley/internal/models"
)

// aliases maps legacy field names onto the canonical ones, so a live push and
// a durable payload end up structurally identical.
var aliases = map[string]string{
	"_id":       "id",
	"messageId": "id",
	"sender":    "senderId",
	"from":      "senderId",
	"receiver":  "recipientId",
	"recipient": "recipientId",
	"to":        "recipientId",
	"content":   "body",
	"text":      "body",
	"type":      "kind",
	"timestamp": "createdAt",
	"metadata":  "kindMetadata",
}

// DecodeMessage parses a message payload, accepting legacy field names and
// timestamps given as RFC 3339 strings or unix milliseconds.
func DecodeMessage(data []byte) (models.Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return models.Message{}, fmt.Errorf("decode message: %w", err)
	}

	for alias, canonical := range aliases {
		v, ok := fields[alias]
		if !ok {
			continue
		}
		delete(fields, alias)
		if _, exists := fields[canonical]; !exists {
			fields[canonical] = v
		}
	}

	if raw, ok := fields["createdAt"]; ok {
		ts, err := parseTimestamp(raw)
		if err != nil {
			return models.Message{}, err
		}
		b, err := json.Marshal(ts)
		if err != nil {
			return models.Message{}, err
		}
		fields["createdAt"] = b
	}

	normalized, err := json.Marshal(fields)
	if err != nil {
		return models.Message{}, err
	}
	var msg models.Message
	if err := json.Unmarshal(normalized, &msg); err != nil {
		return models.Message{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.Kind == "" {
		msg.Kind = models.MessageKindText
	}
	return msg, nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms), nil
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("decode message timestamp: %w", err)
		}
		return t, nil
	}

	var ms int64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return time.Time{}, fmt.Errorf("decode message timestamp: %w", err)
	}
	return time.UnixMilli(ms), nil
}
