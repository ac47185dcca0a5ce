package client

import (
	"testing"
	"time"

	"parley/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessage(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name string
		raw  string
		want models.Message
	}{
		{
			name: "canonical",
			raw:  `{"id":"m1","senderId":"u1","recipientId":"u2","body":"hi","kind":"code","createdAt":"2026-01-02T03:04:05Z","delivered":true}`,
			want: models.Message{ID: "m1", SenderID: "u1", RecipientID: "u2", Body: "hi", Kind: models.MessageKindCode, CreatedAt: ts, Delivered: true},
		},
		{
			name: "legacy names",
			raw:  `{"_id":"m1","sender":"u1","receiver":"u2","content":"hi","timestamp":"2026-01-02T03:04:05Z"}`,
			want: models.Message{ID: "m1", SenderID: "u1", RecipientID: "u2", Body: "hi", Kind: models.MessageKindText, CreatedAt: ts},
		},
		{
			name: "unix millis",
			raw:  `{"id":"m1","senderId":"u1","recipientId":"u2","body":"hi","createdAt":1767323045000}`,
			want: models.Message{ID: "m1", SenderID: "u1", RecipientID: "u2", Body: "hi", Kind: models.MessageKindText, CreatedAt: ts},
		},
		{
			name: "canonical wins over alias",
			raw:  `{"id":"m1","_id":"other","senderId":"u1","recipientId":"u2","body":"hi","content":"ignored","createdAt":"2026-01-02T03:04:05Z"}`,
			want: models.Message{ID: "m1", SenderID: "u1", RecipientID: "u2", Body: "hi", Kind: models.MessageKindText, CreatedAt: ts},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeMessage([]byte(tt.raw))
			require.NoError(t, err)
			assert.True(t, tt.want.CreatedAt.Equal(got.CreatedAt), "createdAt %v != %v", tt.want.CreatedAt, got.CreatedAt)
			got.CreatedAt = tt.want.CreatedAt
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeMessage_Errors(t *testing.T) {
	for _, raw := range []string{`not json`, `{"id":"m1","createdAt":"yesterday"}`, `{"id":"m1","createdAt":true}`} {
		_, err := DecodeMessage([]byte(raw))
		assert.Error(t, err, raw)
	}
}

// A live push and a history row for the same message normalize to equal values.
func TestDecodeMessage_StructurallyIdentical(t *testing.T) {
	live, err := DecodeMessage([]byte(`{"_id":"m1","sender":"u1","receiver":"u2","content":"hi","timestamp":1767323045000}`))
	require.NoError(t, err)
	durable, err := DecodeMessage([]byte(`{"id":"m1","senderId":"u1","recipientId":"u2","body":"hi","kind":"text","createdAt":"2026-01-02T03:04:05Z"}`))
	require.NoError(t, err)

	assert.True(t, live.CreatedAt.Equal(durable.CreatedAt))
	live.CreatedAt = durable.CreatedAt
	assert.Equal(t, durable, live)

	s := NewStore("u2")
	assert.True(t, s.Ingest(live, SourceLive))
	assert.False(t, s.Ingest(durable, SourceDurable))
}
