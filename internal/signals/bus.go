package signals

import (
	"context"
	"time"

	"parley/internal/models"

	"github.com/c-pro/geche"
)

const DefaultTypingTTL = 30 * time.Second

// Relay pushes a signal to a user if that user is online.
type Relay interface {
	Deliver(userID string, msg models.ServerMessage) error
}

// Typing is the last known typing state of a sender.
// Absence of an entry means "not typing".
type Typing struct {
	RecipientID string
	Since       time.Time
}

type Config struct {
	// TypingTTL bounds how long a typing entry survives without being
	// re-asserted, so a crashed client cannot leave it forever.
	TypingTTL time.Duration
	// OnSignal is called for every relayed typing signal.
	OnSignal func(isTyping bool)
}

// Bus relays typing indicators and read receipts. Nothing it holds is persisted.
type Bus struct {
	relay  Relay
	typing geche.Geche[string, Typing]
	config Config
	now    func() time.Time
}

func NewBus(ctx context.Context, config Config, relay Relay) *Bus {
	if config.TypingTTL <= 0 {
		config.TypingTTL = DefaultTypingTTL
	}
	return &Bus{
		relay:  relay,
		typing: geche.NewMapTTLCache[string, Typing](ctx, config.TypingTTL, config.TypingTTL/2),
		config: config,
		now:    time.Now,
	}
}

// SetTyping records or clears the typing entry of senderID and forwards the
// signal to recipientID when online.
func (b *Bus) SetTyping(senderID, recipientID string, isTyping bool) {
	if isTyping {
		prev, err := b.typing.Get(senderID)
		since := b.now()
		if err == nil && prev.RecipientID == recipientID {
			since = prev.Since
		}
		// Switching recipients stops the indicator at the previous one.
		if err == nil && prev.RecipientID != recipientID {
			b.relayTyping(senderID, prev.RecipientID, false)
		}
		b.typing.Set(senderID, Typing{RecipientID: recipientID, Since: since})
	} else {
		_ = b.typing.Del(senderID)
	}
	b.relayTyping(senderID, recipientID, isTyping)
}

// StopTyping clears the entry of senderID, as a sent message implies the sender
// stopped composing, and tells recipientID.
func (b *Bus) StopTyping(senderID, recipientID string) {
	b.SetTyping(senderID, recipientID, false)
}

// ClearTyping drops whatever entry senderID has and notifies its recipient.
// It is used when the sender disconnects.
func (b *Bus) ClearTyping(senderID string) {
	prev, err := b.typing.Get(senderID)
	if err != nil {
		return
	}
	_ = b.typing.Del(senderID)
	b.relayTyping(senderID, prev.RecipientID, false)
}

// TypingState returns the typing entry of senderID, if any.
func (b *Bus) TypingState(senderID string) (Typing, bool) {
	t, err := b.typing.Get(senderID)
	if err != nil {
		return Typing{}, false
	}
	return t, true
}

// ReadReceipt tells senderID that messageID was read by readerID.
func (b *Bus) ReadReceipt(senderID, messageID, readerID string) {
	_ = b.relay.Deliver(senderID, models.ServerMessage{
		Type: models.ServerMessageTypeMessageRead,
		Data: models.MessageRead{
			MessageID: messageID,
			ReadBy:    readerID,
		},
	})
}

func (b *Bus) relayTyping(senderID, recipientID string, isTyping bool) {
	if b.config.OnSignal != nil {
		b.config.OnSignal(isTyping)
	}
	_ = b.relay.Deliver(recipientID, models.ServerMessage{
		Type: models.ServerMessageTypeUserTyping,
		Data: models.UserTyping{
			UserID:   senderID,
			IsTyping: isTyping,
		},
	})
}
