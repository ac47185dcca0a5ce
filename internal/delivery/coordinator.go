package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"parley/internal/content"
	"parley/internal/metrics"
	"parley/internal/models"

	"github.com/c-pro/geche"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultPersistTimeout = 5 * time.Second
	DefaultIdempotencyTTL = 2 * time.Minute
)

// Store is the persistence gateway the coordinator depends on.
type Store interface {
	GetUser(id string) (models.User, error)
	FindConversation(a, b string) (models.Conversation, error)
	EnsureConversation(a, b string) (models.Conversation, error)
	AppendMessage(conversationID string, msg models.Message) (models.Message, error)
	MarkDelivered(id string) error
	MarkRead(recipientID, senderID string) ([]string, error)
	ListMessages(conversationID string) ([]models.Message, error)
}

// Presence is the part of the presence tracker used for routing.
type Presence interface {
	Deliver(userID string, msg models.ServerMessage) error
}

// Signals is the part of the signal bus touched by sends and reads.
type Signals interface {
	StopTyping(senderID, recipientID string)
	ReadReceipt(senderID, messageID, readerID string)
}

type Config struct {
	PersistTimeout time.Duration
	IdempotencyTTL time.Duration
}

// Coordinator turns send requests into persisted messages and routes them
// to the recipient's live connection.
type Coordinator struct {
	store    Store
	presence Presence
	signals  Signals
	metrics  *metrics.Metrics
	config   Config

	inflight singleflight.Group
	recent   geche.Geche[string, models.Message]
}

func NewCoordinator(ctx context.Context, config Config, store Store, presence Presence, signals Signals, m *metrics.Metrics) *Coordinator {
	if config.PersistTimeout <= 0 {
		config.PersistTimeout = DefaultPersistTimeout
	}
	if config.IdempotencyTTL <= 0 {
		config.IdempotencyTTL = DefaultIdempotencyTTL
	}
	return &Coordinator{
		store:    store,
		presence: presence,
		signals:  signals,
		metrics:  m,
		config:   config,
		recent:   geche.NewMapTTLCache[string, models.Message](ctx, config.IdempotencyTTL, time.Minute),
	}
}

// Send validates, persists and routes one message.
//
// Requests carrying a ClientMessageID are collapsed per sender: the durable
// request and the live emit of the same logical send persist exactly once and
// both callers get the same canonical message.
func (c *Coordinator) Send(ctx context.Context, senderID string, req models.SendRequest) (models.Message, error) {
	// Once accepted a send runs to completion or failure; the caller going
	// away does not cancel it.
	ctx = context.WithoutCancel(ctx)

	msg, err := content.PrepareMessage(senderID, req)
	if err != nil {
		c.metrics.SendFailures.WithLabelValues("validation").Inc()
		return models.Message{}, err
	}

	if _, err := withTimeout(ctx, c.config.PersistTimeout, func() (models.User, error) {
		return c.store.GetUser(req.RecipientID)
	}); err != nil {
		c.metrics.SendFailures.WithLabelValues(failureReason(err)).Inc()
		return models.Message{}, err
	}

	if req.ClientMessageID == "" {
		return c.send(ctx, msg, "")
	}

	key := senderID + "/" + req.ClientMessageID
	if m, err := c.recent.Get(key); err == nil {
		return c.sameSend(m, msg)
	}
	v, err, _ := c.inflight.Do(key, func() (any, error) {
		if m, err := c.recent.Get(key); err == nil {
			return m, nil
		}
		m, err := c.send(ctx, msg, req.ClientMessageID)
		if err != nil {
			return nil, err
		}
		c.recent.Set(key, m)
		return m, nil
	})
	if err != nil {
		return models.Message{}, err
	}
	return c.sameSend(v.(models.Message), msg)
}

// sameSend returns the message already persisted under a client message id,
// or a validation error when the id is reused for different content.
func (c *Coordinator) sameSend(persisted, msg models.Message) (models.Message, error) {
	if persisted.RecipientID != msg.RecipientID || persisted.Body != msg.Body || persisted.Kind != msg.Kind {
		c.metrics.SendFailures.WithLabelValues("validation").Inc()
		return models.Message{}, fmt.Errorf("%w: client message id %s was already used for another message",
			models.ErrValidation, msg.ClientMessageID)
	}
	return persisted, nil
}

func (c *Coordinator) send(ctx context.Context, msg models.Message, clientMessageID string) (models.Message, error) {
	senderID, recipientID := msg.SenderID, msg.RecipientID

	c.signals.StopTyping(senderID, recipientID)

	conv, err := withTimeout(ctx, c.config.PersistTimeout, func() (models.Conversation, error) {
		return c.store.EnsureConversation(senderID, recipientID)
	})
	if err != nil {
		c.metrics.SendFailures.WithLabelValues("persistence").Inc()
		zap.S().Errorw("failed to resolve conversation", "sender", senderID, "recipient", recipientID, "error", err)
		return models.Message{}, err
	}

	stored, err := withTimeout(ctx, c.config.PersistTimeout, func() (models.Message, error) {
		return c.store.AppendMessage(conv.ID, msg)
	})
	if err != nil {
		c.metrics.SendFailures.WithLabelValues("persistence").Inc()
		zap.S().Errorw("failed to persist message", "sender", senderID, "recipient", recipientID, "error", err)
		return models.Message{}, err
	}

	pushed := stored
	pushed.Delivered = true
	err = c.presence.Deliver(recipientID, models.ServerMessage{
		Type: models.ServerMessageTypeNewMessage,
		Data: pushed,
	})
	if err != nil {
		// The message is safe in storage; the recipient picks it up from history.
		if !errors.Is(err, models.ErrOffline) {
			zap.S().Warnw("push failed, message queued", "message_id", stored.ID, "recipient", recipientID, "error", err)
		}
		c.metrics.MessagesSent.WithLabelValues(string(models.AckStatusQueued)).Inc()
		c.ack(senderID, clientMessageID, models.AckStatusQueued, stored.ID)
		return stored, nil
	}

	if _, err := withTimeout(ctx, c.config.PersistTimeout, func() (struct{}, error) {
		return struct{}{}, c.store.MarkDelivered(stored.ID)
	}); err != nil {
		zap.S().Warnw("failed to store delivered flag", "message_id", stored.ID, "error", err)
	}

	c.metrics.MessagesSent.WithLabelValues(string(models.AckStatusDelivered)).Inc()
	c.ack(senderID, clientMessageID, models.AckStatusDelivered, stored.ID)
	return pushed, nil
}

func (c *Coordinator) ack(senderID, clientMessageID string, status models.AckStatus, dbID string) {
	t := models.ServerMessageTypeMessageStatus
	if status == models.AckStatusDelivered {
		t = models.ServerMessageTypeMessageDelivered
	}
	_ = c.presence.Deliver(senderID, models.ServerMessage{
		Type: t,
		Data: models.MessageAck{
			ClientMessageID: clientMessageID,
			Status:          status,
			DBID:            dbID,
		},
	})
}

// MarkRead flips every unread message from senderID to recipientID to read,
// relays read receipts to the sender and returns how many rows changed.
func (c *Coordinator) MarkRead(ctx context.Context, recipientID, senderID string) (int, error) {
	if senderID == "" {
		return 0, fmt.Errorf("%w: sender is required", models.ErrValidation)
	}
	ids, err := withTimeout(ctx, c.config.PersistTimeout, func() ([]string, error) {
		return c.store.MarkRead(recipientID, senderID)
	})
	if err != nil {
		zap.S().Errorw("failed to mark messages read", "recipient", recipientID, "sender", senderID, "error", err)
		return 0, err
	}
	for _, id := range ids {
		c.signals.ReadReceipt(senderID, id, recipientID)
	}
	c.metrics.ReadsMarked.Add(float64(len(ids)))
	return len(ids), nil
}

// FetchHistory returns the messages between two users in stored order.
// A pair that never talked has an empty history.
func (c *Coordinator) FetchHistory(ctx context.Context, userA, userB string) ([]models.Message, error) {
	conv, err := withTimeout(ctx, c.config.PersistTimeout, func() (models.Conversation, error) {
		return c.store.FindConversation(userA, userB)
	})
	if errors.Is(err, models.ErrNotFound) {
		return []models.Message{}, nil
	}
	if err != nil {
		return nil, err
	}
	return withTimeout(ctx, c.config.PersistTimeout, func() ([]models.Message, error) {
		return c.store.ListMessages(conv.ID)
	})
}

// withTimeout runs a storage call with a deadline. Errors other than
// models.ErrNotFound are reported as models.ErrPersistence. A call that times
// out keeps running in the background; its result is discarded.
func withTimeout[T any](ctx context.Context, timeout time.Duration, fn func() (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	var zero T
	select {
	case r := <-ch:
		switch {
		case r.err == nil:
			return r.v, nil
		case errors.Is(r.err, models.ErrNotFound):
			return zero, r.err
		default:
			return zero, fmt.Errorf("%w: %w", models.ErrPersistence, r.err)
		}
	case <-ctx.Done():
		return zero, fmt.Errorf("%w: %w", models.ErrPersistence, ctx.Err())
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrValidation):
		return "validation"
	default:
		return "persistence"
	}
}
