package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"parley/internal/delivery"
	"parley/internal/models"
	"parley/internal/presence"
	"parley/internal/signals"

	"go.uber.org/zap"
)

// Hub routes live-channel events to the presence tracker, the signal bus and
// the delivery coordinator.
type Hub struct {
	presence    *presence.Tracker
	signals     *signals.Bus
	coordinator *delivery.Coordinator
}

func NewHub(tracker *presence.Tracker, bus *signals.Bus, coordinator *delivery.Coordinator) *Hub {
	return &Hub{
		presence:    tracker,
		signals:     bus,
		coordinator: coordinator,
	}
}

func (h *Hub) Dispatch(ctx context.Context, conn *Connection, msg models.ClientMessage) {
	if msg.Type != models.ClientMessageTypeJoin && !conn.joined.Load() {
		_ = conn.Send(errorEvent(models.ErrorCodeNotJoined, "join first", ""))
		return
	}

	switch msg.Type {
	case models.ClientMessageTypeJoin:
		var req models.JoinRequest
		if !decode(conn, msg, &req) {
			return
		}
		// The authenticated identity wins; a client cannot join as somebody else.
		if req.UserID != "" && req.UserID != conn.UserID() {
			_ = conn.Send(errorEvent(models.ErrorCodeValidation, "cannot join as another user", ""))
			return
		}
		h.presence.Register(conn.UserID(), conn)
		conn.joined.Store(true)
		zap.S().Infow("user joined", "user_id", conn.UserID())

	case models.ClientMessageTypeSend:
		var req models.SendRequest
		if !decode(conn, msg, &req) {
			return
		}
		if _, err := h.coordinator.Send(ctx, conn.UserID(), req); err != nil {
			_ = conn.Send(errorFromErr(err, req.ClientMessageID))
		}

	case models.ClientMessageTypeTyping:
		var req models.TypingRequest
		if !decode(conn, msg, &req) {
			return
		}
		if req.RecipientID == "" || req.RecipientID == conn.UserID() {
			_ = conn.Send(errorEvent(models.ErrorCodeValidation, "invalid typing recipient", ""))
			return
		}
		h.signals.SetTyping(conn.UserID(), req.RecipientID, req.IsTyping)

	case models.ClientMessageTypeUpdateStatus:
		var req models.StatusRequest
		if !decode(conn, msg, &req) {
			return
		}
		if !req.Status.Valid() || req.Status == models.StatusOffline {
			_ = conn.Send(errorEvent(models.ErrorCodeValidation, fmt.Sprintf("invalid status %q", req.Status), ""))
			return
		}
		h.presence.SetStatus(conn.UserID(), req.Status)

	case models.ClientMessageTypeMarkAsRead:
		var req models.MarkReadRequest
		if !decode(conn, msg, &req) {
			return
		}
		if _, err := h.coordinator.MarkRead(ctx, conn.UserID(), req.SenderID); err != nil {
			_ = conn.Send(errorFromErr(err, ""))
		}

	default:
		_ = conn.Send(errorEvent(models.ErrorCodeValidation, fmt.Sprintf("unknown event type %q", msg.Type), ""))
	}
}

// Leave drops the connection from the registry. Typing state is cleared only
// if conn was still the user's registered connection.
func (h *Hub) Leave(conn *Connection) {
	userID, ok := h.presence.Unregister(conn)
	if !ok {
		return
	}
	h.signals.ClearTyping(userID)
	zap.S().Infow("user left", "user_id", userID)
}

func decode(conn *Connection, msg models.ClientMessage, v any) bool {
	if len(msg.Data) == 0 {
		return true
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		_ = conn.Send(errorEvent(models.ErrorCodeValidation, "malformed payload", ""))
		return false
	}
	return true
}

func errorFromErr(err error, clientMessageID string) models.ServerMessage {
	code := models.ErrorCodeInternal
	switch {
	case errors.Is(err, models.ErrValidation):
		code = models.ErrorCodeValidation
	case errors.Is(err, models.ErrNotFound):
		code = models.ErrorCodeNotFound
	case errors.Is(err, models.ErrPersistence):
		code = models.ErrorCodePersistence
	}
	if code == models.ErrorCodeInternal {
		zap.S().Errorw("unexpected event failure", "error", err)
	}
	return errorEvent(code, err.Error(), clientMessageID)
}
