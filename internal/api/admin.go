package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"parley/internal/content"
	"parley/internal/models"

	"go.uber.org/zap"
)

type tokenIssuer interface {
	Issue(userID string) (string, time.Time, error)
}

type AdminHandler struct {
	sessions tokenIssuer
	users    userStore
	presence presenceView
}

func NewAdminHandler(sessions tokenIssuer, users userStore, presence presenceView) *AdminHandler {
	return &AdminHandler{sessions: sessions, users: users, presence: presence}
}

type AddUserRequest struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

type AddUserResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	UserID      string `json:"userId,omitempty"`
	Token       string `json:"token,omitempty"`
	TokenExpiry int64  `json:"tokenExpiry,omitempty"`
}

type PresenceResponse struct {
	Users []models.User `json:"users"`
	Count int           `json:"count"`
}

// AddUserHandler creates or renames a user and issues a session token for it.
func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, AddUserResponse{Success: false, Message: "Invalid request body"})
		return
	}

	if err := content.ValidateUserID(req.ID); err != nil {
		writeJSON(w, http.StatusBadRequest, AddUserResponse{Success: false, Message: err.Error()})
		return
	}

	displayName := content.Sanitize(req.DisplayName)
	if displayName == "" {
		displayName = req.ID
	}

	user := models.User{ID: req.ID, DisplayName: displayName}
	if existing, err := h.users.GetUser(req.ID); err == nil {
		user.Presence = existing.Presence
	} else if !errors.Is(err, models.ErrNotFound) {
		writeError(w, err)
		return
	}

	if err := h.users.UpsertUser(user); err != nil {
		writeError(w, err)
		return
	}

	token, expiry, err := h.sessions.Issue(user.ID)
	if err != nil {
		writeError(w, err)
		return
	}

	zap.S().Infow("user added", "user_id", user.ID)
	writeJSON(w, http.StatusOK, AddUserResponse{
		Success:     true,
		UserID:      user.ID,
		Token:       token,
		TokenExpiry: expiry.Unix(),
	})
}

func (h *AdminHandler) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	ids := h.presence.Online()
	users := make([]models.User, 0, len(ids))
	for _, id := range ids {
		entry, ok := h.presence.Get(id)
		if !ok {
			continue
		}
		users = append(users, models.User{
			ID: id,
			Presence: models.Presence{
				Status:   entry.Status,
				LastSeen: entry.LastSeen.UnixMilli(),
			},
		})
	}
	writeJSON(w, http.StatusOK, PresenceResponse{Users: users, Count: len(users)})
}
