package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"parley/internal/auth"
	"parley/internal/models"
	"parley/internal/presence"

	"go.uber.org/zap"
)

type contextKey string

const userIDKey contextKey = "userID"

type sessions interface {
	UserID(token string) (string, error)
}

type userStore interface {
	ListUsers() ([]models.User, error)
	GetUser(id string) (models.User, error)
	UpsertUser(user models.User) error
}

type presenceView interface {
	Get(userID string) (presence.Entry, bool)
	Online() []string
}

// Messenger is the durable side of the delivery coordinator.
type Messenger interface {
	Send(ctx context.Context, senderID string, req models.SendRequest) (models.Message, error)
	MarkRead(ctx context.Context, recipientID, senderID string) (int, error)
	FetchHistory(ctx context.Context, userA, userB string) ([]models.Message, error)
}

type API struct {
	sessions  sessions
	users     userStore
	presence  presenceView
	messenger Messenger
}

func New(sessions sessions, users userStore, presence presenceView, messenger Messenger) *API {
	return &API{
		sessions:  sessions,
		users:     users,
		presence:  presence,
		messenger: messenger,
	}
}

type MarkReadResponse struct {
	Updated int `json:"updated"`
}

// RequireAuth resolves the bearer token and stores the user id in the request context.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.sessions.UserID(auth.TokenFromRequest(r))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, models.APIResponse{Success: false, Message: "Unauthorized"})
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	}
}

func userIDFrom(r *http.Request) string {
	userID, _ := r.Context().Value(userIDKey).(string)
	return userID
}

func (a *API) SendHandler(w http.ResponseWriter, r *http.Request) {
	var req models.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.APIResponse{Success: false, Message: "Invalid request body"})
		return
	}

	msg, err := a.messenger.Send(r.Context(), userIDFrom(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (a *API) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	peer := r.PathValue("peer")
	if peer == "" {
		writeJSON(w, http.StatusBadRequest, models.APIResponse{Success: false, Message: "Peer is required"})
		return
	}

	messages, err := a.messenger.FetchHistory(r.Context(), userIDFrom(r), peer)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (a *API) MarkReadHandler(w http.ResponseWriter, r *http.Request) {
	updated, err := a.messenger.MarkRead(r.Context(), userIDFrom(r), r.PathValue("peer"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MarkReadResponse{Updated: updated})
}

// UsersHandler lists known users with their live presence overlaid on the
// stored last-seen time.
func (a *API) UsersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := a.users.ListUsers()
	if err != nil {
		writeError(w, err)
		return
	}
	for i := range users {
		if entry, ok := a.presence.Get(users[i].ID); ok {
			users[i].Presence = models.Presence{
				Status:   entry.Status,
				LastSeen: entry.LastSeen.UnixMilli(),
			}
		}
	}
	writeJSON(w, http.StatusOK, users)
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	user, err := a.users.GetUser(userIDFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if entry, ok := a.presence.Get(user.ID); ok {
		user.Presence = models.Presence{Status: entry.Status, LastSeen: entry.LastSeen.UnixMilli()}
	}
	writeJSON(w, http.StatusOK, user)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrPersistence):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		zap.S().Errorw("request failed", "error", err)
		message = "internal error"
	}
	writeJSON(w, status, models.APIResponse{Success: false, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.S().Warnw("failed to encode response", "error", err)
	}
}
