package client

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"parley/internal/models"
)

// View mirrors connection state, presence and typing indicators from server events.
type View struct {
	connected bool
	online    map[string]models.Status
	typing    map[string]struct{}

	mu sync.RWMutex
}

func NewView() *View {
	return &View{
		online: make(map[string]models.Status),
		typing: make(map[string]struct{}),
	}
}

// SetConnected records the live channel state. Dropping the connection
// forgets presence and typing; the next snapshot rebuilds them.
func (v *View) SetConnected(connected bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.connected = connected
	if !connected {
		clear(v.online)
		clear(v.typing)
	}
}

// Apply folds one server event into the view. Events the view does not
// track are ignored.
func (v *View) Apply(t models.ServerMessageType, data json.RawMessage) error {
	switch t {
	case models.ServerMessageTypeOnlineUsers:
		var ev models.OnlineUsers
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("decode %s: %w", t, err)
		}
		v.mu.Lock()
		next := make(map[string]models.Status, len(ev.Users))
		for _, id := range ev.Users {
			status, ok := v.online[id]
			if !ok {
				status = models.StatusOnline
			}
			next[id] = status
		}
		v.online = next
		for id := range v.typing {
			if _, ok := next[id]; !ok {
				delete(v.typing, id)
			}
		}
		v.mu.Unlock()

	case models.ServerMessageTypeUserStatus:
		var ev models.UserStatusUpdate
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("decode %s: %w", t, err)
		}
		v.mu.Lock()
		if ev.Status == models.StatusOffline {
			delete(v.online, ev.UserID)
			delete(v.typing, ev.UserID)
		} else {
			v.online[ev.UserID] = ev.Status
		}
		v.mu.Unlock()

	case models.ServerMessageTypeUserTyping:
		var ev models.UserTyping
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("decode %s: %w", t, err)
		}
		v.setTyping(ev.UserID, ev.IsTyping)

	case models.ServerMessageTypeNewMessage:
		// A message from a peer ends its typing indicator.
		var msg models.Message
		if err := json.Unmarshal(data, &msg); err == nil && msg.SenderID != "" {
			v.setTyping(msg.SenderID, false)
		}
	}
	return nil
}

func (v *View) setTyping(userID string, isTyping bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if isTyping {
		v.typing[userID] = struct{}{}
	} else {
		delete(v.typing, userID)
	}
}

func (v *View) Connected() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.connected
}

func (v *View) IsOnline(userID string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.online[userID]
	return ok
}

// Status returns offline for users that are not online.
func (v *View) Status(userID string) models.Status {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if s, ok := v.online[userID]; ok {
		return s
	}
	return models.StatusOffline
}

func (v *View) IsTyping(userID string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.typing[userID]
	return ok
}

func (v *View) Online() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ids := make([]string, 0, len(v.online))
	for id := range v.online {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
