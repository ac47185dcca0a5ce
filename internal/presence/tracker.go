package presence

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"parley/internal/models"
)

// Conn is the live channel of one registered user.
// Send must not block.
type Conn interface {
	Send(msg models.ServerMessage) error
}

// Entry is the live record of one user's active connection.
type Entry struct {
	UserID   string
	Conn     Conn
	Status   models.Status
	LastSeen time.Time
	JoinedAt time.Time
}

type Config struct {
	// OnOffline is called after a user's entry is removed.
	OnOffline func(userID string, lastSeen time.Time)
	// OnChange is called with the number of online users after every join or leave.
	OnChange func(online int)
}

// Tracker owns the userID -> connection registry. All reads and writes go
// through its lock, and pushes happen under the read lock so a handle is never
// used after Unregister returned.
type Tracker struct {
	entries map[string]*Entry
	config  Config
	now     func() time.Time

	mu sync.RWMutex
}

func NewTracker(config Config) *Tracker {
	return &Tracker{
		entries: make(map[string]*Entry),
		config:  config,
		now:     time.Now,
	}
}

// Register inserts or replaces the entry for userID. A previous connection of the
// same user is not closed; it is simply no longer reachable through the registry.
func (t *Tracker) Register(userID string, conn Conn) {
	t.mu.Lock()
	now := t.now()
	t.entries[userID] = &Entry{
		UserID:   userID,
		Conn:     conn,
		Status:   models.StatusOnline,
		LastSeen: now,
		JoinedAt: now,
	}
	t.broadcastLocked(t.snapshotLocked(now))
	t.broadcastLocked(statusUpdate(userID, models.StatusOnline, now))
	online := len(t.entries)
	t.mu.Unlock()

	if t.config.OnChange != nil {
		t.config.OnChange(online)
	}
}

// Unregister removes the entry owning conn. It reports the user the connection
// belonged to, or false when the connection is not (or no longer) registered.
func (t *Tracker) Unregister(conn Conn) (string, bool) {
	t.mu.Lock()
	var entry *Entry
	for _, e := range t.entries {
		if e.Conn == conn {
			entry = e
			break
		}
	}
	if entry == nil {
		t.mu.Unlock()
		return "", false
	}

	now := t.now()
	entry.LastSeen = now
	delete(t.entries, entry.UserID)
	t.broadcastLocked(t.snapshotLocked(now))
	t.broadcastLocked(statusUpdate(entry.UserID, models.StatusOffline, now))
	online := len(t.entries)
	t.mu.Unlock()

	if t.config.OnChange != nil {
		t.config.OnChange(online)
	}
	if t.config.OnOffline != nil {
		t.config.OnOffline(entry.UserID, now)
	}
	return entry.UserID, true
}

// SetStatus changes the status of a registered user and reports whether the
// user was registered. Unknown users are ignored.
func (t *Tracker) SetStatus(userID string, status models.Status) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[userID]
	if !ok {
		return false
	}
	now := t.now()
	entry.Status = status
	entry.LastSeen = now
	t.broadcastLocked(statusUpdate(userID, status, now))
	return true
}

func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.entries[userID]
	return ok
}

func (t *Tracker) Lookup(userID string) (Conn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[userID]
	if !ok {
		return nil, false
	}
	return e.Conn, true
}

// Get returns a copy of the user's entry.
func (t *Tracker) Get(userID string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[userID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Online returns the sorted ids of all registered users.
func (t *Tracker) Online() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.onlineLocked()
}

// Deliver pushes msg to the live connection of userID. The lookup and the push
// happen under one lock. The error wraps models.ErrOffline when the user is
// not registered and models.ErrTransport when the push failed.
func (t *Tracker) Deliver(userID string, msg models.ServerMessage) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, ok := t.entries[userID]
	if !ok {
		return fmt.Errorf("deliver to %s: %w", userID, models.ErrOffline)
	}
	if err := e.Conn.Send(msg); err != nil {
		return fmt.Errorf("%w: push to %s: %w", models.ErrTransport, userID, err)
	}
	return nil
}

func (t *Tracker) onlineLocked() []string {
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (t *Tracker) snapshotLocked(now time.Time) models.ServerMessage {
	ids := t.onlineLocked()
	return models.ServerMessage{
		Type: models.ServerMessageTypeOnlineUsers,
		Data: models.OnlineUsers{
			Users:     ids,
			Count:     len(ids),
			Timestamp: now.UnixMilli(),
		},
	}
}

// broadcastLocked is best effort: a full or closed connection misses the update
// and catches up with the next snapshot.
func (t *Tracker) broadcastLocked(msg models.ServerMessage) {
	for _, e := range t.entries {
		_ = e.Conn.Send(msg)
	}
}

func statusUpdate(userID string, status models.Status, now time.Time) models.ServerMessage {
	return models.ServerMessage{
		Type: models.ServerMessageTypeUserStatus,
		Data: models.UserStatusUpdate{
			UserID:    userID,
			Status:    status,
			Timestamp: now.UnixMilli(),
		},
	}
}
