package client

import (
	"sort"
	"sync"
	"time"

	"parley/internal/models"

	"github.com/c-pro/geche"
)

// DedupWindow is how far apart two id-less copies of the same body may be
// stamped and still count as one message.
const DedupWindow = 5 * time.Second

// EarlyCapacity bounds how many acks and receipts for not yet seen messages
// are kept. The oldest are dropped first.
const EarlyCapacity = 1024

// Source tells Ingest which channel a candidate came through.
type Source int

const (
	// SourceDurable is a durable response or a history fetch.
	SourceDurable Source = iota
	// SourceLive is a push over the live channel.
	SourceLive
)

type EntryState int

const (
	StateConfirmed EntryState = iota
	StateSending
	StateFailed
)

// Entry is one line of a timeline. Only confirmed entries carry a persisted id.
type Entry struct {
	models.Message
	ClientMessageID string
	State           EntryState
	Err             error
}

type pending struct {
	msg   models.Message
	state EntryState
	err   error
}

// Store is the client-side message set. Every mutation happens under one
// lock, so the duplicate check and the append of Ingest are a single step.
type Store struct {
	selfID string
	window time.Duration

	messages []models.Message
	byID     map[string]int
	pending  map[string]*pending
	// early holds acks and receipts that arrived before the message itself.
	early *geche.RingBuffer[string, func(*models.Message)]

	mu sync.Mutex
}

func NewStore(selfID string) *Store {
	return &Store{
		selfID:  selfID,
		window:  DedupWindow,
		byID:    make(map[string]int),
		pending: make(map[string]*pending),
		early:   geche.NewRingBuffer[string, func(*models.Message)](EarlyCapacity),
	}
}

// Ingest applies one candidate and reports whether it was appended.
//
// Live echoes of our own messages are dropped; the durable response is the
// only source of our own copy. A persisted copy of our own message retires the
// optimistic entry it stands for. Known ids are dropped after merging their
// delivered and read flags. Id-less copies are matched on body, sender and
// recipient within DedupWindow.
func (s *Store) Ingest(msg models.Message, src Source) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ingestLocked(msg, src)
}

func (s *Store) ingestLocked(msg models.Message, src Source) bool {
	if msg.SenderID == s.selfID {
		if src == SourceLive {
			return false
		}
		if msg.ID != "" {
			s.retirePendingLocked(msg)
		}
	}

	if msg.ID != "" {
		if i, ok := s.byID[msg.ID]; ok {
			existing := &s.messages[i]
			existing.Delivered = existing.Delivered || msg.Delivered
			existing.Read = existing.Read || msg.Read
			return false
		}
	}

	for i := range s.messages {
		existing := &s.messages[i]
		if existing.ID != "" && msg.ID != "" {
			continue
		}
		if existing.Body == msg.Body &&
			existing.SenderID == msg.SenderID &&
			existing.RecipientID == msg.RecipientID &&
			absDuration(existing.CreatedAt.Sub(msg.CreatedAt)) <= s.window {
			// Adopt the persisted id if the earlier copy had none.
			if existing.ID == "" && msg.ID != "" {
				existing.ID = msg.ID
				s.byID[msg.ID] = i
				s.applyEarlyLocked(existing)
			}
			return false
		}
	}

	if msg.ID != "" {
		s.applyEarlyLocked(&msg)
	}
	s.messages = append(s.messages, msg)
	if msg.ID != "" {
		s.byID[msg.ID] = len(s.messages) - 1
	}
	return true
}

// retirePendingLocked drops the optimistic entry that msg, a persisted copy of
// our own message, stands for. A message carrying a client message id only
// retires that entry. Without one, the closest entry with the same recipient
// and body within the dedup window goes.
func (s *Store) retirePendingLocked(msg models.Message) {
	if msg.ClientMessageID != "" {
		delete(s.pending, msg.ClientMessageID)
		return
	}

	match, best := "", s.window+1
	for cmid, p := range s.pending {
		if p.msg.RecipientID != msg.RecipientID || p.msg.Body != msg.Body {
			continue
		}
		if d := absDuration(p.msg.CreatedAt.Sub(msg.CreatedAt)); d < best {
			match, best = cmid, d
		}
	}
	if match != "" {
		delete(s.pending, match)
	}
}

func (s *Store) applyEarlyLocked(m *models.Message) {
	fn, err := s.early.Get(m.ID)
	if err != nil {
		return
	}
	fn(m)
	_ = s.early.Del(m.ID)
}

// AddPending records an optimistic local copy of an outgoing message.
func (s *Store) AddPending(clientMessageID string, msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.ID = ""
	s.pending[clientMessageID] = &pending{msg: msg, state: StateSending}
}

// Confirm replaces the optimistic copy with the persisted message.
func (s *Store) Confirm(clientMessageID string, msg models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, clientMessageID)
	return s.ingestLocked(msg, SourceDurable)
}

// Fail marks the optimistic copy as failed so the caller can offer a retry.
func (s *Store) Fail(clientMessageID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[clientMessageID]; ok {
		p.state = StateFailed
		p.err = err
	}
}

// Retry takes a failed entry back to sending and returns its content.
func (s *Store) Retry(clientMessageID string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[clientMessageID]
	if !ok || p.state != StateFailed {
		return models.Message{}, false
	}
	p.state = StateSending
	p.err = nil
	return p.msg, true
}

func (s *Store) Discard(clientMessageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, clientMessageID)
}

func (s *Store) Get(id string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byID[id]
	if !ok {
		return models.Message{}, false
	}
	return s.messages[i], true
}

// Len returns the number of confirmed and received messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Timeline returns the conversation with peer sorted by creation time,
// pending entries included. Insertion order never matters.
func (s *Store) Timeline(peer string) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	for _, m := range s.messages {
		if s.inConversation(m, peer) {
			e := Entry{Message: m, State: StateConfirmed}
			if m.SenderID == s.selfID {
				e.ClientMessageID = m.ClientMessageID
			}
			out = append(out, e)
		}
	}
	for cmid, p := range s.pending {
		if s.inConversation(p.msg, peer) {
			out = append(out, Entry{Message: p.msg, ClientMessageID: cmid, State: p.state, Err: p.err})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.ClientMessageID < b.ClientMessageID
	})
	return out
}

// UnreadCount counts messages from peer we have not read yet.
func (s *Store) UnreadCount(peer string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.SenderID == peer && m.RecipientID == s.selfID && !m.Read {
			n++
		}
	}
	return n
}

// Unread returns unread counts for every peer with unread messages.
func (s *Store) Unread() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int)
	for _, m := range s.messages {
		if m.RecipientID == s.selfID && !m.Read {
			out[m.SenderID]++
		}
	}
	return out
}

// MarkReadFrom flips every message from peer to read and returns how many changed.
func (s *Store) MarkReadFrom(peer string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.messages {
		m := &s.messages[i]
		if m.SenderID == peer && m.RecipientID == s.selfID && !m.Read {
			m.Read = true
			n++
		}
	}
	return n
}

func (s *Store) MarkDelivered(id string) bool {
	return s.update(id, func(m *models.Message) { m.Delivered = true })
}

// MarkRead applies a read receipt. A read message is also delivered.
func (s *Store) MarkRead(id string) bool {
	return s.update(id, func(m *models.Message) {
		m.Delivered = true
		m.Read = true
	})
}

func (s *Store) update(id string, fn func(*models.Message)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.byID[id]
	if !ok {
		if prev, err := s.early.Get(id); err == nil {
			// Re-insert instead of overwriting in place so the entry moves
			// to the newest slot of the ring.
			_ = s.early.Del(id)
			s.early.Set(id, func(m *models.Message) { prev(m); fn(m) })
		} else {
			s.early.Set(id, fn)
		}
		return false
	}
	fn(&s.messages[i])
	return true
}

func (s *Store) inConversation(m models.Message, peer string) bool {
	return (m.SenderID == s.selfID && m.RecipientID == peer) ||
		(m.SenderID == peer && m.RecipientID == s.selfID)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
