package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"parley/internal/api"
	"parley/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// EventDisconnected is reported when the live channel drops.
const EventDisconnected models.ServerMessageType = "disconnected"

var ErrUnauthorized = errors.New("unauthorized")

type Config struct {
	// BaseURL is the API server, e.g. http://localhost:8080.
	BaseURL    string
	Token      string
	UserID     string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	// OnEvent is called from the read loop after the store and the view
	// have been updated.
	OnEvent func(Event)
}

// Event is a server event as seen by the session.
type Event struct {
	Type    models.ServerMessageType
	Data    json.RawMessage
	Message *models.Message
	Err     error
}

// Session is one user's client: a live channel plus durable requests, both
// feeding the same Store and View.
type Session struct {
	config Config
	store  *Store
	view   *View
	http   *http.Client
	dialer *websocket.Dialer
	base   *url.URL
	wsURL  string

	conn    *websocket.Conn
	done    chan struct{}
	open    map[string]struct{}
	typists map[string]*Typist
	mu      sync.Mutex

	writeMu sync.Mutex
}

func New(config Config) (*Session, error) {
	if config.UserID == "" || config.Token == "" {
		return nil, fmt.Errorf("%w: user id and token are required", models.ErrValidation)
	}
	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("%w: base url: %w", models.ErrValidation, err)
	}

	wsBase := *base
	switch base.Scheme {
	case "http":
		wsBase.Scheme = "ws"
	case "https":
		wsBase.Scheme = "wss"
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", models.ErrValidation, base.Scheme)
	}
	wsBase.Path += "/api/chat"

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	dialer := config.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	return &Session{
		config:  config,
		store:   NewStore(config.UserID),
		view:    NewView(),
		http:    httpClient,
		dialer:  dialer,
		base:    base,
		wsURL:   wsBase.String(),
		open:    make(map[string]struct{}),
		typists: make(map[string]*Typist),
	}, nil
}

func (s *Session) Store() *Store { return s.store }

func (s *Session) View() *View { return s.view }

// Connect dials the live channel and joins. An existing connection is replaced.
func (s *Session) Connect(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.config.Token)

	conn, resp, err := s.dialer.DialContext(ctx, s.wsURL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return ErrUnauthorized
		}
		return fmt.Errorf("%w: dial %s: %w", models.ErrTransport, s.wsURL, err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	old := s.conn
	s.conn = conn
	s.done = done
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	s.view.SetConnected(true)
	go s.readLoop(conn, done)

	return s.emit(models.ClientMessageTypeJoin, models.JoinRequest{UserID: s.config.UserID})
}

// Close drops the live channel and waits for the read loop to finish.
func (s *Session) Close() error {
	s.mu.Lock()
	conn, done := s.conn, s.done
	s.conn = nil
	for _, t := range s.typists {
		t.Reset()
	}
	s.mu.Unlock()

	s.view.SetConnected(false)
	if conn == nil {
		return nil
	}
	err := conn.Close()
	<-done
	return err
}

// Send performs the dual-path send: a live emit for low latency and a durable
// request whose response is the canonical copy. Both carry the same client
// message id, so the server persists once.
func (s *Session) Send(ctx context.Context, req models.SendRequest) (models.Message, error) {
	if req.ClientMessageID == "" {
		req.ClientMessageID = uuid.NewString()
	}
	if req.Kind == "" {
		req.Kind = models.MessageKindText
	}
	s.typist(req.RecipientID).Reset()

	s.store.AddPending(req.ClientMessageID, models.Message{
		SenderID:    s.config.UserID,
		RecipientID: req.RecipientID,
		Body:        req.Body,
		Kind:        req.Kind,
		Metadata:    req.Metadata,
		CreatedAt:   time.Now(),
	})
	return s.deliver(ctx, req)
}

// Retry re-sends a failed message under its original client message id.
func (s *Session) Retry(ctx context.Context, clientMessageID string) (models.Message, error) {
	msg, ok := s.store.Retry(clientMessageID)
	if !ok {
		return models.Message{}, fmt.Errorf("%w: no failed message %s", models.ErrNotFound, clientMessageID)
	}
	return s.deliver(ctx, models.SendRequest{
		RecipientID:     msg.RecipientID,
		Body:            msg.Body,
		Kind:            msg.Kind,
		Metadata:        msg.Metadata,
		ClientMessageID: clientMessageID,
	})
}

func (s *Session) deliver(ctx context.Context, req models.SendRequest) (models.Message, error) {
	if err := s.emit(models.ClientMessageTypeSend, req); err != nil {
		zap.S().Debugw("live send skipped", "client_message_id", req.ClientMessageID, "error", err)
	}

	var msg models.Message
	if err := s.do(ctx, http.MethodPost, "/api/messages", req, &msg); err != nil {
		s.store.Fail(req.ClientMessageID, err)
		return models.Message{}, err
	}
	s.store.Confirm(req.ClientMessageID, msg)
	return msg, nil
}

// History fetches the conversation with peer, merges it into the store and
// returns the resulting timeline. The conversation is remembered for Resync.
func (s *Session) History(ctx context.Context, peer string) ([]Entry, error) {
	var raw []json.RawMessage
	if err := s.do(ctx, http.MethodGet, "/api/conversations/"+url.PathEscape(peer)+"/messages", nil, &raw); err != nil {
		return nil, err
	}
	for _, r := range raw {
		msg, err := DecodeMessage(r)
		if err != nil {
			return nil, err
		}
		s.store.Ingest(msg, SourceDurable)
	}

	s.mu.Lock()
	s.open[peer] = struct{}{}
	s.mu.Unlock()

	return s.store.Timeline(peer), nil
}

// CloseConversation stops refreshing peer on Resync.
func (s *Session) CloseConversation(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open, peer)
}

// MarkRead marks everything from peer as read on the server and locally.
func (s *Session) MarkRead(ctx context.Context, peer string) (int, error) {
	var resp api.MarkReadResponse
	if err := s.do(ctx, http.MethodPost, "/api/conversations/"+url.PathEscape(peer)+"/read", nil, &resp); err != nil {
		return 0, err
	}
	s.store.MarkReadFrom(peer)
	return resp.Updated, nil
}

func (s *Session) Users(ctx context.Context) ([]models.User, error) {
	var users []models.User
	if err := s.do(ctx, http.MethodGet, "/api/users", nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// Keystroke re-asserts typing towards peer; the indicator clears itself
// after TypingTimeout without keystrokes.
func (s *Session) Keystroke(peer string) {
	s.typist(peer).Keystroke()
}

func (s *Session) StopTyping(peer string) {
	s.typist(peer).Stop()
}

func (s *Session) SetTyping(peer string, isTyping bool) error {
	return s.emit(models.ClientMessageTypeTyping, models.TypingRequest{RecipientID: peer, IsTyping: isTyping})
}

func (s *Session) SetStatus(status models.Status) error {
	return s.emit(models.ClientMessageTypeUpdateStatus, models.StatusRequest{Status: status})
}

// Resync reconnects if needed and re-fetches every open conversation, so
// messages missed while disconnected show up.
func (s *Session) Resync(ctx context.Context) error {
	if !s.view.Connected() {
		if err := s.Connect(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	peers := make([]string, 0, len(s.open))
	for peer := range s.open {
		peers = append(peers, peer)
	}
	s.mu.Unlock()

	g, gCtx := errgroup.WithContext(ctx)
	for _, peer := range peers {
		g.Go(func() error {
			_, err := s.History(gCtx, peer)
			return err
		})
	}
	return g.Wait()
}

func (s *Session) typist(peer string) *Typist {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.typists[peer]
	if !ok {
		t = NewTypist(func(isTyping bool) {
			if err := s.SetTyping(peer, isTyping); err != nil {
				zap.S().Debugw("typing signal dropped", "peer", peer, "error", err)
			}
		}, TypingTimeout)
		s.typists[peer] = t
	}
	return t
}

func (s *Session) emit(t models.ClientMessageType, payload any) error {
	msg, err := models.NewClientMessage(t, payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%w: not connected", models.ErrTransport)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("%w: %w", models.ErrTransport, err)
	}
	return nil
}

func (s *Session) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		var env struct {
			Type models.ServerMessageType `json:"type"`
			Data json.RawMessage          `json:"data"`
		}
		if err := conn.ReadJSON(&env); err != nil {
			s.mu.Lock()
			current := s.conn == conn
			if current {
				s.conn = nil
			}
			s.mu.Unlock()
			if current {
				s.view.SetConnected(false)
				s.notify(Event{Type: EventDisconnected, Err: err})
			}
			return
		}
		s.handle(env.Type, env.Data)
	}
}

func (s *Session) handle(t models.ServerMessageType, data json.RawMessage) {
	ev := Event{Type: t, Data: data}

	switch t {
	case models.ServerMessageTypeNewMessage:
		msg, err := DecodeMessage(data)
		if err != nil {
			zap.S().Warnw("dropping malformed message", "error", err)
			return
		}
		_ = s.view.Apply(t, data)
		if !s.store.Ingest(msg, SourceLive) {
			return
		}
		ev.Message = &msg

	case models.ServerMessageTypeMessageDelivered:
		var ack models.MessageAck
		if err := json.Unmarshal(data, &ack); err == nil {
			s.store.MarkDelivered(ack.DBID)
		}

	case models.ServerMessageTypeMessageRead:
		var receipt models.MessageRead
		if err := json.Unmarshal(data, &receipt); err == nil {
			s.store.MarkRead(receipt.MessageID)
		}

	case models.ServerMessageTypeError:
		var e models.ErrorEvent
		if err := json.Unmarshal(data, &e); err == nil {
			ev.Err = fmt.Errorf("%s: %s", e.Code, e.Message)
		}

	default:
		if err := s.view.Apply(t, data); err != nil {
			zap.S().Warnw("dropping malformed event", "type", t, "error", err)
			return
		}
	}

	s.notify(ev)
}

func (s *Session) notify(ev Event) {
	if s.config.OnEvent != nil {
		s.config.OnEvent(ev)
	}
}

func (s *Session) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.base.String()+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.config.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", models.ErrTransport, method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var apiResp models.APIResponse
		_ = json.NewDecoder(resp.Body).Decode(&apiResp)
		return statusError(resp.StatusCode, apiResp.Message)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func statusError(status int, message string) error {
	if message == "" {
		message = http.StatusText(status)
	}
	switch status {
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", models.ErrValidation, message)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", models.ErrNotFound, message)
	case http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", models.ErrPersistence, message)
	case http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return fmt.Errorf("server error %d: %s", status, message)
	}
}
