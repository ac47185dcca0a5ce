package ws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"parley/internal/models"

	"golang.org/x/time/rate"
)

type mockWS struct {
	readCh      chan models.ClientMessage
	writeCh     chan any
	closeCh     chan struct{}
	closeOnce   sync.Once
	errToReturn error
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan models.ClientMessage, 10),
		writeCh: make(chan any, 10),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) Close() error {
	m.closeOnce.Do(func() { close(m.closeCh) })
	return nil
}

func (m *mockWS) closed() bool {
	select {
	case <-m.closeCh:
		return true
	default:
		return false
	}
}

func (m *mockWS) WriteJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	m.writeCh <- v
	return nil
}

func (m *mockWS) ReadJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	select {
	case msg, ok := <-m.readCh:
		if !ok {
			return errors.New("closed")
		}
		if ptr, ok := v.(*models.ClientMessage); ok {
			*ptr = msg
		}
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

type mockHub struct {
	leaveCh    chan *Connection
	dispatchCh chan models.ClientMessage
}

func newMockHub() *mockHub {
	return &mockHub{
		leaveCh:    make(chan *Connection, 10),
		dispatchCh: make(chan models.ClientMessage, 10),
	}
}

func (m *mockHub) Dispatch(_ context.Context, _ *Connection, msg models.ClientMessage) {
	m.dispatchCh <- msg
}

func (m *mockHub) Leave(conn *Connection) {
	m.leaveCh <- conn
}

func TestConnection_Lifecycle(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()

	conn := NewConnection(hub, ws, "user1", ConnectionConfig{})
	if conn.UserID() != "user1" {
		t.Fatalf("Expected user1, got %s", conn.UserID())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	// Client -> Hub
	clientMsg, err := models.NewClientMessage(models.ClientMessageTypeTyping, models.TypingRequest{RecipientID: "user2", IsTyping: true})
	if err != nil {
		t.Fatal(err)
	}
	ws.readCh <- clientMsg

	select {
	case received := <-hub.dispatchCh:
		if received.Type != models.ClientMessageTypeTyping || string(received.Data) != string(clientMsg.Data) {
			t.Errorf("Hub received wrong message: %+v", received)
		}
	case <-time.After(time.Second):
		t.Error("Hub did not receive dispatched message")
	}

	// Server -> Client
	serverMsg := models.ServerMessage{
		Type: models.ServerMessageTypeUserTyping,
		Data: models.UserTyping{UserID: "user2", IsTyping: true},
	}
	if err := conn.Send(serverMsg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case received := <-ws.writeCh:
		sMsg, ok := received.(models.ServerMessage)
		if !ok {
			t.Fatalf("WS received wrong type: %T", received)
		}
		if sMsg.Type != models.ServerMessageTypeUserTyping {
			t.Errorf("WS received wrong message: %+v", sMsg)
		}
	case <-time.After(time.Second):
		t.Error("WS did not receive server message")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Handle returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Handle did not return after cancel")
	}

	select {
	case left := <-hub.leaveCh:
		if left != conn {
			t.Error("Leave called with a different connection")
		}
	default:
		t.Error("Leave not called")
	}

	if !ws.closed() {
		t.Error("WS Close not called")
	}

	if err := conn.Send(serverMsg); !errors.Is(err, models.ErrTransport) {
		t.Errorf("Expected ErrTransport after close, got %v", err)
	}
}

func TestConnection_WSError(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	ws.errToReturn = errors.New("read error")

	conn := NewConnection(hub, ws, "user2", ConnectionConfig{})

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected error from Handle, got nil")
		}
	case <-time.After(time.Second):
		t.Fatal("Handle did not return on error")
	}

	if !ws.closed() {
		t.Error("WS Close not called")
	}
	if len(hub.leaveCh) != 1 {
		t.Error("Leave not called")
	}
}

func TestConnection_SendBufferFull(t *testing.T) {
	var drops int
	conn := NewConnection(newMockHub(), newMockWS(), "user3", ConnectionConfig{
		OnDrop: func() { drops++ },
	})

	msg := models.ServerMessage{Type: models.ServerMessageTypeOnlineUsers}
	for i := range outboundBuffer {
		if err := conn.Send(msg); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}

	if err := conn.Send(msg); !errors.Is(err, models.ErrTransport) {
		t.Errorf("Expected ErrTransport on full buffer, got %v", err)
	}
	if drops != 1 {
		t.Errorf("Expected 1 drop, got %d", drops)
	}
}

func TestConnection_RateLimited(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	conn := NewConnection(hub, ws, "user4", ConnectionConfig{
		Limiter: rate.NewLimiter(rate.Every(time.Hour), 1),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	ws.readCh <- models.ClientMessage{Type: models.ClientMessageTypeJoin}
	ws.readCh <- models.ClientMessage{Type: models.ClientMessageTypeJoin}

	select {
	case <-hub.dispatchCh:
	case <-time.After(time.Second):
		t.Fatal("first event was not dispatched")
	}

	select {
	case received := <-ws.writeCh:
		sMsg := received.(models.ServerMessage)
		ev, ok := sMsg.Data.(models.ErrorEvent)
		if sMsg.Type != models.ServerMessageTypeError || !ok || ev.Code != models.ErrorCodeRateLimited {
			t.Errorf("Expected rate limited error, got %+v", sMsg)
		}
	case <-time.After(time.Second):
		t.Fatal("no rate limit error written")
	}

	if len(hub.dispatchCh) != 0 {
		t.Error("second event should not be dispatched")
	}

	cancel()
	<-done
}
