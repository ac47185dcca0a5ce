package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"parley/internal/models"

	"golang.org/x/time/rate"
)

const outboundBuffer = 100

var (
	errConnectionClosed = errors.New("connection closed")
	errBufferFull       = errors.New("outbound buffer full")
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type messageHub interface {
	Dispatch(ctx context.Context, conn *Connection, msg models.ClientMessage)
	Leave(conn *Connection)
}

type ConnectionConfig struct {
	// Limiter throttles inbound events. Nil means unlimited.
	Limiter *rate.Limiter
	// OnDrop is called when a server event is dropped because the client is too slow.
	OnDrop func()
}

// Connection is the live channel of one websocket client. It is the handle
// registered with the presence tracker.
type Connection struct {
	ws         wsConnection
	hub        messageHub
	userID     string
	config     ConnectionConfig
	fromClient chan models.ClientMessage
	fromServer chan models.ServerMessage
	errorCh    chan error
	done       chan struct{}
	closeOnce  sync.Once
	joined     atomic.Bool
}

func NewConnection(
	hub messageHub,
	ws wsConnection,
	userID string,
	config ConnectionConfig,
) *Connection {
	return &Connection{
		ws:         ws,
		hub:        hub,
		userID:     userID,
		config:     config,
		fromClient: make(chan models.ClientMessage),
		fromServer: make(chan models.ServerMessage, outboundBuffer),
		errorCh:    make(chan error, 2),
		done:       make(chan struct{}),
	}
}

func (c *Connection) UserID() string {
	return c.userID
}

// Send queues msg for the client without blocking.
func (c *Connection) Send(msg models.ServerMessage) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: %w", models.ErrTransport, errConnectionClosed)
	default:
	}

	select {
	case c.fromServer <- msg:
		return nil
	case <-c.done:
		return fmt.Errorf("%w: %w", models.ErrTransport, errConnectionClosed)
	default:
		if c.config.OnDrop != nil {
			c.config.OnDrop()
		}
		return fmt.Errorf("%w: %w", models.ErrTransport, errBufferFull)
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		c.hub.Leave(c)
		c.closeOnce.Do(func() { close(c.done) })
		close(c.errorCh)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var msg models.ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return err
		}
		select {
		case c.fromClient <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case msg := <-c.fromClient:
			if c.config.Limiter != nil && !c.config.Limiter.Allow() {
				_ = c.Send(errorEvent(models.ErrorCodeRateLimited, "too many events", ""))
				continue
			}
			c.hub.Dispatch(ctx, c, msg)
		case msg := <-c.fromServer:
			if err := c.ws.WriteJSON(msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func errorEvent(code models.ErrorCode, message, clientMessageID string) models.ServerMessage {
	return models.ServerMessage{
		Type: models.ServerMessageTypeError,
		Data: models.ErrorEvent{
			Code:            code,
			Message:         message,
			ClientMessageID: clientMessageID,
		},
	}
}
