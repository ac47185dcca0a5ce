package delivery

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"parley/internal/metrics"
	"parley/internal/models"
	"parley/internal/presence"
	"parley/internal/signals"
	"parley/internal/storage"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureConn struct {
	mu   sync.Mutex
	sent []models.ServerMessage
}

func (c *captureConn) Send(msg models.ServerMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *captureConn) ofType(t models.ServerMessageType) []models.ServerMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.ServerMessage
	for _, m := range c.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type failingConn struct{}

func (failingConn) Send(models.ServerMessage) error { return errors.New("socket closed") }

// brokenStore fails or stalls message appends.
type brokenStore struct {
	*storage.BboltStorage
	appendErr error
	block     chan struct{}
}

func (b *brokenStore) AppendMessage(conversationID string, msg models.Message) (models.Message, error) {
	if b.block != nil {
		<-b.block
	}
	if b.appendErr != nil {
		return models.Message{}, b.appendErr
	}
	return b.BboltStorage.AppendMessage(conversationID, msg)
}

type fixture struct {
	store       *storage.BboltStorage
	tracker     *presence.Tracker
	bus         *signals.Bus
	metrics     *metrics.Metrics
	coordinator *Coordinator
}

func newFixture(t *testing.T, wrap func(*storage.BboltStorage) Store) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	for _, u := range []models.User{
		{ID: "u1", DisplayName: "Alice"},
		{ID: "u2", DisplayName: "Bob"},
		{ID: "u3", DisplayName: "Carol"},
	} {
		require.NoError(t, store.UpsertUser(u))
	}

	var s Store = store
	if wrap != nil {
		s = wrap(store)
	}

	f := &fixture{store: store, metrics: metrics.New()}
	f.tracker = presence.NewTracker(presence.Config{})
	f.bus = signals.NewBus(ctx, signals.Config{}, f.tracker)
	f.coordinator = NewCoordinator(ctx, Config{PersistTimeout: time.Second}, s, f.tracker, f.bus, f.metrics)
	return f
}

func TestSend_OnlineRecipient(t *testing.T) {
	f := newFixture(t, nil)
	a, b := &captureConn{}, &captureConn{}
	f.tracker.Register("u1", a)
	f.tracker.Register("u2", b)

	msg, err := f.coordinator.Send(context.Background(), "u1", models.SendRequest{
		RecipientID:     "u2",
		Body:            "hi",
		Kind:            models.MessageKindText,
		ClientMessageID: "c1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "u1", msg.SenderID)
	assert.Equal(t, "u2", msg.RecipientID)
	assert.True(t, msg.Delivered)

	pushes := b.ofType(models.ServerMessageTypeNewMessage)
	require.Len(t, pushes, 1)
	pushed := pushes[0].Data.(models.Message)
	assert.Equal(t, msg.ID, pushed.ID)
	assert.True(t, pushed.Delivered)

	acks := a.ofType(models.ServerMessageTypeMessageDelivered)
	require.Len(t, acks, 1)
	assert.Equal(t, models.MessageAck{ClientMessageID: "c1", Status: models.AckStatusDelivered, DBID: msg.ID}, acks[0].Data)

	// No echo to the sender.
	assert.Empty(t, a.ofType(models.ServerMessageTypeNewMessage))

	stored, err := f.store.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.True(t, stored.Delivered)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MessagesSent.WithLabelValues("delivered")))
}

func TestSend_OfflineRecipient(t *testing.T) {
	f := newFixture(t, nil)
	a := &captureConn{}
	f.tracker.Register("u1", a)

	msg, err := f.coordinator.Send(context.Background(), "u1", models.SendRequest{RecipientID: "u3", Body: "are you there?"})
	require.NoError(t, err)
	assert.False(t, msg.Delivered)

	acks := a.ofType(models.ServerMessageTypeMessageStatus)
	require.Len(t, acks, 1)
	assert.Equal(t, models.AckStatusQueued, acks[0].Data.(models.MessageAck).Status)
	assert.Equal(t, msg.ID, acks[0].Data.(models.MessageAck).DBID)

	// u3 connects later and fetches history.
	c := &captureConn{}
	f.tracker.Register("u3", c)
	assert.Empty(t, c.ofType(models.ServerMessageTypeNewMessage))

	history, err := f.coordinator.FetchHistory(context.Background(), "u3", "u1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, msg.ID, history[0].ID)
	assert.False(t, history[0].Delivered)
	assert.False(t, history[0].Read)

	n, err := f.coordinator.MarkRead(context.Background(), "u3", "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	receipts := a.ofType(models.ServerMessageTypeMessageRead)
	require.Len(t, receipts, 1)
	assert.Equal(t, models.MessageRead{MessageID: msg.ID, ReadBy: "u3"}, receipts[0].Data)
}

func TestSend_TransportFailureDowngradesToQueued(t *testing.T) {
	f := newFixture(t, nil)
	a := &captureConn{}
	f.tracker.Register("u1", a)
	f.tracker.Register("u2", failingConn{})

	msg, err := f.coordinator.Send(context.Background(), "u1", models.SendRequest{RecipientID: "u2", Body: "hi"})
	require.NoError(t, err)
	assert.False(t, msg.Delivered)
	assert.Len(t, a.ofType(models.ServerMessageTypeMessageStatus), 1)

	stored, err := f.store.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.False(t, stored.Delivered)
}

func TestSend_Errors(t *testing.T) {
	f := newFixture(t, nil)
	a := &captureConn{}
	f.tracker.Register("u1", a)

	_, err := f.coordinator.Send(context.Background(), "u1", models.SendRequest{RecipientID: "u2", Body: "   "})
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = f.coordinator.Send(context.Background(), "u1", models.SendRequest{RecipientID: "ghost", Body: "hi"})
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = f.store.FindConversation("u1", "ghost")
	assert.ErrorIs(t, err, models.ErrNotFound, "nothing may be persisted for an unknown recipient")

	history, err := f.coordinator.FetchHistory(context.Background(), "u1", "u2")
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Empty(t, a.ofType(models.ServerMessageTypeMessageStatus))
}

func TestSend_PersistenceFailureEmitsNothing(t *testing.T) {
	f := newFixture(t, func(s *storage.BboltStorage) Store {
		return &brokenStore{BboltStorage: s, appendErr: errors.New("disk full")}
	})
	a, b := &captureConn{}, &captureConn{}
	f.tracker.Register("u1", a)
	f.tracker.Register("u2", b)

	_, err := f.coordinator.Send(context.Background(), "u1", models.SendRequest{RecipientID: "u2", Body: "hi", ClientMessageID: "c1"})
	require.ErrorIs(t, err, models.ErrPersistence)

	assert.Empty(t, b.ofType(models.ServerMessageTypeNewMessage))
	assert.Empty(t, a.ofType(models.ServerMessageTypeMessageDelivered))
	assert.Empty(t, a.ofType(models.ServerMessageTypeMessageStatus))
}

func TestSend_PersistenceTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	f := newFixture(t, func(s *storage.BboltStorage) Store {
		return &brokenStore{BboltStorage: s, block: block}
	})
	f.coordinator.config.PersistTimeout = 50 * time.Millisecond
	b := &captureConn{}
	f.tracker.Register("u2", b)

	_, err := f.coordinator.Send(context.Background(), "u1", models.SendRequest{RecipientID: "u2", Body: "hi"})
	require.ErrorIs(t, err, models.ErrPersistence)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, b.ofType(models.ServerMessageTypeNewMessage))
}

func TestSend_ClientMessageIDCollapsesDualPath(t *testing.T) {
	f := newFixture(t, nil)
	a, b := &captureConn{}, &captureConn{}
	f.tracker.Register("u1", a)
	f.tracker.Register("u2", b)

	req := models.SendRequest{RecipientID: "u2", Body: "hi", ClientMessageID: "c42"}

	var wg sync.WaitGroup
	results := make([]models.Message, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := f.coordinator.Send(context.Background(), "u1", req)
			assert.NoError(t, err)
			results[i] = m
		}(i)
	}
	wg.Wait()

	assert.Equal(t, results[0].ID, results[1].ID)

	// A late arrival of the same logical send is answered from the cache.
	late, err := f.coordinator.Send(context.Background(), "u1", req)
	require.NoError(t, err)
	assert.Equal(t, results[0].ID, late.ID)

	history, err := f.coordinator.FetchHistory(context.Background(), "u1", "u2")
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Len(t, b.ofType(models.ServerMessageTypeNewMessage), 1)
}

func TestSend_ClientMessageIDReusedForOtherContent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.coordinator.Send(ctx, "u1", models.SendRequest{RecipientID: "u2", Body: "hi", ClientMessageID: "c7"})
	require.NoError(t, err)
	assert.Equal(t, "c7", first.ClientMessageID)

	tests := []struct {
		name string
		req  models.SendRequest
	}{
		{name: "other body", req: models.SendRequest{RecipientID: "u2", Body: "bye", ClientMessageID: "c7"}},
		{name: "other recipient", req: models.SendRequest{RecipientID: "u3", Body: "hi", ClientMessageID: "c7"}},
		{name: "other kind", req: models.SendRequest{RecipientID: "u2", Body: "hi", Kind: models.MessageKindCode, ClientMessageID: "c7"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.coordinator.Send(ctx, "u1", tt.req)
			assert.ErrorIs(t, err, models.ErrValidation)
		})
	}

	// Another sender may use the same client message id.
	_, err = f.coordinator.Send(ctx, "u3", models.SendRequest{RecipientID: "u2", Body: "bye", ClientMessageID: "c7"})
	require.NoError(t, err)

	history, err := f.coordinator.FetchHistory(ctx, "u1", "u2")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, first.ID, history[0].ID)
	assert.Equal(t, "c7", history[0].ClientMessageID)
	history, err = f.coordinator.FetchHistory(ctx, "u1", "u3")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSend_IdenticalContentPersistsTwice(t *testing.T) {
	f := newFixture(t, nil)

	m1, err := f.coordinator.Send(context.Background(), "u1", models.SendRequest{RecipientID: "u2", Body: "retry me"})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	m2, err := f.coordinator.Send(context.Background(), "u1", models.SendRequest{RecipientID: "u2", Body: "retry me"})
	require.NoError(t, err)

	assert.NotEqual(t, m1.ID, m2.ID)
	history, err := f.coordinator.FetchHistory(context.Background(), "u2", "u1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestSend_ClearsTyping(t *testing.T) {
	f := newFixture(t, nil)
	b := &captureConn{}
	f.tracker.Register("u2", b)

	f.bus.SetTyping("u1", "u2", true)
	_, err := f.coordinator.Send(context.Background(), "u1", models.SendRequest{RecipientID: "u2", Body: "done typing"})
	require.NoError(t, err)

	_, typing := f.bus.TypingState("u1")
	assert.False(t, typing)
	relayed := b.ofType(models.ServerMessageTypeUserTyping)
	require.Len(t, relayed, 2)
	assert.Equal(t, models.UserTyping{UserID: "u1", IsTyping: false}, relayed[1].Data)
}

func TestMarkRead_Idempotent(t *testing.T) {
	f := newFixture(t, nil)
	for _, body := range []string{"one", "two"} {
		_, err := f.coordinator.Send(context.Background(), "u1", models.SendRequest{RecipientID: "u2", Body: body})
		require.NoError(t, err)
	}

	n, err := f.coordinator.MarkRead(context.Background(), "u2", "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = f.coordinator.MarkRead(context.Background(), "u2", "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = f.coordinator.MarkRead(context.Background(), "u3", "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = f.coordinator.MarkRead(context.Background(), "u2", "")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestFetchHistory_Symmetric(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.coordinator.Send(context.Background(), "u1", models.SendRequest{RecipientID: "u2", Body: "ping"})
	require.NoError(t, err)
	_, err = f.coordinator.Send(context.Background(), "u2", models.SendRequest{RecipientID: "u1", Body: "pong"})
	require.NoError(t, err)

	ab, err := f.coordinator.FetchHistory(context.Background(), "u1", "u2")
	require.NoError(t, err)
	ba, err := f.coordinator.FetchHistory(context.Background(), "u2", "u1")
	require.NoError(t, err)
	assert.Equal(t, ab, ba)
	require.Len(t, ab, 2)
	assert.Equal(t, "ping", ab[0].Body)
	assert.Equal(t, "pong", ab[1].Body)
}
