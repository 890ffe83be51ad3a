package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/chat-sync/internal/config"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/domain"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/idgen"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/protocol"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/log"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/pubsub"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []protocol.Command
	err  error
}

func (s *fakeSender) Send(ctx context.Context, cmd protocol.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, cmd)
	return nil
}

func (s *fakeSender) commands() []protocol.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Command(nil), s.sent...)
}

func newTestLedger(sender *fakeSender, bus pubsub.Publisher, ackTimeout time.Duration) *Ledger {
	return New("alice", sender, idgen.NewULIDGenerator(), bus, config.LedgerConfig{AckTimeout: ackTimeout}, log.Nop())
}

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func pushed(id, conv, sender string, at time.Time) domain.Message {
	return domain.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       sender,
		Variant:        domain.ContentText,
		Payload:        "hello",
		CreatedAt:      at,
		Status:         domain.StatusDelivered,
	}
}

func TestLedger_SendIsOptimistic(t *testing.T) {
	req := require.New(t)
	sender := &fakeSender{}
	l := newTestLedger(sender, nil, 0)

	// When a group message is sent
	msg, err := l.Send(context.Background(), Outgoing{ConversationID: "c1", Variant: domain.ContentText, Payload: "hi"})

	// Then it is pending under a provisional id that doubles as correlation id
	req.NoError(err)
	req.Equal(domain.StatusPending, msg.Status)
	req.True(msg.Provisional)
	req.Equal(msg.ID, msg.CorrelationID)
	req.Len(l.Messages("c1"), 1)

	cmds := sender.commands()
	req.Len(cmds, 1)
	gm, ok := cmds[0].(protocol.GroupMessage)
	req.True(ok)
	req.Equal(msg.ID, gm.CorrelationID)
	req.Equal("c1", gm.ConversationID)
	req.Equal("text", gm.ContentType)
}

func TestLedger_SendPrivateUsesReceiver(t *testing.T) {
	req := require.New(t)
	sender := &fakeSender{}
	l := newTestLedger(sender, nil, 0)

	_, err := l.Send(context.Background(), Outgoing{ConversationID: "c1", ReceiverID: "bob", Variant: domain.ContentEmoji, Payload: ":)"})
	req.NoError(err)

	pm, ok := sender.commands()[0].(protocol.PrivateMessage)
	req.True(ok)
	req.Equal("bob", pm.ReceiverID)
}

func TestLedger_SendValidates(t *testing.T) {
	req := require.New(t)
	l := newTestLedger(&fakeSender{}, nil, 0)

	_, err := l.Send(context.Background(), Outgoing{Variant: domain.ContentText})
	req.ErrorIs(err, domain.ErrEmptyConversation)

	_, err = l.Send(context.Background(), Outgoing{ConversationID: "c1", Variant: "video"})
	req.ErrorIs(err, domain.ErrInvalidVariant)
}

func TestLedger_SendFailureMarksFailed(t *testing.T) {
	req := require.New(t)
	sendErr := &domain.TransportError{Err: domain.ErrDisconnected}
	l := newTestLedger(&fakeSender{err: sendErr}, nil, 0)

	msg, err := l.Send(context.Background(), Outgoing{ConversationID: "c1", Variant: domain.ContentText, Payload: "hi"})

	req.ErrorIs(err, domain.ErrDisconnected)
	req.Equal(domain.StatusFailed, msg.Status)
	stored, ok := l.Get(msg.ID)
	req.True(ok)
	req.Equal(domain.StatusFailed, stored.Status)
}

func TestLedger_ExactlyOnceAckThenPush(t *testing.T) {
	req := require.New(t)
	l := newTestLedger(&fakeSender{}, nil, 0)

	msg, err := l.Send(context.Background(), Outgoing{ConversationID: "c1", Variant: domain.ContentText, Payload: "hi"})
	req.NoError(err)

	// When the ack confirms server id s1 and then s1 is pushed
	req.True(l.OnAck(protocol.SendResult{CorrelationID: msg.ID, MessageID: "s1", Code: 200, CreatedAt: t0}))
	inserted := l.OnReceive(pushed("s1", "c1", "alice", t0))

	// Then the ledger holds one entry, still sent
	req.False(inserted)
	msgs := l.Messages("c1")
	req.Len(msgs, 1)
	req.Equal("s1", msgs[0].ID)
	req.Equal(domain.StatusSent, msgs[0].Status)
	req.False(msgs[0].Provisional)
	_, ok := l.Get(msg.ID)
	req.False(ok)
}

func TestLedger_ExactlyOncePushThenAck(t *testing.T) {
	req := require.New(t)
	l := newTestLedger(&fakeSender{}, nil, 0)

	msg, err := l.Send(context.Background(), Outgoing{ConversationID: "c1", Variant: domain.ContentText, Payload: "hi"})
	req.NoError(err)

	// When the push of s1 overtakes the ack
	req.True(l.OnReceive(pushed("s1", "c1", "alice", t0)))
	req.True(l.OnAck(protocol.SendResult{CorrelationID: msg.ID, MessageID: "s1", Code: 200, CreatedAt: t0}))

	// Then the pushed copy absorbs the provisional entry
	msgs := l.Messages("c1")
	req.Len(msgs, 1)
	req.Equal("s1", msgs[0].ID)
	req.Equal(domain.StatusDelivered, msgs[0].Status)
}

func TestLedger_PushWithCorrelationReconciles(t *testing.T) {
	req := require.New(t)
	l := newTestLedger(&fakeSender{}, nil, 0)

	msg, err := l.Send(context.Background(), Outgoing{ConversationID: "c1", Variant: domain.ContentText, Payload: "hi"})
	req.NoError(err)

	echo := pushed("s1", "c1", "alice", t0)
	echo.CorrelationID = msg.ID
	req.False(l.OnReceive(echo))
	req.True(l.OnAck(protocol.SendResult{CorrelationID: msg.ID, MessageID: "s1", Code: 200}))

	msgs := l.Messages("c1")
	req.Len(msgs, 1)
	req.Equal("s1", msgs[0].ID)
	req.Equal(domain.StatusDelivered, msgs[0].Status)
	req.Equal(t0, msgs[0].CreatedAt)
}

func TestLedger_RejectedAckFails(t *testing.T) {
	req := require.New(t)
	l := newTestLedger(&fakeSender{}, nil, 0)

	msg, err := l.Send(context.Background(), Outgoing{ConversationID: "c1", Variant: domain.ContentText, Payload: "hi"})
	req.NoError(err)

	req.True(l.OnAck(protocol.SendResult{CorrelationID: msg.ID, Code: 403, Reason: "not a member"}))
	got, _ := l.Get(msg.ID)
	req.Equal(domain.StatusFailed, got.Status)

	// a late success for the same correlation cannot resurrect it
	req.True(l.OnAck(protocol.SendResult{CorrelationID: msg.ID, MessageID: "s1", Code: 200}))
	msgs := l.Messages("c1")
	req.Len(msgs, 1)
	req.Equal(domain.StatusFailed, msgs[0].Status)
}

func TestLedger_UnknownAckIsNotHandled(t *testing.T) {
	l := newTestLedger(&fakeSender{}, nil, 0)
	require.False(t, l.OnAck(protocol.SendResult{CorrelationID: "leave-1", Code: 200}))
}

func TestLedger_AckByMessageID(t *testing.T) {
	req := require.New(t)
	l := newTestLedger(&fakeSender{}, nil, time.Hour)

	// Given a pending message
	msg, err := l.Send(context.Background(), Outgoing{ConversationID: "c1", Variant: domain.ContentText, Payload: "hi"})
	req.NoError(err)

	// When the server acknowledges it by message id alone
	handled := l.OnAck(protocol.SendResult{MessageID: msg.ID, Code: 200})

	// Then the provisional entry is confirmed in place
	req.True(handled)
	got, ok := l.Get(msg.ID)
	req.True(ok)
	req.Equal(domain.StatusSent, got.Status)
	req.False(got.Provisional)
	req.Len(l.Messages("c1"), 1)

	// And an ack naming an unknown message id is not ours
	req.False(l.OnAck(protocol.SendResult{MessageID: "other", Code: 200}))
}

func TestLedger_AckByServerIDAfterRekey(t *testing.T) {
	req := require.New(t)
	l := newTestLedger(&fakeSender{}, nil, 0)

	// Given a message already confirmed under server id s1
	msg, err := l.Send(context.Background(), Outgoing{ConversationID: "c1", Variant: domain.ContentText, Payload: "hi"})
	req.NoError(err)
	req.True(l.OnAck(protocol.SendResult{CorrelationID: msg.ID, MessageID: "s1", Code: 200}))

	// When a repeated ack arrives with only the server id
	handled := l.OnAck(protocol.SendResult{MessageID: "s1", Code: 200})

	// Then it is matched and leaves one sent entry
	req.True(handled)
	msgs := l.Messages("c1")
	req.Len(msgs, 1)
	req.Equal("s1", msgs[0].ID)
	req.Equal(domain.StatusSent, msgs[0].Status)
}

func TestLedger_StatusIsMonotonic(t *testing.T) {
	req := require.New(t)
	l := newTestLedger(&fakeSender{}, nil, 0)

	msg, err := l.Send(context.Background(), Outgoing{ConversationID: "c1", Variant: domain.ContentText, Payload: "hi"})
	req.NoError(err)

	var seen []domain.Status
	observe := func(id string) {
		m, ok := l.Get(id)
		req.True(ok)
		seen = append(seen, m.Status)
	}

	observe(msg.ID)
	l.OnAck(protocol.SendResult{CorrelationID: msg.ID, MessageID: "s1", Code: 200})
	observe("s1")
	l.MarkRead([]string{"s1"}, "bob")
	observe("s1")
	l.OnReceive(pushed("s1", "c1", "alice", t0))
	observe("s1")
	l.OnAck(protocol.SendResult{CorrelationID: msg.ID, MessageID: "s1", Code: 200})
	observe("s1")
	l.OnAck(protocol.SendResult{CorrelationID: msg.ID, Code: 500})
	observe("s1")

	for i := 1; i < len(seen); i++ {
		req.LessOrEqual(seen[i-1].Rank(), seen[i].Rank(), "status went %s -> %s", seen[i-1], seen[i])
	}
	req.Equal(domain.StatusRead, seen[len(seen)-1])
}

func TestLedger_OnReceiveIsIdempotent(t *testing.T) {
	req := require.New(t)
	l := newTestLedger(&fakeSender{}, nil, 0)

	req.True(l.OnReceive(pushed("m1", "c1", "bob", t0)))
	req.False(l.OnReceive(pushed("m1", "c1", "bob", t0)))
	req.Len(l.Messages("c1"), 1)
}

func TestLedger_MessagesOrderedByCreatedAtThenID(t *testing.T) {
	req := require.New(t)
	l := newTestLedger(&fakeSender{}, nil, 0)

	l.OnReceive(pushed("b", "c1", "bob", t0.Add(time.Minute)))
	l.OnReceive(pushed("z", "c1", "bob", t0))
	l.OnReceive(pushed("a", "c1", "bob", t0.Add(time.Minute)))
	l.OnReceive(pushed("x", "c2", "bob", t0))

	var ids []string
	for _, m := range l.Messages("c1") {
		ids = append(ids, m.ID)
	}
	req.Equal([]string{"z", "a", "b"}, ids)
}

func TestLedger_MarkRead(t *testing.T) {
	req := require.New(t)
	l := newTestLedger(&fakeSender{}, nil, 0)

	l.OnReceive(pushed("m1", "c1", "bob", t0))
	l.OnReceive(pushed("m2", "c1", "bob", t0))

	req.Equal(2, l.MarkRead([]string{"m1", "m2", "missing"}, "alice"))
	req.Equal(0, l.MarkRead([]string{"m1"}, "alice"))

	m, _ := l.Get("m1")
	req.True(m.HasReader("alice"))
	req.Equal(domain.StatusRead, m.Status)
}

func TestLedger_AckTimeoutFlagsUndelivered(t *testing.T) {
	req := require.New(t)
	bus := pubsub.NewMemoryPubSub(pubsub.DefaultConfig())
	defer bus.Close()
	events, err := bus.Subscribe(context.Background(), pubsub.TopicMessageUndelivered)
	req.NoError(err)

	sender := &fakeSender{}
	l := newTestLedger(sender, bus, 20*time.Millisecond)
	defer l.Stop()

	msg, err := l.Send(context.Background(), Outgoing{ConversationID: "c1", Variant: domain.ContentText, Payload: "hi"})
	req.NoError(err)

	// Then the overdue message stays pending but is flagged
	select {
	case evt := <-events:
		var timeoutErr *domain.AckTimeoutError
		req.True(errors.As(evt.Payload.(error), &timeoutErr))
		req.Equal(msg.ID, timeoutErr.MessageID)
	case <-time.After(2 * time.Second):
		t.Fatal("no undelivered notification")
	}
	got, _ := l.Get(msg.ID)
	req.Equal(domain.StatusPending, got.Status)
	req.True(got.Undelivered)
	req.Len(sender.commands(), 1)

	// And a manual retry creates a separate provisional entry
	retried, err := l.Retry(context.Background(), msg.ID)
	req.NoError(err)
	req.NotEqual(msg.ID, retried.ID)
	req.Equal(msg.Payload, retried.Payload)
	req.Len(l.Messages("c1"), 2)
	req.Len(sender.commands(), 2)
}

func TestLedger_RetryRules(t *testing.T) {
	req := require.New(t)
	l := newTestLedger(&fakeSender{}, nil, 0)

	_, err := l.Retry(context.Background(), "missing")
	req.ErrorIs(err, domain.ErrUnknownMessage)

	msg, err := l.Send(context.Background(), Outgoing{ConversationID: "c1", Variant: domain.ContentText, Payload: "hi"})
	req.NoError(err)
	_, err = l.Retry(context.Background(), msg.ID)
	req.ErrorIs(err, domain.ErrNotRetryable)

	l.OnAck(protocol.SendResult{CorrelationID: msg.ID, Code: 500})
	retried, err := l.Retry(context.Background(), msg.ID)
	req.NoError(err)
	req.Equal(domain.StatusPending, retried.Status)

	old, _ := l.Get(msg.ID)
	req.Equal(domain.StatusFailed, old.Status)
}

func TestLedger_RecallAndDelete(t *testing.T) {
	req := require.New(t)
	sender := &fakeSender{}
	l := newTestLedger(sender, nil, 0)

	msg, err := l.Send(context.Background(), Outgoing{ConversationID: "c1", Variant: domain.ContentText, Payload: "hi"})
	req.NoError(err)
	req.ErrorIs(l.Recall(context.Background(), msg.ID), domain.ErrNotConfirmed)

	l.OnAck(protocol.SendResult{CorrelationID: msg.ID, MessageID: "s1", Code: 200})
	req.NoError(l.Recall(context.Background(), "s1"))
	got, _ := l.Get("s1")
	req.True(got.Recalled)

	req.NoError(l.Delete(context.Background(), "s1"))
	req.Empty(l.Messages("c1"))

	cmds := sender.commands()
	req.Equal(protocol.RecallMessage{ID: "s1"}, cmds[1])
	req.Equal(protocol.DeleteMessage{ID: "s1"}, cmds[2])
}

func TestLedger_Purge(t *testing.T) {
	req := require.New(t)
	l := newTestLedger(&fakeSender{}, nil, 0)

	l.OnReceive(pushed("m1", "c1", "bob", t0))
	l.OnReceive(pushed("m2", "c1", "bob", t0))
	l.OnReceive(pushed("m3", "c2", "bob", t0))

	req.Equal(2, l.Purge("c1"))
	req.Empty(l.Messages("c1"))
	req.Len(l.Messages("c2"), 1)
	req.Equal(0, l.Purge("c1"))
}
