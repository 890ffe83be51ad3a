package service

import (
	"context"
	"errors"

	"github.com/weiawesome/wes-io-live/chat-sync/internal/client"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/domain"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/protocol"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/log"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/pubsub"
)

// handle routes one decoded event. The connection manager calls it for one
// event at a time.
func (e *Engine) handle(ctx context.Context, evt protocol.Event) error {
	switch ev := evt.(type) {
	case protocol.MessageReceived:
		if e.members.Deleted(ev.Message.ConversationID) {
			l := log.Ctx(ctx)
			l.Debug().Str(log.FieldMessageID, ev.Message.ID).Str(log.FieldConversationID, ev.Message.ConversationID).Msg("message for deleted conversation dropped")
			return nil
		}
		e.ledger.OnReceive(ev.Message)
		e.applyMessage(ev.Message)

	case protocol.SendResult:
		if e.ledger.OnAck(ev) {
			if ev.OK() && ev.MessageID != "" {
				if msg, ok := e.ledger.Get(ev.MessageID); ok && !e.members.Deleted(msg.ConversationID) {
					e.applyMessage(msg)
				}
			}
			return nil
		}
		if e.members.OnAck(ev) {
			return nil
		}
		l := log.Ctx(ctx)
		l.Debug().Str(log.FieldCorrelationID, ev.CorrelationID).Int("code", ev.Code).Msg("acknowledgment without pending command")

	case protocol.MembershipChanged:
		if err := e.members.Apply(ctx, ev.Change); err != nil {
			return err
		}
		if conv, ok := e.dir.Get(ev.Change.ConversationID); ok && conv.Placeholder {
			e.refetch(conv.ID)
		}

	case protocol.FriendRequestChanged:
		e.applyFriendRequest(ctx, ev.Request)

	case protocol.ServerError:
		l := log.Ctx(ctx)
		l.Warn().Str("code", ev.Code).Str("related", ev.Related).Msg(ev.Message)

	case protocol.ConnectionLost:
		e.publish(pubsub.TopicConnectionLost, "", ev.Err)

	case protocol.SessionExpired:
		e.publish(pubsub.TopicSessionExpired, "", ev.Err)
		e.conn.Disconnect()
	}
	return nil
}

// applyMessage updates the directory and re-fetches a conversation first
// seen through msg.
func (e *Engine) applyMessage(msg domain.Message) {
	if e.dir.ApplyIncomingMessage(msg) {
		e.refetch(msg.ConversationID)
	}
}

func (e *Engine) handleProtocolError(ctx context.Context, err error) {
	l := log.Ctx(ctx)
	l.Warn().Err(err).Msg("event dropped")
}

func (e *Engine) applyFriendRequest(ctx context.Context, r domain.FriendRequest) {
	e.mu.Lock()
	e.requests[r.ID] = r
	e.mu.Unlock()
	e.publish(pubsub.TopicFriendRequest, r.ConversationID, r)

	if r.Status != domain.FriendRequestAccepted || r.ConversationID == "" {
		return
	}
	friend := r.FromUserID
	if friend == e.self {
		friend = r.ToUserID
	}
	e.members.AddPrivate(domain.Conversation{
		ID:           r.ConversationID,
		Participants: domain.NewParticipants(e.self, friend),
	})
	e.enrichFriend(r.ConversationID, friend)
}

// refetch replaces a placeholder conversation with the server's record in
// the background. Concurrent requests for the same id collapse.
func (e *Engine) refetch(id string) {
	e.mu.Lock()
	if _, busy := e.refetching[id]; busy || e.stopped {
		e.mu.Unlock()
		return
	}
	e.refetching[id] = struct{}{}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.refetching, id)
			e.mu.Unlock()
			e.wg.Done()
		}()

		ctx := log.WithConversation(e.ctx, id)
		l := log.Ctx(ctx)
		conv, err := e.api.Conversation(ctx, id)
		if errors.Is(err, client.ErrNotFound) {
			l.Info().Msg("placeholder conversation not found on server")
			e.dir.RemovePlaceholder(id)
			return
		}
		if err != nil {
			l.Warn().Err(err).Msg("conversation re-fetch failed")
			return
		}
		e.members.Reconcile(conv)
	}()
}

// enrichFriend fills in a new private conversation's name in the
// background.
func (e *Engine) enrichFriend(conversationID, friendID string) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		conv, err := e.privateConversation(e.ctx, domain.Friend{UserID: friendID, ConversationID: conversationID})
		if err != nil {
			l := log.Ctx(e.ctx)
			l.Warn().Err(err).Str(log.FieldConversationID, conversationID).Msg("friend enrichment failed")
			return
		}
		e.members.AddPrivate(conv)
	}()
}

func (e *Engine) publish(topic, conversationID string, payload interface{}) {
	if err := e.bus.Publish(e.ctx, topic, pubsub.NewEvent(topic, conversationID, payload)); err != nil {
		e.logger.Debug().Err(err).Str(log.FieldTopic, topic).Msg("notification dropped")
	}
}
