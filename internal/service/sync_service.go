// Package service wires the connection manager, ledger, directory and
// membership coordinator into one session-scoped engine.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/weiawesome/wes-io-live/chat-sync/internal/client"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/config"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/connection"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/directory"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/domain"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/idgen"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/ledger"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/membership"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/protocol"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/log"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/pubsub"
)

const subscriberID = "engine"

var ErrUnknownFriendRequest = errors.New("unknown friend request")

// Engine owns every piece of client state for one authenticated session.
type Engine struct {
	self        string
	conn        *connection.Manager
	api         client.API
	bus         pubsub.PubSub
	ledger      *ledger.Ledger
	dir         *directory.Directory
	members     *membership.Coordinator
	concurrency int
	logger      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	subs       []*connection.Subscription
	requests   map[string]domain.FriendRequest
	refetching map[string]struct{}
	stopped    bool
}

// NewEngine builds the engine for userID. conn and api carry the session's
// credentials; bus receives UI notifications.
func NewEngine(userID string, conn *connection.Manager, api client.API, bus pubsub.PubSub, ids idgen.Generator, cfg config.Config, logger zerolog.Logger) *Engine {
	logger = logger.With().Str(log.FieldUserID, userID).Logger()
	dir := directory.New(bus, logger)
	ctx, cancel := context.WithCancel(log.WithLogger(context.Background(), logger))

	e := &Engine{
		self:        userID,
		conn:        conn,
		api:         api,
		bus:         bus,
		ledger:      ledger.New(userID, conn, ids, bus, cfg.Ledger, logger),
		dir:         dir,
		members:     membership.New(userID, dir, conn, ids, logger),
		concurrency: cfg.REST.Concurrency,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		requests:    make(map[string]domain.FriendRequest),
		refetching:  make(map[string]struct{}),
	}
	if e.concurrency <= 0 {
		e.concurrency = 8
	}
	dir.OnRemove(func(id string) { e.ledger.Purge(id) })
	return e
}

// Start subscribes to the channel, connects and loads the snapshot.
// Events that arrive while the snapshot is loading are buffered by the
// directory, not dropped.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Resync(ctx); err != nil {
		return err
	}
	e.logger.Info().Int("conversations", len(e.dir.List())).Msg("sync engine started")
	return nil
}

// Stop releases every subscription, closes the channel and waits for
// background fetches.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	e.conn.Disconnect()
	e.cancel()
	e.ledger.Stop()
	e.wg.Wait()
	e.logger.Info().Msg("sync engine stopped")
}

// Resync registers the engine's listeners, re-establishes the channel if
// it is down and merges a fresh snapshot into the directory. It is the
// recovery path after connection-lost or session-expired; commands queued
// meanwhile are flushed once the channel is back.
func (e *Engine) Resync(ctx context.Context) error {
	e.mu.Lock()
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		return &domain.TransportError{Err: domain.ErrDisconnected}
	}

	e.subscribe()
	if _, err := e.conn.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := e.loadSnapshot(ctx); err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	return nil
}

func (e *Engine) loadSnapshot(ctx context.Context) error {
	convs, err := e.fetchSnapshot(ctx)
	if err != nil {
		return err
	}
	e.dir.LoadSnapshot(convs)
	for _, id := range e.dir.Placeholders() {
		e.refetch(id)
	}
	return nil
}

func (e *Engine) subscribe() {
	names := []protocol.EventName{
		protocol.EventPrivateMessage,
		protocol.EventGroupMessage,
		protocol.EventResult,
		protocol.EventError,
		protocol.EventConnectionLost,
		protocol.EventSessionExpired,
	}
	names = append(names, protocol.MembershipEvents...)
	names = append(names, protocol.FriendEvents...)

	l := connection.Listener{OnEvent: e.handle, OnError: e.handleProtocolError}
	subs := make([]*connection.Subscription, 0, len(names))
	for _, name := range names {
		subs = append(subs, e.conn.Subscribe(name, subscriberID, l))
	}

	e.mu.Lock()
	e.subs = subs
	e.mu.Unlock()
}

// SendMessage sends a message optimistically. A private conversation known
// to the directory supplies the receiver when out omits it.
func (e *Engine) SendMessage(ctx context.Context, out ledger.Outgoing) (domain.Message, error) {
	if out.ReceiverID == "" {
		if conv, ok := e.dir.Get(out.ConversationID); ok && conv.Kind == domain.KindPrivate {
			out.ReceiverID = e.peer(conv)
		}
	}
	msg, err := e.ledger.Send(ctx, out)
	if msg.ID != "" {
		e.dir.ApplyIncomingMessage(msg)
	}
	return msg, err
}

// Retry resends a failed or overdue message as a new entry.
func (e *Engine) Retry(ctx context.Context, messageID string) (domain.Message, error) {
	msg, err := e.ledger.Retry(ctx, messageID)
	if msg.ID != "" {
		e.dir.ApplyIncomingMessage(msg)
	}
	return msg, err
}

func (e *Engine) MarkRead(messageIDs []string, readerID string) int {
	return e.ledger.MarkRead(messageIDs, readerID)
}

func (e *Engine) Recall(ctx context.Context, messageID string) error {
	return e.ledger.Recall(ctx, messageID)
}

func (e *Engine) DeleteMessage(ctx context.Context, messageID string) error {
	return e.ledger.Delete(ctx, messageID)
}

func (e *Engine) RenameGroup(ctx context.Context, conversationID, name string) error {
	return e.members.Rename(ctx, conversationID, name)
}

func (e *Engine) LeaveGroup(ctx context.Context, conversationID string) error {
	return e.members.Leave(ctx, conversationID)
}

func (e *Engine) DeleteGroup(ctx context.Context, conversationID string) error {
	return e.members.Delete(ctx, conversationID)
}

// AcceptFriendRequest answers a pending request. The private conversation
// appears when the server confirms with friendRequestAccepted.
func (e *Engine) AcceptFriendRequest(ctx context.Context, requestID string) error {
	if err := e.pendingRequest(requestID); err != nil {
		return err
	}
	return e.conn.Send(ctx, protocol.AcceptFriendRequest{ID: requestID})
}

func (e *Engine) DeclineFriendRequest(ctx context.Context, requestID string) error {
	if err := e.pendingRequest(requestID); err != nil {
		return err
	}
	return e.conn.Send(ctx, protocol.DeclineFriendRequest{ID: requestID})
}

// Conversations returns the directory, most recent first.
func (e *Engine) Conversations() []domain.Conversation {
	return e.dir.List()
}

// Messages returns a conversation's messages in creation order.
func (e *Engine) Messages(conversationID string) []domain.Message {
	return e.ledger.Messages(conversationID)
}

// FriendRequests returns the requests observed this session, ordered by id.
func (e *Engine) FriendRequests() []domain.FriendRequest {
	e.mu.Lock()
	out := lo.Values(e.requests)
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Notifications subscribes to one of the pubsub topics.
func (e *Engine) Notifications(ctx context.Context, topic string) (<-chan *pubsub.Event, error) {
	return e.bus.Subscribe(ctx, topic)
}

func (e *Engine) pendingRequest(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.requests[id]
	if !ok {
		return ErrUnknownFriendRequest
	}
	if r.Status != domain.FriendRequestPending {
		return fmt.Errorf("friend request %s already %s", id, r.Status)
	}
	return nil
}

// peer returns the other participant of a private conversation.
func (e *Engine) peer(conv domain.Conversation) string {
	id, _ := lo.Find(conv.ParticipantIDs(), func(id string) bool { return id != e.self })
	return id
}

var _ SyncService = (*Engine)(nil)
