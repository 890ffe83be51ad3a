package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/chat-sync/internal/client"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/config"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/connection"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/devserver"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/domain"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/idgen"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/ledger"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/protocol"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/session"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/log"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/pubsub"
)

type fakeAPI struct {
	mu      sync.Mutex
	groups  []domain.Conversation
	friends []domain.Friend
	users   map[string]domain.UserInfo
	latest  map[string]*domain.Message
	convs   map[string]domain.Conversation
	onUser  func(id string)
	fetched []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		users:  make(map[string]domain.UserInfo),
		latest: make(map[string]*domain.Message),
		convs:  make(map[string]domain.Conversation),
	}
}

func (f *fakeAPI) MyGroups(ctx context.Context, userID string) ([]domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Conversation, 0, len(f.groups))
	for _, g := range f.groups {
		out = append(out, g.Clone())
	}
	return out, nil
}

func (f *fakeAPI) Conversation(ctx context.Context, id string) (domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, id)
	c, ok := f.convs[id]
	if !ok {
		return domain.Conversation{}, client.ErrNotFound
	}
	return c.Clone(), nil
}

func (f *fakeAPI) User(ctx context.Context, id string) (domain.UserInfo, error) {
	f.mu.Lock()
	u, ok := f.users[id]
	hook := f.onUser
	f.mu.Unlock()
	if hook != nil {
		hook(id)
	}
	if !ok {
		return domain.UserInfo{}, client.ErrNotFound
	}
	return u, nil
}

func (f *fakeAPI) LatestMessage(ctx context.Context, friendID string) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest[friendID], nil
}

func (f *fakeAPI) Friends(ctx context.Context) ([]domain.Friend, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Friend(nil), f.friends...), nil
}

func testConfig() config.Config {
	return config.Config{
		WebSocket: config.WebSocketConfig{OutboxSize: 16},
		Reconnect: config.ReconnectConfig{MaxAttempts: 2, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
		Ledger:    config.LedgerConfig{AckTimeout: time.Minute},
		REST:      config.RESTConfig{Concurrency: 4},
	}
}

// newOfflineEngine builds an engine whose channel is never opened. Commands
// it sends wait in the outbox.
func newOfflineEngine(t *testing.T, api client.API) (*Engine, *pubsub.MemoryPubSub) {
	cfg := testConfig()
	sessions := session.NewStatic(domain.Session{UserID: "me", AccessToken: "t"})
	conn := connection.NewManager("ws://127.0.0.1:1/ws", cfg.WebSocket, cfg.Reconnect, sessions, nil, log.Nop())
	bus := pubsub.NewMemoryPubSub(pubsub.DefaultConfig())
	e := NewEngine("me", conn, api, bus, idgen.Must(idgen.StrategyULID), cfg, log.Nop())
	t.Cleanup(func() {
		e.Stop()
		bus.Close()
	})
	return e, bus
}

func find(convs []domain.Conversation, id string) (domain.Conversation, bool) {
	for _, c := range convs {
		if c.ID == id {
			return c, true
		}
	}
	return domain.Conversation{}, false
}

func TestEngine_FriendEnrichmentOutOfOrder(t *testing.T) {
	req := require.New(t)
	api := newFakeAPI()
	api.friends = []domain.Friend{{UserID: "f1", ConversationID: "p1"}, {UserID: "f2", ConversationID: "p2"}}
	api.users["f1"] = domain.UserInfo{ID: "f1", DisplayName: "Fay"}
	api.users["f2"] = domain.UserInfo{ID: "f2", DisplayName: "Gus"}

	// Given f1's lookup only returns after f2's has finished
	f2done := make(chan struct{})
	api.onUser = func(id string) {
		switch id {
		case "f1":
			<-f2done
		case "f2":
			close(f2done)
		}
	}
	e, _ := newOfflineEngine(t, api)

	// When
	req.NoError(e.loadSnapshot(context.Background()))

	// Then
	convs := e.Conversations()
	req.Len(convs, 2)
	p1, ok := find(convs, "p1")
	req.True(ok)
	req.Equal("Fay", p1.DisplayName)
	req.True(p1.HasParticipant("f1"))
	req.Equal(domain.KindPrivate, p1.Kind)
	p2, ok := find(convs, "p2")
	req.True(ok)
	req.Equal("Gus", p2.DisplayName)
	req.True(p2.HasParticipant("f2"))
}

func TestEngine_FriendEnrichmentFailureKeepsConversation(t *testing.T) {
	req := require.New(t)
	api := newFakeAPI()
	api.friends = []domain.Friend{{UserID: "ghost", ConversationID: "p9"}}
	e, _ := newOfflineEngine(t, api)

	// When
	req.NoError(e.loadSnapshot(context.Background()))

	// Then
	conv, ok := find(e.Conversations(), "p9")
	req.True(ok)
	req.Empty(conv.DisplayName)
	req.True(conv.HasParticipant("ghost"))
}

func TestEngine_RenameBeforeSnapshot(t *testing.T) {
	req := require.New(t)
	api := newFakeAPI()
	api.groups = []domain.Conversation{{
		ID: "c2", Kind: domain.KindGroup, DisplayName: "Old",
		Participants: domain.NewParticipants("me", "bob"),
	}}
	e, _ := newOfflineEngine(t, api)
	ctx := context.Background()

	// Given the rename arrives while the snapshot is still loading
	req.NoError(e.handle(ctx, protocol.MembershipChanged{
		Event:  protocol.EventGroupRenamed,
		Change: domain.MembershipEvent{Kind: domain.MembershipRenamed, ConversationID: "c2", NewName: "Team"},
	}))

	// When
	req.NoError(e.loadSnapshot(ctx))

	// Then
	conv, ok := find(e.Conversations(), "c2")
	req.True(ok)
	req.Equal("Team", conv.DisplayName)
}

func TestEngine_MessageForUnknownConversationIsRefetched(t *testing.T) {
	req := require.New(t)
	api := newFakeAPI()
	api.convs["g7"] = domain.Conversation{
		ID: "g7", Kind: domain.KindGroup, DisplayName: "Climbers",
		Participants: domain.NewParticipants("me", "zoe"),
	}
	e, _ := newOfflineEngine(t, api)
	ctx := context.Background()
	req.NoError(e.loadSnapshot(ctx))

	// When
	req.NoError(e.handle(ctx, protocol.MessageReceived{Group: true, Message: domain.Message{
		ID: "m1", ConversationID: "g7", SenderID: "zoe", Variant: domain.ContentText,
		Payload: "up?", CreatedAt: time.Now(), Status: domain.StatusDelivered,
	}}))

	// Then
	req.Eventually(func() bool {
		conv, ok := find(e.Conversations(), "g7")
		return ok && !conv.Placeholder && conv.DisplayName == "Climbers"
	}, time.Second, 5*time.Millisecond)
	conv, _ := find(e.Conversations(), "g7")
	req.NotNil(conv.LastMessage)
	req.Equal("m1", conv.LastMessage.ID)
	req.Len(e.Messages("g7"), 1)
}

func TestEngine_LateMessageForDeletedGroupIsDropped(t *testing.T) {
	req := require.New(t)
	api := newFakeAPI()
	api.groups = []domain.Conversation{{
		ID: "g1", Kind: domain.KindGroup, DisplayName: "Team",
		Participants: domain.NewParticipants("me", "bob"),
	}}
	e, _ := newOfflineEngine(t, api)
	ctx := context.Background()
	req.NoError(e.loadSnapshot(ctx))

	// Given g1 was deleted
	req.NoError(e.handle(ctx, protocol.MembershipChanged{Change: domain.MembershipEvent{Kind: domain.MembershipDeleted, ConversationID: "g1"}}))

	// When a message for g1 arrives afterwards
	req.NoError(e.handle(ctx, protocol.MessageReceived{Group: true, Message: domain.Message{
		ID: "m9", ConversationID: "g1", SenderID: "bob", Variant: domain.ContentText,
		Payload: "late", CreatedAt: time.Now(), Status: domain.StatusDelivered,
	}}))
	e.wg.Wait()

	// Then g1 stays gone and nothing is re-fetched
	_, ok := find(e.Conversations(), "g1")
	req.False(ok)
	req.Empty(e.Messages("g1"))
	api.mu.Lock()
	req.Empty(api.fetched)
	api.mu.Unlock()
}

func TestEngine_PlaceholderRemovedWhenServerHasNoRecord(t *testing.T) {
	req := require.New(t)
	api := newFakeAPI()
	e, _ := newOfflineEngine(t, api)
	ctx := context.Background()
	req.NoError(e.loadSnapshot(ctx))

	// When a message names a conversation the server does not know
	req.NoError(e.handle(ctx, protocol.MessageReceived{Group: true, Message: domain.Message{
		ID: "m1", ConversationID: "ghost", SenderID: "zoe", Variant: domain.ContentText,
		Payload: "boo", CreatedAt: time.Now(), Status: domain.StatusDelivered,
	}}))

	// Then the placeholder and its messages are dropped after the re-fetch
	req.Eventually(func() bool {
		_, ok := find(e.Conversations(), "ghost")
		return !ok
	}, time.Second, 5*time.Millisecond)
	e.wg.Wait()
	req.Empty(e.Messages("ghost"))
}

func TestEngine_FriendRequestAccepted(t *testing.T) {
	req := require.New(t)
	api := newFakeAPI()
	api.users["bob"] = domain.UserInfo{ID: "bob", DisplayName: "Bob"}
	e, bus := newOfflineEngine(t, api)
	ctx := context.Background()
	req.NoError(e.loadSnapshot(ctx))

	requests, err := bus.Subscribe(ctx, pubsub.TopicFriendRequest)
	req.NoError(err)

	// Given
	req.NoError(e.handle(ctx, protocol.FriendRequestChanged{Event: protocol.EventNewFriendRequest, Request: domain.FriendRequest{
		ID: "r1", FromUserID: "bob", ToUserID: "me", Status: domain.FriendRequestPending,
	}}))
	req.Len(e.FriendRequests(), 1)
	req.NoError(e.AcceptFriendRequest(ctx, "r1"))

	// When
	req.NoError(e.handle(ctx, protocol.FriendRequestChanged{Event: protocol.EventFriendRequestAccepted, Request: domain.FriendRequest{
		ID: "r1", FromUserID: "bob", ToUserID: "me", ConversationID: "p5", Status: domain.FriendRequestAccepted,
	}}))

	// Then
	req.Eventually(func() bool {
		conv, ok := find(e.Conversations(), "p5")
		return ok && conv.DisplayName == "Bob"
	}, time.Second, 5*time.Millisecond)
	req.Equal(domain.FriendRequestAccepted, e.FriendRequests()[0].Status)
	req.ErrorIs(e.AcceptFriendRequest(ctx, "nope"), ErrUnknownFriendRequest)

	select {
	case evt := <-requests:
		req.Equal(pubsub.TopicFriendRequest, evt.Type)
	case <-time.After(time.Second):
		t.Fatal("no friend request notification")
	}
}

func TestEngine_SessionExpiredIsPublished(t *testing.T) {
	req := require.New(t)
	e, bus := newOfflineEngine(t, newFakeAPI())
	ctx := context.Background()
	expired, err := bus.Subscribe(ctx, pubsub.TopicSessionExpired)
	req.NoError(err)

	// When
	req.NoError(e.handle(ctx, protocol.SessionExpired{Err: domain.ErrUnauthorized}))

	// Then
	select {
	case evt := <-expired:
		req.Equal(domain.ErrUnauthorized, evt.Payload)
	case <-time.After(time.Second):
		t.Fatal("no session expired notification")
	}
	_, err = e.SendMessage(ctx, ledger.Outgoing{ConversationID: "g1", Variant: domain.ContentText, Payload: "late"})
	var transportErr *domain.TransportError
	req.ErrorAs(err, &transportErr)
}

func TestEngine_LeaveCompletesOnAck(t *testing.T) {
	req := require.New(t)
	api := newFakeAPI()
	api.groups = []domain.Conversation{{
		ID: "g1", Kind: domain.KindGroup, DisplayName: "Team",
		Participants: domain.NewParticipants("me", "bob"),
	}}
	e, _ := newOfflineEngine(t, api)
	ctx := context.Background()
	req.NoError(e.loadSnapshot(ctx))

	// Given
	req.NoError(e.LeaveGroup(ctx, "g1"))
	_, ok := find(e.Conversations(), "g1")
	req.True(ok)
	correlationID, ok := e.members.PendingLeave("g1")
	req.True(ok)

	// When
	req.NoError(e.handle(ctx, protocol.SendResult{CorrelationID: correlationID, Code: 200}))

	// Then
	_, ok = find(e.Conversations(), "g1")
	req.False(ok)
	req.Equal(domain.StateLeft, e.members.State("g1"))
}

// End to end against the development backend: a message sent while
// offline is acked once connected and its push echo does not duplicate it.
func TestEngine_OfflineSendAckedAfterConnect(t *testing.T) {
	req := require.New(t)
	cfg := testConfig()
	backend := devserver.New(config.DevServerConfig{JWTSecret: "s3cret"}, cfg.WebSocket, idgen.Must(idgen.StrategyKSUID), log.Nop())
	srv := httptest.NewServer(backend.Handler())
	t.Cleanup(func() {
		srv.Close()
		backend.Close()
	})

	sess, err := backend.Issue("alice", "Alice")
	req.NoError(err)
	_, err = backend.Issue("bob", "Bob")
	req.NoError(err)
	conv, err := backend.Befriend("alice", "bob")
	req.NoError(err)

	sessions := session.NewStatic(sess)
	conn := connection.NewManager("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", cfg.WebSocket, cfg.Reconnect, sessions, nil, log.Nop())
	api := client.NewRESTClient(srv.URL+"/api/v1", cfg.REST, sessions, log.Nop())
	bus := pubsub.NewMemoryPubSub(pubsub.DefaultConfig())
	e := NewEngine("alice", conn, api, bus, idgen.Must(idgen.StrategyULID), cfg, log.Nop())
	t.Cleanup(func() {
		e.Stop()
		bus.Close()
	})
	ctx := context.Background()

	// Given a send before the channel exists
	msg, err := e.SendMessage(ctx, ledger.Outgoing{ConversationID: conv.ID, ReceiverID: "bob", Variant: domain.ContentText, Payload: "hello"})
	req.NoError(err)
	req.Equal(domain.StatusPending, msg.Status)
	req.True(msg.Provisional)

	// When
	req.NoError(e.Start(ctx))

	// Then
	req.Eventually(func() bool {
		msgs := e.Messages(conv.ID)
		return len(msgs) == 1 && !msgs[0].Provisional &&
			(msgs[0].Status == domain.StatusSent || msgs[0].Status == domain.StatusDelivered)
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	msgs := e.Messages(conv.ID)
	req.Len(msgs, 1)
	req.Equal("hello", msgs[0].Payload)
	req.NotEqual(msg.ID, msgs[0].ID)

	p, ok := find(e.Conversations(), conv.ID)
	req.True(ok)
	req.Equal("Bob", p.DisplayName)
	req.NotNil(p.LastMessage)
	req.Equal(msgs[0].ID, p.LastMessage.ID)
}

type countingDialer struct {
	dials atomic.Int32
	inner websocket.Dialer
}

func (d *countingDialer) DialContext(ctx context.Context, url string, h http.Header) (*websocket.Conn, *http.Response, error) {
	d.dials.Add(1)
	return d.inner.DialContext(ctx, url, h)
}

// newBackendEngine builds an engine for alice against an in-process
// backend where alice and bob are friends. The engine is not started.
func newBackendEngine(t *testing.T, dialer connection.Dialer) (*Engine, domain.Conversation) {
	t.Helper()
	req := require.New(t)
	cfg := testConfig()
	backend := devserver.New(config.DevServerConfig{JWTSecret: "s3cret"}, cfg.WebSocket, idgen.Must(idgen.StrategyKSUID), log.Nop())
	srv := httptest.NewServer(backend.Handler())

	sess, err := backend.Issue("alice", "Alice")
	req.NoError(err)
	_, err = backend.Issue("bob", "Bob")
	req.NoError(err)
	conv, err := backend.Befriend("alice", "bob")
	req.NoError(err)

	sessions := session.NewStatic(sess)
	conn := connection.NewManager("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", cfg.WebSocket, cfg.Reconnect, sessions, dialer, log.Nop())
	api := client.NewRESTClient(srv.URL+"/api/v1", cfg.REST, sessions, log.Nop())
	bus := pubsub.NewMemoryPubSub(pubsub.DefaultConfig())
	e := NewEngine("alice", conn, api, bus, idgen.Must(idgen.StrategyULID), cfg, log.Nop())
	t.Cleanup(func() {
		e.Stop()
		bus.Close()
		srv.Close()
		backend.Close()
	})
	return e, conv
}

func acked(e *Engine, conversationID, payload string) func() bool {
	return func() bool {
		for _, m := range e.Messages(conversationID) {
			if m.Payload == payload && !m.Provisional &&
				(m.Status == domain.StatusSent || m.Status == domain.StatusDelivered) {
				return true
			}
		}
		return false
	}
}

func TestEngine_ResyncReconnectsAfterConnectionLost(t *testing.T) {
	req := require.New(t)
	dialer := &countingDialer{}
	e, conv := newBackendEngine(t, dialer)
	ctx := context.Background()

	// Given the reconnect budget ran out and a message waits in the outbox
	req.NoError(e.handle(ctx, protocol.ConnectionLost{Attempts: 2, Err: domain.ErrNotConnected}))
	_, err := e.SendMessage(ctx, ledger.Outgoing{ConversationID: conv.ID, ReceiverID: "bob", Variant: domain.ContentText, Payload: "queued"})
	req.NoError(err)
	req.Equal(int32(0), dialer.dials.Load())

	// When
	req.NoError(e.Resync(ctx))

	// Then the channel is back and the queued message is acknowledged
	req.Equal(int32(1), dialer.dials.Load())
	req.True(e.conn.Connected())
	req.Eventually(acked(e, conv.ID, "queued"), 2*time.Second, 10*time.Millisecond)

	// And a second Resync reuses the live channel
	req.NoError(e.Resync(ctx))
	req.Equal(int32(1), dialer.dials.Load())
}

func TestEngine_ResyncAfterSessionExpiredRestoresListeners(t *testing.T) {
	req := require.New(t)
	dialer := &countingDialer{}
	e, conv := newBackendEngine(t, dialer)
	ctx := context.Background()
	req.NoError(e.Start(ctx))

	// Given the session expired, which tears down the channel and its listeners
	req.NoError(e.handle(ctx, protocol.SessionExpired{Err: domain.ErrUnauthorized}))
	req.False(e.conn.Connected())

	// When
	req.NoError(e.Resync(ctx))

	// Then acks are routed to the ledger again
	req.Equal(int32(2), dialer.dials.Load())
	_, err := e.SendMessage(ctx, ledger.Outgoing{ConversationID: conv.ID, ReceiverID: "bob", Variant: domain.ContentText, Payload: "again"})
	req.NoError(err)
	req.Eventually(acked(e, conv.ID, "again"), 2*time.Second, 10*time.Millisecond)
}

func TestEngine_ResyncAfterStopFails(t *testing.T) {
	req := require.New(t)
	e, _ := newOfflineEngine(t, newFakeAPI())

	e.Stop()

	var transportErr *domain.TransportError
	req.ErrorAs(e.Resync(context.Background()), &transportErr)
}
