package connection

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/chat-sync/internal/config"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/domain"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/protocol"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/log"
)

type testServer struct {
	*httptest.Server
	handshakes int32
	reject     atomic.Value // func(*http.Request) int
	conns      chan *websocket.Conn
	received   chan protocol.Frame
}

func newTestServer(t *testing.T) *testServer {
	ts := &testServer{
		conns:    make(chan *websocket.Conn, 8),
		received: make(chan protocol.Frame, 64),
	}
	ts.reject.Store(func(*http.Request) int { return 0 })
	upgrader := websocket.Upgrader{}

	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&ts.handshakes, 1)
		if code := ts.reject.Load().(func(*http.Request) int)(r); code != 0 {
			http.Error(w, http.StatusText(code), code)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.conns <- conn
		go func() {
			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					return
				}
				if f, err := protocol.ParseFrame(raw); err == nil {
					ts.received <- f
				}
			}
		}()
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) setReject(fn func(*http.Request) int) {
	ts.reject.Store(fn)
}

func (ts *testServer) nextConn(t *testing.T) *websocket.Conn {
	select {
	case c := <-ts.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func push(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	raw, err := protocol.NewFrame(event, data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func pushRaw(t *testing.T, conn *websocket.Conn, raw string) {
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

type countingProvider struct {
	mu       sync.Mutex
	token    string
	refresh  func() (string, error)
	current  int
	refreshN int
}

func (p *countingProvider) CurrentSession(ctx context.Context) (domain.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current++
	return domain.Session{UserID: "alice", AccessToken: p.token}, nil
}

func (p *countingProvider) Refresh(ctx context.Context) (domain.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshN++
	if p.refresh == nil {
		return domain.Session{}, errors.New("no refresh")
	}
	token, err := p.refresh()
	if err != nil {
		return domain.Session{}, err
	}
	p.token = token
	return domain.Session{UserID: "alice", AccessToken: token}, nil
}

func (p *countingProvider) calls() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.refreshN
}

func newTestManager(ts *testServer, sessions *countingProvider, attempts int) *Manager {
	return NewManager(ts.url(),
		config.WebSocketConfig{
			PingInterval: time.Second,
			PongWait:     5 * time.Second,
			WriteWait:    time.Second,
			SendBuffer:   16,
			OutboxSize:   4,
		},
		config.ReconnectConfig{MaxAttempts: attempts, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
		sessions, nil, log.Nop())
}

var groupMessage = map[string]interface{}{
	"id":             "m1",
	"conversationId": "c1",
	"senderId":       "bob",
	"contentType":    "text",
	"message":        "hi",
	"createdAt":      "2024-05-01T10:00:00Z",
}

func TestManager_ConnectIsSingleFlight(t *testing.T) {
	req := require.New(t)

	// Given a reachable backend
	ts := newTestServer(t)
	m := newTestManager(ts, &countingProvider{token: "t"}, 1)
	defer m.Disconnect()

	// When ten callers connect at once
	var wg sync.WaitGroup
	channels := make([]*Channel, 10)
	for i := range channels {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch, err := m.Connect(context.Background())
			req.NoError(err)
			channels[i] = ch
		}(i)
	}
	wg.Wait()

	// Then one channel was created and shared
	for _, ch := range channels {
		req.Same(channels[0], ch)
	}
	req.Equal(int32(1), atomic.LoadInt32(&ts.handshakes))

	// And a later connect returns it unchanged
	again, err := m.Connect(context.Background())
	req.NoError(err)
	req.Same(channels[0], again)
}

func TestManager_SubscribeReplacesSameSubscriber(t *testing.T) {
	req := require.New(t)

	ts := newTestServer(t)
	m := newTestManager(ts, &countingProvider{token: "t"}, 1)
	defer m.Disconnect()

	var first, second int32
	stale := m.Subscribe(protocol.EventGroupMessage, "ledger", Listener{OnEvent: func(ctx context.Context, evt protocol.Event) error {
		atomic.AddInt32(&first, 1)
		return nil
	}})
	current := m.Subscribe(protocol.EventGroupMessage, "ledger", Listener{OnEvent: func(ctx context.Context, evt protocol.Event) error {
		atomic.AddInt32(&second, 1)
		return nil
	}})
	req.Equal(1, m.subs.count(protocol.EventGroupMessage))

	// Unsubscribing the superseded handle keeps the live registration
	stale.Unsubscribe()
	req.Equal(1, m.subs.count(protocol.EventGroupMessage))

	_, err := m.Connect(context.Background())
	req.NoError(err)
	push(t, ts.nextConn(t), string(protocol.EventGroupMessage), groupMessage)

	req.Eventually(func() bool { return atomic.LoadInt32(&second) == 1 }, 2*time.Second, 10*time.Millisecond)
	req.Equal(int32(0), atomic.LoadInt32(&first))

	current.Unsubscribe()
	current.Unsubscribe()
	req.Equal(0, m.subs.count(protocol.EventGroupMessage))
}

func TestManager_ProtocolErrorIsScopedToEventName(t *testing.T) {
	req := require.New(t)

	ts := newTestServer(t)
	m := newTestManager(ts, &countingProvider{token: "t"}, 1)
	defer m.Disconnect()

	var renameErrors, messageErrors, messages int32
	m.Subscribe(protocol.EventGroupRenamed, "directory", Listener{
		OnEvent: func(ctx context.Context, evt protocol.Event) error { return nil },
		OnError: func(ctx context.Context, err error) {
			var pe *domain.ProtocolError
			if errors.As(err, &pe) {
				atomic.AddInt32(&renameErrors, 1)
			}
		},
	})
	m.Subscribe(protocol.EventGroupMessage, "ledger", Listener{
		OnEvent: func(ctx context.Context, evt protocol.Event) error {
			atomic.AddInt32(&messages, 1)
			panic("handler bug")
		},
		OnError: func(ctx context.Context, err error) { atomic.AddInt32(&messageErrors, 1) },
	})

	_, err := m.Connect(context.Background())
	req.NoError(err)
	conn := ts.nextConn(t)

	// When a malformed rename arrives, then two valid messages
	pushRaw(t, conn, `{"event":"group-renamed","data":{"conversationId":"c1"}}`)
	push(t, conn, string(protocol.EventGroupMessage), groupMessage)
	push(t, conn, string(protocol.EventGroupMessage), groupMessage)

	// Then only the rename listener saw the error and message delivery
	// survived a panicking handler
	req.Eventually(func() bool { return atomic.LoadInt32(&messages) == 2 }, 2*time.Second, 10*time.Millisecond)
	req.Equal(int32(1), atomic.LoadInt32(&renameErrors))
	req.Equal(int32(0), atomic.LoadInt32(&messageErrors))
}

func TestManager_ReconnectsWithFreshCredentials(t *testing.T) {
	req := require.New(t)

	ts := newTestServer(t)
	sessions := &countingProvider{token: "t"}
	m := newTestManager(ts, sessions, 3)
	defer m.Disconnect()

	var received int32
	m.Subscribe(protocol.EventGroupMessage, "ledger", Listener{OnEvent: func(ctx context.Context, evt protocol.Event) error {
		atomic.AddInt32(&received, 1)
		return nil
	}})
	var lost int32
	m.Subscribe(protocol.EventConnectionLost, "ui", Listener{OnEvent: func(ctx context.Context, evt protocol.Event) error {
		atomic.AddInt32(&lost, 1)
		return nil
	}})

	_, err := m.Connect(context.Background())
	req.NoError(err)
	first := ts.nextConn(t)

	// When the transport drops
	first.Close()

	// Then the manager reconnects on its own with a new credential fetch
	second := ts.nextConn(t)
	req.Eventually(m.Connected, 2*time.Second, 10*time.Millisecond)
	current, _ := sessions.calls()
	req.Equal(2, current)

	// And existing subscriptions keep receiving without duplication
	push(t, second, string(protocol.EventGroupMessage), groupMessage)
	req.Eventually(func() bool { return atomic.LoadInt32(&received) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	req.Equal(int32(1), atomic.LoadInt32(&received))
	req.Equal(int32(0), atomic.LoadInt32(&lost))
}

func TestManager_ConnectionLostAfterBudget(t *testing.T) {
	req := require.New(t)

	ts := newTestServer(t)
	m := newTestManager(ts, &countingProvider{token: "t"}, 3)
	defer m.Disconnect()

	lost := make(chan protocol.ConnectionLost, 1)
	m.Subscribe(protocol.EventConnectionLost, "ui", Listener{OnEvent: func(ctx context.Context, evt protocol.Event) error {
		lost <- evt.(protocol.ConnectionLost)
		return nil
	}})

	_, err := m.Connect(context.Background())
	req.NoError(err)
	conn := ts.nextConn(t)

	// When the backend goes away for good
	ts.setReject(func(*http.Request) int { return http.StatusServiceUnavailable })
	conn.Close()

	// Then consumers hear connection-lost once the budget is spent
	select {
	case evt := <-lost:
		req.Equal(3, evt.Attempts)
		var transportErr *domain.TransportError
		req.ErrorAs(evt.Err, &transportErr)
	case <-time.After(3 * time.Second):
		t.Fatal("connection-lost not raised")
	}
	req.False(m.Connected())
	req.Equal(int32(4), atomic.LoadInt32(&ts.handshakes))
}

func TestManager_UnauthorizedRefreshesOnce(t *testing.T) {
	req := require.New(t)

	ts := newTestServer(t)
	ts.setReject(func(r *http.Request) int {
		if r.Header.Get("Authorization") != "Bearer fresh" {
			return http.StatusUnauthorized
		}
		return 0
	})
	sessions := &countingProvider{token: "stale", refresh: func() (string, error) { return "fresh", nil }}
	m := newTestManager(ts, sessions, 3)
	defer m.Disconnect()

	_, err := m.Connect(context.Background())
	req.NoError(err)

	_, refreshed := sessions.calls()
	req.Equal(1, refreshed)
	req.Equal(int32(2), atomic.LoadInt32(&ts.handshakes))
}

func TestManager_RejectedAfterRefreshIsFatal(t *testing.T) {
	req := require.New(t)

	ts := newTestServer(t)
	ts.setReject(func(*http.Request) int { return http.StatusUnauthorized })
	sessions := &countingProvider{token: "stale", refresh: func() (string, error) { return "still-bad", nil }}
	m := newTestManager(ts, sessions, 3)
	defer m.Disconnect()

	expired := make(chan protocol.SessionExpired, 1)
	m.Subscribe(protocol.EventSessionExpired, "ui", Listener{OnEvent: func(ctx context.Context, evt protocol.Event) error {
		expired <- evt.(protocol.SessionExpired)
		return nil
	}})

	_, err := m.Connect(context.Background())

	var authErr *domain.AuthError
	req.ErrorAs(err, &authErr)
	req.ErrorIs(err, domain.ErrUnauthorized)
	req.Len(expired, 1)
	// no further attempts once the credential is rejected twice
	req.Equal(int32(2), atomic.LoadInt32(&ts.handshakes))
}

func TestManager_OutboxFlushedOnConnect(t *testing.T) {
	req := require.New(t)

	ts := newTestServer(t)
	m := newTestManager(ts, &countingProvider{token: "t"}, 1)
	defer m.Disconnect()

	// Given commands sent before the channel exists
	req.NoError(m.Send(context.Background(), protocol.GroupMessage{CorrelationID: "p1", ConversationID: "c1", Message: "a", ContentType: "text"}))
	req.NoError(m.Send(context.Background(), protocol.RenameGroup{ConversationID: "c1", NewName: "Team"}))

	// When the channel connects
	_, err := m.Connect(context.Background())
	req.NoError(err)

	// Then the queued commands are written in order
	for _, want := range []string{protocol.CmdGroupMessage, protocol.CmdRenameGroup} {
		select {
		case f := <-ts.received:
			req.Equal(want, f.Event)
		case <-time.After(2 * time.Second):
			t.Fatalf("command %s not flushed", want)
		}
	}
}

func TestManager_OutboxIsBounded(t *testing.T) {
	req := require.New(t)

	ts := newTestServer(t)
	m := newTestManager(ts, &countingProvider{token: "t"}, 1)
	defer m.Disconnect()

	for i := 0; i < 4; i++ {
		req.NoError(m.Send(context.Background(), protocol.DeleteMessage{ID: "m"}))
	}
	req.ErrorIs(m.Send(context.Background(), protocol.DeleteMessage{ID: "m"}), domain.ErrOutboxFull)
}

func TestManager_DisconnectReleasesListeners(t *testing.T) {
	req := require.New(t)

	ts := newTestServer(t)
	m := newTestManager(ts, &countingProvider{token: "t"}, 1)

	m.Subscribe(protocol.EventResult, "ledger", Listener{OnEvent: func(ctx context.Context, evt protocol.Event) error { return nil }})
	_, err := m.Connect(context.Background())
	req.NoError(err)

	m.Disconnect()
	m.Disconnect()

	req.False(m.Connected())
	req.Equal(0, m.subs.count(protocol.EventResult))

	err = m.Send(context.Background(), protocol.DeleteMessage{ID: "m"})
	var transportErr *domain.TransportError
	req.ErrorAs(err, &transportErr)
	req.ErrorIs(err, domain.ErrDisconnected)
}

func TestBackoff_Bounded(t *testing.T) {
	req := require.New(t)

	for n := 1; n < 20; n++ {
		d := backoff(n, 100*time.Millisecond, time.Second)
		req.LessOrEqual(d, time.Second)
		req.Greater(d, time.Duration(0))
	}
	req.Equal(time.Duration(0), backoff(3, 0, time.Second))
}
