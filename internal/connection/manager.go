// Package connection owns the single live channel of a session: connect,
// credential attachment, automatic reconnect and listener lifecycle.
package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/weiawesome/wes-io-live/chat-sync/internal/config"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/domain"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/protocol"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/session"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/log"
)

// Dialer opens the websocket. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Manager owns at most one live Channel. Event handlers registered through
// Subscribe run one at a time, in arrival order.
type Manager struct {
	endpoint  string
	wsConfig  config.WebSocketConfig
	reconnect config.ReconnectConfig
	sessions  session.Provider
	dialer    Dialer
	logger    zerolog.Logger

	connectGroup singleflight.Group
	subs         *registry
	dispatchMu   sync.Mutex

	mu      sync.Mutex
	channel *Channel
	closed  bool
	outbox  [][]byte
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewManager creates a manager for the websocket endpoint. A nil dialer
// uses a gorilla dialer with the configured handshake timeout.
func NewManager(endpoint string, wsCfg config.WebSocketConfig, rcCfg config.ReconnectConfig, sessions session.Provider, dialer Dialer, logger zerolog.Logger) *Manager {
	wsCfg = withDefaults(wsCfg)
	if rcCfg.MaxAttempts <= 0 {
		rcCfg.MaxAttempts = 1
	}
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: wsCfg.HandshakeTimeout,
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		endpoint:  endpoint,
		wsConfig:  wsCfg,
		reconnect: rcCfg,
		sessions:  sessions,
		dialer:    dialer,
		logger:    logger.With().Str(log.FieldEndpoint, endpoint).Logger(),
		subs:      newRegistry(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func withDefaults(cfg config.WebSocketConfig) config.WebSocketConfig {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 100
	}
	return cfg
}

// Connect returns the live channel, establishing it if necessary with a
// freshly fetched credential. Concurrent callers share one attempt.
func (m *Manager) Connect(ctx context.Context) (*Channel, error) {
	m.mu.Lock()
	if m.channel != nil && m.channel.Alive() {
		ch := m.channel
		m.mu.Unlock()
		return ch, nil
	}
	if m.closed {
		m.closed = false
		m.ctx, m.cancel = context.WithCancel(context.Background())
	}
	m.mu.Unlock()

	v, err, _ := m.connectGroup.Do("connect", func() (interface{}, error) {
		return m.connect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Channel), nil
}

// Disconnect tears down the channel, drops queued commands and releases
// every listener. It is safe to call repeatedly.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	ch := m.channel
	m.channel = nil
	dropped := len(m.outbox)
	m.outbox = nil
	m.cancel()
	m.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	m.subs.clear()
	m.logger.Info().Int("dropped_commands", dropped).Msg("disconnected")
}

// Connected reports whether a live channel exists.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channel != nil && m.channel.Alive()
}

// Subscribe registers l for event under subscriber. Subscribing again with
// the same subscriber replaces the earlier listener instead of adding a
// second one.
func (m *Manager) Subscribe(event protocol.EventName, subscriber string, l Listener) *Subscription {
	return m.subs.add(event, subscriber, l)
}

// Send writes cmd to the channel. While the channel is being established
// the frame is held in a bounded outbox and flushed once connected. After
// Disconnect it fails with a TransportError.
func (m *Manager) Send(ctx context.Context, cmd protocol.Command) error {
	raw, err := protocol.Encode(cmd)
	if err != nil {
		return fmt.Errorf("encode %s: %w", cmd.CommandName(), err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return &domain.TransportError{Err: domain.ErrDisconnected}
	}
	if m.channel != nil {
		err := m.channel.Write(raw)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrNotConnected) {
			return &domain.TransportError{Attempts: 0, Err: err}
		}
	}
	if len(m.outbox) >= m.wsConfig.OutboxSize {
		return domain.ErrOutboxFull
	}
	m.outbox = append(m.outbox, raw)

	l := log.Ctx(ctx)
	l.Debug().Str("command", cmd.CommandName()).Int("queued", len(m.outbox)).Msg("channel offline, command queued")
	return nil
}

func (m *Manager) connect(ctx context.Context) (*Channel, error) {
	m.mu.Lock()
	if m.channel != nil && m.channel.Alive() {
		ch := m.channel
		m.mu.Unlock()
		return ch, nil
	}
	m.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= m.reconnect.MaxAttempts; attempt++ {
		if attempt > 1 {
			wait := backoff(attempt-1, m.reconnect.BaseDelay, m.reconnect.MaxDelay)
			if err := m.sleep(ctx, wait); err != nil {
				return nil, &domain.TransportError{Attempts: attempt - 1, Err: err}
			}
		}

		ch, fatal, err := m.dial(ctx)
		if err == nil {
			if err := m.install(ch); err != nil {
				ch.Close()
				return nil, &domain.TransportError{Attempts: attempt, Err: err}
			}
			m.logger.Info().Int(log.FieldAttempt, attempt).Msg("channel established")
			return ch, nil
		}
		if fatal {
			m.expire(err)
			return nil, err
		}

		lastErr = err
		m.logger.Warn().Err(err).Int(log.FieldAttempt, attempt).Msg("connect attempt failed")
	}
	return nil, &domain.TransportError{Attempts: m.reconnect.MaxAttempts, Err: lastErr}
}

// dial performs one handshake. A 401 triggers exactly one refresh and
// retry; a second rejection is fatal.
func (m *Manager) dial(ctx context.Context) (*Channel, bool, error) {
	s, err := m.sessions.CurrentSession(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("fetch credentials: %w", err)
	}

	conn, resp, err := m.dialer.DialContext(ctx, m.endpoint, authHeader(s))
	if err != nil && unauthorized(resp) {
		m.logger.Info().Msg("handshake rejected, refreshing credentials")
		s, rerr := m.sessions.Refresh(ctx)
		if rerr != nil {
			return nil, true, &domain.AuthError{Err: rerr}
		}
		conn, resp, err = m.dialer.DialContext(ctx, m.endpoint, authHeader(s))
		if err != nil && unauthorized(resp) {
			return nil, true, &domain.AuthError{Err: domain.ErrUnauthorized}
		}
	}
	if err != nil {
		return nil, false, err
	}

	logger := m.logger.With().Str(log.FieldUserID, s.UserID).Logger()
	return newChannel(conn, m.wsConfig, logger), false, nil
}

func authHeader(s domain.Session) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+s.AccessToken)
	return h
}

func unauthorized(resp *http.Response) bool {
	return resp != nil && resp.StatusCode == http.StatusUnauthorized
}

// install makes ch the live channel and flushes the outbox through it.
func (m *Manager) install(ch *Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return domain.ErrDisconnected
	}
	m.channel = ch
	ch.start(m.handleFrame, m.handleDrop)

	queued := m.outbox
	m.outbox = nil
	for i, raw := range queued {
		if err := ch.Write(raw); err != nil {
			m.outbox = append(m.outbox, queued[i:]...)
			m.logger.Warn().Err(err).Int("remaining", len(m.outbox)).Msg("outbox flush interrupted")
			break
		}
	}
	if len(queued) > 0 {
		m.logger.Debug().Int("flushed", len(queued)-len(m.outbox)).Msg("outbox flushed")
	}
	return nil
}

// handleDrop reacts to a transport failure of ch by reconnecting in the
// background. Consumers only hear about it if the retry budget runs out.
func (m *Manager) handleDrop(ch *Channel, err error) {
	m.mu.Lock()
	if m.closed || m.channel != ch {
		m.mu.Unlock()
		return
	}
	m.channel = nil
	ctx := m.ctx
	m.mu.Unlock()

	m.logger.Warn().Err(err).Msg("channel dropped, reconnecting")
	go func() {
		_, err, _ := m.connectGroup.Do("connect", func() (interface{}, error) {
			return m.connect(ctx)
		})
		var transportErr *domain.TransportError
		if err == nil || !errors.As(err, &transportErr) {
			return
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrDisconnected) {
			return
		}
		m.logger.Error().Err(err).Int(log.FieldAttempt, transportErr.Attempts).Msg("reconnect budget exhausted")
		m.emit(protocol.ConnectionLost{Attempts: transportErr.Attempts, Err: err})
	}()
}

// expire surfaces a fatal credential rejection and tears the channel down.
func (m *Manager) expire(err error) {
	m.logger.Error().Err(err).Msg("session rejected by server")
	m.emit(protocol.SessionExpired{Err: err})
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return domain.ErrDisconnected
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		m.mu.Lock()
		closed = m.closed
		m.mu.Unlock()
		if closed {
			return domain.ErrDisconnected
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) handleFrame(raw []byte) {
	f, err := protocol.ParseFrame(raw)
	if err != nil {
		m.logger.Warn().Err(err).Msg("dropping unreadable frame")
		return
	}

	evt, err := protocol.Decode(f.Event, f.Data)
	if err != nil {
		m.emitError(protocol.EventName(f.Event), err)
		return
	}
	m.emit(evt)
}

// emit delivers evt to the listeners of its name, one handler at a time.
// A failing or panicking handler does not affect the others.
func (m *Manager) emit(evt protocol.Event) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	name := evt.Name()
	for _, reg := range m.subs.listeners(name) {
		if reg.listener.OnEvent == nil {
			continue
		}
		logger := m.logger.With().Str(log.FieldEvent, string(name)).Str(log.FieldSubscriber, reg.key.subscriber).Logger()
		ctx := log.WithLogger(context.Background(), logger)
		if err := m.safeCall(logger, func() error { return reg.listener.OnEvent(ctx, evt) }); err != nil {
			logger.Warn().Err(err).Msg("event handler failed")
		}
	}
}

// emitError routes a decode failure to the listeners of that event name
// only.
func (m *Manager) emitError(name protocol.EventName, err error) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	m.logger.Warn().Err(err).Str(log.FieldEvent, string(name)).Msg("dropping malformed event")
	for _, reg := range m.subs.listeners(name) {
		if reg.listener.OnError == nil {
			continue
		}
		logger := m.logger.With().Str(log.FieldEvent, string(name)).Str(log.FieldSubscriber, reg.key.subscriber).Logger()
		ctx := log.WithLogger(context.Background(), logger)
		m.safeCall(logger, func() error {
			reg.listener.OnError(ctx, err)
			return nil
		})
	}
}

func (m *Manager) safeCall(logger zerolog.Logger, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("event handler panicked")
			err = nil
		}
	}()
	return fn()
}
