// Package devserver is an in-memory chat backend speaking the same
// WebSocket and REST protocol as production. It backs local runs and
// end-to-end tests of the sync engine.
package devserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/weiawesome/wes-io-live/chat-sync/internal/config"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/domain"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/idgen"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/protocol"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/jwt"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/log"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/middleware"
)

const issuerName = "chatsync-devserver"

// Server owns the store, the hub and the HTTP routes.
type Server struct {
	store  *Store
	hub    *Hub
	issuer *jwt.Issuer
	ids    idgen.Generator
	limits *limiterPool
	wsCfg  config.WebSocketConfig
	logger zerolog.Logger

	router    *gin.Engine
	upgrader  websocket.Upgrader
	closeOnce sync.Once
}

// New builds a server and starts its hub. Call Close to stop it.
func New(cfg config.DevServerConfig, wsCfg config.WebSocketConfig, ids idgen.Generator, logger zerolog.Logger) *Server {
	if cfg.AccessDuration <= 0 {
		cfg.AccessDuration = time.Hour
	}
	logger = logger.With().Str("component", "devserver").Logger()

	s := &Server{
		store:  NewStore(),
		hub:    NewHub(logger),
		issuer: jwt.NewIssuer(cfg.JWTSecret, cfg.AccessDuration, issuerName),
		ids:    ids,
		limits: newLimiterPool(cfg.CommandRPS, cfg.CommandBurst),
		wsCfg:  withDefaults(wsCfg),
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.router = s.routes()
	go s.hub.Run()
	return s
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
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 65536
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	return cfg
}

// Handler exposes the routes, mostly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Store gives direct access to the backend state.
func (s *Server) Store() *Store {
	return s.store
}

// Close stops the hub, which closes every connection.
func (s *Server) Close() {
	s.closeOnce.Do(s.hub.Stop)
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("dev server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Issue registers a user and signs a session for them.
func (s *Server) Issue(userID, name string) (domain.Session, error) {
	if _, err := s.store.User(userID); err != nil {
		s.store.PutUser(domain.UserInfo{ID: userID, DisplayName: name})
	}
	idToken, accessToken, expiry, err := s.issuer.Issue(userID, name)
	if err != nil {
		return domain.Session{}, err
	}
	return domain.Session{UserID: userID, IDToken: idToken, AccessToken: accessToken, Expiry: expiry}, nil
}

// Revoke invalidates a token so the next handshake with it is rejected.
func (s *Server) Revoke(token string) error {
	return s.issuer.Revoke(token)
}

// CreateGroup creates a group and announces it to every participant.
func (s *Server) CreateGroup(creatorID, name string, members []string) (domain.Conversation, error) {
	id, err := s.ids.Generate()
	if err != nil {
		return domain.Conversation{}, err
	}
	conv := domain.Conversation{
		ID:           id,
		Kind:         domain.KindGroup,
		DisplayName:  name,
		Participants: domain.NewParticipants(append(members, creatorID)...),
	}
	s.store.PutConversation(conv)
	conv, _ = s.store.Conversation(id)

	payload := protocol.ConversationFromDomain(conv)
	err = s.hub.SendTo(conv.ParticipantIDs(), protocol.EventAddedToGroup, protocol.MembershipPayload{
		ConversationID: id,
		IsNew:          true,
		Conversation:   &payload,
	})
	return conv, err
}

// AddMembers adds users to a group. Existing members learn who joined; the
// new members receive the whole group.
func (s *Server) AddMembers(conversationID string, userIDs []string) (domain.Conversation, error) {
	before, err := s.store.Conversation(conversationID)
	if err != nil {
		return domain.Conversation{}, err
	}
	conv, err := s.store.AddMembers(conversationID, userIDs)
	if err != nil {
		return domain.Conversation{}, err
	}

	payload := protocol.ConversationFromDomain(conv)
	if err := s.hub.SendTo(userIDs, protocol.EventAddedToGroup, protocol.MembershipPayload{
		ConversationID: conversationID,
		UserIDs:        userIDs,
		Conversation:   &payload,
	}); err != nil {
		return conv, err
	}
	return conv, s.hub.SendTo(before.ParticipantIDs(), protocol.EventAddedToGroup, protocol.MembershipPayload{
		ConversationID: conversationID,
		UserIDs:        userIDs,
	})
}

// SendFriendRequest records a pending request and notifies both users.
func (s *Server) SendFriendRequest(fromID, toID string) (domain.FriendRequest, error) {
	id, err := s.ids.Generate()
	if err != nil {
		return domain.FriendRequest{}, err
	}
	r := domain.FriendRequest{ID: id, FromUserID: fromID, ToUserID: toID, Status: domain.FriendRequestPending}
	s.store.PutRequest(r)
	return r, s.hub.SendTo([]string{fromID, toID}, protocol.EventNewFriendRequest, friendRequestPayload(r))
}

// Befriend links two users directly, skipping the request flow.
func (s *Server) Befriend(a, b string) (domain.Conversation, error) {
	id, err := s.ids.Generate()
	if err != nil {
		return domain.Conversation{}, err
	}
	return s.store.Befriend(a, b, id), nil
}

func (s *Server) handleWebSocket(c *gin.Context) {
	userID := middleware.GetUserID(c)
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	p := &peer{
		id:     uuid.New().String(),
		userID: userID,
		hub:    s.hub,
		conn:   conn,
		send:   make(chan []byte, s.wsCfg.SendBuffer),
		config: s.wsCfg,
	}
	p.logger = s.logger.With().Str("peer_id", p.id).Str(log.FieldUserID, userID).Logger()

	s.hub.Register(p)

	go p.writePump()
	go p.readPump(s.handleFrame)
}

func friendRequestPayload(r domain.FriendRequest) protocol.FriendRequestPayload {
	return protocol.FriendRequestPayload{
		ID:             r.ID,
		SenderID:       r.FromUserID,
		ReceiverID:     r.ToUserID,
		ConversationID: r.ConversationID,
	}
}
