package devserver

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-io-live/chat-sync/internal/domain"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/protocol"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/log"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/middleware"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/response"
)

type tokenRequest struct {
	UserID string `json:"userId" binding:"required"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

type createGroupRequest struct {
	Name    string   `json:"name" binding:"required"`
	Members []string `json:"members"`
}

type addMembersRequest struct {
	UserIDs []string `json:"userIds" binding:"required"`
}

type friendRequestRequest struct {
	ReceiverID string `json:"receiverId" binding:"required"`
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(log.GinMiddleware(s.logger))

	auth := middleware.NewAuthMiddleware(s.issuer)

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/ws", auth.RequireAuth(), s.handleWebSocket)

	api := r.Group("/api/v1")
	api.POST("/auth/token", s.issueToken)

	authed := api.Group("")
	authed.Use(auth.RequireAuth())
	{
		authed.GET("/conversations/my-groups/:userId", s.myGroups)
		authed.GET("/conversation/:id", s.conversation)
		authed.GET("/user/:id", s.user)
		authed.GET("/message/get-latest-message", s.latestMessage)
		authed.GET("/friends", s.friends)

		authed.POST("/groups", s.createGroup)
		authed.POST("/groups/:id/members", s.addMembers)
		authed.POST("/friend-requests", s.sendFriendRequest)
	}
	return r
}

func (s *Server) issueToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if req.Name == "" {
		req.Name = req.UserID
	}
	s.store.PutUser(domain.UserInfo{ID: req.UserID, DisplayName: req.Name, AvatarRef: req.Avatar})

	sess, err := s.Issue(req.UserID, req.Name)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	response.Success(c, gin.H{
		"userId":      sess.UserID,
		"idToken":     sess.IDToken,
		"accessToken": sess.AccessToken,
		"expiry":      sess.Expiry,
	})
}

func (s *Server) myGroups(c *gin.Context) {
	groups := s.store.Groups(c.Param("userId"))
	out := make([]protocol.ConversationPayload, 0, len(groups))
	for _, g := range groups {
		out = append(out, protocol.ConversationFromDomain(g))
	}
	response.Success(c, out)
}

func (s *Server) conversation(c *gin.Context) {
	conv, err := s.store.Conversation(c.Param("id"))
	if err != nil {
		response.NotFound(c, err.Error())
		return
	}
	response.Success(c, protocol.ConversationFromDomain(conv))
}

func (s *Server) user(c *gin.Context) {
	u, err := s.store.User(c.Param("id"))
	if err != nil {
		response.NotFound(c, err.Error())
		return
	}
	response.Success(c, protocol.UserPayload{ID: u.ID, Name: u.DisplayName, Avatar: u.AvatarRef})
}

func (s *Server) latestMessage(c *gin.Context) {
	friendID := c.Query("friendId")
	if friendID == "" {
		response.BadRequest(c, "friendId is required")
		return
	}
	msg := s.store.LatestMessage(middleware.GetUserID(c), friendID)
	if msg == nil {
		response.Success(c, nil)
		return
	}
	response.Success(c, protocol.MessageFromDomain(*msg))
}

func (s *Server) friends(c *gin.Context) {
	friends := s.store.Friends(middleware.GetUserID(c))
	out := make([]protocol.FriendPayload, 0, len(friends))
	for _, f := range friends {
		out = append(out, protocol.FriendPayload{UserID: f.UserID, ConversationID: f.ConversationID})
	}
	response.Success(c, out)
}

func (s *Server) createGroup(c *gin.Context) {
	var req createGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	conv, err := s.CreateGroup(middleware.GetUserID(c), req.Name, req.Members)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	response.Success(c, protocol.ConversationFromDomain(conv))
}

func (s *Server) addMembers(c *gin.Context) {
	var req addMembersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	conv, err := s.store.Conversation(c.Param("id"))
	if err != nil {
		response.NotFound(c, err.Error())
		return
	}
	if !conv.HasParticipant(middleware.GetUserID(c)) {
		response.Error(c, http.StatusForbidden, "FORBIDDEN", ErrNotParticipant.Error())
		return
	}
	conv, err = s.AddMembers(conv.ID, req.UserIDs)
	if errors.Is(err, ErrNoConversation) {
		response.NotFound(c, err.Error())
		return
	}
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	response.Success(c, protocol.ConversationFromDomain(conv))
}

func (s *Server) sendFriendRequest(c *gin.Context) {
	var req friendRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	r, err := s.SendFriendRequest(middleware.GetUserID(c), req.ReceiverID)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	response.Success(c, friendRequestPayload(r))
}
