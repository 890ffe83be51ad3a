package devserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/weiawesome/wes-io-live/chat-sync/internal/domain"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/protocol"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/log"
)

// Error codes sent in error events.
const (
	ErrCodeBadRequest = "BAD_REQUEST"
	ErrCodeForbidden  = "FORBIDDEN"
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeRateLimit  = "RATE_LIMITED"
)

func (s *Server) handleFrame(p *peer, raw []byte) {
	f, err := protocol.ParseFrame(raw)
	if err != nil {
		s.replyError(p, "", ErrCodeBadRequest, "invalid message format")
		return
	}
	if !s.limits.Allow(p.userID) {
		s.replyError(p, f.Event, ErrCodeRateLimit, "too many commands")
		return
	}
	cmd, err := protocol.DecodeCommand(f)
	if err != nil {
		s.replyError(p, f.Event, ErrCodeBadRequest, err.Error())
		return
	}

	switch c := cmd.(type) {
	case *protocol.PrivateMessage:
		s.privateMessage(p, c)
	case *protocol.GroupMessage:
		s.groupMessage(p, c)
	case *protocol.RenameGroup:
		s.renameGroup(p, c)
	case *protocol.LeaveGroup:
		s.leaveGroup(p, c)
	case *protocol.DeleteGroup:
		s.deleteGroup(p, c)
	case *protocol.AcceptFriendRequest:
		s.resolveFriendRequest(p, c.ID, domain.FriendRequestAccepted)
	case *protocol.DeclineFriendRequest:
		s.resolveFriendRequest(p, c.ID, domain.FriendRequestDeclined)
	case *protocol.RecallMessage:
		s.removeMessage(p, protocol.CmdRecallMessage, c.ID)
	case *protocol.DeleteMessage:
		s.removeMessage(p, protocol.CmdDeleteMessage, c.ID)
	}
}

func (s *Server) privateMessage(p *peer, c *protocol.PrivateMessage) {
	conv, ok := s.store.PrivateConversation(p.userID, c.ReceiverID)
	if !ok {
		s.rejectSend(p, c.CorrelationID, http.StatusForbidden, "not friends")
		return
	}
	msg, ok := s.accept(p, c.CorrelationID, conv, c.ReceiverID, c.ContentType, c.Message)
	if !ok {
		return
	}
	s.hub.SendTo([]string{p.userID, c.ReceiverID}, protocol.EventPrivateMessage, protocol.MessageFromDomain(msg))
}

func (s *Server) groupMessage(p *peer, c *protocol.GroupMessage) {
	conv, err := s.store.Conversation(c.ConversationID)
	if err != nil || conv.Kind != domain.KindGroup {
		s.rejectSend(p, c.CorrelationID, http.StatusNotFound, "no such group")
		return
	}
	if !conv.HasParticipant(p.userID) {
		s.rejectSend(p, c.CorrelationID, http.StatusForbidden, ErrNotParticipant.Error())
		return
	}
	msg, ok := s.accept(p, c.CorrelationID, conv, "", c.ContentType, c.Message)
	if !ok {
		return
	}
	s.hub.SendTo(conv.ParticipantIDs(), protocol.EventGroupMessage, protocol.MessageFromDomain(msg))
}

// accept stores a message and acknowledges it to the sender. The ack is
// queued ahead of the push so the sender sees them in that order.
func (s *Server) accept(p *peer, correlationID string, conv domain.Conversation, receiverID, contentType, body string) (domain.Message, bool) {
	variant := domain.ContentVariant(contentType)
	if variant == "" {
		variant = domain.ContentText
	}
	if !variant.Valid() {
		s.rejectSend(p, correlationID, http.StatusBadRequest, domain.ErrInvalidVariant.Error())
		return domain.Message{}, false
	}

	id, err := s.ids.Generate()
	if err != nil {
		s.rejectSend(p, correlationID, http.StatusInternalServerError, err.Error())
		return domain.Message{}, false
	}
	msg := domain.Message{
		ID:             id,
		ConversationID: conv.ID,
		SenderID:       p.userID,
		ReceiverID:     receiverID,
		Variant:        variant,
		Payload:        body,
		CreatedAt:      time.Now().UTC(),
		Status:         domain.StatusSent,
		CorrelationID:  correlationID,
	}
	if err := s.store.AppendMessage(msg); err != nil {
		s.rejectSend(p, correlationID, http.StatusNotFound, err.Error())
		return domain.Message{}, false
	}

	s.hub.Reply(p, protocol.EventResult, protocol.ResultPayload{
		CorrelationID: correlationID,
		MessageID:     id,
		Code:          http.StatusOK,
		CreatedAt:     msg.CreatedAt,
	})
	p.logger.Debug().Str(log.FieldMessageID, id).Str(log.FieldConversationID, conv.ID).Msg("message accepted")
	return msg, true
}

func (s *Server) rejectSend(p *peer, correlationID string, code int, reason string) {
	s.hub.Reply(p, protocol.EventResult, protocol.ResultPayload{
		CorrelationID: correlationID,
		Code:          code,
		Reason:        reason,
	})
}

func (s *Server) renameGroup(p *peer, c *protocol.RenameGroup) {
	conv, err := s.store.Rename(c.ConversationID, c.NewName, p.userID)
	if err != nil {
		s.replyStoreError(p, protocol.CmdRenameGroup, err)
		return
	}
	s.hub.SendTo(conv.ParticipantIDs(), protocol.EventGroupRenamed, protocol.MembershipPayload{
		ConversationID: conv.ID,
		NewName:        c.NewName,
	})
}

func (s *Server) leaveGroup(p *peer, c *protocol.LeaveGroup) {
	before, err := s.store.RemoveMember(c.ConversationID, p.userID)
	if err != nil {
		s.hub.Reply(p, protocol.EventResult, protocol.ResultPayload{
			CorrelationID: c.CorrelationID,
			Code:          http.StatusNotFound,
			Reason:        err.Error(),
		})
		return
	}
	s.hub.Reply(p, protocol.EventResult, protocol.ResultPayload{CorrelationID: c.CorrelationID, Code: http.StatusOK})
	s.hub.SendTo(before.ParticipantIDs(), protocol.EventUserLeft, protocol.MembershipPayload{
		ConversationID: before.ID,
		UserID:         p.userID,
	})
}

func (s *Server) deleteGroup(p *peer, c *protocol.DeleteGroup) {
	conv, err := s.store.DeleteConversation(c.ConversationID, p.userID)
	if err != nil {
		s.replyStoreError(p, protocol.CmdDeleteGroup, err)
		return
	}
	s.hub.SendTo(conv.ParticipantIDs(), protocol.EventGroupDeleted, protocol.MembershipPayload{ConversationID: conv.ID})
}

func (s *Server) resolveFriendRequest(p *peer, id string, status domain.FriendRequestStatus) {
	cmd := protocol.CmdAcceptFriendRequest
	event := protocol.EventFriendRequestAccepted
	if status == domain.FriendRequestDeclined {
		cmd = protocol.CmdDeclineFriendRequest
		event = protocol.EventFriendRequestDeclined
	}

	r, err := s.store.ResolveRequest(id, p.userID, status)
	if err != nil {
		s.replyStoreError(p, cmd, err)
		return
	}
	if status == domain.FriendRequestAccepted {
		conv, err := s.Befriend(r.FromUserID, r.ToUserID)
		if err != nil {
			s.replyError(p, cmd, ErrCodeBadRequest, err.Error())
			return
		}
		r.ConversationID = conv.ID
		s.store.PutRequest(r)
	}
	s.hub.SendTo([]string{r.FromUserID, r.ToUserID}, event, friendRequestPayload(r))
}

func (s *Server) removeMessage(p *peer, cmd, id string) {
	if _, err := s.store.RemoveMessage(id, p.userID); err != nil {
		s.replyStoreError(p, cmd, err)
		return
	}
	p.logger.Debug().Str(log.FieldMessageID, id).Str("command", cmd).Msg("message removed")
}

func (s *Server) replyStoreError(p *peer, cmd string, err error) {
	code := ErrCodeBadRequest
	switch {
	case errors.Is(err, ErrNotParticipant):
		code = ErrCodeForbidden
	case errors.Is(err, ErrNoConversation), errors.Is(err, ErrNoRequest), errors.Is(err, domain.ErrUnknownMessage):
		code = ErrCodeNotFound
	}
	s.replyError(p, cmd, code, err.Error())
}

func (s *Server) replyError(p *peer, cmd, code, message string) {
	s.hub.Reply(p, protocol.EventError, protocol.ErrorPayload{Code: code, Message: message, Event: cmd})
}
