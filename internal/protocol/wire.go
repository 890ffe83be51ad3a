package protocol

import (
	"time"

	"github.com/weiawesome/wes-io-live/chat-sync/internal/domain"
)

// MessagePayload is the wire form of a message.
type MessagePayload struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	ReceiverID     string    `json:"receiverId,omitempty"`
	ContentType    string    `json:"contentType"`
	Message        string    `json:"message"`
	CreatedAt      time.Time `json:"createdAt"`
	CorrelationID  string    `json:"correlationId,omitempty"`
	ReadBy         []string  `json:"readBy,omitempty"`
}

// ToDomain converts a confirmed wire message.
func (p MessagePayload) ToDomain() domain.Message {
	variant := domain.ContentVariant(p.ContentType)
	if variant == "" {
		variant = domain.ContentText
	}
	return domain.Message{
		ID:             p.ID,
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		ReceiverID:     p.ReceiverID,
		Variant:        variant,
		Payload:        p.Message,
		CreatedAt:      p.CreatedAt,
		Status:         domain.StatusDelivered,
		ReadBy:         domain.NewParticipants(p.ReadBy...),
		CorrelationID:  p.CorrelationID,
	}
}

// MessageFromDomain converts a domain message to its wire form.
func MessageFromDomain(m domain.Message) MessagePayload {
	readBy := make([]string, 0, len(m.ReadBy))
	for id := range m.ReadBy {
		readBy = append(readBy, id)
	}
	return MessagePayload{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		ContentType:    string(m.Variant),
		Message:        m.Payload,
		CreatedAt:      m.CreatedAt,
		CorrelationID:  m.CorrelationID,
		ReadBy:         readBy,
	}
}

// ConversationPayload is the wire form of a conversation, shared by the
// REST API and membership events.
type ConversationPayload struct {
	ID               string          `json:"id"`
	Type             string          `json:"type"`
	Participants     []string        `json:"participants"`
	Name             string          `json:"name,omitempty"`
	Avatar           string          `json:"avatar,omitempty"`
	LastMessage      *MessagePayload `json:"lastMessage,omitempty"`
	ParticipantCount int             `json:"participantCount,omitempty"`
}

// ToDomain converts the payload. ParticipantCount falls back to the size of
// the participant list.
func (p ConversationPayload) ToDomain() domain.Conversation {
	kind := domain.KindGroup
	if p.Type == string(domain.KindPrivate) {
		kind = domain.KindPrivate
	}
	c := domain.Conversation{
		ID:               p.ID,
		Kind:             kind,
		Participants:     domain.NewParticipants(p.Participants...),
		DisplayName:      p.Name,
		AvatarRef:        p.Avatar,
		ParticipantCount: p.ParticipantCount,
	}
	if c.ParticipantCount == 0 {
		c.ParticipantCount = len(c.Participants)
	}
	if p.LastMessage != nil {
		ref := p.LastMessage.ToDomain().Ref()
		c.LastMessage = &ref
	}
	return c
}

// ConversationFromDomain converts a domain conversation to its wire form.
func ConversationFromDomain(c domain.Conversation) ConversationPayload {
	p := ConversationPayload{
		ID:               c.ID,
		Type:             string(c.Kind),
		Participants:     c.ParticipantIDs(),
		Name:             c.DisplayName,
		Avatar:           c.AvatarRef,
		ParticipantCount: c.ParticipantCount,
	}
	if c.LastMessage != nil {
		p.LastMessage = &MessagePayload{
			ID:             c.LastMessage.ID,
			ConversationID: c.ID,
			SenderID:       c.LastMessage.SenderID,
			ContentType:    string(c.LastMessage.Variant),
			Message:        c.LastMessage.Preview,
			CreatedAt:      c.LastMessage.CreatedAt,
		}
	}
	return p
}

// UserPayload is the wire form of GET /user/{id}.
type UserPayload struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// FriendPayload is an entry of GET /friends.
type FriendPayload struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}
