package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/weiawesome/wes-io-live/chat-sync/internal/domain"
)

// EventName identifies an inbound event.
type EventName string

// Server -> client events.
const (
	EventPrivateMessage        EventName = "private-message"
	EventGroupMessage          EventName = "group-message"
	EventResult                EventName = "result"
	EventUserJoinedGroup       EventName = "userJoinedGroup"
	EventGroupRenamed          EventName = "group-renamed"
	EventGroupDeleted          EventName = "group-deleted"
	EventRemovedFromGroup      EventName = "removed-from-group"
	EventUserLeft              EventName = "userLeft"
	EventAddedToGroup          EventName = "added-to-group"
	EventNewFriendRequest      EventName = "newFriendRequest"
	EventFriendRequestAccepted EventName = "friendRequestAccepted"
	EventFriendRequestDeclined EventName = "friendRequestDeclined"
	EventInviteResponse        EventName = "response-invite-join-group"
	EventError                 EventName = "error"
)

// Signals raised locally by the connection manager.
const (
	EventConnectionLost EventName = "connection-lost"
	EventSessionExpired EventName = "session-expired"
)

// MembershipEvents lists the events decoded into MembershipChanged.
var MembershipEvents = []EventName{
	EventAddedToGroup,
	EventUserJoinedGroup,
	EventInviteResponse,
	EventRemovedFromGroup,
	EventUserLeft,
	EventGroupRenamed,
	EventGroupDeleted,
}

// FriendEvents lists the events decoded into FriendRequestChanged.
var FriendEvents = []EventName{
	EventNewFriendRequest,
	EventFriendRequestAccepted,
	EventFriendRequestDeclined,
}

// Event is the closed set of values dispatched to subscribers.
type Event interface {
	Name() EventName
	event()
}

// MessageReceived is a pushed private or group message.
type MessageReceived struct {
	Group   bool
	Message domain.Message
}

// SendResult acknowledges an outbound command.
type SendResult struct {
	CorrelationID string
	MessageID     string
	Code          int
	CreatedAt     time.Time
	Reason        string
}

// OK reports whether the server accepted the command.
func (r SendResult) OK() bool {
	return r.Code >= 200 && r.Code < 300
}

// MembershipChanged carries a group lifecycle change.
type MembershipChanged struct {
	Event  EventName
	Change domain.MembershipEvent
}

// FriendRequestChanged carries a friend request notification.
type FriendRequestChanged struct {
	Event   EventName
	Request domain.FriendRequest
}

// ServerError is an error pushed by the backend.
type ServerError struct {
	Code    string
	Message string
	Related string
}

// ConnectionLost is raised once reconnection exhausts its retry budget.
type ConnectionLost struct {
	Attempts int
	Err      error
}

// SessionExpired is raised when the credential is rejected after a refresh.
type SessionExpired struct {
	Err error
}

func (e MessageReceived) Name() EventName {
	if e.Group {
		return EventGroupMessage
	}
	return EventPrivateMessage
}
func (SendResult) Name() EventName             { return EventResult }
func (e MembershipChanged) Name() EventName    { return e.Event }
func (e FriendRequestChanged) Name() EventName { return e.Event }
func (ServerError) Name() EventName            { return EventError }
func (ConnectionLost) Name() EventName         { return EventConnectionLost }
func (SessionExpired) Name() EventName         { return EventSessionExpired }

func (MessageReceived) event()      {}
func (SendResult) event()           {}
func (MembershipChanged) event()    {}
func (FriendRequestChanged) event() {}
func (ServerError) event()          {}
func (ConnectionLost) event()       {}
func (SessionExpired) event()       {}

var (
	errUnknownEvent   = errors.New("unknown event")
	errMissingField   = errors.New("missing required field")
	errInvalidVariant = errors.New("invalid content type")
	errInvalidStatus  = errors.New("invalid invite status")
)

// Decode validates the payload of a named server event and converts it to
// its typed form. Any failure is a *domain.ProtocolError.
func Decode(name string, data json.RawMessage) (Event, error) {
	evt, err := decode(EventName(name), data)
	if err != nil {
		return nil, &domain.ProtocolError{Event: name, Err: err}
	}
	return evt, nil
}

func decode(name EventName, data json.RawMessage) (Event, error) {
	switch name {
	case EventPrivateMessage, EventGroupMessage:
		var p MessagePayload
		if err := unmarshal(data, &p); err != nil {
			return nil, err
		}
		if err := require(p.ID, "id", p.ConversationID, "conversationId", p.SenderID, "senderId"); err != nil {
			return nil, err
		}
		if p.CreatedAt.IsZero() {
			return nil, fmt.Errorf("%w: createdAt", errMissingField)
		}
		if p.ContentType != "" && !domain.ContentVariant(p.ContentType).Valid() {
			return nil, fmt.Errorf("%w: %q", errInvalidVariant, p.ContentType)
		}
		group := name == EventGroupMessage
		if !group && p.ReceiverID == "" {
			return nil, fmt.Errorf("%w: receiverId", errMissingField)
		}
		if group {
			p.ReceiverID = ""
		}
		return MessageReceived{Group: group, Message: p.ToDomain()}, nil

	case EventResult:
		var p ResultPayload
		if err := unmarshal(data, &p); err != nil {
			return nil, err
		}
		if p.CorrelationID == "" && p.MessageID == "" {
			return nil, fmt.Errorf("%w: correlationId or messageId", errMissingField)
		}
		if p.Code == 0 {
			return nil, fmt.Errorf("%w: code", errMissingField)
		}
		return SendResult{
			CorrelationID: p.CorrelationID,
			MessageID:     p.MessageID,
			Code:          p.Code,
			CreatedAt:     p.CreatedAt,
			Reason:        p.Reason,
		}, nil

	case EventAddedToGroup, EventUserJoinedGroup, EventInviteResponse,
		EventRemovedFromGroup, EventUserLeft, EventGroupRenamed, EventGroupDeleted:
		change, err := decodeMembership(name, data)
		if err != nil {
			return nil, err
		}
		return MembershipChanged{Event: name, Change: change}, nil

	case EventNewFriendRequest, EventFriendRequestAccepted, EventFriendRequestDeclined:
		var p FriendRequestPayload
		if err := unmarshal(data, &p); err != nil {
			return nil, err
		}
		if err := require(p.ID, "id", p.SenderID, "senderId"); err != nil {
			return nil, err
		}
		status := domain.FriendRequestPending
		switch name {
		case EventFriendRequestAccepted:
			status = domain.FriendRequestAccepted
		case EventFriendRequestDeclined:
			status = domain.FriendRequestDeclined
		}
		return FriendRequestChanged{Event: name, Request: domain.FriendRequest{
			ID:             p.ID,
			FromUserID:     p.SenderID,
			ToUserID:       p.ReceiverID,
			ConversationID: p.ConversationID,
			Status:         status,
		}}, nil

	case EventError:
		var p ErrorPayload
		if err := unmarshal(data, &p); err != nil {
			return nil, err
		}
		return ServerError{Code: p.Code, Message: p.Message, Related: p.Event}, nil
	}

	return nil, fmt.Errorf("%w: %q", errUnknownEvent, name)
}

func decodeMembership(name EventName, data json.RawMessage) (domain.MembershipEvent, error) {
	var p MembershipPayload
	if err := unmarshal(data, &p); err != nil {
		return domain.MembershipEvent{}, err
	}
	if p.ConversationID == "" && p.Conversation != nil {
		p.ConversationID = p.Conversation.ID
	}
	if p.ConversationID == "" {
		return domain.MembershipEvent{}, fmt.Errorf("%w: conversationId", errMissingField)
	}

	change := domain.MembershipEvent{ConversationID: p.ConversationID}
	if p.Conversation != nil {
		conv := p.Conversation.ToDomain()
		conv.ID = p.ConversationID
		change.Conversation = &conv
	}
	userIDs := p.UserIDs
	if p.UserID != "" {
		userIDs = append(userIDs, p.UserID)
	}

	switch name {
	case EventAddedToGroup:
		if change.Conversation == nil && len(userIDs) == 0 {
			return change, fmt.Errorf("%w: conversation or userIds", errMissingField)
		}
		change.Kind = domain.MembershipMembersAdded
		if p.IsNew {
			change.Kind = domain.MembershipCreated
		}
		change.UserIDs = userIDs

	case EventUserJoinedGroup:
		if len(userIDs) == 0 {
			return change, fmt.Errorf("%w: userId", errMissingField)
		}
		change.Kind = domain.MembershipJoined
		change.UserIDs = userIDs

	case EventInviteResponse:
		switch p.Status {
		case "invited":
			change.Kind = domain.MembershipInvited
			change.InviterID = p.InviterID
		case "accepted":
			change.Kind = domain.MembershipJoined
		case "declined":
			change.Kind = ""
		default:
			return change, fmt.Errorf("%w: %q", errInvalidStatus, p.Status)
		}
		change.UserIDs = userIDs

	case EventRemovedFromGroup:
		if len(userIDs) == 0 {
			return change, fmt.Errorf("%w: userIds", errMissingField)
		}
		change.Kind = domain.MembershipMembersRemoved
		change.UserIDs = userIDs

	case EventUserLeft:
		if len(userIDs) == 0 {
			return change, fmt.Errorf("%w: userId", errMissingField)
		}
		change.Kind = domain.MembershipLeft
		change.UserIDs = userIDs

	case EventGroupRenamed:
		if p.NewName == "" {
			return change, fmt.Errorf("%w: newName", errMissingField)
		}
		change.Kind = domain.MembershipRenamed
		change.NewName = p.NewName

	case EventGroupDeleted:
		change.Kind = domain.MembershipDeleted
	}

	return change, nil
}

// ResultPayload is the wire form of a result event.
type ResultPayload struct {
	CorrelationID string    `json:"correlationId,omitempty"`
	MessageID     string    `json:"messageId,omitempty"`
	Code          int       `json:"code"`
	CreatedAt     time.Time `json:"createdAt,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

// MembershipPayload carries every group lifecycle event.
type MembershipPayload struct {
	ConversationID string               `json:"conversationId"`
	UserID         string               `json:"userId,omitempty"`
	UserIDs        []string             `json:"userIds,omitempty"`
	NewName        string               `json:"newName,omitempty"`
	InviterID      string               `json:"inviterId,omitempty"`
	Status         string               `json:"status,omitempty"`
	IsNew          bool                 `json:"isNew,omitempty"`
	Conversation   *ConversationPayload `json:"conversation,omitempty"`
}

type FriendRequestPayload struct {
	ID             string `json:"id"`
	SenderID       string `json:"senderId"`
	ReceiverID     string `json:"receiverId"`
	ConversationID string `json:"conversationId,omitempty"`
}

// ErrorPayload is the wire form of a server error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

func unmarshal(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: data", errMissingField)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// require takes (value, fieldName) pairs and fails on the first empty value.
func require(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if pairs[i] == "" {
			return fmt.Errorf("%w: %s", errMissingField, pairs[i+1])
		}
	}
	return nil
}
