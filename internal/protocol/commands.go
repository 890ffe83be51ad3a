package protocol

import (
	"encoding/json"
	"fmt"
)

// Client -> server command names.
const (
	CmdPrivateMessage       = "private-message"
	CmdGroupMessage         = "group-message"
	CmdRenameGroup          = "rename-group"
	CmdLeaveGroup           = "leaveGroup"
	CmdDeleteGroup          = "delete-group"
	CmdAcceptFriendRequest  = "acceptFriendRequest"
	CmdDeclineFriendRequest = "declineFriendRequest"
	CmdRecallMessage        = "recall-message"
	CmdDeleteMessage        = "delete-message"
)

// Command is an outbound instruction sent over the channel.
type Command interface {
	CommandName() string
}

type PrivateMessage struct {
	CorrelationID string `json:"correlationId"`
	ReceiverID    string `json:"receiverId"`
	Message       string `json:"message"`
	ContentType   string `json:"contentType"`
}

type GroupMessage struct {
	CorrelationID  string `json:"correlationId"`
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
	ContentType    string `json:"contentType"`
}

type RenameGroup struct {
	ConversationID string `json:"conversationId"`
	NewName        string `json:"newName"`
}

type LeaveGroup struct {
	CorrelationID  string `json:"correlationId"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type DeleteGroup struct {
	ConversationID string `json:"conversationId"`
}

type AcceptFriendRequest struct {
	ID string `json:"id"`
}

type DeclineFriendRequest struct {
	ID string `json:"id"`
}

type RecallMessage struct {
	ID string `json:"id"`
}

type DeleteMessage struct {
	ID string `json:"id"`
}

func (PrivateMessage) CommandName() string       { return CmdPrivateMessage }
func (GroupMessage) CommandName() string         { return CmdGroupMessage }
func (RenameGroup) CommandName() string          { return CmdRenameGroup }
func (LeaveGroup) CommandName() string           { return CmdLeaveGroup }
func (DeleteGroup) CommandName() string          { return CmdDeleteGroup }
func (AcceptFriendRequest) CommandName() string  { return CmdAcceptFriendRequest }
func (DeclineFriendRequest) CommandName() string { return CmdDeclineFriendRequest }
func (RecallMessage) CommandName() string        { return CmdRecallMessage }
func (DeleteMessage) CommandName() string        { return CmdDeleteMessage }

// Encode wraps cmd in a frame.
func Encode(cmd Command) ([]byte, error) {
	return NewFrame(cmd.CommandName(), cmd)
}

// DecodeCommand parses a client frame back into its command. The
// development backend uses it to serve clients.
func DecodeCommand(f Frame) (Command, error) {
	var cmd Command
	switch f.Event {
	case CmdPrivateMessage:
		cmd = &PrivateMessage{}
	case CmdGroupMessage:
		cmd = &GroupMessage{}
	case CmdRenameGroup:
		cmd = &RenameGroup{}
	case CmdLeaveGroup:
		cmd = &LeaveGroup{}
	case CmdDeleteGroup:
		cmd = &DeleteGroup{}
	case CmdAcceptFriendRequest:
		cmd = &AcceptFriendRequest{}
	case CmdDeclineFriendRequest:
		cmd = &DeclineFriendRequest{}
	case CmdRecallMessage:
		cmd = &RecallMessage{}
	case CmdDeleteMessage:
		cmd = &DeleteMessage{}
	default:
		return nil, fmt.Errorf("unknown command %q", f.Event)
	}
	if err := json.Unmarshal(f.Data, cmd); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", f.Event, err)
	}
	return cmd, nil
}
