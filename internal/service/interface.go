package service

import (
	"context"

	"github.com/weiawesome/wes-io-live/chat-sync/internal/domain"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/ledger"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/pubsub"
)

// SyncService is the session-scoped synchronization engine as seen by a
// user interface.
type SyncService interface {
	Start(ctx context.Context) error
	Stop()
	Resync(ctx context.Context) error

	SendMessage(ctx context.Context, out ledger.Outgoing) (domain.Message, error)
	Retry(ctx context.Context, messageID string) (domain.Message, error)
	MarkRead(messageIDs []string, readerID string) int
	Recall(ctx context.Context, messageID string) error
	DeleteMessage(ctx context.Context, messageID string) error

	RenameGroup(ctx context.Context, conversationID, name string) error
	LeaveGroup(ctx context.Context, conversationID string) error
	DeleteGroup(ctx context.Context, conversationID string) error

	AcceptFriendRequest(ctx context.Context, requestID string) error
	DeclineFriendRequest(ctx context.Context, requestID string) error

	Conversations() []domain.Conversation
	Messages(conversationID string) []domain.Message
	FriendRequests() []domain.FriendRequest
	Notifications(ctx context.Context, topic string) (<-chan *pubsub.Event, error)
}
