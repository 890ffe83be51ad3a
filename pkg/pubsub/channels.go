package pubsub

// Topics published by the sync engine for UI consumers.
const (
	TopicDirectoryChanged   = "directory.changed"
	TopicLedgerChanged      = "ledger.changed"
	TopicMessageUndelivered = "message.undelivered"
	TopicConnectionLost     = "connection.lost"
	TopicSessionExpired     = "session.expired"
	TopicFriendRequest      = "friend.request"
)

// AllTopics lists every topic, in a stable order.
var AllTopics = []string{
	TopicDirectoryChanged,
	TopicLedgerChanged,
	TopicMessageUndelivered,
	TopicConnectionLost,
	TopicSessionExpired,
	TopicFriendRequest,
}
