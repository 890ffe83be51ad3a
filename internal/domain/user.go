package domain

// UserInfo is the public profile returned by GET /user/{id}.
type UserInfo struct {
	ID          string
	DisplayName string
	AvatarRef   string
}

// Friend is an entry of GET /friends.
type Friend struct {
	UserID         string
	ConversationID string
}

// FriendRequestStatus is the lifecycle of a friend request.
type FriendRequestStatus string

const (
	FriendRequestPending  FriendRequestStatus = "pending"
	FriendRequestAccepted FriendRequestStatus = "accepted"
	FriendRequestDeclined FriendRequestStatus = "declined"
)

// FriendRequest is a request observed over the channel.
type FriendRequest struct {
	ID             string
	FromUserID     string
	ToUserID       string
	ConversationID string
	Status         FriendRequestStatus
}
