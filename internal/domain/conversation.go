package domain

import "sort"

// ConversationKind distinguishes 1:1 from group conversations.
type ConversationKind string

const (
	KindPrivate ConversationKind = "private"
	KindGroup   ConversationKind = "group"
)

// Conversation is a directory entry.
type Conversation struct {
	ID               string
	Kind             ConversationKind
	Participants     map[string]struct{}
	DisplayName      string
	AvatarRef        string
	LastMessage      *MessageRef
	ParticipantCount int

	// Placeholder is set for conversations known only from a message,
	// pending a membership event or a re-fetch.
	Placeholder bool
}

// NewParticipants builds a participant set.
func NewParticipants(ids ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	return set
}

// HasParticipant reports whether userID is a member.
func (c Conversation) HasParticipant(userID string) bool {
	_, ok := c.Participants[userID]
	return ok
}

// ParticipantIDs returns the sorted member ids.
func (c Conversation) ParticipantIDs() []string {
	ids := make([]string, 0, len(c.Participants))
	for id := range c.Participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone returns a deep copy.
func (c Conversation) Clone() Conversation {
	cp := c
	cp.Participants = make(map[string]struct{}, len(c.Participants))
	for id := range c.Participants {
		cp.Participants[id] = struct{}{}
	}
	if c.LastMessage != nil {
		ref := *c.LastMessage
		cp.LastMessage = &ref
	}
	return cp
}

// activeAfter reports whether c's last message is more recent than o's.
// A conversation without messages sorts after every other.
func (c Conversation) activeAfter(o Conversation) bool {
	switch {
	case c.LastMessage == nil:
		return false
	case o.LastMessage == nil:
		return true
	}
	return c.LastMessage.CreatedAt.After(o.LastMessage.CreatedAt)
}

// SortConversations orders by last message time descending, then by id.
func SortConversations(convs []Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		if convs[i].activeAfter(convs[j]) {
			return true
		}
		if convs[j].activeAfter(convs[i]) {
			return false
		}
		return convs[i].ID < convs[j].ID
	})
}
