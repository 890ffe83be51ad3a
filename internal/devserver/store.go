package devserver

import (
	"errors"
	"sort"
	"sync"

	"github.com/weiawesome/wes-io-live/chat-sync/internal/domain"
)

var (
	ErrNoConversation = errors.New("conversation not found")
	ErrNoUser         = errors.New("user not found")
	ErrNotParticipant = errors.New("not a participant")
	ErrNoRequest      = errors.New("friend request not found")
)

// Store is the in-memory state of the development backend.
type Store struct {
	mu            sync.RWMutex
	users         map[string]domain.UserInfo
	conversations map[string]*domain.Conversation
	messages      map[string][]domain.Message // conversation id -> log
	friends       map[string]map[string]string // user id -> friend id -> conversation id
	requests      map[string]domain.FriendRequest
}

func NewStore() *Store {
	return &Store{
		users:         make(map[string]domain.UserInfo),
		conversations: make(map[string]*domain.Conversation),
		messages:      make(map[string][]domain.Message),
		friends:       make(map[string]map[string]string),
		requests:      make(map[string]domain.FriendRequest),
	}
}

func (s *Store) PutUser(u domain.UserInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *Store) User(id string) (domain.UserInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return domain.UserInfo{}, ErrNoUser
	}
	return u, nil
}

// PutConversation stores a copy of conv.
func (s *Store) PutConversation(conv domain.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := conv.Clone()
	c.ParticipantCount = len(c.Participants)
	s.conversations[c.ID] = &c
}

func (s *Store) Conversation(id string) (domain.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return domain.Conversation{}, ErrNoConversation
	}
	return c.Clone(), nil
}

// Groups returns the groups userID belongs to, most recent first.
func (s *Store) Groups(userID string) []domain.Conversation {
	s.mu.RLock()
	out := make([]domain.Conversation, 0)
	for _, c := range s.conversations {
		if c.Kind == domain.KindGroup && c.HasParticipant(userID) {
			out = append(out, c.Clone())
		}
	}
	s.mu.RUnlock()

	domain.SortConversations(out)
	return out
}

// Befriend links two users through a private conversation, creating it
// on first use.
func (s *Store) Befriend(a, b, conversationID string) domain.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.friends[a][b]; ok {
		return s.conversations[id].Clone()
	}
	conv := &domain.Conversation{
		ID:           conversationID,
		Kind:         domain.KindPrivate,
		Participants: domain.NewParticipants(a, b),
	}
	conv.ParticipantCount = 2
	s.conversations[conv.ID] = conv
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		if s.friends[pair[0]] == nil {
			s.friends[pair[0]] = make(map[string]string)
		}
		s.friends[pair[0]][pair[1]] = conv.ID
	}
	return conv.Clone()
}

// PrivateConversation returns the conversation between two friends.
func (s *Store) PrivateConversation(a, b string) (domain.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.friends[a][b]
	if !ok {
		return domain.Conversation{}, false
	}
	return s.conversations[id].Clone(), true
}

// Friends lists userID's friends ordered by user id.
func (s *Store) Friends(userID string) []domain.Friend {
	s.mu.RLock()
	out := make([]domain.Friend, 0, len(s.friends[userID]))
	for friend, conv := range s.friends[userID] {
		out = append(out, domain.Friend{UserID: friend, ConversationID: conv})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// AppendMessage records msg and moves it to the top of its conversation.
func (s *Store) AppendMessage(msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[msg.ConversationID]
	if !ok {
		return ErrNoConversation
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	ref := msg.Ref()
	c.LastMessage = &ref
	return nil
}

// LatestMessage returns the newest message between two friends, or nil.
func (s *Store) LatestMessage(userID, friendID string) *domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[s.friends[userID][friendID]]
	if len(msgs) == 0 {
		return nil
	}
	m := msgs[len(msgs)-1].Clone()
	return &m
}

// RemoveMessage deletes a message sent by senderID.
func (s *Store) RemoveMessage(id, senderID string) (domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for convID, msgs := range s.messages {
		for i, m := range msgs {
			if m.ID != id {
				continue
			}
			if m.SenderID != senderID {
				return domain.Message{}, ErrNotParticipant
			}
			s.messages[convID] = append(msgs[:i:i], msgs[i+1:]...)
			return m, nil
		}
	}
	return domain.Message{}, domain.ErrUnknownMessage
}

func (s *Store) Rename(id, name, userID string) (domain.Conversation, error) {
	return s.mutate(id, userID, func(c *domain.Conversation) { c.DisplayName = name })
}

// AddMembers adds userIDs to a group. The returned copy reflects the
// change.
func (s *Store) AddMembers(id string, userIDs []string) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return domain.Conversation{}, ErrNoConversation
	}
	for _, u := range userIDs {
		c.Participants[u] = struct{}{}
	}
	c.ParticipantCount = len(c.Participants)
	return c.Clone(), nil
}

// RemoveMember drops userID from a group and returns the group as it was
// before the removal.
func (s *Store) RemoveMember(id, userID string) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return domain.Conversation{}, ErrNoConversation
	}
	if !c.HasParticipant(userID) {
		return domain.Conversation{}, ErrNotParticipant
	}
	before := c.Clone()
	delete(c.Participants, userID)
	c.ParticipantCount = len(c.Participants)
	return before, nil
}

// DeleteConversation removes a conversation a participant asked to
// delete and returns it.
func (s *Store) DeleteConversation(id, userID string) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return domain.Conversation{}, ErrNoConversation
	}
	if !c.HasParticipant(userID) {
		return domain.Conversation{}, ErrNotParticipant
	}
	delete(s.conversations, id)
	delete(s.messages, id)
	return c.Clone(), nil
}

func (s *Store) PutRequest(r domain.FriendRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[r.ID] = r
}

// ResolveRequest moves a pending request addressed to userID to status.
func (s *Store) ResolveRequest(id, userID string, status domain.FriendRequestStatus) (domain.FriendRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[id]
	if !ok || r.ToUserID != userID || r.Status != domain.FriendRequestPending {
		return domain.FriendRequest{}, ErrNoRequest
	}
	r.Status = status
	s.requests[id] = r
	return r, nil
}

func (s *Store) mutate(id, userID string, fn func(*domain.Conversation)) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return domain.Conversation{}, ErrNoConversation
	}
	if !c.HasParticipant(userID) {
		return domain.Conversation{}, ErrNotParticipant
	}
	fn(c)
	return c.Clone(), nil
}
