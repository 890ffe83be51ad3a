// Package membership applies group lifecycle events to the directory and
// tracks the current user's state in each group. Every handler is
// idempotent.
package membership

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/weiawesome/wes-io-live/chat-sync/internal/directory"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/domain"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/idgen"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/protocol"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/log"
)

// Sender writes a command to the channel.
type Sender interface {
	Send(ctx context.Context, cmd protocol.Command) error
}

// Coordinator is the only writer of participants, display names and
// participant counts in the directory.
type Coordinator struct {
	self   string
	dir    *directory.Directory
	sender Sender
	ids    idgen.Generator
	logger zerolog.Logger

	mu      sync.Mutex
	states  map[string]domain.MemberState
	leaves  map[string]string // correlation id -> conversation id
	leaving map[string]string // conversation id -> correlation id
	deleted map[string]struct{}
}

// New creates a coordinator for the session user self.
func New(self string, dir *directory.Directory, sender Sender, ids idgen.Generator, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		self:    self,
		dir:     dir,
		sender:  sender,
		ids:     ids,
		logger:  logger.With().Str("component", "membership").Logger(),
		states:  make(map[string]domain.MemberState),
		leaves:  make(map[string]string),
		leaving: make(map[string]string),
		deleted: make(map[string]struct{}),
	}
}

// State returns the current user's state in a conversation.
func (c *Coordinator) State(conversationID string) domain.MemberState {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.states[conversationID]; ok {
		return s
	}
	return domain.StateNotMember
}

// Apply dispatches a membership event. Applying the same event twice
// leaves the same end state.
func (c *Coordinator) Apply(ctx context.Context, ev domain.MembershipEvent) error {
	l := log.Ctx(ctx).With().
		Str(log.FieldConversationID, ev.ConversationID).
		Str("kind", string(ev.Kind)).
		Logger()

	if ev.Kind == "" {
		l.Debug().Msg("membership event without effect")
		return nil
	}
	if ev.Kind != domain.MembershipDeleted && c.Deleted(ev.ConversationID) {
		l.Debug().Msg("event for deleted conversation ignored")
		return nil
	}

	var err error
	switch ev.Kind {
	case domain.MembershipCreated, domain.MembershipJoined, domain.MembershipMembersAdded:
		err = c.applyJoin(ev)
	case domain.MembershipInvited:
		c.setStateUnlessMember(ev.ConversationID, domain.StateInvited)
	case domain.MembershipRenamed:
		err = c.dir.Update(ev.ConversationID, "rename", func(conv *domain.Conversation) {
			conv.DisplayName = ev.NewName
		})
	case domain.MembershipMembersRemoved:
		err = c.applyDeparture(ev, domain.StateRemoved)
	case domain.MembershipLeft:
		err = c.applyDeparture(ev, domain.StateLeft)
	case domain.MembershipDeleted:
		c.mu.Lock()
		c.deleted[ev.ConversationID] = struct{}{}
		c.states[ev.ConversationID] = domain.StateDeleted
		c.dropLeave(ev.ConversationID)
		c.mu.Unlock()
		c.dir.Remove(ev.ConversationID)
	default:
		return fmt.Errorf("unknown membership kind %q", ev.Kind)
	}

	if domain.IsConflict(err) {
		l.Debug().Err(err).Msg("membership event for unknown conversation, ignored")
		return nil
	}
	return err
}

func (c *Coordinator) applyJoin(ev domain.MembershipEvent) error {
	includesSelf := ev.Names(c.self) || (ev.Conversation != nil && ev.Conversation.HasParticipant(c.self))

	if !includesSelf {
		if len(ev.UserIDs) == 0 {
			return nil
		}
		return c.dir.Update(ev.ConversationID, string(ev.Kind), func(conv *domain.Conversation) {
			addParticipants(conv, ev.UserIDs)
		})
	}

	c.setState(ev.ConversationID, domain.StateMember)
	if ev.Conversation != nil {
		conv := ev.Conversation.Clone()
		conv.ID = ev.ConversationID
		if conv.Kind == "" {
			conv.Kind = domain.KindGroup
		}
		addParticipants(&conv, ev.UserIDs)
		c.dir.Upsert(conv)
		return nil
	}

	// Joined without a snapshot: record what is known and let the owner
	// re-fetch the full conversation.
	c.dir.Upsert(domain.Conversation{
		ID:           ev.ConversationID,
		Kind:         domain.KindGroup,
		Participants: domain.NewParticipants(append([]string{c.self}, ev.UserIDs...)...),
		Placeholder:  true,
	})
	return nil
}

func (c *Coordinator) applyDeparture(ev domain.MembershipEvent, state domain.MemberState) error {
	if ev.Names(c.self) {
		c.mu.Lock()
		_, pending := c.leaving[ev.ConversationID]
		if state == domain.StateLeft && pending {
			// Our own leave: the directory entry goes when the ack arrives.
			c.states[ev.ConversationID] = domain.StateLeft
			c.mu.Unlock()
			return nil
		}
		c.states[ev.ConversationID] = state
		c.mu.Unlock()
		c.dir.Remove(ev.ConversationID)
		return nil
	}

	return c.dir.Update(ev.ConversationID, string(ev.Kind), func(conv *domain.Conversation) {
		removeParticipants(conv, ev.UserIDs)
	})
}

// Leave asks the server to remove the current user from a group. The
// directory entry is removed only once the server acknowledges.
func (c *Coordinator) Leave(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return domain.ErrEmptyConversation
	}
	if _, ok := c.dir.Get(conversationID); !ok {
		return &domain.ConflictError{ConversationID: conversationID, Op: "leave"}
	}
	corr, err := c.ids.Generate()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if _, pending := c.leaving[conversationID]; pending {
		c.mu.Unlock()
		return nil
	}
	c.leaves[corr] = conversationID
	c.leaving[conversationID] = corr
	c.mu.Unlock()

	err = c.sender.Send(ctx, protocol.LeaveGroup{CorrelationID: corr, ConversationID: conversationID, UserID: c.self})
	if err != nil {
		c.mu.Lock()
		c.dropLeave(conversationID)
		c.mu.Unlock()
		return err
	}

	l := log.Ctx(ctx)
	l.Debug().Str(log.FieldConversationID, conversationID).Str(log.FieldCorrelationID, corr).Msg("leave requested")
	return nil
}

// PendingLeave returns the correlation id of an unacknowledged leave.
func (c *Coordinator) PendingLeave(conversationID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	corr, ok := c.leaving[conversationID]
	return corr, ok
}

// OnAck completes a pending leave. It reports whether the correlation id
// belonged to one.
func (c *Coordinator) OnAck(res protocol.SendResult) bool {
	c.mu.Lock()
	convID, ok := c.leaves[res.CorrelationID]
	if !ok || res.CorrelationID == "" {
		c.mu.Unlock()
		return false
	}
	c.dropLeave(convID)
	if res.OK() {
		c.states[convID] = domain.StateLeft
	}
	c.mu.Unlock()

	if !res.OK() {
		c.logger.Warn().Str(log.FieldConversationID, convID).Int("code", res.Code).Str("reason", res.Reason).Msg("leave rejected")
		return true
	}
	c.dir.Remove(convID)
	c.logger.Info().Str(log.FieldConversationID, convID).Msg("left conversation")
	return true
}

// Rename asks the server to rename a group. The name changes locally when
// the server broadcasts the rename.
func (c *Coordinator) Rename(ctx context.Context, conversationID, name string) error {
	if _, ok := c.dir.Get(conversationID); !ok {
		return &domain.ConflictError{ConversationID: conversationID, Op: "rename"}
	}
	return c.sender.Send(ctx, protocol.RenameGroup{ConversationID: conversationID, NewName: name})
}

// Delete asks the server to delete a group.
func (c *Coordinator) Delete(ctx context.Context, conversationID string) error {
	if _, ok := c.dir.Get(conversationID); !ok {
		return &domain.ConflictError{ConversationID: conversationID, Op: "delete"}
	}
	return c.sender.Send(ctx, protocol.DeleteGroup{ConversationID: conversationID})
}

// AddPrivate records a private conversation, used when a friend request
// is accepted.
func (c *Coordinator) AddPrivate(conv domain.Conversation) {
	conv.Kind = domain.KindPrivate
	c.Reconcile(conv)
}

// Reconcile replaces a partial directory record with the conversation as
// fetched from the server. A group that no longer lists the current user,
// or one already deleted, is removed.
func (c *Coordinator) Reconcile(conv domain.Conversation) {
	if c.Deleted(conv.ID) {
		c.dir.Remove(conv.ID)
		return
	}
	if conv.Kind == domain.KindGroup && len(conv.Participants) > 0 && !conv.HasParticipant(c.self) {
		c.setState(conv.ID, domain.StateNotMember)
		c.dir.Remove(conv.ID)
		return
	}
	c.setState(conv.ID, domain.StateMember)
	c.dir.Upsert(conv)
}

func (c *Coordinator) Deleted(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.deleted[id]
	return ok
}

func (c *Coordinator) setState(id string, s domain.MemberState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[id] = s
}

func (c *Coordinator) setStateUnlessMember(id string, s domain.MemberState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.states[id] != domain.StateMember {
		c.states[id] = s
	}
}

// dropLeave forgets a pending leave. Callers hold mu.
func (c *Coordinator) dropLeave(conversationID string) {
	if corr, ok := c.leaving[conversationID]; ok {
		delete(c.leaves, corr)
		delete(c.leaving, conversationID)
	}
}

func addParticipants(conv *domain.Conversation, ids []string) {
	if conv.Participants == nil {
		conv.Participants = make(map[string]struct{})
	}
	for _, id := range ids {
		if id != "" {
			conv.Participants[id] = struct{}{}
		}
	}
	conv.ParticipantCount = len(conv.Participants)
}

func removeParticipants(conv *domain.Conversation, ids []string) {
	for _, id := range ids {
		delete(conv.Participants, id)
	}
	conv.ParticipantCount = len(conv.Participants)
}
