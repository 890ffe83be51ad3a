// Package directory merges the REST conversation snapshot with the live
// event stream into one recency-sorted view. Mutations that arrive before
// the snapshot are buffered per conversation and replayed once it loads.
package directory

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/weiawesome/wes-io-live/chat-sync/internal/domain"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/log"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/pubsub"
)

// Change describes a directory mutation published on the bus.
type Change struct {
	ConversationID string
	Removed        bool
	Conversation   *domain.Conversation
}

type pendingOp struct {
	seq   uint64
	op    string
	apply func() error
}

// Directory holds at most one Conversation per id.
type Directory struct {
	bus    pubsub.Publisher
	logger zerolog.Logger

	mu       sync.Mutex
	loaded   bool
	convs    map[string]*domain.Conversation
	seen     map[string]map[string]domain.MessageRef // conversation id -> message id -> ref
	buffered map[string][]pendingOp
	seq      uint64
	onRemove []func(conversationID string)
	changes  []Change // collected under mu, published after unlock
}

// New creates an empty directory. bus may be nil.
func New(bus pubsub.Publisher, logger zerolog.Logger) *Directory {
	return &Directory{
		bus:      bus,
		logger:   logger.With().Str("component", "directory").Logger(),
		convs:    make(map[string]*domain.Conversation),
		seen:     make(map[string]map[string]domain.MessageRef),
		buffered: make(map[string][]pendingOp),
	}
}

// OnRemove registers fn to run after a conversation leaves the directory.
func (d *Directory) OnRemove(fn func(conversationID string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onRemove = append(d.onRemove, fn)
}

// Loaded reports whether the snapshot has been applied.
func (d *Directory) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded
}

// LoadSnapshot applies the fetched conversation list, then replays every
// buffered mutation in arrival order and clears the buffer. Later calls
// merge into the current state.
func (d *Directory) LoadSnapshot(conversations []domain.Conversation) {
	d.mu.Lock()
	for _, c := range conversations {
		d.upsert(c)
	}

	replayed := 0
	if !d.loaded {
		d.loaded = true
		ops := d.drain()
		for _, p := range ops {
			if err := p.apply(); err != nil {
				d.logger.Debug().Err(err).Str("op", p.op).Msg("buffered mutation is a no-op")
			}
		}
		replayed = len(ops)
	}
	size := len(d.convs)
	removed, changes := d.flush()
	d.mu.Unlock()

	d.logger.Info().Int("conversations", size).Int("replayed", replayed).Msg("snapshot loaded")
	d.publish(removed, changes)
}

// ApplyIncomingMessage records msg and points the conversation's last
// message at the newest one observed. A confirmed copy replaces the
// provisional message it reconciles. An unknown conversation is created as
// a placeholder; the return value reports that case.
func (d *Directory) ApplyIncomingMessage(msg domain.Message) bool {
	var created bool
	d.run(msg.ConversationID, "apply-message", func() error {
		created = d.applyMessage(msg)
		return nil
	})
	return created
}

// Upsert inserts conv or merges it into the existing entry with the same id.
func (d *Directory) Upsert(conv domain.Conversation) {
	d.run(conv.ID, "upsert", func() error {
		d.upsert(conv)
		return nil
	})
}

// Update applies fn to an existing conversation. Before the snapshot loads
// the call is buffered and nil is returned; afterwards an unknown id yields
// a ConflictError and fn is not called.
func (d *Directory) Update(id, op string, fn func(*domain.Conversation)) error {
	return d.run(id, op, func() error {
		c, ok := d.convs[id]
		if !ok {
			return &domain.ConflictError{ConversationID: id, Op: op}
		}
		fn(c)
		d.changed(c)
		return nil
	})
}

// Remove deletes a conversation. Removing an absent id does nothing.
func (d *Directory) Remove(id string) {
	d.run(id, "remove", func() error {
		d.remove(id)
		return nil
	})
}

// RemovePlaceholder deletes id only while it is still a placeholder.
func (d *Directory) RemovePlaceholder(id string) {
	d.run(id, "remove-placeholder", func() error {
		if c, ok := d.convs[id]; ok && c.Placeholder {
			d.remove(id)
		}
		return nil
	})
}

// Get returns a copy of the conversation with id.
func (d *Directory) Get(id string) (domain.Conversation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c, ok := d.convs[id]
	if !ok {
		return domain.Conversation{}, false
	}
	return c.Clone(), true
}

// List returns copies of all conversations, most recent activity first,
// ties broken by id.
func (d *Directory) List() []domain.Conversation {
	d.mu.Lock()
	out := make([]domain.Conversation, 0, len(d.convs))
	for _, c := range d.convs {
		out = append(out, c.Clone())
	}
	d.mu.Unlock()

	domain.SortConversations(out)
	return out
}

// Placeholders returns the ids of conversations known only from messages.
func (d *Directory) Placeholders() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var ids []string
	for id, c := range d.convs {
		if c.Placeholder {
			ids = append(ids, id)
		}
	}
	return ids
}

// Buffered returns how many mutations await the snapshot.
func (d *Directory) Buffered() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, ops := range d.buffered {
		n += len(ops)
	}
	return n
}

// run applies fn now, or buffers it under id until the snapshot loads.
func (d *Directory) run(id, op string, fn func() error) error {
	d.mu.Lock()
	if !d.loaded {
		d.seq++
		d.buffered[id] = append(d.buffered[id], pendingOp{seq: d.seq, op: op, apply: fn})
		d.mu.Unlock()
		d.logger.Debug().Str(log.FieldConversationID, id).Str("op", op).Msg("snapshot pending, mutation buffered")
		return nil
	}
	err := fn()
	removed, changes := d.flush()
	d.mu.Unlock()

	if err != nil {
		d.logger.Debug().Err(err).Str("op", op).Msg("mutation ignored")
	}
	d.publish(removed, changes)
	return err
}

// drain returns every buffered op ordered by arrival. Callers hold mu.
func (d *Directory) drain() []pendingOp {
	var ops []pendingOp
	for _, list := range d.buffered {
		ops = append(ops, list...)
	}
	d.buffered = make(map[string][]pendingOp)

	sort.Slice(ops, func(i, j int) bool { return ops[i].seq < ops[j].seq })
	return ops
}

func (d *Directory) applyMessage(msg domain.Message) bool {
	d.observe(msg.ConversationID, msg.Ref(), msg.CorrelationID)
	c, ok := d.convs[msg.ConversationID]
	if !ok {
		c = &domain.Conversation{
			ID:           msg.ConversationID,
			Kind:         domain.KindGroup,
			Participants: domain.NewParticipants(msg.SenderID),
			Placeholder:  true,
		}
		d.refreshLast(c)
		if msg.ReceiverID != "" {
			c.Kind = domain.KindPrivate
			c.Participants = domain.NewParticipants(msg.SenderID, msg.ReceiverID)
		}
		c.ParticipantCount = len(c.Participants)
		d.convs[c.ID] = c
		d.changed(c)
		return true
	}

	if d.refreshLast(c) {
		d.changed(c)
	}
	return false
}

// observe records ref for a conversation, dropping the provisional entry
// that correlationID names. Callers hold mu.
func (d *Directory) observe(conversationID string, ref domain.MessageRef, correlationID string) {
	refs := d.seen[conversationID]
	if refs == nil {
		refs = make(map[string]domain.MessageRef)
		d.seen[conversationID] = refs
	}
	if correlationID != "" && correlationID != ref.ID {
		delete(refs, correlationID)
	}
	refs[ref.ID] = ref
}

// refreshLast points c at its newest observed message and reports whether
// that changed anything. Callers hold mu.
func (d *Directory) refreshLast(c *domain.Conversation) bool {
	var latest *domain.MessageRef
	for _, ref := range d.seen[c.ID] {
		if ref.Newer(latest) {
			r := ref
			latest = &r
		}
	}
	if latest == nil {
		return false
	}
	if c.LastMessage != nil && c.LastMessage.ID == latest.ID && c.LastMessage.CreatedAt.Equal(latest.CreatedAt) {
		return false
	}
	c.LastMessage = latest
	return true
}

func (d *Directory) upsert(conv domain.Conversation) {
	if conv.LastMessage != nil {
		d.observe(conv.ID, *conv.LastMessage, "")
	}
	c, ok := d.convs[conv.ID]
	if !ok {
		cp := conv.Clone()
		if cp.ParticipantCount == 0 {
			cp.ParticipantCount = len(cp.Participants)
		}
		d.refreshLast(&cp)
		d.convs[cp.ID] = &cp
		d.changed(&cp)
		return
	}

	if conv.Placeholder {
		// A partial record only adds what it knows.
		for id := range conv.Participants {
			c.Participants[id] = struct{}{}
		}
		if len(c.Participants) > c.ParticipantCount {
			c.ParticipantCount = len(c.Participants)
		}
		d.refreshLast(c)
		d.changed(c)
		return
	}

	if conv.Kind != "" {
		c.Kind = conv.Kind
	}
	if len(conv.Participants) > 0 {
		c.Participants = conv.Clone().Participants
		c.ParticipantCount = len(c.Participants)
	}
	if conv.ParticipantCount > 0 {
		c.ParticipantCount = conv.ParticipantCount
	}
	if conv.DisplayName != "" {
		c.DisplayName = conv.DisplayName
	}
	if conv.AvatarRef != "" {
		c.AvatarRef = conv.AvatarRef
	}
	d.refreshLast(c)
	c.Placeholder = false
	d.changed(c)
}

func (d *Directory) remove(id string) {
	if _, ok := d.convs[id]; !ok {
		return
	}
	delete(d.convs, id)
	delete(d.seen, id)
	d.changes = append(d.changes, Change{ConversationID: id, Removed: true})
}

func (d *Directory) changed(c *domain.Conversation) {
	cp := c.Clone()
	d.changes = append(d.changes, Change{ConversationID: c.ID, Conversation: &cp})
}

// flush hands back the collected changes and remove hooks. Callers hold mu.
func (d *Directory) flush() ([]func(string), []Change) {
	changes := d.changes
	d.changes = nil
	return d.onRemove, changes
}

func (d *Directory) publish(onRemove []func(string), changes []Change) {
	for _, ch := range changes {
		if ch.Removed {
			d.logger.Debug().Str(log.FieldConversationID, ch.ConversationID).Msg("conversation removed")
			for _, fn := range onRemove {
				fn(ch.ConversationID)
			}
		}
		if d.bus == nil {
			continue
		}
		evt := pubsub.NewEvent(pubsub.TopicDirectoryChanged, ch.ConversationID, ch)
		if err := d.bus.Publish(context.Background(), pubsub.TopicDirectoryChanged, evt); err != nil {
			d.logger.Debug().Err(err).Msg("notification dropped")
		}
	}
}
