// Package ledger keeps the per-conversation message log and drives the
// outgoing message state machine: optimistic send, acknowledgment,
// delivery and read.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/weiawesome/wes-io-live/chat-sync/internal/config"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/domain"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/idgen"
	"github.com/weiawesome/wes-io-live/chat-sync/internal/protocol"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/log"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/pubsub"
)

// Sender writes a command to the channel.
type Sender interface {
	Send(ctx context.Context, cmd protocol.Command) error
}

// Outgoing is the content of a message about to be sent. ReceiverID is set
// for private conversations only.
type Outgoing struct {
	ConversationID string
	ReceiverID     string
	Variant        domain.ContentVariant
	Payload        string
}

// Ledger holds every message observed during the session, keyed by id.
// Provisional entries are rekeyed to the server id on acknowledgment.
type Ledger struct {
	self       string
	sender     Sender
	ids        idgen.Generator
	bus        pubsub.Publisher
	ackTimeout time.Duration
	now        func() time.Time
	logger     zerolog.Logger

	mu             sync.Mutex
	byID           map[string]*domain.Message
	byCorrelation  map[string]string              // correlation id -> current message id
	byConversation map[string]map[string]struct{} // conversation id -> message ids
	timers         map[string]*time.Timer         // correlation id -> ack timer
}

// New creates a ledger for the session user self. bus may be nil.
func New(self string, sender Sender, ids idgen.Generator, bus pubsub.Publisher, cfg config.LedgerConfig, logger zerolog.Logger) *Ledger {
	return &Ledger{
		self:           self,
		sender:         sender,
		ids:            ids,
		bus:            bus,
		ackTimeout:     cfg.AckTimeout,
		now:            time.Now,
		logger:         logger.With().Str("component", "ledger").Logger(),
		byID:           make(map[string]*domain.Message),
		byCorrelation:  make(map[string]string),
		byConversation: make(map[string]map[string]struct{}),
		timers:         make(map[string]*time.Timer),
	}
}

// Send appends a pending message under a provisional id and writes it to
// the channel. The provisional id doubles as the correlation id. If the
// write fails the message is marked failed and the error returned along
// with it.
func (l *Ledger) Send(ctx context.Context, out Outgoing) (domain.Message, error) {
	if out.ConversationID == "" {
		return domain.Message{}, domain.ErrEmptyConversation
	}
	if !out.Variant.Valid() {
		return domain.Message{}, fmt.Errorf("%w: %q", domain.ErrInvalidVariant, out.Variant)
	}
	id, err := l.ids.Generate()
	if err != nil {
		return domain.Message{}, err
	}

	msg := &domain.Message{
		ID:             id,
		ConversationID: out.ConversationID,
		SenderID:       l.self,
		ReceiverID:     out.ReceiverID,
		Variant:        out.Variant,
		Payload:        out.Payload,
		CreatedAt:      l.now(),
		Status:         domain.StatusPending,
		ReadBy:         make(map[string]struct{}),
		Provisional:    true,
		CorrelationID:  id,
	}

	l.mu.Lock()
	l.insert(msg)
	l.byCorrelation[id] = id
	l.startTimer(id)
	snapshot := msg.Clone()
	l.mu.Unlock()
	l.notify(pubsub.TopicLedgerChanged, snapshot.ConversationID, snapshot)

	var cmd protocol.Command
	if out.ReceiverID != "" {
		cmd = protocol.PrivateMessage{CorrelationID: id, ReceiverID: out.ReceiverID, Message: out.Payload, ContentType: string(out.Variant)}
	} else {
		cmd = protocol.GroupMessage{CorrelationID: id, ConversationID: out.ConversationID, Message: out.Payload, ContentType: string(out.Variant)}
	}

	logger := log.Ctx(ctx).With().Str(log.FieldMessageID, id).Str(log.FieldConversationID, out.ConversationID).Logger()
	if err := l.sender.Send(ctx, cmd); err != nil {
		logger.Warn().Err(err).Msg("send failed")
		failed, _ := l.fail(id)
		return failed, err
	}
	logger.Debug().Msg("message sent")
	return snapshot, nil
}

// OnAck applies a send acknowledgment. An ack without a correlation id is
// matched by message id, which is the provisional id until the first ack.
// It reports whether the ack belonged to a message in the ledger.
func (l *Ledger) OnAck(res protocol.SendResult) bool {
	l.mu.Lock()
	corr, ok := l.correlate(res)
	if !ok {
		l.mu.Unlock()
		return false
	}
	res.CorrelationID = corr
	id := l.byCorrelation[corr]
	l.stopTimer(corr)
	msg := l.byID[id]
	if msg == nil {
		l.mu.Unlock()
		return true
	}

	logger := l.logger.With().Str(log.FieldCorrelationID, res.CorrelationID).Int("code", res.Code).Logger()
	if !res.OK() {
		changed := l.advance(msg, domain.StatusFailed)
		snapshot := msg.Clone()
		l.mu.Unlock()
		logger.Warn().Str("reason", res.Reason).Msg("send rejected")
		if changed {
			l.notify(pubsub.TopicLedgerChanged, snapshot.ConversationID, snapshot)
		}
		return true
	}

	if res.MessageID != "" && res.MessageID != msg.ID {
		msg = l.rekey(msg, res.MessageID, res.CorrelationID)
	}
	msg.Provisional = false
	msg.Undelivered = false
	if !res.CreatedAt.IsZero() && msg.Status == domain.StatusPending {
		l.setCreatedAt(msg, res.CreatedAt)
	}
	l.advance(msg, domain.StatusSent)
	snapshot := msg.Clone()
	l.mu.Unlock()

	logger.Debug().Str(log.FieldMessageID, snapshot.ID).Str("status", string(snapshot.Status)).Msg("send acknowledged")
	l.notify(pubsub.TopicLedgerChanged, snapshot.ConversationID, snapshot)
	return true
}

// OnReceive inserts a pushed message. A message whose id is already known
// is ignored; one carrying the correlation id of a local message reconciles
// that entry instead of adding another.
func (l *Ledger) OnReceive(m domain.Message) bool {
	l.mu.Lock()
	if _, ok := l.byID[m.ID]; ok {
		l.mu.Unlock()
		l.logger.Debug().Str(log.FieldMessageID, m.ID).Msg("duplicate delivery ignored")
		return false
	}

	if localID, ok := l.byCorrelation[m.CorrelationID]; ok && m.CorrelationID != "" {
		if local := l.byID[localID]; local != nil {
			l.stopTimer(m.CorrelationID)
			local = l.rekey(local, m.ID, m.CorrelationID)
			local.Provisional = false
			local.Undelivered = false
			if local.Status == domain.StatusPending {
				l.setCreatedAt(local, m.CreatedAt)
			}
			for reader := range m.ReadBy {
				local.ReadBy[reader] = struct{}{}
			}
			l.advance(local, domain.StatusDelivered)
			snapshot := local.Clone()
			l.mu.Unlock()
			l.notify(pubsub.TopicLedgerChanged, snapshot.ConversationID, snapshot)
			return false
		}
	}

	msg := m.Clone()
	if msg.Status == "" || msg.Status == domain.StatusPending {
		msg.Status = domain.StatusDelivered
	}
	msg.Provisional = false
	l.insert(&msg)
	snapshot := msg.Clone()
	l.mu.Unlock()

	l.notify(pubsub.TopicLedgerChanged, snapshot.ConversationID, snapshot)
	return true
}

// MarkRead records reader on each message. A message read by someone other
// than its sender advances to read. It returns how many messages changed.
func (l *Ledger) MarkRead(ids []string, reader string) int {
	l.mu.Lock()
	var changed []domain.Message
	for _, id := range ids {
		msg := l.byID[id]
		if msg == nil || msg.HasReader(reader) {
			continue
		}
		msg.ReadBy[reader] = struct{}{}
		if reader != msg.SenderID {
			l.advance(msg, domain.StatusRead)
		}
		changed = append(changed, msg.Clone())
	}
	l.mu.Unlock()

	for _, m := range changed {
		l.notify(pubsub.TopicLedgerChanged, m.ConversationID, m)
	}
	return len(changed)
}

// Retry sends the content of a failed or overdue message again as a new
// provisional entry. The original entry is left as it is.
func (l *Ledger) Retry(ctx context.Context, id string) (domain.Message, error) {
	l.mu.Lock()
	msg := l.byID[id]
	if msg == nil {
		l.mu.Unlock()
		return domain.Message{}, domain.ErrUnknownMessage
	}
	retryable := msg.SenderID == l.self &&
		(msg.Status == domain.StatusFailed || (msg.Status == domain.StatusPending && msg.Undelivered))
	out := Outgoing{
		ConversationID: msg.ConversationID,
		ReceiverID:     msg.ReceiverID,
		Variant:        msg.Variant,
		Payload:        msg.Payload,
	}
	l.mu.Unlock()

	if !retryable {
		return domain.Message{}, domain.ErrNotRetryable
	}
	return l.Send(ctx, out)
}

// Recall asks the server to recall a confirmed message and marks it
// recalled locally.
func (l *Ledger) Recall(ctx context.Context, id string) error {
	if err := l.confirmed(id); err != nil {
		return err
	}
	if err := l.sender.Send(ctx, protocol.RecallMessage{ID: id}); err != nil {
		return err
	}

	l.mu.Lock()
	msg := l.byID[id]
	if msg == nil {
		l.mu.Unlock()
		return nil
	}
	msg.Recalled = true
	snapshot := msg.Clone()
	l.mu.Unlock()

	l.notify(pubsub.TopicLedgerChanged, snapshot.ConversationID, snapshot)
	return nil
}

// Delete asks the server to delete a confirmed message and drops it from
// the ledger.
func (l *Ledger) Delete(ctx context.Context, id string) error {
	if err := l.confirmed(id); err != nil {
		return err
	}
	if err := l.sender.Send(ctx, protocol.DeleteMessage{ID: id}); err != nil {
		return err
	}

	l.mu.Lock()
	msg := l.byID[id]
	if msg == nil {
		l.mu.Unlock()
		return nil
	}
	convID := msg.ConversationID
	l.remove(msg)
	l.mu.Unlock()

	l.notify(pubsub.TopicLedgerChanged, convID, nil)
	return nil
}

// Purge drops every message of a conversation.
func (l *Ledger) Purge(conversationID string) int {
	l.mu.Lock()
	ids := l.byConversation[conversationID]
	n := len(ids)
	for id := range ids {
		if msg := l.byID[id]; msg != nil {
			l.remove(msg)
		}
	}
	delete(l.byConversation, conversationID)
	l.mu.Unlock()

	if n > 0 {
		l.logger.Debug().Str(log.FieldConversationID, conversationID).Int("messages", n).Msg("conversation purged")
		l.notify(pubsub.TopicLedgerChanged, conversationID, nil)
	}
	return n
}

// Get returns a copy of the message with id.
func (l *Ledger) Get(id string) (domain.Message, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := l.byID[id]
	if msg == nil {
		return domain.Message{}, false
	}
	return msg.Clone(), true
}

// Messages returns copies of a conversation's messages ordered by
// creation time, ties broken by id.
func (l *Ledger) Messages(conversationID string) []domain.Message {
	l.mu.Lock()
	out := make([]domain.Message, 0, len(l.byConversation[conversationID]))
	for id := range l.byConversation[conversationID] {
		out = append(out, l.byID[id].Clone())
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Stop cancels every pending ack timer.
func (l *Ledger) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for corr := range l.timers {
		l.stopTimer(corr)
	}
}

// correlate finds the correlation id an ack refers to. Callers hold mu.
func (l *Ledger) correlate(res protocol.SendResult) (string, bool) {
	if res.CorrelationID != "" {
		_, ok := l.byCorrelation[res.CorrelationID]
		return res.CorrelationID, ok
	}
	if res.MessageID == "" {
		return "", false
	}
	if _, ok := l.byCorrelation[res.MessageID]; ok {
		return res.MessageID, true
	}
	if msg := l.byID[res.MessageID]; msg != nil && msg.CorrelationID != "" {
		if _, ok := l.byCorrelation[msg.CorrelationID]; ok {
			return msg.CorrelationID, true
		}
	}
	return "", false
}

func (l *Ledger) confirmed(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg := l.byID[id]
	if msg == nil {
		return domain.ErrUnknownMessage
	}
	if msg.Provisional {
		return domain.ErrNotConfirmed
	}
	return nil
}

// fail moves a pending message to failed.
func (l *Ledger) fail(correlationID string) (domain.Message, bool) {
	l.mu.Lock()
	l.stopTimer(correlationID)
	msg := l.byID[l.byCorrelation[correlationID]]
	if msg == nil {
		l.mu.Unlock()
		return domain.Message{}, false
	}
	changed := l.advance(msg, domain.StatusFailed)
	snapshot := msg.Clone()
	l.mu.Unlock()

	if changed {
		l.notify(pubsub.TopicLedgerChanged, snapshot.ConversationID, snapshot)
	}
	return snapshot, changed
}

// advance applies a status transition if it is legal. Callers hold mu.
func (l *Ledger) advance(msg *domain.Message, next domain.Status) bool {
	if !msg.Status.CanAdvanceTo(next) {
		return false
	}
	msg.Status = next
	return true
}

// rekey moves msg to a server-assigned id. If that id is already held by a
// pushed copy, the pushed copy is kept and msg is dropped. Callers hold mu.
func (l *Ledger) rekey(msg *domain.Message, serverID, correlationID string) *domain.Message {
	if existing := l.byID[serverID]; existing != nil {
		l.remove(msg)
		existing.CorrelationID = correlationID
		existing.Provisional = false
		l.byCorrelation[correlationID] = serverID
		return existing
	}

	l.remove(msg)
	msg.ID = serverID
	l.insert(msg)
	l.byCorrelation[correlationID] = serverID
	return msg
}

func (l *Ledger) setCreatedAt(msg *domain.Message, t time.Time) {
	if !t.IsZero() {
		msg.CreatedAt = t
	}
}

func (l *Ledger) insert(msg *domain.Message) {
	if msg.ReadBy == nil {
		msg.ReadBy = make(map[string]struct{})
	}
	l.byID[msg.ID] = msg
	ids := l.byConversation[msg.ConversationID]
	if ids == nil {
		ids = make(map[string]struct{})
		l.byConversation[msg.ConversationID] = ids
	}
	ids[msg.ID] = struct{}{}
}

func (l *Ledger) remove(msg *domain.Message) {
	delete(l.byID, msg.ID)
	if ids := l.byConversation[msg.ConversationID]; ids != nil {
		delete(ids, msg.ID)
	}
	if msg.CorrelationID != "" {
		l.stopTimer(msg.CorrelationID)
	}
}

func (l *Ledger) notify(topic, conversationID string, payload interface{}) {
	if l.bus == nil {
		return
	}
	if err := l.bus.Publish(context.Background(), topic, pubsub.NewEvent(topic, conversationID, payload)); err != nil {
		l.logger.Debug().Err(err).Str(log.FieldTopic, topic).Msg("notification dropped")
	}
}
