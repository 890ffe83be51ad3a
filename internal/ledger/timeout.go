package ledger

import (
	"time"

	"github.com/weiawesome/wes-io-live/chat-sync/internal/domain"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/log"
	"github.com/weiawesome/wes-io-live/chat-sync/pkg/pubsub"
)

// startTimer arms the ack window for a correlation id. Callers hold mu.
func (l *Ledger) startTimer(correlationID string) {
	if l.ackTimeout <= 0 {
		return
	}
	l.timers[correlationID] = time.AfterFunc(l.ackTimeout, func() {
		l.ackOverdue(correlationID)
	})
}

// stopTimer disarms the ack window. Callers hold mu.
func (l *Ledger) stopTimer(correlationID string) {
	if t, ok := l.timers[correlationID]; ok {
		t.Stop()
		delete(l.timers, correlationID)
	}
}

// ackOverdue flags a still-pending message as undelivered. The outcome of
// the send is unknown, so nothing is resent.
func (l *Ledger) ackOverdue(correlationID string) {
	l.mu.Lock()
	if _, armed := l.timers[correlationID]; !armed {
		l.mu.Unlock()
		return
	}
	delete(l.timers, correlationID)

	msg := l.byID[l.byCorrelation[correlationID]]
	if msg == nil || msg.Status != domain.StatusPending {
		l.mu.Unlock()
		return
	}
	msg.Undelivered = true
	snapshot := msg.Clone()
	l.mu.Unlock()

	timeoutErr := &domain.AckTimeoutError{MessageID: snapshot.ID}
	l.logger.Warn().Err(timeoutErr).
		Str(log.FieldConversationID, snapshot.ConversationID).
		Dur("ack_timeout", l.ackTimeout).
		Msg("acknowledgment overdue")
	l.notify(pubsub.TopicMessageUndelivered, snapshot.ConversationID, timeoutErr)
	l.notify(pubsub.TopicLedgerChanged, snapshot.ConversationID, snapshot)
}
