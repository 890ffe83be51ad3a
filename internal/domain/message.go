package domain

import (
	"time"
)

// ContentVariant is the kind of content a message carries.
type ContentVariant string

const (
	ContentText         ContentVariant = "text"
	ContentEmoji        ContentVariant = "emoji"
	ContentFile         ContentVariant = "file"
	ContentLocation     ContentVariant = "location"
	ContentNotification ContentVariant = "notification"
)

// Valid reports whether v is one of the known variants.
func (v ContentVariant) Valid() bool {
	switch v {
	case ContentText, ContentEmoji, ContentFile, ContentLocation, ContentNotification:
		return true
	}
	return false
}

// Status is the delivery state of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Rank orders statuses: pending < {sent, failed} < delivered < read.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent, StatusFailed:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return -1
}

// Terminal reports whether the client never moves a message out of s.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusRead
}

// CanAdvanceTo reports whether s -> next is a legal transition.
// failed is only reachable from pending.
func (s Status) CanAdvanceTo(next Status) bool {
	if s.Terminal() || next.Rank() <= s.Rank() {
		return false
	}
	if next == StatusFailed {
		return s == StatusPending
	}
	return true
}

// Message is a single chat message held by the ledger.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	ReceiverID     string // empty for group messages
	Variant        ContentVariant
	Payload        string
	CreatedAt      time.Time
	Status         Status
	ReadBy         map[string]struct{}

	// Provisional is set while ID is a client-generated identity.
	Provisional bool
	// CorrelationID links an outgoing message to its acknowledgment.
	CorrelationID string
	// Undelivered marks a pending message whose ack is overdue.
	Undelivered bool
	Recalled    bool
}

// IsGroup reports whether the message belongs to a group conversation.
func (m Message) IsGroup() bool {
	return m.ReceiverID == ""
}

// HasReader reports whether userID has read the message.
func (m Message) HasReader(userID string) bool {
	_, ok := m.ReadBy[userID]
	return ok
}

// Clone returns a deep copy.
func (m Message) Clone() Message {
	c := m
	c.ReadBy = make(map[string]struct{}, len(m.ReadBy))
	for id := range m.ReadBy {
		c.ReadBy[id] = struct{}{}
	}
	return c
}

// Before orders messages by CreatedAt, then by ID.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// MessageRef is the directory's pointer to a conversation's latest message.
type MessageRef struct {
	ID        string
	SenderID  string
	Variant   ContentVariant
	Preview   string
	CreatedAt time.Time
}

// Ref returns the directory reference for m.
func (m Message) Ref() MessageRef {
	return MessageRef{
		ID:        m.ID,
		SenderID:  m.SenderID,
		Variant:   m.Variant,
		Preview:   m.Payload,
		CreatedAt: m.CreatedAt,
	}
}

// Newer reports whether r is more recent than other (nil counts as oldest).
func (r MessageRef) Newer(other *MessageRef) bool {
	if other == nil {
		return true
	}
	if !r.CreatedAt.Equal(other.CreatedAt) {
		return r.CreatedAt.After(other.CreatedAt)
	}
	return r.ID > other.ID
}
