// Package queue persists messages that still need to reach the backend, so
// they survive process restarts and network loss.
package queue

import (
	"context"
	"errors"

	"github.com/matheus3301/msgsync/internal/model"
	"github.com/matheus3301/msgsync/internal/status"
)

// ErrNotFound is returned by Update for an id that is not queued.
var ErrNotFound = errors.New("queue record not found")

// Record is the durable form of an unconfirmed message, keyed by its
// client temp id.
type Record struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	Content        string            `json:"content"`
	MessageType    string            `json:"message_type"`
	ReplyToID      string            `json:"reply_to_id,omitempty"`
	Attachment     *model.Attachment `json:"attachment,omitempty"`
	EnqueuedAt     int64             `json:"enqueued_at"`
	RetryCount     int               `json:"retry_count"`
	LastError      string            `json:"last_error,omitempty"`
	Terminal       bool              `json:"terminal,omitempty"`
}

// Queue is a durable, per-conversation FIFO of Records. Every mutating call
// is persisted before it returns.
type Queue interface {
	// Enqueue inserts rec or replaces the stored record with the same id.
	Enqueue(ctx context.Context, rec Record) error
	// DequeueAll returns the records of a conversation ordered by
	// EnqueuedAt without removing them. An empty id returns all records.
	DequeueAll(ctx context.Context, conversationID string) ([]Record, error)
	// Remove deletes a record. Removing an absent id is a no-op.
	Remove(ctx context.Context, id string) error
	// Update rewrites an existing record; ErrNotFound if it is absent.
	Update(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, bool, error)
	// Conversations lists conversations with at least one record, oldest
	// first.
	Conversations(ctx context.Context) ([]string, error)
	Close() error
}

// FromMessage builds the record for an optimistic message.
func FromMessage(m model.Message) Record {
	rec := Record{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Content:        m.Content,
		MessageType:    m.MessageType(),
		ReplyToID:      m.ReplyToID,
		EnqueuedAt:     m.CreatedAt,
		LastError:      m.LastError,
		Terminal:       m.Terminal,
	}
	if m.Attachment != nil {
		a := *m.Attachment
		rec.Attachment = &a
	}
	return rec
}

// Message rebuilds the optimistic message for a record authored by senderID.
// Records that have failed before come back as Failed, the rest as Queued.
func (r Record) Message(senderID string) model.Message {
	m := model.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       senderID,
		Content:        r.Content,
		ReplyToID:      r.ReplyToID,
		CreatedAt:      r.EnqueuedAt,
		Status:         status.Queued,
	}
	if r.Attachment != nil {
		a := *r.Attachment
		m.Attachment = &a
	}
	if r.RetryCount > 0 || r.LastError != "" || r.Terminal {
		m.Status = status.Failed
		m.LastError = r.LastError
		m.Terminal = r.Terminal
	}
	return m
}
