// Package api is the request/response contract with the chat backend.
package api

import (
	"context"

	"github.com/matheus3301/msgsync/internal/model"
)

// SendRequest carries one outbound message. ClientTempID lets the backend
// accept retries idempotently and tag the echo pushed back to us.
type SendRequest struct {
	ConversationID string            `json:"-"`
	ClientTempID   string            `json:"client_temp_id"`
	Content        string            `json:"content"`
	MessageType    string            `json:"message_type,omitempty"`
	ReplyToID      string            `json:"reply_to_id,omitempty"`
	Attachment     *model.Attachment `json:"attachment,omitempty"`
}

// ReactionResult is the outcome of a reaction toggle. Reaction is set when
// the toggle added or replaced the caller's reaction.
type ReactionResult struct {
	Removed  bool            `json:"removed"`
	Reaction *model.Reaction `json:"reaction,omitempty"`
}

// Backend is the set of calls the engine makes against the server. Errors
// are *errs.TransportError or *errs.ServerRejection.
type Backend interface {
	SendMessage(ctx context.Context, req SendRequest) (model.Message, error)
	SendMessageWithAttachment(ctx context.Context, req SendRequest) (model.Message, error)
	MarkAsRead(ctx context.Context, conversationID string) error
	AddReaction(ctx context.Context, messageID, emoji string) (ReactionResult, error)
	DeleteMessage(ctx context.Context, messageID string) error
}
