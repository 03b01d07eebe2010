package event

import "github.com/matheus3301/msgsync/internal/model"

// Push frame types consumed by the engine.
const (
	TypeNewMessage       = "new_message"
	TypeMessageDelivered = "message_delivered"
	TypeMessageRead      = "message_read"
	TypeReaction         = "reaction"
	TypeReactionRemoved  = "reaction_removed"
	TypeMessageDeleted   = "message_deleted"
	TypeMessageEdited    = "message_edited"
	TypeMessagePinned    = "message_pinned"
	TypeMessageUnpinned  = "message_unpinned"
)

// Event is a decoded push frame. The concrete types below form a closed set;
// frames with an unrecognized type decode to Unknown.
type Event interface {
	Type() string
	Conversation() string
}

// Targeted is implemented by events that reference one existing message.
type Targeted interface {
	Event
	Target() string
}

// NewMessage carries a server-confirmed message. TempID is set when the
// message is the echo of one of our own sends.
type NewMessage struct {
	Message model.Message
}

// Delivered acknowledges delivery of one message to the recipient.
type Delivered struct {
	ConversationID string
	MessageID      string
}

// ReadReceipt is a read watermark: every message up to UpTo (or all, when
// zero) has been read by ReaderID.
type ReadReceipt struct {
	ConversationID string
	ReaderID       string
	UpTo           int64
}

// ReactionAdded sets UserID's reaction on a message.
type ReactionAdded struct {
	ConversationID string
	MessageID      string
	UserID         string
	Emoji          string
}

// ReactionRemoved clears UserID's reaction on a message.
type ReactionRemoved struct {
	ConversationID string
	MessageID      string
	UserID         string
	Emoji          string
}

// Deleted removes a message from the conversation.
type Deleted struct {
	ConversationID string
	MessageID      string
}

// Edited replaces the content of a confirmed message.
type Edited struct {
	ConversationID string
	MessageID      string
	Content        string
	EditedAt       int64
}

// PinChanged pins or unpins a message.
type PinChanged struct {
	ConversationID string
	MessageID      string
	Pinned         bool
}

// Unknown is a well-formed frame of a type the engine does not consume.
type Unknown struct {
	Kind           string
	ConversationID string
	Data           []byte
}

func (e NewMessage) Type() string         { return TypeNewMessage }
func (e NewMessage) Conversation() string { return e.Message.ConversationID }
func (e NewMessage) Target() string       { return e.Message.ID }

func (e Delivered) Type() string         { return TypeMessageDelivered }
func (e Delivered) Conversation() string { return e.ConversationID }
func (e Delivered) Target() string       { return e.MessageID }

func (e ReadReceipt) Type() string         { return TypeMessageRead }
func (e ReadReceipt) Conversation() string { return e.ConversationID }

func (e ReactionAdded) Type() string         { return TypeReaction }
func (e ReactionAdded) Conversation() string { return e.ConversationID }
func (e ReactionAdded) Target() string       { return e.MessageID }

func (e ReactionRemoved) Type() string         { return TypeReactionRemoved }
func (e ReactionRemoved) Conversation() string { return e.ConversationID }
func (e ReactionRemoved) Target() string       { return e.MessageID }

func (e Deleted) Type() string         { return TypeMessageDeleted }
func (e Deleted) Conversation() string { return e.ConversationID }
func (e Deleted) Target() string       { return e.MessageID }

func (e Edited) Type() string         { return TypeMessageEdited }
func (e Edited) Conversation() string { return e.ConversationID }
func (e Edited) Target() string       { return e.MessageID }

func (e PinChanged) Type() string {
	if e.Pinned {
		return TypeMessagePinned
	}
	return TypeMessageUnpinned
}
func (e PinChanged) Conversation() string { return e.ConversationID }
func (e PinChanged) Target() string       { return e.MessageID }

func (e Unknown) Type() string         { return e.Kind }
func (e Unknown) Conversation() string { return e.ConversationID }
