package event

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matheus3301/msgsync/internal/errs"
	"github.com/matheus3301/msgsync/internal/model"
	"github.com/matheus3301/msgsync/internal/status"
)

// Envelope is the wire shape of every push frame.
type Envelope struct {
	Type           string          `json:"type"`
	Channel        string          `json:"channel"`
	Data           json.RawMessage `json:"data"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Timestamp      float64         `json:"timestamp,omitempty"`
}

// refData is the common shape of payloads that point at a message.
type refData struct {
	ID             string  `json:"id,omitempty"`
	MessageID      string  `json:"message_id,omitempty"`
	ConversationID string  `json:"conversation_id,omitempty"`
	UserID         string  `json:"user_id,omitempty"`
	ReaderID       string  `json:"reader_id,omitempty"`
	Emoji          string  `json:"emoji,omitempty"`
	Content        *string `json:"content,omitempty"`
	EditedAt       int64   `json:"edited_at,omitempty"`
	UpTo           int64   `json:"up_to,omitempty"`
}

func (r *refData) messageID() string {
	if r.MessageID != "" {
		return r.MessageID
	}
	return r.ID
}

var (
	errMissingType         = errors.New("missing type")
	errMissingConversation = errors.New("missing conversation id")
	errMissingMessage      = errors.New("missing message id")
)

// DecodeFrame parses a raw frame into an Event.
func DecodeFrame(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &errs.ProtocolError{Err: err}
	}
	return Decode(env)
}

// Decode converts an envelope into its typed event. Malformed payloads of
// known types return a *errs.ProtocolError; unrecognized types return Unknown.
func Decode(env Envelope) (Event, error) {
	if env.Type == "" {
		return nil, &errs.ProtocolError{Err: errMissingType}
	}
	if env.Type == TypeNewMessage {
		return decodeNewMessage(env)
	}

	var ref refData
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &ref); err != nil {
			if !isKnown(env.Type) {
				return Unknown{Kind: env.Type, ConversationID: env.ConversationID, Data: env.Data}, nil
			}
			return nil, &errs.ProtocolError{Type: env.Type, Err: err}
		}
	}
	conv := env.ConversationID
	if conv == "" {
		conv = ref.ConversationID
	}
	if !isKnown(env.Type) {
		return Unknown{Kind: env.Type, ConversationID: conv, Data: env.Data}, nil
	}
	if conv == "" {
		return nil, &errs.ProtocolError{Type: env.Type, Err: errMissingConversation}
	}
	if env.Type == TypeMessageRead {
		reader := ref.ReaderID
		if reader == "" {
			reader = ref.UserID
		}
		// Without up_to the receipt covers the whole conversation; the
		// envelope timestamp is a transport stamp, not a watermark.
		return ReadReceipt{ConversationID: conv, ReaderID: reader, UpTo: ref.UpTo}, nil
	}

	id := ref.messageID()
	if id == "" {
		return nil, &errs.ProtocolError{Type: env.Type, Err: errMissingMessage}
	}
	switch env.Type {
	case TypeMessageDelivered:
		return Delivered{ConversationID: conv, MessageID: id}, nil
	case TypeReaction, TypeReactionRemoved:
		if ref.UserID == "" {
			return nil, &errs.ProtocolError{Type: env.Type, Err: errors.New("missing user id")}
		}
		if env.Type == TypeReaction {
			if ref.Emoji == "" {
				return nil, &errs.ProtocolError{Type: env.Type, Err: errors.New("missing emoji")}
			}
			return ReactionAdded{ConversationID: conv, MessageID: id, UserID: ref.UserID, Emoji: ref.Emoji}, nil
		}
		return ReactionRemoved{ConversationID: conv, MessageID: id, UserID: ref.UserID, Emoji: ref.Emoji}, nil
	case TypeMessageDeleted:
		return Deleted{ConversationID: conv, MessageID: id}, nil
	case TypeMessageEdited:
		if ref.Content == nil {
			return nil, &errs.ProtocolError{Type: env.Type, Err: errors.New("missing content")}
		}
		editedAt := ref.EditedAt
		if editedAt == 0 {
			editedAt = int64(env.Timestamp)
		}
		return Edited{ConversationID: conv, MessageID: id, Content: *ref.Content, EditedAt: editedAt}, nil
	case TypeMessagePinned:
		return PinChanged{ConversationID: conv, MessageID: id, Pinned: true}, nil
	default:
		return PinChanged{ConversationID: conv, MessageID: id, Pinned: false}, nil
	}
}

func decodeNewMessage(env Envelope) (Event, error) {
	var m model.Message
	if err := json.Unmarshal(env.Data, &m); err != nil {
		return nil, &errs.ProtocolError{Type: env.Type, Err: err}
	}
	if m.ConversationID == "" {
		m.ConversationID = env.ConversationID
	}
	if m.ConversationID == "" {
		return nil, &errs.ProtocolError{Type: env.Type, Err: errMissingConversation}
	}
	if m.ID == "" {
		return nil, &errs.ProtocolError{Type: env.Type, Err: errMissingMessage}
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = int64(env.Timestamp)
	}
	// Anything arriving on the push channel is server-confirmed.
	if !m.Status.Confirmed() {
		m.Status = status.Sent
	}
	m.LastError, m.Terminal = "", false
	return NewMessage{Message: m}, nil
}

func isKnown(t string) bool {
	switch t {
	case TypeNewMessage, TypeMessageDelivered, TypeMessageRead, TypeReaction,
		TypeReactionRemoved, TypeMessageDeleted, TypeMessageEdited,
		TypeMessagePinned, TypeMessageUnpinned:
		return true
	}
	return false
}

// Encode builds a frame for ev. It is the inverse of DecodeFrame for the
// known types and is used by tests and fakes that play the server side.
func Encode(channel string, ev Event) ([]byte, error) {
	env := Envelope{Type: ev.Type(), Channel: channel, ConversationID: ev.Conversation()}
	var data any
	switch e := ev.(type) {
	case NewMessage:
		data = e.Message
	case Delivered:
		data = refData{MessageID: e.MessageID}
	case ReadReceipt:
		data = refData{ReaderID: e.ReaderID, UpTo: e.UpTo}
	case ReactionAdded:
		data = refData{MessageID: e.MessageID, UserID: e.UserID, Emoji: e.Emoji}
	case ReactionRemoved:
		data = refData{MessageID: e.MessageID, UserID: e.UserID, Emoji: e.Emoji}
	case Deleted:
		data = refData{MessageID: e.MessageID}
	case Edited:
		content := e.Content
		data = refData{MessageID: e.MessageID, Content: &content, EditedAt: e.EditedAt}
	case PinChanged:
		data = refData{MessageID: e.MessageID}
	case Unknown:
		env.Data = e.Data
	default:
		return nil, fmt.Errorf("encode: unsupported event %T", ev)
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return json.Marshal(env)
}
