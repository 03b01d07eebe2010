package model

import (
	"slices"

	"github.com/matheus3301/msgsync/internal/status"
)

// AttachmentKind classifies an attachment for rendering.
type AttachmentKind string

const (
	KindImage AttachmentKind = "image"
	KindAudio AttachmentKind = "audio"
	KindFile  AttachmentKind = "file"
	KindVideo AttachmentKind = "video"
)

// Attachment describes an already-uploaded media object.
type Attachment struct {
	URL      string         `json:"url"`
	Name     string         `json:"name"`
	Size     int64          `json:"size"`
	MimeType string         `json:"mime_type"`
	Kind     AttachmentKind `json:"kind"`
}

// Reaction is a single user's emoji on a message.
type Reaction struct {
	Emoji  string `json:"emoji"`
	UserID string `json:"user_id"`
}

// Message is one entry of a conversation, either optimistic or confirmed.
type Message struct {
	ID             string        `json:"id"`
	TempID         string        `json:"client_temp_id,omitempty"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	Content        string        `json:"content"`
	Attachment     *Attachment   `json:"attachment,omitempty"`
	ReplyToID      string        `json:"reply_to_id,omitempty"`
	CreatedAt      int64         `json:"created_at"`
	EditedAt       int64         `json:"edited_at,omitempty"`
	Status         status.Status `json:"status"`
	Reactions      []Reaction    `json:"reactions,omitempty"`
	Pinned         bool          `json:"pinned,omitempty"`

	// Failure detail, set only while Status is Failed.
	LastError string `json:"last_error,omitempty"`
	Terminal  bool   `json:"terminal,omitempty"`
}

// IsMine reports whether userID authored the message.
func (m *Message) IsMine(userID string) bool {
	return userID != "" && m.SenderID == userID
}

// MessageType returns the queue message type for the message.
func (m *Message) MessageType() string {
	if m.Attachment != nil && m.Attachment.Kind != "" {
		return string(m.Attachment.Kind)
	}
	return "text"
}

// Clone returns a deep copy so callers never share slices with the store.
func (m Message) Clone() Message {
	if m.Attachment != nil {
		a := *m.Attachment
		m.Attachment = &a
	}
	m.Reactions = slices.Clone(m.Reactions)
	return m
}

// SetReaction records emoji as userID's reaction, replacing any previous one.
// Returns false if the message already holds exactly that reaction.
func (m *Message) SetReaction(userID, emoji string) bool {
	for i, r := range m.Reactions {
		if r.UserID == userID {
			if r.Emoji == emoji {
				return false
			}
			m.Reactions[i].Emoji = emoji
			return true
		}
	}
	m.Reactions = append(m.Reactions, Reaction{Emoji: emoji, UserID: userID})
	return true
}

// ClearReaction removes userID's reaction. An empty emoji matches any.
func (m *Message) ClearReaction(userID, emoji string) bool {
	for i, r := range m.Reactions {
		if r.UserID == userID && (emoji == "" || r.Emoji == emoji) {
			m.Reactions = slices.Delete(m.Reactions, i, i+1)
			return true
		}
	}
	return false
}

// Less orders messages by CreatedAt, then by ID for equal timestamps.
func Less(a, b *Message) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}
