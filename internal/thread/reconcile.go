package thread

import (
	"fmt"

	"github.com/matheus3301/msgsync/internal/errs"
	"github.com/matheus3301/msgsync/internal/event"
	"github.com/matheus3301/msgsync/internal/model"
	"github.com/matheus3301/msgsync/internal/status"
)

// SendResult is the completion of one send attempt for an optimistic message.
// Message is the server-confirmed form and is only meaningful when Err is nil.
type SendResult struct {
	TempID         string
	ConversationID string
	Message        model.Message
	Err            error
}

// ApplySendResult settles an attempt: success promotes the optimistic entry,
// failure marks it Failed with the error text. Non-retriable rejections are
// recorded as terminal.
func (s *Store) ApplySendResult(r SendResult) (model.Message, error) {
	if r.Err == nil {
		if r.Message.ConversationID == "" {
			r.Message.ConversationID = r.ConversationID
		}
		return s.Promote(r.TempID, r.Message)
	}
	terminal := !errs.IsRetriable(r.Err)
	if err := s.SetStatus(r.ConversationID, r.TempID, status.Failed, r.Err.Error(), terminal); err != nil {
		return model.Message{}, err
	}
	m, _ := s.Get(r.ConversationID, r.TempID)
	return m, nil
}

// Apply reconciles one push event into the store. Events that reference an
// id the store does not hold return ErrUnknownMessage so the caller can
// buffer them; unknown event types are ignored.
func (s *Store) Apply(ev event.Event) error {
	switch e := ev.(type) {
	case event.NewMessage:
		s.applyNewMessage(e.Message)
		return nil
	case event.Delivered:
		return s.applyDelivered(e)
	case event.ReadReceipt:
		s.applyRead(e)
		return nil
	case event.ReactionAdded:
		return s.mutate(e.ConversationID, e.MessageID, func(m *model.Message) bool {
			return m.SetReaction(e.UserID, e.Emoji)
		})
	case event.ReactionRemoved:
		return s.mutate(e.ConversationID, e.MessageID, func(m *model.Message) bool {
			return m.ClearReaction(e.UserID, e.Emoji)
		})
	case event.Deleted:
		s.Remove(e.ConversationID, e.MessageID)
		return nil
	case event.Edited:
		return s.applyEdited(e)
	case event.PinChanged:
		return s.mutate(e.ConversationID, e.MessageID, func(m *model.Message) bool {
			if m.Pinned == e.Pinned {
				return false
			}
			m.Pinned = e.Pinned
			return true
		})
	default:
		return nil
	}
}

func (s *Store) applyNewMessage(m model.Message) {
	if m.TempID == "" {
		s.InsertConfirmed(m)
		return
	}

	s.mu.Lock()
	c := s.conv(m.ConversationID)
	if _, gone := c.tombstones[m.ID]; gone {
		s.mu.Unlock()
		return
	}
	_, hadTemp := c.optimistic[m.TempID]
	if !hadTemp {
		s.mu.Unlock()
		s.InsertConfirmed(m)
		return
	}
	s.promoteLocked(c, m.TempID, m)
	s.mu.Unlock()

	s.notify(Change{ConversationID: m.ConversationID, MessageID: m.ID, TempID: m.TempID, Op: OpPromoted})
}

func (s *Store) applyDelivered(e event.Delivered) error {
	s.mu.Lock()
	c, ok := s.convs[e.ConversationID]
	var m *model.Message
	if ok {
		m, ok = c.confirmed[e.MessageID]
	}
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("delivered %s: %w", e.MessageID, ErrUnknownMessage)
	}
	next, changed, err := status.Transition(m.Status, status.Delivered)
	if err == nil && changed {
		m.Status = next
	}
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("delivered %s: %w", e.MessageID, err)
	}
	if changed {
		s.notify(Change{ConversationID: e.ConversationID, MessageID: e.MessageID, Op: OpUpdated})
	}
	return nil
}

// applyRead advances the read watermark over the current user's messages.
// A receipt for our own reads carries no status for our outgoing messages.
func (s *Store) applyRead(e event.ReadReceipt) {
	if e.ReaderID != "" && e.ReaderID == s.me {
		return
	}

	var changed []string
	s.mu.Lock()
	if c, ok := s.convs[e.ConversationID]; ok {
		for id, m := range c.confirmed {
			if !m.IsMine(s.me) {
				continue
			}
			if e.UpTo > 0 && m.CreatedAt > e.UpTo {
				continue
			}
			if m.Status != status.Sent && m.Status != status.Delivered {
				continue
			}
			m.Status = status.Read
			changed = append(changed, id)
		}
	}
	s.mu.Unlock()

	for _, id := range changed {
		s.notify(Change{ConversationID: e.ConversationID, MessageID: id, Op: OpUpdated})
	}
}

func (s *Store) applyEdited(e event.Edited) error {
	return s.mutate(e.ConversationID, e.MessageID, func(m *model.Message) bool {
		if e.EditedAt != 0 && e.EditedAt < m.EditedAt {
			return false
		}
		if m.Content == e.Content && m.EditedAt == e.EditedAt {
			return false
		}
		m.Content = e.Content
		if e.EditedAt > m.EditedAt {
			m.EditedAt = e.EditedAt
		}
		return true
	})
}

// mutate applies fn to a confirmed message under the lock and publishes a
// change when fn reports one.
func (s *Store) mutate(conversationID, id string, fn func(*model.Message) bool) error {
	s.mu.Lock()
	c, ok := s.convs[conversationID]
	var m *model.Message
	if ok {
		m, ok = c.confirmed[id]
	}
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("apply to %s: %w", id, ErrUnknownMessage)
	}
	changed := fn(m)
	s.mu.Unlock()

	if changed {
		s.notify(Change{ConversationID: conversationID, MessageID: id, Op: OpUpdated})
	}
	return nil
}
