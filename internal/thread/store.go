package thread

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/model"
	"github.com/matheus3301/msgsync/internal/status"
)

var (
	// ErrDuplicate is returned when inserting an id that is already present.
	ErrDuplicate = errors.New("message already exists")
	// ErrUnknownMessage is returned when an operation references an id the
	// store has not seen yet.
	ErrUnknownMessage = errors.New("unknown message")
)

// Op names the kind of mutation carried by a Change.
type Op string

const (
	OpInserted Op = "inserted"
	OpPromoted Op = "promoted"
	OpUpdated  Op = "updated"
	OpRemoved  Op = "removed"
)

// Change is the payload of bus.KindThreadChanged events.
type Change struct {
	ConversationID string
	MessageID      string
	TempID         string
	Op             Op
}

// conversation holds the two partitions of one conversation.
type conversation struct {
	confirmed  map[string]*model.Message
	optimistic map[string]*model.Message
	tombstones map[string]struct{}
}

func newConversation() *conversation {
	return &conversation{
		confirmed:  make(map[string]*model.Message),
		optimistic: make(map[string]*model.Message),
		tombstones: make(map[string]struct{}),
	}
}

func (c *conversation) lookup(id string) (*model.Message, bool) {
	if m, ok := c.confirmed[id]; ok {
		return m, true
	}
	m, ok := c.optimistic[id]
	return m, ok
}

// Store is the in-memory authoritative state of every open conversation.
// All mutation goes through its methods; a single mutex makes each method
// atomic with respect to readers, and no method performs I/O while holding it.
type Store struct {
	mu    sync.RWMutex
	me    string
	convs map[string]*conversation
	bus   *bus.Bus
}

// NewStore creates a store for the authenticated user me. b may be nil.
func NewStore(me string, b *bus.Bus) *Store {
	return &Store{
		me:    me,
		convs: make(map[string]*conversation),
		bus:   b,
	}
}

// Me returns the authenticated user id.
func (s *Store) Me() string { return s.me }

func (s *Store) conv(id string) *conversation {
	c, ok := s.convs[id]
	if !ok {
		c = newConversation()
		s.convs[id] = c
	}
	return c
}

// InsertOptimistic adds a locally originated message that the server has not
// confirmed yet.
func (s *Store) InsertOptimistic(m model.Message) error {
	if m.ID == "" || m.ConversationID == "" {
		return fmt.Errorf("insert optimistic: id and conversation id are required")
	}
	if m.Status == "" {
		m.Status = status.Sending
	}
	if m.Status.Confirmed() {
		return fmt.Errorf("insert optimistic %s: status %s is not pending", m.ID, m.Status)
	}

	s.mu.Lock()
	c := s.conv(m.ConversationID)
	if _, ok := c.lookup(m.ID); ok {
		s.mu.Unlock()
		return fmt.Errorf("insert optimistic %s: %w", m.ID, ErrDuplicate)
	}
	msg := m.Clone()
	c.optimistic[m.ID] = &msg
	s.mu.Unlock()

	s.notify(Change{ConversationID: m.ConversationID, MessageID: m.ID, Op: OpInserted})
	return nil
}

// Promote replaces the optimistic entry tempID with its confirmed form in one
// step. It tolerates an echo having already done the promotion and a
// canonical entry already present; statuses never regress.
func (s *Store) Promote(tempID string, confirmed model.Message) (model.Message, error) {
	if confirmed.ID == "" || confirmed.ConversationID == "" {
		return model.Message{}, fmt.Errorf("promote %s: confirmed message needs id and conversation id", tempID)
	}

	s.mu.Lock()
	c := s.conv(confirmed.ConversationID)
	if _, gone := c.tombstones[confirmed.ID]; gone {
		delete(c.optimistic, tempID)
		s.mu.Unlock()
		s.notify(Change{ConversationID: confirmed.ConversationID, MessageID: confirmed.ID, TempID: tempID, Op: OpRemoved})
		return model.Message{}, fmt.Errorf("promote %s: %w", confirmed.ID, ErrUnknownMessage)
	}
	msg := s.promoteLocked(c, tempID, confirmed)
	out := msg.Clone()
	s.mu.Unlock()

	s.notify(Change{ConversationID: confirmed.ConversationID, MessageID: confirmed.ID, TempID: tempID, Op: OpPromoted})
	return out, nil
}

func (s *Store) promoteLocked(c *conversation, tempID string, confirmed model.Message) *model.Message {
	msg := confirmed.Clone()
	msg.TempID = tempID
	msg.LastError, msg.Terminal = "", false
	msg.Status = status.Max(msg.Status, status.Sent)

	if local, ok := c.optimistic[tempID]; ok {
		// Keep local fields the server may omit in its response.
		if msg.SenderID == "" {
			msg.SenderID = local.SenderID
		}
		if msg.CreatedAt == 0 {
			msg.CreatedAt = local.CreatedAt
		}
		if msg.Attachment == nil && local.Attachment != nil {
			a := *local.Attachment
			msg.Attachment = &a
		}
		if msg.ReplyToID == "" {
			msg.ReplyToID = local.ReplyToID
		}
		delete(c.optimistic, tempID)
	}
	if existing, ok := c.confirmed[msg.ID]; ok {
		mergeConfirmed(existing, &msg)
		return existing
	}
	c.confirmed[msg.ID] = &msg
	return &msg
}

// mergeConfirmed folds incoming into existing without regressing status or
// losing reactions/pins learned from earlier events.
func mergeConfirmed(existing, incoming *model.Message) {
	existing.Status = status.Max(existing.Status, incoming.Status)
	if incoming.TempID != "" {
		existing.TempID = incoming.TempID
	}
	if incoming.EditedAt > existing.EditedAt {
		existing.Content = incoming.Content
		existing.EditedAt = incoming.EditedAt
	}
	if existing.Attachment == nil && incoming.Attachment != nil {
		a := *incoming.Attachment
		existing.Attachment = &a
	}
	if existing.CreatedAt == 0 {
		existing.CreatedAt = incoming.CreatedAt
	}
	if existing.SenderID == "" {
		existing.SenderID = incoming.SenderID
	}
	if len(incoming.Reactions) > 0 && len(existing.Reactions) == 0 {
		existing.Reactions = slices.Clone(incoming.Reactions)
	}
}

// InsertConfirmed adds or merges a server-confirmed message. Returns false
// when nothing changed (already known, or tombstoned).
func (s *Store) InsertConfirmed(m model.Message) bool {
	if m.ID == "" || m.ConversationID == "" {
		return false
	}
	m.Status = status.Max(m.Status, status.Sent)

	s.mu.Lock()
	c := s.conv(m.ConversationID)
	if _, gone := c.tombstones[m.ID]; gone {
		s.mu.Unlock()
		return false
	}
	if existing, ok := c.confirmed[m.ID]; ok {
		before := existing.Clone()
		mergeConfirmed(existing, &m)
		changed := !equalMessage(&before, existing)
		s.mu.Unlock()
		if changed {
			s.notify(Change{ConversationID: m.ConversationID, MessageID: m.ID, Op: OpUpdated})
		}
		return changed
	}
	msg := m.Clone()
	c.confirmed[m.ID] = &msg
	s.mu.Unlock()

	s.notify(Change{ConversationID: m.ConversationID, MessageID: m.ID, Op: OpInserted})
	return true
}

// Get returns a copy of one message from either partition.
func (s *Store) Get(conversationID, id string) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return model.Message{}, false
	}
	m, ok := c.lookup(id)
	if !ok {
		return model.Message{}, false
	}
	return m.Clone(), true
}

// Confirmed returns the server-confirmed message that was sent under
// tempID, if the send has already been acknowledged or echoed.
func (s *Store) Confirmed(conversationID, tempID string) (model.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[conversationID]
	if !ok || tempID == "" {
		return model.Message{}, false
	}
	for _, m := range c.confirmed {
		if m.TempID == tempID {
			return m.Clone(), true
		}
	}
	return model.Message{}, false
}

// Optimistic reports whether id is still awaiting server confirmation.
func (s *Store) Optimistic(conversationID, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return false
	}
	_, ok = c.optimistic[id]
	return ok
}

// Merged returns the conversation as subscribers see it: both partitions,
// one entry per id with confirmed winning, ascending by CreatedAt then ID.
func (s *Store) Merged(conversationID string) []model.Message {
	s.mu.RLock()
	c, ok := s.convs[conversationID]
	if !ok {
		s.mu.RUnlock()
		return nil
	}
	out := make([]model.Message, 0, len(c.confirmed)+len(c.optimistic))
	for _, m := range c.confirmed {
		out = append(out, m.Clone())
	}
	for id, m := range c.optimistic {
		if _, dup := c.confirmed[id]; dup {
			continue
		}
		out = append(out, m.Clone())
	}
	s.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b model.Message) int {
		switch {
		case model.Less(&a, &b):
			return -1
		case model.Less(&b, &a):
			return 1
		default:
			return 0
		}
	})
	return out
}

// Conversations lists the ids of conversations the store knows about.
func (s *Store) Conversations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.convs))
	for id := range s.convs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// SetStatus moves a message through the lifecycle machine. Re-applying the
// current or an older state is a no-op. lastError and terminal are recorded
// when moving to Failed and cleared otherwise.
func (s *Store) SetStatus(conversationID, id string, to status.Status, lastError string, terminal bool) error {
	s.mu.Lock()
	c, ok := s.convs[conversationID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("set status %s: %w", id, ErrUnknownMessage)
	}
	m, ok := c.lookup(id)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("set status %s: %w", id, ErrUnknownMessage)
	}
	next, changed, err := status.Transition(m.Status, to)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("set status %s: %w", id, err)
	}
	if to == status.Failed && m.Status == status.Failed && (m.LastError != lastError || m.Terminal != terminal) {
		changed = true
	}
	if changed {
		m.Status = next
		if next == status.Failed {
			m.LastError, m.Terminal = lastError, terminal
		} else {
			m.LastError, m.Terminal = "", false
		}
	}
	s.mu.Unlock()

	if changed {
		s.notify(Change{ConversationID: conversationID, MessageID: id, Op: OpUpdated})
	}
	return nil
}

// Remove deletes a message from both partitions and tombstones its id so a
// late replay cannot bring it back. Returns whether anything was removed.
func (s *Store) Remove(conversationID, id string) bool {
	s.mu.Lock()
	c := s.conv(conversationID)
	removed := s.removeLocked(c, id)
	s.mu.Unlock()

	if removed {
		s.notify(Change{ConversationID: conversationID, MessageID: id, Op: OpRemoved})
	}
	return removed
}

func (s *Store) removeLocked(c *conversation, id string) bool {
	_, inConfirmed := c.confirmed[id]
	_, inOptimistic := c.optimistic[id]
	delete(c.confirmed, id)
	delete(c.optimistic, id)
	c.tombstones[id] = struct{}{}
	return inConfirmed || inOptimistic
}

// Discard drops an optimistic message that was never confirmed. Unlike
// Remove it leaves no tombstone, since the id was only ever local.
func (s *Store) Discard(conversationID, tempID string) bool {
	s.mu.Lock()
	c, ok := s.convs[conversationID]
	var removed bool
	if ok {
		_, removed = c.optimistic[tempID]
		delete(c.optimistic, tempID)
	}
	s.mu.Unlock()

	if removed {
		s.notify(Change{ConversationID: conversationID, MessageID: tempID, Op: OpRemoved})
	}
	return removed
}

// SetReaction records the current user's own reaction after a toggle
// round-trip with the backend. removed clears it instead.
func (s *Store) SetReaction(conversationID, id, emoji string, removed bool) error {
	s.mu.Lock()
	c, ok := s.convs[conversationID]
	var m *model.Message
	if ok {
		m, ok = c.lookup(id)
	}
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("set reaction %s: %w", id, ErrUnknownMessage)
	}
	var changed bool
	if removed {
		changed = m.ClearReaction(s.me, "")
	} else {
		changed = m.SetReaction(s.me, emoji)
	}
	s.mu.Unlock()

	if changed {
		s.notify(Change{ConversationID: conversationID, MessageID: id, Op: OpUpdated})
	}
	return nil
}

func (s *Store) notify(c Change) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{
		Kind:      bus.KindThreadChanged,
		Timestamp: time.Now(),
		Payload:   c,
	})
}

func equalMessage(a, b *model.Message) bool {
	if a.Status != b.Status || a.Content != b.Content || a.EditedAt != b.EditedAt ||
		a.Pinned != b.Pinned || a.CreatedAt != b.CreatedAt || a.SenderID != b.SenderID ||
		a.TempID != b.TempID || (a.Attachment == nil) != (b.Attachment == nil) {
		return false
	}
	return slices.Equal(a.Reactions, b.Reactions)
}
