package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	gosync "sync"
	"time"

	"github.com/matheus3301/msgsync/internal/api"
	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/event"
	"github.com/matheus3301/msgsync/internal/metrics"
	"github.com/matheus3301/msgsync/internal/model"
	"github.com/matheus3301/msgsync/internal/outbox"
	"github.com/matheus3301/msgsync/internal/push"
	"github.com/matheus3301/msgsync/internal/queue"
	"github.com/matheus3301/msgsync/internal/status"
	"github.com/matheus3301/msgsync/internal/thread"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// ErrDiscarded resolves the Pending of a message the user discarded before
// it was sent.
var ErrDiscarded = errors.New("message discarded")

// Config tunes the engine.
type Config struct {
	PendingTTL   time.Duration
	PendingLimit int
}

// Pending is the eventual outcome of a Send.
type Pending struct {
	TempID string

	ch     chan thread.SendResult
	done   chan struct{}
	once   gosync.Once
	result thread.SendResult
}

func newPending(tempID string) *Pending {
	return &Pending{
		TempID: tempID,
		ch:     make(chan thread.SendResult, 1),
		done:   make(chan struct{}),
	}
}

func (p *Pending) resolve(r thread.SendResult) {
	p.once.Do(func() {
		p.result = r
		p.ch <- r
		close(p.ch)
		close(p.done)
	})
}

// Done yields the result of the first send attempt once it completes.
func (p *Pending) Done() <-chan thread.SendResult { return p.ch }

// Wait blocks until the first attempt completes or ctx ends.
func (p *Pending) Wait(ctx context.Context) (thread.SendResult, error) {
	select {
	case <-p.done:
		return p.result, nil
	case <-ctx.Done():
		return thread.SendResult{}, ctx.Err()
	}
}

// Engine is the entry point the host application uses to send messages and
// read conversations. It owns the optimistic send path, applies push events
// to the store, and buffers events that arrive before their message.
type Engine struct {
	store      *thread.Store
	queue      queue.Queue
	scheduler  *outbox.Scheduler
	backend    api.Backend
	machine    *status.Machine
	reconciler *Reconciler
	bus        *bus.Bus
	logger     *zap.Logger

	pending *pendingBuffer

	mu      gosync.Mutex
	waiting map[string]*Pending
	cancel  context.CancelFunc
}

// NewEngine wires the engine. reconciler may be nil.
func NewEngine(cfg Config, s *thread.Store, q queue.Queue, sched *outbox.Scheduler, backend api.Backend,
	m *status.Machine, reconciler *Reconciler, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 30 * time.Second
	}
	if cfg.PendingLimit <= 0 {
		cfg.PendingLimit = 1024
	}
	e := &Engine{
		store:      s,
		queue:      q,
		scheduler:  sched,
		backend:    backend,
		machine:    m,
		reconciler: reconciler,
		bus:        b,
		logger:     logger,
		pending:    newPendingBuffer(cfg.PendingTTL, cfg.PendingLimit),
		waiting:    make(map[string]*Pending),
	}
	if sched != nil {
		sched.OnSent(func(a outbox.SendAck) {
			e.replay(context.Background(), a.ConversationID, a.MessageID)
		})
	}
	return e
}

// Start follows outbox results and store insertions on the bus. Outbox
// results resolve Pendings of queued sends; insertions replay buffered
// events.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	outcomes, unsubOutcomes := e.bus.Subscribe("outbox.", 256)
	changes, unsubChanges := e.bus.Subscribe(bus.KindThreadChanged, 1024)

	go func() {
		defer unsubOutcomes()
		defer unsubChanges()
		for {
			select {
			case evt := <-outcomes:
				e.handleOutcome(evt)
			case evt := <-changes:
				c, ok := evt.Payload.(thread.Change)
				if ok && (c.Op == thread.OpInserted || c.Op == thread.OpPromoted) {
					e.replay(ctx, c.ConversationID, c.MessageID)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops following the bus.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) online() bool {
	return e.machine != nil && e.machine.Current() == status.Connected
}

// newTempID returns a client id that sorts by creation time.
func newTempID() string {
	return "tmp_" + strings.ToLower(ulid.Make().String())
}

// Send posts a text message. The returned message is already visible in
// the conversation; the Pending reports how the first attempt went.
func (e *Engine) Send(ctx context.Context, conversationID, content, replyToID string) (model.Message, *Pending, error) {
	if conversationID == "" {
		return model.Message{}, nil, errors.New("send: conversation id is required")
	}
	if strings.TrimSpace(content) == "" {
		return model.Message{}, nil, errors.New("send: content is empty")
	}
	return e.send(ctx, model.Message{
		ConversationID: conversationID,
		Content:        content,
		ReplyToID:      replyToID,
	})
}

// SendAttachment posts a message carrying already-uploaded media.
func (e *Engine) SendAttachment(ctx context.Context, conversationID, content string, att model.Attachment, replyToID string) (model.Message, *Pending, error) {
	if conversationID == "" {
		return model.Message{}, nil, errors.New("send attachment: conversation id is required")
	}
	if att.URL == "" {
		return model.Message{}, nil, errors.New("send attachment: url is required")
	}
	if att.Kind == "" {
		att.Kind = model.KindFile
	}
	return e.send(ctx, model.Message{
		ConversationID: conversationID,
		Content:        content,
		ReplyToID:      replyToID,
		Attachment:     &att,
	})
}

func (e *Engine) send(ctx context.Context, m model.Message) (model.Message, *Pending, error) {
	m.ID = newTempID()
	m.SenderID = e.store.Me()
	m.CreatedAt = time.Now().UnixMilli()
	online := e.online()
	if online {
		m.Status = status.Sending
	} else {
		m.Status = status.Queued
	}

	if err := e.store.InsertOptimistic(m); err != nil {
		return model.Message{}, nil, fmt.Errorf("send: %w", err)
	}
	p := newPending(m.ID)

	// Write-ahead: the record exists before the request goes out, so a kill
	// mid-send leaves it queued for the next start.
	rec := queue.FromMessage(m)
	persisted := true
	if err := e.queue.Enqueue(ctx, rec); err != nil {
		persisted = false
		metrics.QueueErrors.WithLabelValues("enqueue").Inc()
		e.logger.Error("message not persisted; it will not survive a restart",
			zap.String("temp_id", m.ID), zap.Error(err))
	}

	if !online {
		if !persisted {
			// Nothing would pick it up on reconnect; surface it for a manual retry.
			failure := thread.SendResult{
				TempID: m.ID, ConversationID: m.ConversationID,
				Err: errors.New("not persisted while offline"),
			}
			_ = e.store.SetStatus(m.ConversationID, m.ID, status.Sending, "", false)
			_, _ = e.store.ApplySendResult(failure)
			p.resolve(failure)
		} else {
			e.track(p)
		}
		current, _ := e.store.Get(m.ConversationID, m.ID)
		return current, p, nil
	}

	sendCtx := context.WithoutCancel(ctx)
	go func() {
		confirmed, err := e.scheduler.Submit(sendCtx, rec)
		if errors.Is(err, queue.ErrNotFound) {
			err = ErrDiscarded
		}
		p.resolve(thread.SendResult{
			TempID:         m.ID,
			ConversationID: m.ConversationID,
			Message:        confirmed,
			Err:            err,
		})
	}()
	return m, p, nil
}

func (e *Engine) track(p *Pending) {
	e.mu.Lock()
	e.waiting[p.TempID] = p
	e.mu.Unlock()
}

func (e *Engine) untrack(tempID string) *Pending {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.waiting[tempID]
	delete(e.waiting, tempID)
	return p
}

func (e *Engine) handleOutcome(evt bus.Event) {
	switch o := evt.Payload.(type) {
	case outbox.SendAck:
		if p := e.untrack(o.TempID); p != nil {
			m, _ := e.store.Get(o.ConversationID, o.MessageID)
			p.resolve(thread.SendResult{TempID: o.TempID, ConversationID: o.ConversationID, Message: m})
		}
	case outbox.SendFailure:
		if p := e.untrack(o.TempID); p != nil {
			p.resolve(thread.SendResult{TempID: o.TempID, ConversationID: o.ConversationID, Err: errors.New(o.Error)})
		}
	case outbox.Drained:
		if e.reconciler != nil {
			e.reconciler.MarkTime(CheckpointLastDrain, o.ConversationID, evt.Timestamp)
		}
	}
}

// Retry resends a failed or queued message now, including one a previous
// attempt marked as permanently rejected.
func (e *Engine) Retry(ctx context.Context, conversationID, tempID string) (model.Message, error) {
	_, ok, err := e.queue.Get(ctx, tempID)
	if err != nil {
		return model.Message{}, fmt.Errorf("retry: %w", err)
	}
	if !ok {
		// The record never made it to disk; rebuild it from the store.
		m, found := e.store.Get(conversationID, tempID)
		if !found || !e.store.Optimistic(conversationID, tempID) {
			return model.Message{}, fmt.Errorf("retry %s: %w", tempID, thread.ErrUnknownMessage)
		}
		if err := e.queue.Enqueue(ctx, queue.FromMessage(m)); err != nil {
			return model.Message{}, fmt.Errorf("retry: %w", err)
		}
	}
	return e.scheduler.Retry(ctx, tempID)
}

// Discard drops an unsent message and its queue record.
func (e *Engine) Discard(ctx context.Context, conversationID, tempID string) error {
	if !e.store.Optimistic(conversationID, tempID) {
		return fmt.Errorf("discard %s: %w", tempID, thread.ErrUnknownMessage)
	}
	if err := e.queue.Remove(ctx, tempID); err != nil {
		return fmt.Errorf("discard: %w", err)
	}
	e.store.Discard(conversationID, tempID)
	if p := e.untrack(tempID); p != nil {
		p.resolve(thread.SendResult{TempID: tempID, ConversationID: conversationID, Err: ErrDiscarded})
	}
	return nil
}

// Delete removes a message. Unsent messages are discarded locally; sent
// ones are deleted on the server first.
func (e *Engine) Delete(ctx context.Context, conversationID, messageID string) error {
	if e.store.Optimistic(conversationID, messageID) {
		return e.Discard(ctx, conversationID, messageID)
	}
	if _, ok := e.store.Get(conversationID, messageID); !ok {
		return fmt.Errorf("delete %s: %w", messageID, thread.ErrUnknownMessage)
	}
	if err := e.backend.DeleteMessage(ctx, messageID); err != nil {
		return fmt.Errorf("delete %s: %w", messageID, err)
	}
	e.store.Remove(conversationID, messageID)
	return nil
}

// MarkAsRead tells the server the user has read the conversation.
func (e *Engine) MarkAsRead(ctx context.Context, conversationID string) error {
	if err := e.backend.MarkAsRead(ctx, conversationID); err != nil {
		return fmt.Errorf("mark as read %s: %w", conversationID, err)
	}
	return nil
}

// ToggleReaction adds emoji as the user's reaction, or removes it if it is
// already there. The store follows what the server reports.
func (e *Engine) ToggleReaction(ctx context.Context, conversationID, messageID, emoji string) (api.ReactionResult, error) {
	if _, ok := e.store.Get(conversationID, messageID); !ok {
		return api.ReactionResult{}, fmt.Errorf("react %s: %w", messageID, thread.ErrUnknownMessage)
	}
	res, err := e.backend.AddReaction(ctx, messageID, emoji)
	if err != nil {
		return api.ReactionResult{}, fmt.Errorf("react %s: %w", messageID, err)
	}
	if res.Removed {
		err = e.store.SetReaction(conversationID, messageID, "", true)
	} else {
		applied := emoji
		if res.Reaction != nil && res.Reaction.Emoji != "" {
			applied = res.Reaction.Emoji
		}
		err = e.store.SetReaction(conversationID, messageID, applied, false)
	}
	return res, err
}

// Messages returns the merged, ordered view of a conversation.
func (e *Engine) Messages(conversationID string) []model.Message {
	return e.store.Merged(conversationID)
}

// Subscribe delivers a thread.Change for every store mutation. Call the
// returned function to stop.
func (e *Engine) Subscribe(bufSize int) (<-chan bus.Event, func()) {
	return e.bus.Subscribe(bus.KindThreadChanged, bufSize)
}

// Restore loads queued records into the store so unsent messages from a
// previous run are visible and will be drained on the next reconnect.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	recs, err := e.queue.DequeueAll(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("restore: %w", err)
	}
	n := 0
	for _, rec := range recs {
		err := e.store.InsertOptimistic(rec.Message(e.store.Me()))
		if errors.Is(err, thread.ErrDuplicate) {
			continue
		}
		if err != nil {
			e.logger.Warn("skipping unrestorable record", zap.String("temp_id", rec.ID), zap.Error(err))
			continue
		}
		n++
	}
	metrics.QueueDepth.Set(float64(len(recs)))
	e.logger.Info("restored queued messages", zap.Int("count", n))
	return n, nil
}

// Register subscribes the engine to every event type it consumes.
func (e *Engine) Register(d *push.Dispatcher) {
	for _, t := range []string{
		event.TypeNewMessage,
		event.TypeMessageDelivered,
		event.TypeMessageRead,
		event.TypeReaction,
		event.TypeReactionRemoved,
		event.TypeMessageDeleted,
		event.TypeMessageEdited,
		event.TypeMessagePinned,
		event.TypeMessageUnpinned,
	} {
		d.On(t, e.HandleEvent)
	}
}

// HandleEvent applies one push event. Events for messages the store does
// not hold yet are buffered and replayed when the message appears.
func (e *Engine) HandleEvent(ctx context.Context, ev event.Event) error {
	err := e.store.Apply(ev)
	switch {
	case errors.Is(err, thread.ErrUnknownMessage):
		t, ok := ev.(event.Targeted)
		if !ok {
			return nil
		}
		if e.pending.add(t, time.Now()) {
			metrics.EventsExpired.Inc()
		}
		metrics.EventsBuffered.Set(float64(e.pending.len()))
		// The message may have landed between Apply and add.
		if _, ok := e.store.Get(t.Conversation(), t.Target()); ok {
			e.replay(ctx, t.Conversation(), t.Target())
		}
		return nil
	case err != nil:
		return err
	}

	metrics.EventsApplied.WithLabelValues(ev.Type()).Inc()
	if e.reconciler != nil {
		now := time.Now()
		e.reconciler.MarkTime(CheckpointLastEvent, "", now)
		e.reconciler.MarkTime(CheckpointLastEvent, ev.Conversation(), now)
	}
	switch v := ev.(type) {
	case event.NewMessage:
		e.replay(ctx, v.Message.ConversationID, v.Message.ID)
	case event.Deleted:
		if err := e.queue.Remove(ctx, v.MessageID); err != nil {
			metrics.QueueErrors.WithLabelValues("remove").Inc()
			e.logger.Warn("failed to remove record of deleted message", zap.String("message_id", v.MessageID), zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) replay(ctx context.Context, conversationID, messageID string) {
	evs := e.pending.take(conversationID, messageID)
	if len(evs) == 0 {
		return
	}
	metrics.EventsBuffered.Set(float64(e.pending.len()))
	for _, ev := range evs {
		if err := e.store.Apply(ev); err != nil {
			e.logger.Debug("buffered event not applied", zap.String("type", ev.Type()), zap.Error(err))
			continue
		}
		metrics.EventsApplied.WithLabelValues(ev.Type()).Inc()
	}
	e.logger.Debug("replayed buffered events",
		zap.String("conversation_id", conversationID),
		zap.String("message_id", messageID),
		zap.Int("count", len(evs)))
}

// SweepPending drops buffered events older than the configured wait.
func (e *Engine) SweepPending(now time.Time) int {
	n := e.pending.sweep(now)
	if n > 0 {
		metrics.EventsExpired.Add(float64(n))
		e.logger.Debug("dropped expired buffered events", zap.Int("count", n))
	}
	metrics.EventsBuffered.Set(float64(e.pending.len()))
	return n
}

// PendingEvents returns how many events are waiting for their message.
func (e *Engine) PendingEvents() int {
	return e.pending.len()
}
