package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/msgsync/internal/api"
	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/errs"
	"github.com/matheus3301/msgsync/internal/metrics"
	"github.com/matheus3301/msgsync/internal/model"
	"github.com/matheus3301/msgsync/internal/queue"
	"github.com/matheus3301/msgsync/internal/status"
	"github.com/matheus3301/msgsync/internal/thread"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// SendAck is the payload of bus.KindSendAck.
type SendAck struct {
	ConversationID string
	TempID         string
	MessageID      string
}

// SendFailure is the payload of bus.KindSendFailed.
type SendFailure struct {
	ConversationID string
	TempID         string
	Error          string
	Terminal       bool
	RetryCount     int
}

// Drained is the payload of bus.KindDrained, published after each pass.
type Drained struct {
	ConversationID string
	Sent           int
	Remaining      int
}

// lane serializes sends within one conversation.
type lane struct {
	mu      sync.Mutex
	waiting atomic.Bool
}

// Scheduler sends queued messages. Conversations drain in parallel; the
// records of one conversation go out one at a time in enqueue order, and
// direct sends share the same lane so they never interleave with a drain.
type Scheduler struct {
	queue   queue.Queue
	store   *thread.Store
	backend api.Backend
	bus     *bus.Bus
	logger  *zap.Logger
	limit   int

	mu     sync.Mutex
	lanes  map[string]*lane
	onSent []func(SendAck)
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler. concurrency bounds how many
// conversations drain at once; 0 means unbounded.
func NewScheduler(q queue.Queue, s *thread.Store, backend api.Backend, b *bus.Bus, concurrency int, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		queue:   q,
		store:   s,
		backend: backend,
		bus:     b,
		logger:  logger,
		limit:   concurrency,
		lanes:   make(map[string]*lane),
	}
}

// Start drains the queue on every transition into the connected state.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	ch, unsub := s.bus.Subscribe(bus.KindConnState, 16)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				change, ok := evt.Payload.(status.ConnChange)
				if !ok || !change.Online() {
					continue
				}
				go func() {
					if err := s.Online(ctx); err != nil && ctx.Err() == nil {
						s.logger.Error("drain after reconnect failed", zap.Error(err))
					}
				}()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops reacting to connection changes. Passes already running finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Scheduler) lane(conversationID string) *lane {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lanes[conversationID]
	if !ok {
		l = &lane{}
		s.lanes[conversationID] = l
	}
	return l
}

// OnSent registers fn to run after every confirmed send, once the store
// holds the confirmed message. fn runs on the sending goroutine.
func (s *Scheduler) OnSent(fn func(SendAck)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSent = append(s.onSent, fn)
}

// Online drains every conversation that has queued records.
func (s *Scheduler) Online(ctx context.Context) error {
	convs, err := s.queue.Conversations(ctx)
	if err != nil {
		metrics.QueueErrors.WithLabelValues("conversations").Inc()
		return fmt.Errorf("list queued conversations: %w", err)
	}
	metrics.DrainPasses.Inc()

	var g errgroup.Group
	if s.limit > 0 {
		g.SetLimit(s.limit)
	}
	for _, conv := range convs {
		g.Go(func() error {
			return s.Drain(ctx, conv)
		})
	}
	err = g.Wait()
	s.RefreshDepth(ctx)
	return err
}

// Drain runs one pass over a conversation's records. If a pass is already
// running, one more pass is scheduled after it; further calls while that
// one waits are absorbed by it.
func (s *Scheduler) Drain(ctx context.Context, conversationID string) error {
	l := s.lane(conversationID)
	if !l.waiting.CompareAndSwap(false, true) {
		return nil
	}
	l.mu.Lock()
	l.waiting.Store(false)
	defer l.mu.Unlock()

	recs, err := s.queue.DequeueAll(ctx, conversationID)
	if err != nil {
		metrics.QueueErrors.WithLabelValues("dequeue").Inc()
		return fmt.Errorf("drain %s: %w", conversationID, err)
	}

	sent := 0
	remaining := len(recs)
	for _, rec := range recs {
		if rec.Terminal {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		// The record may have been sent or discarded since it was listed.
		cur, ok, err := s.queue.Get(ctx, rec.ID)
		if err != nil {
			metrics.QueueErrors.WithLabelValues("get").Inc()
			return fmt.Errorf("drain %s: %w", conversationID, err)
		}
		if !ok {
			remaining--
			continue
		}
		_, err = s.attempt(ctx, cur)
		if err == nil {
			sent++
			remaining--
			continue
		}
		if errs.IsRetriable(err) {
			// Keep enqueue order: later records wait for this one.
			break
		}
	}

	s.logger.Info("drain pass finished",
		zap.String("conversation_id", conversationID),
		zap.Int("sent", sent),
		zap.Int("remaining", remaining))
	s.publish(bus.KindDrained, Drained{ConversationID: conversationID, Sent: sent, Remaining: remaining})
	return nil
}

// Submit sends one record through its conversation's lane and returns the
// confirmed message. The record is normally already queued (write-ahead);
// if it is not, a failure leaves no record behind. A record that a drain
// pass sent while Submit waited for the lane is not sent again.
func (s *Scheduler) Submit(ctx context.Context, rec queue.Record) (model.Message, error) {
	l := s.lane(rec.ConversationID)
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok, err := s.queue.Get(ctx, rec.ID)
	if err != nil {
		metrics.QueueErrors.WithLabelValues("get").Inc()
		return model.Message{}, fmt.Errorf("submit %s: %w", rec.ID, err)
	}
	if ok {
		rec = cur
	} else {
		if m, sent := s.store.Confirmed(rec.ConversationID, rec.ID); sent {
			return m, nil
		}
		if !s.store.Optimistic(rec.ConversationID, rec.ID) {
			return model.Message{}, fmt.Errorf("submit %s: %w", rec.ID, queue.ErrNotFound)
		}
	}
	return s.attempt(ctx, rec)
}

// Retry sends one record on user request, including records a previous
// attempt marked terminal.
func (s *Scheduler) Retry(ctx context.Context, id string) (model.Message, error) {
	rec, ok, err := s.queue.Get(ctx, id)
	if err != nil {
		return model.Message{}, fmt.Errorf("retry %s: %w", id, err)
	}
	if !ok {
		return model.Message{}, fmt.Errorf("retry %s: %w", id, queue.ErrNotFound)
	}
	return s.Submit(ctx, rec)
}

// attempt performs one send of rec. The caller holds the conversation lane.
// A record whose message is already confirmed, by an echo for instance, is
// settled without a request.
func (s *Scheduler) attempt(ctx context.Context, rec queue.Record) (model.Message, error) {
	if m, sent := s.store.Confirmed(rec.ConversationID, rec.ID); sent {
		if err := s.queue.Remove(ctx, rec.ID); err != nil {
			metrics.QueueErrors.WithLabelValues("remove").Inc()
			s.logger.Error("failed to remove sent record", zap.Error(err), zap.String("temp_id", rec.ID))
		}
		s.logger.Debug("record already confirmed", zap.String("temp_id", rec.ID), zap.String("message_id", m.ID))
		s.acked(SendAck{ConversationID: rec.ConversationID, TempID: rec.ID, MessageID: m.ID})
		return m, nil
	}
	if err := s.markSending(rec); err != nil {
		return model.Message{}, err
	}

	start := time.Now()
	req := api.SendRequest{
		ConversationID: rec.ConversationID,
		ClientTempID:   rec.ID,
		Content:        rec.Content,
		MessageType:    rec.MessageType,
		ReplyToID:      rec.ReplyToID,
		Attachment:     rec.Attachment,
	}
	var (
		msg model.Message
		err error
	)
	if rec.Attachment != nil {
		msg, err = s.backend.SendMessageWithAttachment(ctx, req)
	} else {
		msg, err = s.backend.SendMessage(ctx, req)
	}
	metrics.SendDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		s.fail(ctx, rec, err)
		return model.Message{}, err
	}

	if err := s.queue.Remove(ctx, rec.ID); err != nil {
		metrics.QueueErrors.WithLabelValues("remove").Inc()
		s.logger.Error("failed to remove sent record", zap.Error(err), zap.String("temp_id", rec.ID))
	}
	confirmed, err := s.store.ApplySendResult(thread.SendResult{
		TempID:         rec.ID,
		ConversationID: rec.ConversationID,
		Message:        msg,
	})
	if err != nil {
		// Deleted while in flight; the send itself succeeded.
		s.logger.Debug("send result not applied", zap.Error(err), zap.String("temp_id", rec.ID))
		confirmed = msg
	}
	metrics.SendAttempts.WithLabelValues("sent").Inc()
	s.logger.Info("message sent",
		zap.String("temp_id", rec.ID),
		zap.String("message_id", confirmed.ID),
		zap.String("conversation_id", rec.ConversationID))
	s.acked(SendAck{ConversationID: rec.ConversationID, TempID: rec.ID, MessageID: confirmed.ID})
	return confirmed, nil
}

func (s *Scheduler) acked(ack SendAck) {
	s.mu.Lock()
	hooks := s.onSent
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(ack)
	}
	s.publish(bus.KindSendAck, ack)
}

// markSending moves the optimistic entry to Sending, recreating it from the
// record if the store does not hold it. A temp id that was already promoted
// is never recreated.
func (s *Scheduler) markSending(rec queue.Record) error {
	if _, sent := s.store.Confirmed(rec.ConversationID, rec.ID); sent {
		return fmt.Errorf("mark sending %s: already confirmed", rec.ID)
	}
	if _, ok := s.store.Get(rec.ConversationID, rec.ID); !ok {
		if err := s.store.InsertOptimistic(rec.Message(s.store.Me())); err != nil && !errors.Is(err, thread.ErrDuplicate) {
			return fmt.Errorf("restore %s: %w", rec.ID, err)
		}
	}
	if err := s.store.SetStatus(rec.ConversationID, rec.ID, status.Sending, "", false); err != nil {
		return fmt.Errorf("mark sending %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Scheduler) fail(ctx context.Context, rec queue.Record, sendErr error) {
	terminal := !errs.IsRetriable(sendErr)
	rec.RetryCount++
	rec.LastError = sendErr.Error()
	rec.Terminal = terminal

	if err := s.queue.Update(ctx, rec); err != nil && !errors.Is(err, queue.ErrNotFound) {
		metrics.QueueErrors.WithLabelValues("update").Inc()
		s.logger.Error("failed to record send failure", zap.Error(err), zap.String("temp_id", rec.ID))
	}
	if _, err := s.store.ApplySendResult(thread.SendResult{
		TempID:         rec.ID,
		ConversationID: rec.ConversationID,
		Err:            sendErr,
	}); err != nil {
		s.logger.Debug("failure not applied", zap.Error(err), zap.String("temp_id", rec.ID))
	}

	outcome := "retriable"
	if terminal {
		outcome = "terminal"
	}
	metrics.SendAttempts.WithLabelValues(outcome).Inc()
	s.logger.Warn("failed to send message",
		zap.Error(sendErr),
		zap.String("temp_id", rec.ID),
		zap.Int("retry_count", rec.RetryCount),
		zap.Bool("terminal", terminal))
	s.publish(bus.KindSendFailed, SendFailure{
		ConversationID: rec.ConversationID,
		TempID:         rec.ID,
		Error:          rec.LastError,
		Terminal:       terminal,
		RetryCount:     rec.RetryCount,
	})
}

// RefreshDepth updates the queue depth gauge.
func (s *Scheduler) RefreshDepth(ctx context.Context) {
	recs, err := s.queue.DequeueAll(ctx, "")
	if err != nil {
		metrics.QueueErrors.WithLabelValues("dequeue").Inc()
		return
	}
	metrics.QueueDepth.Set(float64(len(recs)))
}

func (s *Scheduler) publish(kind string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
