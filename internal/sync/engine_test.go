package sync

import (
	"context"
	"errors"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/matheus3301/msgsync/internal/api"
	"github.com/matheus3301/msgsync/internal/bus"
	"github.com/matheus3301/msgsync/internal/errs"
	"github.com/matheus3301/msgsync/internal/event"
	"github.com/matheus3301/msgsync/internal/model"
	"github.com/matheus3301/msgsync/internal/outbox"
	"github.com/matheus3301/msgsync/internal/queue"
	"github.com/matheus3301/msgsync/internal/status"
	"github.com/matheus3301/msgsync/internal/store"
	"github.com/matheus3301/msgsync/internal/thread"
	"go.uber.org/zap"
)

const me = "u-me"

type fakeBackend struct {
	mu        gosync.Mutex
	sends     []api.SendRequest
	errs      map[string]error // by content
	gate      chan struct{}
	reactions map[string]bool // messageID+emoji -> present
	deleted   []string
	reads     []string
}

func (f *fakeBackend) send(_ context.Context, req api.SendRequest) (model.Message, error) {
	f.mu.Lock()
	f.sends = append(f.sends, req)
	err := f.errs[req.Content]
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return model.Message{}, err
	}
	return model.Message{
		ID:             "srv-" + req.ClientTempID,
		TempID:         req.ClientTempID,
		ConversationID: req.ConversationID,
		SenderID:       me,
		Content:        req.Content,
		CreatedAt:      time.Now().UnixMilli(),
		Status:         status.Sent,
	}, nil
}

func (f *fakeBackend) SendMessage(ctx context.Context, req api.SendRequest) (model.Message, error) {
	return f.send(ctx, req)
}

func (f *fakeBackend) SendMessageWithAttachment(ctx context.Context, req api.SendRequest) (model.Message, error) {
	return f.send(ctx, req)
}

func (f *fakeBackend) MarkAsRead(_ context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, conversationID)
	return nil
}

func (f *fakeBackend) AddReaction(_ context.Context, messageID, emoji string) (api.ReactionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reactions == nil {
		f.reactions = make(map[string]bool)
	}
	key := messageID + emoji
	if f.reactions[key] {
		delete(f.reactions, key)
		return api.ReactionResult{Removed: true}, nil
	}
	f.reactions[key] = true
	return api.ReactionResult{Reaction: &model.Reaction{Emoji: emoji, UserID: me}}, nil
}

func (f *fakeBackend) DeleteMessage(_ context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeBackend) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

type harness struct {
	db      *store.DB
	q       queue.Queue
	bus     *bus.Bus
	store   *thread.Store
	backend *fakeBackend
	machine *status.Machine
	sched   *outbox.Scheduler
	engine  *Engine
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newHarness(t *testing.T, db *store.DB) *harness {
	t.Helper()
	h := &harness{
		db:      db,
		q:       queue.NewSQLite(db),
		bus:     bus.New(),
		backend: &fakeBackend{},
	}
	h.store = thread.NewStore(me, h.bus)
	h.machine = status.NewMachine(h.bus)
	h.sched = outbox.NewScheduler(h.q, h.store, h.backend, h.bus, 4, zap.NewNop())
	h.engine = NewEngine(Config{}, h.store, h.q, h.sched, h.backend, h.machine,
		NewReconciler(db, zap.NewNop()), h.bus, zap.NewNop())
	return h
}

func (h *harness) goOnline(t *testing.T) {
	t.Helper()
	for _, s := range []status.ConnState{status.Connecting, status.Connected} {
		if err := h.machine.Transition(s); err != nil {
			t.Fatal(err)
		}
	}
}

func (h *harness) confirmed(t *testing.T, conv, id string, createdAt int64) {
	t.Helper()
	h.store.InsertConfirmed(model.Message{
		ID: id, ConversationID: conv, SenderID: me,
		Content: "hi", CreatedAt: createdAt, Status: status.Sent,
	})
}

func wait(t *testing.T, p *Pending) thread.SendResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("pending never resolved: %v", err)
	}
	return r
}

func TestSendOnline(t *testing.T) {
	h := newHarness(t, testDB(t))
	h.goOnline(t)
	ctx := context.Background()

	m, p, err := h.engine.Send(ctx, "c1", "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != status.Sending {
		t.Errorf("optimistic status = %s, want sending", m.Status)
	}

	r := wait(t, p)
	if r.Err != nil {
		t.Fatalf("send failed: %v", r.Err)
	}
	if r.Message.ID != "srv-"+m.ID || r.Message.Status != status.Sent {
		t.Errorf("confirmed = %+v", r.Message)
	}
	msgs := h.engine.Messages("c1")
	if len(msgs) != 1 || msgs[0].ID != r.Message.ID {
		t.Errorf("messages = %+v, want only the confirmed one", msgs)
	}
	if recs, _ := h.q.DequeueAll(ctx, ""); len(recs) != 0 {
		t.Errorf("queue holds %d records after success", len(recs))
	}
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t, testDB(t))
	ctx := context.Background()
	if _, _, err := h.engine.Send(ctx, "", "hi", ""); err == nil {
		t.Error("expected error for missing conversation")
	}
	if _, _, err := h.engine.Send(ctx, "c1", "  ", ""); err == nil {
		t.Error("expected error for empty content")
	}
	if _, _, err := h.engine.SendAttachment(ctx, "c1", "", model.Attachment{}, ""); err == nil {
		t.Error("expected error for attachment without url")
	}
}

func TestSendOfflineDeliversOnReconnect(t *testing.T) {
	h := newHarness(t, testDB(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.engine.Start(ctx)
	h.sched.Start(ctx)

	m1, p1, err := h.engine.Send(ctx, "c1", "first", "")
	if err != nil {
		t.Fatal(err)
	}
	_, p2, err := h.engine.Send(ctx, "c1", "second", "")
	if err != nil {
		t.Fatal(err)
	}
	if m1.Status != status.Queued {
		t.Errorf("offline status = %s, want queued", m1.Status)
	}
	if h.backend.sendCount() != 0 {
		t.Fatal("sent while offline")
	}
	if recs, _ := h.q.DequeueAll(ctx, "c1"); len(recs) != 2 {
		t.Fatalf("queue holds %d records, want 2", len(recs))
	}

	h.goOnline(t)

	for _, p := range []*Pending{p1, p2} {
		if r := wait(t, p); r.Err != nil {
			t.Errorf("%s: %v", p.TempID, r.Err)
		}
	}
	msgs := h.engine.Messages("c1")
	if len(msgs) != 2 || msgs[0].Content != "first" || msgs[1].Content != "second" {
		t.Fatalf("messages = %+v", msgs)
	}
	for _, m := range msgs {
		if m.Status != status.Sent {
			t.Errorf("%s status = %s, want sent", m.ID, m.Status)
		}
	}
}

func TestEchoBeforeSendResponse(t *testing.T) {
	h := newHarness(t, testDB(t))
	h.goOnline(t)
	h.backend.gate = make(chan struct{})
	ctx := context.Background()

	m, p, err := h.engine.Send(ctx, "c1", "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for h.backend.sendCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("send never reached the backend")
		}
		time.Sleep(5 * time.Millisecond)
	}
	echo := event.NewMessage{Message: model.Message{
		ID: "srv-" + m.ID, TempID: m.ID, ConversationID: "c1",
		SenderID: me, Content: "hello", CreatedAt: m.CreatedAt, Status: status.Sent,
	}}
	if err := h.engine.HandleEvent(ctx, echo); err != nil {
		t.Fatal(err)
	}
	close(h.backend.gate)

	if r := wait(t, p); r.Err != nil {
		t.Fatal(r.Err)
	}
	msgs := h.engine.Messages("c1")
	if len(msgs) != 1 || msgs[0].ID != "srv-"+m.ID {
		t.Errorf("messages = %+v, want one confirmed entry", msgs)
	}
}

func TestSendFailureMarksFailed(t *testing.T) {
	h := newHarness(t, testDB(t))
	h.goOnline(t)
	ctx := context.Background()
	h.backend.errs = map[string]error{
		"bad": &errs.ServerRejection{Op: "send_message", Code: 422, Reason: "too long"},
	}

	m, p, err := h.engine.Send(ctx, "c1", "bad", "")
	if err != nil {
		t.Fatal(err)
	}
	r := wait(t, p)
	if r.Err == nil {
		t.Fatal("expected failure")
	}
	got, ok := h.store.Get("c1", m.ID)
	if !ok || got.Status != status.Failed || !got.Terminal || got.LastError == "" {
		t.Errorf("after rejection: %+v", got)
	}
	rec, ok, _ := h.q.Get(ctx, m.ID)
	if !ok || !rec.Terminal || rec.RetryCount != 1 {
		t.Errorf("record = %+v ok=%v", rec, ok)
	}

	// The user fixes nothing but retries anyway; the server now accepts.
	h.backend.mu.Lock()
	h.backend.errs = nil
	h.backend.mu.Unlock()
	confirmed, err := h.engine.Retry(ctx, "c1", m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if confirmed.Status != status.Sent {
		t.Errorf("retry status = %s", confirmed.Status)
	}
	if _, ok := h.store.Get("c1", m.ID); ok {
		t.Error("optimistic entry survived a successful retry")
	}
}

func TestRetryUnknown(t *testing.T) {
	h := newHarness(t, testDB(t))
	if _, err := h.engine.Retry(context.Background(), "c1", "nope"); !errors.Is(err, thread.ErrUnknownMessage) {
		t.Errorf("err = %v, want ErrUnknownMessage", err)
	}
}

func TestDiscardResolvesPending(t *testing.T) {
	h := newHarness(t, testDB(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.engine.Start(ctx)

	m, p, err := h.engine.Send(ctx, "c1", "oops", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Discard(ctx, "c1", m.ID); err != nil {
		t.Fatal(err)
	}
	if r := wait(t, p); !errors.Is(r.Err, ErrDiscarded) {
		t.Errorf("err = %v, want ErrDiscarded", r.Err)
	}
	if len(h.engine.Messages("c1")) != 0 {
		t.Error("discarded message still visible")
	}
	if recs, _ := h.q.DequeueAll(ctx, ""); len(recs) != 0 {
		t.Error("discarded record still queued")
	}
}

func TestDelete(t *testing.T) {
	h := newHarness(t, testDB(t))
	ctx := context.Background()
	h.confirmed(t, "c1", "m1", 100)

	if err := h.engine.Delete(ctx, "c1", "m1"); err != nil {
		t.Fatal(err)
	}
	if len(h.backend.deleted) != 1 || h.backend.deleted[0] != "m1" {
		t.Errorf("backend deletes = %v", h.backend.deleted)
	}
	// A late echo of the deleted message must not resurrect it.
	late := event.NewMessage{Message: model.Message{ID: "m1", ConversationID: "c1", SenderID: me, Status: status.Sent}}
	if err := h.engine.HandleEvent(ctx, late); err != nil {
		t.Fatal(err)
	}
	if len(h.engine.Messages("c1")) != 0 {
		t.Error("deleted message came back")
	}

	if err := h.engine.Delete(ctx, "c1", "m2"); !errors.Is(err, thread.ErrUnknownMessage) {
		t.Errorf("err = %v, want ErrUnknownMessage", err)
	}
}

func TestToggleReaction(t *testing.T) {
	h := newHarness(t, testDB(t))
	ctx := context.Background()
	h.confirmed(t, "c1", "m1", 100)

	res, err := h.engine.ToggleReaction(ctx, "c1", "m1", "👍")
	if err != nil {
		t.Fatal(err)
	}
	if res.Removed {
		t.Error("first toggle removed")
	}
	m, _ := h.store.Get("c1", "m1")
	if len(m.Reactions) != 1 || m.Reactions[0].Emoji != "👍" || m.Reactions[0].UserID != me {
		t.Errorf("reactions = %+v", m.Reactions)
	}

	if _, err := h.engine.ToggleReaction(ctx, "c1", "m1", "👍"); err != nil {
		t.Fatal(err)
	}
	m, _ = h.store.Get("c1", "m1")
	if len(m.Reactions) != 0 {
		t.Errorf("reactions after second toggle = %+v", m.Reactions)
	}
}

func TestMarkAsRead(t *testing.T) {
	h := newHarness(t, testDB(t))
	if err := h.engine.MarkAsRead(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if len(h.backend.reads) != 1 || h.backend.reads[0] != "c1" {
		t.Errorf("reads = %v", h.backend.reads)
	}
}

func TestReadReceiptWatermark(t *testing.T) {
	h := newHarness(t, testDB(t))
	ctx := context.Background()
	h.confirmed(t, "c1", "m1", 100)
	h.confirmed(t, "c1", "m2", 300)

	if err := h.engine.HandleEvent(ctx, event.ReadReceipt{ConversationID: "c1", ReaderID: "u-peer", UpTo: 200}); err != nil {
		t.Fatal(err)
	}
	m1, _ := h.store.Get("c1", "m1")
	m2, _ := h.store.Get("c1", "m2")
	if m1.Status != status.Read || m2.Status != status.Sent {
		t.Errorf("statuses = %s, %s; want read, sent", m1.Status, m2.Status)
	}
}

func TestOutOfOrderEventsAreBuffered(t *testing.T) {
	h := newHarness(t, testDB(t))
	ctx := context.Background()

	events := []event.Event{
		event.Delivered{ConversationID: "c1", MessageID: "m1"},
		event.ReactionAdded{ConversationID: "c1", MessageID: "m1", UserID: "u-peer", Emoji: "🎉"},
	}
	for _, ev := range events {
		if err := h.engine.HandleEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}
	if n := h.engine.PendingEvents(); n != 2 {
		t.Fatalf("pending = %d, want 2", n)
	}

	msg := event.NewMessage{Message: model.Message{ID: "m1", ConversationID: "c1", SenderID: me, CreatedAt: 100, Status: status.Sent}}
	if err := h.engine.HandleEvent(ctx, msg); err != nil {
		t.Fatal(err)
	}
	m, ok := h.store.Get("c1", "m1")
	if !ok {
		t.Fatal("message missing")
	}
	if m.Status != status.Delivered {
		t.Errorf("status = %s, want delivered", m.Status)
	}
	if len(m.Reactions) != 1 || m.Reactions[0].Emoji != "🎉" {
		t.Errorf("reactions = %+v", m.Reactions)
	}
	if n := h.engine.PendingEvents(); n != 0 {
		t.Errorf("pending = %d after replay", n)
	}
}

func TestSweepPendingDropsExpired(t *testing.T) {
	h := newHarness(t, testDB(t))
	ctx := context.Background()

	if err := h.engine.HandleEvent(ctx, event.Delivered{ConversationID: "c1", MessageID: "m1"}); err != nil {
		t.Fatal(err)
	}
	if n := h.engine.SweepPending(time.Now()); n != 0 {
		t.Errorf("swept %d fresh events", n)
	}
	if n := h.engine.SweepPending(time.Now().Add(time.Minute)); n != 1 {
		t.Errorf("swept %d, want 1", n)
	}

	msg := event.NewMessage{Message: model.Message{ID: "m1", ConversationID: "c1", SenderID: me, Status: status.Sent}}
	if err := h.engine.HandleEvent(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if m, _ := h.store.Get("c1", "m1"); m.Status != status.Sent {
		t.Errorf("expired event applied: status = %s", m.Status)
	}
}

func TestRestoreAfterRestart(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	first := newHarness(t, db)
	m, _, err := first.engine.Send(ctx, "c1", "survives", "")
	if err != nil {
		t.Fatal(err)
	}

	second := newHarness(t, db)
	n, err := second.engine.Restore(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("restored %d, want 1", n)
	}
	msgs := second.engine.Messages("c1")
	if len(msgs) != 1 || msgs[0].ID != m.ID || msgs[0].Status != status.Queued {
		t.Fatalf("messages = %+v", msgs)
	}

	if err := second.sched.Online(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := second.store.Get("c1", "srv-"+m.ID); !ok {
		t.Error("restored message not sent on reconnect")
	}
}

func TestDeletedEventClearsQueueRecord(t *testing.T) {
	h := newHarness(t, testDB(t))
	ctx := context.Background()

	m, _, err := h.engine.Send(ctx, "c1", "queued", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.engine.HandleEvent(ctx, event.Deleted{ConversationID: "c1", MessageID: m.ID}); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := h.q.Get(ctx, m.ID); ok {
		t.Error("record of deleted message still queued")
	}
}

func TestSubscribeReportsChanges(t *testing.T) {
	h := newHarness(t, testDB(t))
	ch, unsub := h.engine.Subscribe(10)
	defer unsub()

	h.confirmed(t, "c1", "m1", 100)

	select {
	case evt := <-ch:
		c := evt.Payload.(thread.Change)
		if c.MessageID != "m1" || c.Op != thread.OpInserted {
			t.Errorf("change = %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for change")
	}
}

type failingQueue struct {
	queue.Queue
}

func (failingQueue) Enqueue(context.Context, queue.Record) error {
	return errors.New("disk full")
}

func TestSendOfflineNotPersistedResolves(t *testing.T) {
	h := newHarness(t, testDB(t))
	h.engine = NewEngine(Config{}, h.store, failingQueue{h.q}, h.sched, h.backend, h.machine, nil, h.bus, zap.NewNop())

	m, p, err := h.engine.Send(context.Background(), "c1", "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != status.Failed {
		t.Errorf("status = %s, want failed", m.Status)
	}
	r := wait(t, p)
	if r.Err == nil || r.TempID != m.ID {
		t.Errorf("result = %+v, want failure for %s", r, m.ID)
	}
}

func TestEventsBufferedDuringSendReplayOnConfirm(t *testing.T) {
	h := newHarness(t, testDB(t))
	h.goOnline(t)
	h.backend.gate = make(chan struct{})
	ctx := context.Background()

	m, p, err := h.engine.Send(ctx, "c1", "hello", "")
	if err != nil {
		t.Fatal(err)
	}
	// Delivery for the server id lands before the send response.
	if err := h.engine.HandleEvent(ctx, event.Delivered{ConversationID: "c1", MessageID: "srv-" + m.ID}); err != nil {
		t.Fatal(err)
	}
	if n := h.engine.PendingEvents(); n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}
	close(h.backend.gate)

	r := wait(t, p)
	if r.Err != nil {
		t.Fatal(r.Err)
	}
	got, ok := h.store.Get("c1", "srv-"+m.ID)
	if !ok || got.Status != status.Delivered {
		t.Errorf("status = %s ok=%v, want delivered", got.Status, ok)
	}
	if n := h.engine.PendingEvents(); n != 0 {
		t.Errorf("pending = %d after confirm", n)
	}
}

func TestReadReceiptWithoutWatermarkReadsAll(t *testing.T) {
	h := newHarness(t, testDB(t))
	ctx := context.Background()
	now := time.Now().UnixMilli()
	h.confirmed(t, "c1", "m1", now-1000)
	h.confirmed(t, "c1", "m2", now)

	ev, err := event.DecodeFrame([]byte(`{"type":"message_read","channel":"chat","conversation_id":"c1","timestamp":1792404127,"data":{"user_id":"u-peer"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if err := h.engine.HandleEvent(ctx, ev); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"m1", "m2"} {
		if m, _ := h.store.Get("c1", id); m.Status != status.Read {
			t.Errorf("%s status = %s, want read", id, m.Status)
		}
	}
}
