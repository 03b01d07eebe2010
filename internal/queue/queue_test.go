package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/matheus3301/msgsync/internal/model"
	"github.com/matheus3301/msgsync/internal/status"
	"github.com/matheus3301/msgsync/internal/store"
)

type opener func(t *testing.T, dir string) Queue

func openSQLite(t *testing.T, dir string) Queue {
	t.Helper()
	db, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLite(db)
}

func openPebble(t *testing.T, dir string) Queue {
	t.Helper()
	q, err := OpenPebble(filepath.Join(dir, "queue"))
	if err != nil {
		t.Fatal(err)
	}
	return q
}

var backends = []struct {
	name string
	open opener
}{
	{"sqlite", openSQLite},
	{"pebble", openPebble},
}

func forEachBackend(t *testing.T, fn func(t *testing.T, q Queue)) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			q := b.open(t, t.TempDir())
			t.Cleanup(func() { _ = q.Close() })
			fn(t, q)
		})
	}
}

func rec(id, conv string, at int64) Record {
	return Record{ID: id, ConversationID: conv, Content: "body " + id, MessageType: "text", EnqueuedAt: at}
}

func TestEnqueueDequeueOrder(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		for _, r := range []Record{rec("t3", "c1", 300), rec("t1", "c1", 100), rec("t2", "c1", 200), rec("x1", "c2", 50)} {
			if err := q.Enqueue(ctx, r); err != nil {
				t.Fatal(err)
			}
		}

		got, err := q.DequeueAll(ctx, "c1")
		if err != nil {
			t.Fatal(err)
		}
		want := []string{"t1", "t2", "t3"}
		if len(got) != len(want) {
			t.Fatalf("got %d records, want %d", len(got), len(want))
		}
		for i, id := range want {
			if got[i].ID != id {
				t.Errorf("records[%d] = %s, want %s", i, got[i].ID, id)
			}
		}

		// DequeueAll does not remove.
		again, _ := q.DequeueAll(ctx, "c1")
		if len(again) != 3 {
			t.Errorf("second dequeue got %d, want 3", len(again))
		}

		all, _ := q.DequeueAll(ctx, "")
		if len(all) != 4 || all[0].ID != "x1" {
			t.Errorf("all = %+v", all)
		}

		convs, err := q.Conversations(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(convs) != 2 || convs[0] != "c2" || convs[1] != "c1" {
			t.Errorf("conversations = %v, want [c2 c1]", convs)
		}
	})
}

func TestEnqueueIsUpsert(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		r := rec("t1", "c1", 100)
		if err := q.Enqueue(ctx, r); err != nil {
			t.Fatal(err)
		}
		r.RetryCount = 3
		if err := q.Enqueue(ctx, r); err != nil {
			t.Fatal(err)
		}
		got, _ := q.DequeueAll(ctx, "c1")
		if len(got) != 1 || got[0].RetryCount != 3 {
			t.Errorf("records = %+v, want one with retry_count=3", got)
		}
	})
}

func TestUpdateAndRemove(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		if err := q.Update(ctx, rec("missing", "c1", 1)); !errors.Is(err, ErrNotFound) {
			t.Errorf("update missing: err = %v, want ErrNotFound", err)
		}

		r := rec("t1", "c1", 100)
		r.Attachment = &model.Attachment{URL: "https://cdn/x.png", Name: "x.png", Size: 42, MimeType: "image/png", Kind: model.KindImage}
		if err := q.Enqueue(ctx, r); err != nil {
			t.Fatal(err)
		}
		r.RetryCount, r.LastError, r.Terminal = 1, "rejected", true
		if err := q.Update(ctx, r); err != nil {
			t.Fatal(err)
		}
		got, ok, err := q.Get(ctx, "t1")
		if err != nil || !ok {
			t.Fatalf("get: ok=%v err=%v", ok, err)
		}
		if got.LastError != "rejected" || !got.Terminal || got.Attachment == nil || got.Attachment.Size != 42 {
			t.Errorf("record = %+v", got)
		}

		if err := q.Remove(ctx, "t1"); err != nil {
			t.Fatal(err)
		}
		if err := q.Remove(ctx, "t1"); err != nil {
			t.Errorf("second remove: %v", err)
		}
		if _, ok, _ := q.Get(ctx, "t1"); ok {
			t.Error("record still present after remove")
		}
		if convs, _ := q.Conversations(ctx); len(convs) != 0 {
			t.Errorf("conversations = %v, want none", convs)
		}
	})
}

func TestConcurrentEnqueueConverges(t *testing.T) {
	forEachBackend(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		var wg sync.WaitGroup
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r := rec("t1", "c1", 100)
				r.RetryCount = i
				if err := q.Enqueue(ctx, r); err != nil {
					t.Error(err)
				}
			}()
		}
		wg.Wait()
		got, _ := q.DequeueAll(ctx, "c1")
		if len(got) != 1 {
			t.Errorf("got %d records, want 1", len(got))
		}
	})
}

// TestSurvivesReopen covers durability across a restart: a record written
// before the queue is closed is returned after it is reopened.
func TestSurvivesReopen(t *testing.T) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			dir := t.TempDir()
			ctx := context.Background()

			q := b.open(t, dir)
			if err := q.Enqueue(ctx, rec("t1", "c1", 100)); err != nil {
				t.Fatal(err)
			}
			_ = q.Close()
			q = b.open(t, dir)
			defer func() { _ = q.Close() }()

			got, err := q.DequeueAll(ctx, "c1")
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 || got[0].Content != "body t1" {
				t.Errorf("records after reopen = %+v", got)
			}
		})
	}
}

func TestRecordMessageRoundTrip(t *testing.T) {
	m := model.Message{
		ID: "t1", ConversationID: "c1", SenderID: "me", Content: "hi",
		CreatedAt: 100, Status: status.Queued,
		Attachment: &model.Attachment{URL: "u", Kind: model.KindAudio},
	}
	r := FromMessage(m)
	if r.MessageType != "audio" || r.EnqueuedAt != 100 {
		t.Errorf("record = %+v", r)
	}
	back := r.Message("me")
	if back.Status != status.Queued || back.Attachment == nil || back.SenderID != "me" {
		t.Errorf("message = %+v", back)
	}

	r.RetryCount, r.LastError = 2, "timeout"
	if got := r.Message("me"); got.Status != status.Failed || got.LastError != "timeout" {
		t.Errorf("failed record restored as %s", got.Status)
	}
}
