package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/matheus3301/msgsync/internal/errs"
)

// Key layout:
//
//	q\x00<conversation>\x00<enqueuedAt, 20 digits>\x00<id> -> Record JSON
//	i\x00<id>                                           -> primary key
//
// The zero-padded timestamp makes a prefix scan of one conversation return
// records in enqueue order.
const sep = "\x00"

// Pebble stores records in an embedded pebble database. A record and its id
// index are written in one synced batch.
type Pebble struct {
	mu sync.Mutex
	db *pebble.DB
}

// OpenPebble opens or creates the database in dir.
func OpenPebble(dir string) (*Pebble, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &Pebble{db: db}, nil
}

func recordKey(rec Record) []byte {
	return fmt.Appendf(nil, "q%s%s%s%020d%s%s", sep, rec.ConversationID, sep, rec.EnqueuedAt, sep, rec.ID)
}

func indexKey(id string) []byte {
	return []byte("i" + sep + id)
}

func conversationPrefix(conversationID string) []byte {
	if conversationID == "" {
		return []byte("q" + sep)
	}
	return []byte("q" + sep + conversationID + sep)
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	upper := slices.Clone(prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return append(upper, 0xFF)
}

func (q *Pebble) primaryKey(id string) ([]byte, error) {
	v, closer, err := q.db.Get(indexKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = closer.Close() }()
	return slices.Clone(v), nil
}

func (q *Pebble) write(rec Record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	old, err := q.primaryKey(rec.ID)
	if err != nil {
		return err
	}
	key := recordKey(rec)

	b := q.db.NewBatch()
	defer func() { _ = b.Close() }()
	if old != nil && string(old) != string(key) {
		if err := b.Delete(old, nil); err != nil {
			return err
		}
	}
	if err := b.Set(key, val, nil); err != nil {
		return err
	}
	if err := b.Set(indexKey(rec.ID), key, nil); err != nil {
		return err
	}
	return b.Commit(pebble.Sync)
}

func (q *Pebble) Enqueue(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return errs.Persistence("enqueue", rec.ID, err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return errs.Persistence("enqueue", rec.ID, q.write(rec))
}

func (q *Pebble) Update(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return errs.Persistence("update", rec.ID, err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	old, err := q.primaryKey(rec.ID)
	if err != nil {
		return errs.Persistence("update", rec.ID, err)
	}
	if old == nil {
		return errs.Persistence("update", rec.ID, ErrNotFound)
	}
	return errs.Persistence("update", rec.ID, q.write(rec))
}

func (q *Pebble) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return errs.Persistence("remove", id, err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	old, err := q.primaryKey(id)
	if err != nil || old == nil {
		return errs.Persistence("remove", id, err)
	}
	b := q.db.NewBatch()
	defer func() { _ = b.Close() }()
	if err := b.Delete(old, nil); err != nil {
		return errs.Persistence("remove", id, err)
	}
	if err := b.Delete(indexKey(id), nil); err != nil {
		return errs.Persistence("remove", id, err)
	}
	return errs.Persistence("remove", id, b.Commit(pebble.Sync))
}

func (q *Pebble) Get(ctx context.Context, id string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, errs.Persistence("get", id, err)
	}
	key, err := q.primaryKey(id)
	if err != nil {
		return Record{}, false, errs.Persistence("get", id, err)
	}
	if key == nil {
		return Record{}, false, nil
	}
	v, closer, err := q.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, errs.Persistence("get", id, err)
	}
	defer func() { _ = closer.Close() }()
	var rec Record
	if err := json.Unmarshal(v, &rec); err != nil {
		return Record{}, false, errs.Persistence("get", id, fmt.Errorf("decode record: %w", err))
	}
	return rec, true, nil
}

func (q *Pebble) scan(conversationID string, fn func(Record) error) error {
	prefix := conversationPrefix(conversationID)
	iter, err := q.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer func() { _ = iter.Close() }()

	for iter.First(); iter.Valid(); iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return fmt.Errorf("decode record %q: %w", iter.Key(), err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (q *Pebble) DequeueAll(ctx context.Context, conversationID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Persistence("dequeue", conversationID, err)
	}
	var out []Record
	err := q.scan(conversationID, func(rec Record) error {
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, errs.Persistence("dequeue", conversationID, err)
	}
	if conversationID == "" {
		slices.SortStableFunc(out, func(a, b Record) int {
			switch {
			case a.EnqueuedAt < b.EnqueuedAt:
				return -1
			case a.EnqueuedAt > b.EnqueuedAt:
				return 1
			default:
				return 0
			}
		})
	}
	return out, nil
}

func (q *Pebble) Conversations(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Persistence("conversations", "", err)
	}
	oldest := make(map[string]int64)
	var ids []string
	err := q.scan("", func(rec Record) error {
		if _, ok := oldest[rec.ConversationID]; !ok {
			oldest[rec.ConversationID] = rec.EnqueuedAt
			ids = append(ids, rec.ConversationID)
		}
		return nil
	})
	if err != nil {
		return nil, errs.Persistence("conversations", "", err)
	}
	slices.SortStableFunc(ids, func(a, b string) int {
		switch {
		case oldest[a] < oldest[b]:
			return -1
		case oldest[a] > oldest[b]:
			return 1
		default:
			return 0
		}
	})
	return ids, nil
}

func (q *Pebble) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}
