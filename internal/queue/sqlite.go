package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matheus3301/msgsync/internal/errs"
	"github.com/matheus3301/msgsync/internal/model"
	"github.com/matheus3301/msgsync/internal/store"
)

// SQLite stores records in the retry_queue table of the profile database.
type SQLite struct {
	db *store.DB
}

// NewSQLite wraps an open, migrated database.
func NewSQLite(db *store.DB) *SQLite {
	return &SQLite{db: db}
}

func (q *SQLite) Enqueue(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return errs.Persistence("enqueue", rec.ID, err)
	}
	row, err := toRow(rec)
	if err != nil {
		return errs.Persistence("enqueue", rec.ID, err)
	}
	return errs.Persistence("enqueue", rec.ID, q.db.UpsertQueueRow(row))
}

func (q *SQLite) DequeueAll(ctx context.Context, conversationID string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Persistence("dequeue", conversationID, err)
	}
	rows, err := q.db.QueueRows(conversationID)
	if err != nil {
		return nil, errs.Persistence("dequeue", conversationID, err)
	}
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		rec, err := fromRow(r)
		if err != nil {
			return nil, errs.Persistence("dequeue", r.ID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (q *SQLite) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return errs.Persistence("remove", id, err)
	}
	return errs.Persistence("remove", id, q.db.DeleteQueueRow(id))
}

func (q *SQLite) Update(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return errs.Persistence("update", rec.ID, err)
	}
	row, err := toRow(rec)
	if err != nil {
		return errs.Persistence("update", rec.ID, err)
	}
	err = q.db.UpdateQueueRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
	}
	return errs.Persistence("update", rec.ID, err)
}

func (q *SQLite) Get(ctx context.Context, id string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, errs.Persistence("get", id, err)
	}
	row, err := q.db.GetQueueRow(id)
	if err != nil {
		return Record{}, false, errs.Persistence("get", id, err)
	}
	if row == nil {
		return Record{}, false, nil
	}
	rec, err := fromRow(*row)
	if err != nil {
		return Record{}, false, errs.Persistence("get", id, err)
	}
	return rec, true, nil
}

func (q *SQLite) Conversations(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Persistence("conversations", "", err)
	}
	ids, err := q.db.QueueConversations()
	if err != nil {
		return nil, errs.Persistence("conversations", "", err)
	}
	return ids, nil
}

// Close is a no-op: the database is owned by whoever opened it.
func (q *SQLite) Close() error { return nil }

func toRow(rec Record) (*store.QueueRow, error) {
	row := &store.QueueRow{
		ID:             rec.ID,
		ConversationID: rec.ConversationID,
		Content:        rec.Content,
		MessageType:    rec.MessageType,
		ReplyToID:      rec.ReplyToID,
		EnqueuedAt:     rec.EnqueuedAt,
		RetryCount:     rec.RetryCount,
		LastError:      rec.LastError,
		Terminal:       rec.Terminal,
	}
	if rec.Attachment != nil {
		b, err := json.Marshal(rec.Attachment)
		if err != nil {
			return nil, fmt.Errorf("encode attachment: %w", err)
		}
		row.Attachment = string(b)
	}
	return row, nil
}

func fromRow(row store.QueueRow) (Record, error) {
	rec := Record{
		ID:             row.ID,
		ConversationID: row.ConversationID,
		Content:        row.Content,
		MessageType:    row.MessageType,
		ReplyToID:      row.ReplyToID,
		EnqueuedAt:     row.EnqueuedAt,
		RetryCount:     row.RetryCount,
		LastError:      row.LastError,
		Terminal:       row.Terminal,
	}
	if row.Attachment != "" {
		var a model.Attachment
		if err := json.Unmarshal([]byte(row.Attachment), &a); err != nil {
			return Record{}, fmt.Errorf("decode attachment: %w", err)
		}
		rec.Attachment = &a
	}
	return rec, nil
}
