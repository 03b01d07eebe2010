package store

import (
	"database/sql"
	"errors"
	"time"
)

const queueColumns = `id, conversation_id, content, message_type, reply_to_id, attachment,
	enqueued_at, retry_count, last_error, terminal`

// UpsertQueueRow inserts a retry record or replaces the stored copy with the
// same id. Each call is a single statement and commits on its own.
func (db *DB) UpsertQueueRow(r *QueueRow) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO retry_queue (id, conversation_id, content, message_type, reply_to_id, attachment,
			enqueued_at, retry_count, last_error, terminal, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			content = excluded.content,
			message_type = excluded.message_type,
			reply_to_id = excluded.reply_to_id,
			attachment = excluded.attachment,
			enqueued_at = excluded.enqueued_at,
			retry_count = excluded.retry_count,
			last_error = excluded.last_error,
			terminal = excluded.terminal,
			updated_at = excluded.updated_at`,
		r.ID, r.ConversationID, r.Content, r.MessageType, r.ReplyToID, r.Attachment,
		r.EnqueuedAt, r.RetryCount, r.LastError, r.Terminal, now)
	return err
}

// UpdateQueueRow rewrites an existing record. Returns sql.ErrNoRows when the
// id is not queued.
func (db *DB) UpdateQueueRow(r *QueueRow) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE retry_queue SET content = ?, message_type = ?, reply_to_id = ?, attachment = ?,
			retry_count = ?, last_error = ?, terminal = ?, updated_at = ?
		WHERE id = ?`,
		r.Content, r.MessageType, r.ReplyToID, r.Attachment,
		r.RetryCount, r.LastError, r.Terminal, now, r.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteQueueRow removes a record. Removing an absent id is not an error.
func (db *DB) DeleteQueueRow(id string) error {
	_, err := db.Exec(`DELETE FROM retry_queue WHERE id = ?`, id)
	return err
}

// GetQueueRow returns one record, or nil if it is not queued.
func (db *DB) GetQueueRow(id string) (*QueueRow, error) {
	row := db.QueryRow(`SELECT `+queueColumns+` FROM retry_queue WHERE id = ?`, id)
	var r QueueRow
	err := row.Scan(&r.ID, &r.ConversationID, &r.Content, &r.MessageType, &r.ReplyToID, &r.Attachment,
		&r.EnqueuedAt, &r.RetryCount, &r.LastError, &r.Terminal)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// QueueRows returns the records of one conversation in enqueue order. An
// empty conversationID returns every record.
func (db *DB) QueueRows(conversationID string) ([]QueueRow, error) {
	query := `SELECT ` + queueColumns + ` FROM retry_queue`
	var args []any
	if conversationID != "" {
		query += ` WHERE conversation_id = ?`
		args = append(args, conversationID)
	}
	query += ` ORDER BY enqueued_at ASC, id ASC`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []QueueRow
	for rows.Next() {
		var r QueueRow
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.Content, &r.MessageType, &r.ReplyToID, &r.Attachment,
			&r.EnqueuedAt, &r.RetryCount, &r.LastError, &r.Terminal); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// QueueConversations lists conversations that have at least one record.
func (db *DB) QueueConversations() ([]string, error) {
	rows, err := db.Query(`
		SELECT conversation_id FROM retry_queue
		GROUP BY conversation_id
		ORDER BY MIN(enqueued_at) ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
