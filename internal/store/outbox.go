package store

import "time"

// QueueOutbox adds a composed message to the send outbox. createConv marks
// the entry as a conversation-creating first message, which the sender
// dispatches through the backend's create call instead of a plain send.
func (db *DB) QueueOutbox(msgID, conversationID string, createConv bool) error {
	return queueOutbox(db, msgID, conversationID, createConv)
}

func queueOutbox(e execer, msgID, conversationID string, createConv bool) error {
	now := time.Now().UnixMilli()
	_, err := e.Exec(`
		INSERT INTO outbox (msg_id, conversation_id, status, create_conv, created_at, updated_at)
		VALUES (?, ?, 'pending', ?, ?, ?)`,
		msgID, conversationID, createConv, now, now)
	return err
}

// MarkOutboxSent removes an entry on confirmed remote acceptance.
func (db *DB) MarkOutboxSent(msgID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE msg_id = ?`, msgID)
	return err
}

// MarkOutboxFailed records a failed attempt. The entry stays retrievable
// until the caller retries or discards it; it is never silently dropped.
func (db *DB) MarkOutboxFailed(msgID, lastError string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'failed', attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE msg_id = ?`, lastError, now, msgID)
	return err
}

// RetryOutbox re-enters a failed entry into the pending state so the sender
// picks it up again. Retry is always an explicit caller decision.
func (db *DB) RetryOutbox(msgID string) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE outbox SET status = 'pending', last_error = '', updated_at = ?
		WHERE msg_id = ? AND status = 'failed'`, now, msgID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrOutboxEntryNotFound
	}
	return nil
}

// GetOutbox returns one entry by message id, or nil when absent.
func (db *DB) GetOutbox(msgID string) (*OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, msg_id, conversation_id, status, create_conv, attempts, last_error
		FROM outbox WHERE msg_id = ?`, msgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var e OutboxEntry
	if err := rows.Scan(&e.ID, &e.MsgID, &e.ConversationID, &e.Status, &e.CreateConv, &e.Attempts, &e.LastError); err != nil {
		return nil, err
	}
	return &e, nil
}

// PendingOutbox returns entries awaiting a first (or retried) send attempt,
// oldest first.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, msg_id, conversation_id, status, create_conv, attempts, last_error
		FROM outbox WHERE status = 'pending' ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.MsgID, &e.ConversationID, &e.Status, &e.CreateConv, &e.Attempts, &e.LastError); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
