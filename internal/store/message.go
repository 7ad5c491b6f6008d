package store

import "time"

// UpsertMessage inserts or updates a message (idempotent on
// conversation_id + msg_id). Once a message has been marked sent, the
// conflict clause keeps its body and delivery state, so duplicate remote
// deliveries can never rewrite confirmed content.
func (db *DB) UpsertMessage(m *Message) error {
	return upsertMessage(db, m)
}

func upsertMessage(e execer, m *Message) error {
	now := time.Now().UnixMilli()
	_, err := e.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, kind, body, delivery, sent_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			sender_id = excluded.sender_id,
			kind = CASE WHEN messages.delivery = 'sent' THEN messages.kind ELSE excluded.kind END,
			body = CASE WHEN messages.delivery = 'sent' THEN messages.body ELSE excluded.body END,
			delivery = CASE WHEN messages.delivery = 'sent' THEN 'sent' ELSE excluded.delivery END`,
		m.ConversationID, m.MsgID, m.SenderID, m.Kind, m.Body, m.Delivery, m.SentAt, now)
	return err
}

// SetMessageDelivery transitions a message's delivery state. The sent state
// is terminal; updates against a sent message are no-ops.
func (db *DB) SetMessageDelivery(conversationID, msgID, delivery string) error {
	_, err := db.Exec(`
		UPDATE messages SET delivery = ?
		WHERE conversation_id = ? AND msg_id = ? AND delivery != 'sent'`,
		delivery, conversationID, msgID)
	return err
}

// ListMessages returns messages for a conversation ordered by
// (sent_at, msg_id) ascending, using keyset pagination: only messages
// strictly after (afterTs, afterID) are returned. Zero values start from the
// beginning of the log.
func (db *DB) ListMessages(conversationID string, afterTs int64, afterID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, sender_id, kind, body, delivery, sent_at
		FROM messages
		WHERE conversation_id = ? AND (sent_at > ? OR (sent_at = ? AND msg_id > ?))
		ORDER BY sent_at ASC, msg_id ASC
		LIMIT ?`, conversationID, afterTs, afterTs, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.SenderID, &m.Kind, &m.Body, &m.Delivery, &m.SentAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// LatestMessage returns the newest message in a conversation by
// (sent_at, msg_id), or nil when the log is empty.
func (db *DB) LatestMessage(conversationID string) (*Message, error) {
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, sender_id, kind, body, delivery, sent_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY sent_at DESC, msg_id DESC
		LIMIT 1`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var m Message
	if err := rows.Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.SenderID, &m.Kind, &m.Body, &m.Delivery, &m.SentAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMessage returns a single message, or nil when absent.
func (db *DB) GetMessage(conversationID, msgID string) (*Message, error) {
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, sender_id, kind, body, delivery, sent_at
		FROM messages
		WHERE conversation_id = ? AND msg_id = ?`, conversationID, msgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var m Message
	if err := rows.Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.SenderID, &m.Kind, &m.Body, &m.Delivery, &m.SentAt); err != nil {
		return nil, err
	}
	return &m, nil
}
