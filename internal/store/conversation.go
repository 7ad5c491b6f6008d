package store

import (
	"database/sql"
	"time"
)

// UpsertConversation merges a conversation summary into the owner's index.
// On conflict the entry with the more recent latest_at wins the summary
// fields, and a tombstoned row is resurrected: a new message between the
// same pair brings the thread back into the owner's list.
func (db *DB) UpsertConversation(c *Conversation) error {
	return upsertConversation(db, c)
}

func upsertConversation(e execer, c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := e.Exec(`
		INSERT INTO conversations (conversation_id, owner_id, other_user_id, display_name, latest_at, latest_text, latest_read, deleted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(owner_id, conversation_id) DO UPDATE SET
			other_user_id = excluded.other_user_id,
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE conversations.display_name END,
			latest_at = MAX(conversations.latest_at, excluded.latest_at),
			latest_text = CASE WHEN excluded.latest_at >= conversations.latest_at THEN excluded.latest_text ELSE conversations.latest_text END,
			latest_read = CASE WHEN excluded.latest_at >= conversations.latest_at THEN excluded.latest_read ELSE conversations.latest_read END,
			deleted = 0,
			updated_at = excluded.updated_at`,
		c.ConversationID, c.OwnerID, c.OtherUserID, c.DisplayName, c.LatestAt, c.LatestText, c.LatestRead, now)
	return err
}

// ListConversations returns the owner's visible conversations ordered by
// latest_at descending. Display names fall back to the users directory and
// finally the other participant's id, like the original client's name
// resolution chain.
func (db *DB) ListConversations(ownerID string, limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT c.id, c.conversation_id, c.owner_id, c.other_user_id,
			COALESCE(NULLIF(c.display_name,''), NULLIF(u.display_name,''), c.other_user_id) AS display_name,
			c.latest_at, c.latest_text, c.latest_read, c.deleted
		FROM conversations c
		LEFT JOIN users u ON c.other_user_id = u.user_id
		WHERE c.owner_id = ? AND c.deleted = 0
		ORDER BY c.latest_at DESC
		LIMIT ? OFFSET ?`, ownerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.ConversationID, &c.OwnerID, &c.OtherUserID, &c.DisplayName, &c.LatestAt, &c.LatestText, &c.LatestRead, &c.Deleted); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns one owner's entry for a conversation, including
// tombstoned rows, or nil when the owner has never seen it.
func (db *DB) GetConversation(ownerID, conversationID string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT id, conversation_id, owner_id, other_user_id, display_name, latest_at, latest_text, latest_read, deleted
		FROM conversations
		WHERE owner_id = ? AND conversation_id = ?`, ownerID, conversationID).
		Scan(&c.ID, &c.ConversationID, &c.OwnerID, &c.OtherUserID, &c.DisplayName, &c.LatestAt, &c.LatestText, &c.LatestRead, &c.Deleted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// RemoveConversation tombstones the owner's entry. The other participant's
// entry and the message log are untouched. Returns ErrConversationNotFound
// when the owner has no such conversation.
func (db *DB) RemoveConversation(ownerID, conversationID string) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE conversations SET deleted = 1, updated_at = ?
		WHERE owner_id = ? AND conversation_id = ?`, now, ownerID, conversationID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// ExistingConversationWith returns the id of a visible conversation between
// owner and other, or "" when none exists. Tombstoned threads do not count:
// a user who deleted a thread starts a fresh one.
func (db *DB) ExistingConversationWith(ownerID, otherUserID string) (string, error) {
	var id string
	err := db.QueryRow(`
		SELECT conversation_id FROM conversations
		WHERE owner_id = ? AND other_user_id = ? AND deleted = 0
		ORDER BY latest_at DESC
		LIMIT 1`, ownerID, otherUserID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// TouchConversation refreshes the denormalized latest-message summary on
// every owner's row for a conversation. Older summaries never overwrite
// newer ones, and an incoming message resurrects tombstoned rows. The
// sender's own row stays read; everyone else's becomes unread.
func (db *DB) TouchConversation(conversationID string, latestAt int64, latestText, senderID string) error {
	return touchConversation(db, conversationID, latestAt, latestText, senderID)
}

func touchConversation(e execer, conversationID string, latestAt int64, latestText, senderID string) error {
	now := time.Now().UnixMilli()
	_, err := e.Exec(`
		UPDATE conversations SET
			latest_at = ?,
			latest_text = ?,
			latest_read = CASE WHEN owner_id = ? THEN 1 ELSE 0 END,
			deleted = 0,
			updated_at = ?
		WHERE conversation_id = ? AND latest_at <= ?`,
		latestAt, latestText, senderID, now, conversationID, latestAt)
	return err
}

// ConversationOwners returns the ids of every user holding an index entry
// for a conversation, tombstoned entries included.
func (db *DB) ConversationOwners(conversationID string) ([]string, error) {
	rows, err := db.Query(`
		SELECT owner_id FROM conversations WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, err
		}
		owners = append(owners, owner)
	}
	return owners, rows.Err()
}

// MarkConversationRead flips the owner's unread flag for a conversation.
func (db *DB) MarkConversationRead(ownerID, conversationID string) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE conversations SET latest_read = 1, updated_at = ?
		WHERE owner_id = ? AND conversation_id = ?`, now, ownerID, conversationID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConversationNotFound
	}
	return nil
}
