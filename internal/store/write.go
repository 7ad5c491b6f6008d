package store

import "fmt"

// InsertNewConversation writes a freshly minted conversation in a single
// transaction: the participants' directory entries, both owners' index rows,
// the first message and its conversation-creating outbox entry. All or
// nothing, so a pending message can never exist without an outbox entry to
// dispatch it.
func (db *DB) InsertNewConversation(users []User, rows []Conversation, first *Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i := range users {
		if err := upsertUser(tx, &users[i]); err != nil {
			return fmt.Errorf("upsert user %q: %w", users[i].UserID, err)
		}
	}
	for i := range rows {
		if err := upsertConversation(tx, &rows[i]); err != nil {
			return fmt.Errorf("upsert conversation for %q: %w", rows[i].OwnerID, err)
		}
	}
	if err := upsertMessage(tx, first); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	if err := queueOutbox(tx, first.MsgID, first.ConversationID, true); err != nil {
		return fmt.Errorf("queue outbox: %w", err)
	}
	return tx.Commit()
}

// AppendOutgoingMessage is the optimistic local append: message row, outbox
// entry and the summary refresh on every owner's index row, committed
// atomically.
func (db *DB) AppendOutgoingMessage(msg *Message, preview string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertMessage(tx, msg); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	if err := queueOutbox(tx, msg.MsgID, msg.ConversationID, false); err != nil {
		return fmt.Errorf("queue outbox: %w", err)
	}
	if err := touchConversation(tx, msg.ConversationID, msg.SentAt, preview, msg.SenderID); err != nil {
		return fmt.Errorf("refresh conversation summary: %w", err)
	}
	return tx.Commit()
}
