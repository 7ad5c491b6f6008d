package store

// SearchMessages runs a full-text query over message bodies. When
// conversationID is non-empty the search is scoped to that conversation.
// Results are newest first with an FTS4 snippet around the match.
func (db *DB) SearchMessages(query, conversationID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 25
	}
	rows, err := db.Query(`
		SELECT m.id, m.conversation_id, m.msg_id, m.sender_id, m.kind, m.body, m.delivery, m.sent_at,
			snippet(messages_fts, '[', ']', '…', 0, 12)
		FROM messages_fts f
		JOIN messages m ON m.id = f.docid
		WHERE f.body MATCH ?
			AND (? = '' OR m.conversation_id = ?)
		ORDER BY m.sent_at DESC, m.msg_id DESC
		LIMIT ?`, query, conversationID, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.Message.ID, &r.Message.ConversationID, &r.Message.MsgID, &r.Message.SenderID,
			&r.Message.Kind, &r.Message.Body, &r.Message.Delivery, &r.Message.SentAt, &r.Snippet); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
