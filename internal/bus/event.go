package bus

import "time"

// Event kinds published by the engine and its collaborators. Subscribers
// filter by namespace prefix, e.g. "message." matches all message events.
const (
	KindMessageUpserted   = "message.upserted"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"

	KindConversationUpserted = "conversation.upserted"
	KindConversationRemoved  = "conversation.removed"

	KindOutboxQueued = "outbox.queued"

	KindSyncStatusChanged = "sync.status_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// MessageRef identifies a message inside a conversation. It is the payload
// for message.* events.
type MessageRef struct {
	ConversationID string
	MessageID      string
	Error          string
}
