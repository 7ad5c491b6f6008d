package store

// Message delivery states. Delivery is monotone: once a message reaches
// DeliverySent it never moves back to pending or failed.
const (
	DeliveryPending = "pending"
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
)

// Message kinds. Photo and video messages carry the media URL in Body.
const (
	KindText  = "text"
	KindPhoto = "photo"
	KindVideo = "video"
)

// Outbox entry states.
const (
	OutboxPending = "pending"
	OutboxFailed  = "failed"
)

// Conversation is one owner's index entry for a 1:1 thread. The same
// conversation id appears once per participant; tombstoning one owner's row
// leaves the other's untouched.
type Conversation struct {
	ID             int64
	ConversationID string
	OwnerID        string
	OtherUserID    string
	DisplayName    string
	LatestAt       int64
	LatestText     string
	LatestRead     bool
	Deleted        bool
}

// Message is one entry in a conversation's append-only log. Messages are
// totally ordered by (SentAt, MsgID).
type Message struct {
	ID             int64
	ConversationID string
	MsgID          string
	SenderID       string
	Kind           string
	Body           string
	Delivery       string
	SentAt         int64
}

// User is a known participant, recorded when conversations are created or
// merged from the remote directory.
type User struct {
	UserID      string
	Email       string
	DisplayName string
}

// OutboxEntry is a locally composed message awaiting confirmed delivery.
// Entries are deleted on acceptance and kept (status failed) on failure
// until the caller retries or discards.
type OutboxEntry struct {
	ID             int64
	MsgID          string
	ConversationID string
	Status         string
	CreateConv     bool
	Attempts       int
	LastError      string
}

// SearchResult holds a message matched by full-text search with a snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
