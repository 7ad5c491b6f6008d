// Package backend defines the contracts the sync engine consumes from the
// remote side: a message backend and a media uploader. Implementations live
// outside the engine; the in-process Memory backend in this package exists
// for tests and local development.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/mychat/chatsync/internal/store"
)

// Error kinds surfaced by backend implementations. The engine maps them onto
// outbox entries and message delivery states rather than propagating them as
// process-level faults.
var (
	// ErrNetworkUnavailable indicates the backend could not be reached at
	// all. Callers may treat their own timeouts as this error.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrUploadFailed indicates a media payload could not be uploaded.
	ErrUploadFailed = errors.New("media upload failed")
)

// RemoteRejectedError is returned when the backend reached the server but the
// server refused the operation.
type RemoteRejectedError struct {
	Reason string
}

func (e *RemoteRejectedError) Error() string {
	return fmt.Sprintf("remote rejected: %s", e.Reason)
}

// Handle cancels a live backend subscription.
type Handle interface {
	Cancel()
}

// MessageFunc receives a remote-origin message event.
type MessageFunc func(msg *store.Message)

// ConversationFunc receives a remote-origin conversation summary event.
type ConversationFunc func(conv *store.Conversation)

// Backend is the remote source of truth for conversations and messages.
// Subscriptions are long-lived streams; after a reconnect the backend may
// replay events it already delivered, which the engine absorbs with
// idempotent merges.
type Backend interface {
	// CreateConversation registers a new conversation for both
	// participants and delivers its first message. Returns the
	// server-accepted conversation id.
	CreateConversation(ctx context.Context, conv *store.Conversation, first *store.Message) (string, error)

	// SendMessage delivers a message into an existing conversation.
	SendMessage(ctx context.Context, conversationID string, msg *store.Message) error

	// SubscribeMessages streams message events for one conversation.
	SubscribeMessages(conversationID string, fn MessageFunc) (Handle, error)

	// SubscribeConversationList streams conversation summary events for
	// one user.
	SubscribeConversationList(userID string, fn ConversationFunc) (Handle, error)

	// DeleteConversation removes the conversation from the calling user's
	// remote index. Shared history is not destroyed.
	DeleteConversation(ctx context.Context, conversationID string, userID string) error
}

// Uploader stores media payloads and returns a stable URL for them.
type Uploader interface {
	Upload(ctx context.Context, data []byte, fileName string) (url string, err error)
}
