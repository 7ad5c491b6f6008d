package backend

import (
	"context"
	"fmt"
	"sync"

	"github.com/mychat/chatsync/internal/store"
)

// Memory is an in-process Backend and Uploader. It keeps conversations and
// messages in maps and echoes accepted writes back to subscribers on new
// goroutines, the way a real backend's change streams behave. A configurable
// fault lets tests and local runs simulate network loss.
type Memory struct {
	mu       sync.Mutex
	parts    map[string][2]string        // conversation id -> participants
	logs     map[string][]store.Message  // conversation id -> accepted log
	removed  map[string]map[string]bool  // user id -> conversation ids deleted remotely
	msgSubs  map[string]map[int]MessageFunc
	listSubs map[string]map[int]ConversationFunc
	nextSub  int
	fault    error
}

// NewMemory creates an empty in-process backend.
func NewMemory() *Memory {
	return &Memory{
		parts:    make(map[string][2]string),
		logs:     make(map[string][]store.Message),
		removed:  make(map[string]map[string]bool),
		msgSubs:  make(map[string]map[int]MessageFunc),
		listSubs: make(map[string]map[int]ConversationFunc),
	}
}

// SetFault makes every subsequent write operation fail with err. Pass nil to
// restore connectivity.
func (m *Memory) SetFault(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = err
}

// CreateConversation accepts a new conversation and its first message,
// echoing both to any live subscribers of either participant.
func (m *Memory) CreateConversation(_ context.Context, conv *store.Conversation, first *store.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fault != nil {
		return "", m.fault
	}
	m.parts[conv.ConversationID] = [2]string{conv.OwnerID, conv.OtherUserID}
	m.acceptLocked(conv.ConversationID, first)
	return conv.ConversationID, nil
}

// SendMessage accepts a message into an existing conversation.
func (m *Memory) SendMessage(_ context.Context, conversationID string, msg *store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fault != nil {
		return m.fault
	}
	if _, ok := m.parts[conversationID]; !ok {
		return store.ErrConversationNotFound
	}
	m.acceptLocked(conversationID, msg)
	return nil
}

// acceptLocked appends to the server log and fans the accepted copy out to
// message and conversation-list subscribers. Caller holds m.mu.
func (m *Memory) acceptLocked(conversationID string, msg *store.Message) {
	accepted := *msg
	accepted.ConversationID = conversationID
	accepted.Delivery = store.DeliverySent
	m.logs[conversationID] = append(m.logs[conversationID], accepted)

	for _, fn := range m.msgSubs[conversationID] {
		echo := accepted
		go fn(&echo)
	}

	pair := m.parts[conversationID]
	for _, owner := range pair {
		other := pair[0]
		if owner == pair[0] {
			other = pair[1]
		}
		if m.removed[owner][conversationID] {
			// A remotely deleted thread comes back when new
			// messages arrive, matching the merge semantics.
			delete(m.removed[owner], conversationID)
		}
		summary := &store.Conversation{
			ConversationID: conversationID,
			OwnerID:        owner,
			OtherUserID:    other,
			LatestAt:       accepted.SentAt,
			LatestText:     accepted.Body,
			LatestRead:     owner == accepted.SenderID,
		}
		for _, fn := range m.listSubs[owner] {
			s := *summary
			go fn(&s)
		}
	}
}

// SubscribeMessages streams accepted messages for one conversation.
func (m *Memory) SubscribeMessages(conversationID string, fn MessageFunc) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fault != nil {
		return nil, m.fault
	}
	if m.msgSubs[conversationID] == nil {
		m.msgSubs[conversationID] = make(map[int]MessageFunc)
	}
	id := m.nextSub
	m.nextSub++
	m.msgSubs[conversationID][id] = fn

	// Replay the accepted log so a re-attached subscriber catches up;
	// duplicates are absorbed by the engine's idempotent merge.
	for _, msg := range m.logs[conversationID] {
		replay := msg
		go fn(&replay)
	}

	return &memHandle{cancel: func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.msgSubs[conversationID], id)
	}}, nil
}

// SubscribeConversationList streams conversation summaries for one user.
func (m *Memory) SubscribeConversationList(userID string, fn ConversationFunc) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fault != nil {
		return nil, m.fault
	}
	if m.listSubs[userID] == nil {
		m.listSubs[userID] = make(map[int]ConversationFunc)
	}
	id := m.nextSub
	m.nextSub++
	m.listSubs[userID][id] = fn

	return &memHandle{cancel: func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listSubs[userID], id)
	}}, nil
}

// DeleteConversation hides the conversation from one user's remote index.
func (m *Memory) DeleteConversation(_ context.Context, conversationID string, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fault != nil {
		return m.fault
	}
	if _, ok := m.parts[conversationID]; !ok {
		return store.ErrConversationNotFound
	}
	if m.removed[userID] == nil {
		m.removed[userID] = make(map[string]bool)
	}
	m.removed[userID][conversationID] = true
	return nil
}

// Upload stores nothing and returns a synthetic stable URL for the payload.
func (m *Memory) Upload(_ context.Context, data []byte, fileName string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fault != nil {
		return "", ErrUploadFailed
	}
	if len(data) == 0 {
		return "", ErrUploadFailed
	}
	return fmt.Sprintf("memory://media/%s", fileName), nil
}

type memHandle struct {
	once   sync.Once
	cancel func()
}

func (h *memHandle) Cancel() {
	h.once.Do(h.cancel)
}
