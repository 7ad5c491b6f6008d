// Package hub fans incremental engine updates out to UI subscribers. It is a
// plain registry keyed by topic: at most one live backend stream exists per
// topic no matter how many local subscribers registered for it.
package hub

import (
	"fmt"
	"sync"

	"github.com/mychat/chatsync/internal/backend"
	"go.uber.org/zap"
)

// Topic identifies a stream of updates.
type Topic struct {
	kind string
	key  string
}

// ConversationList is the topic carrying one user's conversation index.
func ConversationList(userID string) Topic {
	return Topic{kind: "conversations", key: userID}
}

// Messages is the topic carrying one conversation's message log.
func Messages(conversationID string) Topic {
	return Topic{kind: "messages", key: conversationID}
}

// IsMessages reports whether the topic is a per-conversation message stream.
func (t Topic) IsMessages() bool { return t.kind == "messages" }

// Key returns the conversation id or user id the topic is scoped to.
func (t Topic) Key() string { return t.key }

func (t Topic) String() string {
	return t.kind + ":" + t.key
}

// UpdateFunc receives a topic update. Callbacks must be fire-and-return:
// the hub never suspends inside a delivery.
type UpdateFunc func(payload any)

// Attacher opens the backend stream feeding a topic. The engine implements
// this; the returned handle cancels the stream.
type Attacher interface {
	Attach(t Topic) (backend.Handle, error)
}

// Subscription is one registered callback. Cancel releases it; the backend
// stream is released when the last subscription for the topic goes away.
type Subscription struct {
	hub   *Hub
	topic Topic
	id    int
	once  sync.Once
}

// Cancel unregisters the subscription.
func (s *Subscription) Cancel() {
	s.once.Do(func() { s.hub.drop(s.topic, s.id) })
}

type entry struct {
	id int
	fn UpdateFunc
}

type topicState struct {
	subs   []entry // registration order
	handle backend.Handle
}

// Hub is the subscriber registry.
type Hub struct {
	mu     sync.Mutex
	topics map[Topic]*topicState
	attach Attacher
	logger *zap.Logger
	nextID int
}

// New creates an empty hub. The attacher is wired afterwards because the
// engine and the hub reference each other.
func New(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		topics: make(map[Topic]*topicState),
		logger: logger,
	}
}

// SetAttacher wires the backend attachment strategy. Must be called before
// the first Subscribe.
func (h *Hub) SetAttacher(a Attacher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attach = a
}

// Subscribe registers a callback for a topic. The first subscriber for a
// topic attaches the backend stream; failure to attach leaves no
// registration behind.
func (h *Hub) Subscribe(t Topic, fn UpdateFunc) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.attach == nil {
		return nil, fmt.Errorf("hub: no attacher configured")
	}

	st, ok := h.topics[t]
	if !ok {
		handle, err := h.attach.Attach(t)
		if err != nil {
			return nil, fmt.Errorf("attach %s: %w", t, err)
		}
		st = &topicState{handle: handle}
		h.topics[t] = st
	}

	id := h.nextID
	h.nextID++
	st.subs = append(st.subs, entry{id: id, fn: fn})
	return &Subscription{hub: h, topic: t, id: id}, nil
}

// Notify delivers a payload to every subscriber of a topic in registration
// order. A panic inside one callback is isolated and logged; remaining
// subscribers are still delivered.
func (h *Hub) Notify(t Topic, payload any) {
	h.mu.Lock()
	var subs []entry
	if st, ok := h.topics[t]; ok {
		subs = append(subs, st.subs...)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		h.deliver(t, sub, payload)
	}
}

func (h *Hub) deliver(t Topic, sub entry, payload any) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("subscriber panicked",
				zap.String("topic", t.String()),
				zap.Int("subscription", sub.id),
				zap.Any("panic", r))
		}
	}()
	sub.fn(payload)
}

// Reattach tears down and re-opens the backend stream of every live topic.
// Called after a reconnect; replayed events are absorbed by the engine's
// idempotent merge.
func (h *Hub) Reattach() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for t, st := range h.topics {
		if st.handle != nil {
			st.handle.Cancel()
			st.handle = nil
		}
		handle, err := h.attach.Attach(t)
		if err != nil {
			h.logger.Warn("reattach failed", zap.String("topic", t.String()), zap.Error(err))
			continue
		}
		st.handle = handle
	}
}

// drop removes one subscription; the last one out cancels the backend stream.
func (h *Hub) drop(t Topic, id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.topics[t]
	if !ok {
		return
	}
	for i, sub := range st.subs {
		if sub.id == id {
			st.subs = append(st.subs[:i], st.subs[i+1:]...)
			break
		}
	}
	if len(st.subs) == 0 {
		if st.handle != nil {
			st.handle.Cancel()
		}
		delete(h.topics, t)
	}
}
