// Package sync implements the reconciliation engine between the local
// store and the remote backend: optimistic local writes through the outbox,
// idempotent merges of remote-origin changes, and fan-out to UI subscribers.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mychat/chatsync/internal/backend"
	"github.com/mychat/chatsync/internal/bus"
	"github.com/mychat/chatsync/internal/hub"
	"github.com/mychat/chatsync/internal/identity"
	"github.com/mychat/chatsync/internal/status"
	"github.com/mychat/chatsync/internal/store"
	"go.uber.org/zap"
)

// Draft is a locally composed message before it is assigned an id.
type Draft struct {
	Kind string
	Body string
}

// Engine coordinates every mutation of the local store. Mutations for one
// conversation are linearized through a per-conversation owner queue;
// different conversations proceed concurrently.
type Engine struct {
	db       *store.DB
	backend  backend.Backend
	uploader backend.Uploader
	bus      *bus.Bus
	hub      *hub.Hub
	machine  *status.Machine
	logger   *zap.Logger
	serial   *serial
	cancel   context.CancelFunc
}

// NewEngine creates the engine and wires itself in as the hub's backend
// attacher.
func NewEngine(db *store.DB, be backend.Backend, up backend.Uploader, b *bus.Bus, h *hub.Hub, m *status.Machine, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		db:       db,
		backend:  be,
		uploader: up,
		bus:      b,
		hub:      h,
		machine:  m,
		logger:   logger,
		serial:   newSerial(),
	}
	if h != nil {
		h.SetAttacher(e)
	}
	return e
}

// Start begins consuming send acknowledgements and connectivity changes
// from the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	sendCh, unsubSend := e.bus.Subscribe("message.send_", 256)
	statusCh, unsubStatus := e.bus.Subscribe("sync.status_changed", 16)

	go func() {
		defer unsubSend()
		defer unsubStatus()
		for {
			select {
			case evt := <-sendCh:
				e.handleSendEvent(evt)
			case evt := <-statusCh:
				e.handleStatusEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	if e.machine != nil {
		_ = e.machine.Transition(status.Stopped)
	}
}

// CreateConversation starts (or resumes) a 1:1 thread between initiator and
// other, carrying the first message. Both directions of the pair are checked
// under a pair-scoped owner queue, so two concurrent creations between the
// same participants resolve to the same conversation id.
func (e *Engine) CreateConversation(ctx context.Context, initiator, other, otherName string, d Draft) (string, error) {
	initID, err := identity.Resolve(initiator)
	if err != nil {
		return "", err
	}
	otherID, err := identity.Resolve(other)
	if err != nil {
		return "", err
	}

	var conversationID string
	var opErr error
	e.serial.Do(pairKey(string(initID), string(otherID)), func() {
		existing, err := e.db.ExistingConversationWith(string(initID), string(otherID))
		if err != nil {
			opErr = fmt.Errorf("resolve existing conversation: %w", err)
			return
		}
		if existing != "" {
			// Route the message into the existing thread instead of
			// minting a duplicate conversation.
			conversationID = existing
			_, opErr = e.SendMessage(ctx, existing, initiator, d)
			return
		}

		msgID := identity.NewMessageID(initID)
		conversationID = "conversation_" + msgID
		now := time.Now().UnixMilli()

		msg := &store.Message{
			ConversationID: conversationID,
			MsgID:          msgID,
			SenderID:       string(initID),
			Kind:           d.Kind,
			Body:           d.Body,
			Delivery:       store.DeliveryPending,
			SentAt:         now,
		}
		preview := truncate(d.Body, 100)

		users := []store.User{
			{UserID: string(initID), Email: initiator},
			{UserID: string(otherID), Email: other, DisplayName: otherName},
		}
		// Index entries for both participants, unread on the
		// recipient's side.
		both := []store.Conversation{
			{ConversationID: conversationID, OwnerID: string(initID), OtherUserID: string(otherID), DisplayName: otherName, LatestAt: now, LatestText: preview, LatestRead: true},
			{ConversationID: conversationID, OwnerID: string(otherID), OtherUserID: string(initID), LatestAt: now, LatestText: preview, LatestRead: false},
		}

		if err := e.db.InsertNewConversation(users, both, msg); err != nil {
			opErr = fmt.Errorf("persist new conversation: %w", err)
			return
		}

		e.bus.Emit(bus.KindConversationUpserted, conversationID)
		e.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{ConversationID: conversationID, MessageID: msgID})
		e.fanOut(conversationID, msgID)
	})
	if opErr != nil {
		return "", opErr
	}

	e.bus.Emit(bus.KindOutboxQueued, conversationID)
	return conversationID, nil
}

// SendMessage composes and optimistically appends a message, queues it for
// delivery, and returns its id. Delivery failures never surface here; they
// appear as deliveryState failed plus a retrievable outbox entry.
func (e *Engine) SendMessage(ctx context.Context, conversationID, sender string, d Draft) (string, error) {
	senderID, err := identity.Resolve(sender)
	if err != nil {
		return "", err
	}
	if d.Body == "" {
		return "", fmt.Errorf("empty message body")
	}
	kind := d.Kind
	if kind == "" {
		kind = store.KindText
	}

	msg := &store.Message{
		ConversationID: conversationID,
		MsgID:          identity.NewMessageID(senderID),
		SenderID:       string(senderID),
		Kind:           kind,
		Body:           d.Body,
		Delivery:       store.DeliveryPending,
		SentAt:         time.Now().UnixMilli(),
	}

	var opErr error
	e.serial.Do(convKey(conversationID), func() {
		row, err := e.db.GetConversation(string(senderID), conversationID)
		if err != nil {
			opErr = fmt.Errorf("load conversation: %w", err)
			return
		}
		if row == nil {
			opErr = store.ErrConversationNotFound
			return
		}
		opErr = e.appendLocal(msg)
	})
	if opErr != nil {
		return "", opErr
	}

	e.bus.Emit(bus.KindOutboxQueued, conversationID)
	return msg.MsgID, nil
}

// SendPhoto uploads the image payload and sends the resulting URL as a
// photo message. Upload failure is returned directly; nothing durable is
// created until the media has a URL.
func (e *Engine) SendPhoto(ctx context.Context, conversationID, sender string, data []byte) (string, error) {
	return e.sendMedia(ctx, conversationID, sender, store.KindPhoto, data, "png")
}

// SendVideo uploads the video payload and sends the resulting URL as a
// video message.
func (e *Engine) SendVideo(ctx context.Context, conversationID, sender string, data []byte) (string, error) {
	return e.sendMedia(ctx, conversationID, sender, store.KindVideo, data, "mov")
}

func (e *Engine) sendMedia(ctx context.Context, conversationID, sender, kind string, data []byte, ext string) (string, error) {
	senderID, err := identity.Resolve(sender)
	if err != nil {
		return "", err
	}
	if e.uploader == nil {
		return "", backend.ErrUploadFailed
	}

	fileName := fmt.Sprintf("%s_message_%s.%s", kind, identity.NewMessageID(senderID), ext)
	url, err := e.uploader.Upload(ctx, data, fileName)
	if err != nil {
		if errors.Is(err, backend.ErrUploadFailed) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", backend.ErrUploadFailed, err)
	}

	return e.SendMessage(ctx, conversationID, sender, Draft{Kind: kind, Body: url})
}

// RetryMessage re-enters a failed outbox entry into the pending state and
// kicks the sender. Retry is always an explicit caller decision.
func (e *Engine) RetryMessage(conversationID, msgID string) error {
	var opErr error
	e.serial.Do(convKey(conversationID), func() {
		if err := e.db.RetryOutbox(msgID); err != nil {
			opErr = err
			return
		}
		if err := e.db.SetMessageDelivery(conversationID, msgID, store.DeliveryPending); err != nil {
			opErr = err
			return
		}
		e.fanOut(conversationID, msgID)
	})
	if opErr != nil {
		return opErr
	}
	e.bus.Emit(bus.KindOutboxQueued, conversationID)
	return nil
}

// OnRemoteChange merges a remote-origin message. Duplicate deliveries and
// echoes of locally sent messages are absorbed by the idempotent upsert.
func (e *Engine) OnRemoteChange(conversationID string, msg *store.Message) {
	e.serial.Do(convKey(conversationID), func() {
		merged := *msg
		merged.ConversationID = conversationID
		if merged.Delivery == "" {
			merged.Delivery = store.DeliverySent
		}
		if err := e.db.UpsertMessage(&merged); err != nil {
			e.logger.Error("merge remote message", zap.Error(err), zap.String("msg_id", merged.MsgID))
			return
		}
		if err := e.db.TouchConversation(conversationID, merged.SentAt, truncate(merged.Body, 100), merged.SenderID); err != nil {
			e.logger.Error("refresh conversation summary", zap.Error(err), zap.String("conversation_id", conversationID))
		}
		e.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{ConversationID: conversationID, MessageID: merged.MsgID})
		e.fanOut(conversationID, merged.MsgID)
	})
}

// onRemoteConversation merges a remote-origin conversation summary into the
// owner's index.
func (e *Engine) onRemoteConversation(conv *store.Conversation) {
	e.serial.Do(convKey(conv.ConversationID), func() {
		if err := e.db.UpsertConversation(conv); err != nil {
			e.logger.Error("merge remote conversation", zap.Error(err), zap.String("conversation_id", conv.ConversationID))
			return
		}
		e.bus.Emit(bus.KindConversationUpserted, conv.ConversationID)
		e.notifyList(conv.OwnerID)
	})
}

// DeleteConversation tombstones the conversation in forUser's index. The
// other participant keeps the thread and its full history.
func (e *Engine) DeleteConversation(ctx context.Context, conversationID, forUser string) error {
	ownerID, err := identity.Resolve(forUser)
	if err != nil {
		return err
	}

	var opErr error
	e.serial.Do(convKey(conversationID), func() {
		if err := e.db.RemoveConversation(string(ownerID), conversationID); err != nil {
			opErr = err
			return
		}
		if err := e.backend.DeleteConversation(ctx, conversationID, string(ownerID)); err != nil {
			// The local tombstone holds; remote removal is retried
			// implicitly when the index next syncs.
			e.observe(err)
			e.logger.Warn("remote delete failed", zap.Error(err), zap.String("conversation_id", conversationID))
		} else {
			e.observe(nil)
		}
		e.bus.Emit(bus.KindConversationRemoved, conversationID)
		e.notifyList(string(ownerID))
	})
	return opErr
}

// MarkRead flips the unread flag on the user's index entry.
func (e *Engine) MarkRead(user, conversationID string) error {
	ownerID, err := identity.Resolve(user)
	if err != nil {
		return err
	}
	if err := e.db.MarkConversationRead(string(ownerID), conversationID); err != nil {
		return err
	}
	e.notifyList(string(ownerID))
	return nil
}

// Conversations returns the user's visible conversation index, newest first.
func (e *Engine) Conversations(user string) ([]store.Conversation, error) {
	ownerID, err := identity.Resolve(user)
	if err != nil {
		return nil, err
	}
	return e.db.ListConversations(string(ownerID), 0, 0)
}

// Messages returns a page of a conversation's log in (sentAt, id) order.
func (e *Engine) Messages(conversationID string, afterTs int64, afterID string, limit int) ([]store.Message, error) {
	return e.db.ListMessages(conversationID, afterTs, afterID, limit)
}

// Attach opens the backend stream feeding a hub topic (hub.Attacher).
func (e *Engine) Attach(t hub.Topic) (backend.Handle, error) {
	var handle backend.Handle
	var err error
	if t.IsMessages() {
		conversationID := t.Key()
		handle, err = e.backend.SubscribeMessages(conversationID, func(msg *store.Message) {
			e.OnRemoteChange(conversationID, msg)
		})
	} else {
		handle, err = e.backend.SubscribeConversationList(t.Key(), func(conv *store.Conversation) {
			e.onRemoteConversation(conv)
		})
	}
	e.observe(err)
	return handle, err
}

// appendLocal is the shared optimistic write path: message row, outbox
// entry and summary refresh committed as one transaction, then fan-out.
// Caller holds the conversation's owner queue.
func (e *Engine) appendLocal(msg *store.Message) error {
	if err := e.db.AppendOutgoingMessage(msg, truncate(msg.Body, 100)); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	e.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{ConversationID: msg.ConversationID, MessageID: msg.MsgID})
	e.fanOut(msg.ConversationID, msg.MsgID)
	return nil
}

func (e *Engine) handleSendEvent(evt bus.Event) {
	ref, ok := evt.Payload.(bus.MessageRef)
	if !ok {
		return
	}
	switch evt.Kind {
	case bus.KindMessageSendAck:
		e.serial.Do(convKey(ref.ConversationID), func() {
			if err := e.db.SetMessageDelivery(ref.ConversationID, ref.MessageID, store.DeliverySent); err != nil {
				e.logger.Error("mark message sent", zap.Error(err), zap.String("msg_id", ref.MessageID))
				return
			}
			e.fanOut(ref.ConversationID, ref.MessageID)
		})
	case bus.KindMessageSendFailed:
		e.serial.Do(convKey(ref.ConversationID), func() {
			if err := e.db.SetMessageDelivery(ref.ConversationID, ref.MessageID, store.DeliveryFailed); err != nil {
				e.logger.Error("mark message failed", zap.Error(err), zap.String("msg_id", ref.MessageID))
				return
			}
			e.fanOut(ref.ConversationID, ref.MessageID)
		})
	}
}

func (e *Engine) handleStatusEvent(evt bus.Event) {
	change, ok := evt.Payload.(status.StatusChange)
	if !ok {
		return
	}
	if change.To != status.Ready {
		return
	}
	if change.From == status.Offline || change.From == status.Reconnecting {
		// Streams are restartable; replayed events merge idempotently.
		e.logger.Info("reconnected, reattaching subscriptions")
		e.hub.Reattach()
	}
}

// fanOut hands fresh store snapshots to the hub: the merged message for the
// conversation's message topic and each owner's index for their list topic.
func (e *Engine) fanOut(conversationID, msgID string) {
	if e.hub == nil {
		return
	}
	msg, err := e.db.GetMessage(conversationID, msgID)
	if err != nil || msg == nil {
		return
	}
	e.hub.Notify(hub.Messages(conversationID), msg)

	owners, err := e.db.ConversationOwners(conversationID)
	if err != nil {
		return
	}
	for _, owner := range owners {
		e.notifyList(owner)
	}
}

func (e *Engine) notifyList(ownerID string) {
	if e.hub == nil {
		return
	}
	convs, err := e.db.ListConversations(ownerID, 0, 0)
	if err != nil {
		return
	}
	e.hub.Notify(hub.ConversationList(ownerID), convs)
}

// observe folds a remote operation's outcome into the connectivity machine.
func (e *Engine) observe(err error) {
	if e.machine == nil {
		return
	}
	if err == nil {
		e.machine.MarkOnline()
		return
	}
	if errors.Is(err, backend.ErrNetworkUnavailable) {
		e.machine.MarkOffline()
	}
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "pair:" + a + "|" + b
}

func convKey(id string) string {
	return "conv:" + id
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
