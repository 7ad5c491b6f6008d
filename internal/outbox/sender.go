// Package outbox drains pending entries and dispatches them to the remote
// backend. Failed entries are never retried automatically: under an
// ambiguous network failure a silent retry risks duplicate sends, so the
// entry surfaces as failed until the caller retries explicitly.
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/mychat/chatsync/internal/backend"
	"github.com/mychat/chatsync/internal/bus"
	"github.com/mychat/chatsync/internal/status"
	"github.com/mychat/chatsync/internal/store"
	"go.uber.org/zap"
)

// DefaultTick is the outbox poll interval when the config does not set one.
const DefaultTick = 500 * time.Millisecond

// Sender drains the outbox and delivers messages via the backend.
type Sender struct {
	db      *store.DB
	backend backend.Backend
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger
	tick    time.Duration
	cancel  context.CancelFunc
}

// NewSender creates a new outbox sender. machine may be nil.
func NewSender(db *store.DB, be backend.Backend, b *bus.Bus, m *status.Machine, logger *zap.Logger, tick time.Duration) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Sender{
		db:      db,
		backend: be,
		bus:     b,
		machine: m,
		logger:  logger,
		tick:    tick,
	}
}

// Start begins polling the outbox. An outbox.queued event on the bus kicks
// a drain immediately instead of waiting for the next tick. The kick channel
// is subscribed before Start returns, so a queue-then-kick sequence right
// after Start is never dropped.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	kick, unsub := s.bus.Subscribe(bus.KindOutboxQueued, 64)
	go s.loop(ctx, kick, unsub)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context, kick <-chan bus.Event, unsub func()) {
	defer unsub()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-kick:
			s.drain(ctx)
		case <-ticker.C:
			s.drain(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) drain(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		s.dispatch(ctx, entry)
	}
}

// dispatch delivers one entry. The message row was already written by the
// engine's optimistic append, so the UI sees it as pending while the send is
// in flight; in-flight sends run to completion even if the caller went away.
func (s *Sender) dispatch(ctx context.Context, entry store.OutboxEntry) {
	msg, err := s.db.GetMessage(entry.ConversationID, entry.MsgID)
	if err != nil || msg == nil {
		s.logger.Error("outbox entry without message row",
			zap.Error(err), zap.String("msg_id", entry.MsgID))
		_ = s.db.MarkOutboxFailed(entry.MsgID, "message row missing")
		return
	}

	if entry.CreateConv {
		err = s.createRemote(ctx, msg)
	} else {
		err = s.backend.SendMessage(ctx, entry.ConversationID, msg)
	}

	if err != nil {
		// Only reachability failures flip connectivity; a rejection means
		// the remote was reached and answered.
		if s.machine != nil && errors.Is(err, backend.ErrNetworkUnavailable) {
			s.machine.MarkOffline()
		}
		s.logger.Warn("send failed",
			zap.Error(err),
			zap.String("msg_id", entry.MsgID),
			zap.Int("attempts", entry.Attempts+1))
		if markErr := s.db.MarkOutboxFailed(entry.MsgID, err.Error()); markErr != nil {
			s.logger.Error("mark outbox failed", zap.Error(markErr), zap.String("msg_id", entry.MsgID))
		}
		s.bus.Emit(bus.KindMessageSendFailed, bus.MessageRef{
			ConversationID: entry.ConversationID,
			MessageID:      entry.MsgID,
			Error:          err.Error(),
		})
		return
	}

	if s.machine != nil {
		s.machine.MarkOnline()
	}
	if err := s.db.MarkOutboxSent(entry.MsgID); err != nil {
		s.logger.Error("mark outbox sent", zap.Error(err), zap.String("msg_id", entry.MsgID))
	}
	s.logger.Info("message sent",
		zap.String("msg_id", entry.MsgID),
		zap.String("conversation_id", entry.ConversationID))
	s.bus.Emit(bus.KindMessageSendAck, bus.MessageRef{
		ConversationID: entry.ConversationID,
		MessageID:      entry.MsgID,
	})
}

// createRemote registers a new conversation carrying its first message. The
// initiator's index row supplies the participant pair.
func (s *Sender) createRemote(ctx context.Context, msg *store.Message) error {
	conv, err := s.db.GetConversation(msg.SenderID, msg.ConversationID)
	if err != nil {
		return err
	}
	if conv == nil {
		return store.ErrConversationNotFound
	}
	_, err = s.backend.CreateConversation(ctx, conv, msg)
	return err
}
