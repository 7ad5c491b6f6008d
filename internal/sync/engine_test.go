package sync

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mychat/chatsync/internal/backend"
	"github.com/mychat/chatsync/internal/bus"
	"github.com/mychat/chatsync/internal/hub"
	"github.com/mychat/chatsync/internal/outbox"
	"github.com/mychat/chatsync/internal/status"
	"github.com/mychat/chatsync/internal/store"
)

type fixture struct {
	db      *store.DB
	mem     *backend.Memory
	bus     *bus.Bus
	hub     *hub.Hub
	machine *status.Machine
	engine  *Engine
	sender  *outbox.Sender
}

// newFixture wires the full local pipeline: engine, hub, outbox sender and
// the in-process backend, all over a temp-dir store.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	b := bus.New()
	mem := backend.NewMemory()
	h := hub.New(nil)
	m := status.NewMachine(b)
	e := NewEngine(db, mem, mem, b, h, m, nil)
	s := outbox.NewSender(db, mem, b, m, nil, 50*time.Millisecond)

	e.Start(context.Background())
	s.Start(context.Background())
	t.Cleanup(func() {
		s.Stop()
		e.Stop()
	})

	return &fixture{db: db, mem: mem, bus: b, hub: h, machine: m, engine: e, sender: s}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestCreateConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.engine.CreateConversation(ctx, "alice@example.com", "bob@example.com", "Bob", Draft{Kind: store.KindText, Body: "hi"})
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	if !strings.HasPrefix(id, "conversation_alice-example-com_") {
		t.Errorf("id = %q, want conversation_<first message id>", id)
	}

	// Both participants hold an index row immediately.
	aliceConvs, err := f.engine.Conversations("alice@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(aliceConvs) != 1 || aliceConvs[0].LatestText != "hi" {
		t.Fatalf("alice convs = %+v", aliceConvs)
	}
	if !aliceConvs[0].LatestRead {
		t.Error("initiator's entry should start read")
	}

	bobConvs, _ := f.engine.Conversations("bob@example.com")
	if len(bobConvs) != 1 || bobConvs[0].LatestText != "hi" {
		t.Fatalf("bob convs = %+v", bobConvs)
	}
	if bobConvs[0].LatestRead {
		t.Error("recipient's entry should start unread")
	}
	if bobConvs[0].DisplayName != "alice-example-com" {
		t.Errorf("bob sees %q, want the other participant", bobConvs[0].DisplayName)
	}

	// The first message is visible right away and confirmed shortly after.
	msgs, err := f.engine.Messages(id, 0, "", 0)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("messages = %v, %v", msgs, err)
	}
	msgID := msgs[0].MsgID
	if id != "conversation_"+msgID {
		t.Errorf("conversation id %q not derived from first message %q", id, msgID)
	}

	waitFor(t, "delivery confirmation", func() bool {
		msg, _ := f.db.GetMessage(id, msgID)
		return msg != nil && msg.Delivery == store.DeliverySent
	})
	waitFor(t, "outbox drained", func() bool {
		entry, _ := f.db.GetOutbox(msgID)
		return entry == nil
	})
}

func TestCreateConversationReusesExisting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id1, err := f.engine.CreateConversation(ctx, "alice@example.com", "bob@example.com", "Bob", Draft{Body: "first"})
	if err != nil {
		t.Fatal(err)
	}
	id2, err := f.engine.CreateConversation(ctx, "alice@example.com", "bob@example.com", "Bob", Draft{Body: "second"})
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("duplicate creation minted a second conversation: %q vs %q", id1, id2)
	}

	msgs, _ := f.engine.Messages(id1, 0, "", 0)
	if len(msgs) != 2 {
		t.Errorf("len(msgs) = %d, want 2", len(msgs))
	}
	convs, _ := f.engine.Conversations("alice@example.com")
	if len(convs) != 1 {
		t.Errorf("alice has %d conversations, want 1", len(convs))
	}
}

func TestConcurrentCreateConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Half the creations run in the opposite direction; the pair-scoped
	// queue still resolves them all to one conversation.
	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			initiator, other, otherName := "alice@example.com", "bob@example.com", "Bob"
			if i%2 == 1 {
				initiator, other, otherName = other, initiator, "Alice"
			}
			id, err := f.engine.CreateConversation(ctx, initiator, other, otherName, Draft{Body: "hello"})
			if err != nil {
				t.Errorf("CreateConversation() error = %v", err)
				return
			}
			ids[i] = id
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("concurrent creations diverged: %q vs %q", ids[0], ids[i])
		}
	}
	convs, _ := f.engine.Conversations("alice@example.com")
	if len(convs) != 1 {
		t.Errorf("alice has %d conversations, want 1", len(convs))
	}
}

func TestSendMessageUnknownConversation(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.SendMessage(context.Background(), "nope", "alice@example.com", Draft{Body: "hi"})
	if !errors.Is(err, store.ErrConversationNotFound) {
		t.Errorf("SendMessage() error = %v, want ErrConversationNotFound", err)
	}
}

func TestSendMessageEmptyBody(t *testing.T) {
	f := newFixture(t)

	if _, err := f.engine.SendMessage(context.Background(), "c1", "alice@example.com", Draft{}); err == nil {
		t.Error("SendMessage() with empty body should fail")
	}
}

func TestOfflineSendAndRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.engine.CreateConversation(ctx, "alice@example.com", "bob@example.com", "Bob", Draft{Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "initial send", func() bool {
		msg, _ := f.db.LatestMessage(id)
		return msg != nil && msg.Delivery == store.DeliverySent
	})

	f.mem.SetFault(backend.ErrNetworkUnavailable)

	// Composing while offline still succeeds locally.
	msgID, err := f.engine.SendMessage(ctx, id, "alice@example.com", Draft{Body: "are you there"})
	if err != nil {
		t.Fatalf("SendMessage() while offline error = %v", err)
	}
	// The row is visible immediately regardless of dispatch outcome.
	if msg, _ := f.db.GetMessage(id, msgID); msg == nil {
		t.Fatal("no local row after offline send")
	}

	waitFor(t, "delivery failure", func() bool {
		msg, _ := f.db.GetMessage(id, msgID)
		return msg != nil && msg.Delivery == store.DeliveryFailed
	})
	entry, _ := f.db.GetOutbox(msgID)
	if entry == nil || entry.Status != store.OutboxFailed {
		t.Fatalf("entry = %+v, want retrievable failed entry", entry)
	}
	if f.machine.Current() != status.Offline {
		t.Errorf("machine = %v, want Offline", f.machine.Current())
	}

	// No automatic redelivery: the entry sits failed until retried.
	time.Sleep(150 * time.Millisecond)
	if entry, _ = f.db.GetOutbox(msgID); entry == nil || entry.Status != store.OutboxFailed {
		t.Fatalf("entry = %+v, want still failed", entry)
	}

	f.mem.SetFault(nil)
	if err := f.engine.RetryMessage(id, msgID); err != nil {
		t.Fatalf("RetryMessage() error = %v", err)
	}

	waitFor(t, "delivery after retry", func() bool {
		msg, _ := f.db.GetMessage(id, msgID)
		return msg != nil && msg.Delivery == store.DeliverySent
	})
	if entry, _ := f.db.GetOutbox(msgID); entry != nil {
		t.Errorf("entry = %+v after successful retry, want gone", entry)
	}
	waitFor(t, "machine back online", func() bool {
		return f.machine.Current() == status.Ready
	})
}

func TestRemoteEchoIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.engine.CreateConversation(ctx, "alice@example.com", "bob@example.com", "Bob", Draft{Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	msgs, _ := f.engine.Messages(id, 0, "", 0)
	msgID := msgs[0].MsgID

	waitFor(t, "delivery confirmation", func() bool {
		msg, _ := f.db.GetMessage(id, msgID)
		return msg != nil && msg.Delivery == store.DeliverySent
	})

	// A duplicate remote delivery with mangled content must be absorbed.
	f.engine.OnRemoteChange(id, &store.Message{MsgID: msgID, SenderID: "alice-example-com", Kind: store.KindText, Body: "mangled", Delivery: store.DeliverySent, SentAt: msgs[0].SentAt})

	got, _ := f.db.GetMessage(id, msgID)
	if got.Body != "hi" {
		t.Errorf("Body = %q after duplicate echo, want hi", got.Body)
	}
	all, _ := f.engine.Messages(id, 0, "", 0)
	if len(all) != 1 {
		t.Errorf("len(msgs) = %d after duplicate echo, want 1", len(all))
	}
}

func TestIncomingRemoteMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.engine.CreateConversation(ctx, "alice@example.com", "bob@example.com", "Bob", Draft{Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	f.engine.OnRemoteChange(id, &store.Message{MsgID: "bob-example-com_x1", SenderID: "bob-example-com", Kind: store.KindText, Body: "hey!", Delivery: store.DeliverySent, SentAt: time.Now().UnixMilli() + 1000})

	convs, _ := f.engine.Conversations("alice@example.com")
	if len(convs) != 1 {
		t.Fatalf("alice convs = %+v", convs)
	}
	if convs[0].LatestText != "hey!" {
		t.Errorf("LatestText = %q, want hey!", convs[0].LatestText)
	}
	if convs[0].LatestRead {
		t.Error("alice's entry should be unread after bob's message")
	}
}

func TestDeleteConversationIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.engine.CreateConversation(ctx, "alice@example.com", "bob@example.com", "Bob", Draft{Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}

	if err := f.engine.DeleteConversation(ctx, id, "alice@example.com"); err != nil {
		t.Fatalf("DeleteConversation() error = %v", err)
	}

	aliceConvs, _ := f.engine.Conversations("alice@example.com")
	if len(aliceConvs) != 0 {
		t.Errorf("alice convs = %+v after delete, want none", aliceConvs)
	}
	bobConvs, _ := f.engine.Conversations("bob@example.com")
	if len(bobConvs) != 1 {
		t.Errorf("bob convs = %+v, want his entry intact", bobConvs)
	}
	// The log survives the index tombstone.
	msgs, _ := f.engine.Messages(id, 0, "", 0)
	if len(msgs) != 1 {
		t.Errorf("len(msgs) = %d after delete, want 1", len(msgs))
	}

	// A fresh start between the pair mints a new conversation.
	id2, err := f.engine.CreateConversation(ctx, "alice@example.com", "bob@example.com", "Bob", Draft{Body: "again"})
	if err != nil {
		t.Fatal(err)
	}
	if id2 == id {
		t.Error("deleted thread reused for a fresh conversation")
	}
}

func TestDeleteConversationUnknown(t *testing.T) {
	f := newFixture(t)

	err := f.engine.DeleteConversation(context.Background(), "nope", "alice@example.com")
	if !errors.Is(err, store.ErrConversationNotFound) {
		t.Errorf("DeleteConversation() error = %v, want ErrConversationNotFound", err)
	}
}

func TestSendPhoto(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.engine.CreateConversation(ctx, "alice@example.com", "bob@example.com", "Bob", Draft{Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}

	msgID, err := f.engine.SendPhoto(ctx, id, "alice@example.com", []byte{0x89, 0x50})
	if err != nil {
		t.Fatalf("SendPhoto() error = %v", err)
	}
	msg, _ := f.db.GetMessage(id, msgID)
	if msg.Kind != store.KindPhoto {
		t.Errorf("Kind = %q, want photo", msg.Kind)
	}
	if !strings.HasPrefix(msg.Body, "memory://media/photo_message_") || !strings.HasSuffix(msg.Body, ".png") {
		t.Errorf("Body = %q, want uploaded photo URL", msg.Body)
	}

	// Upload failure leaves nothing durable behind.
	before, _ := f.engine.Messages(id, 0, "", 0)
	if _, err := f.engine.SendPhoto(ctx, id, "alice@example.com", nil); !errors.Is(err, backend.ErrUploadFailed) {
		t.Errorf("SendPhoto(empty) error = %v, want ErrUploadFailed", err)
	}
	after, _ := f.engine.Messages(id, 0, "", 0)
	if len(after) != len(before) {
		t.Errorf("failed upload appended a message: %d -> %d", len(before), len(after))
	}
}

func TestSendVideo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.engine.CreateConversation(ctx, "alice@example.com", "bob@example.com", "Bob", Draft{Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}

	msgID, err := f.engine.SendVideo(ctx, id, "alice@example.com", []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("SendVideo() error = %v", err)
	}
	msg, _ := f.db.GetMessage(id, msgID)
	if msg.Kind != store.KindVideo || !strings.HasSuffix(msg.Body, ".mov") {
		t.Errorf("msg = %+v, want video URL body", msg)
	}
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.engine.CreateConversation(ctx, "alice@example.com", "bob@example.com", "Bob", Draft{Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}

	bobConvs, _ := f.engine.Conversations("bob@example.com")
	if bobConvs[0].LatestRead {
		t.Fatal("bob's entry should start unread")
	}

	if err := f.engine.MarkRead("bob@example.com", id); err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	bobConvs, _ = f.engine.Conversations("bob@example.com")
	if !bobConvs[0].LatestRead {
		t.Error("bob's entry still unread after MarkRead")
	}
}

func TestHubReceivesUpdates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	listUpdates := make(chan any, 32)
	sub, err := f.hub.Subscribe(hub.ConversationList("alice-example-com"), func(p any) { listUpdates <- p })
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Cancel()

	id, err := f.engine.CreateConversation(ctx, "alice@example.com", "bob@example.com", "Bob", Draft{Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "list update", func() bool {
		select {
		case p := <-listUpdates:
			convs, ok := p.([]store.Conversation)
			return ok && len(convs) == 1 && convs[0].ConversationID == id
		default:
			return false
		}
	})

	msgUpdates := make(chan any, 32)
	msgSub, err := f.hub.Subscribe(hub.Messages(id), func(p any) { msgUpdates <- p })
	if err != nil {
		t.Fatal(err)
	}
	defer msgSub.Cancel()

	msgID, err := f.engine.SendMessage(ctx, id, "alice@example.com", Draft{Body: "second"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "message update", func() bool {
		select {
		case p := <-msgUpdates:
			msg, ok := p.(*store.Message)
			return ok && msg.MsgID == msgID
		default:
			return false
		}
	})
}

func TestReattachAfterReconnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.engine.CreateConversation(ctx, "alice@example.com", "bob@example.com", "Bob", Draft{Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "delivery confirmation", func() bool {
		msg, _ := f.db.LatestMessage(id)
		return msg != nil && msg.Delivery == store.DeliverySent
	})

	msgUpdates := make(chan any, 64)
	sub, err := f.hub.Subscribe(hub.Messages(id), func(p any) { msgUpdates <- p })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Cancel()

	// Subscribing replays the backend log once; drain that first.
	waitFor(t, "initial replay", func() bool {
		select {
		case <-msgUpdates:
			return true
		default:
			return false
		}
	})
	time.Sleep(50 * time.Millisecond)
	for len(msgUpdates) > 0 {
		<-msgUpdates
	}

	f.machine.MarkOffline()
	f.machine.MarkOnline()

	// Reattach replays the backend log again; the idempotent merge keeps
	// one row.
	waitFor(t, "replayed update", func() bool {
		select {
		case <-msgUpdates:
			return true
		default:
			return false
		}
	})
	msgs, _ := f.engine.Messages(id, 0, "", 0)
	if len(msgs) != 1 {
		t.Errorf("len(msgs) = %d after replay, want 1", len(msgs))
	}
}
