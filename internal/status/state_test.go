package status

import (
	"testing"
	"time"

	"github.com/mychat/chatsync/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(bus.New())
	if m.Current() != Booting {
		t.Errorf("initial state = %v, want Booting", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	m := NewMachine(bus.New())

	steps := []State{Ready, Offline, Reconnecting, Ready, Stopped}
	for _, to := range steps {
		if err := m.Transition(to); err != nil {
			t.Fatalf("Transition(%v) error = %v", to, err)
		}
	}
	if m.Current() != Stopped {
		t.Errorf("final state = %v, want Stopped", m.Current())
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(bus.New())

	if err := m.Transition(Reconnecting); err == nil {
		t.Error("Booting -> Reconnecting should be invalid")
	}
	if m.Current() != Booting {
		t.Errorf("state after invalid transition = %v, want Booting", m.Current())
	}
}

func TestStoppedIsTerminal(t *testing.T) {
	m := NewMachine(bus.New())
	_ = m.Transition(Stopped)

	if err := m.Transition(Ready); err == nil {
		t.Error("Stopped -> Ready should be invalid")
	}
	m.MarkOnline()
	m.MarkOffline()
	if m.Current() != Stopped {
		t.Errorf("state = %v, want Stopped", m.Current())
	}
}

func TestMarkOnlineOffline(t *testing.T) {
	m := NewMachine(bus.New())

	m.MarkOnline()
	if m.Current() != Ready {
		t.Fatalf("state after MarkOnline = %v, want Ready", m.Current())
	}
	// Idempotent.
	m.MarkOnline()
	if m.Current() != Ready {
		t.Fatalf("state = %v, want Ready", m.Current())
	}

	m.MarkOffline()
	if m.Current() != Offline {
		t.Fatalf("state after MarkOffline = %v, want Offline", m.Current())
	}
	m.MarkOffline()
	if m.Current() != Offline {
		t.Fatalf("state = %v, want Offline", m.Current())
	}

	m.MarkOnline()
	if m.Current() != Ready {
		t.Errorf("state after recovery = %v, want Ready", m.Current())
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("sync.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Ready); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindSyncStatusChanged {
			t.Errorf("kind = %q, want %q", evt.Kind, bus.KindSyncStatusChanged)
		}
		change, ok := evt.Payload.(StatusChange)
		if !ok {
			t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
		}
		if change.From != Booting || change.To != Ready {
			t.Errorf("change = %+v, want Booting -> Ready", change)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for status event")
	}
}
