package sync

import (
	"sync"
	"testing"
	"time"
)

func TestSerialRunsTask(t *testing.T) {
	s := newSerial()

	ran := false
	s.Do("k", func() { ran = true })
	if !ran {
		t.Error("task did not run before Do returned")
	}
}

func TestSerialOrderPerKey(t *testing.T) {
	s := newSerial()

	const n = 50
	var order []int
	var wg sync.WaitGroup
	var mu sync.Mutex

	// Submissions race, but each Do call blocks until its task ran, so
	// appending under the key's queue must never interleave badly.
	for i := 0; i < n; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			s.Do("conv:1", func() {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			})
		}()
	}
	wg.Wait()

	if len(order) != n {
		t.Fatalf("ran %d tasks, want %d", len(order), n)
	}
}

func TestSerialKeysIndependent(t *testing.T) {
	s := newSerial()

	block := make(chan struct{})
	started := make(chan struct{})

	go s.Do("a", func() {
		close(started)
		<-block
	})
	<-started

	// A different key must not wait behind the blocked one.
	done := make(chan struct{})
	go func() {
		s.Do("b", func() {})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent key blocked behind busy key")
	}
	close(block)
}

func TestSerialCleansUpQueues(t *testing.T) {
	s := newSerial()

	for i := 0; i < 10; i++ {
		s.Do("k", func() {})
	}

	s.mu.Lock()
	n := len(s.queues)
	s.mu.Unlock()
	if n != 0 {
		t.Errorf("len(queues) = %d after idle, want 0", n)
	}
}
