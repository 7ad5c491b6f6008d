package sync

import "sync"

// serial runs tasks through a single-owner FIFO queue per key, so mutations
// of one conversation are linearized while different conversations proceed
// concurrently. Workers exist only while a key has callers.
type serial struct {
	mu     sync.Mutex
	queues map[string]*ownerQueue
}

type ownerQueue struct {
	tasks chan func()
	refs  int
}

func newSerial() *serial {
	return &serial{queues: make(map[string]*ownerQueue)}
}

// Do runs task on the key's owner goroutine and waits for it to finish.
// Tasks for the same key run in submission order.
func (s *serial) Do(key string, task func()) {
	s.mu.Lock()
	q, ok := s.queues[key]
	if !ok {
		q = &ownerQueue{tasks: make(chan func(), 16)}
		s.queues[key] = q
		go q.run()
	}
	q.refs++
	s.mu.Unlock()

	done := make(chan struct{})
	q.tasks <- func() {
		defer close(done)
		task()
	}
	<-done

	s.mu.Lock()
	q.refs--
	if q.refs == 0 {
		close(q.tasks)
		delete(s.queues, key)
	}
	s.mu.Unlock()
}

func (q *ownerQueue) run() {
	for task := range q.tasks {
		task()
	}
}
