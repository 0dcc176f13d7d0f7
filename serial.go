package hesokuri

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// serialQueue runs submitted tasks one at a time in submission order. Every
// operation that reads or mutates a source's state goes through its queue;
// that single-writer discipline is what makes the engine correct without any
// further locking.
type serialQueue struct {
	log *logrus.Entry

	mu      sync.Mutex
	cond    *sync.Cond
	pending []func()
	closed  bool
	done    chan struct{}
}

func newSerialQueue(log *logrus.Entry) *serialQueue {
	q := &serialQueue{
		log:  log,
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *serialQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		task := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
		task()
	}
}

// Do submits a task for asynchronous execution. Tasks submitted after Close
// are dropped.
func (q *serialQueue) Do(task func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.log.Debugf("Dropping task submitted after close")
		return
	}
	q.pending = append(q.pending, task)
	q.mu.Unlock()
	q.cond.Signal()
}

// DoSync submits a task and waits for it to finish. It reports whether the
// task ran; a task submitted after Close does not. Must not be called from a
// task already running on the same queue.
func (q *serialQueue) DoSync(task func()) bool {
	ran := make(chan struct{})
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, func() {
		defer close(ran)
		task()
	})
	q.mu.Unlock()
	q.cond.Signal()
	<-ran
	return true
}

// Close drains already-submitted tasks, stops the worker and waits for it to
// exit. Safe to call more than once.
func (q *serialQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.cond.Signal()
	<-q.done
}
