package txcoord

import (
	"context"
	"sync"

	"github.com/elliotcourant/timber"
	"github.com/elliotcourant/txcoord/z"
	"github.com/pkg/errors"
	"golang.org/x/net/trace"
)

const defaultSerializerCapacity = 128

type (
	// serializer runs tasks one at a time, in the order they were submitted, on a single goroutine. Commit and abort
	// decisions go through it so that everything they change is changed in one global order.
	serializer struct {
		name     string
		capacity int

		// lock guards everything below up to the context.
		lock     sync.Mutex
		notEmpty *sync.Cond
		notFull  *sync.Cond
		queue    []*task
		closed   bool

		// abandoned is set by shutdownNow, queued tasks are dropped instead of run.
		abandoned bool

		// ctx is handed to every task and cancelled by shutdownNow.
		ctx    context.Context
		cancel context.CancelFunc

		// closer tracks the worker goroutine and background work started by tasks.
		closer *z.Closer

		eventLog trace.EventLog
	}

	task struct {
		name string
		fn   func(ctx context.Context) error
		done chan error

		// dropped is called instead of fn when the task is dropped by shutdownNow. It may be nil.
		dropped func()
	}
)

func newSerializer(name string, capacity int, eventLog trace.EventLog) *serializer {
	if capacity <= 0 {
		capacity = defaultSerializerCapacity
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &serializer{
		name:     name,
		capacity: capacity,
		ctx:      ctx,
		cancel:   cancel,
		closer:   z.NewCloser(1),
		eventLog: eventLog,
	}
	s.notEmpty = sync.NewCond(&s.lock)
	s.notFull = sync.NewCond(&s.lock)

	go s.work()

	return s
}

// next waits for the next task. It returns nil once the serializer is closed and the queue is empty.
func (s *serializer) next() (t *task, abandoned bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for len(s.queue) == 0 && !s.closed {
		s.notEmpty.Wait()
	}

	if len(s.queue) == 0 {
		return nil, false
	}

	t = s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.notFull.Signal()

	return t, s.abandoned
}

func (s *serializer) work() {
	defer s.closer.Done()

	for {
		t, abandoned := s.next()
		if t == nil {
			return
		}

		if abandoned {
			s.eventLog.Printf("%s: dropped %s", s.name, t.name)
			if t.dropped != nil {
				t.dropped()
			}
			t.done <- ErrClosed
			continue
		}

		t.done <- s.run(t)
	}
}

func (s *serializer) run(t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			timber.Errorf("%s: task %s panicked: %v", s.name, t.name, r)
			err = errors.Errorf("task %s panicked: %v", t.name, r)
		}
	}()

	s.eventLog.Printf("%s: running %s", s.name, t.name)
	if err = t.fn(s.ctx); err != nil {
		s.eventLog.Errorf("%s: %s failed: %v", s.name, t.name, err)
	}

	return err
}

// submit queues fn to run after every task that was submitted before it, waiting while the queue is full. The
// returned channel receives the result of fn exactly once.
func (s *serializer) submit(name string, fn func(ctx context.Context) error) (<-chan error, error) {
	t := &task{
		name: name,
		fn:   fn,
		done: make(chan error, 1),
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	for len(s.queue) >= s.capacity && !s.closed {
		s.notFull.Wait()
	}

	if s.closed {
		return nil, ErrClosed
	}

	s.enqueue(t)

	return t.done, nil
}

// post queues fn like submit does but never waits for room in the queue. The queue may grow past its capacity. If
// shutdownNow drops the task, dropped is called on the worker instead of fn.
func (s *serializer) post(name string, fn func(ctx context.Context) error, dropped func()) error {
	t := &task{
		name:    name,
		fn:      fn,
		done:    make(chan error, 1),
		dropped: dropped,
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.enqueue(t)

	return nil
}

// enqueue appends the task. The lock must be held.
func (s *serializer) enqueue(t *task) {
	s.queue = append(s.queue, t)
	s.notEmpty.Signal()
}

// queued returns the number of tasks waiting to run.
func (s *serializer) queued() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	return len(s.queue)
}

// background runs fn on its own goroutine, outside of the task order. It must only be called from a task, shutdown
// waits for it to return.
func (s *serializer) background(fn func(ctx context.Context)) {
	s.closer.AddRunning(1)
	go func() {
		defer s.closer.Done()
		fn(s.ctx)
	}()
}

func (s *serializer) isOpen() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	return !s.closed
}

// stopIntake rejects every task submitted from now on and wakes up everyone waiting on the queue.
func (s *serializer) stopIntake(abandon bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.closed = true
	if abandon {
		s.abandoned = true
	}

	s.notEmpty.Broadcast()
	s.notFull.Broadcast()
}

// shutdown stops accepting tasks, and waits for every queued task and all background work to finish.
func (s *serializer) shutdown() {
	s.stopIntake(false)
	s.closer.Wait()
	s.cancel()
}

// shutdownNow stops accepting tasks, cancels the context of the running task and drops every queued task. Dropped
// tasks report ErrClosed.
func (s *serializer) shutdownNow() {
	s.stopIntake(true)
	s.cancel()
	s.closer.Wait()
}
