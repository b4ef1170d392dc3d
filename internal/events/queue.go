package events

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Queue is an in-process Bus backed by a fixed pool of workers. Pending events
// are unbounded so handlers can publish follow-up events without blocking.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	pending  []Event
	inflight int
	closed   bool
	started  bool
	handlers map[Name][]Handler

	workers int
	wg      sync.WaitGroup
	log     *logrus.Entry
}

// NewQueue creates a queue that runs at most workers handlers at a time
func NewQueue(workers int, log *logrus.Entry) *Queue {
	if workers < 1 {
		workers = 1
	}
	q := &Queue{
		handlers: make(map[Name][]Handler),
		workers:  workers,
		log:      log.WithField("component", "queue"),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Subscribe registers h for events named name
func (q *Queue) Subscribe(name Name, h Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = append(q.handlers[name], h)
	return nil
}

// Start launches the workers. Handlers receive ctx.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(ctx)
	}
}

// Publish enqueues ev. After Close only handlers still running may publish.
func (q *Queue) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed && q.inflight == 0 {
		return ErrClosed
	}
	q.pending = append(q.pending, ev)
	q.cond.Signal()
	return nil
}

// Close stops accepting events and waits until pending events and the events
// they cascade into have been handled
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	started := q.started
	q.cond.Broadcast()
	q.mu.Unlock()

	if started {
		q.wg.Wait()
	}
}

func (q *Queue) work(ctx context.Context) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		ev := q.pending[0]
		q.pending = q.pending[1:]
		q.inflight++
		handlers := q.handlers[ev.Name]
		q.mu.Unlock()

		for _, h := range handlers {
			q.dispatch(ctx, h, ev)
		}

		q.mu.Lock()
		q.inflight--
		q.cond.Broadcast()
		q.mu.Unlock()
	}
}

func (q *Queue) dispatch(ctx context.Context, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			q.log.WithFields(logrus.Fields{
				"event":   ev.Name,
				"eventId": ev.ID,
			}).Errorf("handler panicked: %v", r)
		}
	}()
	h(ctx, ev)
}
