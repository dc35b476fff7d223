package storage

import (
	"context"
	"sync"
	"sync/atomic"
)

// Scheduler runs live-query callbacks.
type Scheduler interface {
	Schedule(fn func())
}

// SchedulerFunc adapts a function to Scheduler.
type SchedulerFunc func(fn func())

func (f SchedulerFunc) Schedule(fn func()) { f(fn) }

// Inline runs callbacks on the goroutine that committed the write.
var Inline Scheduler = SchedulerFunc(func(fn func()) { fn() })

// MainQueue runs callbacks one at a time, in scheduling order, on a single
// goroutine. It plays the role of a UI run loop.
type MainQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

func NewMainQueue() *MainQueue {
	q := &MainQueue{done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Schedule enqueues fn. It never blocks; after Close it is a no-op.
func (q *MainQueue) Schedule(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.queue = append(q.queue, fn)
	q.cond.Signal()
}

// Flush blocks until every callback scheduled before the call has run.
// It must not be called from a callback.
func (q *MainQueue) Flush() {
	done := make(chan struct{})
	q.Schedule(func() { close(done) })
	select {
	case <-done:
	case <-q.done:
	}
}

// Close runs the callbacks already queued and stops the queue.
func (q *MainQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.cond.Signal()
	q.mu.Unlock()
	<-q.done
}

func (q *MainQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.queue) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.queue) == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		fn := q.queue[0]
		q.queue[0] = nil
		q.queue = q.queue[1:]
		q.mu.Unlock()

		fn()
	}
}

// Subscription is the cancellation handle of a live query.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe stops future callbacks. Calling it again is a no-op.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

type liveQuery interface {
	watches(kinds entity) bool
	// refresh reloads the result set and returns its delivery, or nil when
	// the result is unchanged since the last refresh.
	refresh(ctx context.Context, seq uint64) (func(), error)
	close()
}

type live[T any] struct {
	kind  entity
	load  func(ctx context.Context) ([]T, error)
	equal func(a, b T) bool
	fn    func([]T)

	// last is only touched under the store's writeMu.
	last []T

	mu        sync.Mutex
	delivered uint64
	closed    atomic.Bool
}

func (l *live[T]) watches(kinds entity) bool {
	return l.kind&kinds != 0
}

func (l *live[T]) refresh(ctx context.Context, seq uint64) (func(), error) {
	if l.closed.Load() {
		return nil, nil
	}
	snap, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	if equalSlices(l.last, snap, l.equal) {
		return nil, nil
	}
	l.last = snap
	return func() { l.deliver(seq, snap) }, nil
}

// deliver drops snapshots older than one already delivered.
func (l *live[T]) deliver(seq uint64, snap []T) {
	if l.closed.Load() {
		return
	}
	l.mu.Lock()
	if seq <= l.delivered {
		l.mu.Unlock()
		return
	}
	l.delivered = seq
	l.mu.Unlock()

	out := make([]T, len(snap))
	copy(out, snap)
	l.fn(out)
}

func (l *live[T]) close() {
	l.closed.Store(true)
}

func subscribe[T any](s *Store, kind entity, load func(context.Context) ([]T, error), equal func(a, b T) bool, fn func([]T)) (*Subscription, error) {
	l := &live[T]{kind: kind, load: load, equal: equal, fn: fn}

	// Holding writeMu keeps a write from landing between the initial
	// snapshot and registration.
	s.writeMu.Lock()
	snap, err := load(context.Background())
	if err != nil {
		s.writeMu.Unlock()
		return nil, err
	}
	s.seq++
	seq := s.seq
	l.last = snap
	s.subsMu.Lock()
	s.subs[l] = struct{}{}
	s.subsMu.Unlock()
	s.writeMu.Unlock()

	s.scheduler.Schedule(func() { l.deliver(seq, snap) })

	return &Subscription{cancel: func() {
		l.close()
		s.subsMu.Lock()
		delete(s.subs, l)
		s.subsMu.Unlock()
	}}, nil
}

func equalSlices[T any](a, b []T, eq func(a, b T) bool) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !eq(a[i], b[i]) {
			return false
		}
	}
	return true
}
