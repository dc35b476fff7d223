// Package viewmodel exposes the local store to a UI as observable state
// plus the CRUD operations the UI triggers.
package viewmodel

import (
	"sync"

	"moneycheck/internal/storage"
)

// Observable holds a value and notifies subscribers on the scheduler
// each time it is set.
type Observable[T any] struct {
	sched storage.Scheduler

	mu    sync.Mutex
	value T
	next  int
	subs  map[int]func(T)
}

func NewObservable[T any](sched storage.Scheduler, initial T) *Observable[T] {
	if sched == nil {
		sched = storage.Inline
	}
	return &Observable[T]{
		sched: sched,
		value: initial,
		subs:  make(map[int]func(T)),
	}
}

func (o *Observable[T]) Get() T {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.value
}

func (o *Observable[T]) Set(v T) {
	o.mu.Lock()
	o.value = v
	fns := make([]func(T), 0, len(o.subs))
	for _, fn := range o.subs {
		fns = append(fns, fn)
	}
	o.mu.Unlock()

	for _, fn := range fns {
		o.sched.Schedule(func() { fn(v) })
	}
}

// Subscribe delivers the current value, then every later one. The returned
// function cancels the subscription; deliveries already scheduled still run.
func (o *Observable[T]) Subscribe(fn func(T)) func() {
	o.mu.Lock()
	id := o.next
	o.next++
	o.subs[id] = fn
	v := o.value
	o.mu.Unlock()

	o.sched.Schedule(func() { fn(v) })

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
}
