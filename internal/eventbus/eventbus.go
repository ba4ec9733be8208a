package eventbus

import (
	"sync"

	"go.uber.org/zap"
)

// Bus delivers published values to subscribers in publish order.
// Publish never blocks on a subscriber; delivery runs on a single drain
// goroutine that exits when the queue is empty. A panicking subscriber is
// logged and does not affect the others.
type Bus[T any] struct {
	mu       sync.Mutex
	subs     []subscriber[T]
	nextID   uint64
	queue    []T
	draining bool
	idle     *sync.Cond

	logger *zap.Logger
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

func New[T any](logger *zap.Logger) *Bus[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus[T]{logger: logger}
	b.idle = sync.NewCond(&b.mu)
	return b
}

// Subscribe registers fn and returns a function removing it.
func (b *Bus[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber[T]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish queues v for delivery to the current subscribers.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	b.queue = append(b.queue, v)
	if !b.draining {
		b.draining = true
		go b.drain()
	}
	b.mu.Unlock()
}

// Len returns the number of subscribers.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Wait blocks until every published value has been delivered.
func (b *Bus[T]) Wait() {
	b.mu.Lock()
	for b.draining {
		b.idle.Wait()
	}
	b.mu.Unlock()
}

func (b *Bus[T]) drain() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.draining = false
			b.idle.Broadcast()
			b.mu.Unlock()
			return
		}
		v := b.queue[0]
		var zero T
		b.queue[0] = zero
		b.queue = b.queue[1:]
		subs := make([]subscriber[T], len(b.subs))
		copy(subs, b.subs)
		b.mu.Unlock()

		for _, s := range subs {
			b.deliver(s, v)
		}
	}
}

func (b *Bus[T]) deliver(s subscriber[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked", zap.Uint64("subscriber", s.id), zap.Any("panic", r))
		}
	}()
	s.fn(v)
}
