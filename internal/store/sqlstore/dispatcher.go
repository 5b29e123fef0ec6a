package sqlstore

import (
	"context"
	"sync"
)

const dispatcherBufferSize = 64

// eventDispatcher fans a collection's child events out to every attached
// watcher. Each subscriber gets its own buffered stream; a subscriber that
// stops draining loses events rather than blocking writers.
type eventDispatcher[E any] struct {
	mu          sync.RWMutex
	subscribers map[int64]chan E
	nextID      int64
}

func newEventDispatcher[E any]() *eventDispatcher[E] {
	return &eventDispatcher[E]{subscribers: make(map[int64]chan E)}
}

func (d *eventDispatcher[E]) subscribe(ctx context.Context) (<-chan E, func()) {
	stream := make(chan E, dispatcherBufferSize)
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.subscribers[id] = stream
	d.mu.Unlock()

	cancel := func() {
		d.mu.Lock()
		delete(d.subscribers, id)
		d.mu.Unlock()
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return stream, cancel
}

func (d *eventDispatcher[E]) publish(event E) {
	d.mu.RLock()
	streams := make([]chan E, 0, len(d.subscribers))
	for _, stream := range d.subscribers {
		streams = append(streams, stream)
	}
	d.mu.RUnlock()

	for _, stream := range streams {
		select {
		case stream <- event:
		default:
		}
	}
}
