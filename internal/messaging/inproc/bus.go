package inproc

import (
	"context"
	"sync"
	"sync/atomic"

	"tabrelay/internal/domain"
	"tabrelay/internal/messaging"
)

type subscriber struct {
	endpointID string
	ch         chan domain.Envelope
	done       chan struct{}
}

// Bus fans envelopes out to every subscriber of a topic except the sender.
// Each subscriber owns a buffered queue drained by its own goroutine; a full
// queue drops the envelope.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]map[uint64]*subscriber
	nextID  uint64
	buffer  int
	closed  bool
	dropped atomic.Uint64
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]map[uint64]*subscriber),
		buffer: buffer,
	}
}

func (b *Bus) Subscribe(topic, endpointID string, handler messaging.Handler) (func(), error) {
	if topic == "" {
		return nil, messaging.ErrTopicMissing
	}
	if endpointID == "" {
		return nil, messaging.ErrEndpointID
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, messaging.ErrClosed
	}

	b.nextID++
	id := b.nextID
	sub := &subscriber{
		endpointID: endpointID,
		ch:         make(chan domain.Envelope, b.buffer),
		done:       make(chan struct{}),
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]*subscriber)
	}
	b.subs[topic][id] = sub

	go func() {
		defer close(sub.done)
		for env := range sub.ch {
			handler(env)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(topic, id) })
	}, nil
}

func (b *Bus) unsubscribe(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subs[topic]
	if !ok {
		return
	}
	sub, ok := subs[id]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(b.subs, topic)
	}
	close(sub.ch)
}

func (b *Bus) Publish(ctx context.Context, env domain.Envelope) error {
	if env.Topic == "" {
		return messaging.ErrTopicMissing
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return messaging.ErrClosed
	}

	for _, sub := range b.subs[env.Topic] {
		if sub.endpointID == env.From {
			continue
		}
		select {
		case sub.ch <- env:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

// Dropped reports how many deliveries were discarded because a subscriber
// queue was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close unsubscribes everyone. Pending deliveries are still handed to their
// handlers.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, subs := range b.subs {
		for id, sub := range subs {
			delete(subs, id)
			close(sub.ch)
		}
		delete(b.subs, topic)
	}
	return nil
}

var _ messaging.Bus = (*Bus)(nil)
