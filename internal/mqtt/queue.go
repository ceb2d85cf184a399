package mqtt

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrQueueFull is returned when a message is dropped because the publisher
// has fallen behind.
var ErrQueueFull = errors.New("mqtt: queue full")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("mqtt: publisher closed")

// Queue hands publishes to a single goroutine so callers on the scheduler
// never wait for the broker. Order is preserved.
type Queue struct {
	pub Publisher
	log *zap.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan func() error
	done   chan struct{}

	dropped atomic.Uint64
}

// NewQueue starts a queue of size pending messages in front of pub.
func NewQueue(pub Publisher, size int, log *zap.Logger) *Queue {
	if size < 1 {
		size = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	q := &Queue{
		pub:  pub,
		log:  log,
		ch:   make(chan func() error, size),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *Queue) run() {
	defer close(q.done)
	for fn := range q.ch {
		if err := fn(); err != nil {
			q.log.Warn("mqtt publish failed", zap.Error(err))
		}
	}
}

func (q *Queue) enqueue(fn func() error) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- fn:
		return nil
	default:
		if q.dropped.Add(1) == 1 {
			q.log.Warn("mqtt queue full, dropping messages")
		}
		return ErrQueueFull
	}
}

// PublishCharge queues a charge event.
func (q *Queue) PublishCharge(event ChargeEvent) error {
	return q.enqueue(func() error { return q.pub.PublishCharge(event) })
}

// PublishPort queues a port event.
func (q *Queue) PublishPort(event PortEvent) error {
	return q.enqueue(func() error { return q.pub.PublishPort(event) })
}

// PublishThrottle queues a throttle event.
func (q *Queue) PublishThrottle(event ThrottleEvent) error {
	return q.enqueue(func() error { return q.pub.PublishThrottle(event) })
}

// PublishSystem queues a system event.
func (q *Queue) PublishSystem(event SystemEvent) error {
	return q.enqueue(func() error { return q.pub.PublishSystem(event) })
}

// Send queues a raw message.
func (q *Queue) Send(topic string, payload []byte, retained bool) error {
	return q.enqueue(func() error { return q.pub.Send(topic, payload, retained) })
}

// Subscribe is passed straight through.
func (q *Queue) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	return q.pub.Subscribe(topic, handler)
}

// IsConnected reports the wrapped publisher's connection state, or false if
// it cannot tell.
func (q *Queue) IsConnected() bool {
	if cs, ok := q.pub.(ConnectionStatus); ok {
		return cs.IsConnected()
	}
	return false
}

// Dropped returns the number of messages dropped because the queue was full.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Flush waits until every message queued before the call is handed to the
// publisher.
func (q *Queue) Flush() {
	marker := make(chan struct{})
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return
	}
	q.ch <- func() error { close(marker); return nil }
	q.mu.RUnlock()
	<-marker
}

// Close drains the queue and closes the publisher.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	<-q.done
	return q.pub.Close()
}
