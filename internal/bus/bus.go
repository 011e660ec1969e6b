// Package bus is the in-process message bus: topic pub/sub with
// fault-isolated subscribers and a correlation-id request/response helper.
// Delivery is asynchronous and best-effort; anything on the critical path
// belongs in the hooks pipeline, not here.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"helmsman/internal/logging"
)

// Per-subscriber queue depth. A slow subscriber sheds its oldest messages
// rather than blocking publishers.
const queueDepth = 64

// HandlerFunc consumes one published message.
type HandlerFunc func(topic string, payload any)

// Request is the envelope for request/response exchanges.
type Request struct {
	CorrelationID string
	Payload       any
}

type delivery struct {
	topic   string
	payload any
}

type subscriber struct {
	id    int
	topic string
	fn    HandlerFunc
	ch    chan delivery
	done  chan struct{}
}

// Bus is an in-process topic bus.
type Bus struct {
	mu      sync.Mutex
	subs    map[string][]*subscriber
	pending map[string]chan any // correlation id -> reply
	nextID  int
	closed  bool
	wg      sync.WaitGroup
}

// New creates a message bus.
func New() *Bus {
	return &Bus{
		subs:    make(map[string][]*subscriber),
		pending: make(map[string]chan any),
	}
}

// Subscribe registers a handler for a topic. Each subscriber gets its own
// goroutine and FIFO queue, so one slow or panicking subscriber cannot
// affect the others. Returns an unsubscribe function.
func (b *Bus) Subscribe(topic string, fn HandlerFunc) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}

	b.nextID++
	sub := &subscriber{
		id:    b.nextID,
		topic: topic,
		fn:    fn,
		ch:    make(chan delivery, queueDepth),
		done:  make(chan struct{}),
	}
	b.subs[topic] = append(b.subs[topic], sub)

	b.wg.Add(1)
	go b.pump(sub)

	id := sub.id
	return func() { b.unsubscribe(topic, id) }
}

// pump drains one subscriber's queue. A panic in the handler is logged and
// the subscriber keeps receiving.
func (b *Bus) pump(sub *subscriber) {
	defer b.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case d := <-sub.ch:
			b.dispatch(sub, d)
		}
	}
}

func (b *Bus) dispatch(sub *subscriber, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			logging.Bus("Subscriber %d on %s panicked: %v", sub.id, d.topic, r)
		}
	}()
	sub.fn(d.topic, d.payload)
}

// Publish delivers payload to every subscriber of the topic. Never blocks:
// a full subscriber queue drops its oldest message to admit the new one.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.Lock()
	subs := b.subs[topic]
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}

	for _, sub := range subs {
		d := delivery{topic: topic, payload: payload}
		select {
		case sub.ch <- d:
		default:
			// Shed the oldest and retry once.
			select {
			case <-sub.ch:
				logging.Bus("Subscriber %d on %s lagging; dropped oldest message", sub.id, topic)
			default:
			}
			select {
			case sub.ch <- d:
			default:
			}
		}
	}
}

// RequestReply publishes a Request envelope on the topic and waits for a
// matching Respond call, up to the timeout.
func (b *Bus) RequestReply(ctx context.Context, topic string, payload any, timeout time.Duration) (any, error) {
	corrID := uuid.NewString()
	replyCh := make(chan any, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("bus closed")
	}
	b.pending[corrID] = replyCh
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, corrID)
		b.mu.Unlock()
	}()

	b.Publish(topic, Request{CorrelationID: corrID, Payload: payload})

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timer.C:
		return nil, fmt.Errorf("request on %s timed out after %s", topic, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Respond answers a pending request. Returns false when the request already
// timed out or was never issued.
func (b *Bus) Respond(correlationID string, payload any) bool {
	b.mu.Lock()
	replyCh, ok := b.pending[correlationID]
	if ok {
		delete(b.pending, correlationID)
	}
	b.mu.Unlock()
	if !ok {
		return false
	}
	replyCh <- payload
	return true
}

// Close stops all subscriber goroutines and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*subscriber
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = make(map[string][]*subscriber)
	b.mu.Unlock()

	for _, sub := range all {
		close(sub.done)
	}
	b.wg.Wait()
}

func (b *Bus) unsubscribe(topic string, id int) {
	b.mu.Lock()
	subs := b.subs[topic]
	for i, sub := range subs {
		if sub.id == id {
			b.subs[topic] = append(subs[:i], subs[i+1:]...)
			b.mu.Unlock()
			close(sub.done)
			return
		}
	}
	b.mu.Unlock()
}
