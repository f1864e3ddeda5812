package queue

import (
	"context"
	"sync"
	"time"
)

// InMemoryQueue is a single-process broker with the same ack/nack contract
// as RabbitMQ. It backs tests and the all-in-one worker.
type InMemoryQueue struct {
	mu     sync.Mutex
	topics map[string]chan memMessage
	timers map[*time.Timer]struct{}
	closed bool
}

type memMessage struct {
	body      []byte
	attempt   int
	deferrals int
}

const memQueueDepth = 4096

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		topics: make(map[string]chan memMessage),
		timers: make(map[*time.Timer]struct{}),
	}
}

func (q *InMemoryQueue) channel(topic string) chan memMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.topics[topic]
	if !ok {
		ch = make(chan memMessage, memQueueDepth)
		q.topics[topic] = ch
	}
	return ch
}

func (q *InMemoryQueue) enqueue(topic string, m memMessage) {
	q.channel(topic) <- m
}

func (q *InMemoryQueue) Publish(ctx context.Context, topic string, payload any, opts ...PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := encode(payload)
	if err != nil {
		return err
	}
	o := applyOptions(opts)
	m := memMessage{body: body, attempt: o.attempt, deferrals: o.deferrals}

	if o.delay <= 0 {
		q.enqueue(topic, m)
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	var t *time.Timer
	t = time.AfterFunc(o.delay, func() {
		q.mu.Lock()
		delete(q.timers, t)
		q.mu.Unlock()
		q.enqueue(topic, m)
	})
	q.timers[t] = struct{}{}
	return nil
}

// Consume hands out deliveries while keeping at most prefetch unsettled.
// A nack with requeue puts the message back at the tail of the topic.
func (q *InMemoryQueue) Consume(ctx context.Context, topic string, prefetch int) (<-chan *Delivery, error) {
	if prefetch < 1 {
		prefetch = 1
	}
	src := q.channel(topic)
	slots := make(chan struct{}, prefetch)
	out := make(chan *Delivery)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case slots <- struct{}{}:
			}

			var m memMessage
			select {
			case <-ctx.Done():
				return
			case m = <-src:
			}

			var once sync.Once
			release := func() { once.Do(func() { <-slots }) }
			d := NewDelivery(topic, m.body, m.attempt, m.deferrals,
				func() error {
					release()
					return nil
				},
				func(requeue bool) error {
					release()
					if requeue {
						q.enqueue(topic, m)
					}
					return nil
				},
			)

			select {
			case out <- d:
			case <-ctx.Done():
				q.enqueue(topic, m)
				return
			}
		}
	}()
	return out, nil
}

// Pending reports how many messages wait on a topic, excluding delayed ones.
func (q *InMemoryQueue) Pending(topic string) int {
	return len(q.channel(topic))
}

// Delayed reports how many messages are still waiting on a delay timer.
func (q *InMemoryQueue) Delayed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.timers)
}

// Close stops pending delay timers.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for t := range q.timers {
		t.Stop()
	}
	q.timers = map[*time.Timer]struct{}{}
	return nil
}

var _ Broker = (*InMemoryQueue)(nil)
