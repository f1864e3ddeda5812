package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const (
	headerAttempt   = "x-attempt"
	headerDeferrals = "x-deferrals"
)

// AMQPBroker talks to RabbitMQ. Publishing shares one channel; every
// consumer gets its own channel so QoS applies per consumer.
type AMQPBroker struct {
	conn   *amqp.Connection
	logger *zap.Logger

	mu       sync.Mutex
	pub      *amqp.Channel
	declared map[string]bool
}

// DialAMQP connects to RabbitMQ and opens the publishing channel.
func DialAMQP(url string, logger *zap.Logger) (*AMQPBroker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	return &AMQPBroker{
		conn:     conn,
		logger:   logger,
		pub:      ch,
		declared: make(map[string]bool),
	}, nil
}

func (b *AMQPBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.pub.Close(); err != nil {
		b.logger.Warn("failed to close publish channel", zap.Error(err))
	}
	return b.conn.Close()
}

// declareLocked declares a durable queue once per process. Caller holds b.mu.
func (b *AMQPBroker) declareLocked(name string, args amqp.Table) error {
	if b.declared[name] {
		return nil
	}
	_, err := b.pub.QueueDeclare(
		name,  // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		args,  // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}
	b.declared[name] = true
	return nil
}

// delayQueueLocked declares a holding queue whose messages dead-letter back
// onto topic once the TTL elapses. Delays are rounded up to whole seconds so
// the number of holding queues stays small.
func (b *AMQPBroker) delayQueueLocked(topic string, delay time.Duration) (string, error) {
	secs := int64((delay + time.Second - 1) / time.Second)
	ttl := secs * 1000
	name := fmt.Sprintf("%s.delay.%ds", topic, secs)
	args := amqp.Table{
		"x-message-ttl":             ttl,
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": topic,
		"x-expires":                 ttl + int64(time.Minute/time.Millisecond),
	}
	if err := b.declareLocked(topic, nil); err != nil {
		return "", err
	}
	if err := b.declareLocked(name, args); err != nil {
		return "", err
	}
	return name, nil
}

func (b *AMQPBroker) Publish(ctx context.Context, topic string, payload any, opts ...PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := encode(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", topic, err)
	}
	o := applyOptions(opts)

	b.mu.Lock()
	defer b.mu.Unlock()

	target := topic
	if o.delay > 0 {
		if target, err = b.delayQueueLocked(topic, o.delay); err != nil {
			return err
		}
	} else if err := b.declareLocked(topic, nil); err != nil {
		return err
	}

	return b.pub.Publish(
		"",     // default exchange
		target, // routing key
		false,  // mandatory
		false,  // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Headers: amqp.Table{
				headerAttempt:   int64(o.attempt),
				headerDeferrals: int64(o.deferrals),
			},
			Body: body,
		},
	)
}

func (b *AMQPBroker) Consume(ctx context.Context, topic string, prefetch int) (<-chan *Delivery, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	q, err := ch.QueueDeclare(topic, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", topic, err)
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(
		q.Name,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	out := make(chan *Delivery)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				d := NewDelivery(topic, m.Body, headerInt(m.Headers, headerAttempt), headerInt(m.Headers, headerDeferrals),
					func() error { return m.Ack(false) },
					func(requeue bool) error { return m.Nack(false, requeue) },
				)
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// headerInt reads a numeric header regardless of the integer width the
// broker decoded it as.
func headerInt(h amqp.Table, key string) int {
	switch v := h[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float32:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

var _ Broker = (*AMQPBroker)(nil)
