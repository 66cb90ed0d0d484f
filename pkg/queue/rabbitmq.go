package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/coderelay/forgebot/pkg/config"
	"github.com/coderelay/forgebot/pkg/taskkey"
)

// Reconnection backoff for a dropped broker connection.
const (
	redialMaxAttempts  = 5
	redialInitialDelay = time.Second
	redialMaxDelay     = 30 * time.Second
)

// RabbitMQQueue is the multi-process backend: a single durable queue that
// every producer/consumer process in the fleet connects to.
type RabbitMQQueue struct {
	cfg config.RabbitMQConfig

	mu         sync.Mutex
	conn       *amqp.Connection
	channel    *amqp.Channel
	queue      amqp.Queue
	deliveries <-chan amqp.Delivery
	closed     bool
}

// NewRabbitMQQueue dials the broker and declares the configured durable
// queue, creating it if absent.
func NewRabbitMQQueue(cfg config.RabbitMQConfig) (*RabbitMQQueue, error) {
	q := &RabbitMQQueue{cfg: cfg}
	if err := q.connect(); err != nil {
		return nil, err
	}
	return q, nil
}

// connect establishes the connection, channel, QoS, and queue declaration.
// Caller must hold q.mu (or be the constructor).
func (q *RabbitMQQueue) connect() error {
	url := fmt.Sprintf("amqp://%s:%s@%s:%d/", q.cfg.User, q.cfg.Password, q.cfg.Host, q.cfg.Port)
	conn, err := amqp.Dial(url)
	if err != nil {
		return fmt.Errorf("queue: dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("queue: open channel: %w", err)
	}

	// Process one unacked delivery at a time per consumer; the consumer
	// driver is single-task-in-flight.
	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("queue: set qos: %w", err)
	}

	declared, err := ch.QueueDeclare(q.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("queue: declare queue %q: %w", q.cfg.Queue, err)
	}

	q.conn = conn
	q.channel = ch
	q.queue = declared
	q.deliveries = nil
	return nil
}

// ensureOpen reconnects with exponential backoff if the connection has
// dropped. Caller must hold q.mu.
func (q *RabbitMQQueue) ensureOpen(ctx context.Context) error {
	if q.closed {
		return fmt.Errorf("queue: closed")
	}
	if q.conn != nil && !q.conn.IsClosed() {
		return nil
	}

	delay := redialInitialDelay
	var lastErr error
	for attempt := 0; attempt < redialMaxAttempts; attempt++ {
		if attempt > 0 {
			slog.Warn("queue: rabbitmq reconnect failed, backing off", "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
			if delay > redialMaxDelay {
				delay = redialMaxDelay
			}
		}
		if lastErr = q.connect(); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("queue: reconnect: %w", lastErr)
}

// Enqueue publishes d as a persistent message on the declared queue.
func (q *RabbitMQQueue) Enqueue(ctx context.Context, d taskkey.Descriptor) error {
	body, err := d.Encode()
	if err != nil {
		return fmt.Errorf("queue: encode descriptor: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ensureOpen(ctx); err != nil {
		return err
	}
	return q.channel.PublishWithContext(ctx, "", q.queue.Name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
	})
}

// consume lazily registers the broker consumer once per connection, so
// repeated Dequeue calls share one delivery stream.
func (q *RabbitMQQueue) consume(ctx context.Context) (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ensureOpen(ctx); err != nil {
		return nil, err
	}
	if q.deliveries == nil {
		msgs, err := q.channel.Consume(q.queue.Name, "", false, false, false, false, nil)
		if err != nil {
			return nil, fmt.Errorf("queue: start consume: %w", err)
		}
		q.deliveries = msgs
	}
	return q.deliveries, nil
}

// Dequeue pulls one message off the queue, waiting up to timeout.
func (q *RabbitMQQueue) Dequeue(ctx context.Context, timeout time.Duration) (Delivery, error) {
	msgs, err := q.consume(ctx)
	if err != nil {
		return Delivery{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-msgs:
		if !ok {
			// Channel died mid-wait; drop the stale stream so the next
			// Dequeue re-dials and re-registers the consumer.
			q.mu.Lock()
			q.deliveries = nil
			q.mu.Unlock()
			return Delivery{}, ErrEmpty
		}
		d, err := taskkey.DecodeDescriptor(msg.Body)
		if err != nil {
			// Undecodable payloads are dead-lettered, not redelivered.
			_ = msg.Nack(false, false)
			return Delivery{}, fmt.Errorf("queue: decode descriptor: %w", err)
		}
		return Delivery{
			Descriptor: d,
			Ack:        func() error { return msg.Ack(false) },
			Nack:       func() error { return msg.Nack(false, true) },
		}, nil
	case <-timer.C:
		return Delivery{}, ErrEmpty
	case <-ctx.Done():
		return Delivery{}, ctx.Err()
	}
}

// Len reports the broker-reported message count via a passive queue inspect.
func (q *RabbitMQQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.channel == nil {
		return 0
	}
	inspected, err := q.channel.QueueInspect(q.queue.Name)
	if err != nil {
		return 0
	}
	return inspected.Messages
}

// Close tears down the channel and connection.
func (q *RabbitMQQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	if q.channel != nil {
		if err := q.channel.Close(); err != nil {
			_ = q.conn.Close()
			return fmt.Errorf("queue: close channel: %w", err)
		}
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
