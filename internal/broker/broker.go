// Package broker wraps the durable AMQP topology the scheduler publishes
// onto and workers consume from: one direct exchange, four durable
// queues, one routing key per task type, consumer prefetch
// fixed at 1 so a slow chunk never starves its queue-mates.
package broker

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Queue names, one per task type, all bound to the same direct exchange
// under identical routing keys.
const (
	ExchangeName = "cto.chunks"

	QueueTally               = "tally.creation"
	QueuePartialDecryption   = "partial.decryption"
	QueueCompensatedDecrypt  = "compensated.decryption"
	QueueCombineDecryption   = "combine.decryption"

	// ConsumerPrefetch is the per-consumer QoS: a worker holds exactly one
	// unacked delivery at a time.
	ConsumerPrefetch = 1
)

// Queues lists every durable queue the exchange routes to, in the order
// Connect declares them and the scheduler's diagnostics sample them.
var Queues = []string{QueueTally, QueuePartialDecryption, QueueCompensatedDecrypt, QueueCombineDecryption}

// Broker owns one AMQP connection and channel pair and declares the
// topology idempotently on Connect.
type Broker struct {
	logger *logrus.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	url    string
	closed bool
}

// New constructs a Broker against the given AMQP URL. Call Connect before
// Publish or Consume.
func New(url string, logger *logrus.Logger) *Broker {
	return &Broker{url: url, logger: logger}
}

// Connect dials the broker, opens a channel, and declares the exchange and
// queues. It is safe to call again after a connection loss to re-establish
// the topology.
func (b *Broker) Connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	conn, err := amqp.Dial(b.url)
	if err != nil {
		return fmt.Errorf("broker: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("broker: open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(ExchangeName, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("broker: declare exchange: %w", err)
	}
	for _, q := range Queues {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return fmt.Errorf("broker: declare queue %s: %w", q, err)
		}
		if err := ch.QueueBind(q, q, ExchangeName, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return fmt.Errorf("broker: bind queue %s: %w", q, err)
		}
	}
	if err := ch.Qos(ConsumerPrefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("broker: set qos: %w", err)
	}

	b.conn = conn
	b.ch = ch
	b.closed = false

	if b.logger != nil {
		b.logger.WithField("exchange", ExchangeName).Info("broker topology declared")
	}
	return nil
}

// Publish sends body to the queue identified by routingKey (one of the
// Queue* constants). Publication failures never mutate chunk state: the
// caller (scheduler) leaves the chunk PENDING and retries the next tick.
func (b *Broker) Publish(ctx context.Context, routingKey string, body []byte) error {
	b.mu.Lock()
	ch := b.ch
	b.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("broker: not connected")
	}

	err := ch.PublishWithContext(ctx, ExchangeName, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("broker: publish to %s: %w", routingKey, err)
	}
	return nil
}

// Consume returns a delivery channel for the given queue. Deliveries are
// manually acknowledged by the caller. No queue argument configures
// requeue behaviour; consumers avoid broker-level redelivery by Acking
// even on application-level failure and relying on the registry's own
// retry policy.
func (b *Broker) Consume(queue, consumerTag string) (<-chan amqp.Delivery, error) {
	b.mu.Lock()
	ch := b.ch
	b.mu.Unlock()
	if ch == nil {
		return nil, fmt.Errorf("broker: not connected")
	}
	deliveries, err := ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("broker: consume %s: %w", queue, err)
	}
	return deliveries, nil
}

// QueueDepth returns the broker-reported message count backlog for a queue,
// used by the scheduler's periodic diagnostics.
func (b *Broker) QueueDepth(queue string) (int, error) {
	b.mu.Lock()
	ch := b.ch
	b.mu.Unlock()
	if ch == nil {
		return 0, fmt.Errorf("broker: not connected")
	}
	q, err := ch.QueueInspect(queue)
	if err != nil {
		return 0, fmt.Errorf("broker: inspect %s: %w", queue, err)
	}
	return q.Messages, nil
}

// Ping reports whether the broker connection is currently open, for use
// in readiness checks.
func (b *Broker) Ping(ctx context.Context) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return fmt.Errorf("broker: not connected")
	}
	return nil
}

// NotifyClose forwards the underlying connection's close notifications so
// callers can trigger a reconnect loop.
func (b *Broker) NotifyClose() chan *amqp.Error {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := make(chan *amqp.Error, 1)
	if b.conn != nil {
		b.conn.NotifyClose(c)
	}
	return c
}

// Close tears down the channel and connection.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	var err error
	if b.ch != nil {
		if e := b.ch.Close(); e != nil {
			err = e
		}
	}
	if b.conn != nil {
		if e := b.conn.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// RoutingKeyFor maps a task type name to its queue/routing key. The
// exchange binds each queue to the identically-named routing key, so this
// is an identity map kept for call-site clarity in the scheduler and
// worker.
func RoutingKeyFor(taskType string) (string, error) {
	switch taskType {
	case "TALLY":
		return QueueTally, nil
	case "PARTIAL_DECRYPT":
		return QueuePartialDecryption, nil
	case "COMPENSATED_DECRYPT":
		return QueueCompensatedDecrypt, nil
	case "COMBINE":
		return QueueCombineDecryption, nil
	default:
		return "", fmt.Errorf("broker: unknown task type %q", taskType)
	}
}
