package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/amqpclient-go/internal/transport"
)

// DefaultDelayQueuePrefix prefixes the names of generated delay queues
const DefaultDelayQueuePrefix = "amqpclient.retry"

// delay queues outlive their last message by this long
const delayQueueGrace = 5 * time.Minute

// RetryScheduler delays redelivery on the broker: a message is parked in a
// per-delay queue whose TTL dead-letters it back into the target queue, so a
// pending retry survives a process restart.
type RetryScheduler struct {
	prefix string
	logger *slog.Logger
}

// NewRetryScheduler creates a scheduler with the given queue name prefix
func NewRetryScheduler(prefix string, logger *slog.Logger) *RetryScheduler {
	if prefix == "" {
		prefix = DefaultDelayQueuePrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryScheduler{prefix: prefix, logger: logger}
}

// DelayQueueName names the delay queue for a target queue and delay. Delays
// that share a bucket share a queue.
func (s *RetryScheduler) DelayQueueName(queue string, delay time.Duration) string {
	return fmt.Sprintf("%s.%s.%dms", s.prefix, queue, DelayBucket(delay).Milliseconds())
}

// DelayBucket rounds delay to the nearest step of a granularity that grows
// with it: 1ms below 100ms, 100ms below 1s, 1s below 1m and 10s beyond.
// A positive delay never rounds to zero.
func DelayBucket(delay time.Duration) time.Duration {
	var step time.Duration
	switch {
	case delay <= 0:
		return 0
	case delay < 100*time.Millisecond:
		step = time.Millisecond
	case delay < time.Second:
		step = 100 * time.Millisecond
	case delay < time.Minute:
		step = time.Second
	default:
		step = 10 * time.Second
	}

	if bucket := delay.Round(step); bucket > 0 {
		return bucket
	}
	return step
}

// Schedule publishes msg so that it reaches queue after delay, rounded by
// DelayBucket. A delay under one millisecond republishes directly.
func (s *RetryScheduler) Schedule(ctx context.Context, ch transport.Channel, queue string, msg amqp.Publishing, delay time.Duration) error {
	if delay < time.Millisecond {
		return ch.PublishWithContext(ctx, "", queue, false, false, msg)
	}

	ms := DelayBucket(delay).Milliseconds()
	name := s.DelayQueueName(queue, delay)
	if err := s.ensureDelayQueue(ch, name, queue, ms); err != nil {
		return err
	}

	if err := ch.PublishWithContext(ctx, "", name, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish to delay queue %s: %w", name, err)
	}

	s.logger.Debug("scheduled redelivery",
		"queue", queue,
		"delayQueue", name,
		"delay", delay)

	return nil
}

// ensureDelayQueue declares the delay queue. Declaration is idempotent and
// repeated on every use since the queue expires when idle.
func (s *RetryScheduler) ensureDelayQueue(ch transport.Channel, name, target string, ms int64) error {
	_, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-message-ttl":             ms,
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": target,
			"x-expires":                 ms + delayQueueGrace.Milliseconds(),
		},
	)
	if err != nil {
		return &TopologyError{Component: "delay queue", Name: name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}
