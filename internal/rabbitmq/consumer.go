package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/amqpclient-go/internal/reliability"
	"github.com/glimte/amqpclient-go/internal/transport"
)

// MessageHandler processes incoming messages. A returned error or a panic
// sends the delivery down the retry path.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Disposer cancels a subscription. Calling it more than once is a no-op.
type Disposer func(ctx context.Context) error

// RetryConsumer consumes queues through a Supervisor, acknowledging
// successes, scheduling delayed redelivery of failures and moving exhausted
// messages to a failure queue.
type RetryConsumer struct {
	supervisor   *Supervisor
	scheduler    *RetryScheduler
	logger       *slog.Logger
	delay        reliability.DelayFunc
	deadLetter   reliability.DeadLetterMode
	delayPrefix  string
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	mu           sync.Mutex
	closed       bool
	subscription map[string]*subscription
}

type subscription struct {
	consumer     *RetryConsumer
	queue        string
	failureQueue string
	handler      MessageHandler
	maxAttempts  int
	delay        reliability.DelayFunc
	deadLetter   reliability.DeadLetterMode
	tag          string
	handle       SetupHandle
	disposed     bool
}

// ConsumerOption configures the consumer
type ConsumerOption func(*RetryConsumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *RetryConsumer) {
		c.logger = logger
	}
}

// WithDefaultDelay sets the delay policy used when a subscription sets none
func WithDefaultDelay(delay reliability.DelayFunc) ConsumerOption {
	return func(c *RetryConsumer) {
		c.delay = delay
	}
}

// WithDefaultDeadLetterMode sets the dead-letter mode used when a
// subscription sets none
func WithDefaultDeadLetterMode(mode reliability.DeadLetterMode) ConsumerOption {
	return func(c *RetryConsumer) {
		c.deadLetter = mode
	}
}

// WithDelayQueuePrefix sets the name prefix of generated delay queues
func WithDelayQueuePrefix(prefix string) ConsumerOption {
	return func(c *RetryConsumer) {
		c.delayPrefix = prefix
	}
}

// SubscribeOption configures a single subscription
type SubscribeOption func(*subscription)

// WithMaxAttempts bounds the handler invocations per message. Zero retries
// forever.
func WithMaxAttempts(attempts int) SubscribeOption {
	return func(s *subscription) {
		s.maxAttempts = attempts
	}
}

// WithDelay sets the redelivery delay policy of the subscription
func WithDelay(delay reliability.DelayFunc) SubscribeOption {
	return func(s *subscription) {
		s.delay = delay
	}
}

// WithDeadLetterMode sets how exhausted messages are written to the failure queue
func WithDeadLetterMode(mode reliability.DeadLetterMode) SubscribeOption {
	return func(s *subscription) {
		s.deadLetter = mode
	}
}

// NewRetryConsumer creates a consumer bound to a supervisor
func NewRetryConsumer(supervisor *Supervisor, options ...ConsumerOption) *RetryConsumer {
	ctx, cancel := context.WithCancel(context.Background())
	c := &RetryConsumer{
		supervisor:   supervisor,
		logger:       slog.Default(),
		delay:        reliability.DefaultDelay,
		deadLetter:   reliability.DeadLetterPreserve,
		delayPrefix:  DefaultDelayQueuePrefix,
		ctx:          ctx,
		cancel:       cancel,
		subscription: make(map[string]*subscription),
	}

	for _, opt := range options {
		opt(c)
	}

	c.scheduler = NewRetryScheduler(c.delayPrefix, c.logger)
	return c
}

// Subscribe registers a consumer on queue as a supervisor setup action, so it
// is restarted on every reconnect. When connected, the consume is confirmed
// by the broker before Subscribe returns.
func (c *RetryConsumer) Subscribe(ctx context.Context, queue, failureQueue string, handler MessageHandler, options ...SubscribeOption) (Disposer, error) {
	sub := &subscription{
		consumer:     c,
		queue:        queue,
		failureQueue: failureQueue,
		handler:      handler,
		delay:        c.delay,
		deadLetter:   c.deadLetter,
		tag:          queue + "." + uuid.NewString(),
	}
	for _, opt := range options {
		opt(sub)
	}

	if err := sub.validate(); err != nil {
		return nil, &ConsumerError{Queue: queue, ConsumerTag: sub.tag, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &ConsumerError{Queue: queue, ConsumerTag: sub.tag, Op: "subscribe", Err: ErrConsumerClosed, Timestamp: time.Now()}
	}
	c.subscription[sub.tag] = sub
	c.mu.Unlock()

	handle, err := c.supervisor.AddSetup(ctx, sub.start)
	if err != nil {
		c.mu.Lock()
		delete(c.subscription, sub.tag)
		c.mu.Unlock()
		return nil, &ConsumerError{Queue: queue, ConsumerTag: sub.tag, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}

	c.mu.Lock()
	if sub.disposed {
		// disposed while registering; the disposer saw no handle to remove
		c.mu.Unlock()
		_ = c.supervisor.RemoveSetup(ctx, handle, sub.cancel)
		return nil, &ConsumerError{Queue: queue, ConsumerTag: sub.tag, Op: "subscribe", Err: ErrConsumerClosed, Timestamp: time.Now()}
	}
	sub.handle = handle
	c.mu.Unlock()

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"failureQueue", failureQueue,
		"consumerTag", sub.tag,
		"maxAttempts", sub.maxAttempts)

	return sub.dispose, nil
}

// Subscriptions returns the number of active subscriptions
func (c *RetryConsumer) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscription)
}

// Closed reports whether Close has been called
func (c *RetryConsumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close cancels every subscription, cancels the handler context and waits
// for in-flight handlers to return.
func (c *RetryConsumer) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConsumerClosed
	}
	c.closed = true
	subs := make([]*subscription, 0, len(c.subscription))
	for _, sub := range c.subscription {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.dispose(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	c.cancel()
	c.wg.Wait()

	c.logger.Info("consumer stopped", "subscriptions", len(subs))
	return errors.Join(errs...)
}

func (s *subscription) validate() error {
	switch {
	case s.queue == "":
		return errors.New("queue name is empty")
	case s.handler == nil:
		return ErrNilHandler
	case s.maxAttempts < 0:
		return fmt.Errorf("max attempts must not be negative (got %d)", s.maxAttempts)
	case s.delay == nil:
		return errors.New("delay policy is nil")
	}
	return nil
}

// start is the setup action: begin consuming on ch and process deliveries
// until the broker closes the delivery stream.
func (s *subscription) start(ctx context.Context, ch transport.Channel) error {
	c := s.consumer

	c.mu.Lock()
	if c.closed || s.disposed {
		c.mu.Unlock()
		return nil
	}
	c.wg.Add(1)
	c.mu.Unlock()

	// exhausted messages go through the default exchange, which drops
	// anything routed to a queue that does not exist
	if s.failureQueue != "" {
		if _, err := ch.QueueDeclarePassive(s.failureQueue, false, false, false, false, nil); err != nil {
			c.wg.Done()
			return fmt.Errorf("failure queue %s of %s is not declared: %w", s.failureQueue, s.queue, err)
		}
	}

	deliveries, err := ch.Consume(
		s.queue,
		s.tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		c.wg.Done()
		return fmt.Errorf("failed to start consuming %s: %w", s.queue, err)
	}

	go c.processDeliveries(s, ch, deliveries)
	return nil
}

// dispose cancels the consumer tag and unregisters the setup action.
// Deliveries already being handled finish normally.
func (s *subscription) dispose(ctx context.Context) error {
	c := s.consumer

	c.mu.Lock()
	if s.disposed {
		c.mu.Unlock()
		return nil
	}
	s.disposed = true
	delete(c.subscription, s.tag)
	handle := s.handle
	c.mu.Unlock()

	// Subscribe is still registering and removes the action itself
	if handle == 0 {
		return nil
	}

	err := c.supervisor.RemoveSetup(ctx, handle, s.cancel)
	if err != nil && !errors.Is(err, ErrUnknownSetup) {
		return &ConsumerError{Queue: s.queue, ConsumerTag: s.tag, Op: "cancel", Err: err, Timestamp: time.Now()}
	}

	c.logger.Info("unsubscribed from queue", "queue", s.queue, "consumerTag", s.tag)
	return nil
}

// cancel stops the broker consumer of the subscription
func (s *subscription) cancel(ctx context.Context, ch transport.Channel) error {
	return ch.Cancel(s.tag, false)
}

// processDeliveries hands each delivery to its own goroutine
func (c *RetryConsumer) processDeliveries(s *subscription, ch transport.Channel, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()

	for delivery := range deliveries {
		c.wg.Add(1)
		go func(d amqp.Delivery) {
			defer c.wg.Done()
			c.handleDelivery(s, ch, d)
		}(delivery)
	}

	c.logger.Debug("delivery channel closed", "queue", s.queue, "consumerTag", s.tag)
}

// handleDelivery runs the handler and settles the delivery
func (c *RetryConsumer) handleDelivery(s *subscription, ch transport.Channel, delivery amqp.Delivery) {
	counter := reliability.AttemptCount(delivery.Headers)

	err := reliability.Capture(func() error {
		return s.handler(c.ctx, delivery)
	})
	if err == nil {
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message",
				"error", ackErr,
				"queue", s.queue,
				"messageId", delivery.MessageId)
		}
		return
	}

	attempts := counter + 1
	if s.maxAttempts == 0 || attempts <= s.maxAttempts-1 {
		c.retry(s, ch, delivery, attempts, err)
		return
	}
	c.exhaust(s, ch, delivery, attempts, err)
}

// retry republishes a copy carrying the new attempt count, then acks
func (c *RetryConsumer) retry(s *subscription, ch transport.Channel, delivery amqp.Delivery, attempts int, cause error) {
	delay := s.delay(attempts)
	msg := republish(delivery, reliability.WithAttemptCount(delivery.Headers, attempts))

	if err := c.scheduler.Schedule(context.Background(), ch, s.queue, msg, delay); err != nil {
		c.logger.Error("failed to schedule retry, requeueing",
			"error", err,
			"queue", s.queue,
			"messageId", delivery.MessageId)
		c.requeue(s, delivery)
		return
	}

	c.logger.Warn("handler failed, retry scheduled",
		"error", cause,
		"queue", s.queue,
		"messageId", delivery.MessageId,
		"attempt", attempts,
		"delay", delay)

	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error("failed to ack retried message",
			"error", ackErr,
			"queue", s.queue,
			"messageId", delivery.MessageId)
	}
}

// exhaust moves a message that used up its attempts to the failure queue
func (c *RetryConsumer) exhaust(s *subscription, ch transport.Channel, delivery amqp.Delivery, attempts int, cause error) {
	if s.failureQueue == "" {
		c.logger.Error("attempts exhausted, rejecting",
			"error", cause,
			"queue", s.queue,
			"messageId", delivery.MessageId,
			"attempts", attempts)
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			c.logger.Error("failed to reject message", "error", nackErr, "queue", s.queue)
		}
		return
	}

	headers := s.deadLetter.Headers(delivery.Headers, reliability.DeadLetterMetadata{
		OriginalQueue: s.queue,
		Reason:        cause.Error(),
		Attempts:      attempts,
		DeadAt:        time.Now(),
	})

	err := ch.PublishWithContext(context.Background(), "", s.failureQueue, false, false, republish(delivery, headers))
	if err != nil {
		c.logger.Error("failed to dead-letter message, requeueing",
			"error", err,
			"queue", s.queue,
			"failureQueue", s.failureQueue,
			"messageId", delivery.MessageId)
		c.requeue(s, delivery)
		return
	}

	c.logger.Error("attempts exhausted, message dead-lettered",
		"error", cause,
		"queue", s.queue,
		"failureQueue", s.failureQueue,
		"messageId", delivery.MessageId,
		"attempts", attempts)

	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error("failed to ack dead-lettered message",
			"error", ackErr,
			"queue", s.queue,
			"messageId", delivery.MessageId)
	}
}

func (c *RetryConsumer) requeue(s *subscription, delivery amqp.Delivery) {
	if err := delivery.Nack(false, true); err != nil {
		c.logger.Error("failed to requeue message",
			"error", err,
			"queue", s.queue,
			"messageId", delivery.MessageId)
	}
}

// republish copies a delivery into a publishing with new headers. UserId is
// dropped as the broker validates it against the publishing connection.
func republish(d amqp.Delivery, headers amqp.Table) amqp.Publishing {
	return amqp.Publishing{
		Headers:         headers,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		DeliveryMode:    d.DeliveryMode,
		Priority:        d.Priority,
		CorrelationId:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		Expiration:      d.Expiration,
		MessageId:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		AppId:           d.AppId,
		Body:            d.Body,
	}
}
