package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes through the supervisor's live channel. Each call is
// exactly one publish attempt: nothing is buffered or retried.
type Publisher struct {
	supervisor *Supervisor
	logger     *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// PublishOption configures a single publish
type PublishOption func(*amqp.Publishing)

// WithPersistent marks the message persistent or transient
func WithPersistent(persistent bool) PublishOption {
	return func(msg *amqp.Publishing) {
		if persistent {
			msg.DeliveryMode = amqp.Persistent
		} else {
			msg.DeliveryMode = amqp.Transient
		}
	}
}

// WithHeaders merges application headers into the message
func WithHeaders(headers amqp.Table) PublishOption {
	return func(msg *amqp.Publishing) {
		if msg.Headers == nil {
			msg.Headers = make(amqp.Table, len(headers))
		}
		for k, v := range headers {
			msg.Headers[k] = v
		}
	}
}

// WithContentType sets the content type
func WithContentType(contentType string) PublishOption {
	return func(msg *amqp.Publishing) {
		msg.ContentType = contentType
	}
}

// NewPublisher creates a new publisher
func NewPublisher(supervisor *Supervisor, options ...PublisherOption) *Publisher {
	p := &Publisher{
		supervisor: supervisor,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends body to exchange with routingKey and returns the generated
// message id. It fails with ErrNotConnected without a live channel and with
// ErrFlowControl while the broker has paused publishing.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, body []byte, options ...PublishOption) (string, error) {
	ch, err := p.supervisor.Channel()
	if err != nil {
		return "", &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}

	if p.supervisor.FlowBlocked() {
		p.logger.Warn("publish refused by flow control",
			"exchange", exchange,
			"routingKey", routingKey)
		return "", &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: ErrFlowControl, Timestamp: time.Now()}
	}

	msg := amqp.Publishing{
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		DeliveryMode: amqp.Transient,
		Body:         body,
	}
	for _, opt := range options {
		opt(&msg)
	}

	if err := ch.PublishWithContext(
		ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		msg,
	); err != nil {
		return "", &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err, Timestamp: time.Now()}
	}

	p.logger.Debug("message published",
		"exchange", exchange,
		"routingKey", routingKey,
		"messageId", msg.MessageId)

	return msg.MessageId, nil
}
