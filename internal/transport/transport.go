// Package transport defines the boundary between the reliability layer and
// the AMQP wire client.
//
// The core packages only talk to the small Dialer, Connection and Channel
// interfaces declared here. AMQPDialer adapts github.com/rabbitmq/amqp091-go
// to them; tests plug in the in-memory broker from internal/amqptest.
package transport

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the per-session surface used for declarations, consuming,
// acknowledging and publishing. *amqp.Channel satisfies it directly.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	NotifyFlow(receiver chan bool) chan bool
	Close() error
	IsClosed() bool
}

// Connection is a logical link to the broker that hands out channels.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking
	Close() error
	IsClosed() bool
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Connection, error)
}

// DialerFunc adapts a plain function to Dialer.
type DialerFunc func(ctx context.Context, url string) (Connection, error)

// Dial implements Dialer
func (f DialerFunc) Dial(ctx context.Context, url string) (Connection, error) {
	return f(ctx, url)
}
