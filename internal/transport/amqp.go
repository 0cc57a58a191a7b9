package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPDialer dials RabbitMQ with amqp091-go.
type AMQPDialer struct {
	ConnectionName string
	Heartbeat      time.Duration
	Locale         string
}

// NewAMQPDialer creates a dialer with defaults suitable for long-lived connections
func NewAMQPDialer(connectionName string) *AMQPDialer {
	return &AMQPDialer{
		ConnectionName: connectionName,
		Heartbeat:      10 * time.Second,
		Locale:         "en_US",
	}
}

// Dial implements Dialer
func (d *AMQPDialer) Dial(ctx context.Context, url string) (Connection, error) {
	cfg := amqp.Config{
		Heartbeat: d.Heartbeat,
		Locale:    d.Locale,
		Properties: amqp.Table{
			"connection_name": d.ConnectionName,
		},
		Dial: func(network, addr string) (net.Conn, error) {
			var dialer net.Dialer
			return dialer.DialContext(ctx, network, addr)
		},
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = 10 * time.Second
	}
	if cfg.Locale == "" {
		cfg.Locale = "en_US"
	}

	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	return &amqpConnection{Connection: conn}, nil
}

// amqpConnection narrows *amqp.Connection's Channel to the Channel interface.
type amqpConnection struct {
	*amqp.Connection
}

// Channel implements Connection
func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

var (
	_ Channel    = (*amqp.Channel)(nil)
	_ Connection = (*amqpConnection)(nil)
	_ Dialer     = (*AMQPDialer)(nil)
)
