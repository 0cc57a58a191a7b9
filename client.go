// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package amqpclient is a reliability layer over an AMQP 0-9-1 broker. It
// keeps a supervised connection alive, re-declares topology and consumers
// after every reconnect, and runs consumers with bounded retries through
// per-delay queues and a failure queue for exhausted messages.
package amqpclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/amqpclient-go/health"
	"github.com/glimte/amqpclient-go/internal/rabbitmq"
	"github.com/glimte/amqpclient-go/internal/reliability"
	"github.com/glimte/amqpclient-go/internal/transport"
)

// Topology model
type (
	Topology        = rabbitmq.Topology
	ExchangeSpec    = rabbitmq.ExchangeSpec
	ExchangeOptions = rabbitmq.ExchangeOptions
	QueueSpec       = rabbitmq.QueueSpec
	QueueOptions    = rabbitmq.QueueOptions
	TopicBinding    = rabbitmq.TopicBinding
)

// Consumer and publisher types
type (
	MessageHandler = rabbitmq.MessageHandler
	Disposer       = rabbitmq.Disposer
	PublishOption  = rabbitmq.PublishOption
	DelayFunc      = reliability.DelayFunc
	DeadLetterMode = reliability.DeadLetterMode
	Dialer         = transport.Dialer
	State          = rabbitmq.State
)

const (
	DeadLetterPreserve = reliability.DeadLetterPreserve
	DeadLetterStamp    = reliability.DeadLetterStamp
)

var (
	WithPersistent  = rabbitmq.WithPersistent
	WithHeaders     = rabbitmq.WithHeaders
	WithContentType = rabbitmq.WithContentType

	DefaultDelay = reliability.DefaultDelay
	FixedDelay   = reliability.FixedDelay
)

var (
	ErrNotConnected    = rabbitmq.ErrNotConnected
	ErrFlowControl     = rabbitmq.ErrFlowControl
	ErrConsumerClosed  = rabbitmq.ErrConsumerClosed
	ErrInvalidTopology = rabbitmq.ErrInvalidTopology
	ErrMissingURL      = errors.New("amqpclient: broker URL is required")
)

// Config describes the broker to connect to and the topology to keep declared
type Config struct {
	URL      string
	Topology *Topology
}

// Client ties a supervised connection, a publisher and a retrying consumer
// together.
type Client struct {
	cfg        Config
	logger     *slog.Logger
	supervisor *rabbitmq.Supervisor
	publisher  *rabbitmq.Publisher
	checks     *health.Registry

	consumerOptions []rabbitmq.ConsumerOption

	mu               sync.Mutex
	consumer         *rabbitmq.RetryConsumer
	topologyAttached bool
}

// clientConfig holds client configuration
type clientConfig struct {
	logger         *slog.Logger
	dialer         transport.Dialer
	reconnectDelay time.Duration
	maxReconnects  int
	retryDelay     reliability.DelayFunc
	deadLetter     reliability.DeadLetterMode
	delayPrefix    string
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDialer replaces the amqp091-go dialer
func WithDialer(dialer Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dialer
	}
}

// WithReconnectDelay sets the base delay between reconnection attempts
func WithReconnectDelay(delay time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.reconnectDelay = delay
	}
}

// WithMaxReconnectAttempts bounds reconnection. Zero or less retries forever.
func WithMaxReconnectAttempts(attempts int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.maxReconnects = attempts
	}
}

// WithRetryDelay sets the delay policy used between handler attempts. A nil
// policy keeps DefaultDelay.
func WithRetryDelay(delay DelayFunc) ClientOption {
	return func(cfg *clientConfig) {
		if delay != nil {
			cfg.retryDelay = delay
		}
	}
}

// WithDeadLetterMode selects how exhausted messages are written to the
// failure queue
func WithDeadLetterMode(mode DeadLetterMode) ClientOption {
	return func(cfg *clientConfig) {
		cfg.deadLetter = mode
	}
}

// WithDelayQueuePrefix sets the name prefix of the per-delay retry queues
func WithDelayQueuePrefix(prefix string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.delayPrefix = prefix
	}
}

// New creates a client. Nothing is dialed until Init.
func New(cfg Config, opts ...ClientOption) (*Client, error) {
	if cfg.URL == "" {
		return nil, ErrMissingURL
	}
	if cfg.Topology != nil {
		if err := cfg.Topology.Validate(); err != nil {
			return nil, err
		}
		cfg.Topology = cfg.Topology.Clone()
	}

	config := &clientConfig{
		logger:        slog.Default(),
		maxReconnects: -1,
		retryDelay:    reliability.DefaultDelay,
		deadLetter:    reliability.DeadLetterPreserve,
		delayPrefix:   rabbitmq.DefaultDelayQueuePrefix,
	}
	for _, opt := range opts {
		opt(config)
	}

	supervisorOpts := []rabbitmq.SupervisorOption{
		rabbitmq.WithLogger(config.logger),
		rabbitmq.WithMaxReconnectAttempts(config.maxReconnects),
	}
	if config.reconnectDelay > 0 {
		supervisorOpts = append(supervisorOpts, rabbitmq.WithReconnectDelay(config.reconnectDelay))
	}

	supervisor := rabbitmq.NewSupervisor(cfg.URL, config.dialer, supervisorOpts...)

	c := &Client{
		cfg:        cfg,
		logger:     config.logger,
		supervisor: supervisor,
		publisher:  rabbitmq.NewPublisher(supervisor, rabbitmq.WithPublisherLogger(config.logger)),
		consumerOptions: []rabbitmq.ConsumerOption{
			rabbitmq.WithConsumerLogger(config.logger),
			rabbitmq.WithDefaultDelay(config.retryDelay),
			rabbitmq.WithDefaultDeadLetterMode(config.deadLetter),
			rabbitmq.WithDelayQueuePrefix(config.delayPrefix),
		},
	}
	c.consumer = rabbitmq.NewRetryConsumer(supervisor, c.consumerOptions...)
	c.checks = health.NewRegistry(
		health.NewConnectionChecker(supervisor),
		health.NewConsumerChecker(consumerHealth{client: c}, 0),
	)

	return c, nil
}

// Init declares the topology and connects. The topology is registered once
// and re-declared on every reconnect. Init after Close reconnects with a
// fresh consumer. While a reconnect is in progress Init waits for it.
func (c *Client) Init(ctx context.Context) error {
	c.mu.Lock()
	if c.consumer == nil {
		c.consumer = rabbitmq.NewRetryConsumer(c.supervisor, c.consumerOptions...)
	}

	if !c.topologyAttached && c.cfg.Topology != nil {
		if _, err := c.supervisor.AddSetup(ctx, c.cfg.Topology.SetupAction()); err != nil {
			c.mu.Unlock()
			return fmt.Errorf("failed to register topology: %w", err)
		}
		c.topologyAttached = true
		c.logger.Debug("topology registered", "topology", c.cfg.Topology.Summary())
	}
	c.mu.Unlock()

	if err := c.supervisor.Connect(ctx); err != nil {
		return fmt.Errorf("failed to initialize client: %w", err)
	}
	return nil
}

// Consume subscribes handler to queue. A failing handler is retried until it
// has run maxAttempts times, after which the message goes to failureQueue.
// Zero maxAttempts retries forever. The returned Disposer cancels only this
// subscription.
func (c *Client) Consume(ctx context.Context, queue, failureQueue string, handler MessageHandler, maxAttempts int) (Disposer, error) {
	c.mu.Lock()
	consumer := c.consumer
	c.mu.Unlock()

	if consumer == nil {
		return nil, &rabbitmq.ConsumerError{Queue: queue, Op: "subscribe", Err: ErrConsumerClosed, Timestamp: time.Now()}
	}
	return consumer.Subscribe(ctx, queue, failureQueue, handler, rabbitmq.WithMaxAttempts(maxAttempts))
}

// Publish sends body to exchange with routingKey
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, body []byte, opts ...PublishOption) error {
	_, err := c.publisher.Publish(ctx, exchange, routingKey, body, opts...)
	return err
}

// State returns the connection state
func (c *Client) State() State {
	return c.supervisor.State()
}

// Health runs every check of HealthRegistry
func (c *Client) Health(ctx context.Context) health.OverallHealth {
	return c.checks.Check(ctx)
}

// HealthRegistry returns the registry behind Health. It starts with the
// "connection" and "consumers" checks; application checks may be added.
func (c *Client) HealthRegistry() *health.Registry {
	return c.checks
}

// consumerHealth follows whichever consumer the client currently holds
type consumerHealth struct {
	client *Client
}

func (h consumerHealth) Subscriptions() int {
	h.client.mu.Lock()
	defer h.client.mu.Unlock()
	if h.client.consumer == nil {
		return 0
	}
	return h.client.consumer.Subscriptions()
}

func (h consumerHealth) Closed() bool {
	h.client.mu.Lock()
	defer h.client.mu.Unlock()
	return h.client.consumer == nil || h.client.consumer.Closed()
}

// Close stops every consumer, waits for running handlers and closes the
// connection. It returns ErrNotConnected when the client is not open.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.supervisor.State() {
	case rabbitmq.StateDisconnected, rabbitmq.StateClosed:
		return ErrNotConnected
	}

	var errs []error
	if c.consumer != nil {
		if err := c.consumer.Close(context.Background()); err != nil {
			errs = append(errs, err)
		}
		c.consumer = nil
	}
	if err := c.supervisor.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
