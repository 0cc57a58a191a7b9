package amqptest

import (
	"context"
	"fmt"
	"sort"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/amqpclient-go/internal/transport"
)

// Conn is a connection to a Broker
type Conn struct {
	broker        *Broker
	channels      map[*Channel]struct{}
	closeNotify   []chan *amqp.Error
	blockedNotify []chan amqp.Blocking
	closed        bool
}

var _ transport.Connection = (*Conn)(nil)

// Channel opens a channel on the connection
func (c *Conn) Channel() (transport.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}

	ch := &Channel{
		conn:      c,
		broker:    b,
		consumers: make(map[string]*consumer),
		unacked:   make(map[uint64]*pending),
	}
	c.channels[ch] = struct{}{}
	return ch, nil
}

// NotifyClose registers a listener for connection shutdown
func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.closeNotify = append(c.closeNotify, receiver)
	return receiver
}

// NotifyBlocked registers a listener for connection.blocked
func (c *Conn) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.blockedNotify = append(c.blockedNotify, receiver)
	return receiver
}

// Close closes the connection gracefully
func (c *Conn) Close() error {
	b := c.broker
	b.mu.Lock()
	closed := c.closed
	b.mu.Unlock()

	if closed {
		return amqp.ErrClosed
	}
	c.shutdown(nil)
	return nil
}

// IsClosed reports whether the connection is closed
func (c *Conn) IsClosed() bool {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return c.closed
}

// shutdown closes every channel and the connection. A nil cause is a
// graceful close: listeners are closed without receiving an error.
func (c *Conn) shutdown(cause *amqp.Error) {
	b := c.broker
	b.mu.Lock()
	if c.closed {
		b.mu.Unlock()
		return
	}
	c.closed = true
	delete(b.conns, c)

	var after []func()
	for ch := range c.channels {
		after = append(after, ch.shutdownLocked(cause)...)
	}

	closers := c.closeNotify
	blocked := c.blockedNotify
	c.closeNotify = nil
	c.blockedNotify = nil
	b.mu.Unlock()

	for _, fn := range after {
		fn()
	}
	for _, r := range closers {
		if cause != nil {
			r <- cause
		}
		close(r)
	}
	for _, r := range blocked {
		close(r)
	}
}

// Channel is a channel on a Conn. It is also the Acknowledger of the
// deliveries it hands out.
type Channel struct {
	conn        *Conn
	broker      *Broker
	prefetch    int
	consumers   map[string]*consumer
	unacked     map[uint64]*pending
	nextTag     uint64
	closeNotify []chan *amqp.Error
	flowNotify  []chan bool
	closed      bool
}

var (
	_ transport.Channel = (*Channel)(nil)
	_ amqp.Acknowledger = (*Channel)(nil)
)

// ExchangeDeclare declares an exchange. Redeclaring with another kind fails.
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if name == "" {
		return &amqp.Error{Code: amqp.AccessRefused, Reason: "ACCESS_REFUSED - operation not permitted on the default exchange"}
	}
	switch kind {
	case amqp.ExchangeDirect, amqp.ExchangeTopic, amqp.ExchangeFanout:
	default:
		return &amqp.Error{Code: amqp.CommandInvalid, Reason: fmt.Sprintf("COMMAND_INVALID - unknown exchange type '%s'", kind)}
	}
	if existing, ok := b.exchanges[name]; ok && existing != kind {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s'", name)}
	}
	b.exchanges[name] = kind
	return nil
}

// QueueDeclare declares a queue. An empty name yields a server-named queue.
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if name == "" {
		name = b.nextName("amq.gen")
	}

	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name, args: copyTable(args)}
		b.queues[name] = q
	}
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

// QueueDeclarePassive reports an existing queue and fails with NOT_FOUND
// when there is none.
func (ch *Channel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		return amqp.Queue{}, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", name)}
	}
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

// QueueBind binds a queue to an exchange. Duplicate bindings are ignored.
func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.queues[name]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", name)}
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchange)}
	}

	bind := Binding{Queue: name, Exchange: exchange, Key: key}
	for _, existing := range b.bindings {
		if existing == bind {
			return nil
		}
	}
	b.bindings = append(b.bindings, bind)
	return nil
}

// Qos sets the prefetch count used by consumers started afterwards
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

// Consume starts a consumer on a queue
func (ch *Channel) Consume(queueName, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName)}
	}
	if consumerTag == "" {
		consumerTag = b.nextName("amq.ctag")
	}
	if _, exists := ch.consumers[consumerTag]; exists {
		return nil, &amqp.Error{Code: amqp.NotAllowed, Reason: fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%s'", consumerTag)}
	}

	c := newConsumer(consumerTag, ch, q, autoAck)
	ch.consumers[consumerTag] = c
	q.consumers = append(q.consumers, c)
	b.dispatchLocked(q)

	return c.deliveries, nil
}

// Cancel stops a consumer. Its delivery channel closes once the deliveries
// already handed out have been received. Unacked deliveries stay
// outstanding on the channel.
func (ch *Channel) Cancel(consumerTag string, noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	c, ok := ch.consumers[consumerTag]
	if !ok {
		return nil
	}
	delete(ch.consumers, consumerTag)
	c.queue.removeConsumer(c)
	c.stop()
	b.dispatchLocked(c.queue)
	return nil
}

// PublishWithContext routes a message through an exchange
func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	return b.publishLocked(exchange, key, msg)
}

// NotifyClose registers a listener for channel shutdown
func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.closeNotify = append(ch.closeNotify, receiver)
	return receiver
}

// NotifyFlow registers a listener for channel.flow
func (ch *Channel) NotifyFlow(receiver chan bool) chan bool {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.flowNotify = append(ch.flowNotify, receiver)
	return receiver
}

// Close closes the channel gracefully, requeueing unacked deliveries
func (ch *Channel) Close() error {
	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	delete(ch.conn.channels, ch)
	after := ch.shutdownLocked(nil)
	b.mu.Unlock()

	for _, fn := range after {
		fn()
	}
	return nil
}

// IsClosed reports whether the channel is closed
func (ch *Channel) IsClosed() bool {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch.closed
}

// Ack acknowledges a delivery
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	settled, err := ch.settleLocked(tag, multiple)
	if err != nil {
		return err
	}
	for _, p := range settled {
		b.dispatchLocked(p.queue)
	}
	return nil
}

// Nack negatively acknowledges a delivery
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	settled, err := ch.settleLocked(tag, multiple)
	if err != nil {
		return err
	}
	ch.rejectLocked(settled, requeue)
	return nil
}

// Reject rejects a single delivery
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *Channel) rejectLocked(settled []*pending, requeue bool) {
	b := ch.broker
	if requeue {
		requeueLocked(settled)
	} else {
		for _, p := range settled {
			b.deadLetterLocked(p.queue, p.msg, "rejected")
		}
	}
	for _, p := range settled {
		b.dispatchLocked(p.queue)
	}
}

func (ch *Channel) settleLocked(tag uint64, multiple bool) ([]*pending, error) {
	if ch.closed {
		return nil, amqp.ErrClosed
	}

	var settled []*pending
	if multiple {
		for t, p := range ch.unacked {
			if t <= tag {
				settled = append(settled, p)
				delete(ch.unacked, t)
			}
		}
		sort.Slice(settled, func(i, j int) bool { return settled[i].tag < settled[j].tag })
	} else {
		p, ok := ch.unacked[tag]
		if !ok {
			return nil, &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag)}
		}
		settled = append(settled, p)
		delete(ch.unacked, tag)
	}

	for _, p := range settled {
		p.consumer.unacked--
	}
	return settled, nil
}

func (ch *Channel) deliverLocked(c *consumer, msg *message) {
	ch.nextTag++
	tag := ch.nextTag

	if !c.autoAck {
		ch.unacked[tag] = &pending{tag: tag, msg: msg, queue: c.queue, consumer: c}
		c.unacked++
	}
	c.push(toDelivery(ch, c.tag, tag, msg))
}

// shutdownLocked marks the channel closed, cancels its consumers and
// requeues what it still held. The returned funcs notify listeners and must
// run after the broker lock is released.
func (ch *Channel) shutdownLocked(cause *amqp.Error) []func() {
	ch.closed = true
	b := ch.broker

	touched := make(map[*queue]struct{})
	for tag, c := range ch.consumers {
		delete(ch.consumers, tag)
		c.queue.removeConsumer(c)
		c.stop()
		touched[c.queue] = struct{}{}
	}

	outstanding := make([]*pending, 0, len(ch.unacked))
	for tag, p := range ch.unacked {
		outstanding = append(outstanding, p)
		delete(ch.unacked, tag)
		touched[p.queue] = struct{}{}
	}
	sort.Slice(outstanding, func(i, j int) bool { return outstanding[i].tag < outstanding[j].tag })
	requeueLocked(outstanding)

	for q := range touched {
		b.dispatchLocked(q)
	}

	closers := ch.closeNotify
	flows := ch.flowNotify
	ch.closeNotify = nil
	ch.flowNotify = nil

	return []func(){func() {
		for _, r := range closers {
			if cause != nil {
				r <- cause
			}
			close(r)
		}
		for _, r := range flows {
			close(r)
		}
	}}
}

// requeueLocked returns settled deliveries to the head of their queues in
// their original order, flagged as redelivered.
func requeueLocked(settled []*pending) {
	for i := len(settled) - 1; i >= 0; i-- {
		p := settled[i]
		p.msg.redelivered = true
		p.queue.ready = append([]*message{p.msg}, p.queue.ready...)
	}
}
