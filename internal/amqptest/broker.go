// Package amqptest provides an in-memory AMQP broker implementing the
// transport interfaces, for tests that need real routing, acknowledgement
// and redelivery behaviour without a running RabbitMQ.
//
// Supported: direct, topic and fanout exchanges, the default exchange,
// manual and automatic acknowledgement, prefetch, requeue on nack and on
// channel loss, x-message-ttl with x-dead-letter-exchange, forced connection
// loss, connection.blocked and channel.flow notifications.
package amqptest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/amqpclient-go/internal/transport"
)

// Binding is a queue-to-exchange binding as seen by the broker
type Binding struct {
	Queue    string
	Exchange string
	Key      string
}

// Snapshot is the observable topology state of the broker
type Snapshot struct {
	Exchanges map[string]string
	Queues    []string
	Bindings  []Binding
}

// Broker is an in-memory AMQP broker. The zero value is not usable; call
// NewBroker.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]string
	queues    map[string]*queue
	bindings  []Binding
	conns     map[*Conn]struct{}
	dialErr   error
	dials     int
	serial    int
}

type message struct {
	pub         amqp.Publishing
	exchange    string
	routingKey  string
	redelivered bool
}

type queue struct {
	name      string
	args      amqp.Table
	ready     []*message
	consumers []*consumer
	next      int
}

type consumer struct {
	tag        string
	ch         *Channel
	queue      *queue
	deliveries chan amqp.Delivery
	autoAck    bool
	prefetch   int
	unacked    int

	// outbox is drained into deliveries by pump, outside the broker lock
	mu      sync.Mutex
	wake    *sync.Cond
	outbox  []amqp.Delivery
	stopped bool
}

type pending struct {
	tag      uint64
	msg      *message
	queue    *queue
	consumer *consumer
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]string),
		queues:    make(map[string]*queue),
		conns:     make(map[*Conn]struct{}),
	}
}

var _ transport.Dialer = (*Broker)(nil)

// Dial implements transport.Dialer
func (b *Broker) Dial(ctx context.Context, url string) (transport.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}

	conn := &Conn{
		broker:   b,
		channels: make(map[*Channel]struct{}),
	}
	b.conns[conn] = struct{}{}
	return conn, nil
}

// SetDialError makes subsequent dials fail with err until cleared with nil
func (b *Broker) SetDialError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// Dials returns the number of dial attempts seen so far
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Connections returns the number of open connections
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// DropConnections force-closes every connection as a network failure would.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.shutdown(&amqp.Error{
			Code:    amqp.ConnectionForced,
			Reason:  "CONNECTION_FORCED - broker forced connection closure",
			Server:  true,
			Recover: true,
		})
	}
}

// SetBlocked sends connection.blocked / connection.unblocked to every connection
func (b *Broker) SetBlocked(active bool, reason string) {
	b.mu.Lock()
	var receivers []chan amqp.Blocking
	for c := range b.conns {
		receivers = append(receivers, c.blockedNotify...)
	}
	b.mu.Unlock()

	for _, r := range receivers {
		r <- amqp.Blocking{Active: active, Reason: reason}
	}
}

// SetFlow sends channel.flow to every open channel
func (b *Broker) SetFlow(active bool) {
	b.mu.Lock()
	var receivers []chan bool
	for c := range b.conns {
		for ch := range c.channels {
			receivers = append(receivers, ch.flowNotify...)
		}
	}
	b.mu.Unlock()

	for _, r := range receivers {
		r <- active
	}
}

// Publish injects a message as if published by another client.
func (b *Broker) Publish(exchange, key string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.publishLocked(exchange, key, msg)
}

// Get removes and returns the first ready message of a queue (basic.get with
// no-ack).
func (b *Broker) Get(queueName string) (amqp.Delivery, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok || len(q.ready) == 0 {
		return amqp.Delivery{}, false
	}
	msg := q.ready[0]
	q.ready = q.ready[1:]
	return toDelivery(nil, "", 0, msg), true
}

// Depth returns the number of ready messages in a queue
func (b *Broker) Depth(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queueName]; ok {
		return len(q.ready)
	}
	return 0
}

// Unacked returns the number of delivered but unacknowledged messages of a queue
func (b *Broker) Unacked(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for c := range b.conns {
		for ch := range c.channels {
			for _, p := range ch.unacked {
				if p.queue.name == queueName {
					n++
				}
			}
		}
	}
	return n
}

// ConsumerCount returns the number of consumers attached to a queue
func (b *Broker) ConsumerCount(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queueName]; ok {
		return len(q.consumers)
	}
	return 0
}

// QueueArgs returns the arguments a queue was declared with
func (b *Broker) QueueArgs(queueName string) (amqp.Table, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return nil, false
	}
	return q.args, true
}

// HasQueue reports whether a queue exists
func (b *Broker) HasQueue(queueName string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[queueName]
	return ok
}

// Snapshot returns the declared exchanges, queues and bindings
func (b *Broker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		Exchanges: make(map[string]string, len(b.exchanges)),
		Bindings:  append([]Binding(nil), b.bindings...),
	}
	for name, kind := range b.exchanges {
		snap.Exchanges[name] = kind
	}
	for name := range b.queues {
		snap.Queues = append(snap.Queues, name)
	}
	sort.Strings(snap.Queues)
	sort.Slice(snap.Bindings, func(i, j int) bool {
		a, c := snap.Bindings[i], snap.Bindings[j]
		if a.Queue != c.Queue {
			return a.Queue < c.Queue
		}
		if a.Exchange != c.Exchange {
			return a.Exchange < c.Exchange
		}
		return a.Key < c.Key
	})
	return snap
}

func (b *Broker) publishLocked(exchange, key string, pub amqp.Publishing) error {
	if exchange == "" {
		if q, ok := b.queues[key]; ok {
			b.enqueueLocked(q, &message{pub: pub, exchange: exchange, routingKey: key})
		}
		return nil
	}

	kind, ok := b.exchanges[exchange]
	if !ok {
		return &amqp.Error{
			Code:   amqp.NotFound,
			Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchange),
		}
	}

	seen := make(map[string]bool)
	for _, bind := range b.bindings {
		if bind.Exchange != exchange || seen[bind.Queue] {
			continue
		}
		if !routes(kind, bind.Key, key) {
			continue
		}
		seen[bind.Queue] = true
		if q, ok := b.queues[bind.Queue]; ok {
			b.enqueueLocked(q, &message{pub: pub, exchange: exchange, routingKey: key})
		}
	}
	return nil
}

func (b *Broker) enqueueLocked(q *queue, msg *message) {
	msg.pub.Headers = copyTable(msg.pub.Headers)
	q.ready = append(q.ready, msg)

	if ttl, ok := intArg(q.args, "x-message-ttl"); ok {
		time.AfterFunc(time.Duration(ttl)*time.Millisecond, func() {
			b.expire(q, msg)
		})
	}

	b.dispatchLocked(q)
}

func (b *Broker) expire(q *queue, msg *message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, m := range q.ready {
		if m == msg {
			q.ready = append(q.ready[:i], q.ready[i+1:]...)
			b.deadLetterLocked(q, msg, "expired")
			return
		}
	}
}

func (b *Broker) deadLetterLocked(q *queue, msg *message, reason string) {
	dlx, ok := q.args["x-dead-letter-exchange"].(string)
	if !ok {
		return
	}
	key := msg.routingKey
	if dlrk, ok := q.args["x-dead-letter-routing-key"].(string); ok {
		key = dlrk
	}

	pub := msg.pub
	pub.Headers = copyTable(pub.Headers)
	pub.Headers["x-death"] = []interface{}{
		amqp.Table{
			"queue":  q.name,
			"reason": reason,
			"count":  int64(1),
			"time":   time.Now(),
		},
	}
	if reason == "expired" {
		pub.Expiration = ""
	}

	_ = b.publishLocked(dlx, key, pub)
}

func (b *Broker) dispatchLocked(q *queue) {
	for len(q.ready) > 0 {
		c := q.nextConsumer()
		if c == nil {
			return
		}
		msg := q.ready[0]
		q.ready = q.ready[1:]
		c.ch.deliverLocked(c, msg)
	}
}

func (q *queue) nextConsumer() *consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		c := q.consumers[(q.next+i)%n]
		if c.hasCapacity() {
			q.next = (q.next + i + 1) % n
			return c
		}
	}
	return nil
}

func (q *queue) removeConsumer(c *consumer) {
	for i, existing := range q.consumers {
		if existing == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.next >= len(q.consumers) {
		q.next = 0
	}
}

func (c *consumer) hasCapacity() bool {
	return c.autoAck || c.prefetch <= 0 || c.unacked < c.prefetch
}

func newConsumer(tag string, ch *Channel, q *queue, autoAck bool) *consumer {
	c := &consumer{
		tag:        tag,
		ch:         ch,
		queue:      q,
		deliveries: make(chan amqp.Delivery),
		autoAck:    autoAck,
		prefetch:   ch.prefetch,
	}
	c.wake = sync.NewCond(&c.mu)
	go c.pump()
	return c
}

func (c *consumer) push(d amqp.Delivery) {
	c.mu.Lock()
	c.outbox = append(c.outbox, d)
	c.mu.Unlock()
	c.wake.Signal()
}

// stop closes the delivery channel after everything pushed so far
func (c *consumer) stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.wake.Broadcast()
}

// pump hands deliveries to the reader one at a time. A reader that stops
// receiving only holds up its own consumer.
func (c *consumer) pump() {
	defer close(c.deliveries)

	for {
		c.mu.Lock()
		for len(c.outbox) == 0 && !c.stopped {
			c.wake.Wait()
		}
		if len(c.outbox) == 0 {
			c.mu.Unlock()
			return
		}
		d := c.outbox[0]
		c.outbox = c.outbox[1:]
		c.mu.Unlock()

		c.deliveries <- d
	}
}

func (b *Broker) nextName(prefix string) string {
	b.serial++
	return fmt.Sprintf("%s-%d", prefix, b.serial)
}

// routes matches a binding key against a routing key for the exchange kind
func routes(kind, bindingKey, routingKey string) bool {
	switch kind {
	case amqp.ExchangeFanout:
		return true
	case amqp.ExchangeTopic:
		return MatchTopic(bindingKey, routingKey)
	default:
		return bindingKey == routingKey
	}
}

// MatchTopic reports whether a topic binding pattern matches a routing key.
// "*" matches exactly one word and "#" matches zero or more words.
func MatchTopic(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}

func toDelivery(ack amqp.Acknowledger, consumerTag string, tag uint64, msg *message) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger:    ack,
		Headers:         copyTable(msg.pub.Headers),
		ContentType:     msg.pub.ContentType,
		ContentEncoding: msg.pub.ContentEncoding,
		DeliveryMode:    msg.pub.DeliveryMode,
		Priority:        msg.pub.Priority,
		CorrelationId:   msg.pub.CorrelationId,
		ReplyTo:         msg.pub.ReplyTo,
		Expiration:      msg.pub.Expiration,
		MessageId:       msg.pub.MessageId,
		Timestamp:       msg.pub.Timestamp,
		Type:            msg.pub.Type,
		UserId:          msg.pub.UserId,
		AppId:           msg.pub.AppId,
		ConsumerTag:     consumerTag,
		DeliveryTag:     tag,
		Redelivered:     msg.redelivered,
		Exchange:        msg.exchange,
		RoutingKey:      msg.routingKey,
		Body:            msg.pub.Body,
	}
}

func copyTable(in amqp.Table) amqp.Table {
	out := make(amqp.Table, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func intArg(args amqp.Table, key string) (int64, bool) {
	switch v := args[key].(type) {
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}
