package rabbitmq

import (
	"context"
	"fmt"
	"sort"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/amqpclient-go/internal/transport"
)

// ExchangeOptions are the declare flags of a topic exchange
type ExchangeOptions struct {
	Durable    bool       `yaml:"durable"`
	AutoDelete bool       `yaml:"autoDelete"`
	Internal   bool       `yaml:"internal"`
	Arguments  amqp.Table `yaml:"arguments"`
}

// QueueOptions are the declare flags of a queue
type QueueOptions struct {
	Durable    bool       `yaml:"durable"`
	AutoDelete bool       `yaml:"autoDelete"`
	Exclusive  bool       `yaml:"exclusive"`
	Arguments  amqp.Table `yaml:"arguments"`
}

// ExchangeSpec describes one topic exchange
type ExchangeSpec struct {
	Options ExchangeOptions `yaml:"options"`
}

// TopicBinding binds a queue to a topic exchange with a routing pattern
type TopicBinding struct {
	Exchange string `yaml:"exchange"`
	Key      string `yaml:"key"`
}

// QueueSpec describes one queue and its optional binding
type QueueSpec struct {
	Options     QueueOptions  `yaml:"options"`
	BindToTopic *TopicBinding `yaml:"bindToTopic"`
}

// Topology is the broker state declared on every (re)connect
type Topology struct {
	TopicExchanges map[string]ExchangeSpec `yaml:"topicExchanges"`
	Queues         map[string]QueueSpec    `yaml:"queues"`
	Prefetch       int                     `yaml:"prefetch"`
}

// Validate checks the topology for declarations the broker would reject.
// A binding may name an exchange declared elsewhere.
func (t *Topology) Validate() error {
	if t == nil {
		return nil
	}
	if t.Prefetch < 0 {
		return fmt.Errorf("%w: prefetch must not be negative (got %d)", ErrInvalidTopology, t.Prefetch)
	}
	for _, name := range sortedKeys(t.TopicExchanges) {
		if name == "" {
			return fmt.Errorf("%w: exchange name is empty", ErrInvalidTopology)
		}
	}
	for _, name := range sortedKeys(t.Queues) {
		if name == "" {
			return fmt.Errorf("%w: queue name is empty", ErrInvalidTopology)
		}
		if bind := t.Queues[name].BindToTopic; bind != nil && bind.Exchange == "" {
			return fmt.Errorf("%w: queue %q binding has no exchange", ErrInvalidTopology, name)
		}
	}
	return nil
}

// Clone returns a deep copy so later edits by the caller do not leak into
// registered setup actions.
func (t *Topology) Clone() *Topology {
	if t == nil {
		return &Topology{}
	}

	out := &Topology{
		TopicExchanges: make(map[string]ExchangeSpec, len(t.TopicExchanges)),
		Queues:         make(map[string]QueueSpec, len(t.Queues)),
		Prefetch:       t.Prefetch,
	}
	for name, spec := range t.TopicExchanges {
		spec.Options.Arguments = cloneTable(spec.Options.Arguments)
		out.TopicExchanges[name] = spec
	}
	for name, spec := range t.Queues {
		spec.Options.Arguments = cloneTable(spec.Options.Arguments)
		if spec.BindToTopic != nil {
			bind := *spec.BindToTopic
			spec.BindToTopic = &bind
		}
		out.Queues[name] = spec
	}
	return out
}

// Summary describes the topology for logs
func (t *Topology) Summary() string {
	if t == nil {
		return "empty topology"
	}
	bindings := 0
	for _, q := range t.Queues {
		if q.BindToTopic != nil {
			bindings++
		}
	}
	return fmt.Sprintf("%d exchanges, %d queues, %d bindings, prefetch %d",
		len(t.TopicExchanges), len(t.Queues), bindings, t.Prefetch)
}

// SetupAction adapts a snapshot of the topology to a supervisor setup action
func (t *Topology) SetupAction() SetupAction {
	snapshot := t.Clone()
	return func(ctx context.Context, ch transport.Channel) error {
		return Declare(ctx, ch, snapshot)
	}
}

// Declare declares every exchange, then every queue with its binding, then
// applies the prefetch. Declarations within a phase run concurrently.
func Declare(ctx context.Context, ch transport.Channel, topology *Topology) error {
	if topology == nil {
		return nil
	}
	if err := topology.Validate(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range sortedKeys(topology.TopicExchanges) {
		spec := topology.TopicExchanges[name]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return declareExchange(ch, name, spec)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	g, gctx = errgroup.WithContext(ctx)
	for _, name := range sortedKeys(topology.Queues) {
		spec := topology.Queues[name]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := declareQueue(ch, name, spec); err != nil {
				return err
			}
			if spec.BindToTopic == nil {
				return nil
			}
			return bindQueue(ch, name, *spec.BindToTopic)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if topology.Prefetch > 0 {
		if err := ch.Qos(topology.Prefetch, 0, false); err != nil {
			return &TopologyError{
				Component: "qos",
				Name:      fmt.Sprintf("prefetch=%d", topology.Prefetch),
				Op:        "apply",
				Err:       err,
				Timestamp: time.Now(),
			}
		}
	}

	return nil
}

// declareExchange declares a topic exchange on the given channel
func declareExchange(ch transport.Channel, name string, spec ExchangeSpec) error {
	err := ch.ExchangeDeclare(
		name,
		amqp.ExchangeTopic,
		spec.Options.Durable,
		spec.Options.AutoDelete,
		spec.Options.Internal,
		false, // no-wait
		spec.Options.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "exchange", Name: name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// declareQueue declares a queue on the given channel
func declareQueue(ch transport.Channel, name string, spec QueueSpec) error {
	_, err := ch.QueueDeclare(
		name,
		spec.Options.Durable,
		spec.Options.AutoDelete,
		spec.Options.Exclusive,
		false, // no-wait
		spec.Options.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "queue", Name: name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// bindQueue binds a queue to its topic exchange on the given channel
func bindQueue(ch transport.Channel, queue string, bind TopicBinding) error {
	err := ch.QueueBind(
		queue,
		bind.Key,
		bind.Exchange,
		false, // no-wait
		nil,
	)
	if err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      fmt.Sprintf("%s -> %s (%s)", queue, bind.Exchange, bind.Key),
			Op:        "declare",
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneTable(in amqp.Table) amqp.Table {
	if in == nil {
		return nil
	}
	out := make(amqp.Table, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
