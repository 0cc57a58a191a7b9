package rabbitmq

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/amqpclient-go/internal/amqptest"
)

func TestTopologyValidate(t *testing.T) {
	tests := []struct {
		name     string
		topology *Topology
		valid    bool
	}{
		{"nil topology", nil, true},
		{"empty topology", &Topology{}, true},
		{"work topology", workTopology(), true},
		{
			"binding to an exchange declared elsewhere",
			&Topology{Queues: map[string]QueueSpec{
				"q": {BindToTopic: &TopicBinding{Exchange: "amq.topic", Key: "#"}},
			}},
			true,
		},
		{
			"empty exchange name",
			&Topology{TopicExchanges: map[string]ExchangeSpec{"": {}}},
			false,
		},
		{
			"empty queue name",
			&Topology{Queues: map[string]QueueSpec{"": {}}},
			false,
		},
		{
			"binding without exchange",
			&Topology{Queues: map[string]QueueSpec{
				"q": {BindToTopic: &TopicBinding{Key: "data.test"}},
			}},
			false,
		},
		{"negative prefetch", &Topology{Prefetch: -1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.topology.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTopology)
			}
		})
	}
}

func TestDeclare(t *testing.T) {
	ctx := context.Background()

	t.Run("declares exchanges, queues and bindings", func(t *testing.T) {
		broker := amqptest.NewBroker()
		s := connectedSupervisor(t, broker)
		ch, err := s.Channel()
		require.NoError(t, err)

		require.NoError(t, Declare(ctx, ch, workTopology()))

		snap := broker.Snapshot()
		assert.Equal(t, map[string]string{"data": amqp.ExchangeTopic}, snap.Exchanges)
		assert.Equal(t, []string{"fail", "work"}, snap.Queues)
		assert.Equal(t, []amqptest.Binding{{Queue: "work", Exchange: "data", Key: "data.test"}}, snap.Bindings)
	})

	t.Run("is idempotent", func(t *testing.T) {
		broker := amqptest.NewBroker()
		s := connectedSupervisor(t, broker)
		ch, err := s.Channel()
		require.NoError(t, err)

		require.NoError(t, Declare(ctx, ch, workTopology()))
		first := broker.Snapshot()
		require.NoError(t, Declare(ctx, ch, workTopology()))

		assert.Equal(t, first, broker.Snapshot())
	})

	t.Run("passes queue arguments through", func(t *testing.T) {
		broker := amqptest.NewBroker()
		s := connectedSupervisor(t, broker)
		ch, err := s.Channel()
		require.NoError(t, err)

		topology := &Topology{Queues: map[string]QueueSpec{
			"work": {Options: QueueOptions{
				Durable:   true,
				Arguments: amqp.Table{"x-dead-letter-exchange": "dlx"},
			}},
		}}
		require.NoError(t, Declare(ctx, ch, topology))

		args, ok := broker.QueueArgs("work")
		require.True(t, ok)
		assert.Equal(t, "dlx", args["x-dead-letter-exchange"])
	})

	t.Run("conflicting exchange fails with a topology error", func(t *testing.T) {
		broker := amqptest.NewBroker()
		s := connectedSupervisor(t, broker)
		ch, err := s.Channel()
		require.NoError(t, err)
		require.NoError(t, ch.ExchangeDeclare("data", amqp.ExchangeDirect, true, false, false, false, nil))

		err = Declare(ctx, ch, workTopology())

		var topoErr *TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "exchange", topoErr.Component)
		assert.Equal(t, "data", topoErr.Name)
		assert.False(t, broker.HasQueue("work"), "queues are declared only after every exchange succeeded")
	})

	t.Run("binding to a missing exchange fails", func(t *testing.T) {
		broker := amqptest.NewBroker()
		s := connectedSupervisor(t, broker)
		ch, err := s.Channel()
		require.NoError(t, err)

		err = Declare(ctx, ch, &Topology{Queues: map[string]QueueSpec{
			"q": {BindToTopic: &TopicBinding{Exchange: "missing", Key: "k"}},
		}})

		var topoErr *TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "binding", topoErr.Component)
	})

	t.Run("invalid topology is rejected before touching the broker", func(t *testing.T) {
		ch := &mockChannel{}

		err := Declare(ctx, ch, &Topology{Prefetch: -5})

		assert.ErrorIs(t, err, ErrInvalidTopology)
		ch.AssertExpectations(t)
	})

	t.Run("applies prefetch after declarations", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("ExchangeDeclare", "data", amqp.ExchangeTopic, true, false, false, false, mock.Anything).Return(nil)
		ch.On("QueueDeclare", "work", true, false, false, false, mock.Anything).Return(amqp.Queue{Name: "work"}, nil)
		ch.On("QueueDeclare", "fail", true, false, false, false, mock.Anything).Return(amqp.Queue{Name: "fail"}, nil)
		ch.On("QueueBind", "work", "data.test", "data", false, mock.Anything).Return(nil)
		ch.On("Qos", 10, 0, false).Return(nil)

		topology := workTopology()
		topology.Prefetch = 10
		require.NoError(t, Declare(ctx, ch, topology))

		ch.AssertExpectations(t)
	})

	t.Run("qos failure is reported", func(t *testing.T) {
		ch := &mockChannel{}
		ch.On("Qos", 3, 0, false).Return(errors.New("channel closed"))

		err := Declare(ctx, ch, &Topology{Prefetch: 3})

		var topoErr *TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "qos", topoErr.Component)
	})
}

func TestTopologyHelpers(t *testing.T) {
	t.Run("Clone is independent of the original", func(t *testing.T) {
		original := workTopology()
		original.Queues["work"] = QueueSpec{
			Options:     QueueOptions{Arguments: amqp.Table{"x-max-length": 10}},
			BindToTopic: &TopicBinding{Exchange: "data", Key: "data.test"},
		}

		clone := original.Clone()
		original.Queues["work"].BindToTopic.Key = "changed"
		original.Queues["work"].Options.Arguments["x-max-length"] = 99
		delete(original.Queues, "fail")

		assert.Equal(t, "data.test", clone.Queues["work"].BindToTopic.Key)
		assert.Equal(t, 10, clone.Queues["work"].Options.Arguments["x-max-length"])
		assert.Contains(t, clone.Queues, "fail")
	})

	t.Run("SetupAction declares a snapshot", func(t *testing.T) {
		broker := amqptest.NewBroker()
		s := connectedSupervisor(t, broker)

		topology := workTopology()
		action := topology.SetupAction()
		delete(topology.Queues, "fail")

		_, err := s.AddSetup(context.Background(), action)
		require.NoError(t, err)

		assert.True(t, broker.HasQueue("fail"))
		assert.True(t, broker.HasQueue("work"))
	})

	t.Run("Summary counts components", func(t *testing.T) {
		topology := workTopology()
		topology.Prefetch = 5
		assert.Equal(t, "1 exchanges, 2 queues, 1 bindings, prefetch 5", topology.Summary())

		var empty *Topology
		assert.Equal(t, "empty topology", empty.Summary())
	})
}
