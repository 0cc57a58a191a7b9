package amqptest

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/amqpclient-go/internal/transport"
)

func openChannel(t *testing.T, b *Broker) transport.Channel {
	t.Helper()
	conn, err := b.Dial(context.Background(), "amqp://test")
	require.NoError(t, err)
	ch, err := conn.Channel()
	require.NoError(t, err)
	return ch
}

func receive(t *testing.T, deliveries <-chan amqp.Delivery) amqp.Delivery {
	t.Helper()
	select {
	case d, ok := <-deliveries:
		require.True(t, ok, "delivery channel closed")
		return d
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
		return amqp.Delivery{}
	}
}

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		match   bool
	}{
		{"data.test", "data.test", true},
		{"data.test", "data.other", false},
		{"data.*", "data.test", true},
		{"data.*", "data.test.deep", false},
		{"data.#", "data", true},
		{"data.#", "data.test.deep", true},
		{"#", "anything.at.all", true},
		{"*.test", "data.test", true},
		{"#.test", "a.b.test", true},
		{"#.test", "a.b.other", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+" "+tt.key, func(t *testing.T) {
			assert.Equal(t, tt.match, MatchTopic(tt.pattern, tt.key))
		})
	}
}

func TestBrokerRouting(t *testing.T) {
	t.Run("topic exchange routes to bound queues", func(t *testing.T) {
		b := NewBroker()
		ch := openChannel(t, b)

		require.NoError(t, ch.ExchangeDeclare("data", amqp.ExchangeTopic, true, false, false, false, nil))
		_, err := ch.QueueDeclare("q1", true, false, false, false, nil)
		require.NoError(t, err)
		_, err = ch.QueueDeclare("q2", true, false, false, false, nil)
		require.NoError(t, err)
		require.NoError(t, ch.QueueBind("q1", "data.test", "data", false, nil))
		require.NoError(t, ch.QueueBind("q2", "data.*", "data", false, nil))

		ctx := context.Background()
		require.NoError(t, ch.PublishWithContext(ctx, "data", "data.test", false, false, amqp.Publishing{Body: []byte("a")}))
		require.NoError(t, ch.PublishWithContext(ctx, "data", "data.other", false, false, amqp.Publishing{Body: []byte("b")}))

		assert.Equal(t, 1, b.Depth("q1"))
		assert.Equal(t, 2, b.Depth("q2"))
	})

	t.Run("default exchange routes by queue name", func(t *testing.T) {
		b := NewBroker()
		ch := openChannel(t, b)
		_, err := ch.QueueDeclare("direct-q", true, false, false, false, nil)
		require.NoError(t, err)

		require.NoError(t, ch.PublishWithContext(context.Background(), "", "direct-q", false, false, amqp.Publishing{Body: []byte("x")}))

		d, ok := b.Get("direct-q")
		require.True(t, ok)
		assert.Equal(t, []byte("x"), d.Body)
	})

	t.Run("publishing to a missing exchange fails", func(t *testing.T) {
		b := NewBroker()
		ch := openChannel(t, b)

		err := ch.PublishWithContext(context.Background(), "nope", "k", false, false, amqp.Publishing{})

		var amqpErr *amqp.Error
		require.ErrorAs(t, err, &amqpErr)
		assert.Equal(t, amqp.NotFound, amqpErr.Code)
	})

	t.Run("redeclaring an exchange with another kind fails", func(t *testing.T) {
		b := NewBroker()
		ch := openChannel(t, b)
		require.NoError(t, ch.ExchangeDeclare("x", amqp.ExchangeTopic, true, false, false, false, nil))

		assert.Error(t, ch.ExchangeDeclare("x", amqp.ExchangeDirect, true, false, false, false, nil))
		assert.NoError(t, ch.ExchangeDeclare("x", amqp.ExchangeTopic, true, false, false, false, nil))
	})

	t.Run("duplicate bindings are stored once", func(t *testing.T) {
		b := NewBroker()
		ch := openChannel(t, b)
		require.NoError(t, ch.ExchangeDeclare("x", amqp.ExchangeTopic, true, false, false, false, nil))
		_, err := ch.QueueDeclare("q", true, false, false, false, nil)
		require.NoError(t, err)

		require.NoError(t, ch.QueueBind("q", "k", "x", false, nil))
		require.NoError(t, ch.QueueBind("q", "k", "x", false, nil))

		assert.Len(t, b.Snapshot().Bindings, 1)
	})
}

func TestBrokerConsume(t *testing.T) {
	t.Run("nack with requeue redelivers", func(t *testing.T) {
		b := NewBroker()
		ch := openChannel(t, b)
		_, err := ch.QueueDeclare("q", true, false, false, false, nil)
		require.NoError(t, err)
		require.NoError(t, b.Publish("", "q", amqp.Publishing{Body: []byte("m")}))

		deliveries, err := ch.Consume("q", "c1", false, false, false, false, nil)
		require.NoError(t, err)

		first := receive(t, deliveries)
		assert.False(t, first.Redelivered)
		require.NoError(t, first.Nack(false, true))

		second := receive(t, deliveries)
		assert.True(t, second.Redelivered)
		require.NoError(t, second.Ack(false))

		assert.Equal(t, 0, b.Depth("q"))
		assert.Equal(t, 0, b.Unacked("q"))
	})

	t.Run("prefetch limits outstanding deliveries", func(t *testing.T) {
		b := NewBroker()
		ch := openChannel(t, b)
		_, err := ch.QueueDeclare("q", true, false, false, false, nil)
		require.NoError(t, err)
		require.NoError(t, ch.Qos(1, 0, false))

		for i := 0; i < 3; i++ {
			require.NoError(t, b.Publish("", "q", amqp.Publishing{Body: []byte{byte(i)}}))
		}

		deliveries, err := ch.Consume("q", "c1", false, false, false, false, nil)
		require.NoError(t, err)

		d := receive(t, deliveries)
		assert.Equal(t, 2, b.Depth("q"))
		assert.Equal(t, 1, b.Unacked("q"))

		require.NoError(t, d.Ack(false))
		assert.Equal(t, 1, b.Depth("q"))
	})

	t.Run("an unread consumer does not hold up the broker", func(t *testing.T) {
		b := NewBroker()
		ch := openChannel(t, b)
		_, err := ch.QueueDeclare("q", true, false, false, false, nil)
		require.NoError(t, err)

		deliveries, err := ch.Consume("q", "c1", false, false, false, false, nil)
		require.NoError(t, err)

		const n = 300
		published := make(chan struct{})
		go func() {
			defer close(published)
			for i := 0; i < n; i++ {
				_ = b.Publish("", "q", amqp.Publishing{Body: []byte(strconv.Itoa(i))})
			}
		}()

		select {
		case <-published:
		case <-time.After(time.Second):
			t.Fatal("publishing blocked behind a consumer that is not reading")
		}
		assert.Equal(t, 0, b.Depth("q"))
		assert.Equal(t, n, b.Unacked("q"))

		for i := 0; i < n; i++ {
			d := receive(t, deliveries)
			assert.Equal(t, strconv.Itoa(i), string(d.Body))
		}
	})

	t.Run("cancel still hands out deliveries already sent", func(t *testing.T) {
		b := NewBroker()
		ch := openChannel(t, b)
		_, err := ch.QueueDeclare("q", true, false, false, false, nil)
		require.NoError(t, err)
		require.NoError(t, b.Publish("", "q", amqp.Publishing{Body: []byte("m")}))

		deliveries, err := ch.Consume("q", "c1", false, false, false, false, nil)
		require.NoError(t, err)
		require.NoError(t, ch.Cancel("c1", false))

		d := receive(t, deliveries)
		assert.Equal(t, []byte("m"), d.Body)
		_, open := <-deliveries
		assert.False(t, open)
	})

	t.Run("closing a channel requeues unacked deliveries", func(t *testing.T) {
		b := NewBroker()
		ch := openChannel(t, b)
		_, err := ch.QueueDeclare("q", true, false, false, false, nil)
		require.NoError(t, err)
		require.NoError(t, b.Publish("", "q", amqp.Publishing{Body: []byte("m")}))

		deliveries, err := ch.Consume("q", "c1", false, false, false, false, nil)
		require.NoError(t, err)
		receive(t, deliveries)

		require.NoError(t, ch.Close())

		_, open := <-deliveries
		assert.False(t, open)
		assert.Equal(t, 1, b.Depth("q"))
		assert.Equal(t, 0, b.ConsumerCount("q"))

		d, ok := b.Get("q")
		require.True(t, ok)
		assert.True(t, d.Redelivered)
	})

	t.Run("cancel closes the delivery channel", func(t *testing.T) {
		b := NewBroker()
		ch := openChannel(t, b)
		_, err := ch.QueueDeclare("q", true, false, false, false, nil)
		require.NoError(t, err)

		deliveries, err := ch.Consume("q", "c1", false, false, false, false, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, b.ConsumerCount("q"))

		require.NoError(t, ch.Cancel("c1", false))

		_, open := <-deliveries
		assert.False(t, open)
		assert.Equal(t, 0, b.ConsumerCount("q"))
	})

	t.Run("consuming a missing queue fails", func(t *testing.T) {
		b := NewBroker()
		ch := openChannel(t, b)

		_, err := ch.Consume("missing", "", false, false, false, false, nil)
		assert.Error(t, err)
	})
}

func TestBrokerDeadLettering(t *testing.T) {
	t.Run("expired messages move to the dead-letter target", func(t *testing.T) {
		b := NewBroker()
		ch := openChannel(t, b)
		_, err := ch.QueueDeclare("work", true, false, false, false, nil)
		require.NoError(t, err)
		_, err = ch.QueueDeclare("work.delay", true, false, false, false, amqp.Table{
			"x-message-ttl":             int64(20),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": "work",
		})
		require.NoError(t, err)

		require.NoError(t, b.Publish("", "work.delay", amqp.Publishing{
			Body:    []byte("later"),
			Headers: amqp.Table{"x-retry-count": int64(1)},
		}))
		assert.Equal(t, 1, b.Depth("work.delay"))

		assert.Eventually(t, func() bool {
			return b.Depth("work") == 1
		}, time.Second, 5*time.Millisecond)

		d, ok := b.Get("work")
		require.True(t, ok)
		assert.Equal(t, []byte("later"), d.Body)
		assert.Equal(t, int64(1), d.Headers["x-retry-count"])
		assert.NotNil(t, d.Headers["x-death"])
	})

	t.Run("rejected messages without a dead-letter exchange are dropped", func(t *testing.T) {
		b := NewBroker()
		ch := openChannel(t, b)
		_, err := ch.QueueDeclare("q", true, false, false, false, nil)
		require.NoError(t, err)
		require.NoError(t, b.Publish("", "q", amqp.Publishing{Body: []byte("m")}))

		deliveries, err := ch.Consume("q", "c1", false, false, false, false, nil)
		require.NoError(t, err)
		require.NoError(t, receive(t, deliveries).Nack(false, false))

		assert.Equal(t, 0, b.Depth("q"))
		assert.Equal(t, 0, b.Unacked("q"))
	})
}

func TestBrokerConnections(t *testing.T) {
	t.Run("drop notifies connection and channel listeners", func(t *testing.T) {
		b := NewBroker()
		conn, err := b.Dial(context.Background(), "amqp://test")
		require.NoError(t, err)
		ch, err := conn.Channel()
		require.NoError(t, err)

		connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
		chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

		b.DropConnections()

		connErr := <-connClosed
		require.NotNil(t, connErr)
		assert.Equal(t, amqp.ConnectionForced, connErr.Code)

		chErr := <-chClosed
		require.NotNil(t, chErr)

		assert.True(t, conn.IsClosed())
		assert.True(t, ch.IsClosed())
		assert.Equal(t, 0, b.Connections())
	})

	t.Run("graceful close delivers no error", func(t *testing.T) {
		b := NewBroker()
		conn, err := b.Dial(context.Background(), "amqp://test")
		require.NoError(t, err)
		closed := conn.NotifyClose(make(chan *amqp.Error, 1))

		require.NoError(t, conn.Close())

		err2, ok := <-closed
		assert.False(t, ok)
		assert.Nil(t, err2)
		assert.ErrorIs(t, conn.Close(), amqp.ErrClosed)
	})

	t.Run("dial errors are injected", func(t *testing.T) {
		b := NewBroker()
		refused := errors.New("connection refused")
		b.SetDialError(refused)

		_, err := b.Dial(context.Background(), "amqp://test")
		assert.ErrorIs(t, err, refused)

		b.SetDialError(nil)
		_, err = b.Dial(context.Background(), "amqp://test")
		assert.NoError(t, err)
		assert.Equal(t, 2, b.Dials())
	})

	t.Run("flow and blocked notifications", func(t *testing.T) {
		b := NewBroker()
		conn, err := b.Dial(context.Background(), "amqp://test")
		require.NoError(t, err)
		ch, err := conn.Channel()
		require.NoError(t, err)

		blocked := conn.NotifyBlocked(make(chan amqp.Blocking, 1))
		flow := ch.NotifyFlow(make(chan bool, 1))

		b.SetBlocked(true, "low on memory")
		b.SetFlow(false)

		assert.Equal(t, amqp.Blocking{Active: true, Reason: "low on memory"}, <-blocked)
		assert.False(t, <-flow)
	})
}
