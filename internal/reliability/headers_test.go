package reliability

import (
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttemptCount(t *testing.T) {
	tests := []struct {
		name     string
		headers  amqp.Table
		expected int
	}{
		{"nil headers", nil, 0},
		{"missing header", amqp.Table{"other": "x"}, 0},
		{"int64", amqp.Table{HeaderRetryCount: int64(3)}, 3},
		{"int32", amqp.Table{HeaderRetryCount: int32(4)}, 4},
		{"int", amqp.Table{HeaderRetryCount: 5}, 5},
		{"uint8", amqp.Table{HeaderRetryCount: uint8(6)}, 6},
		{"float64", amqp.Table{HeaderRetryCount: float64(2)}, 2},
		{"numeric string", amqp.Table{HeaderRetryCount: " 7 "}, 7},
		{"garbage string", amqp.Table{HeaderRetryCount: "seven"}, 0},
		{"negative", amqp.Table{HeaderRetryCount: int64(-2)}, 0},
		{"wrong type", amqp.Table{HeaderRetryCount: true}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, AttemptCount(tt.headers))
		})
	}
}

func TestWithAttemptCount(t *testing.T) {
	t.Run("sets counter on a copy", func(t *testing.T) {
		original := amqp.Table{"tenant": "a", HeaderRetryCount: int64(1)}

		updated := WithAttemptCount(original, 2)

		assert.Equal(t, int64(2), updated[HeaderRetryCount])
		assert.Equal(t, "a", updated["tenant"])
		assert.Equal(t, int64(1), original[HeaderRetryCount])
	})

	t.Run("works from nil", func(t *testing.T) {
		updated := WithAttemptCount(nil, 1)
		require.NotNil(t, updated)
		assert.Equal(t, 1, AttemptCount(updated))
	})
}

func TestCapture(t *testing.T) {
	t.Run("passes through errors", func(t *testing.T) {
		want := errors.New("nope")
		assert.Equal(t, want, Capture(func() error { return want }))
		assert.NoError(t, Capture(func() error { return nil }))
	})

	t.Run("converts panics", func(t *testing.T) {
		err := Capture(func() error {
			panic("kaboom")
		})

		require.Error(t, err)
		assert.ErrorIs(t, err, ErrHandlerPanic)

		var panicErr *PanicError
		require.ErrorAs(t, err, &panicErr)
		assert.Equal(t, "kaboom", panicErr.Value)
		assert.NotEmpty(t, panicErr.Stack)
		assert.Contains(t, err.Error(), "kaboom")
	})
}
