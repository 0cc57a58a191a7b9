package health

import (
	"context"
	"time"

	"github.com/glimte/amqpclient-go/internal/rabbitmq"
)

// ConnectionSource is the part of the supervisor the connection check reads
type ConnectionSource interface {
	State() rabbitmq.State
	FlowBlocked() bool
	Setups() int
}

// ConnectionChecker checks the supervised connection
type ConnectionChecker struct {
	source ConnectionSource
}

// NewConnectionChecker creates a connection health checker
func NewConnectionChecker(source ConnectionSource) *ConnectionChecker {
	return &ConnectionChecker{source: source}
}

func (c *ConnectionChecker) Name() string {
	return "connection"
}

// Check is healthy while connected, degraded while reconnecting or paused by
// broker flow control, unhealthy otherwise.
func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.source.State()
	blocked := c.source.FlowBlocked()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"state":        state.String(),
			"flow_blocked": blocked,
			"setups":       c.source.Setups(),
		},
	}

	switch {
	case state == rabbitmq.StateConnected && blocked:
		result.Status = StatusDegraded
		result.Message = "Publishing paused by broker flow control"
	case state == rabbitmq.StateConnected:
		result.Status = StatusHealthy
		result.Message = "Connection is healthy"
	case state == rabbitmq.StateConnecting:
		result.Status = StatusDegraded
		result.Message = "Reconnecting"
	default:
		result.Status = StatusUnhealthy
		result.Message = "Not connected"
	}

	result.Duration = time.Since(start)
	return result
}

// ConsumerSource is the part of the retry consumer the consumer check reads
type ConsumerSource interface {
	Subscriptions() int
	Closed() bool
}

// ConsumerChecker reports active subscriptions. A minimum of zero makes it
// informational only.
type ConsumerChecker struct {
	source ConsumerSource
	min    int
}

func NewConsumerChecker(source ConsumerSource, minimum int) *ConsumerChecker {
	return &ConsumerChecker{source: source, min: minimum}
}

func (c *ConsumerChecker) Name() string {
	return "consumers"
}

func (c *ConsumerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   "Consumers are running",
	}

	if c.source == nil || c.source.Closed() {
		result.Status = StatusUnhealthy
		result.Message = "Consumer is closed"
		result.Duration = time.Since(start)
		return result
	}

	active := c.source.Subscriptions()
	result.Details = map[string]any{"subscriptions": active, "minimum": c.min}
	if active < c.min {
		result.Status = StatusDegraded
		result.Message = "Fewer subscriptions than expected"
	}

	result.Duration = time.Since(start)
	return result
}
