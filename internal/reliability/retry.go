package reliability

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

// DelayFunc returns how long to wait before redelivering a message that has
// failed attempt times (attempt starts at 1).
type DelayFunc func(attempt int) time.Duration

const (
	defaultDelayStep   = 200 * time.Millisecond
	defaultDelayFactor = 1.5
)

// DefaultDelay grows linearly: attempt * 1.5 * 200ms.
func DefaultDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return time.Duration(float64(attempt) * defaultDelayFactor * float64(defaultDelayStep))
}

// ExponentialBackoff implements exponential backoff with optional jitter
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
}

// NewExponentialBackoff creates a new exponential backoff policy
func NewExponentialBackoff(initial, max time.Duration, multiplier float64) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		Jitter:          true,
	}
}

// Delay implements DelayFunc. The first attempt waits InitialInterval.
func (e *ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt-1))

	// Cap at max interval
	if e.MaxInterval > 0 && delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay // ±15% jitter
		delay = delay + jitter - (0.15 * delay)
	}

	return time.Duration(delay)
}

// LinearBackoff adds Step per attempt, capped at MaxInterval when set
type LinearBackoff struct {
	Step        time.Duration
	MaxInterval time.Duration
}

// NewLinearBackoff creates a new linear backoff policy
func NewLinearBackoff(step, max time.Duration) *LinearBackoff {
	return &LinearBackoff{
		Step:        step,
		MaxInterval: max,
	}
}

// Delay implements DelayFunc
func (l *LinearBackoff) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	delay := time.Duration(attempt) * l.Step
	if l.MaxInterval > 0 && delay > l.MaxInterval {
		delay = l.MaxInterval
	}
	return delay
}

// FixedDelay returns a DelayFunc that always waits d.
func FixedDelay(d time.Duration) DelayFunc {
	return func(int) time.Duration {
		return d
	}
}

// ParseDelay builds a DelayFunc from its textual form:
//
//	default
//	fixed:<d>
//	linear:<step>[:<max>]
//	exponential:<initial>[:<max>]
//
// Exponential backoff doubles per attempt with jitter.
func ParseDelay(s string) (DelayFunc, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	durations := make([]time.Duration, 0, len(parts)-1)
	for _, p := range parts[1:] {
		d, err := time.ParseDuration(p)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("invalid delay %q: bad duration %q", s, p)
		}
		durations = append(durations, d)
	}
	arg := func(i int) time.Duration {
		if i < len(durations) {
			return durations[i]
		}
		return 0
	}

	switch kind := strings.ToLower(parts[0]); {
	case (kind == "" || kind == "default") && len(durations) == 0:
		return DefaultDelay, nil
	case kind == "fixed" && len(durations) == 1:
		return FixedDelay(durations[0]), nil
	case kind == "linear" && (len(durations) == 1 || len(durations) == 2):
		return NewLinearBackoff(arg(0), arg(1)).Delay, nil
	case kind == "exponential" && (len(durations) == 1 || len(durations) == 2):
		return NewExponentialBackoff(arg(0), arg(1), 2.0).Delay, nil
	}
	return nil, fmt.Errorf("invalid delay %q", s)
}
