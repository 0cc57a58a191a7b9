package reliability

import (
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Dead-letter metadata headers written in DeadLetterStamp mode
const (
	HeaderDeadLetterReason = "x-dead-letter-reason"
	HeaderDeadLetterTime   = "x-dead-letter-time"
	HeaderOriginalQueue    = "x-original-queue"
)

// DeadLetterMode selects what happens to the envelope of a message moved to
// the failure queue.
type DeadLetterMode int

const (
	// DeadLetterPreserve forwards body, properties and headers unchanged
	DeadLetterPreserve DeadLetterMode = iota
	// DeadLetterStamp adds reason, time, original queue and final attempt count
	DeadLetterStamp
)

func (m DeadLetterMode) String() string {
	switch m {
	case DeadLetterPreserve:
		return "preserve"
	case DeadLetterStamp:
		return "stamp"
	default:
		return "unknown"
	}
}

// ParseDeadLetterMode parses the String form of a mode.
func ParseDeadLetterMode(s string) (DeadLetterMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "preserve":
		return DeadLetterPreserve, nil
	case "stamp":
		return DeadLetterStamp, nil
	}
	return DeadLetterPreserve, fmt.Errorf("unknown dead-letter mode %q", s)
}

// DeadLetterMetadata describes why a message ended up in a failure queue
type DeadLetterMetadata struct {
	OriginalQueue string
	Reason        string
	Attempts      int
	DeadAt        time.Time
}

// Headers returns the headers to publish to the failure queue with.
func (m DeadLetterMode) Headers(headers amqp.Table, meta DeadLetterMetadata) amqp.Table {
	if m != DeadLetterStamp {
		return headers
	}

	out := CopyHeaders(headers)
	out[HeaderOriginalQueue] = meta.OriginalQueue
	out[HeaderDeadLetterReason] = meta.Reason
	out[HeaderRetryCount] = int64(meta.Attempts)
	if meta.DeadAt.IsZero() {
		meta.DeadAt = time.Now()
	}
	out[HeaderDeadLetterTime] = meta.DeadAt.Unix()
	return out
}

// ExtractDeadLetterMetadata reads dead-letter metadata from headers. Stamped
// headers win; the broker's x-death entry fills the gaps.
func ExtractDeadLetterMetadata(headers amqp.Table) DeadLetterMetadata {
	meta := DeadLetterMetadata{
		OriginalQueue: getHeaderString(headers, HeaderOriginalQueue),
		Reason:        getHeaderString(headers, HeaderDeadLetterReason),
		Attempts:      AttemptCount(headers),
		DeadAt:        getHeaderTime(headers, HeaderDeadLetterTime),
	}

	if xDeath, ok := headers["x-death"].([]interface{}); ok && len(xDeath) > 0 {
		if death, ok := xDeath[0].(amqp.Table); ok {
			if queue, ok := death["queue"].(string); ok && meta.OriginalQueue == "" {
				meta.OriginalQueue = queue
			}
			if reason, ok := death["reason"].(string); ok && meta.Reason == "" {
				meta.Reason = reason
			}
			if at, ok := death["time"].(time.Time); ok && meta.DeadAt.IsZero() {
				meta.DeadAt = at
			}
		}
	}

	return meta
}
