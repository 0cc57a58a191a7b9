package reliability

import (
	"strconv"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// HeaderRetryCount carries the number of failed attempts with the message,
// so counting survives requeues and process restarts.
const HeaderRetryCount = "x-retry-count"

// AttemptCount reads the retry counter from headers. Missing or malformed
// values count as zero.
func AttemptCount(headers amqp.Table) int {
	n := getHeaderInt(headers, HeaderRetryCount)
	if n < 0 {
		return 0
	}
	return n
}

// WithAttemptCount returns a copy of headers with the retry counter set.
func WithAttemptCount(headers amqp.Table, attempts int) amqp.Table {
	out := CopyHeaders(headers)
	out[HeaderRetryCount] = int64(attempts)
	return out
}

// CopyHeaders returns a shallow copy that is never nil.
func CopyHeaders(headers amqp.Table) amqp.Table {
	out := make(amqp.Table, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	return out
}

func getHeaderString(headers amqp.Table, key string) string {
	if headers == nil {
		return ""
	}
	switch val := headers[key].(type) {
	case string:
		return val
	case []byte:
		return string(val)
	}
	return ""
}

func getHeaderInt(headers amqp.Table, key string) int {
	if headers == nil {
		return 0
	}
	switch val := headers[key].(type) {
	case int:
		return val
	case int8:
		return int(val)
	case int16:
		return int(val)
	case int32:
		return int(val)
	case int64:
		return int(val)
	case uint8:
		return int(val)
	case uint16:
		return int(val)
	case uint32:
		return int(val)
	case float32:
		return int(val)
	case float64:
		return int(val)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

func getHeaderTime(headers amqp.Table, key string) time.Time {
	if headers == nil {
		return time.Time{}
	}
	switch val := headers[key].(type) {
	case int64:
		return time.Unix(val, 0)
	case float64:
		return time.Unix(int64(val), 0)
	case time.Time:
		return val
	}
	return time.Time{}
}
