package main

import (
	"fmt"
	"sort"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/amqpclient-go/internal/reliability"
)

// parseHeaders turns repeated key=value flags into a header table
func parseHeaders(pairs []string) (amqp.Table, error) {
	table := amqp.Table{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid header %q, expected key=value", pair)
		}
		table[key] = value
	}
	return table, nil
}

func formatDelivery(d amqp.Delivery) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] routing-key=%s attempt=%d", d.MessageId, d.RoutingKey, reliability.AttemptCount(d.Headers)+1)
	if d.Redelivered {
		b.WriteString(" redelivered")
	}
	if meta := reliability.ExtractDeadLetterMetadata(d.Headers); meta.Reason != "" {
		fmt.Fprintf(&b, " dead-lettered(from=%s reason=%q)", meta.OriginalQueue, meta.Reason)
	}

	keys := make([]string, 0, len(d.Headers))
	for k := range d.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, d.Headers[k])
	}

	fmt.Fprintf(&b, " body=%q", d.Body)
	return b.String()
}
