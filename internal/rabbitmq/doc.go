// Package rabbitmq provides the reliable-delivery core on top of RabbitMQ.
//
// This package includes:
//   - Supervisor: keeps one channel alive, reconnecting with backoff and
//     replaying registered setup actions in order onto every new channel
//   - Topology and Declare: topic exchanges, queues, bindings and prefetch
//   - RetryConsumer: manual-ack consumption with bounded, delayed retries and
//     a failure queue for exhausted messages
//   - RetryScheduler: broker-side delay queues built from TTL and
//     dead-lettering
//   - Publisher: single-attempt publishing with message ids and flow control
//
// Delivery is at-least-once. A message is acknowledged only after its retry
// copy or dead-letter copy has been published.
package rabbitmq
