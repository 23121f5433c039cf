// Package userevents is the public entry point of the user registration
// event pipeline.
//
// The API process registers users in an in-memory credential store and
// publishes a "user registered" event for each new identity. The worker
// process runs a consumer loop that long-polls the queue, decodes each event,
// hands it to a handler and deletes the message.
//
// # Transports
//
// The queue backend is chosen by Config.QueueSystem:
//   - aws: Amazon SQS through aws-sdk-go-v2, with LocalStack support
//   - memory: in-process SQS emulation with visibility timeouts
//   - channel: Watermill Go channels
//   - kafka: Watermill Kafka with a consumer group
//   - rabbitmq: Watermill AMQP durable queues
//   - nats: Watermill NATS
//
// Import transport/transports (or individual transport packages) for their
// side effect of registering with the default registry.
//
// # Delivery
//
// Delivery is at-least-once. Messages that cannot be decoded, and messages
// whose handler fails, are logged, copied to Config.DeadLetterQueue when set,
// and deleted. They are never retried in place.
package userevents
