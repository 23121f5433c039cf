// Package transport defines the queue client contract used by the publisher and
// the consumer loop. Each queue technology (SQS, kafka, rabbitmq, ...) lives in
// its own sub-package and registers itself with the transport registry.
package transport

import (
	"context"
	"io"
	"time"

	"github.com/ThreeDotsLabs/watermill"
)

// Message is one delivery of a queued message.
type Message struct {
	// ID is assigned by the queue on send and is stable across redeliveries.
	ID   string
	Body string
	// ReceiptHandle identifies this delivery only. A redelivery of the same
	// message carries a different handle.
	ReceiptHandle string
	// ReceiveCount is how many times the message has been delivered, when the
	// backend reports it (0 otherwise).
	ReceiveCount int
}

// Client sends, receives and deletes messages on a queue destination.
//
// Failures are reported as *errors.TransportError. Receive long-polls for up to
// wait and returns early with ctx.Err() when ctx is cancelled.
type Client interface {
	Send(ctx context.Context, destination, body string) (string, error)
	Receive(ctx context.Context, destination string, maxMessages int, wait time.Duration) ([]Message, error)
	Delete(ctx context.Context, destination, receiptHandle string) error
}

// Builder is the function signature for creating a queue client from config.
// Each transport package provides a Builder that is registered in init.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Client, error)

// Config provides the configuration values needed by transports.
// This interface allows transports to access only the config they need
// without depending on the full config package.
type Config interface {
	// GetQueueSystem returns the transport name.
	GetQueueSystem() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSSessionToken() string
	GetAWSEndpoint() string

	// Memory
	GetVisibilityTimeout() time.Duration
}

// CapabilitiesProvider is implemented by clients that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// Close releases the client's resources when it implements io.Closer.
func Close(c Client) error {
	if closer, ok := c.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
