package transport

import "time"

// Capabilities describes what a queue backend can do. The consumer loop uses it
// to clamp receive parameters and the publisher to reject oversized bodies.
type Capabilities struct {
	// Name is the registered transport name.
	Name string

	// MaxBatchSize is the largest maxMessages accepted by Receive (0 = unlimited).
	MaxBatchSize int

	// MaxWait is the longest long-poll window accepted by Receive (0 = unlimited).
	MaxWait time.Duration

	// SupportsNativeDLQ indicates the backend can route poison messages itself
	// (redrive policies). When false, dead-lettering is done by the consumer.
	SupportsNativeDLQ bool

	// MaxMessageSize is the maximum body size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// RequiresDLQEmulation returns true if dead-letter routing must happen in the
// consumer because the backend has no redrive support.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// Accepts reports whether a body of size bytes fits the backend limit.
func (c Capabilities) Accepts(size int) bool {
	return c.MaxMessageSize <= 0 || int64(size) <= c.MaxMessageSize
}

// ClampBatch limits n to the backend's batch size. Values below 1 become 1.
func (c Capabilities) ClampBatch(n int) int {
	if n < 1 {
		n = 1
	}
	if c.MaxBatchSize > 0 && n > c.MaxBatchSize {
		return c.MaxBatchSize
	}
	return n
}

// ClampWait limits d to the backend's long-poll window. Negative values become 0.
func (c Capabilities) ClampWait(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if c.MaxWait > 0 && d > c.MaxWait {
		return c.MaxWait
	}
	return d
}

// Predefined capability sets for the built-in transports.
var (
	// AWSCapabilities for Amazon SQS.
	AWSCapabilities = Capabilities{
		Name:              "aws",
		MaxBatchSize:      10,
		MaxWait:           20 * time.Second,
		SupportsNativeDLQ: true,
		MaxMessageSize:    262144, // 256KB
	}

	// MemoryCapabilities for the in-process SQS emulation.
	MemoryCapabilities = Capabilities{
		Name:           "memory",
		MaxBatchSize:   10,
		MaxWait:        20 * time.Second,
		MaxMessageSize: 262144,
	}

	// ChannelCapabilities for the Watermill Go channel pub/sub.
	ChannelCapabilities = Capabilities{
		Name: "channel",
	}

	// KafkaCapabilities for Apache Kafka.
	KafkaCapabilities = Capabilities{
		Name:           "kafka",
		MaxMessageSize: 1048576, // Default 1MB
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP durable queues.
	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		SupportsNativeDLQ: true,
	}

	// NATSCapabilities for NATS Core.
	NATSCapabilities = Capabilities{
		Name:           "nats",
		MaxMessageSize: 1048576, // Default 1MB
	}

	// JetStreamCapabilities for NATS JetStream pull consumers. AckWait plays
	// the role of the visibility timeout.
	JetStreamCapabilities = Capabilities{
		Name:           "nats-jetstream",
		MaxBatchSize:   256,
		MaxMessageSize: 1048576,
	}
)

// GetCapabilities returns the capabilities for a transport by name.
// Returns a Capabilities with only Name set if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
