// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/drblury/userevents/transport/aws"
	_ "github.com/drblury/userevents/transport/channel"
	_ "github.com/drblury/userevents/transport/jetstream"
	_ "github.com/drblury/userevents/transport/kafka"
	_ "github.com/drblury/userevents/transport/memory"
	_ "github.com/drblury/userevents/transport/nats"
	_ "github.com/drblury/userevents/transport/rabbitmq"
)
