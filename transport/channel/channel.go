// Package channel provides an in-process Watermill Go channel queue for
// userevents. Publisher and consumer must share one process, so it is meant
// for local development and tests.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/userevents/transport"
	"github.com/drblury/userevents/transport/bridge"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register adds the channel transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new Go channel queue client. Messages sent before the
// consumer subscribes are kept but replayed in no particular order.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Client, error) {
	pub, sub := Factory(gochannel.Config{Persistent: true}, logger)
	return bridge.New(pub, sub, bridge.Options{
		Capabilities:      transport.ChannelCapabilities,
		VisibilityTimeout: cfg.GetVisibilityTimeout(),
	}, logger), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
