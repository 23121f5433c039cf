// Package publisher turns a freshly created identity into a registration event
// on the queue.
package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/drblury/userevents/internal/credentials"
	"github.com/drblury/userevents/internal/events"
	errspkg "github.com/drblury/userevents/internal/runtime/errors"
	loggingpkg "github.com/drblury/userevents/internal/runtime/logging"
	metricspkg "github.com/drblury/userevents/internal/runtime/metrics"
	"github.com/drblury/userevents/transport"
)

const tracerName = "userevents/publisher"

// Result describes a successfully sent event.
type Result struct {
	MessageID   string
	Destination string
	Event       events.Registration
}

// Options holds the optional collaborators of a Publisher.
type Options struct {
	Logger loggingpkg.ServiceLogger
	// Registerer receives the publish metrics; nil uses the default registry.
	Registerer prometheus.Registerer
}

// Publisher sends registration events to one destination.
type Publisher struct {
	client      transport.Client
	destination string
	logger      loggingpkg.ServiceLogger
	caps        transport.Capabilities

	published *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// New returns a Publisher that sends to destination through client.
func New(client transport.Client, destination string, opts Options) (*Publisher, error) {
	if client == nil {
		return nil, errspkg.ErrClientRequired
	}
	if destination == "" {
		return nil, errspkg.ErrDestinationRequired
	}
	logger := opts.Logger
	if logger == nil {
		logger = loggingpkg.Nop()
	}

	published, err := metricspkg.Register(opts.Registerer, metricspkg.NewCounterVec(
		"publisher", "events_total", "Registration events handed to the queue, by outcome.", []string{"outcome"},
	))
	if err != nil {
		return nil, err
	}
	duration, err := metricspkg.Register(opts.Registerer, metricspkg.NewHistogramVec(
		"publisher", "send_duration_seconds", "Time spent sending a registration event.", nil, []string{"outcome"},
	))
	if err != nil {
		return nil, err
	}

	p := &Publisher{
		client:      client,
		destination: destination,
		logger:      logger.With(loggingpkg.LogFields{"destination": destination}),
		published:   published,
		duration:    duration,
	}
	if provider, ok := client.(transport.CapabilitiesProvider); ok {
		p.caps = provider.Capabilities()
	}
	return p, nil
}

// Destination returns where events are sent.
func (p *Publisher) Destination() string {
	return p.destination
}

// Publish sends the event for identity. The event timestamp is the identity's
// creation time, not the time of sending. Failures are *errors.PublishError.
func (p *Publisher) Publish(ctx context.Context, identity credentials.Identity) (Result, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "PublishRegistration")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.destination.name", p.destination),
		attribute.String("user.id", identity.ID),
	)

	event := events.NewRegistration(identity.ID, identity.Email, identity.CreatedAt)
	body, err := events.Encode(event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		p.published.WithLabelValues("invalid").Inc()
		return Result{}, &errspkg.PublishError{Destination: p.destination, Err: err}
	}
	if !p.caps.Accepts(len(body)) {
		err := fmt.Errorf("%w: %d bytes, limit %d", errspkg.ErrMessageTooLarge, len(body), p.caps.MaxMessageSize)
		span.RecordError(err)
		span.SetStatus(codes.Error, "message too large")
		p.published.WithLabelValues("invalid").Inc()
		return Result{}, &errspkg.PublishError{Destination: p.destination, Err: err}
	}

	start := time.Now()
	messageID, err := p.client.Send(ctx, p.destination, string(body))
	elapsed := time.Since(start).Seconds()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		p.published.WithLabelValues("failed").Inc()
		p.duration.WithLabelValues("failed").Observe(elapsed)
		p.logger.Error("Failed to publish registration event", err, loggingpkg.LogFields{
			"user_id": identity.ID,
		})
		return Result{}, &errspkg.PublishError{Destination: p.destination, Err: err}
	}

	span.SetAttributes(attribute.String("messaging.message.id", messageID))
	p.published.WithLabelValues("sent").Inc()
	p.duration.WithLabelValues("sent").Observe(elapsed)
	p.logger.Info("Published registration event", loggingpkg.LogFields{
		"user_id":    identity.ID,
		"message_id": messageID,
	})

	return Result{
		MessageID:   messageID,
		Destination: p.destination,
		Event:       event,
	}, nil
}
