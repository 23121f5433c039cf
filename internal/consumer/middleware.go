package consumer

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	errspkg "github.com/drblury/userevents/internal/runtime/errors"
	loggingpkg "github.com/drblury/userevents/internal/runtime/logging"
)

// Middleware wraps a HandlerFunc.
type Middleware func(HandlerFunc) HandlerFunc

// Chain applies middlewares so that the first one is the outermost.
func Chain(h HandlerFunc, middlewares ...Middleware) HandlerFunc {
	for i := len(middlewares) - 1; i >= 0; i-- {
		if middlewares[i] != nil {
			h = middlewares[i](h)
		}
	}
	return h
}

// DefaultMiddlewares returns the standard chain: message logging, tracing,
// metrics and, innermost, panic recovery so the outer layers see panics as
// ordinary handler errors.
func (l *Loop) DefaultMiddlewares() []Middleware {
	return []Middleware{
		LogMessagesMiddleware(l.logger),
		TracerMiddleware(),
		l.metricsMiddleware(),
		RecovererMiddleware(),
	}
}

// RecovererMiddleware converts panics into *errors.HandlerError.
func RecovererMiddleware() Middleware {
	return func(h HandlerFunc) HandlerFunc {
		return func(ctx context.Context, d Delivery) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &errspkg.HandlerError{Err: fmt.Errorf("panic: %v\n%s", r, debug.Stack())}
				}
			}()
			return h(ctx, d)
		}
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry span.
func TracerMiddleware() Middleware {
	return func(h HandlerFunc) HandlerFunc {
		return func(ctx context.Context, d Delivery) error {
			ctx, span := otel.Tracer("userevents/consumer").Start(ctx, "ProcessRegistration")
			defer span.End()

			span.SetAttributes(
				attribute.String("messaging.message.id", d.Message.ID),
				attribute.Int("messaging.receive_count", d.Message.ReceiveCount),
				attribute.String("user.id", d.Event.UserID),
			)
			err := h(ctx, d)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handler failed")
			}
			return err
		}
	}
}

// LogMessagesMiddleware logs every delivery before it is handled.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) Middleware {
	return func(h HandlerFunc) HandlerFunc {
		return func(ctx context.Context, d Delivery) error {
			logger.Debug("Processing message", loggingpkg.LogFields{
				"message_id":    d.Message.ID,
				"receive_count": d.Message.ReceiveCount,
				"payload":       d.Message.Body,
			})
			return h(ctx, d)
		}
	}
}

func (l *Loop) metricsMiddleware() Middleware {
	return func(h HandlerFunc) HandlerFunc {
		return func(ctx context.Context, d Delivery) error {
			start := time.Now()
			err := h(ctx, d)
			outcome := outcomeProcessed
			if err != nil {
				outcome = outcomeFailed
			}
			l.metrics.handlerSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
