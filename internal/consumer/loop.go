// Package consumer runs the long-lived loop that receives registration events
// from the queue, hands them to a handler and deletes them.
//
// Delivery is at-least-once. Messages in a batch are processed one after the
// other in receive order. A message that cannot be decoded, or whose handler
// fails, is logged, copied to the dead-letter destination when one is
// configured, and deleted so it cannot block the queue.
package consumer

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/userevents/internal/events"
	errspkg "github.com/drblury/userevents/internal/runtime/errors"
	loggingpkg "github.com/drblury/userevents/internal/runtime/logging"
	"github.com/drblury/userevents/transport"
)

// maxLoggedBody bounds how much of a malformed body ends up in the logs.
const maxLoggedBody = 2048

// Config controls polling.
type Config struct {
	// Destination is the queue to consume.
	Destination string
	// DeadLetterDestination optionally receives malformed and failed messages.
	DeadLetterDestination string

	MaxMessages int
	WaitTime    time.Duration
	// EmptyDelay is the pause after a receive that returned nothing.
	EmptyDelay time.Duration
	// ErrorDelay is the pause after a failed receive. It should be longer
	// than EmptyDelay.
	ErrorDelay time.Duration
	// AckTimeout bounds dead-letter sends and deletes, which run even after
	// the loop context is cancelled.
	AckTimeout time.Duration
}

// DefaultConfig returns the polling defaults for destination.
func DefaultConfig(destination string) Config {
	return Config{
		Destination: destination,
		MaxMessages: 5,
		WaitTime:    10 * time.Second,
		EmptyDelay:  time.Second,
		ErrorDelay:  5 * time.Second,
		AckTimeout:  5 * time.Second,
	}
}

// Options holds the optional collaborators of a Loop.
type Options struct {
	Logger loggingpkg.ServiceLogger
	// Registerer receives the loop metrics; nil uses the default registry.
	Registerer prometheus.Registerer
	// Middlewares are applied inside the default chain.
	Middlewares []Middleware
	// DisableDefaultMiddlewares skips logging, tracing, metrics and recovery.
	DisableDefaultMiddlewares bool
}

// Loop is a single sequential consumer. Run several Loops for more throughput.
type Loop struct {
	client  transport.Client
	cfg     Config
	logger  loggingpkg.ServiceLogger
	metrics *loopMetrics
	handler HandlerFunc
	state   atomic.Int32
}

// New builds a Loop. A nil handler uses LogHandler.
func New(client transport.Client, cfg Config, handler HandlerFunc, opts Options) (*Loop, error) {
	if client == nil {
		return nil, errspkg.ErrClientRequired
	}
	if cfg.Destination == "" {
		return nil, errspkg.ErrDestinationRequired
	}
	logger := opts.Logger
	if logger == nil {
		logger = loggingpkg.Nop()
	}
	if handler == nil {
		handler = LogHandler(logger)
	}

	if provider, ok := client.(transport.CapabilitiesProvider); ok {
		caps := provider.Capabilities()
		cfg.MaxMessages = caps.ClampBatch(cfg.MaxMessages)
		cfg.WaitTime = caps.ClampWait(cfg.WaitTime)
		if cfg.DeadLetterDestination == "" && caps.RequiresDLQEmulation() {
			logger.Info("No dead-letter queue configured, malformed and failed messages will be dropped", loggingpkg.LogFields{
				"destination": cfg.Destination,
				"transport":   caps.Name,
			})
		}
	} else if cfg.MaxMessages < 1 {
		cfg.MaxMessages = 1
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 5 * time.Second
	}

	metrics, err := newLoopMetrics(opts.Registerer)
	if err != nil {
		return nil, err
	}

	l := &Loop{
		client:  client,
		cfg:     cfg,
		logger:  logger.With(loggingpkg.LogFields{"destination": cfg.Destination}),
		metrics: metrics,
	}
	l.state.Store(int32(StateStopped))

	var chain []Middleware
	if !opts.DisableDefaultMiddlewares {
		chain = append(chain, l.DefaultMiddlewares()...)
	}
	chain = append(chain, opts.Middlewares...)
	l.handler = Chain(handler, chain...)

	return l, nil
}

// State returns the current phase of the loop.
func (l *Loop) State() State {
	return State(l.state.Load())
}

func (l *Loop) setState(s State) {
	l.state.Store(int32(s))
}

// Config returns the effective configuration after clamping.
func (l *Loop) Config() Config {
	return l.cfg
}

// Run polls until ctx is cancelled and then returns nil. Receive failures are
// logged and followed by ErrorDelay; they never end the loop.
func (l *Loop) Run(ctx context.Context) error {
	defer l.setState(StateStopped)

	l.logger.Info("Consumer loop started", loggingpkg.LogFields{
		"max_messages": l.cfg.MaxMessages,
		"wait_time":    l.cfg.WaitTime.String(),
		"dead_letter":  l.cfg.DeadLetterDestination,
	})
	defer l.logger.Info("Consumer loop stopped", nil)

	for ctx.Err() == nil {
		n, err := l.PollOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			l.setState(StateBackoff)
			if !sleep(ctx, l.cfg.ErrorDelay) {
				return nil
			}
		case n == 0:
			if !sleep(ctx, l.cfg.EmptyDelay) {
				return nil
			}
		}
	}
	return nil
}

// PollOnce performs one receive and processes the returned batch. It returns
// the number of messages received. Only receive failures are returned.
func (l *Loop) PollOnce(ctx context.Context) (int, error) {
	l.setState(StatePolling)

	msgs, err := l.client.Receive(ctx, l.cfg.Destination, l.cfg.MaxMessages, l.cfg.WaitTime)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		l.logReceiveError(err)
		return 0, err
	}
	if len(msgs) == 0 {
		l.metrics.receives.WithLabelValues("empty", "").Inc()
		return 0, nil
	}
	l.metrics.receives.WithLabelValues("messages", "").Inc()

	for i, msg := range msgs {
		if ctx.Err() != nil {
			l.logger.Info("Stopping mid-batch; remaining messages will be redelivered", loggingpkg.LogFields{
				"skipped": len(msgs) - i,
			})
			break
		}
		l.process(ctx, msg)
	}
	return len(msgs), nil
}

func (l *Loop) process(ctx context.Context, msg transport.Message) {
	l.setState(StateDispatching)
	log := l.logger.With(loggingpkg.LogFields{
		"message_id":    msg.ID,
		"receive_count": msg.ReceiveCount,
	})

	event, err := events.Decode([]byte(msg.Body))
	if err != nil {
		log.Error("Malformed message, discarding", err, loggingpkg.LogFields{
			"body": truncate(msg.Body, maxLoggedBody),
		})
		l.metrics.messages.WithLabelValues(outcomeMalformed).Inc()
		l.settle(ctx, log, msg, true)
		return
	}

	err = l.handler(ctx, Delivery{Event: event, Message: msg})
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			// The handler gave up because we are shutting down; leave the
			// message for redelivery.
			log.Info("Handler interrupted by shutdown", nil)
			l.metrics.messages.WithLabelValues(outcomeInterrupted).Inc()
			return
		}
		var handlerErr *errspkg.HandlerError
		if !errors.As(err, &handlerErr) {
			err = &errspkg.HandlerError{Err: err}
		}
		log.Error("Handler failed, discarding message", err, loggingpkg.LogFields{
			"user_id": event.UserID,
		})
		l.metrics.messages.WithLabelValues(outcomeFailed).Inc()
		l.settle(ctx, log, msg, true)
		return
	}

	l.metrics.messages.WithLabelValues(outcomeProcessed).Inc()
	l.settle(ctx, log, msg, false)
}

// settle dead-letters failed messages when configured and deletes the
// delivery. If the dead-letter copy fails the message is kept so the queue
// redelivers it. Both calls run on a context that survives cancellation.
func (l *Loop) settle(ctx context.Context, log loggingpkg.ServiceLogger, msg transport.Message, failed bool) {
	l.setState(StateAcknowledging)

	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.AckTimeout)
	defer cancel()

	if failed && l.cfg.DeadLetterDestination != "" {
		if _, err := l.client.Send(ackCtx, l.cfg.DeadLetterDestination, msg.Body); err != nil {
			log.Error("Failed to dead-letter message; leaving it on the queue", err, loggingpkg.LogFields{
				"dead_letter": l.cfg.DeadLetterDestination,
			})
			l.metrics.deadLettered.WithLabelValues("failed").Inc()
			return
		}
		l.metrics.deadLettered.WithLabelValues("sent").Inc()
	}

	if err := l.client.Delete(ackCtx, l.cfg.Destination, msg.ReceiptHandle); err != nil {
		log.Error("Failed to delete message", err, transportFields(err))
		l.metrics.deleteFailures.WithLabelValues(l.cfg.Destination).Inc()
		return
	}
	log.Trace("Message deleted", nil)
}

func (l *Loop) logReceiveError(err error) {
	fields := transportFields(err)
	fields["retry_in"] = l.cfg.ErrorDelay.String()
	code, _ := fields["code"].(string)
	l.metrics.receives.WithLabelValues("error", code).Inc()
	l.logger.Error("Failed to receive messages", err, fields)
}

// transportFields exposes the backend error code and HTTP status when known.
func transportFields(err error) loggingpkg.LogFields {
	fields := loggingpkg.LogFields{}
	var te *errspkg.TransportError
	if errors.As(err, &te) {
		if te.Code != "" {
			fields["code"] = te.Code
		}
		if te.StatusCode != 0 {
			fields["status_code"] = te.StatusCode
		}
	}
	return fields
}

// sleep waits for d and reports false if ctx was cancelled first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "...(truncated)"
}
