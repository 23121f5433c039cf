// Package bridge adapts a Watermill publisher/subscriber pair to the
// transport.Client contract so that brokers without receipt handles can back
// the consumer loop.
//
// Every delivery gets its own receipt handle. Delete acks the Watermill
// message; deliveries that are not deleted within the visibility timeout (or
// are still pending on Close) are nacked so the broker redelivers them.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/userevents/internal/runtime/errors"
	"github.com/drblury/userevents/internal/runtime/ids"
	"github.com/drblury/userevents/transport"
)

// DefaultVisibilityTimeout applies when Options leaves it at zero.
const DefaultVisibilityTimeout = 30 * time.Second

// Options configures a bridge Client.
type Options struct {
	Capabilities      transport.Capabilities
	VisibilityTimeout time.Duration
}

type delivery struct {
	destination string
	msg         *message.Message
	receivedAt  time.Time
}

// Client is a transport.Client over Watermill.
type Client struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	logger     watermill.LoggerAdapter
	opts       Options

	// subscriptions live as long as the client, not as long as one Receive.
	subCtx    context.Context
	subCancel context.CancelFunc

	mu       sync.Mutex
	streams  map[string]<-chan *message.Message
	pending  map[string]delivery
	attempts map[string]int
	closed   bool
}

// New wraps publisher and subscriber. Either may be the same value.
func New(publisher message.Publisher, subscriber message.Subscriber, opts Options, logger watermill.LoggerAdapter) *Client {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = DefaultVisibilityTimeout
	}
	subCtx, cancel := context.WithCancel(context.Background())
	return &Client{
		publisher:  publisher,
		subscriber: subscriber,
		logger:     logger.With(watermill.LogFields{"transport": opts.Capabilities.Name}),
		opts:       opts,
		subCtx:     subCtx,
		subCancel:  cancel,
		streams:    make(map[string]<-chan *message.Message),
		pending:    make(map[string]delivery),
		attempts:   make(map[string]int),
	}
}

// Send publishes body as a new Watermill message with a ULID id.
func (c *Client) Send(ctx context.Context, destination, body string) (string, error) {
	if destination == "" {
		return "", &errspkg.TransportError{Op: "send", Err: errspkg.ErrDestinationRequired}
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return "", &errspkg.TransportError{Op: "send", Destination: destination, Err: errspkg.ErrClientClosed}
	}

	msg := message.NewMessage(ids.CreateULID(), []byte(body))
	msg.SetContext(ctx)
	if err := c.publisher.Publish(destination, msg); err != nil {
		return "", &errspkg.TransportError{Op: "send", Destination: destination, Err: err}
	}
	return msg.UUID, nil
}

// Receive waits up to wait for the first delivery, then collects whatever else
// is immediately available up to maxMessages.
func (c *Client) Receive(ctx context.Context, destination string, maxMessages int, wait time.Duration) ([]transport.Message, error) {
	if destination == "" {
		return nil, &errspkg.TransportError{Op: "receive", Err: errspkg.ErrDestinationRequired}
	}
	maxMessages = c.opts.Capabilities.ClampBatch(maxMessages)
	wait = c.opts.Capabilities.ClampWait(wait)

	c.expirePending()

	stream, err := c.stream(destination)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	var out []transport.Message
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return []transport.Message{}, nil
	case msg, ok := <-stream:
		if !ok {
			return nil, c.streamClosed(destination)
		}
		out = append(out, c.track(destination, msg))
	}

	for len(out) < maxMessages {
		select {
		case msg, ok := <-stream:
			if !ok {
				return out, nil
			}
			out = append(out, c.track(destination, msg))
		default:
			return out, nil
		}
	}
	return out, nil
}

// Delete acks the delivery identified by receiptHandle.
func (c *Client) Delete(ctx context.Context, destination, receiptHandle string) error {
	if destination == "" {
		return &errspkg.TransportError{Op: "delete", Err: errspkg.ErrDestinationRequired}
	}
	if receiptHandle == "" {
		return &errspkg.TransportError{Op: "delete", Destination: destination, Err: errspkg.ErrReceiptHandleMissing}
	}

	c.mu.Lock()
	d, ok := c.pending[receiptHandle]
	if !ok || d.destination != destination {
		c.mu.Unlock()
		return &errspkg.TransportError{Op: "delete", Destination: destination, Err: errspkg.ErrUnknownReceiptHandle}
	}
	delete(c.pending, receiptHandle)
	delete(c.attempts, d.msg.UUID)
	c.mu.Unlock()

	d.msg.Ack()
	return nil
}

// Capabilities returns the capabilities of the wrapped broker.
func (c *Client) Capabilities() transport.Capabilities {
	return c.opts.Capabilities
}

// Pending returns the number of deliveries awaiting Delete.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close nacks pending deliveries and closes the publisher and subscriber.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]delivery)
	c.mu.Unlock()

	for _, d := range pending {
		d.msg.Nack()
	}
	c.subCancel()

	var errs []error
	if err := c.publisher.Close(); err != nil {
		errs = append(errs, err)
	}
	if any(c.subscriber) != any(c.publisher) {
		if err := c.subscriber.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &errspkg.TransportError{Op: "close", Err: errs[0]}
	}
	return nil
}

func (c *Client) stream(destination string) (<-chan *message.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, &errspkg.TransportError{Op: "receive", Destination: destination, Err: errspkg.ErrClientClosed}
	}
	if s, ok := c.streams[destination]; ok {
		return s, nil
	}

	s, err := c.subscriber.Subscribe(c.subCtx, destination)
	if err != nil {
		return nil, &errspkg.TransportError{Op: "receive", Destination: destination, Err: err}
	}
	c.logger.Debug("Subscribed to destination", watermill.LogFields{"destination": destination})
	c.streams[destination] = s
	return s, nil
}

func (c *Client) streamClosed(destination string) error {
	c.mu.Lock()
	delete(c.streams, destination)
	c.mu.Unlock()
	return &errspkg.TransportError{Op: "receive", Destination: destination, Err: errspkg.ErrClientClosed}
}

func (c *Client) track(destination string, msg *message.Message) transport.Message {
	handle := ids.CreateReceiptHandle(msg.UUID)

	c.mu.Lock()
	c.attempts[msg.UUID]++
	count := c.attempts[msg.UUID]
	c.pending[handle] = delivery{destination: destination, msg: msg, receivedAt: time.Now()}
	c.mu.Unlock()

	return transport.Message{
		ID:            msg.UUID,
		Body:          string(msg.Payload),
		ReceiptHandle: handle,
		ReceiveCount:  count,
	}
}

// expirePending nacks deliveries older than the visibility timeout.
func (c *Client) expirePending() {
	cutoff := time.Now().Add(-c.opts.VisibilityTimeout)

	c.mu.Lock()
	var expired []delivery
	for handle, d := range c.pending {
		if d.receivedAt.Before(cutoff) {
			expired = append(expired, d)
			delete(c.pending, handle)
		}
	}
	c.mu.Unlock()

	for _, d := range expired {
		c.logger.Info("Visibility timeout elapsed, returning message to broker", watermill.LogFields{
			"message_uuid": d.msg.UUID,
			"destination":  d.destination,
		})
		d.msg.Nack()
	}
}
