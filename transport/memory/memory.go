// Package memory provides an in-process queue that behaves like SQS: deliveries
// stay invisible for a visibility timeout and reappear unless deleted with the
// receipt handle of that delivery. It backs local runs and the test suites.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	errspkg "github.com/drblury/userevents/internal/runtime/errors"
	"github.com/drblury/userevents/internal/runtime/ids"
	"github.com/drblury/userevents/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "memory"

// DefaultVisibilityTimeout applies when the config leaves it at zero.
const DefaultVisibilityTimeout = 30 * time.Second

func init() {
	Register()
}

// Register adds the memory transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.MemoryCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.MemoryCapabilities
}

// Build creates an empty in-memory queue client.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Client, error) {
	return New(cfg.GetVisibilityTimeout()), nil
}

type entry struct {
	id           string
	body         string
	receiveCount int
	handle       string
	visibleAt    time.Time
}

type queue struct {
	entries []*entry
	// notify is closed and replaced whenever a message is sent.
	notify chan struct{}
}

// Client is a set of named in-memory queues.
type Client struct {
	mu         sync.Mutex
	queues     map[string]*queue
	visibility time.Duration
	closed     bool
	done       chan struct{}
	now        func() time.Time
}

// New returns an empty client. A visibility timeout of zero or less uses
// DefaultVisibilityTimeout.
func New(visibility time.Duration) *Client {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &Client{
		queues:     make(map[string]*queue),
		visibility: visibility,
		done:       make(chan struct{}),
		now:        time.Now,
	}
}

func (c *Client) queueLocked(destination string) *queue {
	q, ok := c.queues[destination]
	if !ok {
		q = &queue{notify: make(chan struct{})}
		c.queues[destination] = q
	}
	return q
}

// Send appends body to the destination queue.
func (c *Client) Send(ctx context.Context, destination, body string) (string, error) {
	if destination == "" {
		return "", &errspkg.TransportError{Op: "send", Err: errspkg.ErrDestinationRequired}
	}
	if err := ctx.Err(); err != nil {
		return "", &errspkg.TransportError{Op: "send", Destination: destination, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", &errspkg.TransportError{Op: "send", Destination: destination, Err: errspkg.ErrClientClosed}
	}

	q := c.queueLocked(destination)
	e := &entry{id: ids.CreateULID(), body: body}
	q.entries = append(q.entries, e)

	close(q.notify)
	q.notify = make(chan struct{})
	return e.id, nil
}

// Receive returns up to maxMessages visible messages, waiting up to wait for
// the first one to arrive or become visible again.
func (c *Client) Receive(ctx context.Context, destination string, maxMessages int, wait time.Duration) ([]transport.Message, error) {
	if destination == "" {
		return nil, &errspkg.TransportError{Op: "receive", Err: errspkg.ErrDestinationRequired}
	}
	caps := transport.MemoryCapabilities
	maxMessages = caps.ClampBatch(maxMessages)
	deadline := c.now().Add(caps.ClampWait(wait))

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, &errspkg.TransportError{Op: "receive", Destination: destination, Err: errspkg.ErrClientClosed}
		}
		q := c.queueLocked(destination)
		msgs, nextVisible := c.takeVisibleLocked(q, maxMessages)
		notify := q.notify
		c.mu.Unlock()

		if len(msgs) > 0 {
			return msgs, nil
		}

		remaining := deadline.Sub(c.now())
		if remaining <= 0 {
			return []transport.Message{}, nil
		}
		if !nextVisible.IsZero() {
			if untilVisible := nextVisible.Sub(c.now()); untilVisible < remaining {
				remaining = untilVisible
			}
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-c.done:
			timer.Stop()
		case <-notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// takeVisibleLocked marks up to max visible entries in flight and returns the
// earliest time an in-flight entry becomes visible again.
func (c *Client) takeVisibleLocked(q *queue, max int) ([]transport.Message, time.Time) {
	now := c.now()
	var msgs []transport.Message
	var nextVisible time.Time

	for _, e := range q.entries {
		if e.visibleAt.After(now) {
			if nextVisible.IsZero() || e.visibleAt.Before(nextVisible) {
				nextVisible = e.visibleAt
			}
			continue
		}
		if len(msgs) == max {
			break
		}
		e.receiveCount++
		e.handle = ids.CreateReceiptHandle(e.id)
		e.visibleAt = now.Add(c.visibility)
		msgs = append(msgs, transport.Message{
			ID:            e.id,
			Body:          e.body,
			ReceiptHandle: e.handle,
			ReceiveCount:  e.receiveCount,
		})
	}
	return msgs, nextVisible
}

// Delete removes the message whose current delivery matches receiptHandle.
// Handles from earlier deliveries are rejected with ErrUnknownReceiptHandle.
func (c *Client) Delete(ctx context.Context, destination, receiptHandle string) error {
	if destination == "" {
		return &errspkg.TransportError{Op: "delete", Err: errspkg.ErrDestinationRequired}
	}
	if receiptHandle == "" {
		return &errspkg.TransportError{Op: "delete", Destination: destination, Err: errspkg.ErrReceiptHandleMissing}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return &errspkg.TransportError{Op: "delete", Destination: destination, Err: errspkg.ErrClientClosed}
	}

	messageID, ok := ids.MessageIDFromReceiptHandle(receiptHandle)
	q, exists := c.queues[destination]
	if !ok || !exists {
		return &errspkg.TransportError{Op: "delete", Destination: destination, Err: errspkg.ErrUnknownReceiptHandle}
	}
	for i, e := range q.entries {
		if e.id != messageID {
			continue
		}
		if e.handle != receiptHandle {
			break
		}
		q.entries = append(q.entries[:i], q.entries[i+1:]...)
		return nil
	}
	return &errspkg.TransportError{Op: "delete", Destination: destination, Err: errspkg.ErrUnknownReceiptHandle}
}

// Len returns the number of messages not yet deleted from destination,
// including deliveries currently in flight.
func (c *Client) Len(destination string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if q, ok := c.queues[destination]; ok {
		return len(q.entries)
	}
	return 0
}

// Bodies returns the bodies of every message on destination in send order.
func (c *Client) Bodies(destination string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[destination]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e.body)
	}
	return out
}

// Capabilities returns the memory transport limits.
func (c *Client) Capabilities() transport.Capabilities {
	return transport.MemoryCapabilities
}

// Close wakes pending receivers and rejects further calls.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return nil
}
