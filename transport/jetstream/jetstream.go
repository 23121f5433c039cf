// Package jetstream provides a NATS JetStream queue client. Each destination
// is a subject in one stream, consumed through a durable pull consumer whose
// AckWait acts as the visibility timeout.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats.go"

	errspkg "github.com/drblury/userevents/internal/runtime/errors"
	"github.com/drblury/userevents/internal/runtime/ids"
	"github.com/drblury/userevents/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultStreamName holds every destination subject.
	DefaultStreamName = "USEREVENTS"

	// DefaultAckWait applies when the config has no visibility timeout.
	DefaultAckWait = 30 * time.Second
)

// Config holds JetStream-specific configuration.
type Config struct {
	URL        string
	StreamName string
	AckWait    time.Duration
	Replicas   int
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

// ConnectFactory allows overriding the connection for testing.
var ConnectFactory = func(url string) (*nats.Conn, error) {
	return nats.Connect(url)
}

func init() {
	Register()
}

// Register adds the JetStream transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.JetStreamCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.JetStreamCapabilities
}

// Build connects to NATS and ensures the stream exists.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Client, error) {
	conf := Config{URL: cfg.GetNATSURL(), AckWait: cfg.GetVisibilityTimeout()}.withDefaults()

	nc, err := ConnectFactory(conf.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}
	if err := ensureStream(js, conf); err != nil {
		nc.Close()
		return nil, err
	}
	logger.Info("Connected to JetStream", watermill.LogFields{"stream": conf.StreamName})

	c := newClient(conf, logger)
	c.publish = js.PublishMsg
	c.subscribe = func(subject, durable string) (fetcher, error) {
		return js.PullSubscribe(subject, durable,
			nats.AckExplicit(),
			nats.AckWait(conf.AckWait),
			nats.DeliverAll(),
		)
	}
	c.closeConn = nc.Close
	return c, nil
}

func ensureStream(js nats.JetStreamManager, conf Config) error {
	streamCfg := &nats.StreamConfig{
		Name:      conf.StreamName,
		Subjects:  []string{conf.StreamName + ".>"},
		Retention: nats.WorkQueuePolicy,
		MaxAge:    7 * 24 * time.Hour,
		Replicas:  conf.Replicas,
	}
	if _, err := js.AddStream(streamCfg); err != nil {
		if _, updateErr := js.UpdateStream(streamCfg); updateErr != nil {
			return fmt.Errorf("ensure stream %s: %w", conf.StreamName, errors.Join(err, updateErr))
		}
	}
	return nil
}

type fetcher interface {
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
	Unsubscribe() error
}

// Client implements transport.Client on JetStream.
type Client struct {
	conf   Config
	logger watermill.LoggerAdapter

	publish   func(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
	subscribe func(subject, durable string) (fetcher, error)
	ack       func(m *nats.Msg, opts ...nats.AckOpt) error
	closeConn func()
	now       func() time.Time

	mu      sync.Mutex
	subs    map[string]fetcher
	pending map[string]pendingMsg
	// latest maps a message id to the handle of its newest delivery.
	latest map[string]string
	closed bool
}

type pendingMsg struct {
	destination string
	id          string
	msg         *nats.Msg
	receivedAt  time.Time
}

func newClient(conf Config, logger watermill.LoggerAdapter) *Client {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Client{
		conf:      conf,
		logger:    logger,
		ack:       (*nats.Msg).Ack,
		closeConn: func() {},
		now:       time.Now,
		subs:      make(map[string]fetcher),
		pending:   make(map[string]pendingMsg),
		latest:    make(map[string]string),
	}
}

// Send publishes body on the destination subject. The returned id is also
// the JetStream de-duplication id.
func (c *Client) Send(ctx context.Context, destination, body string) (string, error) {
	if destination == "" {
		return "", &errspkg.TransportError{Op: "send", Err: errspkg.ErrDestinationRequired}
	}
	if c.isClosed() {
		return "", &errspkg.TransportError{Op: "send", Destination: destination, Err: errspkg.ErrClientClosed}
	}

	id := ids.CreateULID()
	msg := nats.NewMsg(c.subject(destination))
	msg.Data = []byte(body)
	msg.Header.Set(nats.MsgIdHdr, id)

	if _, err := c.publish(msg, nats.Context(ctx)); err != nil {
		return "", &errspkg.TransportError{Op: "send", Destination: destination, Err: err}
	}
	return id, nil
}

// Receive fetches up to maxMessages, waiting at most wait for the first one.
func (c *Client) Receive(ctx context.Context, destination string, maxMessages int, wait time.Duration) ([]transport.Message, error) {
	if destination == "" {
		return nil, &errspkg.TransportError{Op: "receive", Err: errspkg.ErrDestinationRequired}
	}
	sub, err := c.subscription(destination)
	if err != nil {
		return nil, err
	}

	caps := transport.JetStreamCapabilities
	wait = caps.ClampWait(wait)
	if wait <= 0 {
		wait = time.Millisecond
	}
	fetchCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	msgs, err := sub.Fetch(caps.ClampBatch(maxMessages), nats.Context(fetchCtx))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return nil, nil
		}
		return nil, &errspkg.TransportError{Op: "receive", Destination: destination, Err: err}
	}

	out := make([]transport.Message, 0, len(msgs))
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.expirePending(now)
	for _, m := range msgs {
		id := m.Header.Get(nats.MsgIdHdr)
		if id == "" {
			id = ids.CreateULID()
		}
		if old, ok := c.latest[id]; ok {
			delete(c.pending, old)
		}
		handle := ids.CreateReceiptHandle(id)
		c.pending[handle] = pendingMsg{destination: destination, id: id, msg: m, receivedAt: now}
		c.latest[id] = handle
		out = append(out, transport.Message{
			ID:            id,
			Body:          string(m.Data),
			ReceiptHandle: handle,
			ReceiveCount:  receiveCount(m),
		})
	}
	return out, nil
}

// Delete acknowledges the delivery identified by receiptHandle.
func (c *Client) Delete(ctx context.Context, destination, receiptHandle string) error {
	if receiptHandle == "" {
		return &errspkg.TransportError{Op: "delete", Destination: destination, Err: errspkg.ErrReceiptHandleMissing}
	}

	c.mu.Lock()
	p, ok := c.pending[receiptHandle]
	if ok && p.destination == destination {
		c.forget(receiptHandle, p)
	}
	c.mu.Unlock()
	if !ok || p.destination != destination {
		return &errspkg.TransportError{Op: "delete", Destination: destination, Err: errspkg.ErrUnknownReceiptHandle}
	}

	if err := c.ack(p.msg, nats.Context(ctx)); err != nil {
		return &errspkg.TransportError{Op: "delete", Destination: destination, Err: err}
	}
	return nil
}

// Pending returns the number of deliveries awaiting Delete.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// expirePending drops deliveries older than AckWait; the server has already
// made them available again. Caller holds c.mu.
func (c *Client) expirePending(now time.Time) {
	for handle, p := range c.pending {
		if now.Sub(p.receivedAt) >= c.conf.AckWait {
			c.forget(handle, p)
		}
	}
}

func (c *Client) forget(handle string, p pendingMsg) {
	delete(c.pending, handle)
	if c.latest[p.id] == handle {
		delete(c.latest, p.id)
	}
}

// Capabilities returns the JetStream limits.
func (c *Client) Capabilities() transport.Capabilities {
	return transport.JetStreamCapabilities
}

// Close unsubscribes and closes the connection. Unacknowledged deliveries are
// redelivered by the server after AckWait.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = make(map[string]fetcher)
	c.pending = make(map[string]pendingMsg)
	c.latest = make(map[string]string)
	c.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	c.closeConn()
	return errors.Join(errs...)
}

func (c *Client) subscription(destination string) (fetcher, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, &errspkg.TransportError{Op: "receive", Destination: destination, Err: errspkg.ErrClientClosed}
	}
	if sub, ok := c.subs[destination]; ok {
		return sub, nil
	}
	sub, err := c.subscribe(c.subject(destination), durableName(destination))
	if err != nil {
		return nil, &errspkg.TransportError{Op: "subscribe", Destination: destination, Err: err}
	}
	c.subs[destination] = sub
	return sub, nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) subject(destination string) string {
	return c.conf.StreamName + "." + destination
}

// durableName derives a consumer name; durable names may not contain dots.
func durableName(destination string) string {
	return "consumer_" + strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(destination)
}

func receiveCount(m *nats.Msg) int {
	meta, err := m.Metadata()
	if err != nil || meta.NumDelivered == 0 {
		return 1
	}
	return int(meta.NumDelivered)
}
