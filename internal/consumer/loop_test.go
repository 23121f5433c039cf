package consumer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/userevents/internal/events"
	errspkg "github.com/drblury/userevents/internal/runtime/errors"
	loggingpkg "github.com/drblury/userevents/internal/runtime/logging"
	"github.com/drblury/userevents/transport"
	"github.com/drblury/userevents/transport/memory"
)

const (
	queue = "user-registered"
	dlq   = "user-registered-dlq"
)

// scriptedClient returns queued batches from Receive and records what the
// loop sends and deletes.
type scriptedClient struct {
	mu        sync.Mutex
	batches   [][]transport.Message
	errs      []error
	receives  int
	deleted   []string
	sent      map[string][]string
	deleteErr map[string]error
	sendErr   error
	block     bool
}

func newScriptedClient(batches ...[]transport.Message) *scriptedClient {
	return &scriptedClient{
		batches:   batches,
		sent:      make(map[string][]string),
		deleteErr: make(map[string]error),
	}
}

func (c *scriptedClient) Send(ctx context.Context, destination, body string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return "", &errspkg.TransportError{Op: "send", Destination: destination, Err: c.sendErr}
	}
	c.sent[destination] = append(c.sent[destination], body)
	return fmt.Sprintf("sent-%d", len(c.sent[destination])), nil
}

func (c *scriptedClient) Receive(ctx context.Context, destination string, maxMessages int, wait time.Duration) ([]transport.Message, error) {
	c.mu.Lock()
	c.receives++
	if c.block {
		c.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		c.mu.Unlock()
		return nil, err
	}
	if len(c.batches) > 0 {
		batch := c.batches[0]
		c.batches = c.batches[1:]
		c.mu.Unlock()
		return batch, nil
	}
	c.mu.Unlock()
	return nil, nil
}

func (c *scriptedClient) Delete(ctx context.Context, destination, receiptHandle string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.deleteErr[receiptHandle]; err != nil {
		return &errspkg.TransportError{Op: "delete", Destination: destination, Code: "ReceiptHandleIsInvalid", StatusCode: 400, Err: err}
	}
	c.deleted = append(c.deleted, receiptHandle)
	return nil
}

func (c *scriptedClient) Deleted() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.deleted...)
}

func (c *scriptedClient) Receives() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receives
}

func validBody(t *testing.T, userID string) string {
	t.Helper()
	body, err := events.Encode(events.NewRegistration(userID, userID+"@example.com", time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	return string(body)
}

func msg(id, body string) transport.Message {
	return transport.Message{ID: id, Body: body, ReceiptHandle: "rh-" + id, ReceiveCount: 1}
}

func testConfig() Config {
	cfg := DefaultConfig(queue)
	cfg.WaitTime = 10 * time.Millisecond
	cfg.EmptyDelay = time.Millisecond
	cfg.ErrorDelay = 20 * time.Millisecond
	cfg.AckTimeout = time.Second
	return cfg
}

func newTestLoop(t *testing.T, client transport.Client, cfg Config, handler HandlerFunc) (*Loop, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	l, err := New(client, cfg, handler, Options{Registerer: reg})
	require.NoError(t, err)
	return l, reg
}

type recordingHandler struct {
	mu     sync.Mutex
	events []events.Registration
}

func (r *recordingHandler) Handle(ctx context.Context, d Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, d.Event)
	return nil
}

func (r *recordingHandler) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestNewValidatesArguments(t *testing.T) {
	_, err := New(nil, testConfig(), nil, Options{Registerer: prometheus.NewRegistry()})
	assert.ErrorIs(t, err, errspkg.ErrClientRequired)

	_, err = New(newScriptedClient(), Config{}, nil, Options{Registerer: prometheus.NewRegistry()})
	assert.ErrorIs(t, err, errspkg.ErrDestinationRequired)

	l, err := New(newScriptedClient(), testConfig(), nil, Options{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	assert.Equal(t, StateStopped, l.State())
}

func TestNewWarnsWithoutDeadLetterQueue(t *testing.T) {
	var buf bytes.Buffer
	logger := loggingpkg.New(&buf, "info", "text")

	_, err := New(memory.New(0), testConfig(), nil, Options{Logger: logger, Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "No dead-letter queue configured")

	buf.Reset()
	cfg := testConfig()
	cfg.DeadLetterDestination = dlq
	_, err = New(memory.New(0), cfg, nil, Options{Logger: logger, Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "No dead-letter queue configured")
}

func TestNewClampsToCapabilities(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMessages = 50
	cfg.WaitTime = time.Minute

	l, _ := newTestLoop(t, memory.New(0), cfg, nil)
	assert.Equal(t, 10, l.Config().MaxMessages)
	assert.Equal(t, 20*time.Second, l.Config().WaitTime)

	cfg.MaxMessages = 0
	l, _ = newTestLoop(t, newScriptedClient(), cfg, nil)
	assert.Equal(t, 1, l.Config().MaxMessages)
}

func TestMixedBatchDeletesBoth(t *testing.T) {
	client := newScriptedClient([]transport.Message{
		msg("m1", validBody(t, "u1")),
		msg("m2", "{not json"),
	})
	h := &recordingHandler{}
	l, reg := newTestLoop(t, client, testConfig(), h.Handle)

	n, err := l.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, 1, h.Count())
	assert.Equal(t, "u1", h.events[0].UserID)
	assert.Equal(t, []string{"rh-m1", "rh-m2"}, client.Deleted())

	m, _ := newLoopMetrics(reg)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messages.WithLabelValues(outcomeProcessed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messages.WithLabelValues(outcomeMalformed)))
}

func TestBatchIsProcessedInReceiveOrder(t *testing.T) {
	client := newScriptedClient([]transport.Message{
		msg("m1", validBody(t, "u1")),
		msg("m2", validBody(t, "u2")),
		msg("m3", validBody(t, "u3")),
	})
	h := &recordingHandler{}
	l, _ := newTestLoop(t, client, testConfig(), h.Handle)

	_, err := l.PollOnce(context.Background())
	require.NoError(t, err)

	require.Equal(t, 3, h.Count())
	for i, want := range []string{"u1", "u2", "u3"} {
		assert.Equal(t, want, h.events[i].UserID)
	}
	assert.Equal(t, []string{"rh-m1", "rh-m2", "rh-m3"}, client.Deleted())
}

func TestMalformedMessageDoesNotReappear(t *testing.T) {
	client := memory.New(20 * time.Millisecond)
	defer client.Close()

	_, err := client.Send(context.Background(), queue, "not json at all")
	require.NoError(t, err)
	_, err = client.Send(context.Background(), queue, `{"UserId":"u1"}`)
	require.NoError(t, err)

	h := &recordingHandler{}
	l, _ := newTestLoop(t, client, testConfig(), h.Handle)

	n, err := l.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, h.Count())
	assert.Zero(t, client.Len(queue))

	time.Sleep(40 * time.Millisecond)
	n, err = l.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHandlerErrorStillDeletes(t *testing.T) {
	client := newScriptedClient([]transport.Message{msg("m1", validBody(t, "u1"))})
	l, reg := newTestLoop(t, client, testConfig(), func(ctx context.Context, d Delivery) error {
		return errors.New("downstream unavailable")
	})

	_, err := l.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"rh-m1"}, client.Deleted())

	m, _ := newLoopMetrics(reg)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messages.WithLabelValues(outcomeFailed)))
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	client := newScriptedClient([]transport.Message{
		msg("m1", validBody(t, "u1")),
		msg("m2", validBody(t, "u2")),
	})
	var calls atomic.Int32
	l, _ := newTestLoop(t, client, testConfig(), func(ctx context.Context, d Delivery) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	})

	require.NotPanics(t, func() {
		_, err := l.PollOnce(context.Background())
		require.NoError(t, err)
	})
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, []string{"rh-m1", "rh-m2"}, client.Deleted())
}

func TestRecovererMiddlewareReturnsHandlerError(t *testing.T) {
	h := Chain(func(ctx context.Context, d Delivery) error {
		panic("kaboom")
	}, RecovererMiddleware())

	err := h(context.Background(), Delivery{})
	var handlerErr *errspkg.HandlerError
	require.ErrorAs(t, err, &handlerErr)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(h HandlerFunc) HandlerFunc {
			return func(ctx context.Context, d Delivery) error {
				order = append(order, name)
				return h(ctx, d)
			}
		}
	}
	h := Chain(func(ctx context.Context, d Delivery) error {
		order = append(order, "handler")
		return nil
	}, mw("outer"), nil, mw("inner"))

	require.NoError(t, h(context.Background(), Delivery{}))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestCustomMiddlewaresRun(t *testing.T) {
	client := newScriptedClient([]transport.Message{msg("m1", validBody(t, "u1"))})
	var seen atomic.Int32
	l, err := New(client, testConfig(), nil, Options{
		Registerer: prometheus.NewRegistry(),
		Middlewares: []Middleware{func(h HandlerFunc) HandlerFunc {
			return func(ctx context.Context, d Delivery) error {
				seen.Add(1)
				return h(ctx, d)
			}
		}},
	})
	require.NoError(t, err)

	_, err = l.PollOnce(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, seen.Load())
}

func TestDeadLetterRouting(t *testing.T) {
	client := newScriptedClient([]transport.Message{
		msg("m1", "garbage"),
		msg("m2", validBody(t, "u2")),
		msg("m3", validBody(t, "u3")),
	})
	cfg := testConfig()
	cfg.DeadLetterDestination = dlq
	l, reg := newTestLoop(t, client, cfg, func(ctx context.Context, d Delivery) error {
		if d.Event.UserID == "u2" {
			return errors.New("rejected")
		}
		return nil
	})

	_, err := l.PollOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"garbage", validBody(t, "u2")}, client.sent[dlq])
	assert.Equal(t, []string{"rh-m1", "rh-m2", "rh-m3"}, client.Deleted())

	m, _ := newLoopMetrics(reg)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.deadLettered.WithLabelValues("sent")))
}

func TestDeadLetterFailureKeepsMessage(t *testing.T) {
	client := newScriptedClient([]transport.Message{
		msg("m1", "garbage"),
		msg("m2", validBody(t, "u2")),
	})
	client.sendErr = errors.New("dlq unavailable")
	cfg := testConfig()
	cfg.DeadLetterDestination = dlq
	l, reg := newTestLoop(t, client, cfg, nil)

	_, err := l.PollOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"rh-m2"}, client.Deleted())
	m, _ := newLoopMetrics(reg)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deadLettered.WithLabelValues("failed")))
}

func TestDeleteFailureDoesNotStopBatch(t *testing.T) {
	client := newScriptedClient([]transport.Message{
		msg("m1", validBody(t, "u1")),
		msg("m2", validBody(t, "u2")),
		msg("m3", validBody(t, "u3")),
	})
	client.deleteErr["rh-m2"] = errors.New("expired")
	h := &recordingHandler{}
	l, reg := newTestLoop(t, client, testConfig(), h.Handle)

	_, err := l.PollOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, h.Count())
	assert.Equal(t, []string{"rh-m1", "rh-m3"}, client.Deleted())
	m, _ := newLoopMetrics(reg)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deleteFailures.WithLabelValues(queue)))
}

func TestTransportErrorBacksOff(t *testing.T) {
	client := newScriptedClient([]transport.Message{msg("m1", validBody(t, "u1"))})
	client.errs = []error{&errspkg.TransportError{
		Op: "receive", Destination: queue, Code: "AWS.SimpleQueueService.NonExistentQueue", StatusCode: 400,
		Err: errors.New("queue does not exist"),
	}}
	h := &recordingHandler{}
	cfg := testConfig()
	cfg.ErrorDelay = 200 * time.Millisecond
	l, reg := newTestLoop(t, client, cfg, h.Handle)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	assert.Eventually(t, func() bool { return l.State() == StateBackoff }, time.Second, time.Millisecond)
	assert.Equal(t, 1, client.Receives())

	assert.Eventually(t, func() bool { return h.Count() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, StateStopped, l.State())

	m, _ := newLoopMetrics(reg)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.receives.WithLabelValues("error", "AWS.SimpleQueueService.NonExistentQueue")))
}

func TestEmptyReceiveKeepsPolling(t *testing.T) {
	client := newScriptedClient()
	l, _ := newTestLoop(t, client, testConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	assert.Eventually(t, func() bool { return client.Receives() >= 3 }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestCancelDuringReceiveReturnsPromptly(t *testing.T) {
	client := newScriptedClient()
	client.block = true
	l, _ := newTestLoop(t, client, testConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	assert.Eventually(t, func() bool { return client.Receives() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, StateStopped, l.State())
}

func TestCancelDuringBackoffReturnsPromptly(t *testing.T) {
	client := newScriptedClient()
	client.errs = []error{&errspkg.TransportError{Op: "receive", Err: errors.New("down")}}
	cfg := testConfig()
	cfg.ErrorDelay = time.Hour
	l, _ := newTestLoop(t, client, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	assert.Eventually(t, func() bool { return l.State() == StateBackoff }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestInterruptedHandlerLeavesMessage(t *testing.T) {
	client := newScriptedClient([]transport.Message{
		msg("m1", validBody(t, "u1")),
		msg("m2", validBody(t, "u2")),
	})
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	l, _ := newTestLoop(t, client, testConfig(), func(hctx context.Context, d Delivery) error {
		calls.Add(1)
		cancel()
		return hctx.Err()
	})

	_, err := l.PollOnce(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load(), "the rest of the batch is left for redelivery")
	assert.Empty(t, client.Deleted())
}

func TestDeleteSurvivesCancellation(t *testing.T) {
	client := newScriptedClient([]transport.Message{msg("m1", validBody(t, "u1"))})
	ctx, cancel := context.WithCancel(context.Background())
	l, _ := newTestLoop(t, client, testConfig(), func(context.Context, Delivery) error {
		cancel()
		return nil
	})

	_, err := l.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"rh-m1"}, client.Deleted())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "polling", StatePolling.String())
	assert.Equal(t, "dispatching", StateDispatching.String())
	assert.Equal(t, "acknowledging", StateAcknowledging.String())
	assert.Equal(t, "backoff", StateBackoff.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...(truncated)", truncate("abcdef", 2))

	// "é" is two bytes; a cut inside it backs up to the rune start.
	got := truncate("aéb", 2)
	assert.Equal(t, "a...(truncated)", got)
	assert.True(t, utf8.ValidString(got))
}
