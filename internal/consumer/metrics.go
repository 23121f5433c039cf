package consumer

import (
	"github.com/prometheus/client_golang/prometheus"

	metricspkg "github.com/drblury/userevents/internal/runtime/metrics"
)

const subsystem = "consumer"

// Message outcomes used as metric labels.
const (
	outcomeProcessed   = "processed"
	outcomeMalformed   = "malformed"
	outcomeFailed      = "failed"
	outcomeInterrupted = "interrupted"
)

type loopMetrics struct {
	receives       *prometheus.CounterVec
	messages       *prometheus.CounterVec
	deleteFailures *prometheus.CounterVec
	deadLettered   *prometheus.CounterVec
	handlerSeconds *prometheus.HistogramVec
}

func newLoopMetrics(registerer prometheus.Registerer) (*loopMetrics, error) {
	m := &loopMetrics{}
	var err error

	if m.receives, err = metricspkg.Register(registerer, metricspkg.NewCounterVec(
		subsystem, "receives_total", "Receive calls by result (messages, empty, error) and AWS error code.", []string{"result", "code"},
	)); err != nil {
		return nil, err
	}
	if m.messages, err = metricspkg.Register(registerer, metricspkg.NewCounterVec(
		subsystem, "messages_total", "Messages handled by outcome.", []string{"outcome"},
	)); err != nil {
		return nil, err
	}
	if m.deleteFailures, err = metricspkg.Register(registerer, metricspkg.NewCounterVec(
		subsystem, "delete_failures_total", "Messages that could not be deleted after processing.", []string{"destination"},
	)); err != nil {
		return nil, err
	}
	if m.deadLettered, err = metricspkg.Register(registerer, metricspkg.NewCounterVec(
		subsystem, "dead_lettered_total", "Messages copied to the dead-letter destination, by result.", []string{"result"},
	)); err != nil {
		return nil, err
	}
	if m.handlerSeconds, err = metricspkg.Register(registerer, metricspkg.NewHistogramVec(
		subsystem, "handler_duration_seconds", "Handler chain execution time.", nil, []string{"outcome"},
	)); err != nil {
		return nil, err
	}
	return m, nil
}
