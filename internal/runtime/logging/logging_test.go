package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermillServiceLoggerDelegates(t *testing.T) {
	base := watermill.NewCaptureLogger()
	logger := NewWatermillServiceLogger(base)

	logger.Debug("dbg", LogFields{"component": "consumer"})
	logger.Info("info", nil)
	logger.Trace("trace", LogFields{"trace": true})
	boom := errors.New("boom")
	logger.Error("oops", boom, LogFields{"failed": true})

	child := logger.With(LogFields{"child": "yes"})
	child.Info("child_info", nil)

	captured := base.Captured()
	require.Len(t, captured[watermill.DebugLogLevel], 1)
	assert.Equal(t, "consumer", captured[watermill.DebugLogLevel][0].Fields["component"])
	require.Len(t, captured[watermill.InfoLogLevel], 2)
	assert.Equal(t, "yes", captured[watermill.InfoLogLevel][1].Fields["child"])
	assert.True(t, base.HasError(boom))
}

func TestWithEmptyFieldsReturnsSameLogger(t *testing.T) {
	logger := NewWatermillServiceLogger(watermill.NopLogger{})
	assert.Same(t, logger, logger.With(nil))
}

func TestWatermillServiceLoggerPanicsOnNilLogger(t *testing.T) {
	assert.Panics(t, func() { NewWatermillServiceLogger(nil) })
}

func TestSlogLoggerPanicsOnNil(t *testing.T) {
	assert.Panics(t, func() { NewSlogServiceLogger(nil) })
}

func TestWatermillAdapterDelegates(t *testing.T) {
	base := &recordingServiceLogger{}
	adapter := NewWatermillAdapter(base)

	adapter.Debug("dbg", watermill.LogFields{"k": "v"})
	adapter.Info("info", nil)
	adapter.Trace("trace", nil)
	adapter.Error("err", errors.New("boom"), nil)

	child := adapter.With(watermill.LogFields{"child": "yes"})
	typedChild, ok := child.(*serviceLoggerAdapter)
	require.True(t, ok, "expected service logger adapter child")
	childBase, ok := typedChild.base.(*recordingServiceLogger)
	require.True(t, ok, "expected recording service logger child base")
	child.Info("child_info", nil)

	assert.Len(t, base.entries, 4)
	require.Len(t, childBase.entries, 2)
	assert.Equal(t, "yes", childBase.entries[0].fields["child"])
}

func TestWatermillAdapterPanicsOnNil(t *testing.T) {
	assert.Panics(t, func() { NewWatermillAdapter(nil) })
}

func TestWatermillFieldConversions(t *testing.T) {
	assert.Nil(t, toWatermillFields(nil))
	assert.Nil(t, fromWatermillFields(nil))

	wm := toWatermillFields(LogFields{"a": 1})
	assert.Equal(t, 1, wm["a"])
	lf := fromWatermillFields(wm)
	assert.Equal(t, 1, lf["a"])
}

func TestNewWritesJSONByDefault(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := New(buf, "info", "")
	logger.Info("user registered", LogFields{"email": "alice@example.com"})
	logger.Debug("hidden", nil)

	out := buf.String()
	assert.Contains(t, out, `"msg":"user registered"`)
	assert.Contains(t, out, `"email":"alice@example.com"`)
	assert.NotContains(t, out, "hidden")
}

func TestNewTextFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := New(buf, "debug", "text")
	logger.Debug("visible", LogFields{"k": "v"})

	out := buf.String()
	assert.True(t, strings.Contains(out, "msg=visible"), out)
	assert.Contains(t, out, "k=v")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"TRACE":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestNopDiscards(t *testing.T) {
	logger := Nop()
	logger.Error("ignored", errors.New("x"), LogFields{"a": 1})
	logger.With(LogFields{"b": 2}).Info("ignored", nil)
}

type recordingServiceLogger struct {
	entries []loggedEntry
}

type loggedEntry struct {
	level  string
	msg    string
	fields LogFields
	err    error
}

func (r *recordingServiceLogger) With(fields LogFields) ServiceLogger {
	cloned := &recordingServiceLogger{}
	cloned.entries = append(cloned.entries, loggedEntry{level: "with", fields: fields})
	return cloned
}

func (r *recordingServiceLogger) Debug(msg string, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "debug", msg: msg, fields: fields})
}

func (r *recordingServiceLogger) Info(msg string, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "info", msg: msg, fields: fields})
}

func (r *recordingServiceLogger) Error(msg string, err error, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "error", msg: msg, fields: fields, err: err})
}

func (r *recordingServiceLogger) Trace(msg string, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "trace", msg: msg, fields: fields})
}
