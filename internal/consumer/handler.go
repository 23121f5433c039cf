package consumer

import (
	"context"
	"time"

	"github.com/drblury/userevents/internal/events"
	loggingpkg "github.com/drblury/userevents/internal/runtime/logging"
	"github.com/drblury/userevents/transport"
)

// Delivery is a decoded event together with the queue message it came in.
type Delivery struct {
	Event   events.Registration
	Message transport.Message
}

// HandlerFunc processes one decoded event. A returned error is logged and the
// message is dead-lettered (when configured) and deleted; it is not retried.
type HandlerFunc func(ctx context.Context, d Delivery) error

// LogHandler is the default handler: it records the event and does nothing else.
func LogHandler(logger loggingpkg.ServiceLogger) HandlerFunc {
	if logger == nil {
		logger = loggingpkg.Nop()
	}
	return func(ctx context.Context, d Delivery) error {
		logger.Info("User registered", loggingpkg.LogFields{
			"user_id":       d.Event.UserID,
			"email":         d.Event.Email,
			"registered_at": d.Event.RegisteredAt.Format(time.RFC3339Nano),
			"message_id":    d.Message.ID,
		})
		return nil
	}
}
