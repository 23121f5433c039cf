package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrDuplicateEmail       = sterrors.New("userevents: email already registered")
	ErrInvalidCredentials   = sterrors.New("userevents: invalid credentials")
	ErrEmailRequired        = sterrors.New("userevents: email is required")
	ErrPasswordRequired     = sterrors.New("userevents: password is required")
	ErrPasswordTooLong      = sterrors.New("userevents: password is too long")
	ErrStoreRequired        = sterrors.New("userevents: credential store is required")
	ErrStoreClosed          = sterrors.New("userevents: credential store is closed")
	ErrClientRequired       = sterrors.New("userevents: queue client is required")
	ErrDestinationRequired  = sterrors.New("userevents: queue destination is required")
	ErrHandlerRequired      = sterrors.New("userevents: handler function is required")
	ErrPublisherRequired    = sterrors.New("userevents: publisher is required")
	ErrTokenIssuerRequired  = sterrors.New("userevents: token issuer is required")
	ErrConfigRequired       = sterrors.New("userevents: configuration is required")
	ErrLoggerRequired       = sterrors.New("userevents: logger is required")
	ErrIncompleteEvent      = sterrors.New("userevents: registration event is incomplete")
	ErrReceiptHandleMissing = sterrors.New("userevents: receipt handle is required")
	ErrUnknownReceiptHandle = sterrors.New("userevents: receipt handle is unknown or expired")
	ErrClientClosed         = sterrors.New("userevents: queue client is closed")
	ErrMessageTooLarge      = sterrors.New("userevents: message exceeds the queue size limit")
)

// ConfigValidationError wraps configuration problems detected at startup.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("userevents: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// TransportError reports a failed call against the queue backend. Code and
// StatusCode are filled when the backend exposes them (AWS API errors).
type TransportError struct {
	Op          string
	Destination string
	Code        string
	StatusCode  int
	Err         error
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("userevents: queue %s failed", e.Op)
	if e.Destination != "" {
		msg += fmt.Sprintf(" (destination %s)", e.Destination)
	}
	if e.Code != "" {
		msg += fmt.Sprintf(" code=%s", e.Code)
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" status=%d", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// PublishError is returned when a registration event could not be sent.
type PublishError struct {
	Destination string
	Err         error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("userevents: publish to %s failed: %v", e.Destination, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// MalformedMessageError marks a queue body that cannot be decoded into an event.
type MalformedMessageError struct {
	Body string
	Err  error
}

func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("userevents: malformed message: %v", e.Err)
}

func (e *MalformedMessageError) Unwrap() error { return e.Err }

// HandlerError wraps a failure raised while processing a decoded event.
type HandlerError struct {
	Err error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("userevents: handler failed: %v", e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

func IsTransport(err error) bool {
	var te *TransportError
	return sterrors.As(err, &te)
}

func IsMalformed(err error) bool {
	var me *MalformedMessageError
	return sterrors.As(err, &me)
}

func IsPublish(err error) bool {
	var pe *PublishError
	return sterrors.As(err, &pe)
}
