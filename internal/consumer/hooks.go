package consumer

import (
	"context"
	"fmt"
	"time"
)

// HookContext describes one handler invocation.
type HookContext struct {
	Destination  string
	MessageID    string
	UserID       string
	ReceiveCount int
	StartedAt    time.Time
	// Duration is only set for OnDone and OnError.
	Duration time.Duration
}

// Hooks are optional callbacks around the handler. Nil hooks are skipped.
type Hooks struct {
	OnStart func(HookContext)
	OnDone  func(HookContext)
	OnError func(HookContext, error)
}

// Merge returns hooks that call h first and then other.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnStart: chainHooks(h.OnStart, other.OnStart),
		OnDone:  chainHooks(h.OnDone, other.OnDone),
		OnError: chainErrorHooks(h.OnError, other.OnError),
	}
}

func chainHooks(a, b func(HookContext)) func(HookContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(hc HookContext) {
		a(hc)
		b(hc)
	}
}

func chainErrorHooks(a, b func(HookContext, error)) func(HookContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(hc HookContext, err error) {
		a(hc, err)
		b(hc, err)
	}
}

// HooksMiddleware invokes hooks around every handler call on destination.
func HooksMiddleware(destination string, hooks Hooks) Middleware {
	return func(h HandlerFunc) HandlerFunc {
		return func(ctx context.Context, d Delivery) error {
			hc := HookContext{
				Destination:  destination,
				MessageID:    d.Message.ID,
				UserID:       d.Event.UserID,
				ReceiveCount: d.Message.ReceiveCount,
				StartedAt:    time.Now(),
			}
			if hooks.OnStart != nil {
				hooks.OnStart(hc)
			}

			// A panic still reports OnError before unwinding to the recoverer.
			defer func() {
				if r := recover(); r != nil {
					if hooks.OnError != nil {
						hc.Duration = time.Since(hc.StartedAt)
						hooks.OnError(hc, fmt.Errorf("panic: %v", r))
					}
					panic(r)
				}
			}()

			err := h(ctx, d)
			hc.Duration = time.Since(hc.StartedAt)

			if err != nil {
				if hooks.OnError != nil {
					hooks.OnError(hc, err)
				}
			} else if hooks.OnDone != nil {
				hooks.OnDone(hc)
			}
			return err
		}
	}
}

// AlertingHooks calls alert for every failed handler invocation.
func AlertingHooks(alert func(HookContext, error)) Hooks {
	return Hooks{OnError: alert}
}
