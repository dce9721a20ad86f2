package xlink

import (
	"context"
	"fmt"
	"time"
)

// Handler processes one inbound request envelope. The returned value becomes
// the reply payload (RetSuccess); returning the NoReply sentinel suppresses
// the reply; returning an error produces a RetReceiverCallbackError reply.
type Handler func(ctx context.Context, env *Envelope) (any, error)

// NoReply is the sentinel a Handler returns to suppress the automatic reply.
var NoReply = noReply{}

type noReply struct{}

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// RecoveryMiddleware prevents panics from escaping handlers and converts them
// into errors, which dispatch reports back as RetReceiverCallbackError.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, env *Envelope) (v any, err error) {
			defer func() {
				if r := recover(); r != nil {
					v = nil
					err = fmt.Errorf("panic recovered: %v", r)
				}
			}()
			return next(ctx, env)
		}
	}
}

// TimeoutMiddleware enforces a maximum processing time for a handler. When
// exceeded, the remote caller receives a RetReceiverCallbackError reply
// carrying the deadline error.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, env *Envelope) (any, error) {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			type outcome struct {
				v   any
				err error
			}
			outCh := make(chan outcome, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						outCh <- outcome{err: fmt.Errorf("panic recovered: %v", r)}
					}
				}()
				v, err := next(tctx, env)
				outCh <- outcome{v: v, err: err}
			}()

			select {
			case <-tctx.Done():
				return nil, tctx.Err()
			case out := <-outCh:
				return out.v, out.err
			}
		}
	}
}

// Chain composes middlewares around a handler in order.
func Chain(h Handler, mws ...Middleware) Handler {
	if len(mws) == 0 {
		return h
	}
	wrapped := h
	// Apply in reverse so that first middleware wraps last.
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}
