package xlink

import (
	"context"

	"github.com/trickstertwo/xlog"
)

// ctxKey is the base for all context keys in xlink (prevents collisions).
type ctxKey string

const (
	codecCtxKey    ctxKey = "xlink:codec"
	loggerCtxKey   ctxKey = "xlink:logger"
	endpointCtxKey ctxKey = "xlink:endpoint"
)

// injectCodec attaches the active Codec into context for downstream handlers.
func injectCodec(ctx context.Context, c Codec) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, codecCtxKey, c)
}

// CodecFromContext retrieves a Codec previously injected into the context.
func CodecFromContext(ctx context.Context) (Codec, bool) {
	if v := ctx.Value(codecCtxKey); v != nil {
		if c, ok := v.(Codec); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

// LoggerFromContext retrieves the channel logger inside a handler.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	if v := ctx.Value(loggerCtxKey); v != nil {
		if l, ok := v.(*xlog.Logger); ok && l != nil {
			return l, true
		}
	}
	return nil, false
}

// EndpointInfo identifies the remote endpoint a hub-routed request came from.
type EndpointInfo struct {
	EndpointID string
	Meta       *ClientMeta
}

func injectEndpoint(ctx context.Context, info EndpointInfo) context.Context {
	return context.WithValue(ctx, endpointCtxKey, info)
}

// EndpointFromContext retrieves the originating endpoint inside a hub global
// handler.
func EndpointFromContext(ctx context.Context) (EndpointInfo, bool) {
	if v := ctx.Value(endpointCtxKey); v != nil {
		if info, ok := v.(EndpointInfo); ok {
			return info, true
		}
	}
	return EndpointInfo{}, false
}
