package xlink

import (
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ChannelBuilder constructs Channel instances (Builder pattern).
type ChannelBuilder struct {
	transportName string
	transportCfg  map[string]any
	transportInst Transport

	codecName string
	codecInst Codec

	cfg         ChannelConfig
	middlewares []Middleware
	observers   []Observer
	logger      *xlog.Logger
	clock       xclock.Clock
}

// NewChannelBuilder returns a builder preloaded with production defaults.
func NewChannelBuilder() *ChannelBuilder {
	return &ChannelBuilder{
		codecName: "json",
		cfg:       DefaultChannelConfig(),
	}
}

// WithTransport selects a registered transport by name with a config blob.
func (cb *ChannelBuilder) WithTransport(name string, cfg map[string]any) *ChannelBuilder {
	cb.transportName = name
	cb.transportCfg = cfg
	return cb
}

// WithTransportInstance accepts a ready Transport instance (e.g., one half of
// an inproc pair).
func (cb *ChannelBuilder) WithTransportInstance(t Transport) *ChannelBuilder {
	cb.transportInst = t
	return cb
}

// WithCodec selects a registered codec by name (default: "json").
func (cb *ChannelBuilder) WithCodec(name string) *ChannelBuilder {
	cb.codecName = name
	return cb
}

// WithCodecInstance accepts a ready Codec instance.
func (cb *ChannelBuilder) WithCodecInstance(c Codec) *ChannelBuilder {
	cb.codecInst = c
	return cb
}

// WithConfig replaces the whole tuning surface at once.
func (cb *ChannelBuilder) WithConfig(cfg ChannelConfig) *ChannelBuilder {
	cb.cfg = cfg
	return cb
}

// WithRequestTimeout sets the default per-publish deadline.
func (cb *ChannelBuilder) WithRequestTimeout(d time.Duration) *ChannelBuilder {
	if d > 0 {
		cb.cfg.RequestTimeout = d
	}
	return cb
}

// WithMaxMessageSize bounds encoded envelope size in bytes; 0 disables.
func (cb *ChannelBuilder) WithMaxMessageSize(n int) *ChannelBuilder {
	cb.cfg.MaxMessageSize = n
	return cb
}

// WithRateLimit bounds outbound sends per second; 0 disables.
func (cb *ChannelBuilder) WithRateLimit(perSecond int) *ChannelBuilder {
	cb.cfg.RateLimitPerSecond = perSecond
	return cb
}

// WithStrictValidation toggles structural validation of inbound envelopes.
func (cb *ChannelBuilder) WithStrictValidation(on bool) *ChannelBuilder {
	cb.cfg.StrictValidation = on
	return cb
}

// WithMiddleware adds processing middlewares around subscription handlers.
func (cb *ChannelBuilder) WithMiddleware(mw ...Middleware) *ChannelBuilder {
	if len(mw) == 0 {
		return cb
	}
	cb.middlewares = append(cb.middlewares, mw...)
	return cb
}

// WithObserver attaches observers for lifecycle events.
func (cb *ChannelBuilder) WithObserver(obs ...Observer) *ChannelBuilder {
	for _, o := range obs {
		if o != nil {
			cb.observers = append(cb.observers, o)
		}
	}
	return cb
}

// WithLogger injects a custom xlog logger.
func (cb *ChannelBuilder) WithLogger(l *xlog.Logger) *ChannelBuilder {
	cb.logger = l
	return cb
}

// WithClock injects a custom xclock clock.
func (cb *ChannelBuilder) WithClock(c xclock.Clock) *ChannelBuilder {
	cb.clock = c
	return cb
}

// Build resolves collaborators, binds the transport listener, and sends the
// initial handshake. The returned channel is in StateAwaitingPeer.
func (cb *ChannelBuilder) Build() (*Channel, error) {
	var tr Transport
	var err error

	switch {
	case cb.transportInst != nil:
		tr = cb.transportInst
	case cb.transportName != "":
		tr, err = NewTransport(cb.transportName, cb.transportCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoTransportConfigured
	}

	var cd Codec
	if cb.codecInst != nil {
		cd = cb.codecInst
	} else {
		cd, err = NewCodec(cb.codecName)
		if err != nil {
			return nil, err
		}
	}

	clk := cb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := cb.logger
	if lg == nil {
		lg = xlog.Default()
	}

	emitter := NewEmitter()

	// Attach a logging observer first for dependable telemetry unless one was
	// already supplied externally.
	hasLoggingObserver := false
	for _, o := range cb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		emitter.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range cb.observers {
		emitter.AddObserver(o)
	}

	return newChannel(cb.cfg, tr, cd, clk, lg, emitter, cb.middlewares)
}
