package xlink

import (
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// HubBuilder assembles a Hub with explicit dependencies. Zero hidden
// defaults beyond clock, codec and logger fallbacks.
//
//	hub, err := xlink.NewHubBuilder().
//	    WithHost(host).
//	    WithCleanupInterval(30 * time.Second).
//	    OnConnect(func(meta xlink.ClientMeta) { ... }).
//	    Build()
type HubBuilder struct {
	cfg       HubConfig
	host      HostAdapter
	codecName string
	codecInst Codec
	clock     xclock.Clock
	logger    *xlog.Logger
	observers []Observer

	onConnect    func(meta ClientMeta)
	onDisconnect func(endpointID string)
	onUnknown    func(endpointID string)
}

// NewHubBuilder creates a builder with production defaults.
func NewHubBuilder() *HubBuilder {
	return &HubBuilder{
		cfg:       DefaultHubConfig(),
		codecName: "json",
	}
}

// WithHost sets the host adapter providing the live-endpoint directory and
// the per-endpoint send primitive. Required.
func (hb *HubBuilder) WithHost(host HostAdapter) *HubBuilder {
	hb.host = host
	return hb
}

// WithChannelConfig sets the tuning applied to every endpoint channel.
func (hb *HubBuilder) WithChannelConfig(cfg ChannelConfig) *HubBuilder {
	hb.cfg.Channel = cfg
	return hb
}

// WithCleanupInterval sets the liveness sweep period; 0 disables the sweep.
func (hb *HubBuilder) WithCleanupInterval(d time.Duration) *HubBuilder {
	hb.cfg.CleanupInterval = d
	return hb
}

// WithCodec selects a registered codec by name.
func (hb *HubBuilder) WithCodec(name string) *HubBuilder {
	hb.codecName = name
	return hb
}

// WithCodecInstance supplies a pre-built codec, bypassing the registry.
func (hb *HubBuilder) WithCodecInstance(c Codec) *HubBuilder {
	hb.codecInst = c
	return hb
}

// WithClock overrides the time source.
func (hb *HubBuilder) WithClock(clock xclock.Clock) *HubBuilder {
	hb.clock = clock
	return hb
}

// WithLogger overrides the structured logger.
func (hb *HubBuilder) WithLogger(logger *xlog.Logger) *HubBuilder {
	hb.logger = logger
	return hb
}

// WithObserver attaches a lifecycle observer to every endpoint channel.
func (hb *HubBuilder) WithObserver(o Observer) *HubBuilder {
	if o != nil {
		hb.observers = append(hb.observers, o)
	}
	return hb
}

// OnConnect fires after an endpoint completes its registration handshake.
func (hb *HubBuilder) OnConnect(fn func(meta ClientMeta)) *HubBuilder {
	hb.onConnect = fn
	return hb
}

// OnDisconnect fires after an endpoint is destroyed and forgotten.
func (hb *HubBuilder) OnDisconnect(fn func(endpointID string)) *HubBuilder {
	hb.onDisconnect = fn
	return hb
}

// OnUnknownEndpoint fires when inbound traffic arrives from a sender the
// registry does not know. The callback may call Register to adopt it.
func (hb *HubBuilder) OnUnknownEndpoint(fn func(endpointID string)) *HubBuilder {
	hb.onUnknown = fn
	return hb
}

// Build validates the configuration and constructs the Hub, starting the
// liveness sweep when an interval is configured.
func (hb *HubBuilder) Build() (*Hub, error) {
	if hb.host == nil {
		return nil, ErrNoHostConfigured
	}

	codec := hb.codecInst
	if codec == nil {
		c, err := NewCodec(hb.codecName)
		if err != nil {
			return nil, err
		}
		codec = c
	}

	clock := hb.clock
	if clock == nil {
		clock = xclock.Default()
	}
	logger := hb.logger
	if logger == nil {
		logger = xlog.Default()
	}

	h := &Hub{
		cfg:          hb.cfg,
		host:         hb.host,
		codec:        codec,
		clock:        clock,
		logger:       logger,
		observers:    hb.observers,
		channels:     make(map[string]*Channel),
		metas:        make(map[string]*ClientMeta),
		globals:      make(map[string]GlobalHandler),
		onConnect:    hb.onConnect,
		onDisconnect: hb.onDisconnect,
		onUnknown:    hb.onUnknown,
		stop:         make(chan struct{}),
		metrics:      &hubMetrics{},
	}

	if h.cfg.CleanupInterval > 0 {
		h.wg.Add(1)
		go h.cleanupLoop()
	}
	return h, nil
}
