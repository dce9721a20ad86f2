package xlink

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ChannelState describes where a channel sits in its pairing lifecycle.
type ChannelState string

const (
	// StateAwaitingPeer: handshake sent, peerKey still empty.
	StateAwaitingPeer ChannelState = "awaiting_peer"
	// StatePaired: handshake completed, queued publishes flushed.
	StatePaired ChannelState = "paired"
	// StateDestroyed is terminal.
	StateDestroyed ChannelState = "destroyed"
)

// ChannelConfig is the tuning surface of one channel.
type ChannelConfig struct {
	// RequestTimeout is the default per-publish deadline.
	RequestTimeout time.Duration
	// MaxMessageSize bounds the encoded envelope size in bytes; 0 disables.
	MaxMessageSize int
	// RateLimitPerSecond bounds outbound sends; 0 disables.
	RateLimitPerSecond int
	// StrictValidation runs structural validation on every inbound envelope.
	StrictValidation bool
}

// DefaultChannelConfig returns the production defaults.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		RequestTimeout:     5 * time.Second,
		MaxMessageSize:     1 << 20,
		RateLimitPerSecond: 100,
		StrictValidation:   true,
	}
}

// pendingCorrelation is one outstanding request awaiting its response.
type pendingCorrelation struct {
	id   string
	cmd  string
	done chan pendingResult // buffered 1; settled exactly once
}

type pendingResult struct {
	env *Envelope
	err error
}

// queuedTask is a publish issued before pairing completed.
type queuedTask struct {
	env     *Envelope
	encoded []byte
	timeout time.Duration
	hints   any
}

type subscription struct {
	handler Handler
	once    bool
}

// channelMetrics uses lock-free atomics for telemetry snapshots.
type channelMetrics struct {
	published   atomic.Uint64
	queued      atomic.Uint64
	received    atomic.Uint64
	timeouts    atomic.Uint64
	rateLimited atomic.Uint64
	rejected    atomic.Uint64
	sendErrors  atomic.Uint64
	broadcasts  atomic.Uint64
}

// ChannelStats is a point-in-time telemetry snapshot.
type ChannelStats struct {
	Published   uint64
	Queued      uint64
	Received    uint64
	Timeouts    uint64
	RateLimited uint64
	Rejected    uint64
	SendErrors  uint64
	Broadcasts  uint64

	Pending       int
	QueuedTasks   int
	Subscriptions int
}

// Channel owns one logical duplex conversation with exactly one remote peer:
// the pairing handshake, request/response correlation, subscription dispatch,
// and destroy semantics. All bookkeeping is guarded by one mutex; handlers
// and observers always run outside it.
type Channel struct {
	cfg       ChannelConfig
	transport Transport
	codec     Codec
	clock     xclock.Clock
	logger    *xlog.Logger

	emitter     *Emitter
	scheduler   *TimeoutScheduler
	limiter     *SlidingWindowLimiter
	middlewares []Middleware

	selfKey string
	reqSeq  atomic.Uint64

	mu        sync.Mutex
	peerKey   string
	ready     bool
	destroyed bool
	pendings  map[string]*pendingCorrelation
	queue     []queuedTask
	subs      map[string]subscription

	readyCh   chan struct{} // closed on pairing
	destroyCh chan struct{} // closed on destroy

	metrics *channelMetrics
}

// newChannel wires a channel from resolved collaborators, binds the transport
// listener, and sends the initial handshake. Builders and the Hub both funnel
// through here.
func newChannel(cfg ChannelConfig, tr Transport, codec Codec, clock xclock.Clock, logger *xlog.Logger, emitter *Emitter, mws []Middleware) (*Channel, error) {
	if tr == nil {
		return nil, ErrNoTransportConfigured
	}
	if codec == nil {
		codec = JSONCodec{}
	}
	if clock == nil {
		clock = xclock.Default()
	}
	if logger == nil {
		logger = xlog.Default()
	}
	if emitter == nil {
		emitter = NewEmitter()
	}

	c := &Channel{
		cfg:         cfg,
		transport:   tr,
		codec:       codec,
		clock:       clock,
		logger:      logger,
		emitter:     emitter,
		scheduler:   NewTimeoutScheduler(clock),
		limiter:     NewSlidingWindowLimiter(cfg.RateLimitPerSecond, time.Second, clock),
		middlewares: mws,
		selfKey:     newKey(),
		pendings:    make(map[string]*pendingCorrelation),
		subs:        make(map[string]subscription),
		readyCh:     make(chan struct{}),
		destroyCh:   make(chan struct{}),
		metrics:     &channelMetrics{},
	}

	if err := tr.SetupListener(c.handleRaw); err != nil {
		return nil, err
	}
	c.sendHandshake(context.Background())
	return c, nil
}

// SelfKey returns this endpoint's identity token, generated at construction.
func (c *Channel) SelfKey() string { return c.selfKey }

// PeerKey returns the remote identity adopted during the handshake, or empty
// while unpaired.
func (c *Channel) PeerKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerKey
}

// Ready reports whether pairing has completed.
func (c *Channel) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// State returns the pairing lifecycle state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.destroyed:
		return StateDestroyed
	case c.ready:
		return StatePaired
	default:
		return StateAwaitingPeer
	}
}

// Emitter exposes the lifecycle emitter for observability hooks.
func (c *Channel) Emitter() *Emitter { return c.emitter }

// nextRequestID allocates selfKey plus a counter that never resets while the
// channel is alive.
func (c *Channel) nextRequestID() string {
	return c.selfKey + "-" + strconv.FormatUint(c.reqSeq.Add(1), 10)
}

func (c *Channel) nowMs() int64 { return c.clock.Now().UnixMilli() }

// destroyedErr is the structured failure for operations attempted after
// Destroy. Pending correlations settled by Destroy itself get the plain
// sentinel instead; both match errors.Is(err, ErrConnectionDestroyed).
func (c *Channel) destroyedErr() error {
	return &Error{
		Code:    CodeConnectionDestroyed,
		Message: "channel destroyed",
		Channel: c.selfKey,
		Time:    c.nowMs(),
	}
}

// PublishOption tunes one publish call.
type PublishOption func(*publishOptions)

type publishOptions struct {
	timeout time.Duration
	hints   any
}

// WithTimeout overrides the channel's default request deadline for one call.
func WithTimeout(d time.Duration) PublishOption {
	return func(o *publishOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithTransferHints passes side-channel transfer options to the transport.
func WithTransferHints(hints any) PublishOption {
	return func(o *publishOptions) { o.hints = hints }
}

// Publish sends a request to the peer and blocks until the correlated
// response arrives, the deadline elapses, or ctx expires. A deadline elapse
// resolves with a synthetic envelope carrying RetTimeout and a nil error;
// callers distinguish outcomes by the return code, never by an error.
//
// Publishes issued before pairing completes are queued and transmitted in
// FIFO order once the handshake lands.
func (c *Channel) Publish(ctx context.Context, cmd string, data map[string]any, opts ...PublishOption) (*Envelope, error) {
	po := publishOptions{timeout: c.cfg.RequestTimeout}
	for _, o := range opts {
		if o != nil {
			o(&po)
		}
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return nil, c.destroyedErr()
	}

	env := &Envelope{
		RequestID: c.nextRequestID(),
		Cmd:       cmd,
		Data:      data,
		Time:      c.nowMs(),
		SenderKey: c.selfKey,
	}
	encoded, err := c.codec.Marshal(env)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if c.cfg.MaxMessageSize > 0 && len(encoded) > c.cfg.MaxMessageSize {
		c.mu.Unlock()
		return nil, &Error{
			Code:    CodeMessageSizeExceeded,
			Message: "encoded envelope exceeds max message size",
			Channel: c.selfKey,
			Time:    env.Time,
		}
	}

	p := &pendingCorrelation{id: env.RequestID, cmd: cmd, done: make(chan pendingResult, 1)}
	c.pendings[env.RequestID] = p
	c.metrics.published.Add(1)

	if !c.ready {
		c.queue = append(c.queue, queuedTask{env: env, encoded: encoded, timeout: po.timeout, hints: po.hints})
		c.metrics.queued.Add(1)
		c.mu.Unlock()
	} else {
		c.mu.Unlock()
		c.transmit(ctx, env, encoded, po.timeout, po.hints)
	}

	select {
	case res := <-p.done:
		return res.env, res.err
	case <-ctx.Done():
		c.forgetPending(env.RequestID)
		return nil, ctx.Err()
	}
}

// transmit arms the deadline, consults the rate limiter, and hands the
// envelope to the transport. Transport failures are logged and surfaced as
// events, never propagated: absent a response the request times out.
func (c *Channel) transmit(ctx context.Context, env *Envelope, encoded []byte, timeout time.Duration, hints any) {
	id, cmd := env.RequestID, env.Cmd
	c.scheduler.Add(id, timeout, func() { c.onDeadline(id, cmd) })

	if !c.limiter.TryAcquire() {
		c.metrics.rateLimited.Add(1)
		c.logger.Warn().
			Str("channel", c.selfKey).
			Str("cmdname", cmd).
			Msg("xlink: outbound send dropped by rate limiter")
		c.emitter.Emit(LifecycleEvent{
			Type:      EventRateLimited,
			Channel:   c.selfKey,
			RequestID: id,
			Cmd:       cmd,
			Err:       ErrRateLimitExceeded,
			Time:      c.clock.Now(),
		})
		return
	}

	if err := c.transport.SendRaw(ctx, encoded, hints); err != nil {
		c.metrics.sendErrors.Add(1)
		c.logger.Warn().
			Str("channel", c.selfKey).
			Str("cmdname", cmd).
			Err(err).
			Msg("xlink: transport send failed")
		c.emitter.Emit(LifecycleEvent{
			Type:      EventError,
			Channel:   c.selfKey,
			RequestID: id,
			Cmd:       cmd,
			Err:       &Error{Code: CodeTransmissionFailed, Message: err.Error(), Channel: c.selfKey, Time: c.nowMs()},
			Time:      c.clock.Now(),
		})
	}
}

// onDeadline resolves a still-outstanding correlation with the synthetic
// timeout envelope.
func (c *Channel) onDeadline(id, cmd string) {
	c.mu.Lock()
	p, ok := c.pendings[id]
	if ok {
		delete(c.pendings, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	c.metrics.timeouts.Add(1)
	c.emitter.Emit(LifecycleEvent{
		Type:      EventTimeout,
		Channel:   c.selfKey,
		RequestID: id,
		Cmd:       cmd,
		Time:      c.clock.Now(),
	})
	p.done <- pendingResult{env: &Envelope{
		RequestID: id,
		Cmd:       cmd,
		Ret:       RetOf(RetTimeout),
		Msg:       "request timed out",
		Time:      c.nowMs(),
	}}
}

// resolvePending settles a correlation with a genuine response.
func (c *Channel) resolvePending(env *Envelope) bool {
	c.mu.Lock()
	p, ok := c.pendings[env.RequestID]
	if ok {
		delete(c.pendings, env.RequestID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	c.scheduler.Remove(env.RequestID)
	p.done <- pendingResult{env: env}
	return true
}

// forgetPending drops bookkeeping for an abandoned request (ctx expiry).
func (c *Channel) forgetPending(id string) {
	c.mu.Lock()
	delete(c.pendings, id)
	c.mu.Unlock()
	c.scheduler.Remove(id)
}

// Broadcast sends a one-way fan-out envelope that expects no reply.
func (c *Channel) Broadcast(ctx context.Context, cmd string, data map[string]any) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return c.destroyedErr()
	}
	c.mu.Unlock()

	env := &Envelope{
		Cmd:       cmd,
		Data:      data,
		Time:      c.nowMs(),
		SenderKey: c.selfKey,
		Broadcast: true,
	}
	encoded, err := c.codec.Marshal(env)
	if err != nil {
		return err
	}
	if c.cfg.MaxMessageSize > 0 && len(encoded) > c.cfg.MaxMessageSize {
		return &Error{
			Code:    CodeMessageSizeExceeded,
			Message: "encoded envelope exceeds max message size",
			Channel: c.selfKey,
			Time:    env.Time,
		}
	}
	if !c.limiter.TryAcquire() {
		c.metrics.rateLimited.Add(1)
		c.emitter.Emit(LifecycleEvent{
			Type:    EventRateLimited,
			Channel: c.selfKey,
			Cmd:     cmd,
			Err:     ErrRateLimitExceeded,
			Time:    c.clock.Now(),
		})
		return &Error{Code: CodeRateLimitExceeded, Message: "broadcast dropped by rate limiter", Channel: c.selfKey, Time: env.Time}
	}

	c.metrics.broadcasts.Add(1)
	if err := c.transport.SendRaw(ctx, encoded, nil); err != nil {
		c.metrics.sendErrors.Add(1)
		return &Error{Code: CodeTransmissionFailed, Message: err.Error(), Channel: c.selfKey, Time: c.nowMs()}
	}
	return nil
}

// Subscribe registers handler for cmd. Re-subscribing an already-registered
// command overwrites the previous handler and emits a warning. Chainable.
func (c *Channel) Subscribe(cmd string, handler Handler) *Channel {
	return c.subscribe(cmd, handler, false)
}

// SubscribeOnce registers a handler that is removed before its first
// invocation's outcome is observed, guaranteeing exactly one invocation even
// if the handler itself fails.
func (c *Channel) SubscribeOnce(cmd string, handler Handler) *Channel {
	return c.subscribe(cmd, handler, true)
}

func (c *Channel) subscribe(cmd string, handler Handler, once bool) *Channel {
	if cmd == "" || handler == nil {
		return c
	}
	wrapped := Chain(RecoveryMiddleware()(handler), c.middlewares...)

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return c
	}
	_, overwrite := c.subs[cmd]
	c.subs[cmd] = subscription{handler: wrapped, once: once}
	c.mu.Unlock()

	if overwrite {
		c.logger.Warn().
			Str("channel", c.selfKey).
			Str("cmdname", cmd).
			Msg("xlink: subscription overwritten")
		c.emitter.Emit(LifecycleEvent{
			Type:    EventWarning,
			Channel: c.selfKey,
			Cmd:     cmd,
			Msg:     "subscription overwritten",
			Time:    c.clock.Now(),
		})
	}
	return c
}

// Unsubscribe removes the handler for cmd; no-op if absent. Chainable.
func (c *Channel) Unsubscribe(cmd string) *Channel {
	c.mu.Lock()
	delete(c.subs, cmd)
	c.mu.Unlock()
	return c
}

// WaitReady blocks until pairing completes, the channel is destroyed, or ctx
// expires.
func (c *Channel) WaitReady(ctx context.Context) error {
	select {
	case <-c.readyCh:
		return nil
	case <-c.destroyCh:
		return c.destroyedErr()
	case <-ctx.Done():
		return &Error{
			Code:    CodeConnectionTimeout,
			Message: "pairing did not complete: " + ctx.Err().Error(),
			Channel: c.selfKey,
			Time:    c.nowMs(),
		}
	}
}

// Stats returns a telemetry snapshot.
func (c *Channel) Stats() ChannelStats {
	c.mu.Lock()
	pending, queued, subs := len(c.pendings), len(c.queue), len(c.subs)
	c.mu.Unlock()
	return ChannelStats{
		Published:     c.metrics.published.Load(),
		Queued:        c.metrics.queued.Load(),
		Received:      c.metrics.received.Load(),
		Timeouts:      c.metrics.timeouts.Load(),
		RateLimited:   c.metrics.rateLimited.Load(),
		Rejected:      c.metrics.rejected.Load(),
		SendErrors:    c.metrics.sendErrors.Load(),
		Broadcasts:    c.metrics.broadcasts.Load(),
		Pending:       pending,
		QueuedTasks:   queued,
		Subscriptions: subs,
	}
}

// Destroy tears the channel down. Idempotent. Before it returns, every
// pending correlation is settled with ErrConnectionDestroyed, every queued
// task and subscription is discarded, the scheduler and limiter drop their
// state, and the transport listener is released. Nothing fires after Destroy
// from the caller's point of view.
func (c *Channel) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	pendings := c.pendings
	c.pendings = make(map[string]*pendingCorrelation)
	c.queue = nil
	c.subs = make(map[string]subscription)
	c.ready = false
	c.peerKey = ""
	close(c.destroyCh)
	c.mu.Unlock()

	c.emitter.Emit(LifecycleEvent{
		Type:    EventDestroy,
		Channel: c.selfKey,
		Time:    c.clock.Now(),
	})

	for _, p := range pendings {
		p.done <- pendingResult{err: ErrConnectionDestroyed}
	}

	c.scheduler.Destroy()
	c.limiter.Reset()
	c.emitter.Destroy()

	if err := c.transport.TeardownListener(); err != nil {
		c.logger.Warn().
			Str("channel", c.selfKey).
			Err(err).
			Msg("xlink: transport teardown failed")
	}
}
