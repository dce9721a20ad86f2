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

// Reserved command names routed by the hub itself.
const (
	// CmdRegister is the registration handshake a remote endpoint publishes
	// to declare its metadata.
	CmdRegister = "__register__"
	// CmdActivated is the restart-recovery broadcast pushed to every live
	// endpoint when the hub's host is (re)activated, so remotes can detect
	// that the hub's in-memory registry was wiped and re-register.
	CmdActivated = "__sw-activated__"
)

// ClientMeta is the declared metadata of one registered remote endpoint.
type ClientMeta struct {
	EndpointID  string
	AppType     string
	AppName     string
	ConnectedAt time.Time
}

// GlobalHandler processes a request from any registered endpoint. The
// originating endpoint travels both as an explicit argument and inside ctx
// (EndpointFromContext).
type GlobalHandler func(ctx context.Context, from EndpointInfo, env *Envelope) (any, error)

// HubConfig tunes the hub and the channels it creates.
type HubConfig struct {
	// Channel is the per-endpoint channel tuning surface.
	Channel ChannelConfig
	// CleanupInterval is the period of the liveness sweep; 0 disables it.
	CleanupInterval time.Duration
}

// DefaultHubConfig returns the production defaults.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		Channel:         DefaultChannelConfig(),
		CleanupInterval: 30 * time.Second,
	}
}

type hubMetrics struct {
	registered   atomic.Uint64
	disconnected atomic.Uint64
	routed       atomic.Uint64
	unknown      atomic.Uint64
	broadcasts   atomic.Uint64
	cleanups     atomic.Uint64
}

// HubStats is a point-in-time telemetry snapshot.
type HubStats struct {
	Registered   uint64
	Disconnected uint64
	Routed       uint64
	Unknown      uint64
	Broadcasts   uint64
	Cleanups     uint64

	Endpoints int
	Clients   int
}

// Hub manages many Channel instances keyed by remote-endpoint id behind one
// shared inbound listener. It owns the endpoint and metadata registries, the
// global subscription table, cross-endpoint broadcast, and the periodic
// liveness sweep. All registries are per-instance: independent hubs never
// share state.
type Hub struct {
	cfg    HubConfig
	host   HostAdapter
	codec  Codec
	clock  xclock.Clock
	logger *xlog.Logger

	observers []Observer

	mu       sync.Mutex
	channels map[string]*Channel
	metas    map[string]*ClientMeta
	globals  map[string]GlobalHandler
	closed   bool

	onConnect    func(meta ClientMeta)
	onDisconnect func(endpointID string)
	onUnknown    func(endpointID string)

	stop    chan struct{}
	wg      sync.WaitGroup
	metrics *hubMetrics
}

// hubTransport binds one hub-managed channel to the host's per-endpoint send
// primitive. Inbound delivery happens by hub routing, not a per-channel
// listener. Outbound frames are held back until the hub has stored the
// channel in its registry, so a synchronously answering endpoint can never
// re-enter DispatchRaw before the lookup would find it.
type hubTransport struct {
	hub        *Hub
	endpointID string

	mu      sync.Mutex
	onRaw   func(RawInbound)
	armed   bool
	backlog [][]byte
}

func (t *hubTransport) SetupListener(onRaw func(RawInbound)) error {
	t.mu.Lock()
	t.onRaw = onRaw
	t.mu.Unlock()
	return nil
}

func (t *hubTransport) TeardownListener() error {
	t.mu.Lock()
	t.onRaw = nil
	t.backlog = nil
	t.mu.Unlock()
	return nil
}

func (t *hubTransport) SendRaw(ctx context.Context, data []byte, _ any) error {
	t.mu.Lock()
	if !t.armed {
		t.backlog = append(t.backlog, data)
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	return t.hub.host.Send(ctx, t.endpointID, data)
}

// arm releases held outbound frames in send order.
func (t *hubTransport) arm(ctx context.Context) {
	t.mu.Lock()
	t.armed = true
	backlog := t.backlog
	t.backlog = nil
	t.mu.Unlock()
	for _, data := range backlog {
		if err := t.hub.host.Send(ctx, t.endpointID, data); err != nil {
			t.hub.logger.Warn().
				Str("endpoint", t.endpointID).
				Err(err).
				Msg("xlink: held frame send failed")
		}
	}
}

// IsValidSource accepts only envelopes the hub attributed to this endpoint.
func (t *hubTransport) IsValidSource(raw RawInbound) bool {
	return raw.SenderID == "" || raw.SenderID == t.endpointID
}

func (t *hubTransport) deliver(raw RawInbound) {
	t.mu.Lock()
	fn := t.onRaw
	t.mu.Unlock()
	if fn != nil {
		fn(raw)
	}
}

// Register creates (or returns) the channel for a remote endpoint, installing
// the reserved registration handler and every global subscription.
func (h *Hub) Register(endpointID string) (*Channel, error) {
	if endpointID == "" {
		return nil, &Error{Code: CodeInvalidMessage, Message: "empty endpoint id", Time: h.clock.Now().UnixMilli()}
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrConnectionDestroyed
	}
	if ch, ok := h.channels[endpointID]; ok {
		h.mu.Unlock()
		return ch, nil
	}
	globals := make(map[string]GlobalHandler, len(h.globals))
	for cmd, fn := range h.globals {
		globals[cmd] = fn
	}
	h.mu.Unlock()

	emitter := NewEmitter()
	emitter.AddObserver(LoggingObserver{Logger: h.logger})
	for _, o := range h.observers {
		emitter.AddObserver(o)
	}

	tr := &hubTransport{hub: h, endpointID: endpointID}
	ch, err := newChannel(h.cfg.Channel, tr, h.codec, h.clock, h.logger, emitter, nil)
	if err != nil {
		return nil, err
	}

	ch.Subscribe(CmdRegister, h.registerHandler(endpointID))
	for cmd, fn := range globals {
		ch.Subscribe(cmd, h.wrapGlobal(endpointID, fn))
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		ch.Destroy()
		return nil, ErrConnectionDestroyed
	}
	if existing, ok := h.channels[endpointID]; ok {
		// Lost a construction race; keep the first.
		h.mu.Unlock()
		ch.Destroy()
		return existing, nil
	}
	h.channels[endpointID] = ch
	h.mu.Unlock()

	tr.arm(context.Background())
	h.metrics.registered.Add(1)
	h.logger.Debug().Str("endpoint", endpointID).Msg("xlink: endpoint channel registered")
	return ch, nil
}

// registerHandler stores ClientMeta, fires the connect callback, and replies
// with the current total endpoint count.
func (h *Hub) registerHandler(endpointID string) Handler {
	return func(ctx context.Context, env *Envelope) (any, error) {
		meta := &ClientMeta{
			EndpointID:  endpointID,
			ConnectedAt: h.clock.Now(),
		}
		if v, ok := env.Data["appType"].(string); ok {
			meta.AppType = v
		}
		if v, ok := env.Data["appName"].(string); ok {
			meta.AppName = v
		}

		h.mu.Lock()
		h.metas[endpointID] = meta
		total := len(h.metas)
		onConnect := h.onConnect
		h.mu.Unlock()

		if onConnect != nil {
			onConnect(*meta)
		}
		h.logger.Info().
			Str("endpoint", endpointID).
			Str("app_type", meta.AppType).
			Str("app_name", meta.AppName).
			Msg("xlink: client registered")

		return map[string]any{"totalClients": total}, nil
	}
}

func (h *Hub) wrapGlobal(endpointID string, fn GlobalHandler) Handler {
	return func(ctx context.Context, env *Envelope) (any, error) {
		info := EndpointInfo{EndpointID: endpointID, Meta: h.metaOf(endpointID)}
		return fn(injectEndpoint(ctx, info), info, env)
	}
}

func (h *Hub) metaOf(endpointID string) *ClientMeta {
	h.mu.Lock()
	defer h.mu.Unlock()
	if m, ok := h.metas[endpointID]; ok {
		cp := *m
		return &cp
	}
	return nil
}

// SubscribeAll installs a shared handler on every currently live channel and
// on every channel created afterwards.
func (h *Hub) SubscribeAll(cmd string, fn GlobalHandler) *Hub {
	if cmd == "" || fn == nil {
		return h
	}
	h.mu.Lock()
	h.globals[cmd] = fn
	channels := make(map[string]*Channel, len(h.channels))
	for id, ch := range h.channels {
		channels[id] = ch
	}
	h.mu.Unlock()

	for id, ch := range channels {
		ch.Subscribe(cmd, h.wrapGlobal(id, fn))
	}
	return h
}

// UnsubscribeAll removes a shared handler from the table and from every live
// channel.
func (h *Hub) UnsubscribeAll(cmd string) *Hub {
	h.mu.Lock()
	delete(h.globals, cmd)
	channels := make([]*Channel, 0, len(h.channels))
	for _, ch := range h.channels {
		channels = append(channels, ch)
	}
	h.mu.Unlock()

	for _, ch := range channels {
		ch.Unsubscribe(cmd)
	}
	return h
}

// DispatchRaw is the shared inbound router: one physical listener feeds every
// channel, demultiplexed by sender endpoint id. Unknown senders trigger the
// optional recovery callback, which may lazily Register the endpoint: this is
// the path that heals a hub restart that wiped the in-memory registry while
// remote endpoints still believe they are connected.
func (h *Hub) DispatchRaw(raw RawInbound) {
	if raw.SenderID == "" {
		h.logger.Debug().Msg("xlink: inbound without sender id dropped")
		return
	}

	h.mu.Lock()
	ch, ok := h.channels[raw.SenderID]
	onUnknown := h.onUnknown
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return
	}

	if !ok {
		h.metrics.unknown.Add(1)
		if onUnknown == nil {
			h.logger.Debug().Str("endpoint", raw.SenderID).Msg("xlink: inbound from unknown endpoint dropped")
			return
		}
		onUnknown(raw.SenderID)
		h.mu.Lock()
		ch, ok = h.channels[raw.SenderID]
		h.mu.Unlock()
		if !ok {
			return
		}
	}

	h.metrics.routed.Add(1)
	if tr, isHub := ch.transport.(*hubTransport); isHub {
		tr.deliver(raw)
	}
}

// BroadcastToAll fans an event out to every live, registered endpoint except
// excludeID, enumerating the host's live directory rather than the hub's own
// registry so stale entries are never targeted. Individual send failures are
// logged and skipped, never aborting the loop. Returns the count of
// successful sends.
func (h *Hub) BroadcastToAll(ctx context.Context, event string, data map[string]any, excludeID string) int {
	live, err := h.host.EnumerateLiveEndpoints(ctx)
	if err != nil {
		h.logger.Warn().Err(err).Msg("xlink: live endpoint enumeration failed")
		return 0
	}

	count := 0
	for _, id := range live {
		if id == excludeID {
			continue
		}
		h.mu.Lock()
		ch := h.channels[id]
		h.mu.Unlock()
		if ch == nil {
			continue
		}
		if err := ch.Broadcast(ctx, event, data); err != nil {
			h.logger.Warn().
				Str("endpoint", id).
				Str("event", event).
				Err(err).
				Msg("xlink: broadcast send failed")
			continue
		}
		count++
	}
	h.metrics.broadcasts.Add(1)
	return count
}

// BroadcastToType behaves like BroadcastToAll but only targets endpoints
// whose registered ClientMeta declares the given app type.
func (h *Hub) BroadcastToType(ctx context.Context, appType, event string, data map[string]any) int {
	live, err := h.host.EnumerateLiveEndpoints(ctx)
	if err != nil {
		h.logger.Warn().Err(err).Msg("xlink: live endpoint enumeration failed")
		return 0
	}

	count := 0
	for _, id := range live {
		h.mu.Lock()
		ch := h.channels[id]
		meta := h.metas[id]
		h.mu.Unlock()
		if ch == nil || meta == nil || meta.AppType != appType {
			continue
		}
		if err := ch.Broadcast(ctx, event, data); err != nil {
			h.logger.Warn().
				Str("endpoint", id).
				Str("event", event).
				Err(err).
				Msg("xlink: broadcast send failed")
			continue
		}
		count++
	}
	h.metrics.broadcasts.Add(1)
	return count
}

// NotifyActivated pushes the restart-recovery broadcast to every currently
// live endpoint, registered or not, so remote peers can re-run their
// registration handshake. Returns the count of successful pushes.
func (h *Hub) NotifyActivated(ctx context.Context) int {
	live, err := h.host.EnumerateLiveEndpoints(ctx)
	if err != nil {
		h.logger.Warn().Err(err).Msg("xlink: live endpoint enumeration failed")
		return 0
	}

	env := &Envelope{
		Cmd:       CmdActivated,
		Broadcast: true,
		Time:      h.clock.Now().UnixMilli(),
	}
	encoded, err := h.codec.Marshal(env)
	if err != nil {
		h.logger.Warn().Err(err).Msg("xlink: activation envelope encode failed")
		return 0
	}

	count := 0
	for _, id := range live {
		if err := h.host.Send(ctx, id, encoded); err != nil {
			h.logger.Warn().Str("endpoint", id).Err(err).Msg("xlink: activation push failed")
			continue
		}
		count++
	}
	return count
}

// CleanupNow diffs the registry against the host's live directory and
// destroys every registered endpoint that is no longer live. Returns the
// number of endpoints removed.
func (h *Hub) CleanupNow(ctx context.Context) int {
	live, err := h.host.EnumerateLiveEndpoints(ctx)
	if err != nil {
		h.logger.Warn().Err(err).Msg("xlink: live endpoint enumeration failed")
		return 0
	}
	alive := make(map[string]struct{}, len(live))
	for _, id := range live {
		alive[id] = struct{}{}
	}

	h.mu.Lock()
	var stale []string
	for id := range h.channels {
		if _, ok := alive[id]; !ok {
			stale = append(stale, id)
		}
	}
	h.mu.Unlock()

	for _, id := range stale {
		h.Disconnect(id)
	}
	if len(stale) > 0 {
		h.metrics.cleanups.Add(1)
	}
	return len(stale)
}

// Disconnect destroys and forgets one endpoint, firing the disconnect
// callback.
func (h *Hub) Disconnect(endpointID string) {
	h.mu.Lock()
	ch, ok := h.channels[endpointID]
	delete(h.channels, endpointID)
	delete(h.metas, endpointID)
	onDisconnect := h.onDisconnect
	h.mu.Unlock()
	if !ok {
		return
	}

	ch.Destroy()
	h.metrics.disconnected.Add(1)
	h.logger.Info().Str("endpoint", endpointID).Msg("xlink: endpoint disconnected")
	if onDisconnect != nil {
		onDisconnect(endpointID)
	}
}

// Channel returns the live channel for an endpoint, if registered.
func (h *Hub) Channel(endpointID string) (*Channel, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[endpointID]
	return ch, ok
}

// Clients returns a snapshot of every registered ClientMeta.
func (h *Hub) Clients() []ClientMeta {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ClientMeta, 0, len(h.metas))
	for _, m := range h.metas {
		out = append(out, *m)
	}
	return out
}

// Stats returns a telemetry snapshot.
func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	endpoints, clients := len(h.channels), len(h.metas)
	h.mu.Unlock()
	return HubStats{
		Registered:   h.metrics.registered.Load(),
		Disconnected: h.metrics.disconnected.Load(),
		Routed:       h.metrics.routed.Load(),
		Unknown:      h.metrics.unknown.Load(),
		Broadcasts:   h.metrics.broadcasts.Load(),
		Cleanups:     h.metrics.cleanups.Load(),
		Endpoints:    endpoints,
		Clients:      clients,
	}
}

// Close stops the cleanup loop and destroys every channel. Idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	channels := make([]*Channel, 0, len(h.channels))
	for _, ch := range h.channels {
		channels = append(channels, ch)
	}
	h.channels = make(map[string]*Channel)
	h.metas = make(map[string]*ClientMeta)
	close(h.stop)
	h.mu.Unlock()

	for _, ch := range channels {
		ch.Destroy()
	}
	h.wg.Wait()
}

func (h *Hub) cleanupLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), h.cfg.CleanupInterval)
			n := h.CleanupNow(ctx)
			cancel()
			if n > 0 {
				h.logger.Debug().Str("removed", strconv.Itoa(n)).Msg("xlink: liveness sweep removed stale endpoints")
			}
		}
	}
}
