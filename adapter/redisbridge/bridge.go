// Package redisbridge links channels and hubs across processes over Redis
// Pub/Sub. Each endpoint subscribes to its own inbox key and publishes
// framed payloads to the hub key; the hub demultiplexes frames by sender id
// and answers into per-endpoint inboxes. Pub/Sub channel names only exist
// while someone is subscribed, which makes PUBSUB CHANNELS a free
// live-endpoint directory.
package redisbridge

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xlink"
)

const TransportName = "redis"

func init() {
	if err := xlink.RegisterTransport(TransportName, func(cfg map[string]any) (xlink.Transport, error) {
		return NewTransport(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xlink/redisbridge: failed to register transport: %w", err))
	}
}

// wireFrame wraps an envelope with its sender id so the hub can route a
// shared subscription to the right channel.
type wireFrame struct {
	From string          `json:"from"`
	Data json.RawMessage `json:"data"`
}

func newClient(cfg Config) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisbridge: ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Transport is the endpoint side of the bridge: it subscribes to its own
// inbox key and publishes framed payloads to the hub key.
type Transport struct {
	cfg    Config
	client *redis.Client

	mu    sync.Mutex
	onRaw func(xlink.RawInbound)
	sub   *redis.PubSub
	done  chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool

	metrics *bridgeMetrics
}

type bridgeMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	publishErrors atomic.Uint64
	decodeErrors  atomic.Uint64
}

var _ xlink.Transport = (*Transport)(nil)

// NewTransport connects to Redis and wraps it as an endpoint transport.
func NewTransport(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.EndpointID == "" {
		return nil, errors.New("redisbridge: endpoint_id required")
	}
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Transport{cfg: cfg, client: client, metrics: &bridgeMetrics{}}, nil
}

// SetupListener subscribes to this endpoint's inbox. The subscription is the
// endpoint's liveness signal: it is what PUBSUB CHANNELS exposes to the hub.
func (t *Transport) SetupListener(onRaw func(xlink.RawInbound)) error {
	if t.closed.Load() {
		return errors.New("redisbridge: transport closed")
	}
	t.mu.Lock()
	if t.sub != nil {
		t.mu.Unlock()
		return errors.New("redisbridge: listener already bound")
	}
	sub := t.client.Subscribe(context.Background(), t.cfg.inboxKey(t.cfg.EndpointID))
	done := make(chan struct{})
	t.onRaw = onRaw
	t.sub = sub
	t.done = done
	t.mu.Unlock()

	go func() {
		defer close(done)
		for msg := range sub.Channel() {
			t.mu.Lock()
			fn := t.onRaw
			t.mu.Unlock()
			if fn != nil {
				fn(xlink.RawInbound{Data: []byte(msg.Payload), Source: t})
			}
			t.metrics.consumed.Add(1)
		}
	}()
	return nil
}

// TeardownListener unsubscribes the inbox, removing this endpoint from the
// live directory, and closes the client.
func (t *Transport) TeardownListener() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.mu.Lock()
		sub, done := t.sub, t.done
		t.sub, t.done, t.onRaw = nil, nil, nil
		t.mu.Unlock()

		if sub != nil {
			err = sub.Close()
			<-done
		}
		if cerr := t.client.Close(); err == nil {
			err = cerr
		}
	})
	return err
}

// SendRaw frames the payload with this endpoint's id and publishes it to the
// hub key.
func (t *Transport) SendRaw(ctx context.Context, data []byte, _ any) error {
	if t.closed.Load() {
		return errors.New("redisbridge: transport closed")
	}
	frame, err := json.Marshal(wireFrame{From: t.cfg.EndpointID, Data: data})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, t.cfg.PublishTimeout)
	defer cancel()
	if err := t.client.Publish(ctx, t.cfg.hubKey(), frame).Err(); err != nil {
		t.metrics.publishErrors.Add(1)
		return fmt.Errorf("redisbridge: publish: %w", err)
	}
	t.metrics.published.Add(1)
	return nil
}

// IsValidSource accepts payloads read from this endpoint's own inbox.
func (t *Transport) IsValidSource(raw xlink.RawInbound) bool {
	return raw.Source == t
}

// Host is the hub side of the bridge: one shared subscription on the hub key
// demultiplexed by sender id, with the Pub/Sub channel list serving as the
// live-endpoint directory.
type Host struct {
	cfg    Config
	client *redis.Client

	mu    sync.Mutex
	route func(xlink.RawInbound)
	sub   *redis.PubSub
	done  chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool

	metrics *bridgeMetrics
}

var _ xlink.HostAdapter = (*Host)(nil)

// NewHost connects to Redis and wraps it as a hub host adapter.
func NewHost(cfg Config) (*Host, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Host{cfg: cfg, client: client, metrics: &bridgeMetrics{}}, nil
}

// Route binds the shared inbound router. Typically hub.DispatchRaw.
func (h *Host) Route(fn func(xlink.RawInbound)) {
	h.mu.Lock()
	h.route = fn
	h.mu.Unlock()
}

// Start subscribes to the hub key and pumps decoded frames into the router
// until Close.
func (h *Host) Start(ctx context.Context) error {
	if h.closed.Load() {
		return errors.New("redisbridge: host closed")
	}
	h.mu.Lock()
	if h.sub != nil {
		h.mu.Unlock()
		return errors.New("redisbridge: host already started")
	}
	sub := h.client.Subscribe(ctx, h.cfg.hubKey())
	done := make(chan struct{})
	h.sub = sub
	h.done = done
	h.mu.Unlock()

	go func() {
		defer close(done)
		for msg := range sub.Channel() {
			var frame wireFrame
			if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil || frame.From == "" {
				h.metrics.decodeErrors.Add(1)
				continue
			}
			h.mu.Lock()
			fn := h.route
			h.mu.Unlock()
			if fn != nil {
				fn(xlink.RawInbound{Data: frame.Data, SenderID: frame.From, Source: h})
			}
			h.metrics.consumed.Add(1)
		}
	}()
	return nil
}

// EnumerateLiveEndpoints lists endpoint ids with an active inbox
// subscription via PUBSUB CHANNELS.
func (h *Host) EnumerateLiveEndpoints(ctx context.Context) ([]string, error) {
	names, err := h.client.PubSubChannels(ctx, h.cfg.inboxPattern()).Result()
	if err != nil {
		return nil, fmt.Errorf("redisbridge: pubsub channels: %w", err)
	}
	prefix := h.cfg.inboxKey("")
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, strings.TrimPrefix(n, prefix))
	}
	return out, nil
}

// Send publishes a payload into one endpoint's inbox.
func (h *Host) Send(ctx context.Context, id string, data []byte) error {
	if h.closed.Load() {
		return errors.New("redisbridge: host closed")
	}
	ctx, cancel := context.WithTimeout(ctx, h.cfg.PublishTimeout)
	defer cancel()
	if err := h.client.Publish(ctx, h.cfg.inboxKey(id), data).Err(); err != nil {
		h.metrics.publishErrors.Add(1)
		return fmt.Errorf("redisbridge: publish: %w", err)
	}
	h.metrics.published.Add(1)
	return nil
}

// Close stops the pump and releases the client.
func (h *Host) Close() error {
	var err error
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.mu.Lock()
		sub, done := h.sub, h.done
		h.sub, h.done, h.route = nil, nil, nil
		h.mu.Unlock()

		if sub != nil {
			err = sub.Close()
			<-done
		}
		if cerr := h.client.Close(); err == nil {
			err = cerr
		}
	})
	return err
}
