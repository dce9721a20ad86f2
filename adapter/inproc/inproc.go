package inproc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/xlink"
)

const TransportName = "inproc"

func init() {
	if err := xlink.RegisterTransport(TransportName, func(cfg map[string]any) (xlink.Transport, error) {
		host, _ := cfg["host"].(*Host)
		if host == nil {
			return nil, errors.New("inproc: config key \"host\" must hold a *inproc.Host")
		}
		id, _ := cfg["endpoint_id"].(string)
		if id == "" {
			return nil, errors.New("inproc: config key \"endpoint_id\" must be a non-empty string")
		}
		return host.Connect(id, ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xlink/inproc: failed to register transport: %w", err))
	}
}

// Config controls in-process transport behavior.
type Config struct {
	// BufferSize is the per-endpoint inbox size (default: 256). A full inbox
	// drops the newest frame rather than blocking the sender.
	BufferSize int
}

func ConfigFromMap(cfg map[string]any) Config {
	size := 256
	switch v := cfg["buffer_size"].(type) {
	case int:
		size = v
	case int64:
		size = int(v)
	case float64:
		size = int(v)
	}
	if size < 1 {
		size = 256
	}
	return Config{BufferSize: size}
}

// Transport is one end of an in-process duplex link. Frames written by the
// far side land in a bounded inbox drained by a single pump goroutine, so
// handlers that reply synchronously never deadlock the sender.
//
// Not suitable for production but excellent for local development and tests.
type Transport struct {
	senderID string
	inbox    chan []byte
	send     func(ctx context.Context, data []byte) error

	mu    sync.Mutex
	onRaw func(xlink.RawInbound)
	stop  chan struct{}

	closed  atomic.Bool
	dropped atomic.Uint64
}

var _ xlink.Transport = (*Transport)(nil)

// Pair creates two directly linked endpoints, each one's sends feeding the
// other's inbox. The zero Config applies defaults.
func Pair(cfg Config) (*Transport, *Transport) {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 256
	}
	a := &Transport{inbox: make(chan []byte, cfg.BufferSize)}
	b := &Transport{inbox: make(chan []byte, cfg.BufferSize)}
	a.send = func(_ context.Context, data []byte) error { return b.accept(data) }
	b.send = func(_ context.Context, data []byte) error { return a.accept(data) }
	return a, b
}

// accept enqueues an inbound frame, dropping it if the inbox is full or the
// endpoint is closed.
func (t *Transport) accept(data []byte) error {
	if t.closed.Load() {
		return errors.New("inproc: endpoint closed")
	}
	select {
	case t.inbox <- data:
		return nil
	default:
		t.dropped.Add(1)
		return nil
	}
}

// SetupListener starts the inbox pump.
func (t *Transport) SetupListener(onRaw func(xlink.RawInbound)) error {
	if t.closed.Load() {
		return errors.New("inproc: endpoint closed")
	}
	t.mu.Lock()
	if t.stop != nil {
		t.mu.Unlock()
		return errors.New("inproc: listener already bound")
	}
	t.onRaw = onRaw
	stop := make(chan struct{})
	t.stop = stop
	t.mu.Unlock()

	go t.pump(stop)
	return nil
}

func (t *Transport) pump(stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case data := <-t.inbox:
			t.mu.Lock()
			fn := t.onRaw
			t.mu.Unlock()
			if fn != nil {
				fn(xlink.RawInbound{Data: data, SenderID: t.senderID, Source: t})
			}
		}
	}
}

// TeardownListener stops the pump. Frames already queued are discarded.
func (t *Transport) TeardownListener() error {
	t.mu.Lock()
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
	t.onRaw = nil
	t.mu.Unlock()
	return nil
}

// SendRaw delivers a frame to the linked far side.
func (t *Transport) SendRaw(ctx context.Context, data []byte, _ any) error {
	if t.closed.Load() {
		return errors.New("inproc: endpoint closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.send(ctx, data)
}

// IsValidSource accepts frames only from this endpoint's own inbox.
func (t *Transport) IsValidSource(raw xlink.RawInbound) bool {
	return raw.Source == t
}

// Dropped reports frames discarded because the inbox was full.
func (t *Transport) Dropped() uint64 { return t.dropped.Load() }

// Close marks the endpoint dead for both directions.
func (t *Transport) Close() {
	if t.closed.Swap(true) {
		return
	}
	_ = t.TeardownListener()
}
