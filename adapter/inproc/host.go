package inproc

import (
	"context"
	"fmt"
	"sync"

	"github.com/trickstertwo/xlink"
)

// Host is an in-process live-endpoint directory for a hub. Each Connect
// creates an endpoint Transport whose outbound frames are routed to the hub's
// shared inbound router tagged with the endpoint id, while Send pushes frames
// back into that endpoint's inbox.
type Host struct {
	mu    sync.Mutex
	ports map[string]*Transport
	route func(xlink.RawInbound)
}

var _ xlink.HostAdapter = (*Host)(nil)

// NewHost creates an empty directory.
func NewHost() *Host {
	return &Host{ports: make(map[string]*Transport)}
}

// Route binds the hub's shared inbound router. Typically hub.DispatchRaw.
func (h *Host) Route(fn func(xlink.RawInbound)) {
	h.mu.Lock()
	h.route = fn
	h.mu.Unlock()
}

// Connect registers an endpoint and returns the transport its channel should
// use. Reconnecting an already-live id replaces the previous port.
func (h *Host) Connect(id string, cfg Config) (*Transport, error) {
	if id == "" {
		return nil, fmt.Errorf("inproc: empty endpoint id")
	}
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 256
	}

	t := &Transport{
		senderID: id,
		inbox:    make(chan []byte, cfg.BufferSize),
	}
	t.send = func(_ context.Context, data []byte) error {
		h.mu.Lock()
		fn := h.route
		h.mu.Unlock()
		if fn == nil {
			return fmt.Errorf("inproc: host has no inbound route")
		}
		fn(xlink.RawInbound{Data: data, SenderID: id, Source: h})
		return nil
	}

	h.mu.Lock()
	old := h.ports[id]
	h.ports[id] = t
	h.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return t, nil
}

// Disconnect removes an endpoint from the live directory and closes its port.
func (h *Host) Disconnect(id string) {
	h.mu.Lock()
	t := h.ports[id]
	delete(h.ports, id)
	h.mu.Unlock()
	if t != nil {
		t.Close()
	}
}

// EnumerateLiveEndpoints lists every connected endpoint id.
func (h *Host) EnumerateLiveEndpoints(_ context.Context) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.ports))
	for id := range h.ports {
		out = append(out, id)
	}
	return out, nil
}

// Send pushes a frame into one endpoint's inbox.
func (h *Host) Send(_ context.Context, id string, data []byte) error {
	h.mu.Lock()
	t := h.ports[id]
	h.mu.Unlock()
	if t == nil {
		return fmt.Errorf("inproc: endpoint %q not connected", id)
	}
	return t.accept(data)
}
