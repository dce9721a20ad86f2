package xlink

import (
	"context"
	"errors"
	"sync"
)

// RawInbound is one physically delivered message, handed to a channel's
// dispatch entry point by whichever adapter owns the listener. The core never
// inspects how it was delivered.
type RawInbound struct {
	// Data is the codec-encoded envelope.
	Data []byte
	// SenderID identifies the remote endpoint on demultiplexed hub
	// transports; empty for point-to-point transports.
	SenderID string
	// Source carries adapter-specific origin information for the layer-1
	// IsValidSource verdict.
	Source any
}

// Transport is the Strategy interface an adapter implements to physically
// deliver envelopes for one channel.
type Transport interface {
	// SetupListener binds the inbound callback. Called once per channel.
	SetupListener(onRaw func(RawInbound)) error
	// TeardownListener releases the listener; called from Destroy.
	TeardownListener() error
	// SendRaw transmits one encoded envelope, fire-and-forget. Hints are
	// side-channel transfer options the adapter may understand.
	SendRaw(ctx context.Context, data []byte, hints any) error
	// IsValidSource is the layer-1 filter, evaluated before structural
	// validation. Adapters judge origins; the core only honors the verdict.
	IsValidSource(raw RawInbound) bool
}

// HostAdapter is what a Hub requires from its host platform: a directory of
// live remote endpoints and a per-endpoint raw send primitive.
type HostAdapter interface {
	EnumerateLiveEndpoints(ctx context.Context) ([]string, error)
	Send(ctx context.Context, endpointID string, data []byte) error
}

// TransportFactory constructs transports from a config blob.
type TransportFactory func(cfg map[string]any) (Transport, error)

var (
	transportRegistryMu sync.RWMutex
	transportRegistry   = map[string]TransportFactory{}
)

// RegisterTransport registers a backend adapter.
func RegisterTransport(name string, factory TransportFactory) error {
	if name == "" {
		return errors.New("transport name must not be empty")
	}
	if factory == nil {
		return errors.New("transport factory must not be nil")
	}
	transportRegistryMu.Lock()
	transportRegistry[name] = factory
	transportRegistryMu.Unlock()
	return nil
}

// NewTransport constructs a transport by name with config.
func NewTransport(name string, cfg map[string]any) (Transport, error) {
	transportRegistryMu.RLock()
	f, ok := transportRegistry[name]
	transportRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownTransport{name: name}
	}
	return f(cfg)
}
