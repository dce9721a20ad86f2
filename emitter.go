package xlink

import (
	"sync"
	"time"

	"github.com/trickstertwo/xlog"
)

// EventType enumerates channel lifecycle events for observability hooks.
type EventType string

const (
	EventReady           EventType = "ready"
	EventMessageReceived EventType = "message_received"
	EventTimeout         EventType = "timeout"
	EventRateLimited     EventType = "rate_limited"
	EventWarning         EventType = "warning"
	EventError           EventType = "error"
	EventDestroy         EventType = "destroy"
)

// LifecycleEvent carries telemetry about one channel-level occurrence.
type LifecycleEvent struct {
	Type      EventType
	Channel   string // selfKey of the emitting channel
	Endpoint  string // hub endpoint id, when routed through a hub
	RequestID string
	Cmd       string
	Msg       string
	Err       error
	Env       *Envelope
	Time      time.Time
}

// Observer receives lifecycle events. Implementations should be non-blocking;
// they run inline on the dispatch path.
type Observer interface {
	OnEvent(e LifecycleEvent)
}

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e LifecycleEvent)

func (f ObserverFunc) OnEvent(e LifecycleEvent) { f(e) }

// Emitter is a typed pub/sub for lifecycle events: per-type handlers plus
// catch-all observers. Dispatch is synchronous and panic-isolated, so a
// misbehaving hook can neither block destroy semantics nor suppress its
// peers.
type Emitter struct {
	mu        sync.Mutex
	handlers  map[EventType][]ObserverFunc
	observers []Observer
	destroyed bool
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[EventType][]ObserverFunc)}
}

// On registers fn for one event type.
func (em *Emitter) On(t EventType, fn ObserverFunc) {
	if fn == nil {
		return
	}
	em.mu.Lock()
	defer em.mu.Unlock()
	if em.destroyed {
		return
	}
	em.handlers[t] = append(em.handlers[t], fn)
}

// Off removes every handler for one event type.
func (em *Emitter) Off(t EventType) {
	em.mu.Lock()
	defer em.mu.Unlock()
	delete(em.handlers, t)
}

// AddObserver registers a catch-all observer.
func (em *Emitter) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	em.mu.Lock()
	defer em.mu.Unlock()
	if em.destroyed {
		return
	}
	em.observers = append(em.observers, obs)
}

// Emit dispatches e to the type's handlers and every observer.
func (em *Emitter) Emit(e LifecycleEvent) {
	em.mu.Lock()
	if em.destroyed {
		em.mu.Unlock()
		return
	}
	fns := make([]ObserverFunc, len(em.handlers[e.Type]))
	copy(fns, em.handlers[e.Type])
	obs := make([]Observer, len(em.observers))
	copy(obs, em.observers)
	em.mu.Unlock()

	for _, fn := range fns {
		safeEmit(func() { fn(e) })
	}
	for _, o := range obs {
		o := o
		safeEmit(func() { o.OnEvent(e) })
	}
}

func safeEmit(fn func()) {
	defer func() { _ = recover() }()
	fn()
}

// Destroy drops every handler and observer and refuses re-registration.
func (em *Emitter) Destroy() {
	em.mu.Lock()
	defer em.mu.Unlock()
	em.destroyed = true
	em.handlers = make(map[EventType][]ObserverFunc)
	em.observers = nil
}

// LoggingObserver is an Adapter that emits lifecycle events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e LifecycleEvent) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("channel", e.Channel),
		xlog.Str("request_id", e.RequestID),
		xlog.Str("cmdname", e.Cmd),
	)
	switch e.Type {
	case EventError, EventTimeout, EventRateLimited, EventWarning:
		ev.Warn().Err(e.Err).Msg("xlink event")
	default:
		ev.Debug().Msg("xlink event")
	}
}
