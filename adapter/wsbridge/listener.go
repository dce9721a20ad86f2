package wsbridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/trickstertwo/xlink"
)

// ListenerConfig controls the hub-side websocket acceptor.
type ListenerConfig struct {
	// IDFunc extracts the endpoint id from the upgrade request. Defaults to
	// the "endpoint" query parameter.
	IDFunc func(r *http.Request) string
	// CheckOrigin decides whether an upgrade request's Origin is trusted.
	// Defaults to the websocket package's same-origin policy.
	CheckOrigin func(r *http.Request) bool
	// WriteTimeout bounds each outbound frame write (default: 10s).
	WriteTimeout time.Duration
	// ReadLimit caps inbound frame size in bytes; 0 leaves it unbounded.
	ReadLimit int64
}

// Listener accepts websocket upgrades, keying each live connection by
// endpoint id, and implements the hub's live-endpoint directory over them.
// Wire it to a hub with Route(hub.DispatchRaw) and serve it on any mux.
type Listener struct {
	cfg      ListenerConfig
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*serverConn
	route  func(xlink.RawInbound)
	onGone func(id string)
}

type serverConn struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

var _ xlink.HostAdapter = (*Listener)(nil)

// NewListener creates an acceptor with the given config.
func NewListener(cfg ListenerConfig) *Listener {
	if cfg.IDFunc == nil {
		cfg.IDFunc = func(r *http.Request) string { return r.URL.Query().Get("endpoint") }
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Listener{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     cfg.CheckOrigin,
		},
		conns: make(map[string]*serverConn),
	}
}

// Route binds the shared inbound router. Typically hub.DispatchRaw.
func (l *Listener) Route(fn func(xlink.RawInbound)) {
	l.mu.Lock()
	l.route = fn
	l.mu.Unlock()
}

// OnGone fires after a connection's read loop ends and the endpoint has left
// the live directory.
func (l *Listener) OnGone(fn func(id string)) {
	l.mu.Lock()
	l.onGone = fn
	l.mu.Unlock()
}

// ServeHTTP upgrades the request and pumps inbound frames until the
// connection dies. A connection with a duplicate endpoint id replaces the
// previous one.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := l.cfg.IDFunc(r)
	if id == "" {
		http.Error(w, "missing endpoint id", http.StatusBadRequest)
		return
	}
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error, including origin rejections.
		return
	}
	if l.cfg.ReadLimit > 0 {
		conn.SetReadLimit(l.cfg.ReadLimit)
	}

	sc := &serverConn{id: id, conn: conn}
	l.mu.Lock()
	old := l.conns[id]
	l.conns[id] = sc
	l.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}

	l.readLoop(sc)
}

func (l *Listener) readLoop(sc *serverConn) {
	defer func() {
		_ = sc.conn.Close()
		l.mu.Lock()
		if l.conns[sc.id] == sc {
			delete(l.conns, sc.id)
		}
		onGone := l.onGone
		l.mu.Unlock()
		if onGone != nil {
			onGone(sc.id)
		}
	}()

	for {
		_, data, err := sc.conn.ReadMessage()
		if err != nil {
			return
		}
		l.mu.Lock()
		fn := l.route
		l.mu.Unlock()
		if fn != nil {
			fn(xlink.RawInbound{Data: data, SenderID: sc.id, Source: l})
		}
	}
}

// EnumerateLiveEndpoints lists every endpoint with an open connection.
func (l *Listener) EnumerateLiveEndpoints(_ context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.conns))
	for id := range l.conns {
		out = append(out, id)
	}
	return out, nil
}

// Send writes one text frame to an endpoint's connection.
func (l *Listener) Send(ctx context.Context, id string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	sc := l.conns[id]
	l.mu.Unlock()
	if sc == nil {
		return fmt.Errorf("wsbridge: endpoint %q not connected", id)
	}

	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	if err := sc.conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout)); err != nil {
		return err
	}
	return sc.conn.WriteMessage(websocket.TextMessage, data)
}

// Close drops every live connection.
func (l *Listener) Close() {
	l.mu.Lock()
	conns := make([]*serverConn, 0, len(l.conns))
	for _, sc := range l.conns {
		conns = append(conns, sc)
	}
	l.conns = make(map[string]*serverConn)
	l.mu.Unlock()
	for _, sc := range conns {
		_ = sc.conn.Close()
	}
}
