package wsbridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/trickstertwo/xlink"
)

const TransportName = "ws"

func init() {
	if err := xlink.RegisterTransport(TransportName, func(cfg map[string]any) (xlink.Transport, error) {
		c := ConfigFromMap(cfg)
		if c.URL == "" {
			return nil, errors.New("wsbridge: config key \"url\" must be a non-empty string")
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.DialTimeout)
		defer cancel()
		return Dial(ctx, c)
	}); err != nil {
		panic(fmt.Errorf("xlink/wsbridge: failed to register transport: %w", err))
	}
}

// Config controls the dialing endpoint transport.
type Config struct {
	// URL is the ws:// or wss:// address of the hub listener.
	URL string
	// Header carries extra handshake headers (auth tokens, endpoint id).
	Header http.Header
	// DialTimeout bounds the opening handshake (default: 10s).
	DialTimeout time.Duration
	// WriteTimeout bounds each frame write (default: 10s).
	WriteTimeout time.Duration
}

func ConfigFromMap(cfg map[string]any) Config {
	c := Config{DialTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second}
	if v, ok := cfg["url"].(string); ok {
		c.URL = v
	}
	if v, ok := cfg["header"].(http.Header); ok {
		c.Header = v
	}
	getDur := func(k string) (time.Duration, bool) {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v, true
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p, true
			}
		case float64:
			return time.Duration(v), true
		}
		return 0, false
	}
	if d, ok := getDur("dial_timeout"); ok && d > 0 {
		c.DialTimeout = d
	}
	if d, ok := getDur("write_timeout"); ok && d > 0 {
		c.WriteTimeout = d
	}
	return c
}

// Transport is the dialing end of a websocket link. The websocket package
// permits one concurrent writer per connection, so every write goes through
// a mutex; a single read loop feeds the listener callback.
type Transport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex

	mu    sync.Mutex
	onRaw func(xlink.RawInbound)
	stop  chan struct{}

	closed atomic.Bool
}

var _ xlink.Transport = (*Transport)(nil)

// Dial opens a websocket to the hub listener and wraps it as a transport.
func Dial(ctx context.Context, cfg Config) (*Transport, error) {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("wsbridge: dial %s: status %d: %w", cfg.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("wsbridge: dial %s: %w", cfg.URL, err)
	}
	return &Transport{conn: conn, writeTimeout: cfg.WriteTimeout}, nil
}

// SetupListener starts the read loop.
func (t *Transport) SetupListener(onRaw func(xlink.RawInbound)) error {
	if t.closed.Load() {
		return errors.New("wsbridge: transport closed")
	}
	t.mu.Lock()
	if t.stop != nil {
		t.mu.Unlock()
		return errors.New("wsbridge: listener already bound")
	}
	t.onRaw = onRaw
	stop := make(chan struct{})
	t.stop = stop
	t.mu.Unlock()

	go t.readLoop(stop)
	return nil
}

func (t *Transport) readLoop(stop chan struct{}) {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case <-stop:
			return
		default:
		}
		t.mu.Lock()
		fn := t.onRaw
		t.mu.Unlock()
		if fn != nil {
			fn(xlink.RawInbound{Data: data, Source: t})
		}
	}
}

// TeardownListener stops reads and closes the connection.
func (t *Transport) TeardownListener() error {
	t.mu.Lock()
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
	t.onRaw = nil
	t.mu.Unlock()

	if t.closed.Swap(true) {
		return nil
	}
	t.writeMu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return t.conn.Close()
}

// SendRaw writes one text frame.
func (t *Transport) SendRaw(ctx context.Context, data []byte, _ any) error {
	if t.closed.Load() {
		return errors.New("wsbridge: transport closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// IsValidSource accepts frames read from this transport's own connection.
func (t *Transport) IsValidSource(raw xlink.RawInbound) bool {
	return raw.Source == t
}
