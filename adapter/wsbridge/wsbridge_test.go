package wsbridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xlink"
)

func wsURL(srv *httptest.Server, endpoint string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "?endpoint=" + endpoint
}

func newBridge(t *testing.T) (*Listener, *xlink.Hub, *httptest.Server) {
	t.Helper()
	l := NewListener(ListenerConfig{
		CheckOrigin: func(r *http.Request) bool { return true },
	})
	srv := httptest.NewServer(l)
	t.Cleanup(srv.Close)
	t.Cleanup(l.Close)

	hub, err := xlink.NewHubBuilder().
		WithHost(l).
		WithCleanupInterval(0).
		Build()
	require.NoError(t, err)
	t.Cleanup(hub.Close)
	l.Route(hub.DispatchRaw)
	return l, hub, srv
}

func dialClient(t *testing.T, srv *httptest.Server, hub *xlink.Hub, id string) *xlink.Channel {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tr, err := Dial(ctx, Config{URL: wsURL(srv, id)})
	require.NoError(t, err)

	_, err = hub.Register(id)
	require.NoError(t, err)

	client, err := xlink.NewChannelBuilder().WithTransportInstance(tr).Build()
	require.NoError(t, err)
	t.Cleanup(client.Destroy)
	require.NoError(t, client.WaitReady(ctx))
	return client
}

func TestBridge_RequestResponseOverWebsocket(t *testing.T) {
	_, hub, srv := newBridge(t)

	hub.SubscribeAll("echo", func(ctx context.Context, from xlink.EndpointInfo, env *xlink.Envelope) (any, error) {
		return map[string]any{"echo": env.Data["word"], "endpoint": from.EndpointID}, nil
	})

	client := dialClient(t, srv, hub, "ws-1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Publish(ctx, "echo", map[string]any{"word": "over-the-wire"})
	require.NoError(t, err)
	require.NotNil(t, resp.Ret)
	assert.Equal(t, xlink.RetSuccess, *resp.Ret)
	assert.Equal(t, "over-the-wire", resp.Data["echo"])
	assert.Equal(t, "ws-1", resp.Data["endpoint"])
}

func TestBridge_LiveDirectoryTracksConnections(t *testing.T) {
	l, hub, srv := newBridge(t)

	c1 := dialClient(t, srv, hub, "ws-1")
	_ = dialClient(t, srv, hub, "ws-2")

	ids, err := l.EnumerateLiveEndpoints(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ws-1", "ws-2"}, ids)

	c1.Destroy()
	// Read loop teardown is asynchronous.
	require.Eventually(t, func() bool {
		ids, err := l.EnumerateLiveEndpoints(context.Background())
		return err == nil && len(ids) == 1
	}, 3*time.Second, 50*time.Millisecond)

	removed := hub.CleanupNow(context.Background())
	assert.Equal(t, 1, removed)
}

func TestBridge_BroadcastFansOut(t *testing.T) {
	_, hub, srv := newBridge(t)

	c1 := dialClient(t, srv, hub, "ws-1")
	c2 := dialClient(t, srv, hub, "ws-2")

	seen := make(chan string, 2)
	c1.Subscribe("announce", func(ctx context.Context, env *xlink.Envelope) (any, error) {
		seen <- "ws-1"
		return xlink.NoReply, nil
	})
	c2.Subscribe("announce", func(ctx context.Context, env *xlink.Envelope) (any, error) {
		seen <- "ws-2"
		return xlink.NoReply, nil
	})

	n := hub.BroadcastToAll(context.Background(), "announce", map[string]any{"v": 1.0}, "")
	assert.Equal(t, 2, n)
	for i := 0; i < 2; i++ {
		select {
		case <-seen:
		case <-time.After(3 * time.Second):
			t.Fatal("broadcast never arrived")
		}
	}
}

func TestListener_RejectsMissingEndpointID(t *testing.T) {
	l := NewListener(ListenerConfig{
		CheckOrigin: func(r *http.Request) bool { return true },
	})
	srv := httptest.NewServer(l)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDial_FailsFastOnDeadServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Dial(ctx, Config{URL: "ws://127.0.0.1:1/?endpoint=x"})
	assert.Error(t, err)
}
