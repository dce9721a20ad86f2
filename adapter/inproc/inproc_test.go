package inproc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xlink"
)

func TestPair_EndToEndRequestResponse(t *testing.T) {
	left, right := Pair(Config{})

	server, err := xlink.NewChannelBuilder().WithTransportInstance(right).Build()
	require.NoError(t, err)
	defer server.Destroy()
	server.Subscribe("sum", func(ctx context.Context, env *xlink.Envelope) (any, error) {
		a, _ := env.Data["a"].(float64)
		b, _ := env.Data["b"].(float64)
		return map[string]any{"sum": a + b}, nil
	})

	client, err := xlink.NewChannelBuilder().WithTransportInstance(left).Build()
	require.NoError(t, err)
	defer client.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, client.WaitReady(ctx))
	require.NoError(t, server.WaitReady(ctx))

	resp, err := client.Publish(ctx, "sum", map[string]any{"a": 2, "b": 3})
	require.NoError(t, err)
	require.NotNil(t, resp.Ret)
	assert.Equal(t, xlink.RetSuccess, *resp.Ret)
	assert.EqualValues(t, 5, resp.Data["sum"])
}

func TestPair_FullInboxDropsInsteadOfBlocking(t *testing.T) {
	a, b := Pair(Config{BufferSize: 2})
	// b never starts its pump, so its inbox fills and overflows.
	for i := 0; i < 5; i++ {
		require.NoError(t, a.SendRaw(context.Background(), []byte("x"), nil))
	}
	assert.EqualValues(t, 3, b.Dropped())
}

func TestTransport_SendAfterCloseFails(t *testing.T) {
	a, b := Pair(Config{})
	a.Close()
	assert.Error(t, a.SendRaw(context.Background(), []byte("x"), nil))
	// The far side can no longer deliver into the closed endpoint either.
	assert.Error(t, b.SendRaw(context.Background(), []byte("x"), nil))
}

func TestTransport_RegistryFactory(t *testing.T) {
	host := NewHost()
	tr, err := xlink.NewTransport(TransportName, map[string]any{
		"host":        host,
		"endpoint_id": "ep-1",
	})
	require.NoError(t, err)
	require.NotNil(t, tr)

	ids, err := host.EnumerateLiveEndpoints(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ep-1"}, ids)

	_, err = xlink.NewTransport(TransportName, map[string]any{"endpoint_id": "x"})
	assert.Error(t, err, "missing host must fail")
	_, err = xlink.NewTransport(TransportName, map[string]any{"host": host})
	assert.Error(t, err, "missing endpoint id must fail")
}

func TestHost_HubRoundTrip(t *testing.T) {
	host := NewHost()

	hub, err := xlink.NewHubBuilder().
		WithHost(host).
		WithCleanupInterval(0).
		Build()
	require.NoError(t, err)
	defer hub.Close()
	host.Route(hub.DispatchRaw)

	hub.SubscribeAll("greet", func(ctx context.Context, from xlink.EndpointInfo, env *xlink.Envelope) (any, error) {
		return map[string]any{"hello": from.EndpointID}, nil
	})

	ep, err := host.Connect("ep-1", Config{})
	require.NoError(t, err)
	_, err = hub.Register("ep-1")
	require.NoError(t, err)

	client, err := xlink.NewChannelBuilder().WithTransportInstance(ep).Build()
	require.NoError(t, err)
	defer client.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, client.WaitReady(ctx))

	resp, err := client.Publish(ctx, "greet", nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Ret)
	assert.Equal(t, xlink.RetSuccess, *resp.Ret)
	assert.Equal(t, "ep-1", resp.Data["hello"])
}

func TestHost_DisconnectLeavesDirectory(t *testing.T) {
	host := NewHost()
	_, err := host.Connect("ep-1", Config{})
	require.NoError(t, err)
	_, err = host.Connect("ep-2", Config{})
	require.NoError(t, err)

	host.Disconnect("ep-1")
	ids, err := host.EnumerateLiveEndpoints(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ep-2"}, ids)

	assert.Error(t, host.Send(context.Background(), "ep-1", []byte("x")))
}
