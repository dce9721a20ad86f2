package xlink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateMessage_RejectsNonObjects(t *testing.T) {
	for _, raw := range []any{nil, "ready", 42, []any{"requestId"}, true} {
		res := ValidateMessage(raw)
		assert.False(t, res.Valid, "raw=%v", raw)
		assert.NotEmpty(t, res.Error)
	}
}

func TestValidateMessage_RequiresOneRoutableField(t *testing.T) {
	res := ValidateMessage(map[string]any{})
	assert.False(t, res.Valid)

	res = ValidateMessage(map[string]any{"data": map[string]any{"x": 1}})
	assert.False(t, res.Valid)

	for _, m := range []map[string]any{
		{"requestId": "r-1"},
		{"cmdname": "user.lookup"},
		{"msg": "ready"},
	} {
		res := ValidateMessage(m)
		assert.True(t, res.Valid, "map=%v reason=%s", m, res.Error)
	}
}

func TestValidateMessage_StringFieldTypes(t *testing.T) {
	res := ValidateMessage(map[string]any{"requestId": 123})
	assert.False(t, res.Valid)

	res = ValidateMessage(map[string]any{"requestId": "r-1", "cmdname": 5})
	assert.False(t, res.Valid)

	res = ValidateMessage(map[string]any{"requestId": "r-1", "senderKey": false})
	assert.False(t, res.Valid)
}

func TestValidateMessage_RetCodes(t *testing.T) {
	// JSON decoding always yields float64 for numbers.
	for _, ret := range []float64{0, -1, -2, -3, -99} {
		res := ValidateMessage(map[string]any{"requestId": "r-1", "ret": ret})
		assert.True(t, res.Valid, "ret=%v reason=%s", ret, res.Error)
	}

	res := ValidateMessage(map[string]any{"requestId": "r-1", "ret": 7.0})
	assert.False(t, res.Valid)

	res = ValidateMessage(map[string]any{"requestId": "r-1", "ret": -1.5})
	assert.False(t, res.Valid)

	res = ValidateMessage(map[string]any{"requestId": "r-1", "ret": "0"})
	assert.False(t, res.Valid)
}

func TestValidateMessage_DataAndBroadcastShapes(t *testing.T) {
	res := ValidateMessage(map[string]any{"cmdname": "x", "data": "not an object"})
	assert.False(t, res.Valid)

	res = ValidateMessage(map[string]any{"cmdname": "x", "data": map[string]any{"k": "v"}})
	assert.True(t, res.Valid)

	res = ValidateMessage(map[string]any{"cmdname": "x", "broadcast": "yes"})
	assert.False(t, res.Valid)

	res = ValidateMessage(map[string]any{"cmdname": "x", "broadcast": true})
	assert.True(t, res.Valid)
}

func TestValidateRequest(t *testing.T) {
	res := ValidateRequest(map[string]any{"requestId": "r-1", "cmdname": "x"})
	assert.True(t, res.Valid)

	res = ValidateRequest(map[string]any{"requestId": "r-1"})
	assert.False(t, res.Valid)

	res = ValidateRequest(map[string]any{"cmdname": "x"})
	assert.False(t, res.Valid)
}

func TestValidateResponse(t *testing.T) {
	res := ValidateResponse(map[string]any{"requestId": "r-1", "ret": 0.0})
	assert.True(t, res.Valid)

	res = ValidateResponse(map[string]any{"requestId": "r-1"})
	assert.False(t, res.Valid)
}

func TestMessageClassifiers(t *testing.T) {
	cases := []struct {
		name      string
		raw       any
		response  bool
		ready     bool
		broadcast bool
	}{
		{"response", map[string]any{"requestId": "r-1", "ret": float64(0)}, true, false, false},
		{"int ret", map[string]any{"requestId": "r-1", "ret": -1}, true, false, false},
		{"string ret", map[string]any{"requestId": "r-1", "ret": "0"}, false, false, false},
		{"handshake", map[string]any{"requestId": "r-1", "msg": "ready", "senderKey": "k"}, false, true, false},
		{"other msg", map[string]any{"requestId": "r-1", "msg": "hello"}, false, false, false},
		{"broadcast", map[string]any{"cmdname": "announce", "broadcast": true}, false, false, true},
		{"broadcast without cmd", map[string]any{"requestId": "r-1", "broadcast": true}, false, false, false},
		{"request", map[string]any{"requestId": "r-1", "cmdname": "user.lookup"}, false, false, false},
		{"non-object", "ready", false, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.response, IsResponseMessage(tc.raw))
			assert.Equal(t, tc.ready, IsReadyMessage(tc.raw))
			assert.Equal(t, tc.broadcast, IsBroadcastMessage(tc.raw))
		})
	}
}

func TestEnvelopeFromMap_RebuildsTypedFields(t *testing.T) {
	env := envelopeFromMap(map[string]any{
		"requestId": "r-9",
		"cmdname":   "user.lookup",
		"msg":       "ready",
		"senderKey": "k-1",
		"ret":       -99.0,
		"time":      1700000000000.0,
		"broadcast": true,
		"data":      map[string]any{"id": "u-1"},
	})
	require.NotNil(t, env)
	assert.Equal(t, "r-9", env.RequestID)
	assert.Equal(t, "user.lookup", env.Cmd)
	assert.Equal(t, "ready", env.Msg)
	assert.Equal(t, "k-1", env.SenderKey)
	require.NotNil(t, env.Ret)
	assert.Equal(t, RetTimeout, *env.Ret)
	assert.Equal(t, int64(1700000000000), env.Time)
	assert.True(t, env.Broadcast)
	assert.Equal(t, "u-1", env.Data["id"])
}

func TestRetCode_ValidAndString(t *testing.T) {
	for _, rc := range []RetCode{RetSuccess, RetReceiverCallbackError, RetSendCallbackError, RetNoSubscribe, RetTimeout} {
		assert.True(t, rc.Valid())
		assert.NotEmpty(t, rc.String())
	}
	assert.False(t, RetCode(7).Valid())
}
