package xlink

// RetCode is the closed set of in-band return codes carried by response
// envelopes. Outcomes travel as codes, not errors, so both sides of a channel
// can interoperate without sharing an error representation.
type RetCode int

const (
	// RetSuccess reports a handled request.
	RetSuccess RetCode = 0
	// RetReceiverCallbackError reports that the remote handler failed.
	RetReceiverCallbackError RetCode = -1
	// RetSendCallbackError reports a failure while transmitting the reply.
	RetSendCallbackError RetCode = -2
	// RetNoSubscribe reports that no handler is registered for the command.
	RetNoSubscribe RetCode = -3
	// RetTimeout is stamped on the synthetic envelope that resolves a request
	// whose deadline elapsed before a response arrived.
	RetTimeout RetCode = -99
)

// Valid reports whether c is a member of the closed return-code set.
func (c RetCode) Valid() bool {
	switch c {
	case RetSuccess, RetReceiverCallbackError, RetSendCallbackError, RetNoSubscribe, RetTimeout:
		return true
	}
	return false
}

func (c RetCode) String() string {
	switch c {
	case RetSuccess:
		return "success"
	case RetReceiverCallbackError:
		return "receiver_callback_error"
	case RetSendCallbackError:
		return "send_callback_error"
	case RetNoSubscribe:
		return "no_subscribe"
	case RetTimeout:
		return "timeout"
	}
	return "unknown"
}

// readyMsg tags handshake envelopes. Both the initial handshake request and
// its acknowledgment carry it, so either shape can complete pairing.
const readyMsg = "ready"

// Envelope is the wire message. All fields are optional on the wire; an
// envelope is only meaningful if it carries at least one of RequestID, Cmd,
// or Msg. Payloads are plain key/value objects encoded via the channel Codec.
type Envelope struct {
	// RequestID correlates a response to its originating request. Ids issued
	// by a channel are its selfKey plus a monotonically increasing counter.
	RequestID string `json:"requestId,omitempty"`
	// Cmd is the logical command name a subscription handler is keyed by.
	Cmd string `json:"cmdname,omitempty"`
	// Data is the request or reply payload.
	Data map[string]any `json:"data,omitempty"`
	// Ret is present on responses only. A pointer distinguishes RetSuccess
	// (0) from absence.
	Ret *RetCode `json:"ret,omitempty"`
	// Msg carries human-readable context: the handshake tag or failure text.
	Msg string `json:"msg,omitempty"`
	// Time is the epoch-ms send timestamp, stamped at send.
	Time int64 `json:"time,omitempty"`
	// SenderKey is the sending endpoint's identity token, stamped at send.
	SenderKey string `json:"senderKey,omitempty"`
	// Broadcast marks one-way fan-out envelopes that expect no reply.
	Broadcast bool `json:"broadcast,omitempty"`
}

// IsResponse reports whether the envelope carries a return code.
func (e *Envelope) IsResponse() bool { return e != nil && e.Ret != nil }

// IsReady reports whether the envelope is part of the pairing handshake.
func (e *Envelope) IsReady() bool { return e != nil && e.Msg == readyMsg }

// RetOf returns a pointer to c, for constructing response envelopes.
func RetOf(c RetCode) *RetCode { return &c }

// envelopeFromMap rebuilds a typed envelope from a structurally validated
// generic map. Callers must have run ValidateMessage first; fields with
// unexpected types are simply left zero here.
func envelopeFromMap(raw map[string]any) *Envelope {
	e := &Envelope{}
	if v, ok := raw["requestId"].(string); ok {
		e.RequestID = v
	}
	if v, ok := raw["cmdname"].(string); ok {
		e.Cmd = v
	}
	if v, ok := raw["data"].(map[string]any); ok {
		e.Data = v
	}
	if v, ok := numericField(raw["ret"]); ok {
		e.Ret = RetOf(RetCode(v))
	}
	if v, ok := raw["msg"].(string); ok {
		e.Msg = v
	}
	if v, ok := numericField(raw["time"]); ok {
		e.Time = int64(v)
	}
	if v, ok := raw["senderKey"].(string); ok {
		e.SenderKey = v
	}
	if v, ok := raw["broadcast"].(bool); ok {
		e.Broadcast = v
	}
	return e
}
