package xlink

import (
	"context"
	"strings"
)

// handleRaw is the single dispatch entry point fed by the transport adapter.
// Three trust layers gate every inbound message: the adapter's source verdict,
// structural validation, and pairing validation. Envelopes that fail any
// layer are dropped locally and never reach application code.
func (c *Channel) handleRaw(raw RawInbound) {
	c.mu.Lock()
	destroyed := c.destroyed
	c.mu.Unlock()
	if destroyed {
		return
	}

	// Layer 1: adapter source check.
	if !c.transport.IsValidSource(raw) {
		c.metrics.rejected.Add(1)
		c.emitter.Emit(LifecycleEvent{
			Type:    EventWarning,
			Channel: c.selfKey,
			Err:     ErrOriginMismatch,
			Time:    c.clock.Now(),
		})
		return
	}

	var obj map[string]any
	if err := c.codec.Unmarshal(raw.Data, &obj); err != nil {
		c.metrics.rejected.Add(1)
		c.emitter.Emit(LifecycleEvent{
			Type:    EventWarning,
			Channel: c.selfKey,
			Err:     &Error{Code: CodeInvalidMessage, Message: err.Error(), Channel: c.selfKey, Time: c.nowMs()},
			Time:    c.clock.Now(),
		})
		return
	}

	// Layer 2: structural validation.
	if c.cfg.StrictValidation {
		if res := ValidateMessage(obj); !res.Valid {
			c.metrics.rejected.Add(1)
			c.logger.Debug().
				Str("channel", c.selfKey).
				Str("reason", res.Error).
				Msg("xlink: inbound message rejected")
			c.emitter.Emit(LifecycleEvent{
				Type:    EventWarning,
				Channel: c.selfKey,
				Msg:     res.Error,
				Err:     &Error{Code: CodeInvalidMessage, Message: res.Error, Channel: c.selfKey, Time: c.nowMs()},
				Time:    c.clock.Now(),
			})
			return
		}
	}

	env := envelopeFromMap(obj)

	// Layer 3: pairing validation.
	if !c.acceptPairing(env) {
		c.metrics.rejected.Add(1)
		return
	}

	c.metrics.received.Add(1)
	c.emitter.Emit(LifecycleEvent{
		Type:      EventMessageReceived,
		Channel:   c.selfKey,
		RequestID: env.RequestID,
		Cmd:       env.Cmd,
		Env:       env,
		Time:      c.clock.Now(),
	})

	c.dispatch(env)
}

// acceptPairing decides whether an envelope may be attributed to the peer.
// A response is only accepted when, in addition to sender-key matching, its
// requestId was demonstrably issued by this channel.
func (c *Channel) acceptPairing(env *Envelope) bool {
	if env.IsReady() {
		return true
	}
	c.mu.Lock()
	peer := c.peerKey
	c.mu.Unlock()

	if env.SenderKey != "" && peer != "" && env.SenderKey != peer {
		return false
	}
	if env.IsResponse() && !strings.HasPrefix(env.RequestID, c.selfKey) {
		return false
	}
	return true
}

func (c *Channel) dispatch(env *Envelope) {
	if env.IsReady() {
		c.handleHandshake(env)
		return
	}

	if env.IsResponse() {
		if env.RequestID != "" && c.resolvePending(env) {
			return
		}
		// Stale response: its correlation already timed out or was dropped.
		c.logger.Debug().
			Str("channel", c.selfKey).
			Str("request_id", env.RequestID).
			Msg("xlink: response without outstanding correlation")
		return
	}

	if env.Cmd != "" {
		c.mu.Lock()
		sub, ok := c.subs[env.Cmd]
		if ok && sub.once {
			// Removed before the outcome is observed: exactly-one invocation
			// even if the handler fails.
			delete(c.subs, env.Cmd)
		}
		c.mu.Unlock()
		if ok {
			c.invokeSubscription(env, sub)
			return
		}
	}

	if env.RequestID != "" {
		// Proactively tell the remote side instead of letting it wait out
		// its own timeout.
		c.sendReply(&Envelope{
			RequestID: env.RequestID,
			Ret:       RetOf(RetNoSubscribe),
			Msg:       "no subscriber for " + env.Cmd,
		})
	}
}

// sendHandshake transmits the pairing envelope. It is request-shaped so the
// remote side can acknowledge, but is never tracked as a correlation.
func (c *Channel) sendHandshake(ctx context.Context) {
	env := &Envelope{
		RequestID: c.nextRequestID(),
		Msg:       readyMsg,
		SenderKey: c.selfKey,
		Time:      c.nowMs(),
	}
	encoded, err := c.codec.Marshal(env)
	if err != nil {
		c.logger.Warn().Str("channel", c.selfKey).Err(err).Msg("xlink: handshake encode failed")
		return
	}
	if err := c.transport.SendRaw(ctx, encoded, nil); err != nil {
		c.metrics.sendErrors.Add(1)
		c.logger.Warn().Str("channel", c.selfKey).Err(err).Msg("xlink: handshake send failed")
	}
}

// handleHandshake runs the pairing transition. The first handshake wins:
// peerKey, once set, is never overwritten by a later handshake from a
// different identity.
func (c *Channel) handleHandshake(env *Envelope) {
	if env.SenderKey == "" {
		c.logger.Debug().Str("channel", c.selfKey).Msg("xlink: handshake without senderKey ignored")
		return
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	adopted := false
	knownPeer := false
	var tasks []queuedTask
	switch {
	case c.peerKey == "":
		c.peerKey = env.SenderKey
		c.ready = true
		adopted = true
		knownPeer = true
		tasks = c.queue
		c.queue = nil
		close(c.readyCh)
	case c.peerKey == env.SenderKey:
		knownPeer = true
	}
	c.mu.Unlock()

	if !knownPeer {
		c.logger.Debug().
			Str("channel", c.selfKey).
			Str("sender", env.SenderKey).
			Msg("xlink: handshake from different sender ignored; already paired")
		return
	}

	if adopted {
		// Flush in the original publish call order.
		for _, t := range tasks {
			if !c.hasPending(t.env.RequestID) {
				continue // abandoned while queued
			}
			c.transmit(context.Background(), t.env, t.encoded, t.timeout, t.hints)
		}
		c.emitter.Emit(LifecycleEvent{
			Type:    EventReady,
			Channel: c.selfKey,
			Msg:     env.SenderKey,
			Time:    c.clock.Now(),
		})
	}

	// A fresh handshake request gets an acknowledgment so the remote side can
	// likewise transition. Acknowledgments (response-shaped) do not.
	if !env.IsResponse() {
		c.sendReply(&Envelope{
			RequestID: env.RequestID,
			Ret:       RetOf(RetSuccess),
			Msg:       readyMsg,
		})
	}
}

func (c *Channel) hasPending(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pendings[id]
	return ok
}

// invokeSubscription runs a handler and converts its tagged outcome into a
// reply: a value becomes a RetSuccess payload, NoReply suppresses the reply,
// and a failure becomes RetReceiverCallbackError plus a local error event.
// Failures never escape the dispatch loop.
func (c *Channel) invokeSubscription(env *Envelope, sub subscription) {
	ctx := injectLogger(injectCodec(context.Background(), c.codec), c.logger)
	v, err := sub.handler(ctx, env) // recovery-wrapped at Subscribe time

	wantsReply := env.RequestID != "" && !env.Broadcast

	if err != nil {
		c.emitter.Emit(LifecycleEvent{
			Type:      EventError,
			Channel:   c.selfKey,
			RequestID: env.RequestID,
			Cmd:       env.Cmd,
			Err:       &Error{Code: CodeHandlerError, Message: err.Error(), Channel: c.selfKey, Time: c.nowMs()},
			Time:      c.clock.Now(),
		})
		if wantsReply {
			c.sendReply(&Envelope{
				RequestID: env.RequestID,
				Ret:       RetOf(RetReceiverCallbackError),
				Msg:       err.Error(),
			})
		}
		return
	}

	if !wantsReply {
		return
	}
	if _, ok := v.(noReply); ok {
		return
	}

	data, derr := c.toDataMap(v)
	if derr != nil {
		c.emitter.Emit(LifecycleEvent{
			Type:      EventError,
			Channel:   c.selfKey,
			RequestID: env.RequestID,
			Cmd:       env.Cmd,
			Err:       &Error{Code: CodeHandlerError, Message: derr.Error(), Channel: c.selfKey, Time: c.nowMs()},
			Time:      c.clock.Now(),
		})
		c.sendReply(&Envelope{
			RequestID: env.RequestID,
			Ret:       RetOf(RetReceiverCallbackError),
			Msg:       derr.Error(),
		})
		return
	}

	c.sendReply(&Envelope{
		RequestID: env.RequestID,
		Ret:       RetOf(RetSuccess),
		Data:      data,
	})
}

// toDataMap coerces a handler's return value into the wire payload shape.
func (c *Channel) toDataMap(v any) (map[string]any, error) {
	switch d := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return d, nil
	}
	raw, err := c.codec.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := c.codec.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// sendReply stamps and transmits a response envelope. Reply transmission
// failures are local events only; there is no one left to report them to.
func (c *Channel) sendReply(env *Envelope) {
	env.SenderKey = c.selfKey
	env.Time = c.nowMs()
	encoded, err := c.codec.Marshal(env)
	if err != nil {
		c.logger.Warn().Str("channel", c.selfKey).Err(err).Msg("xlink: reply encode failed")
		return
	}
	if err := c.transport.SendRaw(context.Background(), encoded, nil); err != nil {
		c.metrics.sendErrors.Add(1)
		c.logger.Warn().
			Str("channel", c.selfKey).
			Str("request_id", env.RequestID).
			Err(err).
			Msg("xlink: reply send failed")
		c.emitter.Emit(LifecycleEvent{
			Type:      EventError,
			Channel:   c.selfKey,
			RequestID: env.RequestID,
			Err:       &Error{Code: CodeTransmissionFailed, Message: err.Error(), Channel: c.selfKey, Time: c.nowMs()},
			Time:      c.clock.Now(),
		})
	}
}
