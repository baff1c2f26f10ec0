package network

import (
	"context"

	"github.com/hopwire/commnet/behaviour"
	"github.com/hopwire/commnet/firewall"
	"github.com/libp2p/go-libp2p-core/peer"
)

// SendRequest submits an outbound request and blocks until either a
// response arrives, the request fails, or ctx is cancelled.
//
// On success resp carries the remote's answer. On failure ok is false and
// reason explains why; resp is then the zero value.
func (h *Host[P, Rq, Rs]) SendRequest(ctx context.Context, p peer.ID, data Rq) (resp Rs, ok bool, reason behaviour.OutboundFailure) {
	msg := behaviour.NewMessage[Rq, Rs](data)
	id := behaviour.NextRequestID()

	failures := make(chan behaviour.OutboundFailure, 1)
	h.mu.Lock()
	h.pendingOutbound[id] = failures
	h.mu.Unlock()

	status := h.classify(p, firewall.Outbound, data.PermissionValue())
	h.submit(func() {
		if status == firewall.MissingRule {
			h.requestRulesIfNeeded(p, ruleDirFor(firewall.Outbound))
		}
		h.mgr.OnNewRequest(p, id, msg, status, firewall.Outbound)
		h.drainActions()
	})

	// The manager never closes msg.ResponseSink on a path that also pushes
	// an OutboundFailureAction, so the two cases below never race for the
	// same outcome; a dropped-without-value read is a defensive fallback,
	// not a path the manager currently exercises.
	select {
	case r, delivered := <-msg.ResponseSink:
		h.clearPendingOutbound(id)
		if !delivered {
			return resp, false, behaviour.OutboundConnectionClosed
		}
		return r, true, 0
	case f := <-failures:
		h.clearPendingOutbound(id)
		return resp, false, f
	case <-ctx.Done():
		h.clearPendingOutbound(id)
		return resp, false, behaviour.OutboundTimeout
	case <-h.done:
		h.clearPendingOutbound(id)
		return resp, false, behaviour.OutboundConnectionClosed
	}
}

func (h *Host[P, Rq, Rs]) clearPendingOutbound(id behaviour.RequestID) {
	h.mu.Lock()
	delete(h.pendingOutbound, id)
	h.mu.Unlock()
}
