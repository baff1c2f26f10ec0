package network

import (
	"context"
	"time"

	"github.com/hopwire/commnet/behaviour"
	"github.com/hopwire/commnet/firewall"
	"github.com/hopwire/commnet/protocol"
	"github.com/jpillora/backoff"
	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"
	libp2pprotocol "github.com/libp2p/go-libp2p-core/protocol"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

// loop is the single goroutine that owns the Manager: every mailbox job runs
// here, in order, so no two goroutines ever call into mgr concurrently.
func (h *Host[P, Rq, Rs]) loop(ctx context.Context) {
	for {
		select {
		case job := <-h.mailbox:
			job()
		case <-ctx.Done():
			return
		case <-h.done:
			return
		}
	}
}

// notifiee feeds connection lifecycle events into the manager, one mailbox
// job per event.
func (h *Host[P, Rq, Rs]) notifiee() network.Notifiee {
	return &network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			h.submit(func() { h.onConnected(c) })
		},
		DisconnectedF: func(_ network.Network, c network.Conn) {
			h.submit(func() { h.onDisconnected(c) })
		},
	}
}

func (h *Host[P, Rq, Rs]) onConnected(c network.Conn) {
	id := behaviour.NextConnID()

	h.mu.Lock()
	h.connByConn[c] = id
	h.connByID[id] = c
	h.mu.Unlock()

	p := c.RemotePeer()
	h.mgr.OnConnectionEstablished(p, id)
	h.mgr.OnPeerConnected(p)
	h.drainActions()
}

func (h *Host[P, Rq, Rs]) onDisconnected(c network.Conn) {
	h.mu.Lock()
	id, ok := h.connByConn[c]
	if ok {
		delete(h.connByConn, c)
		delete(h.connByID, id)
		delete(h.connSupport, id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	h.mgr.OnConnectionClosed(c.RemotePeer(), id)
	h.drainActions()
}

// handleStream is the global stream handler for the communication protocol
// for the communication protocol. It resolves the accepting connection's currently
// configured support and, unless that connection was explicitly configured
// to reject inbound, hands the substream to protocol.HandleResponse.
func (h *Host[P, Rq, Rs]) handleStream(s network.Stream) {
	conn := s.Conn()
	p := conn.RemotePeer()

	h.mu.Lock()
	connID, known := h.connByConn[conn]
	support, configured := h.connSupport[connID]
	h.mu.Unlock()

	var supported []libp2pprotocol.ID
	if !known || !configured || support.AdmitsInbound() {
		supported = []libp2pprotocol.ID{protocol.ID}
	}

	requests := make(chan protocol.Inbound[Rq, Rs], 1)
	result := make(chan error, 1)
	go func() {
		_, err := protocol.HandleResponse[Rq, Rs](s, supported, requests)
		result <- err
	}()

	select {
	case in := <-requests:
		id := behaviour.NextRequestID()
		h.submit(func() { h.admitInbound(p, id, in.Message) })
		h.awaitInboundResult(p, connID, id, result)
	case err := <-result:
		if err != nil {
			log.Debug().Err(err).Str("peer", p.String()).Msg("commnet: inbound substream failed")
		}
	case <-h.done:
	}
}

// awaitInboundResult waits for the stream-handler goroutine backing an
// admitted inbound request to finish and reports its outcome to the
// manager, so the accepting connection's in-flight bookkeeping for id is
// cleared and the manager records an InboundFailure when one applies. The
// host does not forward InboundFailure actions to the application.
func (h *Host[P, Rq, Rs]) awaitInboundResult(p peer.ID, connID behaviour.ConnID, id behaviour.RequestID, result <-chan error) {
	select {
	case err := <-result:
		var reason *behaviour.InboundFailure
		switch {
		case err == nil:
		case xerrors.Is(err, protocol.ErrUnsupportedProtocols):
			f := behaviour.InboundUnsupportedProtocols
			reason = &f
		default:
			log.Debug().Err(err).Str("peer", p.String()).Msg("commnet: inbound substream failed")
			f := behaviour.InboundConnectionClosed
			reason = &f
		}
		h.submit(func() {
			h.mgr.OnResForInbound(p, connID, id, reason)
			h.drainActions()
		})
	case <-h.done:
	}
}

// ruleDirFor narrows a request direction to the single rule direction it
// needs a decision for.
func ruleDirFor(dir firewall.RequestDirection) firewall.RuleDirection {
	if dir == firewall.Inbound {
		return firewall.RuleInbound
	}
	return firewall.RuleOutbound
}

// classify answers the ApprovalStatus a freshly admitted request needs,
// from whatever rules are currently cached for p. Callers must hold no lock;
// classify takes h.mu itself.
func (h *Host[P, Rq, Rs]) classify(p peer.ID, dir firewall.RequestDirection, perm P) firewall.ApprovalStatus {
	h.mu.Lock()
	rules, ok := h.ruleCache[p]
	h.mu.Unlock()
	if !ok {
		return firewall.MissingRule
	}
	rule := rules.RuleFor(dir)
	switch {
	case rule == nil:
		return firewall.MissingRule
	case rule.IsAsk():
		return firewall.MissingApproval
	case rule.Permits(perm):
		return firewall.Approved
	default:
		return firewall.Rejected
	}
}

// admitInbound runs on the event loop: it classifies a newly received
// request and feeds it to the manager, asking the application for the
// peer's rules first if none are cached yet. id must have been obtained
// from NextRequestID before calling, so the caller can correlate this
// request's eventual completion back through OnResForInbound.
func (h *Host[P, Rq, Rs]) admitInbound(p peer.ID, id behaviour.RequestID, msg behaviour.Message[Rq, Rs]) {
	status := h.classify(p, firewall.Inbound, msg.Data.PermissionValue())
	if status == firewall.MissingRule {
		h.requestRulesIfNeeded(p, ruleDirFor(firewall.Inbound))
	}
	h.mgr.OnNewRequest(p, id, msg, status, firewall.Inbound)
	h.drainActions()
}

// requestRulesIfNeeded asks fw for p's rules in direction dir, unless a
// query is already outstanding.
func (h *Host[P, Rq, Rs]) requestRulesIfNeeded(p peer.ID, dir firewall.RuleDirection) {
	pending, ok := h.mgr.PendingRuleRequests(p)
	if ok {
		if dir == firewall.RuleInbound && pending.IsInbound() {
			return
		}
		if dir == firewall.RuleOutbound && pending.IsOutbound() {
			return
		}
	}
	h.mgr.AddPendingRuleRequests(p, dir)
	h.fw.RequestRules(h.ctx, p, dir)
}

// SetRules is called by the application once it has resolved the rules for
// p in direction dir (in response to FirewallHost.RequestRules). It updates
// the local rule cache and unblocks any requests that were waiting on it.
func (h *Host[P, Rq, Rs]) SetRules(p peer.ID, rules firewall.FirewallRules[P], dir firewall.RuleDirection) {
	h.mu.Lock()
	h.ruleCache[p] = rules
	h.mu.Unlock()

	h.submit(func() {
		for _, ask := range h.mgr.OnPeerRule(p, rules, dir) {
			h.fw.RequestApproval(h.ctx, ask.RequestID, ask.Perm, ask.Direction)
		}
		h.drainActions()
	})
}

// NoRules is called by the application when it has determined no rule (peer
// or default) exists for p in direction dir, failing any requests that were
// waiting on one.
func (h *Host[P, Rq, Rs]) NoRules(p peer.ID, dir firewall.RuleDirection) {
	h.submit(func() {
		h.mgr.OnNoPeerRule(p, dir)
		h.drainActions()
	})
}

// ResolveApproval is called by the application once it has decided whether
// to allow the request named in a prior FirewallHost.RequestApproval call.
func (h *Host[P, Rq, Rs]) ResolveApproval(id behaviour.RequestID, allowed bool) {
	h.submit(func() {
		h.mgr.OnRequestApproval(id, allowed)
		h.drainActions()
	})
}

// SetProtocolSupport reconfigures which directions conn (or every
// connection of p, if conn is nil) accepts requests for.
func (h *Host[P, Rq, Rs]) SetProtocolSupport(p peer.ID, conn *behaviour.ConnID, support behaviour.ProtocolSupport) {
	h.submit(func() {
		h.mgr.SetProtocolSupport(p, conn, support)
		h.drainActions()
	})
}

// drainActions pops every currently pending Action off the manager's queue
// and dispatches it. It must only be called from the event loop goroutine.
func (h *Host[P, Rq, Rs]) drainActions() {
	for {
		action, ok := h.mgr.TakeNextAction()
		if !ok {
			return
		}
		h.dispatch(action)
	}
}

func (h *Host[P, Rq, Rs]) dispatch(action behaviour.Action[Rq, Rs]) {
	switch action.Kind {
	case behaviour.InboundReady:
		select {
		case h.inbound <- protocol.Inbound[Rq, Rs]{Message: action.Request}:
		case <-h.done:
		}

	case behaviour.OutboundReady:
		go h.runOutbound(action)

	case behaviour.RequireDialAttempt:
		go h.dial(action.Peer)

	case behaviour.SetProtocolSupport:
		h.mu.Lock()
		h.connSupport[action.Connection] = action.Support
		h.mu.Unlock()

	case behaviour.OutboundFailureAction:
		h.mu.Lock()
		ch, ok := h.pendingOutbound[action.RequestID]
		if ok {
			delete(h.pendingOutbound, action.RequestID)
		}
		h.mu.Unlock()
		if ok {
			select {
			case ch <- action.OutboundReason:
			default:
			}
		}

	case behaviour.InboundFailureAction:
		h.mu.Lock()
		ch, ok := h.pendingInbound[action.RequestID]
		if ok {
			delete(h.pendingInbound, action.RequestID)
		}
		h.mu.Unlock()
		if ok {
			select {
			case ch <- action.InboundReason:
			default:
			}
		}
	}
}

// runOutbound opens a substream to action.Peer and runs the outbound half of
// the wire protocol. It reports completion back to the manager, which
// requires resubmitting onto the event loop.
//
// It addresses the peer rather than action.Connection directly: go-libp2p's
// host.NewStream already multiplexes across a peer's live connections and
// performs protocol negotiation, so pinning the exact connection would
// require bypassing that negotiation and driving go-multistream by hand.
// The manager's own per-connection admission bookkeeping (which connection
// a request is "in flight on") stays accurate regardless, since it is only
// ever used to attribute ConnectionClosed failures to the right peer.
func (h *Host[P, Rq, Rs]) runOutbound(action behaviour.Action[Rq, Rs]) {
	s, err := h.h.NewStream(h.ctx, action.Peer, protocol.ID)
	var failure *behaviour.OutboundFailure
	if err != nil {
		f := behaviour.OutboundConnectionClosed
		failure = &f
		log.Debug().Err(err).Str("peer", action.Peer.String()).Msg("commnet: opening outbound substream failed")
	} else {
		supported := []libp2pprotocol.ID{protocol.ID}
		if _, err := protocol.HandleRequest[Rq, Rs](s, supported, action.Request); err != nil {
			f := behaviour.OutboundConnectionClosed
			if xerrors.Is(err, protocol.ErrUnsupportedProtocols) {
				f = behaviour.OutboundUnsupportedProtocols
			}
			failure = &f
			log.Debug().Err(err).Str("peer", action.Peer.String()).Msg("commnet: outbound request failed")
		}
	}

	h.submit(func() {
		h.mgr.OnResForOutbound(action.Peer, action.Connection, action.RequestID, failure)
		h.drainActions()
	})
}

// dial retries connecting to p with jpillora/backoff until it succeeds or
// exhausts MaxRetries, at which point the manager is told the dial failed so
// it can fail every request that was waiting on it.
func (h *Host[P, Rq, Rs]) dial(p peer.ID) {
	b := &backoff.Backoff{Min: h.backoff.Min, Max: h.backoff.Max}
	for attempt := 0; attempt <= h.backoff.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(b.Duration()):
			case <-h.done:
				return
			}
		}
		if err := h.h.Connect(h.ctx, peer.AddrInfo{ID: p}); err == nil {
			return
		}
	}

	h.submit(func() {
		h.mgr.OnDialFailure(p)
		h.drainActions()
	})
}
