package behaviour

import (
	"sort"

	"github.com/hopwire/commnet/firewall"
	"github.com/libp2p/go-libp2p-core/peer"
)

// emptyQueueShrinkThreshold bounds how large the action queue's backing
// array is allowed to stay once drained empty.
const emptyQueueShrinkThreshold = 64

type storedRequest[Rq any, Rs any] struct {
	peer peer.ID
	msg  Message[Rq, Rs]
}

type approvalEntry struct {
	id  RequestID
	dir firewall.RequestDirection
}

// actionQueue is a FIFO of pending Actions that shrinks its backing array
// once drained past emptyQueueShrinkThreshold, mirroring the reference
// VecDeque::shrink_to_fit call in TakeNextAction.
type actionQueue[Rq any, Rs any] struct {
	items []Action[Rq, Rs]
	head  int
}

func (q *actionQueue[Rq, Rs]) push(a Action[Rq, Rs]) {
	q.items = append(q.items, a)
}

func (q *actionQueue[Rq, Rs]) pop() (Action[Rq, Rs], bool) {
	if q.head >= len(q.items) {
		return Action[Rq, Rs]{}, false
	}
	a := q.items[q.head]
	q.items[q.head] = Action[Rq, Rs]{}
	q.head++
	if q.head >= len(q.items) {
		if cap(q.items) > emptyQueueShrinkThreshold {
			q.items = nil
		} else {
			q.items = q.items[:0]
		}
		q.head = 0
	}
	return a, true
}

// Manager is the request-manager state machine: it tracks pending
// requests against firewall decisions, approvals, and connection state, and
// emits BehaviourActions and failure events. It is generic over the
// permission classifier P, the request payload type Rq (which must expose
// its classifier via firewall.Permissioned), and the response payload Rs.
//
// A Manager is not safe for concurrent use: every method is a non-blocking
// state transition and callers must drive it from a single event loop.
type Manager[P any, Rq firewall.Permissioned[P], Rs any] struct {
	inboundStore  map[RequestID]storedRequest[Rq, Rs]
	outboundStore map[RequestID]storedRequest[Rq, Rs]

	conns *connTable

	awaitingConnection map[peer.ID][]RequestID
	awaitingPeerRule   map[peer.ID]map[firewall.RequestDirection][]RequestID
	awaitingApproval   []approvalEntry // kept sorted by RequestID ascending

	actions actionQueue[Rq, Rs]
}

// NewManager returns an empty request manager.
func NewManager[P any, Rq firewall.Permissioned[P], Rs any]() *Manager[P, Rq, Rs] {
	return &Manager[P, Rq, Rs]{
		inboundStore:       make(map[RequestID]storedRequest[Rq, Rs]),
		outboundStore:      make(map[RequestID]storedRequest[Rq, Rs]),
		conns:              newConnTable(),
		awaitingConnection: make(map[peer.ID][]RequestID),
		awaitingPeerRule:   make(map[peer.ID]map[firewall.RequestDirection][]RequestID),
	}
}

// ConnectedPeers lists every peer with at least one established connection.
func (m *Manager[P, Rq, Rs]) ConnectedPeers() []peer.ID {
	return m.conns.getConnectedPeers()
}

// OnNewRequest admits a request per its firewall classification. id must
// have been obtained from NextRequestID before calling.
func (m *Manager[P, Rq, Rs]) OnNewRequest(
	p peer.ID,
	id RequestID,
	msg Message[Rq, Rs],
	status firewall.ApprovalStatus,
	dir firewall.RequestDirection,
) {
	switch status {
	case firewall.MissingRule:
		m.storeRequest(p, id, msg, dir)
		await := m.awaitingPeerRule[p]
		if await == nil {
			await = make(map[firewall.RequestDirection][]RequestID)
			m.awaitingPeerRule[p] = await
		}
		await[dir] = append(await[dir], id)

	case firewall.MissingApproval:
		m.storeRequest(p, id, msg, dir)
		m.insertAwaitingApproval(id, dir)

	case firewall.Approved:
		if conn, ok := m.conns.addRequest(p, id, dir); ok {
			m.addReadyRequest(p, id, conn, msg, dir)
		} else if dir == firewall.Outbound {
			m.storeRequest(p, id, msg, firewall.Outbound)
			m.addDialAttempt(p, id)
		} else {
			close(msg.ResponseSink)
			m.actions.push(Action[Rq, Rs]{
				Kind:          InboundFailureAction,
				RequestID:     id,
				Peer:          p,
				InboundReason: InboundConnectionClosed,
			})
		}

	case firewall.Rejected:
		if dir == firewall.Outbound {
			// The OutboundFailureAction below is the sole authoritative
			// outcome for the caller; closing the sink too would race it
			// through SendRequest's select with no way to prefer the typed
			// reason.
			m.actions.push(Action[Rq, Rs]{
				Kind:           OutboundFailureAction,
				RequestID:      id,
				Peer:           p,
				OutboundReason: OutboundNotPermitted,
			})
		} else {
			close(msg.ResponseSink)
			m.actions.push(Action[Rq, Rs]{
				Kind:          InboundFailureAction,
				RequestID:     id,
				Peer:          p,
				InboundReason: InboundNotPermitted,
			})
		}
	}
}

// OnPeerConnected flushes outbound requests that were awaiting a connection
// to p. No-op if p is not actually connected yet.
func (m *Manager[P, Rq, Rs]) OnPeerConnected(p peer.ID) {
	if !m.conns.isConnected(p) {
		return
	}
	pending, ok := m.awaitingConnection[p]
	if !ok {
		return
	}
	delete(m.awaitingConnection, p)
	for _, id := range pending {
		stored, ok := m.takeStoredRequest(id, firewall.Outbound)
		if !ok {
			continue
		}
		conn, attached := m.conns.addRequest(stored.peer, id, firewall.Outbound)
		if !attached {
			// Precondition: isConnected(p) was just checked true, so an
			// outbound-admitting connection must exist.
			panic("commnet/behaviour: peer reported connected but no connection admits outbound")
		}
		m.actions.push(Action[Rq, Rs]{
			Kind:       OutboundReady,
			RequestID:  id,
			Peer:       stored.peer,
			Connection: conn,
			Request:    stored.msg,
		})
	}
}

// OnPeerDisconnected closes every connection of a peer, failing their
// in-flight requests. It is equivalent to calling OnConnectionClosed for
// each of the peer's live connections.
func (m *Manager[P, Rq, Rs]) OnPeerDisconnected(p peer.ID) {
	for _, conn := range m.conns.removeAllConnections(p) {
		m.OnConnectionClosed(p, conn)
	}
}

// OnConnectionEstablished registers a newly established connection.
func (m *Manager[P, Rq, Rs]) OnConnectionEstablished(p peer.ID, conn ConnID) {
	m.conns.addConnection(p, conn)
}

// OnConnectionClosed fails every request in flight on conn with
// ConnectionClosed.
func (m *Manager[P, Rq, Rs]) OnConnectionClosed(p peer.ID, conn ConnID) {
	inbound, outbound, ok := m.conns.removeConnection(p, conn)
	if !ok {
		return
	}
	for _, id := range outbound {
		m.actions.push(Action[Rq, Rs]{
			Kind:           OutboundFailureAction,
			RequestID:      id,
			Peer:           p,
			OutboundReason: OutboundConnectionClosed,
		})
	}
	for _, id := range inbound {
		m.actions.push(Action[Rq, Rs]{
			Kind:          InboundFailureAction,
			RequestID:     id,
			Peer:          p,
			InboundReason: InboundConnectionClosed,
		})
	}
}

// OnDialFailure fails every outbound request awaiting a connection to p
// with DialFailure. awaitingConnection only ever holds outbound requests,
// so the sink is left open: OutboundFailureAction below is the only
// outcome SendRequest needs, and closing the sink too would race it.
func (m *Manager[P, Rq, Rs]) OnDialFailure(p peer.ID) {
	pending, ok := m.awaitingConnection[p]
	if !ok {
		return
	}
	delete(m.awaitingConnection, p)
	for _, id := range pending {
		m.takeStoredRequest(id, firewall.Outbound)
		m.actions.push(Action[Rq, Rs]{
			Kind:           OutboundFailureAction,
			RequestID:      id,
			Peer:           p,
			OutboundReason: OutboundDialFailure,
		})
	}
}

// RequireApproval is one entry the host must resolve via OnRequestApproval
// after a Rule Ask was learned for a previously rule-less request.
type RequireApproval[P any] struct {
	RequestID RequestID
	Perm      P
	Direction firewall.RequestDirection
}

// OnPeerRule applies a newly learned rule to requests awaiting one for p.
// It returns the subset that, under Rule Ask, now requires individual
// approval; the host must query approval for each. Returns nil if no
// requests were awaiting a rule for p.
func (m *Manager[P, Rq, Rs]) OnPeerRule(
	p peer.ID,
	rules firewall.FirewallRules[P],
	dir firewall.RuleDirection,
) []RequireApproval[P] {
	await, ok := m.awaitingPeerRule[p]
	if !ok {
		return nil
	}
	delete(m.awaitingPeerRule, p)

	type pending struct {
		id  RequestID
		dir firewall.RequestDirection
	}
	var affected []pending
	if dir.IsInbound() {
		if ids, ok := await[firewall.Inbound]; ok {
			delete(await, firewall.Inbound)
			for _, id := range ids {
				affected = append(affected, pending{id, firewall.Inbound})
			}
		}
	}
	if dir.IsOutbound() {
		if ids, ok := await[firewall.Outbound]; ok {
			delete(await, firewall.Outbound)
			for _, id := range ids {
				affected = append(affected, pending{id, firewall.Outbound})
			}
		}
	}

	var requireAsk []RequireApproval[P]
	for _, pend := range affected {
		rule := rules.RuleFor(pend.dir)
		switch {
		case rule == nil:
			m.handleRequestApproval(pend.id, pend.dir, false)
		case rule.IsAsk():
			rq, ok := m.requestValue(pend.id)
			if !ok {
				continue
			}
			m.insertAwaitingApproval(pend.id, pend.dir)
			requireAsk = append(requireAsk, RequireApproval[P]{
				RequestID: pend.id,
				Perm:      rq.PermissionValue(),
				Direction: pend.dir,
			})
		default:
			if rq, ok := m.requestValue(pend.id); ok {
				m.handleRequestApproval(pend.id, pend.dir, rule.Permits(rq.PermissionValue()))
			}
		}
	}

	if len(await) > 0 {
		m.awaitingPeerRule[p] = await
	}
	return requireAsk
}

// OnNoPeerRule fails requests awaiting a rule that was denied or absent with
// NotPermitted.
func (m *Manager[P, Rq, Rs]) OnNoPeerRule(p peer.ID, dir firewall.RuleDirection) {
	await, ok := m.awaitingPeerRule[p]
	if !ok {
		return
	}
	delete(m.awaitingPeerRule, p)

	if dir.IsInbound() {
		if ids, ok := await[firewall.Inbound]; ok {
			delete(await, firewall.Inbound)
			for _, id := range ids {
				if stored, ok := m.takeStoredRequest(id, firewall.Inbound); ok {
					close(stored.msg.ResponseSink)
				}
				m.actions.push(Action[Rq, Rs]{
					Kind:          InboundFailureAction,
					RequestID:     id,
					Peer:          p,
					InboundReason: InboundNotPermitted,
				})
			}
		}
	}
	if dir.IsOutbound() {
		if ids, ok := await[firewall.Outbound]; ok {
			delete(await, firewall.Outbound)
			for _, id := range ids {
				// Not closed: OutboundFailureAction is the sole outcome
				// SendRequest needs, and closing too would race it.
				m.takeStoredRequest(id, firewall.Outbound)
				m.actions.push(Action[Rq, Rs]{
					Kind:           OutboundFailureAction,
					RequestID:      id,
					Peer:           p,
					OutboundReason: OutboundNotPermitted,
				})
			}
		}
	}

	if len(await) > 0 {
		m.awaitingPeerRule[p] = await
	}
}

// insertAwaitingApproval inserts id into awaitingApproval at the position
// that keeps it sorted by RequestID ascending. Append order alone does not
// do this: a request can reach MissingApproval directly from OnNewRequest,
// or later via OnPeerRule once a peer's Ask rule arrives, and the second
// path can append an older id after a newer one already queued.
func (m *Manager[P, Rq, Rs]) insertAwaitingApproval(id RequestID, dir firewall.RequestDirection) {
	idx := sort.Search(len(m.awaitingApproval), func(i int) bool {
		return m.awaitingApproval[i].id >= id
	})
	m.awaitingApproval = append(m.awaitingApproval, approvalEntry{})
	copy(m.awaitingApproval[idx+1:], m.awaitingApproval[idx:])
	m.awaitingApproval[idx] = approvalEntry{id, dir}
}

// OnRequestApproval resolves one entry of the awaiting-approval list.
func (m *Manager[P, Rq, Rs]) OnRequestApproval(id RequestID, allowed bool) {
	idx := sort.Search(len(m.awaitingApproval), func(i int) bool {
		return m.awaitingApproval[i].id >= id
	})
	if idx >= len(m.awaitingApproval) || m.awaitingApproval[idx].id != id {
		return
	}
	entry := m.awaitingApproval[idx]
	m.awaitingApproval = append(m.awaitingApproval[:idx], m.awaitingApproval[idx+1:]...)
	m.handleRequestApproval(entry.id, entry.dir, allowed)
}

// OnResForInbound marks an inbound request completed. If result is non-nil
// it is emitted as the request's InboundFailure.
func (m *Manager[P, Rq, Rs]) OnResForInbound(p peer.ID, conn ConnID, id RequestID, result *InboundFailure) {
	m.conns.removeRequest(conn, id, firewall.Inbound)
	if result != nil {
		m.actions.push(Action[Rq, Rs]{
			Kind:          InboundFailureAction,
			RequestID:     id,
			Peer:          p,
			InboundReason: *result,
		})
	}
}

// OnResForOutbound marks an outbound request completed. If result is
// non-nil it is emitted as the request's OutboundFailure.
func (m *Manager[P, Rq, Rs]) OnResForOutbound(p peer.ID, conn ConnID, id RequestID, result *OutboundFailure) {
	m.conns.removeRequest(conn, id, firewall.Outbound)
	if result != nil {
		m.actions.push(Action[Rq, Rs]{
			Kind:           OutboundFailureAction,
			RequestID:      id,
			Peer:           p,
			OutboundReason: *result,
		})
	}
}

// PendingRuleRequests reports for which directions requests are currently
// blocked awaiting a rule for p. ok is false if none are pending.
func (m *Manager[P, Rq, Rs]) PendingRuleRequests(p peer.ID) (dir firewall.RuleDirection, ok bool) {
	await, exists := m.awaitingPeerRule[p]
	if !exists {
		return 0, false
	}
	_, inPending := await[firewall.Inbound]
	_, outPending := await[firewall.Outbound]
	switch {
	case inPending && outPending:
		return firewall.RuleBoth, true
	case inPending:
		return firewall.RuleInbound, true
	case outPending:
		return firewall.RuleOutbound, true
	default:
		return 0, false
	}
}

// AddPendingRuleRequests installs a placeholder marking that a rule query is
// already outstanding for p + dir, so the host can deduplicate further
// queries. Idempotent: repeating it does not duplicate entries.
func (m *Manager[P, Rq, Rs]) AddPendingRuleRequests(p peer.ID, dir firewall.RuleDirection) {
	await := m.awaitingPeerRule[p]
	if await == nil {
		await = make(map[firewall.RequestDirection][]RequestID)
		m.awaitingPeerRule[p] = await
	}
	if dir.IsInbound() {
		if _, ok := await[firewall.Inbound]; !ok {
			await[firewall.Inbound] = nil
		}
	}
	if dir.IsOutbound() {
		if _, ok := await[firewall.Outbound]; !ok {
			await[firewall.Outbound] = nil
		}
	}
}

// SetProtocolSupport enqueues a SetProtocolSupport action reconfiguring one
// connection, or every connection of p if conn is nil.
func (m *Manager[P, Rq, Rs]) SetProtocolSupport(p peer.ID, conn *ConnID, support ProtocolSupport) {
	var conns []ConnID
	if conn != nil {
		conns = []ConnID{*conn}
	} else {
		conns = m.conns.getConnections(p)
	}
	for _, c := range conns {
		m.actions.push(Action[Rq, Rs]{
			Kind:       SetProtocolSupport,
			Peer:       p,
			Connection: c,
			Support:    support,
		})
	}
}

// TakeNextAction pops and returns the next pending Action, oldest first.
func (m *Manager[P, Rq, Rs]) TakeNextAction() (Action[Rq, Rs], bool) {
	return m.actions.pop()
}

func (m *Manager[P, Rq, Rs]) storeRequest(p peer.ID, id RequestID, msg Message[Rq, Rs], dir firewall.RequestDirection) {
	entry := storedRequest[Rq, Rs]{peer: p, msg: msg}
	if dir == firewall.Inbound {
		m.inboundStore[id] = entry
	} else {
		m.outboundStore[id] = entry
	}
}

func (m *Manager[P, Rq, Rs]) takeStoredRequest(id RequestID, dir firewall.RequestDirection) (storedRequest[Rq, Rs], bool) {
	if dir == firewall.Inbound {
		v, ok := m.inboundStore[id]
		if ok {
			delete(m.inboundStore, id)
		}
		return v, ok
	}
	v, ok := m.outboundStore[id]
	if ok {
		delete(m.outboundStore, id)
	}
	return v, ok
}

func (m *Manager[P, Rq, Rs]) addDialAttempt(p peer.ID, id RequestID) {
	m.awaitingConnection[p] = append(m.awaitingConnection[p], id)
	m.actions.push(Action[Rq, Rs]{Kind: RequireDialAttempt, Peer: p})
}

func (m *Manager[P, Rq, Rs]) addReadyRequest(p peer.ID, id RequestID, conn ConnID, msg Message[Rq, Rs], dir firewall.RequestDirection) {
	if dir == firewall.Inbound {
		m.actions.push(Action[Rq, Rs]{Kind: InboundReady, RequestID: id, Peer: p, Request: msg})
		return
	}
	m.actions.push(Action[Rq, Rs]{Kind: OutboundReady, RequestID: id, Peer: p, Connection: conn, Request: msg})
}

// handleRequestApproval resolves the approval (or rejection) of one
// individual request, assigning it to a connection or failing it.
func (m *Manager[P, Rq, Rs]) handleRequestApproval(id RequestID, dir firewall.RequestDirection, allowed bool) {
	if !allowed {
		stored, ok := m.takeStoredRequest(id, dir)
		if !ok {
			return
		}
		if dir == firewall.Outbound {
			m.actions.push(Action[Rq, Rs]{
				Kind:           OutboundFailureAction,
				RequestID:      id,
				Peer:           stored.peer,
				OutboundReason: OutboundNotPermitted,
			})
		} else {
			close(stored.msg.ResponseSink)
			m.actions.push(Action[Rq, Rs]{
				Kind:          InboundFailureAction,
				RequestID:     id,
				Peer:          stored.peer,
				InboundReason: InboundNotPermitted,
			})
		}
		return
	}

	p, ok := m.requestPeer(id)
	if !ok {
		return
	}
	if conn, attached := m.conns.addRequest(p, id, dir); attached {
		stored, ok := m.takeStoredRequest(id, dir)
		if !ok {
			return
		}
		m.addReadyRequest(p, id, conn, stored.msg, dir)
		return
	}
	if dir == firewall.Outbound {
		m.addDialAttempt(p, id)
		return
	}
	stored, ok := m.takeStoredRequest(id, dir)
	if !ok {
		return
	}
	close(stored.msg.ResponseSink)
	m.actions.push(Action[Rq, Rs]{
		Kind:          InboundFailureAction,
		RequestID:     id,
		Peer:          p,
		InboundReason: InboundConnectionClosed,
	})
}

func (m *Manager[P, Rq, Rs]) requestPeer(id RequestID) (peer.ID, bool) {
	if v, ok := m.inboundStore[id]; ok {
		return v.peer, true
	}
	if v, ok := m.outboundStore[id]; ok {
		return v.peer, true
	}
	return "", false
}

func (m *Manager[P, Rq, Rs]) requestValue(id RequestID) (Rq, bool) {
	var zero Rq
	if v, ok := m.inboundStore[id]; ok {
		return v.msg.Data, true
	}
	if v, ok := m.outboundStore[id]; ok {
		return v.msg.Data, true
	}
	return zero, false
}
