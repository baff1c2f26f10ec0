package behaviour

import (
	"testing"

	"github.com/hopwire/commnet/firewall"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/stretchr/testify/require"
)

type perm int

type req struct{ p perm }

func (r req) PermissionValue() perm { return r.p }

type res string

func newManager() *Manager[perm, req, res] {
	return NewManager[perm, req, res]()
}

func TestOnNewRequestApprovedWithoutConnectionDialsOut(t *testing.T) {
	m := newManager()
	p := peer.ID("A")
	id := NextRequestID()
	msg := NewMessage[req, res](req{p: 1})

	m.OnNewRequest(p, id, msg, firewall.Approved, firewall.Outbound)

	action, ok := m.TakeNextAction()
	require.True(t, ok)
	require.Equal(t, RequireDialAttempt, action.Kind)
	require.Equal(t, p, action.Peer)

	_, ok = m.TakeNextAction()
	require.False(t, ok)
}

func TestOnNewRequestApprovedInboundWithoutConnectionFails(t *testing.T) {
	m := newManager()
	p := peer.ID("A")
	id := NextRequestID()
	msg := NewMessage[req, res](req{p: 1})

	m.OnNewRequest(p, id, msg, firewall.Approved, firewall.Inbound)

	action, ok := m.TakeNextAction()
	require.True(t, ok)
	require.Equal(t, InboundFailureAction, action.Kind)
	require.Equal(t, InboundConnectionClosed, action.InboundReason)

	_, ok = <-msg.ResponseSink
	require.False(t, ok, "response sink should have been closed")
}

func TestOnNewRequestApprovedWithConnectionReady(t *testing.T) {
	m := newManager()
	p := peer.ID("A")
	conn := NextConnID()
	m.OnConnectionEstablished(p, conn)

	id := NextRequestID()
	msg := NewMessage[req, res](req{p: 1})
	m.OnNewRequest(p, id, msg, firewall.Approved, firewall.Outbound)

	action, ok := m.TakeNextAction()
	require.True(t, ok)
	require.Equal(t, OutboundReady, action.Kind)
	require.Equal(t, conn, action.Connection)
	require.Equal(t, id, action.RequestID)
}

func TestOnNewRequestRejected(t *testing.T) {
	m := newManager()
	p := peer.ID("A")
	id := NextRequestID()
	msg := NewMessage[req, res](req{p: 1})

	m.OnNewRequest(p, id, msg, firewall.Rejected, firewall.Inbound)

	action, ok := m.TakeNextAction()
	require.True(t, ok)
	require.Equal(t, InboundFailureAction, action.Kind)
	require.Equal(t, InboundNotPermitted, action.InboundReason)

	_, ok = <-msg.ResponseSink
	require.False(t, ok)
}

func TestOnNewRequestRejectedOutboundLeavesSinkOpen(t *testing.T) {
	m := newManager()
	p := peer.ID("A")
	id := NextRequestID()
	msg := NewMessage[req, res](req{p: 1})

	m.OnNewRequest(p, id, msg, firewall.Rejected, firewall.Outbound)

	action, ok := m.TakeNextAction()
	require.True(t, ok)
	require.Equal(t, OutboundFailureAction, action.Kind)
	require.Equal(t, OutboundNotPermitted, action.OutboundReason)

	select {
	case _, ok := <-msg.ResponseSink:
		t.Fatalf("response sink should not have been closed or sent to, ok=%v", ok)
	default:
	}
}

func TestMissingRuleThenAskApproves(t *testing.T) {
	m := newManager()
	p := peer.ID("A")
	conn := NextConnID()
	m.OnConnectionEstablished(p, conn)

	id := NextRequestID()
	msg := NewMessage[req, res](req{p: 7})
	m.OnNewRequest(p, id, msg, firewall.MissingRule, firewall.Outbound)

	_, ok := m.TakeNextAction()
	require.False(t, ok, "no action until the rule arrives")

	ask := firewall.Ask[perm]()
	asks := m.OnPeerRule(p, firewall.FirewallRules[perm]{OutboundRule: &ask}, firewall.RuleOutbound)
	require.Len(t, asks, 1)
	require.Equal(t, id, asks[0].RequestID)
	require.Equal(t, perm(7), asks[0].Perm)

	m.OnRequestApproval(id, true)

	action, ok := m.TakeNextAction()
	require.True(t, ok)
	require.Equal(t, OutboundReady, action.Kind)
	require.Equal(t, conn, action.Connection)
}

func TestMissingRuleThenAskDeniesLeavesOutboundSinkOpen(t *testing.T) {
	m := newManager()
	p := peer.ID("A")
	id := NextRequestID()
	msg := NewMessage[req, res](req{p: 7})
	m.OnNewRequest(p, id, msg, firewall.MissingRule, firewall.Outbound)

	ask := firewall.Ask[perm]()
	asks := m.OnPeerRule(p, firewall.FirewallRules[perm]{OutboundRule: &ask}, firewall.RuleOutbound)
	require.Len(t, asks, 1)

	m.OnRequestApproval(id, false)

	action, ok := m.TakeNextAction()
	require.True(t, ok)
	require.Equal(t, OutboundFailureAction, action.Kind)
	require.Equal(t, OutboundNotPermitted, action.OutboundReason)

	select {
	case _, ok := <-msg.ResponseSink:
		t.Fatalf("response sink should not have been closed or sent to, ok=%v", ok)
	default:
	}
}

// TestAwaitingApprovalStaysSortedAcrossAppendPaths reproduces a request
// entering awaiting-approval via OnNewRequest's MissingApproval path (B)
// while an older request (A) is still waiting on a rule, then has A's rule
// arrive and go through OnPeerRule's Ask path. Without insertAwaitingApproval
// keeping the slice sorted, A (the lower id) would land after B in the
// backing slice and OnRequestApproval's binary search for A would find B's
// entry instead and silently no-op.
func TestAwaitingApprovalStaysSortedAcrossAppendPaths(t *testing.T) {
	m := newManager()
	a := peer.ID("A")
	b := peer.ID("B")

	idA := NextRequestID()
	msgA := NewMessage[req, res](req{p: 1})
	m.OnNewRequest(a, idA, msgA, firewall.MissingRule, firewall.Inbound)

	idB := NextRequestID()
	msgB := NewMessage[req, res](req{p: 1})
	m.OnNewRequest(b, idB, msgB, firewall.MissingApproval, firewall.Inbound)

	ask := firewall.Ask[perm]()
	asks := m.OnPeerRule(a, firewall.FirewallRules[perm]{InboundRule: &ask}, firewall.RuleInbound)
	require.Len(t, asks, 1)
	require.Equal(t, idA, asks[0].RequestID)

	// idA (the lower id) is appended to awaitingApproval after idB (the
	// higher id, already queued). Resolving idA must resolve idA, not
	// silently no-op by matching idB's entry instead.
	m.OnRequestApproval(idA, true)

	action, ok := m.TakeNextAction()
	require.True(t, ok)
	require.Equal(t, InboundFailureAction, action.Kind)
	require.Equal(t, idA, action.RequestID)
	require.Equal(t, InboundConnectionClosed, action.InboundReason, "idA was Approved with no admitting connection")

	_, ok = m.TakeNextAction()
	require.False(t, ok, "idB must still be pending, unaffected by idA's resolution")

	m.OnRequestApproval(idB, false)

	action, ok = m.TakeNextAction()
	require.True(t, ok)
	require.Equal(t, InboundFailureAction, action.Kind)
	require.Equal(t, idB, action.RequestID)
	require.Equal(t, InboundNotPermitted, action.InboundReason)
}

func TestMissingRuleThenPermissionRuleRejects(t *testing.T) {
	m := newManager()
	p := peer.ID("A")
	id := NextRequestID()
	msg := NewMessage[req, res](req{p: 1})
	m.OnNewRequest(p, id, msg, firewall.MissingRule, firewall.Inbound)

	rule := firewall.PermissionRule[perm](firewall.PermissionFunc[perm](func(v perm) bool { return v == 2 }))
	asks := m.OnPeerRule(p, firewall.FirewallRules[perm]{InboundRule: &rule}, firewall.RuleInbound)
	require.Nil(t, asks)

	action, ok := m.TakeNextAction()
	require.True(t, ok)
	require.Equal(t, InboundFailureAction, action.Kind)
	require.Equal(t, InboundNotPermitted, action.InboundReason)
}

func TestOnNoPeerRuleFailsAwaitingRequests(t *testing.T) {
	m := newManager()
	p := peer.ID("A")
	id := NextRequestID()
	msg := NewMessage[req, res](req{p: 1})
	m.OnNewRequest(p, id, msg, firewall.MissingRule, firewall.Outbound)

	m.OnNoPeerRule(p, firewall.RuleOutbound)

	action, ok := m.TakeNextAction()
	require.True(t, ok)
	require.Equal(t, OutboundFailureAction, action.Kind)
	require.Equal(t, OutboundNotPermitted, action.OutboundReason)

	select {
	case _, ok := <-msg.ResponseSink:
		t.Fatalf("response sink should not have been closed or sent to, ok=%v", ok)
	default:
	}
}

func TestOnPeerConnectedFlushesDialedRequests(t *testing.T) {
	m := newManager()
	p := peer.ID("A")
	id := NextRequestID()
	msg := NewMessage[req, res](req{p: 1})
	m.OnNewRequest(p, id, msg, firewall.Approved, firewall.Outbound)

	action, ok := m.TakeNextAction()
	require.True(t, ok)
	require.Equal(t, RequireDialAttempt, action.Kind)

	conn := NextConnID()
	m.OnConnectionEstablished(p, conn)
	m.OnPeerConnected(p)

	action, ok = m.TakeNextAction()
	require.True(t, ok)
	require.Equal(t, OutboundReady, action.Kind)
	require.Equal(t, conn, action.Connection)
}

func TestOnDialFailureFailsAwaitingRequests(t *testing.T) {
	m := newManager()
	p := peer.ID("A")
	id := NextRequestID()
	msg := NewMessage[req, res](req{p: 1})
	m.OnNewRequest(p, id, msg, firewall.Approved, firewall.Outbound)
	_, _ = m.TakeNextAction() // RequireDialAttempt

	m.OnDialFailure(p)

	action, ok := m.TakeNextAction()
	require.True(t, ok)
	require.Equal(t, OutboundFailureAction, action.Kind)
	require.Equal(t, OutboundDialFailure, action.OutboundReason)

	// The sink is left open: OutboundFailureAction is the sole outcome a
	// caller needs, and closing it too would race SendRequest's select.
	select {
	case _, ok := <-msg.ResponseSink:
		t.Fatalf("response sink should not have been closed or sent to, ok=%v", ok)
	default:
	}
}

func TestOnConnectionClosedFailsInFlightRequests(t *testing.T) {
	m := newManager()
	p := peer.ID("A")
	conn := NextConnID()
	m.OnConnectionEstablished(p, conn)

	id := NextRequestID()
	msg := NewMessage[req, res](req{p: 1})
	m.OnNewRequest(p, id, msg, firewall.Approved, firewall.Outbound)
	action, _ := m.TakeNextAction()
	require.Equal(t, OutboundReady, action.Kind)

	m.OnConnectionClosed(p, conn)

	action, ok := m.TakeNextAction()
	require.True(t, ok)
	require.Equal(t, OutboundFailureAction, action.Kind)
	require.Equal(t, OutboundConnectionClosed, action.OutboundReason)
}

func TestOnResForOutboundSuccessEmitsNoAction(t *testing.T) {
	m := newManager()
	p := peer.ID("A")
	conn := NextConnID()
	m.OnConnectionEstablished(p, conn)

	id := NextRequestID()
	msg := NewMessage[req, res](req{p: 1})
	m.OnNewRequest(p, id, msg, firewall.Approved, firewall.Outbound)
	_, _ = m.TakeNextAction() // OutboundReady

	m.OnResForOutbound(p, conn, id, nil)

	_, ok := m.TakeNextAction()
	require.False(t, ok)
}

func TestSetProtocolSupportEnqueuesPerConnectionAction(t *testing.T) {
	m := newManager()
	p := peer.ID("A")
	c1 := NextConnID()
	c2 := NextConnID()
	m.OnConnectionEstablished(p, c1)
	m.OnConnectionEstablished(p, c2)

	m.SetProtocolSupport(p, nil, SupportInbound)

	seen := map[ConnID]bool{}
	for i := 0; i < 2; i++ {
		action, ok := m.TakeNextAction()
		require.True(t, ok)
		require.Equal(t, SetProtocolSupport, action.Kind)
		require.Equal(t, SupportInbound, action.Support)
		seen[action.Connection] = true
	}
	require.True(t, seen[c1])
	require.True(t, seen[c2])
}

func TestConnectedPeers(t *testing.T) {
	m := newManager()
	require.Empty(t, m.ConnectedPeers())
	m.OnConnectionEstablished(peer.ID("A"), NextConnID())
	require.Equal(t, []peer.ID{peer.ID("A")}, m.ConnectedPeers())
}
