package behaviour

import (
	"testing"

	"github.com/hopwire/commnet/firewall"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/stretchr/testify/require"
)

func TestConnTableAddRequestFirstByInsertionOrder(t *testing.T) {
	tbl := newConnTable()
	p := peer.ID("A")
	c1, c2 := ConnID(1), ConnID(2)
	tbl.addConnection(p, c1)
	tbl.addConnection(p, c2)

	conn, ok := tbl.addRequest(p, RequestID(1), firewall.Outbound)
	require.True(t, ok)
	require.Equal(t, c1, conn)
}

func TestConnTableAddRequestSkipsNonAdmittingConnections(t *testing.T) {
	tbl := newConnTable()
	p := peer.ID("A")
	c1, c2 := ConnID(1), ConnID(2)
	tbl.addConnection(p, c1)
	tbl.addConnection(p, c2)
	tbl.setSupport(c1, SupportInbound)

	conn, ok := tbl.addRequest(p, RequestID(1), firewall.Outbound)
	require.True(t, ok)
	require.Equal(t, c2, conn)
}

func TestConnTableAddRequestFailsWithNoEligibleConnection(t *testing.T) {
	tbl := newConnTable()
	_, ok := tbl.addRequest(peer.ID("A"), RequestID(1), firewall.Outbound)
	require.False(t, ok)
}

func TestConnTableRemoveConnectionReturnsInFlightRequests(t *testing.T) {
	tbl := newConnTable()
	p := peer.ID("A")
	c := ConnID(1)
	tbl.addConnection(p, c)
	tbl.addRequest(p, RequestID(1), firewall.Inbound)
	tbl.addRequest(p, RequestID(2), firewall.Outbound)

	inbound, outbound, ok := tbl.removeConnection(p, c)
	require.True(t, ok)
	require.Equal(t, []RequestID{1}, inbound)
	require.Equal(t, []RequestID{2}, outbound)
	require.False(t, tbl.isConnected(p))
}

func TestConnTableRemoveConnectionUnknown(t *testing.T) {
	tbl := newConnTable()
	_, _, ok := tbl.removeConnection(peer.ID("A"), ConnID(99))
	require.False(t, ok)
}

func TestConnTableRemoveAllConnections(t *testing.T) {
	tbl := newConnTable()
	p := peer.ID("A")
	tbl.addConnection(p, ConnID(1))
	tbl.addConnection(p, ConnID(2))

	conns := tbl.removeAllConnections(p)
	require.Len(t, conns, 2)
}

func TestConnStateAdmitsDefaultsToTrueUntilConfigured(t *testing.T) {
	s := &connState{}
	require.True(t, s.admits(firewall.Inbound))
	require.True(t, s.admits(firewall.Outbound))
}

func TestConnStateAdmitsRespectsConfiguredSupport(t *testing.T) {
	s := &connState{supportSet: true, support: SupportOutbound}
	require.False(t, s.admits(firewall.Inbound))
	require.True(t, s.admits(firewall.Outbound))
}
