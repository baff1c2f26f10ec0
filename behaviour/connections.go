package behaviour

import (
	"github.com/hopwire/commnet/firewall"
	"github.com/libp2p/go-libp2p-core/peer"
)

// connState is the per-connection bookkeeping: which peer it belongs to,
// its currently configured protocol support (if any was ever set), and the
// request ids in flight on it, split by direction.
type connState struct {
	peer       peer.ID
	supportSet bool
	support    ProtocolSupport
	inbound    map[RequestID]struct{}
	outbound   map[RequestID]struct{}
}

func (c *connState) admits(dir firewall.RequestDirection) bool {
	if !c.supportSet {
		// No support has been installed for this connection: all directions
		// are eligible until the host says otherwise.
		return true
	}
	if dir == firewall.Inbound {
		return c.support.AdmitsInbound()
	}
	return c.support.AdmitsOutbound()
}

// connTable is the connection sub-component: a per-peer ordered set of
// live connections, and per-connection in-flight request ids. It is manager-
// private and, like the manager itself, is only ever touched from the single
// event-loop goroutine driving it.
type connTable struct {
	// byPeer keeps connections in insertion order so request-to-connection
	// assignment is deterministic (first-by-insertion-order).
	byPeer map[peer.ID][]ConnID
	byConn map[ConnID]*connState
}

func newConnTable() *connTable {
	return &connTable{
		byPeer: make(map[peer.ID][]ConnID),
		byConn: make(map[ConnID]*connState),
	}
}

// addConnection registers a newly established connection.
func (t *connTable) addConnection(p peer.ID, conn ConnID) {
	if _, exists := t.byConn[conn]; exists {
		return
	}
	t.byConn[conn] = &connState{
		peer:     p,
		inbound:  make(map[RequestID]struct{}),
		outbound: make(map[RequestID]struct{}),
	}
	t.byPeer[p] = append(t.byPeer[p], conn)
}

// removeConnection tears down one connection and returns the request ids
// that were in flight on it, split by direction, so the caller can emit one
// failure action per id. ok is false if the connection was unknown.
func (t *connTable) removeConnection(p peer.ID, conn ConnID) (inbound, outbound []RequestID, ok bool) {
	state, exists := t.byConn[conn]
	if !exists {
		return nil, nil, false
	}
	delete(t.byConn, conn)
	conns := t.byPeer[p]
	for i, c := range conns {
		if c == conn {
			t.byPeer[p] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(t.byPeer[p]) == 0 {
		delete(t.byPeer, p)
	}
	for id := range state.inbound {
		inbound = append(inbound, id)
	}
	for id := range state.outbound {
		outbound = append(outbound, id)
	}
	return inbound, outbound, true
}

// removeAllConnections returns the ids of every connection of a peer (e.g.
// on full disconnect) so the caller can close each one and fail its
// in-flight requests. It does not remove them itself; removeConnection does.
func (t *connTable) removeAllConnections(p peer.ID) []ConnID {
	conns := t.byPeer[p]
	if len(conns) == 0 {
		return nil
	}
	out := make([]ConnID, len(conns))
	copy(out, conns)
	return out
}

// isConnected reports whether the peer currently has at least one
// connection.
func (t *connTable) isConnected(p peer.ID) bool {
	return len(t.byPeer[p]) > 0
}

// getConnections returns every connection currently held for a peer, in
// insertion order.
func (t *connTable) getConnections(p peer.ID) []ConnID {
	conns := t.byPeer[p]
	out := make([]ConnID, len(conns))
	copy(out, conns)
	return out
}

// getConnectedPeers lists every peer with at least one live connection.
func (t *connTable) getConnectedPeers() []peer.ID {
	out := make([]peer.ID, 0, len(t.byPeer))
	for p := range t.byPeer {
		out = append(out, p)
	}
	return out
}

// setSupport configures the protocol support of a single connection.
func (t *connTable) setSupport(conn ConnID, support ProtocolSupport) {
	if state, ok := t.byConn[conn]; ok {
		state.supportSet = true
		state.support = support
	}
}

// addRequest assigns a request to the first (by insertion order) connection
// of peer that currently admits dir, and marks it in flight there. It
// returns false if no eligible connection exists.
func (t *connTable) addRequest(p peer.ID, id RequestID, dir firewall.RequestDirection) (ConnID, bool) {
	for _, conn := range t.byPeer[p] {
		state := t.byConn[conn]
		if state == nil || !state.admits(dir) {
			continue
		}
		if dir == firewall.Inbound {
			state.inbound[id] = struct{}{}
		} else {
			state.outbound[id] = struct{}{}
		}
		return conn, true
	}
	return 0, false
}

// removeRequest clears one request id from a connection's in-flight set.
// It is a no-op if the connection or id is unknown.
func (t *connTable) removeRequest(conn ConnID, id RequestID, dir firewall.RequestDirection) {
	state, ok := t.byConn[conn]
	if !ok {
		return
	}
	if dir == firewall.Inbound {
		delete(state.inbound, id)
	} else {
		delete(state.outbound, id)
	}
}
