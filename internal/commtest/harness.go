// Package commtest provides an in-process libp2p test fabric for exercising
// the communication layer without a real network: hosts are built on raw
// swarms wrapped in a blank host, so two or more peers can dial each other
// over loopback.
package commtest

import (
	"context"
	"testing"
	"time"

	connmgr "github.com/libp2p/go-libp2p-connmgr"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/peer"
	swarmt "github.com/libp2p/go-libp2p-swarm/testing"
	"github.com/stretchr/testify/require"
	bhost "github.com/tchardin/go-libp2p-blankhost"
)

// NewHost builds one loopback-only libp2p host for tests.
func NewHost(t *testing.T) host.Host {
	t.Helper()
	netw := swarmt.GenSwarm(t, context.Background())
	return bhost.NewBlankHost(netw, bhost.WithConnectionManager(
		connmgr.NewConnManager(10, 11, time.Second),
	))
}

// Connect dials b from a and returns once a's dial has completed; it does
// not wait for b to observe the connection.
func Connect(t *testing.T, a, b host.Host) {
	t.Helper()
	info := peer.AddrInfo{ID: b.ID(), Addrs: b.Addrs()}
	require.NoError(t, a.Connect(context.Background(), info))
}
