// Package network wires a behaviour.Manager and the protocol package onto a
// real go-libp2p host.Host: it is the thin driver the core spec treats as an
// external collaborator, translating libp2p connection/stream events into
// Manager calls and draining the Manager's action queue back onto the
// transport.
package network

import (
	"context"
	"sync"
	"time"

	"github.com/hopwire/commnet/behaviour"
	"github.com/hopwire/commnet/firewall"
	"github.com/hopwire/commnet/protocol"
	"github.com/libp2p/go-libp2p"
	connmgr "github.com/libp2p/go-libp2p-connmgr"
	"github.com/libp2p/go-libp2p-core/crypto"
	"github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/libp2p/go-libp2p-core/routing"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	noise "github.com/libp2p/go-libp2p-noise"
	tcp "github.com/libp2p/go-tcp-transport"
	ws "github.com/libp2p/go-ws-transport"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

// Options configures a Host.
type Options struct {
	// PrivKey is the identity keypair. A fresh Ed25519 key is generated if
	// nil.
	PrivKey crypto.PrivKey
	// ListenAddrs are the multiaddrs to listen on. Defaults to an ephemeral
	// TCP loopback listener if empty.
	ListenAddrs []ma.Multiaddr
	// ConnManager bounds: low/high-water plus grace period, the usual
	// go-libp2p connection manager configuration.
	LowWater    int
	HighWater   int
	GracePeriod time.Duration
	// DialBackoff configures retries of RequireDialAttempt before the
	// manager is told the dial failed outright.
	DialBackoff DialBackoffOptions
}

// DialBackoffOptions bounds the retry policy around a single dial attempt.
type DialBackoffOptions struct {
	Min        time.Duration
	Max        time.Duration
	MaxRetries int
}

// DefaultDialBackoff is a conservative retry policy for a single dial.
var DefaultDialBackoff = DialBackoffOptions{
	Min:        500 * time.Millisecond,
	Max:        30 * time.Second,
	MaxRetries: 4,
}

func (o Options) withDefaults() Options {
	if o.LowWater == 0 {
		o.LowWater = 20
	}
	if o.HighWater == 0 {
		o.HighWater = 60
	}
	if o.GracePeriod == 0 {
		o.GracePeriod = 20 * time.Second
	}
	if o.DialBackoff == (DialBackoffOptions{}) {
		o.DialBackoff = DefaultDialBackoff
	}
	return o
}

// FirewallHost is the application's firewall, queried out-of-band: both
// methods may return immediately and answer later, whenever the application
// has resolved the query, by calling the matching Host method.
//
//   - RequestRules is answered by Host.SetRules or Host.NoRules.
//   - RequestApproval is answered by Host.ResolveApproval.
type FirewallHost[P any] interface {
	RequestRules(ctx context.Context, p peer.ID, dir firewall.RuleDirection)
	RequestApproval(ctx context.Context, id behaviour.RequestID, perm P, dir firewall.RequestDirection)
}

// Host drives a behaviour.Manager from a live libp2p.Host: a single
// goroutine event loop serializes every Manager call behind an actor
// mailbox fed by connection notifications, protocol handler completions,
// and firewall responses.
type Host[P any, Rq firewall.Permissioned[P], Rs any] struct {
	ctx     context.Context
	h       host.Host
	mgr     *behaviour.Manager[P, Rq, Rs]
	fw      FirewallHost[P]
	backoff DialBackoffOptions

	mailbox chan func()
	done    chan struct{}

	mu          sync.Mutex
	connByConn  map[network.Conn]behaviour.ConnID
	connByID    map[behaviour.ConnID]network.Conn
	connSupport map[behaviour.ConnID]behaviour.ProtocolSupport
	// ruleCache mirrors the last rules the application supplied via
	// SetRules, so classify can answer synchronously without re-asking for
	// every request from a peer whose rules are already known.
	ruleCache map[peer.ID]firewall.FirewallRules[P]

	inbound chan protocol.Inbound[Rq, Rs]

	pendingOutbound map[behaviour.RequestID]chan behaviour.OutboundFailure
	pendingInbound  map[behaviour.RequestID]chan behaviour.InboundFailure
}

// NewHost builds a libp2p host with the communication protocol's stream
// handler installed, and starts its event loop. Cancelling ctx stops the
// event loop; Close also closes the underlying libp2p host and releases
// callers blocked on the host.
func NewHost[P any, Rq firewall.Permissioned[P], Rs any](ctx context.Context, opts Options, fw FirewallHost[P]) (*Host[P, Rq, Rs], error) {
	opts = opts.withDefaults()

	priv := opts.PrivKey
	if priv == nil {
		var err error
		priv, _, err = crypto.GenerateEd25519Key(nil)
		if err != nil {
			return nil, xerrors.Errorf("commnet/network: generating identity: %w", err)
		}
	}

	listenAddrs := opts.ListenAddrs
	if len(listenAddrs) == 0 {
		addr, err := ma.NewMultiaddr("/ip4/127.0.0.1/tcp/0")
		if err != nil {
			return nil, err
		}
		listenAddrs = []ma.Multiaddr{addr}
	}

	lh, err := libp2p.New(
		ctx,
		libp2p.Identity(priv),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(ws.New),
		libp2p.Security(noise.ID, noise.New),
		libp2p.ConnectionManager(connmgr.NewConnManager(
			opts.LowWater,
			opts.HighWater,
			opts.GracePeriod,
		)),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			return dht.New(ctx, h)
		}),
	)
	if err != nil {
		return nil, xerrors.Errorf("commnet/network: building libp2p host: %w", err)
	}

	hst := &Host[P, Rq, Rs]{
		ctx:             ctx,
		h:               lh,
		mgr:             behaviour.NewManager[P, Rq, Rs](),
		fw:              fw,
		backoff:         opts.DialBackoff,
		mailbox:         make(chan func(), 64),
		done:            make(chan struct{}),
		connByConn:      make(map[network.Conn]behaviour.ConnID),
		connByID:        make(map[behaviour.ConnID]network.Conn),
		connSupport:     make(map[behaviour.ConnID]behaviour.ProtocolSupport),
		ruleCache:       make(map[peer.ID]firewall.FirewallRules[P]),
		inbound:         make(chan protocol.Inbound[Rq, Rs], 32),
		pendingOutbound: make(map[behaviour.RequestID]chan behaviour.OutboundFailure),
		pendingInbound:  make(map[behaviour.RequestID]chan behaviour.InboundFailure),
	}

	lh.Network().Notify(hst.notifiee())
	lh.SetStreamHandler(protocol.ID, hst.handleStream)

	go hst.loop(ctx)

	log.Info().Str("peer", lh.ID().String()).Msg("commnet host started")
	return hst, nil
}

// ID is the local peer identity.
func (h *Host[P, Rq, Rs]) ID() peer.ID { return h.h.ID() }

// Addrs are the multiaddrs the host is currently listening on.
func (h *Host[P, Rq, Rs]) Addrs() []ma.Multiaddr { return h.h.Addrs() }

// Libp2pHost exposes the underlying host.Host for callers that need direct
// access (address book population, bootstrap dialing, and the like — all
// explicitly out of scope for this layer).
func (h *Host[P, Rq, Rs]) Libp2pHost() host.Host { return h.h }

// InboundRequests delivers approved inbound requests for the application to
// handle and answer.
func (h *Host[P, Rq, Rs]) InboundRequests() <-chan protocol.Inbound[Rq, Rs] {
	return h.inbound
}

// Close shuts down the event loop and the underlying libp2p host.
func (h *Host[P, Rq, Rs]) Close() error {
	close(h.done)
	return h.h.Close()
}

// submit enqueues a job onto the actor mailbox, serializing it with every
// other Manager access. It blocks only on mailbox backpressure, never on the
// job itself (jobs must not block).
func (h *Host[P, Rq, Rs]) submit(job func()) {
	select {
	case h.mailbox <- job:
	case <-h.done:
	}
}

