// Package behaviour implements the request-manager state machine: it
// reconciles newly admitted requests against firewall decisions, connection
// topology, and dial outcomes, and emits the BehaviourAction queue the host
// event loop drains.
package behaviour

import "sync/atomic"

// RequestID is a process-unique, monotonically increasing handle assigned to
// a request the moment it enters the manager.
type RequestID uint64

// requestIDCounter is shared by every Manager in the process so ids stay
// unique and monotonic across concurrently instantiated managers. Monotonic
// ids alone do not keep awaitingApproval sorted (see insertAwaitingApproval).
var requestIDCounter uint64

// NextRequestID issues a fresh, process-unique RequestID. Hosts call this
// exactly once per admitted request, before calling Manager.OnNewRequest.
func NextRequestID() RequestID {
	return RequestID(atomic.AddUint64(&requestIDCounter, 1))
}

// ConnID is an opaque handle for one live connection to a peer. go-libp2p's
// network.Conn exposes no small stable identifier of its own, so the host
// facade mints one of these when a connection is established.
type ConnID uint64

// connIDCounter mints process-unique connection handles.
var connIDCounter uint64

// NextConnID issues a fresh, process-unique ConnID.
func NextConnID() ConnID {
	return ConnID(atomic.AddUint64(&connIDCounter, 1))
}

// ProtocolSupport controls which directions a connection's handler will
// negotiate the communication protocol for.
type ProtocolSupport int

const (
	SupportNone ProtocolSupport = iota
	SupportInbound
	SupportOutbound
	SupportBoth
)

func (s ProtocolSupport) AdmitsInbound() bool  { return s == SupportInbound || s == SupportBoth }
func (s ProtocolSupport) AdmitsOutbound() bool { return s == SupportOutbound || s == SupportBoth }

// Message carries the application payload plus a single-shot response sink.
// The sink is owned by whoever currently holds the request: the manager
// while it is stored, a protocol handler while the request is in flight.
// Sending on ResponseSink or closing it without sending are both terminal;
// a nil/closed sink observed by the receiving side signals "no response".
type Message[Rq any, Rs any] struct {
	Data         Rq
	ResponseSink chan Rs
}

// NewMessage wraps data with a fresh capacity-1 response sink.
func NewMessage[Rq any, Rs any](data Rq) Message[Rq, Rs] {
	return Message[Rq, Rs]{Data: data, ResponseSink: make(chan Rs, 1)}
}
