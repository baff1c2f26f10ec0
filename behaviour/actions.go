package behaviour

import "github.com/libp2p/go-libp2p-core/peer"

// InboundFailure is the reason an inbound request did not complete.
type InboundFailure int

const (
	InboundNotPermitted InboundFailure = iota
	InboundConnectionClosed
	InboundTimeout
	InboundUnsupportedProtocols
)

func (f InboundFailure) String() string {
	switch f {
	case InboundNotPermitted:
		return "NotPermitted"
	case InboundConnectionClosed:
		return "ConnectionClosed"
	case InboundTimeout:
		return "Timeout"
	case InboundUnsupportedProtocols:
		return "UnsupportedProtocols"
	default:
		return "Unknown"
	}
}

// OutboundFailure is the reason an outbound request did not complete.
type OutboundFailure int

const (
	OutboundNotPermitted OutboundFailure = iota
	OutboundConnectionClosed
	OutboundDialFailure
	OutboundTimeout
	OutboundUnsupportedProtocols
)

func (f OutboundFailure) String() string {
	switch f {
	case OutboundNotPermitted:
		return "NotPermitted"
	case OutboundConnectionClosed:
		return "ConnectionClosed"
	case OutboundDialFailure:
		return "DialFailure"
	case OutboundTimeout:
		return "Timeout"
	case OutboundUnsupportedProtocols:
		return "UnsupportedProtocols"
	default:
		return "Unknown"
	}
}

// ActionKind discriminates the Action variants.
type ActionKind int

const (
	InboundReady ActionKind = iota
	OutboundReady
	RequireDialAttempt
	SetProtocolSupport
	OutboundFailureAction
	InboundFailureAction
)

func (k ActionKind) String() string {
	switch k {
	case InboundReady:
		return "InboundReady"
	case OutboundReady:
		return "OutboundReady"
	case RequireDialAttempt:
		return "RequireDialAttempt"
	case SetProtocolSupport:
		return "SetProtocolSupport"
	case OutboundFailureAction:
		return "OutboundFailure"
	case InboundFailureAction:
		return "InboundFailure"
	default:
		return "Unknown"
	}
}

// Action is the manager's output alphabet. Exactly one Kind-specific set of
// fields is meaningful for any given value; see the BehaviourAction table in
// the design doc for which.
type Action[Rq any, Rs any] struct {
	Kind ActionKind

	RequestID RequestID
	Peer      peer.ID

	// Connection is set for OutboundReady and SetProtocolSupport.
	Connection ConnID
	// Request is set for InboundReady and OutboundReady.
	Request Message[Rq, Rs]
	// Support is set for SetProtocolSupport.
	Support ProtocolSupport
	// InboundReason is set for InboundFailureAction.
	InboundReason InboundFailure
	// OutboundReason is set for OutboundFailureAction.
	OutboundReason OutboundFailure
}
