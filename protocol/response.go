package protocol

import (
	"github.com/hopwire/commnet/behaviour"
	"github.com/libp2p/go-libp2p-core/network"
	libp2pprotocol "github.com/libp2p/go-libp2p-core/protocol"
)

// Inbound is one freshly parsed inbound request together with the peer it
// came from, as handed off to the manager's admission path.
type Inbound[Rq any, Rs any] struct {
	Peer    network.Conn
	Message behaviour.Message[Rq, Rs]
}

// HandleResponse upgrades one freshly negotiated inbound substream: it reads
// a single request, hands it to requests for the manager to classify, then
// waits for the response sink to be resolved (value written back) or
// dropped (substream closed without a response).
//
// supported is the set of protocol names this connection currently accepts
// inbound requests for; an empty set rejects the substream outright. It
// stands in for multistream-select negotiation, which go-libp2p performs
// globally per protocol ID rather than per connection — per-connection
// protocol support is enforced here instead, at the application layer, by
// the host supplying a live snapshot before each accepted stream is
// handled.
//
// It returns whether a response was actually written back, and any error
// encountered; the caller reports completion to the manager via
// OnResForInbound.
func HandleResponse[Rq any, Rs any](s network.Stream, supported []libp2pprotocol.ID, requests chan<- Inbound[Rq, Rs]) (sent bool, err error) {
	defer s.Close()

	if !containsID(supported, ID) {
		return false, ErrUnsupportedProtocols
	}

	var data Rq
	if err := readFrame(s, &data); err != nil {
		return false, err
	}

	msg := behaviour.NewMessage[Rq, Rs](data)
	requests <- Inbound[Rq, Rs]{Peer: s.Conn(), Message: msg}

	response, ok := <-msg.ResponseSink
	if !ok {
		// The sink was closed without a value: the manager dropped or
		// rejected the request, or the application chose not to answer.
		return false, nil
	}
	if err := writeFrame(s, response); err != nil {
		return false, err
	}
	return true, nil
}

func containsID(ids []libp2pprotocol.ID, id libp2pprotocol.ID) bool {
	for _, p := range ids {
		if p == id {
			return true
		}
	}
	return false
}
