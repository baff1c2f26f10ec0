package protocol

import (
	"github.com/hopwire/commnet/behaviour"
	"github.com/libp2p/go-libp2p-core/network"
	libp2pprotocol "github.com/libp2p/go-libp2p-core/protocol"
	"golang.org/x/xerrors"
)

// ErrUnsupportedProtocols is returned when the supported protocol list
// passed to HandleRequest or HandleResponse does not contain ID (an empty
// list included), i.e. the
// connection's configured support rejects the direction.
var ErrUnsupportedProtocols = xerrors.New("commnet/protocol: connection does not support this protocol for the attempted direction")

// HandleRequest upgrades one freshly negotiated outbound substream: it
// writes the request payload, reads back one response, and forwards it to
// the waiting caller's response sink.
//
// supported mirrors HandleResponse's per-connection protocol gate; a set
// without ID fails fast with ErrUnsupportedProtocols and closes the stream
// without writing to it.
//
// It returns whether the response was delivered (false only if the caller
// had already abandoned the sink by closing it), and any error encountered.
func HandleRequest[Rq any, Rs any](s network.Stream, supported []libp2pprotocol.ID, msg behaviour.Message[Rq, Rs]) (delivered bool, err error) {
	defer s.Close()

	if !containsID(supported, ID) {
		return false, ErrUnsupportedProtocols
	}

	if err := writeFrame(s, msg.Data); err != nil {
		return false, err
	}

	var response Rs
	if err := readFrame(s, &response); err != nil {
		return false, err
	}

	delivered = sendResponse(msg.ResponseSink, response)
	return delivered, nil
}

// sendResponse attempts to deliver response on sink, reporting false if the
// caller already closed it (abandoned the request).
func sendResponse[Rs any](sink chan Rs, response Rs) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case sink <- response:
		return true
	default:
		return false
	}
}
