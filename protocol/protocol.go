// Package protocol implements the substream wire protocol and the
// inbound/outbound substream upgraders that drive a
// behaviour.Manager from real libp2p streams.
package protocol

import "github.com/libp2p/go-libp2p-core/protocol"

// ID is the protocol identifier both peers must advertise for a substream
// to be usable.
const ID = protocol.ID("/stronghold-communication/1.0.0")
