package lt

import "github.com/btmesh/lowertransport"

// Callbacks is the capability record the lower transport layer is
// constructed with, replacing the virtual-method dispatch of the
// source implementation's LowerTransportLayerCallbacks with an
// explicit function-value-per-operation record (spec.md §9).
type Callbacks struct {
	// SendSegmentAcknowledgementMessage submits a finished BlockAck
	// control PDU for onward network-layer processing. Required.
	SendSegmentAcknowledgementMessage func(mesh.ControlMessage) error

	// SendAccessMessage delivers a fully reassembled (or unsegmented)
	// access message to the upper transport layer. Required.
	SendAccessMessage func(mesh.AccessMessage)

	// SendControlMessage delivers a fully reassembled (or
	// unsegmented) transport control message to the upper transport
	// layer. Received SAR acks are delivered here too; no Reassembler
	// consumes them. Required.
	SendControlMessage func(mesh.ControlMessage)
}

// SequenceSource is the sending sequence-number source, shared with
// the network layer (spec.md §6). The core consumes it only through
// these operations and treats each returned sequence number as uniquely
// owned by the constructed outbound PDU.
type SequenceSource interface {
	IncrementSequenceNumber() (uint32, error)
	IncrementSequenceNumberFor(addr mesh.Addr) (uint32, error)
	IVIndex() uint32
}
