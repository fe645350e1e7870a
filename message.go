package mesh

// SeqZero is the 13 low bits of a message's sequence number, used to
// correlate the segments of one message and to key a reassembly
// session together with the sender's address.
type SeqZero uint16

// Mask keeps only the 13 significant bits of a SeqZero value.
func (z SeqZero) Mask() SeqZero {
	return z & 0x1FFF
}

// SeqZeroOf extracts the SeqZero of a full 24-bit sequence number.
func SeqZeroOf(seq uint32) SeqZero {
	return SeqZero(seq & 0x1FFF)
}

// AccessFields are the attributes specific to an access message,
// carried over a single unsegmented PDU or reassembled from segments.
type AccessFields struct {
	AKF   bool  // application key flag
	AID   uint8 // application key identifier, 6 bits
	ASZMIC bool // size of the upper transport MIC, segmented access only
}

// ControlFields are the attributes specific to a transport control
// message.
type ControlFields struct {
	OpCode     uint8 // 7 bits
	Parameters []byte // optional prefix inserted before the control PDU, unsegmented only
}

// Common carries the attributes shared by access and control messages:
// addressing, sequence number, IV index, and the per-segment map that
// the outbound segmenter fills in and the inbound reassembler consumes.
type Common struct {
	Src, Dst Addr
	TTL      uint8
	SeqNum   uint32 // full 24-bit sequence number
	IVIndex  uint32

	Segmented bool
	Segments  map[uint8][]byte // SegO -> segment PDU (outbound) or payload (inbound, post-reassembly)
}

// AccessMessage is an access-layer message as it crosses the lower
// transport boundary: an encrypted upper transport PDU on the way out,
// or its segments/assembled bytes on the way in.
type AccessMessage struct {
	Common
	AccessFields
	UpperTransportPDU []byte
}

// ControlMessage is a transport-layer control message, such as a
// segment acknowledgement, as it crosses the lower transport boundary.
type ControlMessage struct {
	Common
	ControlFields
	TransportControlPDU []byte
}

// Message is the tagged union the rest of the stack exchanges with
// the lower transport layer: exactly one of Access or Control is set.
// This replaces the inheritance hierarchy (Message <- AccessMessage,
// ControlMessage) of the source implementation with an explicit
// variant, so callers must branch instead of relying on dynamic
// dispatch.
type Message struct {
	Access  *AccessMessage
	Control *ControlMessage
}

// SeqZero returns the message's SeqZero, regardless of variant.
func (m Message) SeqZero() SeqZero {
	if m.Access != nil {
		return SeqZeroOf(m.Access.SeqNum)
	}
	if m.Control != nil {
		return SeqZeroOf(m.Control.SeqNum)
	}
	return 0
}

// common returns the shared fields of whichever variant is set.
func (m Message) common() *Common {
	if m.Access != nil {
		return &m.Access.Common
	}
	if m.Control != nil {
		return &m.Control.Common
	}
	return nil
}

// SetSeqNum sets the sequence number on whichever variant is set,
// factored out of the variant the way the design notes require for
// operations that apply to both Access and Control.
func (m Message) SetSeqNum(seq uint32) {
	if c := m.common(); c != nil {
		c.SeqNum = seq
	}
}

// SetIVIndex sets the IV index on whichever variant is set.
func (m Message) SetIVIndex(iv uint32) {
	if c := m.common(); c != nil {
		c.IVIndex = iv
	}
}
