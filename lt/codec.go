package lt

import (
	"github.com/pkg/errors"

	"github.com/btmesh/lowertransport"
)

// Kind classifies a decoded lower transport header.
type Kind int

const (
	UnsegAccess Kind = iota
	SegAccess
	UnsegControl
	SegControl
)

func (k Kind) String() string {
	switch k {
	case UnsegAccess:
		return "UnsegAccess"
	case SegAccess:
		return "SegAccess"
	case UnsegControl:
		return "UnsegControl"
	case SegControl:
		return "SegControl"
	default:
		return "Unknown"
	}
}

// Channel distinguishes the access and control lower transport
// channels, since a PDU's SEG bit alone does not say which channel it
// belongs to; the network layer's CTL bit tells the caller that, and
// the caller picks the matching DecodeHeader/parse entry point
// (spec.md §4.3 lists separate parseUnsegmentedAccess/parseSegmentedAccess
// vs parseUnsegmentedControl/parseSegmentedControl entry points for
// exactly this reason).
type Channel int

const (
	ChannelAccess Channel = iota
	ChannelControl
)

// Header is the decoded lower transport header, fields from spec.md
// §4.1. Only the fields relevant to Kind are meaningful. The others
// are still decoded from the same bits (e.g. OpCode holds byte 0's
// low 7 bits even for an access PDU) and are to be ignored.
type Header struct {
	Kind Kind

	// Access
	AKF bool
	AID uint8

	// Control
	OpCode uint8

	// Segmented only
	SZMIC   bool
	SeqZero mesh.SeqZero
	SegO    uint8
	SegN    uint8

	// HeaderLen is the number of header bytes consumed (1 or 4), so
	// callers can slice the payload that follows.
	HeaderLen int
}

// DecodeHeader classifies and decodes the lower transport header at
// the start of pdu, for the given channel. pdu must already be
// positioned at the lower transport PDU (the caller has stripped the
// network header); see mesh.NetworkPDULowerTransportOffset for
// locating it within an enclosing network PDU.
func DecodeHeader(pdu []byte, ch Channel) (Header, error) {
	if len(pdu) == 0 {
		return Header{}, errors.Wrap(ErrMalformedHeader, "empty pdu")
	}

	b0 := pdu[0]
	seg := b0&0x80 != 0

	if !seg {
		kind := UnsegAccess
		if ch == ChannelControl {
			kind = UnsegControl
		}
		return Header{
			Kind:      kind,
			AKF:       b0&0x40 != 0,
			AID:       b0 & 0x3F,
			OpCode:    b0 & 0x7F,
			HeaderLen: 1,
		}, nil
	}

	if len(pdu) < 4 {
		return Header{}, errors.Wrapf(ErrMalformedHeader, "segmented header needs 4 bytes, got %d", len(pdu))
	}

	kind := SegAccess
	if ch == ChannelControl {
		kind = SegControl
	}

	seqZero := mesh.SeqZero((uint16(pdu[1]&0x7F) << 6) | uint16(pdu[2]>>2))
	segO := uint8((pdu[2]&0x03)<<3 | pdu[3]>>5)
	segN := pdu[3] & 0x1F

	return Header{
		Kind:      kind,
		AKF:       b0&0x40 != 0,
		AID:       b0 & 0x3F,
		OpCode:    b0 & 0x7F,
		SZMIC:     pdu[1]&0x80 != 0,
		SeqZero:   seqZero,
		SegO:      segO,
		SegN:      segN,
		HeaderLen: 4,
	}, nil
}

// EncodeUnsegmentedAccessHeader packs byte 0 of an unsegmented access
// PDU: SEG=0 | AKF(1) | AID(6).
func EncodeUnsegmentedAccessHeader(akf bool, aid uint8) byte {
	var b byte
	if akf {
		b |= 0x40
	}
	b |= aid & 0x3F
	return b
}

// EncodeUnsegmentedControlHeader packs byte 0 of an unsegmented
// control PDU: SEG=0 | OpCode(7).
func EncodeUnsegmentedControlHeader(opCode uint8) byte {
	return opCode & 0x7F
}

// EncodeSegmentedAccessHeader packs the 4-byte segmented access
// header per spec.md §4.1.
func EncodeSegmentedAccessHeader(akf bool, aid uint8, aszmic bool, seqZero mesh.SeqZero, segO, segN uint8) [4]byte {
	var b0 byte = 0x80
	if akf {
		b0 |= 0x40
	}
	b0 |= aid & 0x3F

	var b1 byte
	if aszmic {
		b1 |= 0x80
	}
	sz := uint16(seqZero.Mask())
	b1 |= byte(sz>>6) & 0x7F

	b2 := byte(sz<<2) & 0xFC
	b2 |= (segO >> 3) & 0x03

	b3 := (segO << 5) & 0xE0
	b3 |= segN & 0x1F

	return [4]byte{b0, b1, b2, b3}
}

// EncodeSegmentedControlHeader packs the 4-byte segmented control
// header. Byte 1's top bit is RFU and is always sent as 0.
func EncodeSegmentedControlHeader(opCode uint8, seqZero mesh.SeqZero, segO, segN uint8) [4]byte {
	b0 := byte(0x80) | (opCode & 0x7F)

	sz := uint16(seqZero.Mask())
	b1 := byte(sz>>6) & 0x7F // top bit (RFU) left clear

	b2 := byte(sz<<2) & 0xFC
	b2 |= (segO >> 3) & 0x03

	b3 := (segO << 5) & 0xE0
	b3 |= segN & 0x1F

	return [4]byte{b0, b1, b2, b3}
}

// recoverFullSeq recovers the full 24-bit sequence number of a
// reassembled message from the sequence number carried by one of its
// segments and the message's SeqZero, per spec.md §4.3.
func recoverFullSeq(receivedSeq uint32, seqZero mesh.SeqZero) (uint32, error) {
	receivedSeq &= 0xFFFFFF
	upper := int32(receivedSeq >> 13)
	low13 := uint16(receivedSeq & 0x1FFF)

	if low13 < uint16(seqZero.Mask()) {
		upper--
	}

	if upper < 0 {
		return 0, errors.Wrapf(ErrSeqRollover, "received=%06X seqZero=%04X", receivedSeq, seqZero.Mask())
	}

	return uint32(upper)<<13 | uint32(seqZero.Mask()), nil
}
