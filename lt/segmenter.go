package lt

import (
	"github.com/pkg/errors"

	"github.com/btmesh/lowertransport"
)

// Segmenter turns one outbound upper-transport PDU into an ordered
// map of lower transport PDUs (component B of the lower transport
// layer). It holds no state; every call is independent.
type Segmenter struct{}

// SegmentAccess builds the lower transport PDU(s) for an access
// message. If the upper transport PDU fits in a single unsegmented
// PDU, msg.Common.Segmented is left false and the map has a single
// entry at key 0. Otherwise it is split into MaxSegmentedAccessPayload
// sized chunks, msg.Common.Segmented is set true, and the map has one
// entry per segment, keyed by SegO.
func (Segmenter) SegmentAccess(msg *mesh.AccessMessage) (map[uint8][]byte, error) {
	payload := msg.UpperTransportPDU

	if len(payload) <= mesh.MaxSegmentedAccessPayload {
		msg.Segmented = false
		header := EncodeUnsegmentedAccessHeader(msg.AKF, msg.AID)
		pdu := make([]byte, 0, 1+len(payload))
		pdu = append(pdu, header)
		pdu = append(pdu, payload...)
		return map[uint8][]byte{0: pdu}, nil
	}

	numSegments := ceilDiv(len(payload), mesh.MaxSegmentedAccessPayload)
	if numSegments > 32 {
		return nil, errors.Wrapf(ErrPayloadTooLarge, "%d bytes needs %d segments", len(payload), numSegments)
	}
	segN := uint8(numSegments - 1)
	seqZero := mesh.SeqZeroOf(msg.SeqNum)

	out := make(map[uint8][]byte, numSegments)
	for segO := 0; segO < numSegments; segO++ {
		start := segO * mesh.MaxSegmentedAccessPayload
		end := start + mesh.MaxSegmentedAccessPayload
		if end > len(payload) {
			end = len(payload)
		}

		hdr := EncodeSegmentedAccessHeader(msg.AKF, msg.AID, msg.ASZMIC, seqZero, uint8(segO), segN)
		pdu := make([]byte, 0, 4+end-start)
		pdu = append(pdu, hdr[:]...)
		pdu = append(pdu, payload[start:end]...)
		out[uint8(segO)] = pdu
	}

	msg.Segmented = true
	return out, nil
}

// SegmentControl builds the lower transport PDU(s) for a transport
// control message, analogous to SegmentAccess but with an OpCode
// instead of AKF/AID. A control PDU of up to MaxUnsegmentedControlPayload
// bytes is sent unsegmented; a longer one is split into
// MaxSegmentedControlPayload sized chunks. Unsegmented control
// additionally supports an optional Parameters prefix inserted between
// the header byte and the control PDU.
func (Segmenter) SegmentControl(msg *mesh.ControlMessage) (map[uint8][]byte, error) {
	payload := msg.TransportControlPDU

	if len(payload) <= mesh.MaxUnsegmentedControlPayload {
		msg.Segmented = false
		header := EncodeUnsegmentedControlHeader(msg.OpCode)
		pdu := make([]byte, 0, 1+len(msg.Parameters)+len(payload))
		pdu = append(pdu, header)
		pdu = append(pdu, msg.Parameters...)
		pdu = append(pdu, payload...)
		return map[uint8][]byte{0: pdu}, nil
	}

	numSegments := ceilDiv(len(payload), mesh.MaxSegmentedControlPayload)
	if numSegments > 32 {
		return nil, errors.Wrapf(ErrPayloadTooLarge, "%d bytes needs %d segments", len(payload), numSegments)
	}
	segN := uint8(numSegments - 1)
	seqZero := mesh.SeqZeroOf(msg.SeqNum)

	out := make(map[uint8][]byte, numSegments)
	for segO := 0; segO < numSegments; segO++ {
		start := segO * mesh.MaxSegmentedControlPayload
		end := start + mesh.MaxSegmentedControlPayload
		if end > len(payload) {
			end = len(payload)
		}

		hdr := EncodeSegmentedControlHeader(msg.OpCode, seqZero, uint8(segO), segN)
		pdu := make([]byte, 0, 4+end-start)
		pdu = append(pdu, hdr[:]...)
		pdu = append(pdu, payload[start:end]...)
		out[uint8(segO)] = pdu
	}

	msg.Segmented = true
	return out, nil
}

func ceilDiv(n, d int) int {
	if n == 0 {
		return 1
	}
	return (n + d - 1) / d
}
