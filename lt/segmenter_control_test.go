package lt

import (
	"bytes"
	"testing"

	"github.com/btmesh/lowertransport"
)

func TestSegmentControl_Unsegmented(t *testing.T) {
	msg := &mesh.ControlMessage{
		TransportControlPDU: []byte{0x01, 0x02},
		ControlFields:       mesh.ControlFields{OpCode: 0x0A},
	}

	segs, err := Segmenter{}.SegmentControl(msg)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Segmented {
		t.Fatal("expected unsegmented")
	}
	want := []byte{0x0A, 0x01, 0x02}
	if !bytes.Equal(segs[0], want) {
		t.Fatalf("got % X want % X", segs[0], want)
	}
}

func TestSegmentControl_Segmented(t *testing.T) {
	payload := make([]byte, 20)
	for i := range payload {
		payload[i] = byte(i)
	}
	msg := &mesh.ControlMessage{
		TransportControlPDU: payload,
		ControlFields:       mesh.ControlFields{OpCode: 0x3A},
	}

	segs, err := Segmenter{}.SegmentControl(msg)
	if err != nil {
		t.Fatal(err)
	}
	if !msg.Segmented {
		t.Fatal("expected segmented")
	}
	if len(segs) != 3 {
		t.Fatalf("expected 3 segments (20/8), got %d", len(segs))
	}
	for segO, pdu := range segs {
		if pdu[0]&0x80 == 0 {
			t.Fatalf("segment %d missing SEG bit", segO)
		}
		if pdu[0]&0x7F != 0x3A {
			t.Fatalf("segment %d opcode corrupted: %02X", segO, pdu[0])
		}
	}
}

// payloads over 32*MaxSegmentedControlPayload bytes cannot be
// represented in the 5-bit SegN field.
func TestSegmentControl_TooLarge(t *testing.T) {
	msg := &mesh.ControlMessage{
		TransportControlPDU: make([]byte, 33*mesh.MaxSegmentedControlPayload),
	}
	if _, err := (Segmenter{}).SegmentControl(msg); err == nil {
		t.Fatal("expected ErrPayloadTooLarge")
	}
}
