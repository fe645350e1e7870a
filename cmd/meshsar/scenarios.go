package main

import (
	"fmt"
	"time"

	"github.com/btmesh/lowertransport"
	"github.com/btmesh/lowertransport/lt"
	"github.com/btmesh/lowertransport/netsim"
)

var scenarioOrder = []string{"S1", "S2", "S3", "S4", "S5", "S6"}

var scenarios = map[string]func() error{
	"S1": scenarioS1,
	"S2": scenarioS2,
	"S3": scenarioS3,
	"S4": scenarioS4,
	"S5": scenarioS5,
	"S6": scenarioS6,
}

var netsimKey = []byte("meshsar-demo-key") // 16 bytes, fixture only

type seqSource struct{ next uint32 }

func (s *seqSource) IncrementSequenceNumber() (uint32, error) { return s.IncrementSequenceNumberFor(0) }
func (s *seqSource) IncrementSequenceNumberFor(mesh.Addr) (uint32, error) {
	v := s.next
	s.next++
	return v, nil
}
func (s *seqSource) IVIndex() uint32 { return 0 }

func newDemoTransport() (*lt.Transport, chan mesh.AccessMessage, chan mesh.ControlMessage) {
	access := make(chan mesh.AccessMessage, 8)
	acks := make(chan mesh.ControlMessage, 8)

	tr, err := lt.NewTransport(lt.Callbacks{
		SendAccessMessage: func(m mesh.AccessMessage) { access <- m },
		SendControlMessage: func(m mesh.ControlMessage) {
			// S1-S6 never exercise a non-ack control message end to
			// end, but a real caller must still handle it.
		},
		SendSegmentAcknowledgementMessage: func(m mesh.ControlMessage) error {
			acks <- m
			return nil
		},
	}, &seqSource{next: 1})
	if err != nil {
		panic(err) // construction failure means a required callback was left nil, a programmer error
	}
	return tr, access, acks
}

// S1 — Unsegmented access outbound.
func scenarioS1() error {
	tr, _, _ := newDemoTransport()

	segs, err := tr.SendAccess(mesh.AccessMessage{
		Common:            mesh.Common{SeqNum: 1, Dst: mesh.NewAddr(0x0002)},
		AccessFields:      mesh.AccessFields{AKF: true, AID: 0x05},
		UpperTransportPDU: []byte{0xAA, 0xBB, 0xCC},
	})
	if err != nil {
		return err
	}
	fmt.Printf("lower pdu: % X\n", segs[0])
	return nil
}

// S2 — Segmented access outbound, two segments.
func scenarioS2() error {
	tr, _, _ := newDemoTransport()

	payload := make([]byte, 16)
	for i := range payload {
		payload[i] = byte(i)
	}

	segs, err := tr.SendAccess(mesh.AccessMessage{
		Common:            mesh.Common{SeqNum: 0x0001, Dst: mesh.NewAddr(0x0002)},
		UpperTransportPDU: payload,
	})
	if err != nil {
		return err
	}
	for segO := uint8(0); segO <= 1; segO++ {
		fmt.Printf("segment %d: % X\n", segO, segs[segO])
	}
	return nil
}

// S3 — Segmented access inbound, completion before the ack timer.
func scenarioS3() error {
	tr, access, acks := newDemoTransport()

	src, dst := mesh.NewAddr(0x0001), mesh.NewAddr(0x0002)
	netPDU0, _ := netsim.Build(netsimKey, netsim.Header{TTL: 5, Src: src, Dst: dst}, segAccessPDU(0, 1))
	netPDU1, _ := netsim.Build(netsimKey, netsim.Header{TTL: 5, Src: src, Dst: dst}, segAccessPDU(1, 1))

	if err := feed(tr, netPDU0); err != nil {
		return err
	}
	if err := feed(tr, netPDU1); err != nil {
		return err
	}

	select {
	case m := <-access:
		fmt.Printf("reassembled before timer fired: % X\n", m.UpperTransportPDU)
	case <-time.After(100 * time.Millisecond):
		return fmt.Errorf("expected immediate completion, timed out")
	}
	select {
	case ack := <-acks:
		fmt.Printf("ack payload: % X\n", ack.TransportControlPDU)
	case <-time.After(100 * time.Millisecond):
		return fmt.Errorf("expected immediate ack, timed out")
	}
	return nil
}

// S4 — Segmented inbound, out-of-order arrival.
func scenarioS4() error {
	tr, access, _ := newDemoTransport()

	src, dst := mesh.NewAddr(0x0011), mesh.NewAddr(0x0022)
	netPDU1, _ := netsim.Build(netsimKey, netsim.Header{TTL: 2, Src: src, Dst: dst}, segAccessPDU(1, 1))
	netPDU0, _ := netsim.Build(netsimKey, netsim.Header{TTL: 2, Src: src, Dst: dst}, segAccessPDU(0, 1))

	if err := feed(tr, netPDU1); err != nil {
		return err
	}
	if err := feed(tr, netPDU0); err != nil {
		return err
	}

	select {
	case m := <-access:
		fmt.Printf("reassembled out of order: % X\n", m.UpperTransportPDU)
	case <-time.After(100 * time.Millisecond):
		return fmt.Errorf("expected completion, timed out")
	}
	return nil
}

// S5 — Segmented inbound, missing segment, ack timer fires.
func scenarioS5() error {
	tr, _, acks := newDemoTransport()

	src, dst := mesh.NewAddr(0x0001), mesh.NewAddr(0x0002)
	netPDU0, _ := netsim.Build(netsimKey, netsim.Header{TTL: 2, Src: src, Dst: dst}, threeSegAccessPDU(0))
	netPDU2, _ := netsim.Build(netsimKey, netsim.Header{TTL: 2, Src: src, Dst: dst}, threeSegAccessPDU(2))

	if err := feed(tr, netPDU0); err != nil {
		return err
	}
	if err := feed(tr, netPDU2); err != nil {
		return err
	}

	fmt.Println("segment 1 withheld, waiting for the ack timer (150+50*2=250ms)...")
	select {
	case ack := <-acks:
		fmt.Printf("ack payload after timer: % X\n", ack.TransportControlPDU)
	case <-time.After(2 * time.Second):
		return fmt.Errorf("ack timer never fired")
	}
	return nil
}

// S6 — SeqZero rollover policy.
func scenarioS6() error {
	tr, access, _ := newDemoTransport()

	src, dst := mesh.NewAddr(0x0001), mesh.NewAddr(0x0002)
	seqZero := uint16(0x0001)
	netPDU0, _ := netsim.Build(netsimKey, netsim.Header{TTL: 0, Seq: 0x002000, Src: src, Dst: dst}, segAccessPDUSeqZero(0, 1, seqZero))
	netPDU1, _ := netsim.Build(netsimKey, netsim.Header{TTL: 0, Seq: 0x002001, Src: src, Dst: dst}, segAccessPDUSeqZero(1, 1, seqZero))

	if err := feed(tr, netPDU0); err != nil {
		return err
	}
	if err := feed(tr, netPDU1); err != nil {
		return err
	}

	select {
	case m := <-access:
		fmt.Printf("recovered full sequence number: %06X\n", m.SeqNum)
	case <-time.After(100 * time.Millisecond):
		return fmt.Errorf("expected completion, timed out")
	}
	return nil
}

func feed(tr *lt.Transport, netPDU []byte) error {
	meta, lowerPDU, err := netsim.Parse(netsimKey, netPDU)
	if err != nil {
		return err
	}
	return tr.HandleAccessPDU(lowerPDU, meta)
}

// segAccessPDU builds a raw two-segment lower transport access PDU
// for segO of segN, 1 payload byte, SeqZero=0x0010.
func segAccessPDU(segO, segN uint8) []byte {
	return segAccessPDUSeqZero(segO, segN, 0x0010)
}

func segAccessPDUSeqZero(segO, segN uint8, seqZero uint16) []byte {
	hdr := lt.EncodeSegmentedAccessHeader(false, 0, false, mesh.SeqZero(seqZero), segO, segN)
	return append(hdr[:], byte(segO))
}

func threeSegAccessPDU(segO uint8) []byte {
	hdr := lt.EncodeSegmentedAccessHeader(false, 0, false, mesh.SeqZero(0x0030), segO, 2)
	return append(hdr[:], byte(0xA0)+segO)
}
