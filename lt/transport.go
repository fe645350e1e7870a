package lt

import (
	"github.com/pkg/errors"

	"github.com/btmesh/lowertransport"
)

// PDUMeta carries the network-layer fields the lower transport layer
// needs but never parses itself (spec.md §6): address/TTL/sequence
// data read from the enclosing, already de-obfuscated and decrypted
// network PDU.
type PDUMeta struct {
	Src, Dst mesh.Addr
	TTL      uint8
	SeqNum   uint32
	IVIndex  uint32
}

// MetaFromNetworkPDU extracts PDUMeta from a full network PDU using
// the fixed offsets spec.md §6 specifies (TTL at byte 2 low 7 bits,
// src at bytes 4-5, dst at bytes 6-7). SeqNum and IVIndex come from
// the network header too, at the layer above the one this package
// implements; callers that have already parsed the network header
// should prefer constructing PDUMeta directly.
func MetaFromNetworkPDU(netPDU []byte, seqNum, ivIndex uint32) (PDUMeta, error) {
	if len(netPDU) < mesh.NetworkPDULowerTransportOffset {
		return PDUMeta{}, errors.Errorf("network pdu too short: %d bytes", len(netPDU))
	}
	return PDUMeta{
		TTL:     netPDU[mesh.NetworkPDUTTLOffset] & 0x7F,
		Src:     mesh.AddrFromBytes(netPDU[mesh.NetworkPDUSrcOffset : mesh.NetworkPDUSrcOffset+2]),
		Dst:     mesh.AddrFromBytes(netPDU[mesh.NetworkPDUDstOffset : mesh.NetworkPDUDstOffset+2]),
		SeqNum:  seqNum,
		IVIndex: ivIndex,
	}, nil
}

// Transport is the lower transport layer: it wires the PDU codec,
// outbound segmenter, and the two (access/control) reassemblers
// together behind the operations the rest of the mesh stack calls,
// the way hci.HCI wires the teacher's command/event plumbing behind
// one type. Construct with NewTransport; it is safe for concurrent
// use by multiple goroutines calling Send*/HandleAccessPDU/HandleControlPDU,
// though the Reassemblers themselves serialize session mutation internally.
type Transport struct {
	codec     Codec
	segmenter Segmenter

	access  *Reassembler
	control *Reassembler

	log mesh.Logger
	seq SequenceSource
}

// Codec is a thin namespace for the free codec functions, so callers
// can swap in a test double that records calls.
type Codec struct{}

func (Codec) Decode(pdu []byte, ch Channel) (Header, error) { return DecodeHeader(pdu, ch) }

// NewTransport constructs a Transport. callbacks.SendAccessMessage,
// callbacks.SendControlMessage, and
// callbacks.SendSegmentAcknowledgementMessage must all be set.
func NewTransport(callbacks Callbacks, seq SequenceSource, opts ...Option) (*Transport, error) {
	if callbacks.SendSegmentAcknowledgementMessage == nil {
		return nil, errors.New("lt: SendSegmentAcknowledgementMessage callback is required")
	}
	if callbacks.SendAccessMessage == nil {
		return nil, errors.New("lt: SendAccessMessage callback is required")
	}
	if callbacks.SendControlMessage == nil {
		return nil, errors.New("lt: SendControlMessage callback is required")
	}

	t := &Transport{
		log: mesh.GetLogger(),
		seq: seq,
	}
	cfg := &transportConfig{
		log:               t.log,
		clock:             systemClock{},
		scheduler:         NewTimerScheduler(),
		ackOpcode:         mesh.SARAckOpcode,
		incompleteTimeout: mesh.IncompleteTimerDuration,
	}
	for _, o := range opts {
		o(cfg)
	}
	t.log = cfg.log

	// Control messages carrying our own opcode (SAR ack) never get
	// reassembled through the generic control callback: the ack
	// engine on the *sending* side is the one that cares about them,
	// and that side is a different Transport instance (the peer's).
	// Here we just pass every completed control message, including
	// acks received for messages we sent, up to the caller, who is
	// responsible for routing SAR acks back into whatever tracks
	// outstanding segmented sends.
	accessOpts := []ReassemblerOption{
		WithReassemblerLogger(t.log.ChildLogger(map[string]interface{}{"dir": "access"})),
		WithClock(cfg.clock), WithTimerScheduler(cfg.scheduler), WithIncompleteTimeout(cfg.incompleteTimeout),
		WithReassemblerAckOpcode(cfg.ackOpcode),
	}
	controlOpts := []ReassemblerOption{
		WithReassemblerLogger(t.log.ChildLogger(map[string]interface{}{"dir": "control"})),
		WithClock(cfg.clock), WithTimerScheduler(cfg.scheduler), WithIncompleteTimeout(cfg.incompleteTimeout),
		WithReassemblerAckOpcode(cfg.ackOpcode),
	}
	if cfg.ackCache != nil {
		accessOpts = append(accessOpts, WithAckCache(cfg.ackCache))
		controlOpts = append(controlOpts, WithAckCache(cfg.ackCache))
	}
	if cfg.sessionLog != nil {
		accessOpts = append(accessOpts, WithSessionLog(cfg.sessionLog))
		controlOpts = append(controlOpts, WithSessionLog(cfg.sessionLog))
	}
	t.access = NewReassembler(true, callbacks, seq, accessOpts...)
	t.control = NewReassembler(false, callbacks, seq, controlOpts...)

	return t, nil
}

// SendAccess segments (or not) an outbound access message, assigning
// it a fresh sequence number if msg.SeqNum is zero.
func (t *Transport) SendAccess(msg mesh.AccessMessage) (map[uint8][]byte, error) {
	if msg.SeqNum == 0 {
		seq, err := t.seq.IncrementSequenceNumberFor(msg.Dst)
		if err != nil {
			return nil, errors.Wrap(err, "lt: assign sequence number")
		}
		msg.SeqNum = seq
	}

	segs, err := t.segmenter.SegmentAccess(&msg)
	if err != nil {
		return nil, err
	}
	msg.Segments = segs
	return segs, nil
}

// SendControl is the control-message counterpart of SendAccess.
func (t *Transport) SendControl(msg mesh.ControlMessage) (map[uint8][]byte, error) {
	if msg.SeqNum == 0 {
		seq, err := t.seq.IncrementSequenceNumberFor(msg.Dst)
		if err != nil {
			return nil, errors.Wrap(err, "lt: assign sequence number")
		}
		msg.SeqNum = seq
	}

	segs, err := t.segmenter.SegmentControl(&msg)
	if err != nil {
		return nil, err
	}
	msg.Segments = segs
	return segs, nil
}

// Send dispatches an outbound mesh.Message to SendAccess or
// SendControl depending on which variant is populated, the explicit
// branch at the boundary spec.md §9 calls for in place of the source's
// Message inheritance hierarchy. It stamps the current IV index onto
// the message first, via Message.SetIVIndex, since that is an
// operation every outbound message needs regardless of variant.
func (t *Transport) Send(msg mesh.Message) (map[uint8][]byte, error) {
	msg.SetIVIndex(t.seq.IVIndex())

	switch {
	case msg.Access != nil:
		return t.SendAccess(*msg.Access)
	case msg.Control != nil:
		return t.SendControl(*msg.Control)
	default:
		return nil, errors.New("lt: message has neither Access nor Control set")
	}
}

// HandleAccessPDU classifies and routes one inbound lower transport
// PDU known to belong to the access channel.
func (t *Transport) HandleAccessPDU(pdu []byte, meta PDUMeta) error {
	hdr, err := t.codec.Decode(pdu, ChannelAccess)
	if err != nil {
		t.log.Warnf("discarding malformed access pdu from %s: %v", meta.Src, err)
		return err
	}

	if hdr.Kind == UnsegAccess {
		msg := t.access.ParseUnsegmentedAccess(hdr, pdu[hdr.HeaderLen:], meta.Src, meta.Dst, meta.TTL, meta.SeqNum, meta.IVIndex)
		t.access.callbacks.SendAccessMessage(msg)
		return nil
	}

	_, _, err = t.access.ParseSegmentedAccess(hdr, pdu[hdr.HeaderLen:], meta.Src, meta.Dst, meta.TTL, meta.SeqNum, meta.IVIndex)
	if err != nil && !errors.Is(err, ErrDuplicateSegment) {
		t.log.Warnf("access segment from %s: %v", meta.Src, err)
	}
	return nil
}

// HandleControlPDU classifies and routes one inbound lower transport
// PDU known to belong to the control channel.
func (t *Transport) HandleControlPDU(pdu []byte, meta PDUMeta) error {
	hdr, err := t.codec.Decode(pdu, ChannelControl)
	if err != nil {
		t.log.Warnf("discarding malformed control pdu from %s: %v", meta.Src, err)
		return err
	}

	if hdr.Kind == UnsegControl {
		msg := t.control.ParseUnsegmentedControl(hdr.OpCode, pdu[hdr.HeaderLen:], meta.Src, meta.Dst, meta.TTL, meta.SeqNum, meta.IVIndex)
		t.control.callbacks.SendControlMessage(msg)
		return nil
	}

	_, _, err = t.control.ParseSegmentedControl(hdr, pdu[hdr.HeaderLen:], meta.Src, meta.Dst, meta.TTL, meta.SeqNum, meta.IVIndex)
	if err != nil && !errors.Is(err, ErrDuplicateSegment) {
		t.log.Warnf("control segment from %s: %v", meta.Src, err)
	}
	return nil
}

// Close releases the timers owned by both reassemblers.
func (t *Transport) Close() {
	t.access.Close()
	t.control.Close()
}
