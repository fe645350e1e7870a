// Package bearer adapts the lower transport core to concrete
// transports that carry lower-transport PDUs between nodes. The core
// (package lt) never touches a wire itself (spec.md §6); a Bearer is
// how a PDU crosses from Transport.SendAccess/SendControl's returned
// segment map onto some medium, and how bytes read off that medium
// become a HandleAccessPDU/HandleControlPDU call.
package bearer

import (
	"io"
	"sync"
	"time"

	"github.com/chmorgan/go-serial2/serial"
	"github.com/pkg/errors"

	"github.com/btmesh/lowertransport"
	"github.com/btmesh/lowertransport/lt"
)

// syncByte marks the start of a frame. This wire format is specific
// to this bearer (a serial test rig, not a real Mesh advertising or
// GATT bearer, both non-goals) and exists only so unit tests and
// cmd/meshsar have a byte-realistic transport to exercise the core
// through.
const syncByte = 0xB7

// headerLength is the fixed portion of a frame, up to and including
// the 1-byte PDU length: sync(1) | channel(1) | ttl(1) | src(2) |
// dst(2) | seqNum(3) | ivIndex(4) | pduLen(1).
const headerLength = 15

// Dispatcher is the subset of *lt.Transport a Bearer drives inbound
// frames into. Declaring it here, rather than depending on *lt.Transport
// directly, keeps this package honest about how little of Transport it
// actually needs.
type Dispatcher interface {
	HandleAccessPDU(pdu []byte, meta lt.PDUMeta) error
	HandleControlPDU(pdu []byte, meta lt.PDUMeta) error
}

// SerialBearer carries lower transport PDUs over a UART, framing raw
// bytes the way h4.h4 frames HCI UART traffic: a rolling buffer with a
// timeout that drops a partial frame if the next byte doesn't arrive
// in time.
type SerialBearer struct {
	sp  io.ReadWriteCloser
	rmu sync.Mutex
	wmu sync.Mutex

	buf          []byte
	frameTimeout time.Time

	dispatcher Dispatcher
	log        mesh.Logger

	done chan struct{}
	cmu  sync.Mutex
}

// Open opens a serial port with the given options and returns a
// SerialBearer that dispatches every complete inbound frame to
// dispatcher. The caller must call Close when done.
func Open(opts serial.OpenOptions, dispatcher Dispatcher) (*SerialBearer, error) {
	sp, err := serial.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "bearer: open serial port")
	}
	return WrapReadWriteCloser(sp, dispatcher), nil
}

// WrapReadWriteCloser builds a SerialBearer over any already-open
// io.ReadWriteCloser, serial port or otherwise. This is what lets
// tests exercise the framing state machine over an in-memory pipe
// instead of a real UART.
func WrapReadWriteCloser(rwc io.ReadWriteCloser, dispatcher Dispatcher) *SerialBearer {
	b := &SerialBearer{
		sp:         rwc,
		dispatcher: dispatcher,
		log:        mesh.GetLogger().ChildLogger(map[string]interface{}{"bearer": "serial"}),
		done:       make(chan struct{}),
	}
	go b.rxLoop()
	return b
}

// Send writes one lower transport PDU, framed, to the peer.
func (b *SerialBearer) Send(ch lt.Channel, meta lt.PDUMeta, pdu []byte) error {
	if len(pdu) > 0xFF {
		return errors.Errorf("bearer: pdu too large for this rig: %d bytes", len(pdu))
	}

	frame := make([]byte, 0, headerLength+len(pdu))
	frame = append(frame, syncByte, byte(ch), meta.TTL)
	frame = append(frame, meta.Src.Bytes()...)
	frame = append(frame, meta.Dst.Bytes()...)
	frame = append(frame,
		byte(meta.SeqNum>>16), byte(meta.SeqNum>>8), byte(meta.SeqNum))
	frame = append(frame,
		byte(meta.IVIndex>>24), byte(meta.IVIndex>>16), byte(meta.IVIndex>>8), byte(meta.IVIndex))
	frame = append(frame, byte(len(pdu)))
	frame = append(frame, pdu...)

	b.wmu.Lock()
	defer b.wmu.Unlock()
	_, err := b.sp.Write(frame)
	return errors.Wrap(err, "bearer: write")
}

// Close stops the receive loop and closes the underlying port.
func (b *SerialBearer) Close() error {
	b.cmu.Lock()
	defer b.cmu.Unlock()

	select {
	case <-b.done:
		return nil
	default:
		close(b.done)
		return errors.Wrap(b.sp.Close(), "bearer: close")
	}
}

func (b *SerialBearer) isOpen() bool {
	select {
	case <-b.done:
		return false
	default:
		return true
	}
}

func (b *SerialBearer) rxLoop() {
	tmp := make([]byte, 256)
	for b.isOpen() {
		n, err := b.sp.Read(tmp)
		if err != nil || n == 0 {
			continue
		}
		b.frameAssemble(tmp[:n])
	}
}

// frameAssemble is h4.h4.frameAssemble's buffering strategy, adapted
// to this package's fixed-header-plus-length framing instead of the
// HCI event/ACL header shapes.
func (b *SerialBearer) frameAssemble(in []byte) {
	if len(in) == 0 {
		return
	}
	if b.buf != nil && time.Now().After(b.frameTimeout) {
		b.buf = nil
	}

	b.buf = append(b.buf, in...)

	for {
		if len(b.buf) == 0 {
			return
		}
		if b.buf[0] != syncByte {
			// resync: drop one byte and retry, the way h4 rejects an
			// unrecognized leading type byte.
			b.buf = b.buf[1:]
			continue
		}
		if len(b.buf) < headerLength {
			b.frameTimeout = time.Now().Add(500 * time.Millisecond)
			return
		}

		pduLen := int(b.buf[headerLength-1])
		total := headerLength + pduLen
		if len(b.buf) < total {
			b.frameTimeout = time.Now().Add(500 * time.Millisecond)
			return
		}

		frame := b.buf[:total]
		b.buf = b.buf[total:]
		b.dispatch(frame)
	}
}

func (b *SerialBearer) dispatch(frame []byte) {
	ch := lt.Channel(frame[1])
	meta := lt.PDUMeta{
		TTL: frame[2],
		Src: mesh.AddrFromBytes(frame[3:5]),
		Dst: mesh.AddrFromBytes(frame[5:7]),
		SeqNum: uint32(frame[7])<<16 | uint32(frame[8])<<8 | uint32(frame[9]),
		IVIndex: uint32(frame[10])<<24 | uint32(frame[11])<<16 | uint32(frame[12])<<8 | uint32(frame[13]),
	}
	pdu := frame[headerLength:]

	var err error
	switch ch {
	case lt.ChannelAccess:
		err = b.dispatcher.HandleAccessPDU(pdu, meta)
	case lt.ChannelControl:
		err = b.dispatcher.HandleControlPDU(pdu, meta)
	default:
		b.log.Warnf("unknown channel byte %d, dropping frame", frame[1])
		return
	}
	if err != nil {
		b.log.Debugf("dispatch: %v", err)
	}
}
