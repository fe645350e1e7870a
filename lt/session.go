package lt

import (
	"time"

	"github.com/btmesh/lowertransport"
)

// sessionKey identifies one reassembly in progress, the (source
// address, SeqZero) pair spec.md §3 scopes a session to.
type sessionKey struct {
	src     mesh.Addr
	seqZero mesh.SeqZero
}

// session is a reassembly in progress, the fields of spec.md §3's
// "Reassembly session". It plays the role cocInfo/cocRxTransaction
// play for an L2CAP credit-based channel, but keyed per-message
// instead of per-channel, which is the fix spec.md §9 calls for
// ("the current global-per-direction field is a known simplification
// that fails when two senders overlap").
type session struct {
	key sessionKey

	segN  uint8
	szmic bool

	// exactly one of these is meaningful, matching which Reassembler
	// owns this session
	akf bool
	aid uint8
	opCode uint8

	src, dst mesh.Addr
	ttl      uint8
	ivIndex  uint32

	blockAck uint32
	buf      map[uint8][]byte

	// duplicateSegments counts re-delivered SegO values, for sessionlog.
	duplicateSegments int

	started time.Time

	ackArmed       bool
	ackDeadline    time.Time
	blockAckSent   bool
	cancelAckTimer CancelFunc

	cancelIncompleteTimer CancelFunc

	// completed and lastBlockAck let a late duplicate for an
	// already-completed session replay the last ack instead of being
	// silently dropped (spec.md §9 open question #1).
	completed    bool
	lastBlockAck uint32
}

func newSession(key sessionKey, segN uint8, szmic bool, src, dst mesh.Addr, ttl uint8, now time.Time) *session {
	return &session{
		key:     key,
		segN:    segN,
		szmic:   szmic,
		src:     src,
		dst:     dst,
		ttl:     ttl,
		buf:     make(map[uint8][]byte),
		started: now,
	}
}

// complete reports whether every segment from 0..segN has arrived.
func (s *session) complete() bool {
	return len(s.buf) == int(s.segN)+1
}

// fullBlockAck is the bitmap value a complete session would carry:
// (1 << (segN+1)) - 1.
func fullBlockAck(segN uint8) uint32 {
	if segN >= 31 {
		return 0xFFFFFFFF
	}
	return (uint32(1) << (uint32(segN) + 1)) - 1
}

// assembleUpperPDU concatenates the session's buffer in SegO order.
func (s *session) assembleUpperPDU() []byte {
	out := make([]byte, 0)
	for i := uint8(0); i <= s.segN; i++ {
		out = append(out, s.buf[i]...)
	}
	return out
}
