package lt

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/btmesh/lowertransport"
	"github.com/btmesh/lowertransport/cache"
	"github.com/btmesh/lowertransport/sessionlog"
)

// completedRetention is how long a completed session is kept around,
// after being handed to the upper transport, purely so a late
// duplicate segment can be answered with the last BlockAck instead of
// silently dropped (spec.md §9 open question #1).
const completedRetention = 2 * time.Second

// AckCacheStore is the subset of *cache.AckCache a Reassembler needs:
// persisting the last ack sent for a session so a late duplicate
// arriving after a process restart still gets a replayed ack instead
// of starting a fresh session (spec.md §9 open question #1, extended
// across restarts). Declared as an interface, matching SequenceSource
// and Callbacks, so tests can substitute an in-memory double.
type AckCacheStore interface {
	Store(cache.Key, cache.Entry) error
	Load(cache.Key) (cache.Entry, bool, error)
}

// SessionLogStore is the subset of *sessionlog.Log a Reassembler needs:
// one Append call per session that completes or times out, matching
// the diagnostic trail the original's plain Log.i calls hinted at but
// never structured.
type SessionLogStore interface {
	Append(sessionlog.Record) error
}

// Reassembler collects incoming segment PDUs into a coherent upper
// transport PDU (component C), and owns the acknowledgement state
// machine for each session it tracks (component D). One Reassembler
// instance exists per direction: access and control each get their
// own, matching spec.md's two session tables, and fixing the
// single-global-bitmap bug spec.md §9 calls out.
type Reassembler struct {
	mu       sync.Mutex
	sessions map[sessionKey]*session

	clock     Clock
	scheduler TimerScheduler
	log       mesh.Logger

	ackOpcode uint8
	seq       SequenceSource
	callbacks Callbacks

	// isAccess distinguishes the two instances for logging and for
	// picking which Callbacks.Send* to call on completion.
	isAccess bool

	incompleteTimeout func(ttl uint8) time.Duration

	ackCache   AckCacheStore
	sessionLog SessionLogStore
}

// NewReassembler constructs a Reassembler for one direction.
func NewReassembler(isAccess bool, callbacks Callbacks, seq SequenceSource, opts ...ReassemblerOption) *Reassembler {
	r := &Reassembler{
		sessions:          make(map[sessionKey]*session),
		clock:             systemClock{},
		scheduler:         NewTimerScheduler(),
		log:               mesh.GetLogger(),
		ackOpcode:         mesh.SARAckOpcode,
		seq:               seq,
		callbacks:         callbacks,
		isAccess:          isAccess,
		incompleteTimeout: mesh.IncompleteTimerDuration,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ReassemblerOption configures optional collaborators of a
// Reassembler, following the teacher's functional-option idiom
// (option.go's `type Option func(DeviceOption) error` over a setter
// interface), adapted to this package's narrower surface.
type ReassemblerOption func(*Reassembler)

func WithClock(c Clock) ReassemblerOption {
	return func(r *Reassembler) { r.clock = c }
}

func WithTimerScheduler(s TimerScheduler) ReassemblerOption {
	return func(r *Reassembler) { r.scheduler = s }
}

func WithReassemblerLogger(l mesh.Logger) ReassemblerOption {
	return func(r *Reassembler) { r.log = l }
}

func WithIncompleteTimeout(f func(ttl uint8) time.Duration) ReassemblerOption {
	return func(r *Reassembler) { r.incompleteTimeout = f }
}

// WithAckCache installs a persistent AckCacheStore: completed sessions
// record their last ack there, and a late duplicate for a session this
// process no longer remembers in memory (because it restarted, or
// because completedRetention expired) is looked up there before being
// treated as the first segment of a new session.
func WithAckCache(c AckCacheStore) ReassemblerOption {
	return func(r *Reassembler) { r.ackCache = c }
}

// WithSessionLog installs a SessionLogStore: every session this
// Reassembler completes or times out is appended to it, for field
// diagnostics (not sequence-number persistence).
func WithSessionLog(l SessionLogStore) ReassemblerOption {
	return func(r *Reassembler) { r.sessionLog = l }
}

// WithReassemblerAckOpcode overrides the opcode this Reassembler uses
// for outbound block acknowledgements. Defaults to mesh.SARAckOpcode.
func WithReassemblerAckOpcode(op uint8) ReassemblerOption {
	return func(r *Reassembler) { r.ackOpcode = op }
}

// ParseUnsegmentedAccess handles a degenerate one-segment access PDU.
// Per spec.md §4.3, aszmic is always false and the result is handed
// straight back, no session is created.
func (r *Reassembler) ParseUnsegmentedAccess(hdr Header, payload []byte, src, dst mesh.Addr, ttl uint8, seqNum uint32, ivIndex uint32) mesh.AccessMessage {
	return mesh.AccessMessage{
		Common: mesh.Common{
			Src: src, Dst: dst, TTL: ttl, SeqNum: seqNum, IVIndex: ivIndex,
			Segmented: false,
			Segments:  map[uint8][]byte{0: payload},
		},
		AccessFields:      mesh.AccessFields{AKF: hdr.AKF, AID: hdr.AID, ASZMIC: false},
		UpperTransportPDU: payload,
	}
}

// ParseUnsegmentedControl is the control-message counterpart of
// ParseUnsegmentedAccess.
func (r *Reassembler) ParseUnsegmentedControl(opCode uint8, payload []byte, src, dst mesh.Addr, ttl uint8, seqNum uint32, ivIndex uint32) mesh.ControlMessage {
	return mesh.ControlMessage{
		Common: mesh.Common{
			Src: src, Dst: dst, TTL: ttl, SeqNum: seqNum, IVIndex: ivIndex,
			Segmented: false,
			Segments:  map[uint8][]byte{0: payload},
		},
		ControlFields:        mesh.ControlFields{OpCode: opCode},
		TransportControlPDU: payload,
	}
}

// ParseSegmentedAccess handles one segment of a segmented access
// message (spec.md §4.3 steps 1-6). It returns ok=true with the
// assembled message exactly once per session, when the segment that
// completes the session arrives.
func (r *Reassembler) ParseSegmentedAccess(hdr Header, payload []byte, src, dst mesh.Addr, ttl uint8, seqNum uint32, ivIndex uint32) (mesh.AccessMessage, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := sessionKey{src: src, seqZero: hdr.SeqZero}

	// late duplicate of an already-completed session? replay the
	// last ack rather than silently dropping (open question #1).
	if replay := r.findCompletedLocked(key); replay != nil {
		r.emitAck(replay.key.seqZero, replay.lastBlockAck, src, dst, ttl)
		return mesh.AccessMessage{}, false, nil
	}

	s, ok := r.sessions[key]

	if !ok {
		if r.replayFromPersistentCacheLocked(key, src, dst, ttl) {
			return mesh.AccessMessage{}, false, nil
		}

		s = newSession(key, hdr.SegN, hdr.SZMIC, src, dst, ttl, r.clock.Now())
		s.akf, s.aid = hdr.AKF, hdr.AID
		s.ivIndex = ivIndex
		r.sessions[key] = s
		r.armAckTimer(s)
		r.armIncompleteTimer(s)
	} else if s.segN != hdr.SegN || s.szmic != hdr.SZMIC || s.akf != hdr.AKF || s.aid != hdr.AID {
		return mesh.AccessMessage{}, false, errors.Wrapf(ErrSessionConflict, "seqZero=%04x src=%s", hdr.SeqZero, src)
	}

	if _, dup := s.buf[hdr.SegO]; dup {
		s.duplicateSegments++
		r.log.Debugf("duplicate segment segO=%d seqZero=%04x src=%s", hdr.SegO, hdr.SeqZero, src)
		return mesh.AccessMessage{}, false, ErrDuplicateSegment
	}

	s.blockAck |= 1 << hdr.SegO
	s.buf[hdr.SegO] = payload

	if !s.complete() {
		return mesh.AccessMessage{}, false, nil
	}

	return r.completeAccessLocked(s, seqNum), true, nil
}

// ParseSegmentedControl is the control-message counterpart of
// ParseSegmentedAccess.
func (r *Reassembler) ParseSegmentedControl(hdr Header, payload []byte, src, dst mesh.Addr, ttl uint8, seqNum uint32, ivIndex uint32) (mesh.ControlMessage, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := sessionKey{src: src, seqZero: hdr.SeqZero}

	if replay := r.findCompletedLocked(key); replay != nil {
		r.emitAck(replay.key.seqZero, replay.lastBlockAck, src, dst, ttl)
		return mesh.ControlMessage{}, false, nil
	}

	s, ok := r.sessions[key]

	if !ok {
		if r.replayFromPersistentCacheLocked(key, src, dst, ttl) {
			return mesh.ControlMessage{}, false, nil
		}

		s = newSession(key, hdr.SegN, hdr.SZMIC, src, dst, ttl, r.clock.Now())
		s.opCode = hdr.OpCode
		s.ivIndex = ivIndex
		r.sessions[key] = s
		r.armAckTimer(s)
		r.armIncompleteTimer(s)
	} else if s.segN != hdr.SegN || s.opCode != hdr.OpCode {
		return mesh.ControlMessage{}, false, errors.Wrapf(ErrSessionConflict, "seqZero=%04x src=%s", hdr.SeqZero, src)
	}

	if _, dup := s.buf[hdr.SegO]; dup {
		s.duplicateSegments++
		r.log.Debugf("duplicate segment segO=%d seqZero=%04x src=%s", hdr.SegO, hdr.SeqZero, src)
		return mesh.ControlMessage{}, false, ErrDuplicateSegment
	}

	s.blockAck |= 1 << hdr.SegO
	s.buf[hdr.SegO] = payload

	if !s.complete() {
		return mesh.ControlMessage{}, false, nil
	}

	return r.completeControlLocked(s, seqNum), true, nil
}

func (r *Reassembler) findCompletedLocked(key sessionKey) *session {
	s, ok := r.sessions[key]
	if !ok || !s.completed {
		return nil
	}
	return s
}

func (r *Reassembler) completeAccessLocked(s *session, seqNum uint32) mesh.AccessMessage {
	// assemble before finishSessionLocked releases s.buf
	segments := s.buf
	upperPDU := s.assembleUpperPDU()
	r.finishSessionLocked(s, seqNum)

	fullSeq, err := recoverFullSeq(seqNum, s.key.seqZero)
	if err != nil {
		r.log.Warnf("recoverFullSeq: %v", err)
	}

	msg := mesh.AccessMessage{
		Common: mesh.Common{
			Src: s.src, Dst: s.dst, TTL: s.ttl, SeqNum: fullSeq, IVIndex: s.ivIndex,
			Segmented: true,
			Segments:  segments,
		},
		AccessFields:      mesh.AccessFields{AKF: s.akf, AID: s.aid, ASZMIC: s.szmic},
		UpperTransportPDU: upperPDU,
	}
	if r.callbacks.SendAccessMessage != nil {
		r.callbacks.SendAccessMessage(msg)
	}
	return msg
}

func (r *Reassembler) completeControlLocked(s *session, seqNum uint32) mesh.ControlMessage {
	// assemble before finishSessionLocked releases s.buf
	segments := s.buf
	controlPDU := s.assembleUpperPDU()
	r.finishSessionLocked(s, seqNum)

	fullSeq, err := recoverFullSeq(seqNum, s.key.seqZero)
	if err != nil {
		r.log.Warnf("recoverFullSeq: %v", err)
	}

	msg := mesh.ControlMessage{
		Common: mesh.Common{
			Src: s.src, Dst: s.dst, TTL: s.ttl, SeqNum: fullSeq, IVIndex: s.ivIndex,
			Segmented: true,
			Segments:  segments,
		},
		ControlFields:        mesh.ControlFields{OpCode: s.opCode},
		TransportControlPDU: controlPDU,
	}
	if r.callbacks.SendControlMessage != nil {
		r.callbacks.SendControlMessage(msg)
	}
	return msg
}

// finishSessionLocked implements spec.md §4.3 step 6(a): it cancels
// the pending ack timer and, unless an ack was already sent for this
// session, emits one immediately; the ack deadline is not consulted.
// A session therefore emits at most one ack from its own timer and
// completion before it is retired to the completed-but-retained state.
func (r *Reassembler) finishSessionLocked(s *session, seqNum uint32) {
	if s.cancelIncompleteTimer != nil {
		s.cancelIncompleteTimer()
	}

	if s.cancelAckTimer != nil {
		s.cancelAckTimer()
	}
	if !s.blockAckSent {
		r.sendBlockAck(s)
	}

	segments := len(s.buf)

	s.completed = true
	s.lastBlockAck = s.blockAck
	s.buf = nil // session never mutates segments once the message is handed off

	if r.ackCache != nil {
		key := cache.Key{Access: r.isAccess, Src: s.key.src, SeqZero: s.key.seqZero}
		entry := cache.Entry{Dst: s.dst, TTL: s.ttl, BlockAck: s.lastBlockAck}
		if err := r.ackCache.Store(key, entry); err != nil {
			r.log.Warnf("ack cache store: %v", err)
		}
	}

	if r.sessionLog != nil {
		rec := sessionlog.Record{
			Src: s.src, Dst: s.dst, SeqZero: s.key.seqZero, Access: r.isAccess,
			Segments: segments, DuplicateSegment: s.duplicateSegments,
			Duration: r.clock.Now().Sub(s.started), Outcome: sessionlog.OutcomeCompleted,
			Timestamp: r.clock.Now(),
		}
		if err := r.sessionLog.Append(rec); err != nil {
			r.log.Warnf("session log append: %v", err)
		}
	}

	r.scheduler.PostDelayed(completedRetention, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.sessions[s.key]; ok && cur == s {
			delete(r.sessions, s.key)
		}
	})
}

// armAckTimer implements spec.md §4.4: on the first segment, arm a
// one-shot timer for 150+50*TTL ms that, if nothing completes the
// session first, emits the current BlockAck bitmap.
func (r *Reassembler) armAckTimer(s *session) {
	if s.ackArmed {
		return
	}
	s.ackArmed = true
	d := mesh.AckTimerDuration(s.ttl)
	s.ackDeadline = r.clock.Now().Add(d)

	s.cancelAckTimer = r.scheduler.PostDelayed(d, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if s.blockAckSent || s.buf == nil {
			return
		}
		r.sendBlockAck(s)
	})
}

// armIncompleteTimer implements the supplemented incomplete-message
// timer (spec.md §4.5): drop the session if it never completes.
func (r *Reassembler) armIncompleteTimer(s *session) {
	d := r.incompleteTimeout(s.ttl)
	s.cancelIncompleteTimer = r.scheduler.PostDelayed(d, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		cur, ok := r.sessions[s.key]
		if !ok || cur != s || s.completed {
			return
		}
		r.log.Warnf("%v: seqZero=%04x src=%s dropped, got %d/%d segments",
			ErrIncompleteTimeout, s.key.seqZero, s.src, len(s.buf), int(s.segN)+1)

		if r.sessionLog != nil {
			rec := sessionlog.Record{
				Src: s.src, Dst: s.dst, SeqZero: s.key.seqZero, Access: r.isAccess,
				Segments: len(s.buf), DuplicateSegment: s.duplicateSegments,
				Duration: r.clock.Now().Sub(s.started), Outcome: sessionlog.OutcomeTimedOut,
				Timestamp: r.clock.Now(),
			}
			if err := r.sessionLog.Append(rec); err != nil {
				r.log.Warnf("session log append: %v", err)
			}
		}

		delete(r.sessions, s.key)
	})
}

// sendBlockAck builds and submits a BlockAck control PDU (spec.md
// §4.4's "BlockAck PDU payload" + wrapping into a ControlMessage).
// Caller must hold r.mu.
func (r *Reassembler) sendBlockAck(s *session) {
	payload := encodeAckPayload(s.key.seqZero, s.blockAck)

	seqNum, err := r.seq.IncrementSequenceNumberFor(s.dst)
	if err != nil {
		r.log.Errorf("ack: incrementSequenceNumber: %v", err)
		return
	}

	msg := mesh.ControlMessage{
		Common: mesh.Common{
			Src: s.dst, // ack's source is the received PDU's destination
			Dst: s.src, // and vice versa
			TTL: s.ttl,
			SeqNum: seqNum,
			IVIndex: r.seq.IVIndex(),
		},
		ControlFields:        mesh.ControlFields{OpCode: r.ackOpcode},
		TransportControlPDU: payload,
	}

	if r.callbacks.SendSegmentAcknowledgementMessage != nil {
		if err := r.callbacks.SendSegmentAcknowledgementMessage(msg); err != nil {
			// non-fatal: ack emission failures never tear down the
			// session, the sender will retransmit (spec.md §7).
			r.log.Warnf("ack emission failed, sender will retransmit: %v", err)
		}
	}

	s.blockAckSent = true
	s.ackArmed = false
}

// emitAck re-sends a previously-computed BlockAck for a (src, dst, ttl)
// that is not backed by a live session, for the late-duplicate case
// (open question #1) and for persistent-cache replay after a restart.
func (r *Reassembler) emitAck(seqZero mesh.SeqZero, blockAck uint32, src, dst mesh.Addr, ttl uint8) {
	payload := encodeAckPayload(seqZero, blockAck)

	seqNum, err := r.seq.IncrementSequenceNumberFor(dst)
	if err != nil {
		r.log.Errorf("late-duplicate ack: incrementSequenceNumber: %v", err)
		return
	}

	msg := mesh.ControlMessage{
		Common: mesh.Common{
			Src: dst, Dst: src, TTL: ttl, SeqNum: seqNum, IVIndex: r.seq.IVIndex(),
		},
		ControlFields:        mesh.ControlFields{OpCode: r.ackOpcode},
		TransportControlPDU: payload,
	}
	if r.callbacks.SendSegmentAcknowledgementMessage != nil {
		if err := r.callbacks.SendSegmentAcknowledgementMessage(msg); err != nil {
			r.log.Warnf("late-duplicate ack emission failed: %v", err)
		}
	}
}

// replayFromPersistentCacheLocked looks up key in the configured
// AckCacheStore and, if found, replays the ack it last recorded
// without creating a new in-memory session. Returns false (and does
// nothing) if no persistent cache is configured or key was never
// stored, in which case the caller proceeds to treat the arriving
// segment as the first segment of a new session.
func (r *Reassembler) replayFromPersistentCacheLocked(key sessionKey, src, dst mesh.Addr, ttl uint8) bool {
	if r.ackCache == nil {
		return false
	}
	entry, ok, err := r.ackCache.Load(cache.Key{Access: r.isAccess, Src: key.src, SeqZero: key.seqZero})
	if err != nil {
		r.log.Warnf("ack cache lookup: %v", err)
		return false
	}
	if !ok {
		return false
	}
	r.emitAck(key.seqZero, entry.BlockAck, src, dst, ttl)
	return true
}

// encodeAckPayload builds the 6-byte BlockAck payload of spec.md
// §4.4: OBO(1)=0|SeqZero[12:6], SeqZero[5:0]|RFU(2)=0, then the
// 32-bit bitmap.
func encodeAckPayload(seqZero mesh.SeqZero, blockAck uint32) []byte {
	sz := uint16(seqZero.Mask())
	b0 := byte(sz>>6) & 0x7F // OBO=0
	b1 := byte(sz<<2) & 0xFC // RFU=0

	out := make([]byte, 6)
	out[0] = b0
	out[1] = b1
	out[2] = byte(blockAck >> 24)
	out[3] = byte(blockAck >> 16)
	out[4] = byte(blockAck >> 8)
	out[5] = byte(blockAck)
	return out
}

// Close cancels every pending timer owned by this Reassembler.
func (r *Reassembler) Close() {
	r.scheduler.CancelAll()
}
