package lt

import (
	"bytes"
	"errors"
	"testing"

	"github.com/btmesh/lowertransport"
	"github.com/btmesh/lowertransport/cache"
	"github.com/btmesh/lowertransport/sessionlog"
)

func newTestReassembler(isAccess bool, cb Callbacks, sch *fakeScheduler, clk *fakeClock, seq SequenceSource) *Reassembler {
	return NewReassembler(isAccess, cb, seq,
		WithClock(clk), WithTimerScheduler(sch))
}

// S3 — segments arrive in order and the session completes before any
// timer fires; exactly one BlockAck is emitted.
func TestParseSegmentedAccess_CompletesInOrder(t *testing.T) {
	var delivered []mesh.AccessMessage
	var acks []mesh.ControlMessage

	cb := Callbacks{
		SendAccessMessage: func(m mesh.AccessMessage) { delivered = append(delivered, m) },
		SendSegmentAcknowledgementMessage: func(m mesh.ControlMessage) error {
			acks = append(acks, m)
			return nil
		},
	}

	r := newTestReassembler(true, cb, newFakeScheduler(), newFakeClock(), newFakeSeqSource(1))

	src, dst := mesh.NewAddr(0x0001), mesh.NewAddr(0x0002)
	seqZero := mesh.SeqZero(0x0010)
	hdr0 := Header{Kind: SegAccess, AKF: true, AID: 5, SeqZero: seqZero, SegO: 0, SegN: 1}
	hdr1 := hdr0
	hdr1.SegO = 1

	_, ok, err := r.ParseSegmentedAccess(hdr0, []byte{0, 1, 2}, src, dst, 5, 0x001010, 0)
	if err != nil || ok {
		t.Fatalf("seg0: ok=%v err=%v", ok, err)
	}

	msg, ok, err := r.ParseSegmentedAccess(hdr1, []byte{3, 4, 5}, src, dst, 5, 0x001011, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected completion on second segment")
	}
	want := []byte{0, 1, 2, 3, 4, 5}
	if !bytes.Equal(msg.UpperTransportPDU, want) {
		t.Fatalf("got % X want % X", msg.UpperTransportPDU, want)
	}
	if len(delivered) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(delivered))
	}
	if len(acks) != 1 {
		t.Fatalf("expected exactly 1 ack, got %d", len(acks))
	}
	p := acks[0].TransportControlPDU
	blockAck := uint32(p[2])<<24 | uint32(p[3])<<16 | uint32(p[4])<<8 | uint32(p[5])
	if blockAck != 0x00000003 {
		t.Fatalf("blockAck got %08X want %08X", blockAck, 0x00000003)
	}
}

// S4 — segments arrive out of order; the assembled PDU must still be
// in SegO order.
func TestParseSegmentedAccess_OutOfOrder(t *testing.T) {
	cb := Callbacks{
		SendAccessMessage:                  func(mesh.AccessMessage) {},
		SendSegmentAcknowledgementMessage: func(mesh.ControlMessage) error { return nil },
	}
	r := newTestReassembler(true, cb, newFakeScheduler(), newFakeClock(), newFakeSeqSource(1))

	src, dst := mesh.NewAddr(0x0011), mesh.NewAddr(0x0022)
	seqZero := mesh.SeqZero(0x0020)
	hdr := Header{Kind: SegAccess, SeqZero: seqZero, SegN: 2}

	h1 := hdr
	h1.SegO = 1
	h0 := hdr
	h0.SegO = 0
	h2 := hdr
	h2.SegO = 2

	if _, ok, err := r.ParseSegmentedAccess(h1, []byte{1}, src, dst, 0, 0x002021, 0); err != nil || ok {
		t.Fatalf("seg1: ok=%v err=%v", ok, err)
	}
	if _, ok, err := r.ParseSegmentedAccess(h2, []byte{2}, src, dst, 0, 0x002022, 0); err != nil || ok {
		t.Fatalf("seg2: ok=%v err=%v", ok, err)
	}
	msg, ok, err := r.ParseSegmentedAccess(h0, []byte{0}, src, dst, 0, 0x002020, 0)
	if err != nil || !ok {
		t.Fatalf("seg0: ok=%v err=%v", ok, err)
	}

	want := []byte{0, 1, 2}
	if !bytes.Equal(msg.UpperTransportPDU, want) {
		t.Fatalf("got % X want % X", msg.UpperTransportPDU, want)
	}
}

// S5 — a segment never arrives; the ack timer fires and the resulting
// BlockAck reflects only the segments actually received.
func TestParseSegmentedAccess_MissingSegment_AckTimerFires(t *testing.T) {
	var acks []mesh.ControlMessage
	cb := Callbacks{
		SendAccessMessage: func(mesh.AccessMessage) {},
		SendSegmentAcknowledgementMessage: func(m mesh.ControlMessage) error {
			acks = append(acks, m)
			return nil
		},
	}
	sch := newFakeScheduler()
	r := newTestReassembler(true, cb, sch, newFakeClock(), newFakeSeqSource(1))

	src, dst := mesh.NewAddr(0x0001), mesh.NewAddr(0x0002)
	seqZero := mesh.SeqZero(0x0030)
	hdr := Header{Kind: SegAccess, SeqZero: seqZero, SegN: 2} // 3 segments: 0,1,2

	h0 := hdr
	h0.SegO = 0
	h2 := hdr
	h2.SegO = 2

	if _, ok, err := r.ParseSegmentedAccess(h0, []byte{0xAA}, src, dst, 2, 0x003030, 0); err != nil || ok {
		t.Fatalf("seg0: ok=%v err=%v", ok, err)
	}
	// segment 1 never arrives.
	if _, ok, err := r.ParseSegmentedAccess(h2, []byte{0xCC}, src, dst, 2, 0x003032, 0); err != nil || ok {
		t.Fatalf("seg2: ok=%v err=%v", ok, err)
	}

	if len(acks) != 0 {
		t.Fatalf("expected no ack before timer fires, got %d", len(acks))
	}

	// timer 0 is the ack timer armed on the first segment.
	sch.FireNth(0)

	if len(acks) != 1 {
		t.Fatalf("expected exactly 1 ack after timer fires, got %d", len(acks))
	}
	payload := acks[0].TransportControlPDU
	if len(payload) != 6 {
		t.Fatalf("ack payload len=%d", len(payload))
	}
	blockAck := uint32(payload[2])<<24 | uint32(payload[3])<<16 | uint32(payload[4])<<8 | uint32(payload[5])
	if blockAck != 0x00000005 {
		t.Fatalf("blockAck got %08X want %08X", blockAck, 0x00000005)
	}
}

// session conflict: same (src, SeqZero) but inconsistent segN must be
// rejected rather than silently corrupting the in-progress session.
func TestParseSegmentedAccess_SessionConflict(t *testing.T) {
	cb := Callbacks{
		SendAccessMessage:                  func(mesh.AccessMessage) {},
		SendSegmentAcknowledgementMessage: func(mesh.ControlMessage) error { return nil },
	}
	r := newTestReassembler(true, cb, newFakeScheduler(), newFakeClock(), newFakeSeqSource(1))

	src, dst := mesh.NewAddr(0x0001), mesh.NewAddr(0x0002)
	seqZero := mesh.SeqZero(0x0040)

	h0 := Header{Kind: SegAccess, SeqZero: seqZero, SegN: 1, AKF: true, AID: 1}
	if _, _, err := r.ParseSegmentedAccess(h0, []byte{0}, src, dst, 0, 0x004040, 0); err != nil {
		t.Fatal(err)
	}

	h1Conflict := Header{Kind: SegAccess, SeqZero: seqZero, SegN: 2, AKF: true, AID: 1} // different SegN
	if _, _, err := r.ParseSegmentedAccess(h1Conflict, []byte{1}, src, dst, 0, 0x004041, 0); !errors.Is(err, ErrSessionConflict) {
		t.Fatalf("expected ErrSessionConflict, got %v", err)
	}
}

func TestParseSegmentedAccess_DuplicateSegment(t *testing.T) {
	cb := Callbacks{
		SendAccessMessage:                  func(mesh.AccessMessage) {},
		SendSegmentAcknowledgementMessage: func(mesh.ControlMessage) error { return nil },
	}
	r := newTestReassembler(true, cb, newFakeScheduler(), newFakeClock(), newFakeSeqSource(1))

	src, dst := mesh.NewAddr(0x0001), mesh.NewAddr(0x0002)
	h0 := Header{Kind: SegAccess, SeqZero: mesh.SeqZero(0x0050), SegN: 1}

	if _, _, err := r.ParseSegmentedAccess(h0, []byte{0}, src, dst, 0, 0x005050, 0); err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.ParseSegmentedAccess(h0, []byte{0}, src, dst, 0, 0x005050, 0); !errors.Is(err, ErrDuplicateSegment) {
		t.Fatalf("expected ErrDuplicateSegment, got %v", err)
	}
}

// open question #1: a late duplicate of an already-completed session
// replays the last BlockAck instead of being silently dropped.
func TestParseSegmentedAccess_LateDuplicateReplaysAck(t *testing.T) {
	var acks []mesh.ControlMessage
	cb := Callbacks{
		SendAccessMessage: func(mesh.AccessMessage) {},
		SendSegmentAcknowledgementMessage: func(m mesh.ControlMessage) error {
			acks = append(acks, m)
			return nil
		},
	}
	sch := newFakeScheduler()
	r := newTestReassembler(true, cb, sch, newFakeClock(), newFakeSeqSource(1))

	src, dst := mesh.NewAddr(0x0001), mesh.NewAddr(0x0002)
	seqZero := mesh.SeqZero(0x0060)
	hdr := Header{Kind: SegAccess, SeqZero: seqZero, SegN: 1}

	h0 := hdr
	h0.SegO = 0
	h1 := hdr
	h1.SegO = 1

	if _, ok, err := r.ParseSegmentedAccess(h0, []byte{0}, src, dst, 0, 0x006060, 0); err != nil || ok {
		t.Fatalf("seg0: ok=%v err=%v", ok, err)
	}
	if _, ok, err := r.ParseSegmentedAccess(h1, []byte{1}, src, dst, 0, 0x006061, 0); err != nil || !ok {
		t.Fatalf("seg1: ok=%v err=%v", ok, err)
	}
	if len(acks) != 1 {
		t.Fatalf("expected 1 ack after completion, got %d", len(acks))
	}

	// a retransmitted copy of seg1 arrives after completion, before the
	// completed-session retention window has been cleaned up.
	_, ok, err := r.ParseSegmentedAccess(h1, []byte{1}, src, dst, 0, 0x006061, 0)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("late duplicate must not report completion again")
	}
	if len(acks) != 2 {
		t.Fatalf("expected a replayed ack, got %d acks", len(acks))
	}
}

// memAckCache is an in-memory AckCacheStore double, standing in for
// cache.AckCache so this test doesn't touch the filesystem.
type memAckCache struct {
	entries map[cache.Key]cache.Entry
}

func newMemAckCache() *memAckCache {
	return &memAckCache{entries: make(map[cache.Key]cache.Entry)}
}

func (c *memAckCache) Store(k cache.Key, e cache.Entry) error {
	c.entries[k] = e
	return nil
}

func (c *memAckCache) Load(k cache.Key) (cache.Entry, bool, error) {
	e, ok := c.entries[k]
	return e, ok, nil
}

// open question #1, extended: a segment for a session completed by a
// *previous* Reassembler instance (simulating a process restart, which
// wipes in-memory session state) still gets its ack replayed, because
// it was persisted to the shared AckCacheStore.
func TestParseSegmentedAccess_PersistentCacheSurvivesRestart(t *testing.T) {
	shared := newMemAckCache()
	src, dst := mesh.NewAddr(0x0001), mesh.NewAddr(0x0002)
	seqZero := mesh.SeqZero(0x0070)
	hdr := Header{Kind: SegAccess, SeqZero: seqZero, SegN: 1}
	h0, h1 := hdr, hdr
	h0.SegO, h1.SegO = 0, 1

	func() {
		cb := Callbacks{
			SendAccessMessage:                  func(mesh.AccessMessage) {},
			SendSegmentAcknowledgementMessage: func(mesh.ControlMessage) error { return nil },
		}
		r := NewReassembler(true, cb, newFakeSeqSource(1),
			WithClock(newFakeClock()), WithTimerScheduler(newFakeScheduler()), WithAckCache(shared))
		if _, _, err := r.ParseSegmentedAccess(h0, []byte{0}, src, dst, 3, 0x007070, 0); err != nil {
			t.Fatal(err)
		}
		if _, ok, err := r.ParseSegmentedAccess(h1, []byte{1}, src, dst, 3, 0x007071, 0); err != nil || !ok {
			t.Fatalf("seg1: ok=%v err=%v", ok, err)
		}
	}()

	// a fresh Reassembler, as if the process restarted: no in-memory
	// session survives, but the shared persistent cache does.
	var acks []mesh.ControlMessage
	cb2 := Callbacks{
		SendAccessMessage: func(mesh.AccessMessage) {},
		SendSegmentAcknowledgementMessage: func(m mesh.ControlMessage) error {
			acks = append(acks, m)
			return nil
		},
	}
	r2 := NewReassembler(true, cb2, newFakeSeqSource(100),
		WithClock(newFakeClock()), WithTimerScheduler(newFakeScheduler()), WithAckCache(shared))

	_, ok, err := r2.ParseSegmentedAccess(h1, []byte{1}, src, dst, 3, 0x007071, 0)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("replay from persistent cache must not report a fresh completion")
	}
	if len(acks) != 1 {
		t.Fatalf("expected the restarted Reassembler to replay 1 ack, got %d", len(acks))
	}
}

// memSessionLog is an in-memory SessionLogStore double.
type memSessionLog struct {
	records []sessionlog.Record
}

func (l *memSessionLog) Append(rec sessionlog.Record) error {
	l.records = append(l.records, rec)
	return nil
}

// A completed session is appended to the configured SessionLogStore,
// with its duplicate-segment count and outcome recorded.
func TestParseSegmentedAccess_SessionLogRecordsCompletion(t *testing.T) {
	cb := Callbacks{
		SendAccessMessage:                  func(mesh.AccessMessage) {},
		SendSegmentAcknowledgementMessage: func(mesh.ControlMessage) error { return nil },
	}
	log := &memSessionLog{}
	r := NewReassembler(true, cb, newFakeSeqSource(1),
		WithClock(newFakeClock()), WithTimerScheduler(newFakeScheduler()), WithSessionLog(log))

	src, dst := mesh.NewAddr(0x0001), mesh.NewAddr(0x0002)
	h0 := Header{Kind: SegAccess, SeqZero: mesh.SeqZero(0x0080), SegN: 1}
	h1 := h0
	h1.SegO = 1

	if _, _, err := r.ParseSegmentedAccess(h0, []byte{0}, src, dst, 0, 0x008080, 0); err != nil {
		t.Fatal(err)
	}
	// a duplicate of segment 0 before completion.
	if _, _, err := r.ParseSegmentedAccess(h0, []byte{0}, src, dst, 0, 0x008080, 0); !errors.Is(err, ErrDuplicateSegment) {
		t.Fatalf("expected ErrDuplicateSegment, got %v", err)
	}
	if _, ok, err := r.ParseSegmentedAccess(h1, []byte{1}, src, dst, 0, 0x008081, 0); err != nil || !ok {
		t.Fatalf("seg1: ok=%v err=%v", ok, err)
	}

	if len(log.records) != 1 {
		t.Fatalf("expected 1 logged session, got %d", len(log.records))
	}
	rec := log.records[0]
	if rec.Outcome != sessionlog.OutcomeCompleted {
		t.Fatalf("outcome got %v want %v", rec.Outcome, sessionlog.OutcomeCompleted)
	}
	if rec.Segments != 2 {
		t.Fatalf("segments got %d want 2", rec.Segments)
	}
	if rec.DuplicateSegment != 1 {
		t.Fatalf("duplicateSegment got %d want 1", rec.DuplicateSegment)
	}
}

// A session that never completes is appended to the SessionLogStore as
// timed out when its incomplete-message timer fires.
func TestParseSegmentedAccess_SessionLogRecordsIncompleteTimeout(t *testing.T) {
	cb := Callbacks{
		SendAccessMessage:                  func(mesh.AccessMessage) {},
		SendSegmentAcknowledgementMessage: func(mesh.ControlMessage) error { return nil },
	}
	log := &memSessionLog{}
	sch := newFakeScheduler()
	r := NewReassembler(true, cb, newFakeSeqSource(1),
		WithClock(newFakeClock()), WithTimerScheduler(sch), WithSessionLog(log))

	src, dst := mesh.NewAddr(0x0001), mesh.NewAddr(0x0002)
	h0 := Header{Kind: SegAccess, SeqZero: mesh.SeqZero(0x0090), SegN: 2} // 3 segments

	if _, ok, err := r.ParseSegmentedAccess(h0, []byte{0}, src, dst, 0, 0x009090, 0); err != nil || ok {
		t.Fatalf("seg0: ok=%v err=%v", ok, err)
	}

	// timer 1 is the incomplete-message timer armed on the first segment.
	sch.FireNth(1)

	if len(log.records) != 1 {
		t.Fatalf("expected 1 logged session, got %d", len(log.records))
	}
	if log.records[0].Outcome != sessionlog.OutcomeTimedOut {
		t.Fatalf("outcome got %v want %v", log.records[0].Outcome, sessionlog.OutcomeTimedOut)
	}
	if log.records[0].Segments != 1 {
		t.Fatalf("segments got %d want 1", log.records[0].Segments)
	}
}
