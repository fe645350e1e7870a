package lt

import (
	"sync"
	"time"

	"github.com/btmesh/lowertransport"
)

// fakeClock is a Clock whose Now() only moves when Advance is called,
// so tests never depend on wall-clock timing.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(0, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeTimer is one pending callback tracked by fakeScheduler.
type fakeTimer struct {
	fn        func()
	cancelled bool
	fired     bool
}

// fakeScheduler is a TimerScheduler that never actually waits: tests
// fire (or cancel) timers explicitly, in the order they were posted,
// instead of sleeping for real durations.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{}
}

func (s *fakeScheduler) PostDelayed(d time.Duration, fn func()) CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{fn: fn}
	s.timers = append(s.timers, t)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		t.cancelled = true
	}
}

func (s *fakeScheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.timers {
		t.cancelled = true
	}
}

// FireNth fires the n-th timer ever posted (0-indexed), if it hasn't
// already been cancelled or fired.
func (s *fakeScheduler) FireNth(n int) {
	s.mu.Lock()
	if n >= len(s.timers) {
		s.mu.Unlock()
		return
	}
	t := s.timers[n]
	s.mu.Unlock()

	if t.cancelled || t.fired {
		return
	}
	t.fired = true
	t.fn()
}

// fakeSeqSource is a SequenceSource that hands out ever-increasing
// sequence numbers, ignoring address.
type fakeSeqSource struct {
	mu      sync.Mutex
	next    uint32
	ivIndex uint32
}

func newFakeSeqSource(start uint32) *fakeSeqSource {
	return &fakeSeqSource{next: start}
}

func (s *fakeSeqSource) IncrementSequenceNumber() (uint32, error) {
	return s.IncrementSequenceNumberFor(0)
}

func (s *fakeSeqSource) IncrementSequenceNumberFor(mesh.Addr) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.next
	s.next++
	return v, nil
}

func (s *fakeSeqSource) IVIndex() uint32 { return s.ivIndex }
