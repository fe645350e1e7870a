package lt

import (
	"time"

	"github.com/btmesh/lowertransport"
)

// transportConfig is the setter interface Option values configure,
// following the teacher's DeviceOption/Option pattern (option.go):
// a plain struct here rather than an interface, since unlike the
// teacher's multi-implementation DeviceOption (linux/darwin), this
// package has exactly one Transport implementation to configure.
type transportConfig struct {
	log               mesh.Logger
	clock             Clock
	scheduler         TimerScheduler
	ackOpcode         uint8
	incompleteTimeout func(ttl uint8) time.Duration
	ackCache          AckCacheStore
	sessionLog        SessionLogStore
}

// Option configures a Transport at construction time.
type Option func(*transportConfig)

// WithTransportLogger overrides the Logger used by the Transport and
// both of its Reassemblers.
func WithTransportLogger(l mesh.Logger) Option {
	return func(c *transportConfig) { c.log = l }
}

// WithTransportClock overrides the Clock, for deterministic tests.
func WithTransportClock(clk Clock) Option {
	return func(c *transportConfig) { c.clock = clk }
}

// WithTransportTimerScheduler overrides the TimerScheduler, for
// deterministic tests that want to fire timers manually.
func WithTransportTimerScheduler(s TimerScheduler) Option {
	return func(c *transportConfig) { c.scheduler = s }
}

// WithAckOpcode overrides the opcode used for outbound block
// acknowledgements. Defaults to mesh.SARAckOpcode; exposed for tests
// that want to distinguish fixture traffic.
func WithAckOpcode(op uint8) Option {
	return func(c *transportConfig) { c.ackOpcode = op }
}

// WithTransportIncompleteTimeout overrides the incomplete-message
// timeout function (spec.md §4.5).
func WithTransportIncompleteTimeout(f func(ttl uint8) time.Duration) Option {
	return func(c *transportConfig) { c.incompleteTimeout = f }
}

// WithTransportAckCache installs a persistent AckCacheStore, shared by
// both the access and control Reassemblers, for surviving-a-restart
// late-duplicate ack replay (spec.md §9 open question #1).
func WithTransportAckCache(c AckCacheStore) Option {
	return func(cfg *transportConfig) { cfg.ackCache = c }
}

// WithTransportSessionLog installs a SessionLogStore, shared by both
// the access and control Reassemblers, for field diagnostics.
func WithTransportSessionLog(l SessionLogStore) Option {
	return func(cfg *transportConfig) { cfg.sessionLog = l }
}
