package mesh

import "time"

// Wire limits and opcodes normative for the lower transport layer,
// per the Mesh profile and spec.md §6.
const (
	MaxSegmentedAccessPayload  = 12
	MaxSegmentedControlPayload = 8
	// MaxUnsegmentedControlPayload is implementation-dependent; the
	// profile requires at least 11, this stack enforces the common
	// controller limit of 11.
	MaxUnsegmentedControlPayload = 11

	// SARAckOpcode is the Bluetooth Mesh assigned opcode for a segment
	// acknowledgement transport control message.
	SARAckOpcode uint8 = 0x00

	// MaxSegN is the largest zero-based final-segment index the 5-bit
	// SegN field can represent (32 segments total).
	MaxSegN = 31
)

// NetworkPDULowerTransportOffset is the byte offset of the lower
// transport PDU within the enclosing, already de-obfuscated and
// decrypted network PDU.
const NetworkPDULowerTransportOffset = 10

// Network PDU fixed field offsets (spec.md §6), relative to the start
// of the decrypted network PDU, not the lower transport PDU.
const (
	NetworkPDUTTLOffset = 2
	NetworkPDUSrcOffset = 4
	NetworkPDUDstOffset = 6
)

// AckTimerDuration returns the acknowledgement timer duration for a
// segment received with the given TTL: 150 + 50*TTL ms.
func AckTimerDuration(ttl uint8) time.Duration {
	return time.Duration(150+50*int(ttl)) * time.Millisecond
}

// IncompleteTimerDuration returns the recommended upper bound after
// which an incomplete reassembly session is dropped: 10s + 100ms*TTL.
// The Mesh profile specifies this bound; the source repository this
// stack was distilled from does not implement it (spec.md §4.5).
func IncompleteTimerDuration(ttl uint8) time.Duration {
	return 10*time.Second + time.Duration(100*int(ttl))*time.Millisecond
}
