package lt

import "github.com/pkg/errors"

// Sentinel errors for the lower transport layer, matching the error
// taxonomy of spec.md §7. Callers compare with errors.Is; internal
// call sites wrap these with errors.Wrap/Wrapf to keep a trail, the
// way the teacher's hci and coc packages do.
var (
	// ErrMalformedHeader is returned when a PDU's length is
	// inconsistent with the header it decodes to.
	ErrMalformedHeader = errors.New("lt: malformed lower transport header")

	// ErrPayloadTooLarge is returned by the outbound segmenter when
	// the computed segment count would exceed 32 (SegN is 5 bits).
	ErrPayloadTooLarge = errors.New("lt: payload requires more than 32 segments")

	// ErrSessionConflict indicates a segment arrived with a SegN,
	// SZMIC, or AKF/AID/OpCode inconsistent with the session already
	// open for its (src, SeqZero). Policy: drop the segment, keep the
	// session.
	ErrSessionConflict = errors.New("lt: segment conflicts with open session")

	// ErrDuplicateSegment indicates a SegO already populated in the
	// session buffer. Policy: silently ignore (idempotent); exposed as
	// an error value so callers can count duplicates for diagnostics.
	ErrDuplicateSegment = errors.New("lt: duplicate segment")

	// ErrIncompleteTimeout indicates a session was dropped because it
	// did not complete before its incomplete-message timer fired.
	ErrIncompleteTimeout = errors.New("lt: reassembly session timed out incomplete")

	// ErrSeqRollover indicates recoverFullSeq underflowed the 24-bit
	// sequence number space. spec.md §9 leaves 24-bit wraparound
	// policy unspecified; this stack treats it as an error rather than
	// silently wrapping.
	ErrSeqRollover = errors.New("lt: sequence number rollover past 24-bit boundary")
)
