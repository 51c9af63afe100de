package ingestrtp

// Constants from RFC 3550 Appendix A.1, used verbatim.
const (
	maxDropout    = 3000
	maxMisorder   = 100
	minSequential = 2
	rtpSeqMod     = 1 << 16
)

// MaxDropout is exported so SequenceTracker can share the same threshold
// when deciding whether a gap is NACK-worthy or catastrophic.
const MaxDropout = maxDropout

// ExtendResult is the outcome of extending one raw sequence number.
type ExtendResult struct {
	ExtendedSeq uint64
	// Valid is false when the source looks like it may have restarted or
	// gone haywire; the extended value is still returned so callers can
	// log it.
	Valid bool
	// Reset is true on the first packet ever seen, and again whenever
	// probation completes or the source is judged to have restarted.
	Reset bool
}

// ExtendedSequenceCounter extends RTP's 16-bit wrapping sequence numbers to
// a monotonically increasing 64-bit counter and classifies the source as
// valid, probationary, or bad, following RFC 3550 Appendix A.1.
type ExtendedSequenceCounter struct {
	maxSeq      uint16
	cycles      uint64
	baseSeq     uint16
	badSeq      uint32
	probation   int
	received    uint64
	initialized bool
}

// NewExtendedSequenceCounter returns a counter ready for its first Extend
// call. probation starts at MIN_SEQUENTIAL, matching RFC 3550's source
// state initialization; it only takes effect once the counter has already
// seen its first packet (the first call always reports Reset=true
// unconditionally).
func NewExtendedSequenceCounter() *ExtendedSequenceCounter {
	return &ExtendedSequenceCounter{probation: minSequential}
}

// Extend maps a raw 16-bit seq to its extended value. It never errors;
// Valid distinguishes "use this value" from "use this value, but the source
// looks untrustworthy".
func (c *ExtendedSequenceCounter) Extend(seq uint16) ExtendResult {
	if !c.initialized {
		c.reset(seq)
		c.initialized = true
		// Unlike a strict RFC 3550 reading, packets are reported valid even
		// before MIN_SEQUENTIAL sequential packets have arrived, including
		// out-of-order packets during probation.
		return ExtendResult{ExtendedSeq: c.cycles | uint64(seq), Valid: true, Reset: true}
	}

	if c.probation > 0 {
		if seq == c.maxSeq+1 {
			c.probation--
			c.maxSeq = seq
			if c.probation == 0 {
				c.reset(seq)
				c.received++
				return ExtendResult{ExtendedSeq: c.cycles | uint64(seq), Valid: true, Reset: true}
			}
		} else {
			c.probation = minSequential - 1
			c.maxSeq = seq
		}
		return ExtendResult{ExtendedSeq: c.cycles | uint64(seq), Valid: true, Reset: false}
	}

	udelta := seq - c.maxSeq

	switch {
	case udelta <= maxDropout:
		// In order, with a permissible gap.
		if seq < c.maxSeq {
			// Sequence number wrapped - count another 64K cycle.
			c.cycles += rtpSeqMod
		}
		c.maxSeq = seq
		c.received++
		return ExtendResult{ExtendedSeq: c.cycles | uint64(seq), Valid: true, Reset: false}

	case udelta <= rtpSeqMod-maxMisorder:
		// The sequence number made a very large jump.
		if uint32(seq) == c.badSeq {
			// Two sequential packets with this jump: the source probably
			// restarted without telling us. Re-sync as if this were the
			// first packet.
			c.reset(seq)
			c.received++
			return ExtendResult{ExtendedSeq: c.cycles | uint64(seq), Valid: true, Reset: true}
		}
		c.badSeq = (uint32(seq) + 1) & (rtpSeqMod - 1)
		return ExtendResult{ExtendedSeq: c.cycles | uint64(seq), Valid: false, Reset: false}

	default:
		// Duplicate or reordered packet.
		c.received++
		return ExtendResult{ExtendedSeq: c.cycles | uint64(seq), Valid: true, Reset: false}
	}
}

func (c *ExtendedSequenceCounter) reset(seq uint16) {
	c.baseSeq = seq
	c.maxSeq = seq
	c.badSeq = rtpSeqMod + 1 // so seq == badSeq is never true
	c.cycles = 0
	c.received = 0
}
