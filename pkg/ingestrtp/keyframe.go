package ingestrtp

// H.264 NAL unit type constants relevant to keyframe detection.
const (
	nalTypeIDR  = 5
	nalTypeSPS  = 7
	nalTypePPS  = 8
	nalTypeFuA1 = 28
	nalTypeFuA2 = 29
)

// Frame is an ordered run of RTP packets sharing one RTP timestamp.
type Frame struct {
	Timestamp uint32
	Packets   []*Packet // ascending ExtendedSeq
}

// Complete reports whether the frame is non-empty, its last packet carries
// the RTP marker bit, and its packets form a contiguous extended-sequence
// run.
func (f *Frame) Complete() bool {
	if len(f.Packets) == 0 {
		return false
	}
	last := f.Packets[len(f.Packets)-1]
	if !last.Marker() {
		return false
	}
	first := f.Packets[0]
	want := first.ExtendedSeq
	for _, p := range f.Packets {
		if p.ExtendedSeq != want {
			return false
		}
		want++
	}
	return true
}

// KeyframeAssembler accumulates H.264 NAL units belonging to one RTP
// timestamp into an ordered, complete frame suitable for preview encoding.
type KeyframeAssembler struct {
	pending     Frame
	current     Frame
	havePending bool
}

// NewKeyframeAssembler returns an assembler with no keyframe accumulated
// yet; GetKeyframe returns nil until the first complete frame is promoted.
func NewKeyframeAssembler() *KeyframeAssembler {
	return &KeyframeAssembler{}
}

// isKeyframeRelevant reports whether a video RTP payload is an SPS, PPS, or
// IDR NAL, or an FU-A fragment of an IDR or SPS NAL.
func isKeyframeRelevant(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	nalType := payload[0] & 0x1f
	switch nalType {
	case nalTypeIDR, nalTypeSPS, nalTypePPS:
		return true
	case nalTypeFuA1, nalTypeFuA2:
		if len(payload) < 2 {
			return false
		}
		fragType := payload[1] & 0x1f
		return fragType == nalTypeIDR || fragType == nalTypeSPS
	default:
		return false
	}
}

// Process feeds one video RTP packet through the assembler. Non-relevant
// packets are ignored; packets matching a new RTP timestamp close out the
// previous pending frame (swapping it into Current if it was complete) and
// start a new one.
func (a *KeyframeAssembler) Process(p *Packet) {
	if !isKeyframeRelevant(p.Payload()) {
		return
	}

	if !a.havePending || p.Timestamp() != a.pending.Timestamp {
		if a.havePending && a.pending.Complete() {
			a.current = a.pending
		}
		a.pending = Frame{Timestamp: p.Timestamp()}
		a.havePending = true
	}

	a.insertOrdered(p)
}

// insertOrdered inserts p into the pending frame's packet list in ascending
// ExtendedSeq order via a linear reverse scan from the tail; the common
// case is an append at the tail.
func (a *KeyframeAssembler) insertOrdered(p *Packet) {
	pkts := a.pending.Packets
	i := len(pkts)
	for i > 0 && pkts[i-1].ExtendedSeq > p.ExtendedSeq {
		i--
	}
	pkts = append(pkts, nil)
	copy(pkts[i+1:], pkts[i:])
	pkts[i] = p
	a.pending.Packets = pkts
}

// GetKeyframe returns a copy of the latest complete keyframe's packets, or
// nil if none has been assembled yet.
func (a *KeyframeAssembler) GetKeyframe() []*Packet {
	if len(a.current.Packets) == 0 {
		return nil
	}
	out := make([]*Packet, len(a.current.Packets))
	copy(out, a.current.Packets)
	return out
}
