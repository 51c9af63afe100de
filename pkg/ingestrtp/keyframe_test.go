package ingestrtp

import (
	"testing"

	"github.com/pion/rtp"
)

// fuaFirst builds an FU-A fragmentation-unit-A first-fragment payload
// wrapping the given NAL type.
func fuaFirst(nalType byte) []byte {
	return []byte{0x7c, 0x80 | nalType, 0xaa, 0xbb}
}

func rtpHeaderFor(seq uint16, timestamp uint32, marker bool) rtp.Header {
	return rtp.Header{
		Version:        2,
		Marker:         marker,
		PayloadType:    96,
		SequenceNumber: seq,
		Timestamp:      timestamp,
		SSRC:           1,
	}
}

func idrPacket(extSeq uint64, seq uint16, timestamp uint32, marker bool) *Packet {
	return &Packet{
		ExtendedSeq: extSeq,
		header:      rtpHeaderFor(seq, timestamp, marker),
		payload:     []byte{0x65, 0x01, 0x02}, // NAL type 5 (IDR)
	}
}

func TestKeyframeAssembler_AssemblesCompleteFrame(t *testing.T) {
	a := &KeyframeAssembler{}

	a.Process(idrPacket(10, 10, 1000, false))
	a.Process(idrPacket(11, 11, 1000, true)) // marker ends the frame
	a.Process(idrPacket(12, 12, 2000, true)) // next frame's arrival promotes it

	got := a.GetKeyframe()
	if len(got) != 2 {
		t.Fatalf("GetKeyframe returned %d packets, want 2", len(got))
	}
	if got[0].ExtendedSeq != 10 || got[1].ExtendedSeq != 11 {
		t.Fatalf("GetKeyframe packets out of order: %+v", got)
	}
}

func TestKeyframeAssembler_IncompleteFrameNeverPublished(t *testing.T) {
	a := &KeyframeAssembler{}

	a.Process(idrPacket(10, 10, 1000, false))
	// No marker packet arrives for timestamp 1000 before a new timestamp
	// starts; the pending frame should never surface via GetKeyframe.
	a.Process(idrPacket(12, 12, 2000, true))

	got := a.GetKeyframe()
	if got != nil {
		t.Fatalf("expected no keyframe yet, got %d packets", len(got))
	}
}

func TestKeyframeAssembler_IgnoresNonRelevantPayload(t *testing.T) {
	a := &KeyframeAssembler{}

	nonIdr := &Packet{
		ExtendedSeq: 1,
		header:      rtpHeaderFor(1, 500, true),
		payload:     []byte{0x01, 0x02}, // NAL type 1: non-IDR slice
	}
	a.Process(nonIdr)

	if a.havePending {
		t.Fatalf("non-keyframe-relevant payload should not start a pending frame")
	}
}

func TestKeyframeAssembler_FUAFragmentRecognised(t *testing.T) {
	a := &KeyframeAssembler{}

	p := &Packet{
		ExtendedSeq: 1,
		header:      rtpHeaderFor(1, 700, true),
		payload:     fuaFirst(5), // FU-A wrapping an IDR NAL
	}
	a.Process(p)
	// A packet on the next timestamp closes out and promotes the pending
	// frame; the assembler never surfaces the in-flight frame.
	a.Process(idrPacket(2, 2, 900, true))

	got := a.GetKeyframe()
	if len(got) != 1 {
		t.Fatalf("expected the FU-A IDR fragment to complete a 1-packet frame, got %d", len(got))
	}
}

func TestFrame_CompleteRequiresContiguousSequence(t *testing.T) {
	f := Frame{
		Packets: []*Packet{
			idrPacket(10, 10, 1000, false),
			idrPacket(12, 12, 1000, true), // gap at 11
		},
	}
	if f.Complete() {
		t.Fatalf("frame with a sequence gap should not be Complete")
	}
}
