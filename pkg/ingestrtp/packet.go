// Package ingestrtp implements the RTP/RTCP wire types, sequence tracking,
// and H.264 keyframe reassembly used by the FTL media connection. It has no
// transport dependencies and is exercised directly by unit tests.
package ingestrtp

import (
	"github.com/pion/rtp"
	"github.com/pkg/errors"
)

// ErrShortPacket is returned when a datagram is too small to contain a valid
// RTP header.
var ErrShortPacket = errors.New("ingestrtp: packet shorter than RTP header")

// Packet is a received RTP packet paired with the 64-bit extended sequence
// number assigned to it by a SequenceTracker.
type Packet struct {
	Raw         []byte
	ExtendedSeq uint64

	header rtp.Header
	// payload is the portion of Raw past the fixed header, CSRC list, and
	// optional extension header, as pion/rtp's Unmarshal computes it.
	payload []byte
}

// Parse unmarshals raw RTP header fields (including CSRC count and optional
// extension header, per RFC 3550) and locates the payload. extendedSeq is
// assigned by the caller's SequenceTracker and carried alongside the packet
// for downstream consumers.
func Parse(raw []byte, extendedSeq uint64) (*Packet, error) {
	if len(raw) < 12 {
		return nil, ErrShortPacket
	}
	var pkt rtp.Packet
	if err := pkt.Unmarshal(raw); err != nil {
		return nil, errors.Wrap(err, "ingestrtp: unmarshal RTP packet")
	}
	return &Packet{
		Raw:         raw,
		ExtendedSeq: extendedSeq,
		header:      pkt.Header,
		payload:     pkt.Payload,
	}, nil
}

func (p *Packet) SSRC() uint32 { return p.header.SSRC }

func (p *Packet) SequenceNumber() uint16 { return p.header.SequenceNumber }

func (p *Packet) Timestamp() uint32 { return p.header.Timestamp }

func (p *Packet) Marker() bool { return p.header.Marker }

func (p *Packet) PayloadType() uint8 { return p.header.PayloadType }

func (p *Packet) Payload() []byte { return p.payload }

// FoldedPayloadType reconstructs FTL's 8-bit sentinel payload type by
// folding the marker bit into bit 7; FTL overloads values above 127 this
// way for its non-RTP control datagrams.
func FoldedPayloadType(raw []byte) uint8 {
	if len(raw) < 2 {
		return 0
	}
	marker := (raw[1] >> 7) & 0x1
	pt := raw[1] & 0x7f
	return (marker << 7) | pt
}

// FTL sentinel payload types, recognised only via FoldedPayloadType.
const (
	PayloadTypeSenderReport uint8 = 200
	PayloadTypeFtlPing      uint8 = 250
)
