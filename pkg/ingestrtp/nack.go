package ingestrtp

import "github.com/pion/rtcp"

// BuildNack encodes an RTCP Generic NACK (RFC 4585 section 6.2.1)
// requesting retransmission of the given raw 16-bit sequence numbers. The
// blp bitmask is always left at 0; consecutive losses are requested as
// separate FCI entries rather than coalesced.
func BuildNack(senderSSRC, mediaSSRC uint32, seqs []uint16) ([]byte, error) {
	nacks := make([]rtcp.NackPair, len(seqs))
	for i, seq := range seqs {
		nacks[i] = rtcp.NackPair{PacketID: seq, LostPackets: 0}
	}
	pkt := &rtcp.TransportLayerNack{
		SenderSSRC: senderSSRC,
		MediaSSRC:  mediaSSRC,
		Nacks:      nacks,
	}
	return pkt.Marshal()
}
