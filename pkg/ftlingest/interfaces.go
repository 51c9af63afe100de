package ftlingest

import "github.com/glimesh/ftl-ingest/pkg/ingestrtp"

// CredentialProvider resolves a channel ID to its HMAC shared secret. The
// real implementation talks to an external service; this module only
// consumes the capability.
type CredentialProvider interface {
	Lookup(channelID ChannelID) (key []byte, err error)
}

// StreamRegistry records stream lifecycle and accepts periodic metadata and
// preview snapshots.
type StreamRegistry interface {
	StartStream(channelID ChannelID) (StreamID, error)
	UpdateMetadata(streamID StreamID, metadata StreamMetadata) error
	EndStream(streamID StreamID) error
	SubmitPreview(streamID StreamID, jpeg []byte) error
}

// PreviewEncoder turns the packets of one complete keyframe into a JPEG.
// No codec is implemented in this module.
type PreviewEncoder interface {
	Encode(codec VideoCodec, framePackets []*ingestrtp.Packet) ([]byte, error)
}

// RtpPacketSink receives every media packet MediaConnection accepts. It is
// shared across MediaConnections and must be safe for concurrent calls from
// multiple packet-reader goroutines; no lock is held while invoking it.
type RtpPacketSink interface {
	OnPacket(channelID ChannelID, streamID StreamID, packet *ingestrtp.Packet)
}

// RtpPacketSinkFunc adapts a plain function to RtpPacketSink.
type RtpPacketSinkFunc func(ChannelID, StreamID, *ingestrtp.Packet)

func (f RtpPacketSinkFunc) OnPacket(channelID ChannelID, streamID StreamID, packet *ingestrtp.Packet) {
	f(channelID, streamID, packet)
}
